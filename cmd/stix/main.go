// cmd/stix/main.go
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/klauspost/compress/zstd"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"stix/internal/config"
	"stix/internal/fsmonitor"
	"stix/internal/hash"
	"stix/internal/index"
	"stix/internal/lockfile"
	"stix/internal/logging"
)

var (
	logger = zap.NewNop()
	cfg    = config.Default()
)

var (
	flagIndex    string
	flagConfig   string
	flagLogLevel string
	flagLenient  bool
	flagHash     string
)

var rootCmd = &cobra.Command{
	Use:   "stix",
	Short: "Stix inspects and rewrites staging-area index files",
	Long: `Stix reads the binary staging-area index of a content-addressable
version control repository, verifies its integrity, and can rewrite it
in any supported format version through the crash-safe lock protocol.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(flagConfig)
		if err != nil {
			return fmt.Errorf("loading config %s: %w", flagConfig, err)
		}
		if !cmd.Flags().Changed("index") && cfg.IndexPath != "" {
			flagIndex = cfg.IndexPath
		}
		if !cmd.Flags().Changed("log-level") && cfg.LogLevel != "" {
			flagLogLevel = cfg.LogLevel
		}
		if !cmd.Flags().Changed("lenient") {
			flagLenient = cfg.Lenient
		}
		logger, err = logging.New(flagLogLevel)
		if err != nil {
			return fmt.Errorf("initializing logger: %w", err)
		}
		return nil
	},
}

func decodeOptions() (index.DecodeOptions, error) {
	var alg hash.Algorithm
	switch flagHash {
	case "sha1":
		alg = hash.SHA1
	case "sha256":
		alg = hash.SHA256
	default:
		return index.DecodeOptions{}, fmt.Errorf("unknown hash algorithm %q, want sha1 or sha256", flagHash)
	}
	return index.DecodeOptions{
		Algorithm: alg,
		Lenient:   flagLenient,
		Logger:    logger,
	}, nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagIndex, "index", "i", ".git/index", "path of the index file")
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", ".stix.json", "path of the config file")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&flagLenient, "lenient", false, "drop malformed or unsupported extensions instead of failing")
	rootCmd.PersistentFlags().StringVar(&flagHash, "hash", "sha1", "object id algorithm (sha1, sha256)")

	var lsCmd = &cobra.Command{
		Use:   "ls",
		Short: "List the entries of the index",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := decodeOptions()
			if err != nil {
				return err
			}
			f, err := index.Read(flagIndex, opts)
			if err != nil {
				return err
			}

			conflict := color.New(color.FgRed).SprintFunc()
			dim := color.New(color.Faint).SprintFunc()
			for e := range f.Table.All() {
				stage := fmt.Sprintf("%d", e.Stage)
				if e.Stage != 0 {
					stage = conflict(stage)
				}
				var marks []string
				if e.AssumeValid {
					marks = append(marks, "assume-valid")
				}
				if e.SkipWorktree {
					marks = append(marks, "skip-worktree")
				}
				if e.IntentToAdd {
					marks = append(marks, "intent-to-add")
				}
				suffix := ""
				if len(marks) > 0 {
					suffix = dim(" (" + strings.Join(marks, ", ") + ")")
				}
				fmt.Printf("%s %s %s\t%s%s\n", e.Mode, dim(e.ID.Hex()), stage, e.PathString(), suffix)
			}
			return nil
		},
	}

	var verifyCmd = &cobra.Command{
		Use:   "verify [paths...]",
		Short: "Verify index checksums and structure",
		Long:  `Verifies each given index file (the --index path when none are given). Files are checked concurrently.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := decodeOptions()
			if err != nil {
				return err
			}
			paths := args
			if len(paths) == 0 {
				paths = []string{flagIndex}
			}

			results := make([]error, len(paths))
			var g errgroup.Group
			for i, path := range paths {
				g.Go(func() error {
					_, results[i] = index.Read(path, opts)
					return nil
				})
			}
			g.Wait()

			ok := color.New(color.FgGreen).SprintFunc()
			bad := color.New(color.FgRed).SprintFunc()
			failed := 0
			for i, path := range paths {
				if results[i] != nil {
					failed++
					fmt.Printf("%s %s: %v\n", bad("FAIL"), path, results[i])
					continue
				}
				fmt.Printf("%s %s\n", ok("OK"), path)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d files failed verification", failed, len(paths))
			}
			return nil
		},
	}

	var extensionsCmd = &cobra.Command{
		Use:   "extensions",
		Short: "List the extension blocks of the index",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := decodeOptions()
			if err != nil {
				return err
			}
			f, err := index.Read(flagIndex, opts)
			if err != nil {
				return err
			}
			for _, ext := range f.Extensions {
				fmt.Printf("%s\t%s\n", ext.Signature(), describeExtension(ext))
			}
			if f.IncludeEndOffset {
				fmt.Printf("%s\t%s\n", index.SigEndOfIndexEntry, "entry-section end offset (regenerated on write)")
			}
			return nil
		},
	}

	var dumpOut string
	var dumpCompress bool
	var dumpCmd = &cobra.Command{
		Use:   "dump",
		Short: "Dump the index as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := decodeOptions()
			if err != nil {
				return err
			}
			f, err := index.Read(flagIndex, opts)
			if err != nil {
				return err
			}
			return dumpIndex(f, dumpOut, dumpCompress)
		},
	}
	dumpCmd.Flags().StringVarP(&dumpOut, "output", "o", "", "write to file instead of stdout")
	dumpCmd.Flags().BoolVarP(&dumpCompress, "compress", "z", false, "zstd-compress the output")

	var toVersion uint32
	var withEOIE bool
	var rewriteCmd = &cobra.Command{
		Use:   "rewrite",
		Short: "Re-encode the index in place",
		Long: `Reads the index and writes it back through the lock protocol,
optionally converting it to another format version. Preserved
extensions, including unrecognized optional ones, are carried through
unchanged.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := decodeOptions()
			if err != nil {
				return err
			}
			f, err := index.Read(flagIndex, opts)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("to-version") {
				f.State.Version = index.Version(toVersion)
			}
			if cmd.Flags().Changed("eoie") {
				f.IncludeEndOffset = withEOIE
			}
			if err := f.Write(); err != nil {
				if errors.Is(err, lockfile.ErrLocked) {
					return fmt.Errorf("another writer holds the lock: %w", err)
				}
				return err
			}
			fmt.Printf("Rewrote %s as version %s (%d entries)\n", flagIndex, f.State.Version, f.Table.Len())
			return nil
		},
	}
	rewriteCmd.Flags().Uint32Var(&toVersion, "to-version", 0, "target format version (2, 3 or 4)")
	rewriteCmd.Flags().BoolVar(&withEOIE, "eoie", false, "write an end-of-index-entry block")

	var watchInterval time.Duration
	var watchCmd = &cobra.Command{
		Use:   "watch [worktree]",
		Short: "Watch a worktree and fold changes into the index",
		Long: `Watches the worktree (the current directory when none is given) and
periodically records the dirtied paths in the index's filesystem-monitor
extension, so later readers can skip stat calls for clean entries.
Runs until interrupted.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := decodeOptions()
			if err != nil {
				return err
			}
			root := "."
			if len(args) == 1 {
				root = args[0]
			}
			mon, err := fsmonitor.New(root, logger)
			if err != nil {
				return err
			}
			defer mon.Close()

			cache, err := index.NewCache(cfg.CacheSize, opts)
			if err != nil {
				return err
			}

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			ticker := time.NewTicker(watchInterval)
			defer ticker.Stop()

			fmt.Printf("Watching %s, token %s\n", root, mon.Token())
			for {
				select {
				case <-stop:
					return nil
				case <-ticker.C:
					dirty := mon.DirtyPaths()
					if len(dirty) == 0 {
						continue
					}
					f, err := cache.Get(flagIndex)
					if err != nil {
						return err
					}
					ext := mon.Extension(f.Table)
					replaced := false
					for i, e := range f.Extensions {
						if _, ok := e.(*index.FSMonitor); ok {
							f.Extensions[i] = ext
							replaced = true
							break
						}
					}
					if !replaced {
						f.Extensions = append(f.Extensions, ext)
					}
					if err := f.Write(); err != nil {
						if errors.Is(err, lockfile.ErrLocked) {
							logger.Warn("index locked by another writer, retrying next tick")
							continue
						}
						return err
					}
					mon.Reset()
					fmt.Printf("Recorded %d dirty paths, new token %s\n", len(dirty), mon.Token())
				}
			}
		},
	}
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 2*time.Second, "how often to fold changes into the index")

	rootCmd.AddCommand(lsCmd, verifyCmd, extensionsCmd, dumpCmd, rewriteCmd, watchCmd)
}

func describeExtension(ext index.Extension) string {
	switch e := ext.(type) {
	case *index.TreeCache:
		valid, total := 0, 0
		var walk func(n *index.TreeNode)
		walk = func(n *index.TreeNode) {
			total++
			if n.Valid() {
				valid++
			}
			for _, c := range n.Children {
				walk(c)
			}
		}
		if e.Root != nil {
			walk(e.Root)
		}
		return fmt.Sprintf("tree cache, %d nodes (%d valid)", total, valid)
	case *index.ResolveUndo:
		return fmt.Sprintf("resolve-undo, %d paths", len(e.Entries))
	case *index.UntrackedCache:
		return fmt.Sprintf("untracked cache, per-dir exclude %q", e.PerDirExclude)
	case *index.FSMonitor:
		if e.Version == 2 {
			return fmt.Sprintf("fsmonitor v2, token %q, %d dirty", e.Token, e.Dirty.Count())
		}
		return fmt.Sprintf("fsmonitor v1, %d dirty", e.Dirty.Count())
	case *index.Opaque:
		return fmt.Sprintf("unrecognized optional extension, %d bytes preserved", len(e.Payload))
	default:
		return "unknown"
	}
}

type dumpEntry struct {
	Path         string `json:"path"`
	ID           string `json:"id"`
	Stage        int    `json:"stage"`
	Mode         string `json:"mode"`
	Size         uint32 `json:"size"`
	MTimeSec     uint32 `json:"mtime_sec"`
	AssumeValid  bool   `json:"assume_valid,omitempty"`
	SkipWorktree bool   `json:"skip_worktree,omitempty"`
	IntentToAdd  bool   `json:"intent_to_add,omitempty"`
}

type dumpDoc struct {
	Version    string      `json:"version"`
	Checksum   string      `json:"checksum"`
	Entries    []dumpEntry `json:"entries"`
	Extensions []string    `json:"extensions"`
}

func dumpIndex(f *index.File, out string, compress bool) error {
	doc := dumpDoc{
		Version:  f.State.Version.String(),
		Checksum: f.Checksum.Hex(),
	}
	for e := range f.Table.All() {
		doc.Entries = append(doc.Entries, dumpEntry{
			Path:         e.PathString(),
			ID:           e.ID.Hex(),
			Stage:        int(e.Stage),
			Mode:         e.Mode.String(),
			Size:         e.Stat.Size,
			MTimeSec:     e.Stat.MTimeSec,
			AssumeValid:  e.AssumeValid,
			SkipWorktree: e.SkipWorktree,
			IntentToAdd:  e.IntentToAdd,
		})
	}
	for _, ext := range f.Extensions {
		doc.Extensions = append(doc.Extensions, ext.Signature().String())
	}

	var w = os.Stdout
	if out != "" {
		file, err := os.Create(out)
		if err != nil {
			return fmt.Errorf("creating dump file: %w", err)
		}
		defer file.Close()
		w = file
	}
	if compress || strings.HasSuffix(out, ".zst") {
		enc, err := zstd.NewWriter(w, zstd.WithEncoderConcurrency(1))
		if err != nil {
			return fmt.Errorf("creating zstd encoder: %w", err)
		}
		je := json.NewEncoder(enc)
		je.SetIndent("", "  ")
		if err := je.Encode(doc); err != nil {
			enc.Close()
			return fmt.Errorf("encoding dump: %w", err)
		}
		return enc.Close()
	}
	je := json.NewEncoder(w)
	je.SetIndent("", "  ")
	if err := je.Encode(doc); err != nil {
		return fmt.Errorf("encoding dump: %w", err)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
