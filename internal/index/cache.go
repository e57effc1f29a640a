// internal/index/cache.go
package index

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache keeps recently parsed index files keyed by path. A hit is
// revalidated against the file's current stat and dropped when another
// writer has replaced it, so callers always see a current snapshot
// without re-decoding unchanged files.
type Cache struct {
	files *lru.Cache[string, *File]
	opts  DecodeOptions
}

func NewCache(size int, opts DecodeOptions) (*Cache, error) {
	files, err := lru.New[string, *File](size)
	if err != nil {
		return nil, fmt.Errorf("creating index cache: %w", err)
	}
	return &Cache{files: files, opts: opts}, nil
}

// Get returns the parsed index for path, reusing the cached snapshot
// while its source file is unchanged.
func (c *Cache) Get(path string) (*File, error) {
	if f, ok := c.files.Get(path); ok {
		changed, err := f.Changed()
		if err == nil && !changed {
			return f, nil
		}
		c.files.Remove(path)
	}
	f, err := Read(path, c.opts)
	if err != nil {
		return nil, err
	}
	c.files.Add(path, f)
	return f, nil
}

// Invalidate drops the cached snapshot for path, if any.
func (c *Cache) Invalidate(path string) {
	c.files.Remove(path)
}
