// internal/config/config.go
package config

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
)

type Config struct {
	IndexPath string `json:"index_path"` // default index file location
	LogLevel  string `json:"log_level"`  // debug, info, warn, error
	Lenient   bool   `json:"lenient"`    // drop bad extensions instead of failing
	CacheSize int    `json:"cache_size"` // parsed-index LRU size
}

func Default() *Config {
	return &Config{
		IndexPath: ".git/index",
		LogLevel:  "warn",
		CacheSize: 16,
	}
}

// Load reads the config at path, falling back to defaults when the
// file does not exist.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Default(), nil
		}
		return nil, err
	}
	defer file.Close()

	config := Default()
	if err := json.NewDecoder(file).Decode(config); err != nil {
		return nil, err
	}
	return config, nil
}
