// internal/config/config.go
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const (
	// DefaultBlockSize matches the replicator's content chunking unit.
	DefaultBlockSize = 15 * 1024 * 1024

	// DefaultBundleFactor scales the block size into the maximum
	// aggregate payload of a single bundle.
	DefaultBundleFactor = 4

	DefaultChunkWorkers = 4
)

type Config struct {
	Remote struct {
		Kind   string `json:"kind"` // fs, s3
		Path   string `json:"path"` // fs: directory holding bundles + indexes
		Bucket string `json:"bucket"`
		Prefix string `json:"prefix"`
		Region string `json:"region"`
	} `json:"remote"`

	Sync struct {
		BlockSize    int64 `json:"block_size"`
		BundleFactor int   `json:"bundle_factor"`
		ChunkWorkers int   `json:"chunk_workers"`
	} `json:"sync"`

	LogLevel string `json:"log_level"` // debug, info, warn, error
}

// Path returns the config file location inside a repository root.
func Path(root string) string {
	return filepath.Join(root, ".drift", "config.json")
}

func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var config Config
	if err := json.NewDecoder(file).Decode(&config); err != nil {
		return nil, err
	}

	config.applyDefaults()
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Sync.BlockSize == 0 {
		c.Sync.BlockSize = DefaultBlockSize
	}
	if c.Sync.BundleFactor == 0 {
		c.Sync.BundleFactor = DefaultBundleFactor
	}
	if c.Sync.ChunkWorkers == 0 {
		c.Sync.ChunkWorkers = DefaultChunkWorkers
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Remote.Kind == "" {
		c.Remote.Kind = "fs"
	}
}

// Default returns a config suitable for a freshly initialized repo.
func Default() *Config {
	var c Config
	c.applyDefaults()
	return &c
}

func Save(path string, c *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	return os.WriteFile(path, data, 0644)
}
