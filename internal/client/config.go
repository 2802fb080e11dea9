// Package client holds the client configuration and the wiring shared by
// the CLI commands.
package client

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"rammingen-go/internal/client/fspath"
	"rammingen-go/internal/client/rules"
	"rammingen-go/internal/crypto"
	"rammingen-go/internal/proto"
)

// Mount maps a local directory to an archive subtree.
type Mount struct {
	LocalPath   string       `toml:"local_path"`
	ArchivePath string       `toml:"archive_path"`
	Exclude     []rules.Rule `toml:"exclude,omitempty"`
}

// Config is the client configuration, read from a TOML file.
type Config struct {
	ServerURL     string       `toml:"server_url"`
	AccessToken   string       `toml:"access_token"`
	EncryptionKey string       `toml:"encryption_key"`
	StateDir      string       `toml:"state_dir"`
	LogDir        string       `toml:"log_dir"`
	AlwaysExclude []rules.Rule `toml:"always_exclude,omitempty"`
	Mounts        []Mount      `toml:"mounts"`
}

// ResolvedMount is a Mount with validated paths.
type ResolvedMount struct {
	LocalPath   fspath.SanitizedLocalPath
	ArchivePath proto.ArchivePath
	Exclude     []rules.Rule
}

// ReadConfig reads and validates a client config file.
func ReadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	var cfg Config
	if _, err := toml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("server_url is required")
	}
	if cfg.AccessToken == "" {
		return nil, fmt.Errorf("access_token is required")
	}
	if cfg.StateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("state_dir is not set and home directory is unknown: %w", err)
		}
		cfg.StateDir = filepath.Join(home, ".local", "share", "rammingen")
	}
	if cfg.LogDir == "" {
		cfg.LogDir = filepath.Join(cfg.StateDir, "log")
	}
	return &cfg, nil
}

// Key parses the configured encryption key.
func (c *Config) Key() (crypto.Key, error) {
	if c.EncryptionKey == "" {
		return crypto.Key{}, fmt.Errorf("encryption_key is required")
	}
	return crypto.ParseKey(c.EncryptionKey)
}

// ResolveMounts validates every configured mount.
func (c *Config) ResolveMounts() ([]ResolvedMount, error) {
	out := make([]ResolvedMount, 0, len(c.Mounts))
	for _, mount := range c.Mounts {
		local, err := fspath.New(mount.LocalPath)
		if err != nil {
			return nil, fmt.Errorf("mount %q: %w", mount.LocalPath, err)
		}
		archive, err := proto.ParseArchivePath(mount.ArchivePath)
		if err != nil {
			return nil, fmt.Errorf("mount %q: %w", mount.LocalPath, err)
		}
		if archive.IsRoot() {
			return nil, fmt.Errorf("mount %q: cannot mount the archive root", mount.LocalPath)
		}
		out = append(out, ResolvedMount{LocalPath: local, ArchivePath: archive, Exclude: mount.Exclude})
	}
	return out, nil
}
