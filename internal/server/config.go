package server

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"rammingen-go/internal/server/content"
)

// Config is the server configuration, read from a TOML file.
type Config struct {
	DatabasePath string         `toml:"database_path"`
	BindAddr     string         `toml:"bind_addr"`
	LogDir       string         `toml:"log_dir"`
	Content      content.Config `toml:"content"`

	SnapshotInterval        duration `toml:"snapshot_interval"`
	RetainDetailedHistory   duration `toml:"retain_detailed_history_for"`
}

// duration wraps time.Duration for TOML strings like "168h".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(b []byte) error {
	parsed, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(b), err)
	}
	d.Duration = parsed
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

const defaultRetentionInterval = 7 * 24 * time.Hour

// ReadConfig reads and validates a server config file.
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

	if cfg.DatabasePath == "" {
		return nil, fmt.Errorf("database_path is required")
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:8775"
	}
	if cfg.SnapshotInterval.Duration == 0 {
		cfg.SnapshotInterval.Duration = defaultRetentionInterval
	}
	if cfg.RetainDetailedHistory.Duration == 0 {
		cfg.RetainDetailedHistory.Duration = defaultRetentionInterval
	}
	return &cfg, nil
}
