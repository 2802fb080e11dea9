package client

import (
	"os"
	"path/filepath"
	"testing"

	"rammingen-go/internal/crypto"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rammingen.toml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestReadConfig(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	mountDir := t.TempDir()

	path := writeConfig(t, `
server_url = "https://backup.example.net"
access_token = "secret-token"
encryption_key = "`+key.Encode()+`"
state_dir = "/tmp/rammingen-state"

[[always_exclude]]
name_matches = '^\.'

[[mounts]]
local_path = "`+mountDir+`"
archive_path = "ar:/docs"

[[mounts.exclude]]
name_equals = "target"
`)

	cfg, err := ReadConfig(path)
	if err != nil {
		t.Fatalf("ReadConfig() error = %v", err)
	}
	if cfg.ServerURL != "https://backup.example.net" || cfg.AccessToken != "secret-token" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.LogDir == "" {
		t.Error("log_dir default not applied")
	}

	parsed, err := cfg.Key()
	if err != nil {
		t.Fatalf("Key() error = %v", err)
	}
	if parsed != key {
		t.Error("key roundtrip failed")
	}

	mounts, err := cfg.ResolveMounts()
	if err != nil {
		t.Fatalf("ResolveMounts() error = %v", err)
	}
	if len(mounts) != 1 {
		t.Fatalf("mounts = %d, want 1", len(mounts))
	}
	if mounts[0].ArchivePath.String() != "ar:/docs" {
		t.Errorf("archive path = %s", mounts[0].ArchivePath)
	}
	if len(mounts[0].Exclude) != 1 || mounts[0].Exclude[0].NameEquals != "target" {
		t.Errorf("mount excludes = %+v", mounts[0].Exclude)
	}
	if len(cfg.AlwaysExclude) != 1 {
		t.Errorf("always_exclude = %+v", cfg.AlwaysExclude)
	}
}

func TestReadConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "missing server url", body: `access_token = "x"`},
		{name: "missing token", body: `server_url = "https://x"`},
		{name: "malformed toml", body: `server_url = `},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ReadConfig(writeConfig(t, tt.body)); err == nil {
				t.Error("invalid config accepted")
			}
		})
	}
}

func TestResolveMountsRejectsRoot(t *testing.T) {
	cfg := &Config{
		Mounts: []Mount{{LocalPath: os.TempDir(), ArchivePath: "ar:/"}},
	}
	if _, err := cfg.ResolveMounts(); err == nil {
		t.Error("mount at archive root accepted")
	}
}
