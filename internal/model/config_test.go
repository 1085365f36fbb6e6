package model

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Driver.Kind != DriverIMAP {
		t.Errorf("Driver.Kind = %q, want %q", cfg.Driver.Kind, DriverIMAP)
	}
	if cfg.Sync.PollIntervalSec != 300 {
		t.Errorf("Sync.PollIntervalSec = %d, want 300", cfg.Sync.PollIntervalSec)
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	const doc = `
imap:
  host: mail.example.org
  username: wrobel
driver:
  kind: memory
  requests_per_second: 2.5
storage:
  ignore_parse_errors: true
folders:
  - name: INBOX/Calendar
    type: event
  - name: INBOX/Notes
    type: note
sync:
  concurrency: 0
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.IMAP.Host != "mail.example.org" || cfg.IMAP.Port != "993" {
		t.Errorf("IMAP = %+v, want host from file and default port", cfg.IMAP)
	}
	if cfg.Driver.Kind != DriverMemory || cfg.Driver.RequestsPerSecond != 2.5 {
		t.Errorf("Driver = %+v", cfg.Driver)
	}
	if !cfg.Storage.IgnoreParseErrors {
		t.Error("Storage.IgnoreParseErrors = false, want true")
	}
	if cfg.Sync.Concurrency != 1 {
		t.Errorf("Sync.Concurrency = %d, want clamped to 1", cfg.Sync.Concurrency)
	}

	want := map[string]string{"INBOX/Calendar": "event", "INBOX/Notes": "note"}
	if diff := cmp.Diff(want, cfg.FolderTypes()); diff != "" {
		t.Errorf("FolderTypes() mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadConfigUnknownDriver(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("driver:\n  kind: pop3\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Error("LoadConfig() error = nil, want unknown driver error")
	}
}
