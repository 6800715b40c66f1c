package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"linkgate/internal/config"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewLogger_WritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "linkgate.log")
	l, closer, err := newLogger(config.GeneralConfig{LogLevel: "info", LogFormat: "json", LogFile: path, LogMaxSizeMB: 1})
	if err != nil {
		t.Fatal(err)
	}
	l.Info("hello", "tenant", "7")
	if err := closer.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"msg":"hello"`) {
		t.Fatalf("unexpected log contents %q", data)
	}
}

func TestRenderUnit(t *testing.T) {
	unit := renderUnit("/usr/local/bin/linkgate", "/etc/linkgate/config.yaml")
	if !strings.Contains(unit, "ExecStart=/usr/local/bin/linkgate serve --config /etc/linkgate/config.yaml") {
		t.Fatalf("unexpected unit:\n%s", unit)
	}
}

func TestCheckStore_Memory(t *testing.T) {
	logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	n, err := checkStore(t.Context(), config.StoreConfig{Driver: "memory"})
	if err != nil || n != 0 {
		t.Fatalf("got %d, %v", n, err)
	}
}

func TestCheckStore_SQLite(t *testing.T) {
	logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	path := filepath.Join(t.TempDir(), "db", "links.db")
	n, err := checkStore(t.Context(), config.StoreConfig{Driver: "sqlite", Path: path})
	if err != nil || n != 0 {
		t.Fatalf("got %d, %v", n, err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("database not created: %v", err)
	}
}
