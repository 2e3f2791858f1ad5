package logger

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewSetsLevelAndFormat(t *testing.T) {
	cfg := LoggingConfig{Level: "debug", Format: "json", Output: "stdout"}
	log := New(cfg)
	if log.GetLevel().String() != "debug" {
		t.Fatalf("expected level debug, got %s", log.GetLevel())
	}
}

func TestNewCreatesLogFile(t *testing.T) {
	originalWD, _ := os.Getwd()
	t.Cleanup(func() { _ = os.Chdir(originalWD) })

	temp := t.TempDir()
	if err := os.Chdir(temp); err != nil {
		t.Fatalf("chdir: %v", err)
	}

	log := New(LoggingConfig{Level: "info", Format: "text", Output: "file", FilePrefix: "test"})
	log.Info("hello")

	path := filepath.Join("logs", "test.log")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected log file: %v", err)
	}
	if len(data) == 0 {
		t.Fatalf("expected log file to contain data")
	}
}

func TestTokenPreviewTruncates(t *testing.T) {
	secret := []byte{0xde, 0xad, 0xbe, 0xef, 0x01, 0x02}
	got := TokenPreview(secret)
	if got != "deadbeef…" {
		t.Fatalf("TokenPreview() = %q, want deadbeef…", got)
	}
	if TokenPreview(nil) != "" {
		t.Fatal("TokenPreview(nil) should be empty")
	}
	if TokenPreview([]byte{0xab}) != "ab…" {
		t.Fatalf("TokenPreview(short) = %q, want ab…", TokenPreview([]byte{0xab}))
	}
}

func TestNewDefaultStampsComponent(t *testing.T) {
	log := NewDefault("accountd")
	entry := log.WithField("k", "v")
	if err := entry.Logger.Hooks.Fire(entry.Level, entry); err != nil {
		t.Fatalf("fire hooks: %v", err)
	}
	if entry.Data["component"] != "accountd" {
		t.Fatalf("component = %v, want accountd", entry.Data["component"])
	}
}
