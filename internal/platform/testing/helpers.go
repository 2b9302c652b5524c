package testing

import (
	"io"
	"path/filepath"
	"testing"
	"time"

	"lumatalk-server/internal/platform/config"
	"lumatalk-server/internal/platform/logging"
)

// SetupTestConfig returns defaults with short pipeline timers and all on-disk
// paths under the test's temp dir.
func SetupTestConfig(t *testing.T) *config.Config {
	t.Helper()

	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Log.Level = "DEBUG"
	cfg.Log.Dir = filepath.Join(dir, "logs")
	cfg.Log.File = "test.log"
	cfg.Store.Driver = "memory"
	cfg.Store.SQLitePath = filepath.Join(dir, "lumatalk.db")

	cfg.Pipeline.ReconnectGrace = 300 * time.Millisecond
	cfg.Pipeline.MTBackoffInitial = 5 * time.Millisecond
	cfg.Pipeline.MTBackoffMax = 20 * time.Millisecond
	cfg.Pipeline.MTTimeout = 500 * time.Millisecond
	cfg.Pipeline.ASRFinalTimeout = 500 * time.Millisecond
	cfg.Pipeline.TTSFirstChunkTimeout = 500 * time.Millisecond
	cfg.Pipeline.TTSIdleTimeout = 500 * time.Millisecond

	return cfg
}

// SetupTestLogger builds a DEBUG logger writing into a temp dir with console
// output discarded. It is closed when the test ends.
func SetupTestLogger(t *testing.T) *logging.Logger {
	t.Helper()

	cfg := SetupTestConfig(t)
	logger, err := logging.New(logging.Config{
		Level:    cfg.Log.Level,
		Dir:      cfg.Log.Dir,
		Filename: cfg.Log.File,
		Console:  io.Discard,
	})
	if err != nil {
		t.Fatalf("failed to create test logger: %v", err)
	}
	t.Cleanup(func() { _ = logger.Close() })

	return logger
}

// Eventually polls cond until it holds or timeout elapses.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s: %s", timeout, msg)
}

func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error but got nil")
	}
}

func AssertEqual(t *testing.T, expected, actual interface{}) {
	t.Helper()
	if expected != actual {
		t.Fatalf("expected %v, got %v", expected, actual)
	}
}
