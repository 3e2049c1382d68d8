package janitor

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/manojlds/heimdall/internal/observability"
	"github.com/manojlds/heimdall/internal/quota"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSweepRefreshesGaugeAndRemovesStale(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "user.txt"), make([]byte, 100), 0o640); err != nil {
		t.Fatal(err)
	}

	// One stale staging file, one fresh, one user file.
	stale := filepath.Join(root, ".heimdall_code.py")
	if err := os.WriteFile(stale, []byte("old"), 0o640); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatal(err)
	}
	fresh := filepath.Join(root, ".heimdall_result")
	if err := os.WriteFile(fresh, []byte("new"), 0o640); err != nil {
		t.Fatal(err)
	}

	keeper := quota.New(root, 1<<20, 10<<20, testLogger())
	metrics := observability.NewMetricsCollector()
	j := New(root, keeper, metrics, testLogger())

	j.Sweep()

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale staging file survived the sweep")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Error("fresh staging file was removed")
	}
	if _, err := os.Stat(filepath.Join(root, "user.txt")); err != nil {
		t.Error("user file was removed")
	}
}

func TestStartStop(t *testing.T) {
	root := t.TempDir()
	keeper := quota.New(root, 1<<20, 10<<20, testLogger())
	j := New(root, keeper, nil, testLogger())

	if err := j.Start("*/5 * * * *"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	j.Stop()
}

func TestStartRejectsBadSchedule(t *testing.T) {
	root := t.TempDir()
	keeper := quota.New(root, 1<<20, 10<<20, testLogger())
	j := New(root, keeper, nil, testLogger())

	if err := j.Start("not a schedule"); err == nil {
		t.Error("invalid cron expression accepted")
	}
}
