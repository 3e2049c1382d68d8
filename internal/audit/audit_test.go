package audit

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(filepath.Join(t.TempDir(), "audit.db"), logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordAndList(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	s.RecordExecution(ctx, "execute_python", true, "", 120*time.Millisecond, 64, 128)
	s.RecordExecution(ctx, "write_file", false, "workspace_full", 5*time.Millisecond, 2048, 0)

	records, err := s.ListRecent(ctx, 10)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}

	byTool := map[string]Record{}
	for _, r := range records {
		if r.ID == "" {
			t.Error("record without id")
		}
		byTool[r.Tool] = r
	}
	py := byTool["execute_python"]
	if !py.Success || py.DurationMS != 120 {
		t.Errorf("python record = %+v", py)
	}
	wf := byTool["write_file"]
	if wf.Success || wf.ErrorKind != "workspace_full" || wf.InputBytes != 2048 {
		t.Errorf("write record = %+v", wf)
	}
}

func TestListRecentLimit(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		s.RecordExecution(ctx, "execute_bash", true, "", time.Millisecond, 0, 0)
	}
	records, err := s.ListRecent(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 3 {
		t.Errorf("records = %d, want 3", len(records))
	}
}

func TestPing(t *testing.T) {
	s := openStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestNilStoreIsSafe(t *testing.T) {
	var s *Store
	s.RecordExecution(context.Background(), "x", true, "", 0, 0, 0)
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("nil Ping: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("nil Close: %v", err)
	}
}
