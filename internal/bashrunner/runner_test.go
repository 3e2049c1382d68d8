package bashrunner

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/manojlds/heimdall/internal/config"
	"github.com/manojlds/heimdall/internal/pathguard"
	"github.com/manojlds/heimdall/internal/securefs"
)

func newRunner(t *testing.T) (*Runner, string) {
	t.Helper()
	guard, err := pathguard.New(filepath.Join(t.TempDir(), "ws"))
	if err != nil {
		t.Fatal(err)
	}
	limits := config.BashConfig{
		MaxLoopIterations: 10000,
		MaxCommandCount:   1000,
		MaxCallDepth:      100,
		MaxOutputBytes:    1 << 20,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(securefs.New(guard), limits, logger), guard.Root()
}

func run(t *testing.T, r *Runner, command string) Result {
	t.Helper()
	return r.Execute(context.Background(), command, Options{})
}

func TestEchoRedirect(t *testing.T) {
	r, root := newRunner(t)

	res := run(t, r, "echo hi > shared.txt")
	if res.ExitCode != 0 {
		t.Fatalf("exit = %d, stderr %q", res.ExitCode, res.Stderr)
	}
	data, err := os.ReadFile(filepath.Join(root, "shared.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hi\n" {
		t.Errorf("file = %q, want hi\\n", data)
	}
}

func TestCatAndPipes(t *testing.T) {
	r, _ := newRunner(t)

	res := run(t, r, "echo one > f.txt && echo two >> f.txt && cat f.txt")
	if res.ExitCode != 0 {
		t.Fatalf("exit = %d, stderr %q", res.ExitCode, res.Stderr)
	}
	if res.Stdout != "one\ntwo\n" {
		t.Errorf("stdout = %q", res.Stdout)
	}

	res = run(t, r, "cat f.txt | wc -l")
	if res.ExitCode != 0 || strings.TrimSpace(res.Stdout) != "2" {
		t.Errorf("wc -l: exit %d stdout %q stderr %q", res.ExitCode, res.Stdout, res.Stderr)
	}
}

func TestLsMkdirMvCp(t *testing.T) {
	r, _ := newRunner(t)

	res := run(t, r, "mkdir -p d/e && touch d/a.txt && ls d")
	if res.ExitCode != 0 {
		t.Fatalf("exit = %d, stderr %q", res.ExitCode, res.Stderr)
	}
	if !strings.Contains(res.Stdout, "a.txt") || !strings.Contains(res.Stdout, "e") {
		t.Errorf("ls = %q", res.Stdout)
	}

	res = run(t, r, "echo data > s.txt && cp s.txt d && mv d/s.txt d/renamed.txt && cat d/renamed.txt")
	if res.ExitCode != 0 {
		t.Fatalf("exit = %d, stderr %q", res.ExitCode, res.Stderr)
	}
	if res.Stdout != "data\n" {
		t.Errorf("stdout = %q", res.Stdout)
	}
}

func TestAbsolutePathOutsideWorkspaceRejected(t *testing.T) {
	r, _ := newRunner(t)

	res := run(t, r, "cat /etc/passwd")
	if res.ExitCode == 0 {
		t.Fatal("reading /etc/passwd succeeded")
	}
	if strings.Contains(res.Stdout, "root:") {
		t.Fatal("stdout leaked host file contents")
	}

	res = run(t, r, "echo pwned > /etc/heimdall-test")
	if res.ExitCode == 0 {
		t.Fatal("writing outside the workspace succeeded")
	}
}

func TestSymlinkAttackBlocked(t *testing.T) {
	r, _ := newRunner(t)

	// Either the link creation fails or the read through it fails; stdout
	// must never contain host file contents.
	res := run(t, r, "ln -s /etc/passwd leak && cat leak")
	if res.ExitCode == 0 {
		t.Fatalf("symlink attack chain succeeded, stdout %q", res.Stdout)
	}
	if strings.Contains(res.Stdout, "root:") {
		t.Fatal("stdout leaked /etc/passwd")
	}
}

func TestConfinedSymlinkWorks(t *testing.T) {
	r, _ := newRunner(t)

	res := run(t, r, "echo x > real.txt && ln -s real.txt alias && cat alias && readlink alias")
	if res.ExitCode != 0 {
		t.Fatalf("exit = %d, stderr %q", res.ExitCode, res.Stderr)
	}
	if !strings.Contains(res.Stdout, "x\n") || !strings.Contains(res.Stdout, "real.txt") {
		t.Errorf("stdout = %q", res.Stdout)
	}
}

func TestVirtualWorkspacePathsAccepted(t *testing.T) {
	r, _ := newRunner(t)

	res := run(t, r, "echo v > /workspace/via-virt.txt && cat /workspace/via-virt.txt")
	if res.ExitCode != 0 {
		t.Fatalf("exit = %d, stderr %q", res.ExitCode, res.Stderr)
	}
	if res.Stdout != "v\n" {
		t.Errorf("stdout = %q", res.Stdout)
	}
}

func TestCwdOption(t *testing.T) {
	r, _ := newRunner(t)

	res := r.Execute(context.Background(), "echo here > marker.txt", Options{Cwd: "subdir"})
	if res.ExitCode != 0 {
		t.Fatalf("exit = %d, stderr %q", res.ExitCode, res.Stderr)
	}
	res = run(t, r, "cat subdir/marker.txt")
	if res.ExitCode != 0 || res.Stdout != "here\n" {
		t.Errorf("exit %d stdout %q", res.ExitCode, res.Stdout)
	}

	res = r.Execute(context.Background(), "true", Options{Cwd: "../outside"})
	if res.ExitCode == 0 {
		t.Error("escaping cwd accepted")
	}
}

func TestNonZeroExit(t *testing.T) {
	r, _ := newRunner(t)

	res := run(t, r, "false")
	if res.ExitCode == 0 {
		t.Error("false returned exit 0")
	}
	res = run(t, r, "exit 3")
	if res.ExitCode != 3 {
		t.Errorf("exit = %d, want 3", res.ExitCode)
	}
}

func TestUnknownCommandNotFound(t *testing.T) {
	r, _ := newRunner(t)

	res := run(t, r, "curl http://example.com")
	if res.ExitCode != 127 {
		t.Errorf("exit = %d, want 127", res.ExitCode)
	}
	if !strings.Contains(res.Stderr, "not found") {
		t.Errorf("stderr = %q", res.Stderr)
	}
}

func TestInfiniteLoopBounded(t *testing.T) {
	r, _ := newRunner(t)

	guard, err := pathguard.New(filepath.Join(t.TempDir(), "ws2"))
	if err != nil {
		t.Fatal(err)
	}
	limits := config.BashConfig{
		MaxLoopIterations: 100,
		MaxCommandCount:   100,
		MaxCallDepth:      50,
		MaxOutputBytes:    1 << 20,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bounded := New(securefs.New(guard), limits, logger)

	res := bounded.Execute(context.Background(), "while true; do :; done", Options{})
	if res.ExitCode == 0 {
		t.Error("unbounded loop reported success")
	}
	_ = r
}

func TestParseErrorIsExitOne(t *testing.T) {
	r, _ := newRunner(t)

	res := run(t, r, "if then fi")
	if res.ExitCode != 1 {
		t.Errorf("exit = %d, want 1", res.ExitCode)
	}
	if res.Stderr == "" {
		t.Error("engine error missing from stderr")
	}
}

func TestOutputCapped(t *testing.T) {
	guard, err := pathguard.New(filepath.Join(t.TempDir(), "ws"))
	if err != nil {
		t.Fatal(err)
	}
	limits := config.BashConfig{
		MaxLoopIterations: 10000,
		MaxCommandCount:   1000,
		MaxCallDepth:      100,
		MaxOutputBytes:    16,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := New(securefs.New(guard), limits, logger)

	res := r.Execute(context.Background(), "echo 0123456789abcdefghijklmnop", Options{})
	if len(res.Stdout) > 16 {
		t.Errorf("stdout length = %d, want <= 16", len(res.Stdout))
	}
}
