package logmonitor_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tripwire/tinywatcher/internal/logmonitor"
	"github.com/tripwire/tinywatcher/internal/source"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// hasTail reports whether a `tail` binary is on PATH; these tests spawn the
// real subprocess, matching the package's own approach of wrapping
// os/exec rather than mocking the process boundary.
func hasTail(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/usr/bin/tail"); err == nil {
		return
	}
	if _, err := os.Stat("/bin/tail"); err == nil {
		return
	}
	t.Skip("tail binary not available in this environment")
}

func TestWatchFile_DeliversAppendedLines(t *testing.T) {
	hasTail(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	if err := os.WriteFile(path, []byte("historical line\n"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	var mu sync.Mutex
	var got []string
	onLine := func(line string, src source.Source) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, line)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- logmonitor.WatchFile(ctx, path, onLine, testLogger()) }()

	// Give `tail -f` time to attach before appending new content.
	time.Sleep(300 * time.Millisecond)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("reopen fixture: %v", err)
	}
	f.WriteString("new line one\n")
	f.WriteString("new line two\n")
	f.Close()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n >= 2 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	joined := strings.Join(got, "|")
	if !strings.Contains(joined, "new line one") || !strings.Contains(joined, "new line two") {
		t.Errorf("got lines = %v, want them to contain the two appended lines (no historical backfill)", got)
	}
	if strings.Contains(joined, "historical line") {
		t.Errorf("got lines = %v, want no historical backfill", got)
	}
}

func TestWatchFile_CancelReturnsPromptly(t *testing.T) {
	hasTail(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- logmonitor.WatchFile(ctx, path, func(string, source.Source) {}, testLogger())
	}()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("WatchFile() error = %v, want nil on cancellation", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("WatchFile did not return promptly after cancellation")
	}
}
