package healthmonitor_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tripwire/tinywatcher/internal/config"
	"github.com/tripwire/tinywatcher/internal/healthmonitor"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type dispatchRecorder struct {
	mu    sync.Mutex
	calls []string // "<ruleName>:<message fragment>"
}

func (d *dispatchRecorder) dispatch(targets []string, ruleName, message string, cooldown int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, ruleName+":"+message)
	return nil
}

func (d *dispatchRecorder) snapshot() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.calls))
	copy(out, d.calls)
	return out
}

// scriptedServer returns 200 or 500 according to a caller-controlled
// sequence of results, one per request, holding the last result once the
// script is exhausted.
func scriptedServer(results []bool) *httptest.Server {
	var idx int32
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		i := atomic.AddInt32(&idx, 1) - 1
		ok := results[len(results)-1]
		if int(i) < len(results) {
			ok = results[i]
		}
		if ok {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
}

func TestRunWithRetry_ConsecutiveFailureDownThenUp(t *testing.T) {
	srv := scriptedServer([]bool{false, false, true})
	defer srv.Close()

	check := config.HealthCheckConfig{
		Name:            "homepage",
		URL:             srv.URL,
		Interval:        1,
		Timeout:         1,
		MissedThreshold: 2,
		Alert:           []string{"ops"},
	}

	rec := &dispatchRecorder{}
	ctx, cancel := context.WithTimeout(context.Background(), 3200*time.Millisecond)
	defer cancel()

	if err := healthmonitor.RunWithRetry(ctx, check, "host-1", rec.dispatch, testLogger()); err != nil {
		t.Fatalf("RunWithRetry() error = %v", err)
	}

	calls := rec.snapshot()
	var downCount, upCount int
	for _, c := range calls {
		if strings.Contains(c, "is DOWN") {
			downCount++
		}
		if strings.Contains(c, "recovered (UP)") {
			upCount++
		}
	}
	if downCount != 1 {
		t.Errorf("downCount = %d, want 1 (fires once after 2nd failure)", downCount)
	}
	if upCount != 1 {
		t.Errorf("upCount = %d, want 1 (recovery alert on 3rd poll)", upCount)
	}
}

func TestRunWithRetry_NoDownUntilThresholdReached(t *testing.T) {
	srv := scriptedServer([]bool{false, true, false, false})
	defer srv.Close()

	check := config.HealthCheckConfig{
		Name:            "homepage",
		URL:             srv.URL,
		Interval:        1,
		Timeout:         1,
		MissedThreshold: 2,
		Alert:           []string{"ops"},
	}

	rec := &dispatchRecorder{}
	ctx, cancel := context.WithTimeout(context.Background(), 4200*time.Millisecond)
	defer cancel()

	if err := healthmonitor.RunWithRetry(ctx, check, "host-1", rec.dispatch, testLogger()); err != nil {
		t.Fatalf("RunWithRetry() error = %v", err)
	}

	calls := rec.snapshot()
	var downCount int
	for _, c := range calls {
		if strings.Contains(c, "is DOWN") {
			downCount++
		}
	}
	if downCount != 1 {
		t.Errorf("downCount = %d, want 1 (single isolated failure after poll 1 must not fire alone)", downCount)
	}
}

