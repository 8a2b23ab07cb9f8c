package supervisor_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/tripwire/tinywatcher/internal/config"
	"github.com/tripwire/tinywatcher/internal/supervisor"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNew_BuildsFromValidConfig(t *testing.T) {
	cfg := &config.Config{
		Alerts: map[string]config.Alert{
			"s": {Type: "stdout"},
		},
		Rules: []config.Rule{
			{Name: "err", Text: "ERROR", Alert: []string{"s"}, Cooldown: 60},
		},
	}
	if _, err := supervisor.New(cfg, testLogger()); err != nil {
		t.Fatalf("New() error = %v", err)
	}
}

func TestNew_FailsOnUnknownAlertHandler(t *testing.T) {
	cfg := &config.Config{
		Alerts: map[string]config.Alert{"s": {Type: "stdout"}},
		Rules: []config.Rule{
			{Name: "err", Text: "ERROR", Alert: []string{"missing"}},
		},
	}
	if _, err := supervisor.New(cfg, testLogger()); err == nil {
		t.Fatal("New() error = nil, want error for unknown alert handler")
	}
}

func TestNew_FailsOnUnbuildableHandler(t *testing.T) {
	cfg := &config.Config{
		Alerts: map[string]config.Alert{"s": {Type: "not-a-real-type"}},
	}
	if _, err := supervisor.New(cfg, testLogger()); err == nil {
		t.Fatal("New() error = nil, want error for unknown handler type")
	}
}

func TestRun_ExitsOnContextCancellation(t *testing.T) {
	cfg := &config.Config{
		Alerts: map[string]config.Alert{"s": {Type: "stdout"}},
		Rules: []config.Rule{
			{Name: "err", Text: "ERROR", Alert: []string{"s"}},
		},
	}
	sv, err := supervisor.New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	if err := sv.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v, want nil on plain context cancellation", err)
	}
}

func TestIsShutdownRequested(t *testing.T) {
	if supervisor.IsShutdownRequested(context.Canceled) {
		t.Error("IsShutdownRequested(context.Canceled) = true, want false")
	}
}
