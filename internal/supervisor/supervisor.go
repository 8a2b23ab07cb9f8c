// Package supervisor builds the monitoring engine's components from
// configuration, spawns one task per source/check plus resource/heartbeat/
// signal-handling tasks, and owns the process-wide cancellation token
// (spec.md §4.8).
package supervisor

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/tripwire/tinywatcher/internal/alert"
	"github.com/tripwire/tinywatcher/internal/config"
	"github.com/tripwire/tinywatcher/internal/healthmonitor"
	"github.com/tripwire/tinywatcher/internal/heartbeat"
	"github.com/tripwire/tinywatcher/internal/logmonitor"
	"github.com/tripwire/tinywatcher/internal/resourcemonitor"
	"github.com/tripwire/tinywatcher/internal/rule"
	"github.com/tripwire/tinywatcher/internal/source"
	"github.com/tripwire/tinywatcher/internal/streammonitor"
)

// Supervisor owns every long-lived task the monitoring engine runs.
type Supervisor struct {
	cfg        *config.Config
	dispatcher *alert.Dispatcher
	engine     *rule.Engine
	logger     *slog.Logger
}

// New builds the dispatcher (registering every handler declared in cfg)
// and compiles the rule engine. It returns an error if either construction
// step fails — both are fatal configuration errors (spec.md §7).
func New(cfg *config.Config, logger *slog.Logger) (*Supervisor, error) {
	dispatcher, err := alert.Build(cfg, logger)
	if err != nil {
		return nil, err
	}
	engine, err := rule.New(cfg, logger)
	if err != nil {
		return nil, err
	}
	return &Supervisor{cfg: cfg, dispatcher: dispatcher, engine: engine, logger: logger}, nil
}

// Run spawns one task per configured source, per health check, plus
// resource, heartbeat, and signal-handling tasks, and blocks until any root
// task terminates with an error or ctx is cancelled (e.g. by SIGINT via
// the signal-handling task itself). It propagates the first error.
func (s *Supervisor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.watchSignals(gctx) })

	for _, path := range s.cfg.Inputs.Files {
		path := path
		g.Go(func() error {
			return logmonitor.WatchFile(gctx, path, s.onLine, s.logger)
		})
	}

	for _, name := range s.cfg.Inputs.Containers {
		name := name
		g.Go(func() error {
			return logmonitor.WatchContainer(gctx, name, s.onLine, s.logger)
		})
	}

	for _, sy := range s.cfg.Inputs.Streams {
		desc := source.Descriptor{
			Name:                  sy.Name,
			Type:                  source.StreamType(sy.Type),
			URL:                   sy.URL,
			Headers:               sy.Headers,
			ReconnectDelaySeconds: sy.ReconnectDelay,
		}
		g.Go(func() error {
			return streammonitor.Watch(gctx, desc, s.onLine, s.logger)
		})
	}

	if s.cfg.Resources != nil {
		g.Go(func() error {
			return resourcemonitor.Run(gctx, s.cfg.Resources, s.dispatcher.Dispatch, s.logger)
		})
	}

	for _, check := range s.cfg.Checks {
		check := check
		g.Go(func() error {
			return healthmonitor.RunWithRetry(gctx, check, s.cfg.Identity.Name, s.dispatcher.Dispatch, s.logger)
		})
	}

	if s.cfg.Heartbeat != nil {
		hb := s.cfg.Heartbeat
		g.Go(func() error {
			return heartbeat.Run(gctx, s.cfg.Identity.Name, hb.URL, hb.Interval, s.logger)
		})
	}

	return g.Wait()
}

// onLine evaluates line from src against the rule engine and dispatches
// every rule that fires (spec.md §2 "Data flow").
func (s *Supervisor) onLine(line string, src source.Source) {
	for _, m := range s.engine.Match(line, src) {
		if err := s.dispatcher.Dispatch(m.Alert, m.RuleName, m.Line, m.Cooldown); err != nil {
			s.logger.Error("supervisor: dispatch failed", slog.String("rule", m.RuleName), slog.Any("error", err))
		}
	}
}

// watchSignals waits for SIGINT/SIGTERM and cancels the group by returning
// once received, triggering orderly shutdown of every sibling task via
// their shared gctx (spec.md §6 "Signals").
func (s *Supervisor) watchSignals(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-ctx.Done():
		return nil
	case sig := <-sigCh:
		s.logger.Info("supervisor: received signal, shutting down", slog.String("signal", sig.String()))
		return errShutdownRequested
	}
}

// errShutdownRequested is returned by watchSignals on interrupt so
// errgroup cancels every sibling task's context; it is not surfaced to the
// caller as a failure (see cmd/tinywatcher/main.go).
var errShutdownRequested = shutdownError{}

type shutdownError struct{}

func (shutdownError) Error() string { return "shutdown requested" }

// IsShutdownRequested reports whether err is the sentinel returned by the
// signal-handling task on interrupt, as opposed to a genuine task failure.
func IsShutdownRequested(err error) bool {
	_, ok := err.(shutdownError)
	return ok
}
