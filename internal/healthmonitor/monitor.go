// Package healthmonitor periodically HTTP-probes configured endpoints,
// tracking a DOWN/UP state machine with either a consecutive-failure or
// sliding-window threshold (spec.md §4.6).
package healthmonitor

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tripwire/tinywatcher/internal/config"
)

// Dispatch matches alert.Dispatcher.Dispatch's signature.
type Dispatch func(targets []string, ruleName, message string, cooldown int) error

const (
	initialRetryDelay = 5 * time.Second
	maxRetryDelay     = 300 * time.Second
)

// RunWithRetry runs the per-check poll loop and restarts it with
// exponential backoff (5s doubling to a 300s ceiling) if it ever returns,
// per spec.md §4.6 "Outer supervisor". It only returns when ctx is
// cancelled.
func RunWithRetry(ctx context.Context, check config.HealthCheckConfig, identity string, dispatch Dispatch, logger *slog.Logger) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initialRetryDelay
	b.MaxInterval = maxRetryDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		if ctx.Err() != nil {
			return nil
		}

		logger.Info("health monitor: starting check", slog.String("check", check.Name))
		runOnce(ctx, check, identity, dispatch, logger)

		if ctx.Err() != nil {
			return nil
		}

		delay := b.NextBackOff()
		logger.Error("health monitor: check loop exited unexpectedly, retrying", slog.String("check", check.Name), slog.Duration("delay", delay))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// state tracks the running DOWN/UP machine and optional sliding-window
// failure history for one check.
type state struct {
	isDown             bool
	consecutiveFailure int
	failures           *list.List // time.Time, oldest first
}

func runOnce(ctx context.Context, check config.HealthCheckConfig, identity string, dispatch Dispatch, logger *slog.Logger) {
	client := &http.Client{Timeout: time.Duration(check.Timeout) * time.Second}
	ticker := time.NewTicker(time.Duration(check.Interval) * time.Second)
	defer ticker.Stop()

	var count int
	var window time.Duration
	var useThreshold bool
	if check.Threshold != "" {
		n, w, err := config.ParseThreshold(check.Threshold)
		if err != nil {
			logger.Error("health monitor: invalid threshold, falling back to consecutive mode", slog.String("check", check.Name), slog.Any("error", err))
		} else {
			count, window, useThreshold = n, w, true
		}
	}

	st := &state{failures: list.New()}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok := probe(ctx, client, check.URL)
			handleResult(st, check, identity, ok, useThreshold, count, window, dispatch, logger)
		}
	}
}

func probe(ctx context.Context, client *http.Client, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func handleResult(st *state, check config.HealthCheckConfig, identity string, ok bool, useThreshold bool, count int, window time.Duration, dispatch Dispatch, logger *slog.Logger) {
	now := time.Now()

	if ok {
		if st.isDown {
			msg := fmt.Sprintf("[%s] health check %q recovered (UP): %s", identity, check.Name, check.URL)
			if err := dispatch(check.Alert, check.Name, msg, 0); err != nil {
				logger.Error("health monitor: recovery dispatch failed", slog.String("check", check.Name), slog.Any("error", err))
			}
		}
		st.isDown = false
		st.consecutiveFailure = 0
		st.failures.Init()
		return
	}

	st.consecutiveFailure++

	shouldAlert := false
	if useThreshold {
		st.failures.PushBack(now)
		cutoff := now.Add(-window)
		for e := st.failures.Front(); e != nil; {
			next := e.Next()
			if e.Value.(time.Time).Before(cutoff) {
				st.failures.Remove(e)
			}
			e = next
		}
		if st.failures.Len() >= count {
			shouldAlert = true
			st.failures.Init()
		}
	} else {
		shouldAlert = st.consecutiveFailure >= check.MissedThreshold
	}

	if shouldAlert && !st.isDown {
		msg := fmt.Sprintf("[%s] health check %q is DOWN: %s", identity, check.Name, check.URL)
		if err := dispatch(check.Alert, check.Name, msg, 0); err != nil {
			logger.Error("health monitor: down dispatch failed", slog.String("check", check.Name), slog.Any("error", err))
		}
		st.isDown = true
	}
}
