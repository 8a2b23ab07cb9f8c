// Package heartbeat periodically POSTs a liveness payload to a configured
// URL (spec.md §4.7).
package heartbeat

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// clientTimeout is heartbeat's own client timeout, distinct from alert
// handlers' 5s (spec.md §5 "heartbeat uses a 10s client timeout").
const clientTimeout = 10 * time.Second

// payload is the outbound liveness message.
type payload struct {
	Name      string `json:"name"`
	Timestamp int64  `json:"timestamp"`
}

// response is the optional server acknowledgement, parsed best-effort.
type response struct {
	Status       string `json:"status"`
	Message      string `json:"message"`
	NextPingIn   *int   `json:"next_ping_in,omitempty"`
	WatcherName  string `json:"watcher_name,omitempty"`
}

// Run POSTs {name, timestamp} to url every interval until ctx is
// cancelled. Non-2xx responses and transport errors are logged, never
// fatal; the next tick simply retries.
func Run(ctx context.Context, name, url string, interval int, logger *slog.Logger) error {
	client := &http.Client{Timeout: clientTimeout}
	ticker := time.NewTicker(time.Duration(interval) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			send(ctx, client, name, url, logger)
		}
	}
}

func send(ctx context.Context, client *http.Client, name, url string, logger *slog.Logger) {
	body, err := json.Marshal(payload{Name: name, Timestamp: time.Now().Unix()})
	if err != nil {
		logger.Error("heartbeat: marshal payload failed", slog.Any("error", err))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		logger.Error("heartbeat: build request failed", slog.Any("error", err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		logger.Warn("heartbeat: request failed", slog.Any("error", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		logger.Warn("heartbeat: non-2xx response", slog.Int("status", resp.StatusCode))
		return
	}

	var r response
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		// Unparseable response is treated as success (spec.md §4.7).
		return
	}
	if r.Status != "" && r.Status != "ok" {
		logger.Warn("heartbeat: server reported non-ok status", slog.String("status", r.Status), slog.String("message", r.Message))
	}
}
