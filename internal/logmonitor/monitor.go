// Package logmonitor tails files by name and streams container logs via
// subprocesses, reframing their output into lines and retrying transient
// failures with exponential backoff (spec.md §4.3).
package logmonitor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"

	"github.com/tripwire/tinywatcher/internal/source"
)

const maxLineBytes = 10_000

// LineFunc is invoked once per complete line read from a source. It must
// not block for long, since it runs on the tailing goroutine's hot path.
type LineFunc func(line string, src source.Source)

const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
)

func newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initialBackoff
	b.MaxInterval = maxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0 // retry forever; the supervisor owns cancellation
	b.Reset()
	return b
}

// WatchFile follows path by name (tolerant of rotation, since `tail -f`
// reopens by name) starting from the tail, delivering complete lines to
// onLine until ctx is cancelled. Spawn/read failures are retried with
// exponential backoff, 1s doubling to a 60s ceiling, reset to 1s on each
// successful (re)attach.
func WatchFile(ctx context.Context, path string, onLine LineFunc, logger *slog.Logger) error {
	src := source.File(path)
	b := newBackoff()

	for {
		if ctx.Err() != nil {
			return nil
		}

		attached, err := runTail(ctx, path, src, onLine, logger)
		if ctx.Err() != nil {
			return nil
		}
		if attached {
			b.Reset()
		}
		if err != nil {
			logger.Warn("log monitor: file tail exited, retrying", slog.String("path", path), slog.Any("error", err))
		}

		delay := b.NextBackOff()
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func runTail(ctx context.Context, path string, src source.Source, onLine LineFunc, logger *slog.Logger) (attached bool, err error) {
	cmd := exec.CommandContext(ctx, "tail", "-f", "-n", "0", path)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return false, fmt.Errorf("pipe stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return false, fmt.Errorf("spawn tail: %w", err)
	}

	logger.Info("log monitor: watching file", slog.String("path", path))
	scanLines(stdout, src, onLine, logger)

	return true, cmd.Wait()
}

// WatchContainer follows both stdout and stderr of a running container by
// name, starting from the tail, delivering complete lines to onLine until
// ctx is cancelled. Retry semantics mirror WatchFile.
func WatchContainer(ctx context.Context, name string, onLine LineFunc, logger *slog.Logger) error {
	src := source.Container(name)
	b := newBackoff()

	for {
		if ctx.Err() != nil {
			return nil
		}

		attached, err := runDockerLogs(ctx, name, src, onLine, logger)
		if ctx.Err() != nil {
			return nil
		}
		if attached {
			b.Reset()
		}
		if err != nil {
			logger.Warn("log monitor: container log stream exited, retrying", slog.String("container", name), slog.Any("error", err))
		}

		delay := b.NextBackOff()
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func runDockerLogs(ctx context.Context, name string, src source.Source, onLine LineFunc, logger *slog.Logger) (attached bool, err error) {
	cmd := exec.CommandContext(ctx, "docker", "logs", "-f", "--tail", "0", name)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return false, fmt.Errorf("pipe stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return false, fmt.Errorf("pipe stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return false, fmt.Errorf("spawn docker logs: %w", err)
	}

	logger.Info("log monitor: watching container", slog.String("container", name))

	done := make(chan struct{}, 2)
	go func() { scanLines(stdout, src, onLine, logger); done <- struct{}{} }()
	go func() { scanLines(stderr, src, onLine, logger); done <- struct{}{} }()
	<-done
	<-done

	return true, cmd.Wait()
}

// scanLines reads r line-by-line, lossily decoding non-UTF-8 bytes and
// dropping (with a warning) any line over maxLineBytes, delivering each
// surviving line to onLine tagged with src.
func scanLines(r io.Reader, src source.Source, onLine LineFunc, logger *slog.Logger) {
	scanner := bufio.NewScanner(r)
	// Allow the scanner to buffer well past maxLineBytes so an over-long
	// line is dropped by our own guard below instead of aborting the whole
	// scan with bufio.ErrTooLong.
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) > maxLineBytes {
			if logger != nil {
				logger.Warn("log monitor: dropping over-long line",
					slog.String("source", src.String()),
					slog.Int("bytes", len(raw)),
					slog.Int("max_bytes", maxLineBytes),
				)
			}
			continue
		}
		line := raw
		if !utf8.Valid(line) {
			line = []byte(toValidUTF8(line))
		}
		onLine(string(line), src)
	}
}

// toValidUTF8 lossily decodes b, replacing invalid sequences with the
// Unicode replacement character, matching Rust's String::from_utf8_lossy
// semantics referenced in spec.md §4.3.
func toValidUTF8(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	buf := make([]rune, 0, len(b))
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		buf = append(buf, r)
		b = b[size:]
	}
	return string(buf)
}
