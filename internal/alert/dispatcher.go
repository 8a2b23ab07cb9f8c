// Package alert implements the alert-handler registry and the cooldown-gated
// fan-out dispatcher that sits between rule matches and the concrete
// per-channel senders (Stdout, Slack, Discord, Telegram, PagerDuty, Ntfy,
// SendGrid, Webhook, Email).
package alert

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tripwire/tinywatcher/internal/config"
)

// Handler is the emission contract every alert channel implements. Send
// must be concurrency-safe and must honor its own timeouts.
type Handler interface {
	Send(ruleName, message string) error
}

// Dispatcher holds the handler registry and the shared cooldown map
// (spec.md §4.2). It is safe for concurrent use by every ingestion and
// monitor task.
type Dispatcher struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler

	cooldownMu sync.Mutex
	lastFired  map[string]time.Time
}

// NewDispatcher returns an empty Dispatcher. Use Register (or Build) to
// populate its handler registry before dispatching.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		logger:    logger,
		handlers:  make(map[string]Handler),
		lastFired: make(map[string]time.Time),
	}
}

// Register adds or replaces the handler registered under name. Idempotent:
// registering twice under the same name leaves only the last writer in
// effect (spec.md §8 "Idempotent registration").
func (d *Dispatcher) Register(name string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[name] = h
}

// Dispatch gates on the rule-name-keyed cooldown, then fans the message out
// to every named target (spec.md §4.2).
//
// If targets has exactly one element and it is not registered, Dispatch
// returns an error. If any target within a multi-target dispatch is not
// registered, that target is logged and skipped; siblings still fire.
// Handler.Send failures are logged and do not short-circuit siblings.
//
// A cooldown of 0 bypasses the gate entirely (used for health-check
// recovery/DOWN alerts, which must never be suppressed).
func (d *Dispatcher) Dispatch(targets []string, ruleName, message string, cooldown int) error {
	if cooldown > 0 {
		if !d.passCooldown(ruleName, cooldown) {
			return nil
		}
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if len(targets) == 1 {
		h, ok := d.handlers[targets[0]]
		if !ok {
			return fmt.Errorf("alert: handler %q not found", targets[0])
		}
		if err := h.Send(ruleName, message); err != nil {
			d.logger.Error("alert handler send failed", slog.String("handler", targets[0]), slog.String("rule", ruleName), slog.Any("error", err))
		}
		return nil
	}

	for _, name := range targets {
		h, ok := d.handlers[name]
		if !ok {
			d.logger.Warn("alert handler not found, skipping", slog.String("handler", name), slog.String("rule", ruleName))
			continue
		}
		if err := h.Send(ruleName, message); err != nil {
			d.logger.Error("alert handler send failed", slog.String("handler", name), slog.String("rule", ruleName), slog.Any("error", err))
		}
	}
	return nil
}

// passCooldown reports whether a dispatch for ruleName may proceed now,
// updating the last-fired timestamp before releasing the lock so a
// concurrent dispatch for the same rule observes the update
// (spec.md §4.2 "Ordering guarantee").
func (d *Dispatcher) passCooldown(ruleName string, cooldownSeconds int) bool {
	d.cooldownMu.Lock()
	defer d.cooldownMu.Unlock()

	now := time.Now()
	if last, ok := d.lastFired[ruleName]; ok {
		if now.Sub(last) < time.Duration(cooldownSeconds)*time.Second {
			return false
		}
	}
	d.lastFired[ruleName] = now
	return true
}

// Build constructs a Dispatcher and registers every handler declared in
// cfg.Alerts, dispatching on Alert.Type (spec.md §6 "alerts" map).
func Build(cfg *config.Config, logger *slog.Logger) (*Dispatcher, error) {
	d := NewDispatcher(logger)
	for name, a := range cfg.Alerts {
		h, err := buildHandler(a)
		if err != nil {
			return nil, fmt.Errorf("alert %q: %w", name, err)
		}
		d.Register(name, h)
	}
	return d, nil
}

func buildHandler(a config.Alert) (Handler, error) {
	switch a.Type {
	case "stdout":
		return NewStdoutHandler(), nil
	case "slack":
		return NewWebhookJSONHandler(a.URL, slackPayload(a.Channel)), nil
	case "discord":
		return NewWebhookJSONHandler(a.URL, discordPayload), nil
	case "telegram":
		return NewTelegramHandler(a.Token, a.ChatID), nil
	case "pagerduty":
		return NewPagerDutyHandler(a.APIKey), nil
	case "ntfy":
		return NewNtfyHandler(a.URL, a.Topic), nil
	case "sendgrid":
		return NewSendGridHandler(a.APIKey, a.Sender, a.Recipient), nil
	case "webhook":
		return NewWebhookJSONHandler(a.URL, genericPayload), nil
	case "email":
		return NewEmailHandler(a.Sender, a.Recipient, a.URL), nil
	default:
		return nil, fmt.Errorf("unknown alert type %q", a.Type)
	}
}
