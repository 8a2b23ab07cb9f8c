// Package rule compiles TinyWatcher's rule configuration into an Engine
// that matches lines from any Source and tracks per-rule sliding-window
// thresholds.
package rule

import (
	"container/list"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/tripwire/tinywatcher/internal/config"
	"github.com/tripwire/tinywatcher/internal/source"
)

const maxLineBytes = 10_000

// Match is a rule that fired against a given line.
type Match struct {
	RuleName string
	Alert    []string
	Cooldown int
	Line     string
	// Span is the byte offset range within Line that matched, used by
	// `tinywatcher check` to highlight the triggering substring. Zero value
	// (0,0) when the rule's matcher produced no sub-match information.
	SpanStart, SpanEnd int
}

type compiledRule struct {
	name      string
	text      string
	pattern   *regexp.Regexp
	alert     []string
	cooldown  int
	sources   *config.RuleSources
	threshold *threshold

	mu    sync.Mutex
	times *list.List // time.Time, oldest first
}

type threshold struct {
	count  int
	window time.Duration
}

// Engine holds the compiled, ready-to-evaluate rule set. It is built once at
// startup and is safe for concurrent use by many ingestion tasks.
type Engine struct {
	rules  []*compiledRule
	logger *slog.Logger
}

// New compiles cfg.Rules into an Engine. It returns a joined error if any
// rule fails the text-XOR-regex invariant, references an unknown alert
// handler, or fails to compile its regex — all fatal at startup per
// spec.md §4.1. logger is used to warn on lines dropped for exceeding
// maxLineBytes (spec.md §4.1, §7).
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	var errs []error
	var compiled []*compiledRule

	for i, r := range cfg.Rules {
		prefix := fmt.Sprintf("rules[%d] (%s)", i, r.Name)

		hasText := r.Text != ""
		hasPattern := r.Pattern != ""
		if hasText == hasPattern {
			errs = append(errs, fmt.Errorf("%s: exactly one of text/pattern must be set", prefix))
			continue
		}

		cr := &compiledRule{
			name:     r.Name,
			text:     r.Text,
			alert:    r.Alert,
			cooldown: r.Cooldown,
			sources:  r.Sources,
			times:    list.New(),
		}

		if hasPattern {
			re, err := regexp.Compile(r.Pattern)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: invalid regex %q: %w", prefix, r.Pattern, err))
				continue
			}
			cr.pattern = re
		}

		if len(r.Alert) == 0 {
			errs = append(errs, fmt.Errorf("%s: alert must name at least one handler", prefix))
			continue
		}
		for _, a := range r.Alert {
			if _, ok := cfg.Alerts[a]; !ok {
				errs = append(errs, fmt.Errorf("%s: unknown alert handler %q", prefix, a))
			}
		}

		if r.Threshold != "" {
			count, window, err := config.ParseThreshold(r.Threshold)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", prefix, err))
				continue
			}
			cr.threshold = &threshold{count: count, window: window}
		}

		compiled = append(compiled, cr)
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	return &Engine{rules: compiled, logger: logger}, nil
}

// appliesTo reports whether src matches this rule's source-scope filter
// (spec.md §3, §8 "Scoping"): absent filter matches everything; a present
// filter matches only the sources listed under src's kind, so an absent or
// empty list for that kind matches nothing of that kind.
func (cr *compiledRule) appliesTo(src source.Source) bool {
	s := cr.sources
	if s == nil {
		return true
	}
	switch src.Kind {
	case source.KindFile:
		return containsName(s.Files, src.Name)
	case source.KindContainer:
		return containsName(s.Containers, src.Name)
	case source.KindStream:
		return containsName(s.Streams, src.Name)
	default:
		return true
	}
}

func containsName(list []string, name string) bool {
	for _, n := range list {
		if n == name {
			return true
		}
	}
	return false
}

// matchSpan returns whether cr's matcher finds line, and if so the byte
// span of the match (used for highlighting by `tinywatcher check`).
func (cr *compiledRule) matchSpan(line string) (ok bool, start, end int) {
	if cr.pattern != nil {
		loc := cr.pattern.FindStringIndex(line)
		if loc == nil {
			return false, 0, 0
		}
		return true, loc[0], loc[1]
	}
	idx := strings.Index(line, cr.text)
	if idx < 0 {
		return false, 0, 0
	}
	return true, idx, idx + len(cr.text)
}

// fire records a match timestamp and evaluates the threshold deque,
// reporting whether this rule should dispatch now (spec.md §4.1 "Threshold
// tracking"). Rules without a threshold always fire.
func (cr *compiledRule) fire(now time.Time) bool {
	if cr.threshold == nil {
		return true
	}

	cr.mu.Lock()
	defer cr.mu.Unlock()

	cr.times.PushBack(now)

	cutoff := now.Add(-cr.threshold.window)
	for e := cr.times.Front(); e != nil; {
		next := e.Next()
		if e.Value.(time.Time).Before(cutoff) {
			cr.times.Remove(e)
		}
		e = next
	}

	if cr.times.Len() >= cr.threshold.count {
		cr.times.Init()
		return true
	}
	return false
}

// Match evaluates line from src against every compiled rule, in
// configuration order, returning the list of rules that fire now. Lines
// longer than maxLineBytes are dropped, with a warning, before any matcher
// runs (spec.md §4.1, §7).
func (e *Engine) Match(line string, src source.Source) []Match {
	if len(line) > maxLineBytes {
		if e.logger != nil {
			e.logger.Warn("rule: dropping over-long line before matching",
				slog.String("source", src.String()),
				slog.Int("bytes", len(line)),
				slog.Int("max_bytes", maxLineBytes),
			)
		}
		return nil
	}

	now := time.Now()
	var out []Match
	for _, cr := range e.rules {
		if !cr.appliesTo(src) {
			continue
		}
		ok, start, end := cr.matchSpan(line)
		if !ok {
			continue
		}
		if !cr.fire(now) {
			continue
		}
		out = append(out, Match{
			RuleName:  cr.name,
			Alert:     cr.alert,
			Cooldown:  cr.cooldown,
			Line:      line,
			SpanStart: start,
			SpanEnd:   end,
		})
	}
	return out
}

// Highlight returns the byte span of the first match of ruleName against
// line, used by `tinywatcher check` to underline what triggered (see
// SPEC_FULL.md §12 supplemented feature). ok is false if the named rule
// does not exist or does not match line.
func (e *Engine) Highlight(ruleName, line string) (start, end int, ok bool) {
	for _, cr := range e.rules {
		if cr.name != ruleName {
			continue
		}
		matched, s, en := cr.matchSpan(line)
		return s, en, matched
	}
	return 0, 0, false
}

// RuleCount returns the number of compiled rules, used by tests and by
// `tinywatcher test` to report what was loaded.
func (e *Engine) RuleCount() int { return len(e.rules) }
