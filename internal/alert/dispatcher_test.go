package alert_test

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/tripwire/tinywatcher/internal/alert"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeHandler records every Send call and optionally fails.
type fakeHandler struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (h *fakeHandler) Send(ruleName, message string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, ruleName+":"+message)
	return h.err
}

func (h *fakeHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

func TestDispatcher_SingleTargetSuccess(t *testing.T) {
	d := alert.NewDispatcher(testLogger())
	h := &fakeHandler{}
	d.Register("a", h)

	if err := d.Dispatch([]string{"a"}, "rule1", "boom", 60); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if h.callCount() != 1 {
		t.Errorf("callCount = %d, want 1", h.callCount())
	}
}

func TestDispatcher_SingleTargetNotFoundIsFatal(t *testing.T) {
	d := alert.NewDispatcher(testLogger())
	err := d.Dispatch([]string{"missing"}, "rule1", "boom", 60)
	if err == nil {
		t.Fatal("Dispatch() error = nil, want error for missing single target")
	}
}

func TestDispatcher_MultiTargetMissingIsLoggedNotFatal(t *testing.T) {
	d := alert.NewDispatcher(testLogger())
	h := &fakeHandler{}
	d.Register("a", h)

	if err := d.Dispatch([]string{"a", "missing"}, "rule1", "boom", 60); err != nil {
		t.Fatalf("Dispatch() error = %v, want nil (siblings still fire)", err)
	}
	if h.callCount() != 1 {
		t.Errorf("callCount = %d, want 1", h.callCount())
	}
}

func TestDispatcher_FailingHandlerDoesNotBlockSiblings(t *testing.T) {
	d := alert.NewDispatcher(testLogger())
	a := &fakeHandler{}
	b := &fakeHandler{err: errors.New("boom")}
	d.Register("a", a)
	d.Register("b", b)

	if err := d.Dispatch([]string{"a", "b"}, "rule1", "msg", 60); err != nil {
		t.Fatalf("Dispatch() error = %v, want nil", err)
	}
	if a.callCount() != 1 || b.callCount() != 1 {
		t.Errorf("callCounts = (%d,%d), want (1,1)", a.callCount(), b.callCount())
	}
}

func TestDispatcher_CooldownSuppressesSecondDispatch(t *testing.T) {
	d := alert.NewDispatcher(testLogger())
	h := &fakeHandler{}
	d.Register("a", h)

	if err := d.Dispatch([]string{"a"}, "rule1", "first", 60); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if err := d.Dispatch([]string{"a"}, "rule1", "second", 60); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if h.callCount() != 1 {
		t.Errorf("callCount = %d, want 1 (second suppressed by cooldown)", h.callCount())
	}
}

func TestDispatcher_CooldownZeroNeverSuppressed(t *testing.T) {
	d := alert.NewDispatcher(testLogger())
	h := &fakeHandler{}
	d.Register("a", h)

	for i := 0; i < 3; i++ {
		if err := d.Dispatch([]string{"a"}, "rule1", "msg", 0); err != nil {
			t.Fatalf("Dispatch() error = %v", err)
		}
	}
	if h.callCount() != 3 {
		t.Errorf("callCount = %d, want 3 (cooldown 0 never suppressed)", h.callCount())
	}
}

func TestDispatcher_CooldownExpiry(t *testing.T) {
	d := alert.NewDispatcher(testLogger())
	h := &fakeHandler{}
	d.Register("a", h)

	if err := d.Dispatch([]string{"a"}, "rule1", "first", 0); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	// Use a 0-second cooldown first dispatch is a control; now test a real
	// short cooldown using a dedicated rule name so state doesn't collide.
	if err := d.Dispatch([]string{"a"}, "rule2", "a", 1); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	time.Sleep(1100 * time.Millisecond)
	if err := d.Dispatch([]string{"a"}, "rule2", "b", 1); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if h.callCount() != 3 {
		t.Errorf("callCount = %d, want 3 (cooldown expired before 3rd dispatch)", h.callCount())
	}
}

func TestDispatcher_IdempotentRegistration(t *testing.T) {
	d := alert.NewDispatcher(testLogger())
	first := &fakeHandler{}
	second := &fakeHandler{}
	d.Register("a", first)
	d.Register("a", second)

	if err := d.Dispatch([]string{"a"}, "rule1", "msg", 0); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if first.callCount() != 0 {
		t.Errorf("first handler callCount = %d, want 0 (overwritten)", first.callCount())
	}
	if second.callCount() != 1 {
		t.Errorf("second handler callCount = %d, want 1", second.callCount())
	}
}
