package alert_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tripwire/tinywatcher/internal/alert"
	"github.com/tripwire/tinywatcher/internal/config"
)

func TestStdoutHandler_Send(t *testing.T) {
	var buf bytes.Buffer
	h := alert.NewStdoutHandlerForTest(func(s string) { buf.WriteString(s) })
	if err := h.Send("rule1", "something happened"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if !strings.Contains(buf.String(), "rule1") || !strings.Contains(buf.String(), "something happened") {
		t.Errorf("output = %q, want it to contain rule name and message", buf.String())
	}
}

func TestWebhookJSONHandler_Success(t *testing.T) {
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := alert.NewWebhookJSONHandlerForTest(srv.URL, func(rule, msg string) any {
		return map[string]string{"text": rule + ":" + msg}
	})
	if err := h.Send("rule1", "msg"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if gotBody["text"] != "rule1:msg" {
		t.Errorf("posted body = %v, want text=rule1:msg", gotBody)
	}
}

func TestWebhookJSONHandler_NonTwoXXIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	h := alert.NewWebhookJSONHandlerForTest(srv.URL, func(rule, msg string) any {
		return map[string]string{"x": "y"}
	})
	if err := h.Send("rule1", "msg"); err == nil {
		t.Fatal("Send() error = nil, want error for 500 response")
	}
}

func TestNtfyHandler_Success(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := new(bytes.Buffer)
		buf.ReadFrom(r.Body)
		gotBody = buf.String()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := alert.NewNtfyHandler(srv.URL, "alerts")
	if err := h.Send("rule1", "msg"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if !strings.Contains(gotBody, "rule1") {
		t.Errorf("posted body = %q, want it to contain rule name", gotBody)
	}
}

func TestBuild_SlackHandlerIncludesChannelOverride(t *testing.T) {
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := &config.Config{
		Alerts: map[string]config.Alert{
			"ops": {Type: "slack", URL: srv.URL, Channel: "#ops"},
		},
	}
	d, err := alert.Build(cfg, testLogger())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if err := d.Dispatch([]string{"ops"}, "rule1", "msg", 0); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if gotBody["channel"] != "#ops" {
		t.Errorf("posted body channel = %q, want #ops", gotBody["channel"])
	}
}
