package alert

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"os/exec"
	"runtime"
	"time"
)

// httpClientTimeout is the connect+round-trip budget for every outbound
// alert POST (spec.md §5 "alert POSTs use transport defaults augmented
// with 5 s connect timeout").
const httpClientTimeout = 5 * time.Second

func newAlertHTTPClient() *http.Client {
	return &http.Client{Timeout: httpClientTimeout}
}

// StdoutHandler writes one formatted line to standard output. It never
// errors.
type StdoutHandler struct {
	out func(string)
}

// NewStdoutHandler returns a handler that prints to the process's standard
// output via fmt.Println.
func NewStdoutHandler() *StdoutHandler {
	return &StdoutHandler{out: func(s string) { fmt.Println(s) }}
}

func (h *StdoutHandler) Send(ruleName, message string) error {
	h.out(fmt.Sprintf("[ALERT] %s: %s", ruleName, message))
	return nil
}

// payloadFn builds the channel-specific JSON body for a webhook-style POST.
type payloadFn func(ruleName, message string) any

// slackPayload builds a Slack incoming-webhook payload. channel, when
// non-empty, overrides the webhook's default channel (Slack's "channel"
// field).
func slackPayload(channel string) payloadFn {
	return func(ruleName, message string) any {
		p := map[string]string{"text": fmt.Sprintf("*%s*: %s", ruleName, message)}
		if channel != "" {
			p["channel"] = channel
		}
		return p
	}
}

func discordPayload(ruleName, message string) any {
	return map[string]string{"content": fmt.Sprintf("**%s**: %s", ruleName, message)}
}

func genericPayload(ruleName, message string) any {
	return map[string]string{"rule": ruleName, "message": message}
}

// WebhookJSONHandler POSTs a JSON body built by payload to url. A non-2xx
// response is an error. Used for Slack, Discord, and generic Webhook
// targets, which all share this shape.
type WebhookJSONHandler struct {
	url     string
	payload payloadFn
	client  *http.Client
}

// NewWebhookJSONHandler returns a handler that POSTs payload(ruleName,
// message) as JSON to url.
func NewWebhookJSONHandler(url string, payload payloadFn) *WebhookJSONHandler {
	return &WebhookJSONHandler{url: url, payload: payload, client: newAlertHTTPClient()}
}

func (h *WebhookJSONHandler) Send(ruleName, message string) error {
	body, err := json.Marshal(h.payload(ruleName, message))
	if err != nil {
		return fmt.Errorf("webhook: marshal payload: %w", err)
	}
	return postJSON(h.client, h.url, body)
}

func postJSON(client *http.Client, url string, body []byte) error {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: non-2xx response: %d", resp.StatusCode)
	}
	return nil
}

// TelegramHandler sends a message via the Telegram Bot API.
type TelegramHandler struct {
	token  string
	chatID string
	client *http.Client
}

// NewTelegramHandler returns a handler that posts to the Telegram Bot API
// using botToken, targeting chatID.
func NewTelegramHandler(botToken, chatID string) *TelegramHandler {
	return &TelegramHandler{token: botToken, chatID: chatID, client: newAlertHTTPClient()}
}

func (h *TelegramHandler) Send(ruleName, message string) error {
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", h.token)
	body, err := json.Marshal(map[string]string{
		"chat_id": h.chatID,
		"text":    fmt.Sprintf("%s: %s", ruleName, message),
	})
	if err != nil {
		return fmt.Errorf("telegram: marshal payload: %w", err)
	}
	return postJSON(h.client, url, body)
}

// PagerDutyHandler triggers an Events API v2 incident.
type PagerDutyHandler struct {
	routingKey string
	client     *http.Client
}

// NewPagerDutyHandler returns a handler that triggers a PagerDuty Events
// API v2 incident using routingKey.
func NewPagerDutyHandler(routingKey string) *PagerDutyHandler {
	return &PagerDutyHandler{routingKey: routingKey, client: newAlertHTTPClient()}
}

func (h *PagerDutyHandler) Send(ruleName, message string) error {
	body, err := json.Marshal(map[string]any{
		"routing_key":  h.routingKey,
		"event_action": "trigger",
		"payload": map[string]string{
			"summary":  fmt.Sprintf("%s: %s", ruleName, message),
			"source":   "tinywatcher",
			"severity": "critical",
		},
	})
	if err != nil {
		return fmt.Errorf("pagerduty: marshal payload: %w", err)
	}
	return postJSON(h.client, "https://events.pagerduty.com/v2/enqueue", body)
}

// NtfyHandler publishes a plaintext notification to an ntfy topic.
type NtfyHandler struct {
	baseURL string
	topic   string
	client  *http.Client
}

// NewNtfyHandler returns a handler that publishes to baseURL/topic. An
// empty baseURL defaults to the public ntfy.sh server.
func NewNtfyHandler(baseURL, topic string) *NtfyHandler {
	if baseURL == "" {
		baseURL = "https://ntfy.sh"
	}
	return &NtfyHandler{baseURL: baseURL, topic: topic, client: newAlertHTTPClient()}
}

func (h *NtfyHandler) Send(ruleName, message string) error {
	url := fmt.Sprintf("%s/%s", h.baseURL, h.topic)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewBufferString(fmt.Sprintf("%s: %s", ruleName, message)))
	if err != nil {
		return fmt.Errorf("ntfy: build request: %w", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("ntfy: request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ntfy: non-2xx response: %d", resp.StatusCode)
	}
	return nil
}

// SendGridHandler sends an email via the SendGrid v3 Mail Send API.
type SendGridHandler struct {
	apiKey    string
	sender    string
	recipient string
	client    *http.Client
}

// NewSendGridHandler returns a handler that sends mail through SendGrid's
// v3 API from sender to recipient.
func NewSendGridHandler(apiKey, sender, recipient string) *SendGridHandler {
	return &SendGridHandler{apiKey: apiKey, sender: sender, recipient: recipient, client: newAlertHTTPClient()}
}

func (h *SendGridHandler) Send(ruleName, message string) error {
	body, err := json.Marshal(map[string]any{
		"personalizations": []map[string]any{
			{"to": []map[string]string{{"email": h.recipient}}},
		},
		"from":    map[string]string{"email": h.sender},
		"subject": fmt.Sprintf("TinyWatcher alert: %s", ruleName),
		"content": []map[string]string{
			{"type": "text/plain", "value": message},
		},
	})
	if err != nil {
		return fmt.Errorf("sendgrid: marshal payload: %w", err)
	}
	req, err := http.NewRequest(http.MethodPost, "https://api.sendgrid.com/v3/mail/send", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("sendgrid: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+h.apiKey)

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("sendgrid: request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("sendgrid: non-2xx response: %d", resp.StatusCode)
	}
	return nil
}

// EmailHandler delivers once per recipient via local sendmail on
// POSIX-like systems, or an SMTP relay elsewhere (spec.md §4.2). relayAddr
// is a "host:port" SMTP relay address; it is used on Windows, and on other
// systems whenever sendmail fails.
type EmailHandler struct {
	sender    string
	recipient string
	relayAddr string

	sendmail func(from, to, body string) error
	smtpSend func(addr, from, to, body string) error
}

// NewEmailHandler returns a handler that emails recipient from sender,
// using sendmail on POSIX-like systems (falling back to relayAddr via SMTP
// if sendmail fails) or relayAddr via SMTP on Windows.
func NewEmailHandler(sender, recipient, relayAddr string) *EmailHandler {
	return &EmailHandler{
		sender:    sender,
		recipient: recipient,
		relayAddr: relayAddr,
		sendmail:  sendViaSendmail,
		smtpSend:  sendViaSMTP,
	}
}

func (h *EmailHandler) Send(ruleName, message string) error {
	body := fmt.Sprintf("Subject: TinyWatcher alert: %s\r\n\r\n%s\r\n", ruleName, message)
	if runtime.GOOS != "windows" {
		if err := h.sendmail(h.sender, h.recipient, body); err == nil {
			return nil
		}
		// fall through to SMTP relay if sendmail isn't available
	}
	return h.smtpSend(h.relayAddr, h.sender, h.recipient, body)
}

func sendViaSendmail(from, to, body string) error {
	cmd := exec.Command("sendmail", "-f", from, to)
	cmd.Stdin = bytes.NewBufferString(body)
	return cmd.Run()
}

func sendViaSMTP(addr, from, to, body string) error {
	if addr == "" {
		return fmt.Errorf("email: no SMTP relay address configured")
	}
	return smtp.SendMail(addr, nil, from, []string{to}, []byte(body))
}
