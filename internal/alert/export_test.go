package alert

// Test-only constructors exposing internals that production callers never
// need to customize (Build/buildHandler cover the real construction path).

// NewStdoutHandlerForTest returns a StdoutHandler that writes through out
// instead of fmt.Println, so tests can capture output without touching the
// real stdout.
func NewStdoutHandlerForTest(out func(string)) *StdoutHandler {
	return &StdoutHandler{out: out}
}

// NewWebhookJSONHandlerForTest exposes NewWebhookJSONHandler's payload
// parameter, which is otherwise only reachable through the unexported
// payloadFn values defined in handlers.go (slackPayload, discordPayload,
// genericPayload).
func NewWebhookJSONHandlerForTest(url string, payload func(ruleName, message string) any) *WebhookJSONHandler {
	return NewWebhookJSONHandler(url, payload)
}
