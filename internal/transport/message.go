package transport

import "encoding/json"

// Message is the inbound wire format. The session layer does not own the
// event catalog; data stays raw for the use-case layer to decode.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// envelope is the outbound wire format.
type envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// ErrorData is the payload of caller-facing "error" events.
type ErrorData struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}
