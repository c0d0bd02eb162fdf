package models

import (
	"encoding/json"
)

// Fragment is a self-contained HTML snippet for one chat bubble.
type Fragment string

// AnalysisResult is what the analysis backend returns for a chat text.
// Fields stay raw so they can be echoed back to the widget byte for byte.
type AnalysisResult struct {
	// Single is the primary label or score (string or number)
	Single json.RawMessage `json:"single"`

	// MappedUsers maps a user identifier to its associated value
	MappedUsers json.RawMessage `json:"mappedUsers"`

	// Average is the aggregate numeric value
	Average json.RawMessage `json:"average"`
}

// EnvelopeData is the auxiliary bundle consumed by client-side scripting.
type EnvelopeData struct {
	MappedUsers json.RawMessage `json:"mappedUsers"`
	Average     json.RawMessage `json:"average"`
}

// ReplyEnvelope is the body of a successful /getResponse call.
// Data is nil when the fragment is the fallback bubble.
type ReplyEnvelope struct {
	Template Fragment      `json:"template"`
	Data     *EnvelopeData `json:"data,omitempty"`
}

// ErrorBody is the JSON body returned when the reply cannot be composed.
type ErrorBody struct {
	Error string `json:"error"`
}
