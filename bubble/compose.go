package bubble

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/pkg/errors"

	"whos.app/models"
)

// CompositionError reports an analysis result the bot bubble cannot be
// rendered from. It is fatal for the request and never turned into the
// fallback bubble.
type CompositionError struct {
	Cause error
}

func (e *CompositionError) Error() string {
	return "compose reply: " + e.Cause.Error()
}

func (e *CompositionError) Unwrap() error { return e.Cause }

// Compose renders the bot bubble from single and mappedUsers and bundles
// mappedUsers and average, untouched, for client-side scripting. Average is
// never part of the markup.
func (r *Renderer) Compose(res models.AnalysisResult) (models.ReplyEnvelope, error) {
	single, err := decodeSingle(res.Single)
	if err != nil {
		return models.ReplyEnvelope{}, &CompositionError{Cause: err}
	}
	users, err := decodeMappedUsers(res.MappedUsers)
	if err != nil {
		return models.ReplyEnvelope{}, &CompositionError{Cause: err}
	}
	if !json.Valid(res.Average) {
		return models.ReplyEnvelope{}, &CompositionError{Cause: errors.New("average is not valid JSON")}
	}

	frag, err := r.execute(botBubble, botContext{Single: single, MappedUsers: users})
	if err != nil {
		return models.ReplyEnvelope{}, &CompositionError{Cause: err}
	}

	return models.ReplyEnvelope{
		Template: frag,
		Data: &models.EnvelopeData{
			MappedUsers: cloneRaw(res.MappedUsers),
			Average:     cloneRaw(res.Average),
		},
	}, nil
}

// Label returns the primary label of a result as plain text, for surfaces
// that cannot carry markup.
func Label(res models.AnalysisResult) (string, error) {
	return decodeSingle(res.Single)
}

func decodeSingle(raw json.RawMessage) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return "", errors.Wrap(err, "decode single")
	}
	switch s := v.(type) {
	case string:
		return s, nil
	case json.Number:
		return s.String(), nil
	default:
		return "", errors.Errorf("single must be a string or a number, got %s", jsonKind(v))
	}
}

func decodeMappedUsers(raw json.RawMessage) ([]mappedUser, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, errors.New("mappedUsers must be a JSON object")
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &m); err != nil {
		return nil, errors.Wrap(err, "decode mappedUsers")
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	users := make([]mappedUser, 0, len(keys))
	for _, k := range keys {
		users = append(users, mappedUser{User: k, Value: rawText(m[k])})
	}
	return users, nil
}

// rawText shows JSON strings unquoted and everything else in compact form.
func rawText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

func jsonKind(v interface{}) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "a boolean"
	case []interface{}:
		return "an array"
	case map[string]interface{}:
		return "an object"
	default:
		return "an unsupported value"
	}
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}
