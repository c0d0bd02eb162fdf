package relay

import (
	"fmt"
)

// Kind classifies why a backend call did not produce a result.
type Kind string

const (
	// KindTransport covers connection, DNS, TLS and read errors
	KindTransport Kind = "transport"
	// KindStatus means the backend answered with a non-2xx status
	KindStatus Kind = "status"
	// KindPayload means the body was not a usable analysis result
	KindPayload Kind = "payload"
)

// Failure is the single failure value returned by Client.Analyze.
type Failure struct {
	Kind       Kind
	StatusCode int
	Cause      error
}

func newFailure(kind Kind, status int, cause error) *Failure {
	return &Failure{Kind: kind, StatusCode: status, Cause: cause}
}

func (f *Failure) Error() string {
	if f.StatusCode > 0 {
		return fmt.Sprintf("relay %s failure (status %d): %v", f.Kind, f.StatusCode, f.Cause)
	}
	return fmt.Sprintf("relay %s failure: %v", f.Kind, f.Cause)
}

func (f *Failure) Unwrap() error { return f.Cause }
