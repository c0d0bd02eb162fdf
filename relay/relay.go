// Package relay forwards chat text to the remote analysis backend.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"

	"github.com/pkg/errors"

	"whos.app/models"
)

// MaxResponseSize bounds how much of a backend answer is read.
const MaxResponseSize = 4 * 1024 * 1024

var requiredFields = []string{"single", "mappedUsers", "average"}

// Analyzer is anything that can turn chat text into an analysis result.
type Analyzer interface {
	Analyze(ctx context.Context, text string) (models.AnalysisResult, error)
}

// Client posts chat text to a single, fixed backend address.
type Client struct {
	endpoint string
	client   *http.Client
}

// analyzeRequest is the body sent to the backend
type analyzeRequest struct {
	Text string `json:"text"`
}

// NewClient creates a relay for the given backend. A nil httpClient means
// http.DefaultClient; the relay itself never sets a timeout.
func NewClient(endpoint *url.URL, httpClient *http.Client) (*Client, error) {
	if endpoint == nil {
		return nil, errors.New("backend endpoint is nil")
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{endpoint: endpoint.String(), client: httpClient}, nil
}

// Analyze issues exactly one backend call. Every failure comes back as a
// *Failure; the result is passed through without modification.
func (c *Client) Analyze(ctx context.Context, text string) (models.AnalysisResult, error) {
	jsonBody, err := json.Marshal(analyzeRequest{Text: text})
	if err != nil {
		return models.AnalysisResult{}, newFailure(KindTransport, 0, errors.Wrap(err, "failed to marshal request body"))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return models.AnalysisResult{}, newFailure(KindTransport, 0, errors.Wrap(err, "failed to create request"))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return models.AnalysisResult{}, newFailure(KindTransport, 0, errors.Wrap(err, "request failed"))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return models.AnalysisResult{}, newFailure(KindTransport, resp.StatusCode, errors.Wrap(err, "failed to read response"))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return models.AnalysisResult{}, newFailure(KindStatus, resp.StatusCode,
			errors.Errorf("backend returned status %d: %s", resp.StatusCode, snippet(body)))
	}
	if len(body) > MaxResponseSize {
		return models.AnalysisResult{}, newFailure(KindPayload, resp.StatusCode,
			errors.Errorf("response larger than %d bytes", MaxResponseSize))
	}

	res, err := decodeResult(body)
	if err != nil {
		return models.AnalysisResult{}, newFailure(KindPayload, resp.StatusCode, err)
	}
	return res, nil
}

func decodeResult(body []byte) (models.AnalysisResult, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return models.AnalysisResult{}, errors.Wrap(err, "failed to decode response")
	}
	if fields == nil {
		return models.AnalysisResult{}, errors.New("response is not a JSON object")
	}
	for _, name := range requiredFields {
		if _, ok := fields[name]; !ok {
			return models.AnalysisResult{}, errors.Errorf("response is missing %q", name)
		}
	}
	return models.AnalysisResult{
		Single:      fields["single"],
		MappedUsers: fields["mappedUsers"],
		Average:     fields["average"],
	}, nil
}

// snippet keeps error messages short when the backend sends a page back.
func snippet(body []byte) string {
	const max = 200
	b := bytes.TrimSpace(body)
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
