package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whos.app/bubble"
	"whos.app/models"
	"whos.app/relay"
)

// fakeAnalyzer records every call and answers with a fixed result or error.
type fakeAnalyzer struct {
	mu     sync.Mutex
	calls  []string
	ctxErr []error
	result models.AnalysisResult
	err    error
	panics bool
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, text string) (models.AnalysisResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, text)
	f.ctxErr = append(f.ctxErr, ctx.Err())
	f.mu.Unlock()
	if f.panics {
		panic("analyzer must not be called")
	}
	return f.result, f.err
}

func (f *fakeAnalyzer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func positiveResult() models.AnalysisResult {
	return models.AnalysisResult{
		Single:      json.RawMessage(`"Positive"`),
		MappedUsers: json.RawMessage(`{"alice":3}`),
		Average:     json.RawMessage(`0.75`),
	}
}

func newTestServer(t *testing.T, analyzer relay.Analyzer) *chatServer {
	t.Helper()
	renderer, err := bubble.New()
	require.NoError(t, err)
	return newChatServer(analyzer, renderer, "http://localhost:5000/WhosApp")
}

func postForm(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func textForm(text string) string {
	return url.Values{"text": {text}}.Encode()
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]json.RawMessage {
	t.Helper()
	var body map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), "body: %s", rec.Body.String())
	return body
}

func TestNewUserMessageEchoesSanitizedText(t *testing.T) {
	analyzer := &fakeAnalyzer{panics: true}
	h := newTestServer(t, analyzer).routes()

	rec := postForm(t, h, "/newUserMessage", textForm(`ciao\ncome va?`))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "ciao<br>come va?")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.Zero(t, analyzer.callCount())
}

func TestNewUserMessageMissingFieldIsEmptyText(t *testing.T) {
	h := newTestServer(t, &fakeAnalyzer{panics: true}).routes()

	rec := postForm(t, h, "/newUserMessage", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "user-bubble")
}

func TestNewUserMessageIsIdempotent(t *testing.T) {
	h := newTestServer(t, &fakeAnalyzer{panics: true}).routes()

	a := postForm(t, h, "/newUserMessage", textForm(`uno\ndue`))
	b := postForm(t, h, "/newUserMessage", textForm(`uno\ndue`))
	assert.Equal(t, a.Body.String(), b.Body.String())
	assert.NotEqual(t, a.Header().Get("X-Request-ID"), b.Header().Get("X-Request-ID"))
}

func TestGetResponseComposesReply(t *testing.T) {
	analyzer := &fakeAnalyzer{result: positiveResult()}
	h := newTestServer(t, analyzer).routes()

	rec := postForm(t, h, "/getResponse", textForm(`chi ha scritto\nquesto?`))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	body := decodeBody(t, rec)
	var tpl string
	require.NoError(t, json.Unmarshal(body["template"], &tpl))
	assert.Contains(t, tpl, "Positive")
	assert.JSONEq(t, `{"mappedUsers":{"alice":3},"average":0.75}`, string(body["data"]))

	require.Equal(t, 1, analyzer.callCount())
	assert.Equal(t, `chi ha scritto\nquesto?`, analyzer.calls[0])
}

func TestGetResponseRelayFailureSendsFallback(t *testing.T) {
	failures := []error{
		&relay.Failure{Kind: relay.KindTransport, Cause: errors.New("dial tcp 127.0.0.1:5000: connect: connection refused")},
		&relay.Failure{Kind: relay.KindStatus, StatusCode: http.StatusBadGateway, Cause: errors.New("bad gateway")},
		&relay.Failure{Kind: relay.KindPayload, StatusCode: http.StatusOK, Cause: errors.New("response is missing \"average\"")},
	}
	for _, failure := range failures {
		t.Run(string(failure.(*relay.Failure).Kind), func(t *testing.T) {
			h := newTestServer(t, &fakeAnalyzer{err: failure}).routes()

			rec := postForm(t, h, "/getResponse", textForm("hello"))

			require.Equal(t, http.StatusOK, rec.Code)
			body := decodeBody(t, rec)
			var tpl string
			require.NoError(t, json.Unmarshal(body["template"], &tpl))
			assert.Contains(t, tpl, bubble.FallbackMarker)
			assert.NotContains(t, tpl, "127.0.0.1")
			_, hasData := body["data"]
			assert.False(t, hasData)
		})
	}
}

func TestGetResponseCompositionFailureIs500(t *testing.T) {
	res := positiveResult()
	res.Single = json.RawMessage(`{"nested":"object"}`)
	h := newTestServer(t, &fakeAnalyzer{result: res}).routes()

	rec := postForm(t, h, "/getResponse", textForm("hello"))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeBody(t, rec)
	var msg string
	require.NoError(t, json.Unmarshal(body["error"], &msg))
	assert.NotEmpty(t, msg)
	_, hasTemplate := body["template"]
	assert.False(t, hasTemplate)
}

func TestPreDispatchFaultIs400(t *testing.T) {
	for _, path := range []string{"/getResponse", "/newUserMessage"} {
		t.Run(path, func(t *testing.T) {
			analyzer := &fakeAnalyzer{result: positiveResult()}
			h := newTestServer(t, analyzer).routes()

			rec := postForm(t, h, path, "text=%zz")

			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
			assert.Equal(t, requestFailedMessage, strings.TrimSpace(rec.Body.String()))
			assert.Zero(t, analyzer.callCount())
		})
	}
}

// explodingBody panics on the first read, like a broken body reader would.
type explodingBody struct{}

func (explodingBody) Read([]byte) (int, error) { panic("body reader blew up") }
func (explodingBody) Close() error { return nil }

func TestPanicWhileReadingIs400(t *testing.T) {
	for _, path := range []string{"/getResponse", "/newUserMessage"} {
		t.Run(path, func(t *testing.T) {
			analyzer := &fakeAnalyzer{result: positiveResult()}
			h := newTestServer(t, analyzer).routes()

			req := httptest.NewRequest(http.MethodPost, path, nil)
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			req.Body = explodingBody{}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
			assert.Equal(t, requestFailedMessage, strings.TrimSpace(rec.Body.String()))
			assert.Zero(t, analyzer.callCount())
		})
	}
}

func TestClientVisibleErrorsAreItalian(t *testing.T) {
	assert.Equal(t, "Errore nella comunicazione con il modello", requestFailedMessage)
	assert.Equal(t, "Errore nel caricamento del template", composeFailedMessage)

	res := positiveResult()
	res.MappedUsers = json.RawMessage(`[]`)
	h := newTestServer(t, &fakeAnalyzer{result: res}).routes()
	rec := postForm(t, h, "/getResponse", textForm("hello"))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"Errore nel caricamento del template"}`, rec.Body.String())
}

func TestOversizedFormIs400(t *testing.T) {
	analyzer := &fakeAnalyzer{result: positiveResult()}
	h := newTestServer(t, analyzer).routes()

	rec := postForm(t, h, "/getResponse", textForm(strings.Repeat("a", maxFormBytes+1)))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NotEmpty(t, strings.TrimSpace(rec.Body.String()))
	assert.Zero(t, analyzer.callCount())
}

func TestGetResponseIsIdempotent(t *testing.T) {
	h := newTestServer(t, &fakeAnalyzer{result: positiveResult()}).routes()

	a := postForm(t, h, "/getResponse", textForm("same text"))
	b := postForm(t, h, "/getResponse", textForm("same text"))
	require.Equal(t, http.StatusOK, a.Code)
	assert.Equal(t, a.Body.String(), b.Body.String())
}

func TestGetResponseIgnoresClientCancellation(t *testing.T) {
	analyzer := &fakeAnalyzer{result: positiveResult()}
	h := newTestServer(t, analyzer).routes()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/getResponse", strings.NewReader(textForm("hi"))).WithContext(ctx)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, 1, analyzer.callCount())
	assert.NoError(t, analyzer.ctxErr[0])
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetResponseAgainstRealBackend(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"single":"Bob","mappedUsers":{"Bob":0.8,"Alice":0.2},"average":0.5}`)
	}))
	defer backend.Close()

	u, err := url.Parse(backend.URL)
	require.NoError(t, err)
	client, err := relay.NewClient(u, backend.Client())
	require.NoError(t, err)
	h := newTestServer(t, client).routes()

	rec := postForm(t, h, "/getResponse", textForm("hi"))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.JSONEq(t, `{"mappedUsers":{"Bob":0.8,"Alice":0.2},"average":0.5}`, string(body["data"]))

	backend.Close()
	rec = postForm(t, h, "/getResponse", textForm("hi"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), bubble.FallbackMarker)
	assert.NotContains(t, rec.Body.String(), `"data"`)
}

func TestRoutesRejectWrongMethod(t *testing.T) {
	h := newTestServer(t, &fakeAnalyzer{panics: true}).routes()

	req := httptest.NewRequest(http.MethodGet, "/getResponse", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHealth(t *testing.T) {
	h := newTestServer(t, &fakeAnalyzer{}).routes()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t,
		`{"status":"healthy","backend":"http://localhost:5000/WhosApp","services":{"http":true,"dns":false}}`,
		rec.Body.String())
}

func TestMetricsCountOutcomes(t *testing.T) {
	s := newTestServer(t, &fakeAnalyzer{err: &relay.Failure{Kind: relay.KindTransport, Cause: errors.New("refused")}})
	h := s.routes()

	postForm(t, h, "/getResponse", textForm("a"))
	postForm(t, h, "/getResponse", textForm("b"))
	postForm(t, h, "/newUserMessage", textForm("c"))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	out := rec.Body.String()
	assert.Contains(t, out, `whosapp_requests_total{endpoint="getResponse",outcome="fallback_ready"} 2`)
	assert.Contains(t, out, `whosapp_requests_total{endpoint="newUserMessage",outcome="echo_done"} 1`)
	assert.Contains(t, out, `whosapp_backend_duration_seconds_count{result="transport"} 2`)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "reply_ready", outcomeReplyReady.String())
	assert.Equal(t, "request_failed", outcomeRequestFailed.String())
	assert.Equal(t, "outcome(42)", outcome(42).String())
}
