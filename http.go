package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"whos.app/bubble"
	"whos.app/models"
	"whos.app/relay"
)

const (
	// maxFormBytes caps an inbound form body
	maxFormBytes = 65536

	requestFailedMessage = "Errore nella comunicazione con il modello"
	composeFailedMessage = "Errore nel caricamento del template"

	endpointNewUserMessage = "newUserMessage"
	endpointGetResponse    = "getResponse"
)

// outcome is the terminal state reached by one chat request.
type outcome int

const (
	outcomeEchoDone outcome = iota
	outcomeReplyReady
	outcomeFallbackReady
	outcomeComposeFailed
	outcomeRequestFailed
)

func (o outcome) String() string {
	switch o {
	case outcomeEchoDone:
		return "echo_done"
	case outcomeReplyReady:
		return "reply_ready"
	case outcomeFallbackReady:
		return "fallback_ready"
	case outcomeComposeFailed:
		return "compose_failed"
	case outcomeRequestFailed:
		return "request_failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// chatServer wires the relay and the bubble renderer behind the two chat
// endpoints. Everything it holds is read-only after newChatServer.
type chatServer struct {
	analyzer   relay.Analyzer
	renderer   *bubble.Renderer
	metrics    *serverMetrics
	backendURL string
	dnsEnabled bool

	// hint throttles the "backend unreachable" error line
	hint *rate.Sometimes
}

func newChatServer(analyzer relay.Analyzer, renderer *bubble.Renderer, backendURL string) *chatServer {
	return &chatServer{
		analyzer:   analyzer,
		renderer:   renderer,
		metrics:    newServerMetrics(),
		backendURL: backendURL,
		hint:       &rate.Sometimes{Interval: 30 * time.Second},
	}
}

func (s *chatServer) routes() http.Handler {
	r := mux.NewRouter()
	r.Use(requestIDMiddleware)
	r.HandleFunc("/newUserMessage", s.handleNewUserMessage).Methods(http.MethodPost)
	r.HandleFunc("/getResponse", s.handleGetResponse).Methods(http.MethodPost)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.handler()).Methods(http.MethodGet)
	return r
}

// requestIDMiddleware tags the response and the request logger with an ID.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := generateRequestID()
		w.Header().Set("X-Request-ID", id)
		logger := log.With().Str("component", "http").Str("request_id", id).Logger()
		next.ServeHTTP(w, r.WithContext(logger.WithContext(r.Context())))
	})
}

// readText pulls the "text" form field. A missing field is the empty
// string. Anything that goes wrong here, including a panic, is reported
// as an error so the caller can answer 400.
func readText(w http.ResponseWriter, r *http.Request) (text string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Errorf("panic while reading request: %v", p)
		}
	}()

	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		return "", errors.Wrap(err, "failed to parse form")
	}
	return r.FormValue("text"), nil
}

// handleNewUserMessage echoes the user's text back as a user bubble. It
// never talks to the analysis backend.
func (s *chatServer) handleNewUserMessage(w http.ResponseWriter, r *http.Request) {
	logger := zerolog.Ctx(r.Context()).With().Str("endpoint", endpointNewUserMessage).Logger()

	text, err := readText(w, r)
	if err != nil {
		s.requestFailed(w, logger, endpointNewUserMessage, err)
		return
	}

	frag, err := s.renderer.Echo(text)
	if err != nil {
		s.requestFailed(w, logger, endpointNewUserMessage, err)
		return
	}

	s.metrics.countRequest(endpointNewUserMessage, outcomeEchoDone)
	logger.Debug().
		Str("outcome", outcomeEchoDone.String()).
		Str("text_sig", generateSignature(text)).
		Int("text_len", len(text)).
		Msg("echoed user message")

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(frag)); err != nil {
		logger.Warn().Err(err).Msg("failed to write user bubble")
	}
}

// handleGetResponse relays the text to the analysis backend and answers
// with the bot bubble, or with the fallback bubble when the backend call
// failed.
func (s *chatServer) handleGetResponse(w http.ResponseWriter, r *http.Request) {
	logger := zerolog.Ctx(r.Context()).With().Str("endpoint", endpointGetResponse).Logger()

	text, err := readText(w, r)
	if err != nil {
		s.requestFailed(w, logger, endpointGetResponse, err)
		return
	}
	logger = logger.With().
		Str("text_sig", generateSignature(text)).
		Int("text_len", len(text)).
		Logger()

	// The backend call runs to completion even if the client goes away.
	ctx := context.WithoutCancel(r.Context())
	start := time.Now()
	res, err := s.analyzer.Analyze(ctx, text)
	elapsed := time.Since(start)

	if err != nil {
		s.metrics.observeBackend(failureKind(err), elapsed)
		s.relayFailed(w, logger, err, elapsed)
		return
	}
	s.metrics.observeBackend("ok", elapsed)

	env, err := s.renderer.Compose(res)
	if err != nil {
		s.metrics.countRequest(endpointGetResponse, outcomeComposeFailed)
		logger.Error().Err(err).Str("outcome", outcomeComposeFailed.String()).Msg("failed to compose reply")
		writeJSON(w, http.StatusInternalServerError, models.ErrorBody{Error: composeFailedMessage})
		return
	}

	s.metrics.countRequest(endpointGetResponse, outcomeReplyReady)
	logger.Info().
		Str("outcome", outcomeReplyReady.String()).
		Dur("backend_duration", elapsed).
		Msg("reply ready")
	writeJSON(w, http.StatusOK, env)
}

func (s *chatServer) relayFailed(w http.ResponseWriter, logger zerolog.Logger, err error, elapsed time.Duration) {
	ev := logger.Warn().Err(err).
		Str("outcome", outcomeFallbackReady.String()).
		Dur("backend_duration", elapsed)
	var f *relay.Failure
	if errors.As(err, &f) {
		ev = ev.Str("kind", string(f.Kind))
		if f.StatusCode > 0 {
			ev = ev.Int("status", f.StatusCode)
		}
	}
	ev.Msg("analysis backend failed, sending fallback")

	s.hint.Do(func() {
		logger.Error().Str("backend", s.backendURL).Msg("analysis backend is failing; check that it is running and reachable")
	})

	s.metrics.countRequest(endpointGetResponse, outcomeFallbackReady)
	writeJSON(w, http.StatusOK, s.renderer.Fallback(err))
}

func (s *chatServer) requestFailed(w http.ResponseWriter, logger zerolog.Logger, endpoint string, err error) {
	s.metrics.countRequest(endpoint, outcomeRequestFailed)
	logger.Error().Err(err).Str("outcome", outcomeRequestFailed.String()).Msg("request failed")
	http.Error(w, requestFailedMessage, http.StatusBadRequest)
}

// handleHealth provides a health check endpoint
func (s *chatServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":  "healthy",
		"backend": s.backendURL,
		"services": map[string]bool{
			"http": true,
			"dns":  s.dnsEnabled,
		},
	}
	writeJSON(w, http.StatusOK, health)
}

func failureKind(err error) string {
	var f *relay.Failure
	if errors.As(err, &f) {
		return string(f.Kind)
	}
	return "unknown"
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		log.Warn().Err(err).Msg("failed to write JSON response")
	}
}
