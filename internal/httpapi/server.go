// Package httpapi serves the webhooks from a long-running process. Twilio
// deliveries are acknowledged immediately and answered through the REST
// API once the debounce timer fires.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"medic-agent/internal/domain"
	"medic-agent/internal/integrations/twilio"
	"medic-agent/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

// maxBodyBytes bounds webhook bodies; Twilio form posts are a few KB.
const maxBodyBytes = 1 << 20

type Inbound interface {
	Enqueue(ctx context.Context, req usecase.InboundRequest) (domain.TurnSnapshot, error)
	Handle(ctx context.Context, req usecase.InboundRequest) (usecase.InboundResult, error)
}

// Scheduler arms the delayed flush for a buffered snapshot.
type Scheduler interface {
	Schedule(userID string, snap domain.TurnSnapshot)
}

type TokenSource interface {
	AuthToken(ctx context.Context) (string, error)
}

type Server struct {
	inbound    Inbound
	scheduler  Scheduler
	tokens     TokenSource
	webhookURL string
}

type Option func(*Server)

func WithSignatureValidation(tokens TokenSource, webhookURL string) Option {
	return func(s *Server) {
		s.tokens = tokens
		s.webhookURL = strings.TrimSpace(webhookURL)
	}
}

func NewServer(inbound Inbound, scheduler Scheduler, opts ...Option) (*Server, error) {
	if inbound == nil {
		return nil, errors.New("httpapi: inbound service must not be nil")
	}
	if scheduler == nil {
		return nil, errors.New("httpapi: scheduler must not be nil")
	}
	s := &Server{inbound: inbound, scheduler: scheduler}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Routes builds the chi router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(correlation)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", correlationHeader},
		ExposedHeaders: []string{correlationHeader},
	}))

	r.Post("/webhook/twilio", s.handleTwilio)
	r.Post("/webhook", s.handleJSON)
	r.Get("/ping", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("pong"))
	})
	return r
}

type ctxKey struct{}

func correlation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(correlationHeader))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(correlationHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

func loggerFor(r *http.Request) *slog.Logger {
	id, _ := r.Context().Value(ctxKey{}).(string)
	return slog.With("correlation_id", id)
}

func (s *Server) handleTwilio(w http.ResponseWriter, r *http.Request) {
	logger := loggerFor(r)
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		writeTwiML(w, http.StatusBadRequest, twilio.RenderEmpty())
		return
	}

	if s.tokens != nil && s.webhookURL != "" {
		token, err := s.tokens.AuthToken(r.Context())
		if err != nil {
			logger.Error("twilio auth token unavailable", "err", err)
			writeTwiML(w, http.StatusInternalServerError, twilio.RenderEmpty())
			return
		}
		if !twilio.ValidateSignature(token, s.webhookURL, r.PostForm, r.Header.Get("X-Twilio-Signature")) {
			logger.Warn("twilio signature mismatch")
			writeTwiML(w, http.StatusForbidden, twilio.RenderEmpty())
			return
		}
	}

	msg, err := twilio.ParseWebhook(r.PostForm)
	if err != nil {
		logger.Warn("invalid twilio webhook", "err", err)
		writeTwiML(w, http.StatusBadRequest, twilio.RenderEmpty())
		return
	}
	attachments := msg.Attachments()
	if len(attachments) == 0 {
		writeTwiML(w, http.StatusOK, twilio.RenderEmpty())
		return
	}

	snap, err := s.inbound.Enqueue(r.Context(), usecase.InboundRequest{
		UserID:               msg.From,
		Attachments:          attachments,
		TotalAttachmentsHint: len(msg.Media),
	})
	if err != nil {
		logger.Error("twilio message not buffered", "user_id", msg.From, "message_sid", msg.MessageSID, "err", err)
		if usecase.CodeOf(err) == usecase.ErrorStoreUnavailable {
			writeTwiML(w, http.StatusOK, twilio.RenderMessage(usecase.StoreUnavailableReply))
			return
		}
		writeTwiML(w, http.StatusBadRequest, twilio.RenderEmpty())
		return
	}
	s.scheduler.Schedule(msg.From, snap)
	logger.Debug("twilio message buffered", "user_id", msg.From, "turn", snap.Counter)
	writeTwiML(w, http.StatusOK, twilio.RenderEmpty())
}

func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	logger := loggerFor(r)
	var in usecase.JSONRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, usecase.JSONError{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_json"})
		return
	}
	req, err := in.Inbound()
	if err != nil {
		status, out := usecase.NewJSONError(err)
		writeJSON(w, status, out)
		return
	}

	res, err := s.inbound.Handle(r.Context(), req)
	if err != nil {
		logger.Error("inbound request failed", "user_id", in.UserID, "err", err)
		status, out := usecase.NewJSONError(err)
		writeJSON(w, status, out)
		return
	}
	writeJSON(w, http.StatusOK, usecase.NewJSONResponse(res))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeTwiML(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", twilio.ContentTypeXML)
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}
