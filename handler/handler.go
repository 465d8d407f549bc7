package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"medic-agent/internal/integrations/twilio"
	"medic-agent/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

type InboundUseCase interface {
	Handle(ctx context.Context, req usecase.InboundRequest) (usecase.InboundResult, error)
}

// TokenSource provides the Twilio auth token used to verify webhook signatures.
type TokenSource interface {
	AuthToken(ctx context.Context) (string, error)
}

type Handler struct {
	inbound    InboundUseCase
	tokens     TokenSource
	webhookURL string
}

type Option func(*Handler)

// WithSignatureValidation rejects Twilio webhooks whose X-Twilio-Signature
// does not match webhookURL and the form body.
func WithSignatureValidation(tokens TokenSource, webhookURL string) Option {
	return func(h *Handler) {
		h.tokens = tokens
		h.webhookURL = strings.TrimSpace(webhookURL)
	}
}

func NewHandler(inbound InboundUseCase, opts ...Option) (*Handler, error) {
	if inbound == nil {
		return nil, errors.New("handler: inbound use case must not be nil")
	}
	h := &Handler{inbound: inbound}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Handle serves both the Twilio form webhook and the JSON attachment API.
// Twilio deliveries are recognised by their form content type.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := header(event.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	logger := slog.With("correlation_id", correlationID)

	body := event.Body
	if event.IsBase64Encoded {
		raw, err := base64.StdEncoding.DecodeString(body)
		if err != nil {
			return jsonError(correlationID, http.StatusBadRequest, usecase.ErrorInvalidInput, "invalid_body_encoding"), nil
		}
		body = string(raw)
	}

	if strings.HasPrefix(strings.ToLower(header(event.Headers, "Content-Type")), "application/x-www-form-urlencoded") {
		return h.handleTwilio(ctx, logger, correlationID, event, body), nil
	}
	return h.handleJSON(ctx, logger, correlationID, body), nil
}

func (h *Handler) handleJSON(ctx context.Context, logger *slog.Logger, correlationID, body string) events.APIGatewayProxyResponse {
	var in usecase.JSONRequest
	if err := json.Unmarshal([]byte(body), &in); err != nil {
		return jsonError(correlationID, http.StatusBadRequest, usecase.ErrorInvalidInput, "invalid_json")
	}
	req, err := in.Inbound()
	if err != nil {
		status, out := usecase.NewJSONError(err)
		return jsonResponse(correlationID, status, out)
	}

	res, err := h.inbound.Handle(ctx, req)
	if err != nil {
		logger.Error("inbound request failed", "user_id", in.UserID, "err", err)
		status, out := usecase.NewJSONError(err)
		return jsonResponse(correlationID, status, out)
	}
	if res.Flushed {
		logger.Info("turn flushed", "user_id", in.UserID, "agent", res.Route.Agent, "failed", res.Route.Failed)
	}
	return jsonResponse(correlationID, http.StatusOK, usecase.NewJSONResponse(res))
}

func (h *Handler) handleTwilio(ctx context.Context, logger *slog.Logger, correlationID string, event events.APIGatewayProxyRequest, body string) events.APIGatewayProxyResponse {
	form, err := url.ParseQuery(body)
	if err != nil {
		return twimlResponse(correlationID, http.StatusBadRequest, twilio.RenderEmpty())
	}

	if h.tokens != nil && h.webhookURL != "" {
		token, err := h.tokens.AuthToken(ctx)
		if err != nil {
			logger.Error("twilio auth token unavailable", "err", err)
			return twimlResponse(correlationID, http.StatusInternalServerError, twilio.RenderEmpty())
		}
		if !twilio.ValidateSignature(token, h.webhookURL, form, header(event.Headers, "X-Twilio-Signature")) {
			logger.Warn("twilio signature mismatch")
			return twimlResponse(correlationID, http.StatusForbidden, twilio.RenderEmpty())
		}
	}

	msg, err := twilio.ParseWebhook(form)
	if err != nil {
		logger.Warn("invalid twilio webhook", "err", err)
		return twimlResponse(correlationID, http.StatusBadRequest, twilio.RenderEmpty())
	}
	attachments := msg.Attachments()
	if len(attachments) == 0 {
		return twimlResponse(correlationID, http.StatusOK, twilio.RenderEmpty())
	}

	res, err := h.inbound.Handle(ctx, usecase.InboundRequest{
		UserID:               msg.From,
		Attachments:          attachments,
		TotalAttachmentsHint: len(msg.Media),
	})
	if err != nil {
		logger.Error("twilio message failed", "user_id", msg.From, "message_sid", msg.MessageSID, "err", err)
		if usecase.CodeOf(err) == usecase.ErrorStoreUnavailable {
			return twimlResponse(correlationID, http.StatusOK, twilio.RenderMessage(usecase.StoreUnavailableReply))
		}
		return twimlResponse(correlationID, http.StatusOK, twilio.RenderMessage(usecase.AgentFailureReply))
	}
	if !res.Flushed {
		logger.Debug("burst owned by another delivery", "user_id", msg.From, "message_sid", msg.MessageSID)
		return twimlResponse(correlationID, http.StatusOK, twilio.RenderEmpty())
	}
	logger.Info("turn flushed", "user_id", msg.From, "agent", res.Route.Agent, "failed", res.Route.Failed)
	return twimlResponse(correlationID, http.StatusOK, twilio.RenderMessage(res.Route.Reply))
}

func header(headers map[string]string, key string) string {
	if v, ok := headers[key]; ok {
		return strings.TrimSpace(v)
	}
	for k, v := range headers {
		if strings.EqualFold(k, key) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func jsonResponse(correlationID string, status int, v any) events.APIGatewayProxyResponse {
	body, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: correlationID,
		},
		Body: string(body),
	}
}

func jsonError(correlationID string, status int, code usecase.ErrorCode, reason string) events.APIGatewayProxyResponse {
	return jsonResponse(correlationID, status, usecase.JSONError{Error: string(code), Reason: reason})
}

func twimlResponse(correlationID string, status int, body string) events.APIGatewayProxyResponse {
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    twilio.ContentTypeXML,
			correlationHeader: correlationID,
		},
		Body: body,
	}
}
