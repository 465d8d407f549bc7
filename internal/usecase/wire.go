package usecase

import (
	"errors"
	"net/http"

	"medic-agent/internal/domain"
)

// JSONRequest is the body of the JSON attachment API, one attachment per call.
type JSONRequest struct {
	UserID               string `json:"user_id"`
	Kind                 string `json:"kind"`
	Payload              string `json:"payload"`
	TotalAttachmentsHint int    `json:"total_attachments_hint"`
}

// Inbound converts the body into an InboundRequest. An unknown kind is an
// INVALID_INPUT error with reason invalid_kind.
func (r JSONRequest) Inbound() (InboundRequest, error) {
	kind, err := domain.ParseMediaKind(r.Kind)
	if err != nil {
		return InboundRequest{}, newError(ErrorInvalidInput, "invalid_kind", err)
	}
	return InboundRequest{
		UserID:               r.UserID,
		Attachments:          []domain.Attachment{{Kind: kind, Payload: r.Payload}},
		TotalAttachmentsHint: r.TotalAttachmentsHint,
	}, nil
}

type JSONResponse struct {
	Flushed bool   `json:"flushed"`
	Reply   string `json:"reply,omitempty"`
	Agent   string `json:"agent,omitempty"`
	Reset   bool   `json:"reset,omitempty"`
	Failed  bool   `json:"failed,omitempty"`
}

// NewJSONResponse reports a flushed turn's route; race losers only carry
// Flushed=false.
func NewJSONResponse(res InboundResult) JSONResponse {
	out := JSONResponse{Flushed: res.Flushed}
	if res.Flushed {
		out.Reply = res.Route.Reply
		out.Agent = string(res.Route.Agent)
		out.Reset = res.Route.Reset
		out.Failed = res.Route.Failed
	}
	return out
}

type JSONError struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// NewJSONError describes err with its code and reason, and returns the HTTP
// status the code maps to.
func NewJSONError(err error) (int, JSONError) {
	code := CodeOf(err)
	out := JSONError{Error: string(code)}
	var ue *Error
	if errors.As(err, &ue) {
		out.Reason = ue.Reason
	}
	return StatusFor(code), out
}

func StatusFor(code ErrorCode) int {
	switch code {
	case ErrorInvalidInput:
		return http.StatusBadRequest
	case ErrorStoreUnavailable:
		return http.StatusServiceUnavailable
	case ErrorAgentFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
