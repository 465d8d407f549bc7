package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"medic-agent/internal/domain"
)

const voiceMessagePrefix = "[Voice Message]: "

// Dispatcher routes a merged turn to an agent.
type Dispatcher interface {
	Dispatch(ctx context.Context, turn domain.MergedTurn) (RouteResult, error)
}

// Transcriber turns an audio payload reference into text.
type Transcriber interface {
	Transcribe(ctx context.Context, mediaURL string) (string, error)
}

// InboundRequest is one webhook delivery. Twilio can pack a text body and
// several media items into one delivery; the JSON API carries exactly one.
type InboundRequest struct {
	UserID               string
	Attachments          []domain.Attachment
	TotalAttachmentsHint int
}

type InboundResult struct {
	// Flushed is false when another delivery of the same burst owns the reply.
	Flushed bool
	Turn    domain.MergedTurn
	Route   RouteResult
}

// InboundService is the webhook-facing pipeline: buffer, merge, route.
type InboundService struct {
	agg         *Aggregator
	router      Dispatcher
	transcriber Transcriber
}

// NewInboundService creates an InboundService. transcriber may be nil, in
// which case audio references are passed to the agent untouched.
func NewInboundService(agg *Aggregator, router Dispatcher, transcriber Transcriber) (*InboundService, error) {
	if agg == nil {
		return nil, errors.New("usecase: aggregator must not be nil")
	}
	if router == nil {
		return nil, errors.New("usecase: router must not be nil")
	}
	return &InboundService{agg: agg, router: router, transcriber: transcriber}, nil
}

// Enqueue buffers every attachment of req and returns the snapshot taken
// after the last one.
func (s *InboundService) Enqueue(ctx context.Context, req InboundRequest) (domain.TurnSnapshot, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return domain.TurnSnapshot{}, newError(ErrorInvalidInput, "missing_user_id", nil)
	}
	if len(req.Attachments) == 0 {
		return domain.TurnSnapshot{}, newError(ErrorInvalidInput, "empty_message", nil)
	}
	for _, a := range req.Attachments {
		if strings.TrimSpace(a.Payload) == "" {
			return domain.TurnSnapshot{}, newError(ErrorInvalidInput, "empty_payload", nil)
		}
	}
	if req.TotalAttachmentsHint > 0 {
		slog.Debug("inbound delivery", "user_id", userID, "attachments", len(req.Attachments), "total_hint", req.TotalAttachmentsHint)
	}

	var snap domain.TurnSnapshot
	for _, a := range req.Attachments {
		var err error
		snap, err = s.agg.Enqueue(ctx, userID, a.Kind, a.Payload)
		if err != nil {
			return domain.TurnSnapshot{}, err
		}
	}
	return snap, nil
}

// Handle runs the whole pipeline in the caller's goroutine, waiting out the
// debounce window before trying to flush.
func (s *InboundService) Handle(ctx context.Context, req InboundRequest) (InboundResult, error) {
	snap, err := s.Enqueue(ctx, req)
	if err != nil {
		return InboundResult{}, err
	}
	userID := strings.TrimSpace(req.UserID)
	turn, ok, err := s.agg.Await(ctx, userID, snap)
	if err != nil {
		return InboundResult{}, err
	}
	if !ok {
		return InboundResult{}, nil
	}
	return s.Process(ctx, turn)
}

// Process transcribes voice notes in a merged turn and routes it.
func (s *InboundService) Process(ctx context.Context, turn domain.MergedTurn) (InboundResult, error) {
	turn = s.transcribe(ctx, turn)
	route, err := s.router.Dispatch(ctx, turn)
	if err != nil {
		return InboundResult{}, err
	}
	return InboundResult{Flushed: true, Turn: turn, Route: route}, nil
}

// maxParallelTranscriptions bounds concurrent Whisper calls for one turn.
const maxParallelTranscriptions = 4

func (s *InboundService) transcribe(ctx context.Context, turn domain.MergedTurn) domain.MergedTurn {
	if s.transcriber == nil || len(turn.Audio) == 0 {
		return turn
	}

	results := make([]string, len(turn.Audio))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelTranscriptions)
	for i, ref := range turn.Audio {
		i, ref := i, ref
		g.Go(func() error {
			text, err := s.transcriber.Transcribe(gctx, ref)
			if err != nil {
				slog.Warn("voice note transcription failed", "user_id", turn.UserID, "err", err)
				return nil
			}
			results[i] = strings.TrimSpace(text)
			return nil
		})
	}
	_ = g.Wait()

	var untranscribed []string
	texts := append([]string(nil), turn.Texts...)
	for i, ref := range turn.Audio {
		if results[i] == "" {
			untranscribed = append(untranscribed, ref)
			continue
		}
		texts = append(texts, voiceMessagePrefix+results[i])
	}
	turn.Texts = texts
	turn.Audio = untranscribed
	return turn
}
