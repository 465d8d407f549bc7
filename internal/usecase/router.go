package usecase

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"regexp"

	"medic-agent/internal/domain"
)

const (
	ResetReply = "I've reset our conversation. How can I help you today? You can ask about scheduling appointments, our services, or anything else."
	// AgentFailureReply is sent when the agent call fails.
	AgentFailureReply = "Sorry, I couldn't process your message right now. Please try again in a moment."
	// StoreUnavailableReply is sent when conversation state cannot be reached.
	StoreUnavailableReply = "Sorry, we're having trouble right now. Please send your message again in a moment."
)

var (
	resetKeywords     = regexp.MustCompile(`(?i)\b(cancel|stop|end|menu|main menu|start over|reset|quit|exit)\b`)
	completionPhrases = regexp.MustCompile(`(?i)(booking confirmed|appointment (is )?confirmed|termin (ist )?bestätigt|cita (está )?confirmada)`)
)

// AgentInvoker runs one turn against a specialized agent and returns its reply.
type AgentInvoker interface {
	Invoke(ctx context.Context, agent domain.AgentID, turn domain.MergedTurn) (string, error)
}

// ConversationLocks is the subset of LockManager the Router depends on.
type ConversationLocks interface {
	GetActiveAgent(ctx context.Context, userID string) (domain.AgentID, bool, error)
	Acquire(ctx context.Context, userID string, agent domain.AgentID) error
	Release(ctx context.Context, userID string) error
}

type RouteResult struct {
	Reply    string
	Agent    domain.AgentID
	Reset    bool
	Released bool
	Failed   bool
}

// Router sends a merged turn to the agent that owns the conversation,
// classifying and locking when nobody does.
type Router struct {
	locks      ConversationLocks
	classifier Classifier
	agents     AgentInvoker
}

func NewRouter(locks ConversationLocks, classifier Classifier, agents AgentInvoker) (*Router, error) {
	if locks == nil {
		return nil, errors.New("usecase: lock manager must not be nil")
	}
	if classifier == nil {
		return nil, errors.New("usecase: classifier must not be nil")
	}
	if agents == nil {
		return nil, errors.New("usecase: agent invoker must not be nil")
	}
	return &Router{locks: locks, classifier: classifier, agents: agents}, nil
}

// Dispatch routes turn and returns the reply for the user. Agent failures
// are reported through RouteResult with a fallback reply; only store
// failures that prevent routing are returned as errors.
func (r *Router) Dispatch(ctx context.Context, turn domain.MergedTurn) (RouteResult, error) {
	if resetKeywords.MatchString(turn.Text()) {
		if err := r.locks.Release(ctx, turn.UserID); err != nil {
			return RouteResult{}, err
		}
		return RouteResult{Reply: ResetReply, Agent: domain.AgentNone, Reset: true, Released: true}, nil
	}

	agent, locked, err := r.locks.GetActiveAgent(ctx, turn.UserID)
	if err != nil {
		slog.Warn("lock read failed, routing as unlocked", "user_id", turn.UserID, "err", err)
		locked = false
	}
	if locked {
		slog.Debug("sticky route", "user_id", turn.UserID, "agent", agent)
	} else {
		agent = r.classifier.Classify(turn)
		if err := r.locks.Acquire(ctx, turn.UserID, agent); err != nil {
			return RouteResult{}, err
		}
	}

	reply, err := r.agents.Invoke(ctx, agent, turn)
	if err != nil {
		res := RouteResult{Reply: AgentFailureReply, Agent: agent, Failed: true}
		slog.Error("agent invocation failed", "user_id", turn.UserID, "agent", agent, "err", newError(ErrorAgentFailed, "agent_invoke_error", err))
		if isUnrecoverable(err) {
			if relErr := r.locks.Release(ctx, turn.UserID); relErr != nil {
				slog.Warn("failed to release lock after unrecoverable agent error", "user_id", turn.UserID, "err", relErr)
			} else {
				res.Released = true
			}
		}
		return res, nil
	}

	res := RouteResult{Reply: reply, Agent: agent}
	if completionPhrases.MatchString(reply) {
		if err := r.locks.Release(ctx, turn.UserID); err != nil {
			slog.Warn("failed to release lock after completed flow", "user_id", turn.UserID, "err", err)
		} else {
			res.Released = true
		}
	}
	return res, nil
}

type permanent interface {
	Permanent() bool
}

// isUnrecoverable reports whether retrying the same agent next turn is
// pointless: a client-side HTTP error other than timeout or rate limiting,
// or an error that declares itself permanent.
func isUnrecoverable(err error) bool {
	var p permanent
	if errors.As(err, &p) && p.Permanent() {
		return true
	}
	status, ok := upstreamStatusCode(err)
	if !ok {
		return false
	}
	return status >= 400 && status < 500 &&
		status != http.StatusRequestTimeout && status != http.StatusTooManyRequests
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}
