package openai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"medic-agent/internal/domain"
	"medic-agent/internal/integrations/paramstore"
)

// ErrUnknownAgent is returned when no prompt is configured for the requested
// agent. Retrying the same agent cannot succeed.
var ErrUnknownAgent error = permanentError("openai: no prompt configured for agent")

type permanentError string

func (e permanentError) Error() string   { return string(e) }
func (e permanentError) Permanent() bool { return true }

type ChatClient interface {
	Chat(ctx context.Context, model string, messages []domain.ChatMessage) (string, error)
}

// PathGetter loads parameters by name and by path.
// *paramstore.Client satisfies this interface.
type PathGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
	GetParametersByPath(ctx context.Context, path string) (map[string]string, error)
}

// AgentInvoker runs a merged turn against one of the specialized agents.
// Each agent is a system prompt stored in SSM under
// {prefix}/agents/{agent}/prompt; all agents share one model.
type AgentInvoker struct {
	chat          ChatClient
	params        PathGetter
	paramPrefix   string
	fallbackModel string

	cacheMu     sync.RWMutex
	cacheLoaded bool
	prompts     map[domain.AgentID]string
	model       string
}

// NewAgentInvoker creates an AgentInvoker. fallbackModel is used when
// {prefix}/config/openai_model is not set.
func NewAgentInvoker(chat ChatClient, params PathGetter, paramPrefix, fallbackModel string) (*AgentInvoker, error) {
	if chat == nil {
		return nil, errors.New("openai: chat client must not be nil")
	}
	if params == nil {
		return nil, errors.New("openai: param getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("openai: parameter prefix must not be empty")
	}
	return &AgentInvoker{
		chat:          chat,
		params:        params,
		paramPrefix:   paramPrefix,
		fallbackModel: strings.TrimSpace(fallbackModel),
	}, nil
}

func (a *AgentInvoker) Invoke(ctx context.Context, agent domain.AgentID, turn domain.MergedTurn) (string, error) {
	if err := a.ensureConfig(ctx); err != nil {
		return "", err
	}
	a.cacheMu.RLock()
	prompt, ok := a.prompts[agent]
	model := a.model
	a.cacheMu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w %q", ErrUnknownAgent, agent)
	}

	reply, err := a.chat.Chat(ctx, model, buildAgentMessages(prompt, turn))
	if err != nil {
		return "", fmt.Errorf("openai: invoke %s agent: %w", agent, err)
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return "", fmt.Errorf("openai: %s agent returned an empty reply", agent)
	}
	return reply, nil
}

func (a *AgentInvoker) ensureConfig(ctx context.Context) error {
	a.cacheMu.RLock()
	if a.cacheLoaded {
		a.cacheMu.RUnlock()
		return nil
	}
	a.cacheMu.RUnlock()

	a.cacheMu.Lock()
	defer a.cacheMu.Unlock()
	if a.cacheLoaded {
		return nil
	}

	prompts, model, err := a.loadSSMParams(ctx)
	if err != nil {
		return err
	}

	a.prompts = prompts
	a.model = model
	a.cacheLoaded = true
	return nil
}

func (a *AgentInvoker) loadSSMParams(ctx context.Context) (map[domain.AgentID]string, string, error) {
	agentsPath := a.paramPrefix + "/agents/"
	raw, err := a.params.GetParametersByPath(ctx, agentsPath)
	if err != nil {
		return nil, "", fmt.Errorf("openai: load agent prompts: %w", err)
	}

	prompts := make(map[domain.AgentID]string, len(domain.SpecializedAgents))
	for name, value := range raw {
		agentName, ok := strings.CutSuffix(strings.TrimPrefix(name, agentsPath), "/prompt")
		if !ok {
			continue
		}
		agent, err := domain.ParseAgentID(agentName)
		if err != nil || !agent.IsSpecialized() {
			continue
		}
		if strings.TrimSpace(value) != "" {
			prompts[agent] = value
		}
	}
	if len(prompts) == 0 {
		return nil, "", fmt.Errorf("openai: no agent prompts found under %s", agentsPath)
	}

	model, err := a.params.GetParameter(ctx, a.paramPrefix+"/config/openai_model")
	model = strings.TrimSpace(model)
	if err != nil || model == "" {
		if a.fallbackModel == "" {
			return nil, "", fmt.Errorf("openai: load openai model: %w", err)
		}
		if err != nil && !errors.Is(err, paramstore.ErrNotFound) {
			slog.Warn("openai model parameter unreadable, using fallback", "model", a.fallbackModel, "err", err)
		}
		model = a.fallbackModel
	}
	return prompts, model, nil
}
