package openai

import (
	"strings"

	"medic-agent/internal/domain"
)

const imageOnlyText = "The user sent the attached images without a message."

func buildAgentMessages(systemPrompt string, turn domain.MergedTurn) []domain.ChatMessage {
	return []domain.ChatMessage{
		{Role: "system", Content: strings.TrimSpace(systemPrompt)},
		{Role: "user", Content: userContent(turn), ImageURLs: turn.Images},
	}
}

// userContent renders the text side of a merged turn. Audio references that
// were not transcribed are listed so the agent can ask the user to type.
func userContent(turn domain.MergedTurn) string {
	lines := make([]string, 0, len(turn.Texts)+len(turn.Audio))
	for _, t := range turn.Texts {
		if t = strings.TrimSpace(t); t != "" {
			lines = append(lines, t)
		}
	}
	for _, ref := range turn.Audio {
		lines = append(lines, "[Voice Message]: (not transcribed) "+ref)
	}
	if len(lines) == 0 && len(turn.Images) > 0 {
		return imageOnlyText
	}
	return strings.Join(lines, "\n")
}
