package domain

import "fmt"

// AgentID names the specialized conversational handler that owns a
// conversation. AgentNone means no agent holds the lock.
type AgentID string

const (
	AgentNone       AgentID = "none"
	AgentScheduling AgentID = "scheduling"
	AgentEnglish    AgentID = "english"
	AgentGerman     AgentID = "german"
	AgentSpanish    AgentID = "spanish"
	AgentImage      AgentID = "image"
)

// SpecializedAgents lists every agent that can hold a conversation lock.
var SpecializedAgents = []AgentID{
	AgentScheduling,
	AgentEnglish,
	AgentGerman,
	AgentSpanish,
	AgentImage,
}

// ParseAgentID maps a stored agent name onto the closed AgentID set.
// An empty string is treated as AgentNone.
func ParseAgentID(s string) (AgentID, error) {
	switch AgentID(s) {
	case "", AgentNone:
		return AgentNone, nil
	case AgentScheduling, AgentEnglish, AgentGerman, AgentSpanish, AgentImage:
		return AgentID(s), nil
	default:
		return AgentNone, fmt.Errorf("domain: unknown agent %q", s)
	}
}

// IsSpecialized reports whether a is a lock-holding agent rather than AgentNone.
func (a AgentID) IsSpecialized() bool {
	switch a {
	case AgentScheduling, AgentEnglish, AgentGerman, AgentSpanish, AgentImage:
		return true
	default:
		return false
	}
}

func (a AgentID) String() string {
	return string(a)
}
