package domain

// ChatMessage is the provider-agnostic chat message shape used by the agent
// integrations. ImageURLs are only honoured on user messages.
type ChatMessage struct {
	Role      string   `json:"role"`
	Content   string   `json:"content"`
	ImageURLs []string `json:"-"`
}
