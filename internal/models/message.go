package models

import "time"

// MessageKind tells user-authored and agent-authored messages apart.
type MessageKind string

const (
	MessageUser          MessageKind = "user"
	MessageAgentResponse MessageKind = "ai_response"
)

// Message is an immutable entry of a project's conversation.
type Message struct {
	ID        int64          `json:"id"`
	ProjectID int64          `json:"projectId"`
	AgentID   *int64         `json:"agentId"`
	Content   string         `json:"content"`
	Kind      MessageKind    `json:"type"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// NewMessage is the input for appending a message.
type NewMessage struct {
	ProjectID int64
	AgentID   *int64
	Content   string
	Kind      MessageKind
	Metadata  map[string]any
}
