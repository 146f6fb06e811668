package eventbus

import "github.com/p-blackswan/agentcrew/internal/models"

// EventType is the wire discriminator of an outbound event.
type EventType string

const (
	EventNewMessage     EventType = "new_message"
	EventAgentUpdated   EventType = "agent_updated"
	EventProjectUpdated EventType = "project_updated"
	EventError          EventType = "error"
)

// Event is the envelope delivered to every sink.
type Event struct {
	Type    EventType       `json:"type"`
	Message *models.Message `json:"message,omitempty"`
	Agent   *models.Agent   `json:"agent,omitempty"`
	Project *models.Project `json:"project,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func NewMessage(m models.Message) Event {
	return Event{Type: EventNewMessage, Message: &m}
}

func AgentUpdated(a models.Agent) Event {
	return Event{Type: EventAgentUpdated, Agent: &a}
}

func ProjectUpdated(p models.Project) Event {
	// Snapshots are large and have their own endpoint.
	p.Snapshot = nil
	return Event{Type: EventProjectUpdated, Project: &p}
}

// ErrorEvent is sent to a single connection, never published.
func ErrorEvent(err error) Event {
	return Event{Type: EventError, Error: err.Error()}
}
