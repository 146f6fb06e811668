package realtime

import "encoding/json"

// Inbound frame types.
const (
	FrameJoinProject = "join_project"
	FrameSendMessage = "send_message"
)

// inbound is a frame received from a client.
type inbound struct {
	Type      string `json:"type"`
	ProjectID int64  `json:"projectId,omitempty"`
	Content   string `json:"content,omitempty"`
}

func parseInbound(data []byte) (inbound, error) {
	var in inbound
	err := json.Unmarshal(data, &in)
	return in, err
}
