package models

import "time"

// ProjectStatus is the lifecycle state of a project.
type ProjectStatus string

const (
	ProjectActive    ProjectStatus = "active"
	ProjectPaused    ProjectStatus = "paused"
	ProjectCompleted ProjectStatus = "completed"
)

// Project is a shared workspace the agents collaborate on.
type Project struct {
	ID              int64         `json:"id"`
	Name            string        `json:"name"`
	Description     string        `json:"description,omitempty"`
	Status          ProjectStatus `json:"status"`
	TokensUsed      int           `json:"tokensUsed"`
	TokensRemaining int           `json:"tokensRemaining"`
	Snapshot        *Snapshot     `json:"snapshot,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
	UpdatedAt       time.Time     `json:"updatedAt"`
}

// ChargeTokens records usage and clamps the remaining budget at zero.
func (p *Project) ChargeTokens(n int) {
	if n <= 0 {
		return
	}
	p.TokensUsed += n
	p.TokensRemaining -= n
	if p.TokensRemaining < 0 {
		p.TokensRemaining = 0
	}
}

// Snapshot is a point-in-time copy of a project's state, captured on pause.
type Snapshot struct {
	Timestamp time.Time     `json:"timestamp"`
	Agents    []Agent       `json:"agents"`
	Messages  []Message     `json:"messages"`
	Files     []ProjectFile `json:"files"`
	Context   string        `json:"context,omitempty"`
}

// FileKind distinguishes files from folders in the project tree.
type FileKind string

const (
	FileKindFile   FileKind = "file"
	FileKindFolder FileKind = "folder"
)

// ProjectFile is one node of the project's file tree.
type ProjectFile struct {
	ID        int64     `json:"id"`
	ProjectID int64     `json:"projectId"`
	Path      string    `json:"path"`
	Name      string    `json:"name"`
	Content   string    `json:"content,omitempty"`
	Kind      FileKind  `json:"type"`
	Size      int       `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
