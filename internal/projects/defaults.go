package projects

import (
	"encoding/json"

	"github.com/p-blackswan/agentcrew/internal/models"
)

// DefaultTasksTotal is the task target every new agent starts with.
const DefaultTasksTotal = 10

type rosterEntry struct {
	role    models.Role
	context string
	rules   []string
	params  models.GenerationParams
}

var roster = []rosterEntry{
	{
		role:    models.RoleCoordinator,
		context: "You are the Architect coordinating a team of four specialist agents. Focus on organization, planning and clear communication of goals.",
		rules:   []string{"reportProgress", "validateWithQA", "summarizeDecisions"},
		params:  models.GenerationParams{Temperature: 0.7, MaxOutputTokens: 4096},
	},
	{
		role:    models.RoleFrontend,
		context: "You build user interfaces with React, TypeScript and Tailwind CSS. Always follow the provided style guide.",
		rules:   []string{"followStyleGuide", "useReact", "useTailwind"},
		params:  models.GenerationParams{Temperature: 0.6, MaxOutputTokens: 3000},
	},
	{
		role:    models.RoleBackend,
		context: "You build APIs and server logic backed by relational databases.",
		rules:   []string{"followRESTPatterns", "validateInputs", "documentEndpoints"},
		params:  models.GenerationParams{Temperature: 0.5, MaxOutputTokens: 3000},
	},
	{
		role:    models.RoleQA,
		context: "You own software quality, automated tests and code validation. Always review code before approving it.",
		rules:   []string{"reviewAllCode", "suggestTests", "checkBugs"},
		params:  models.GenerationParams{Temperature: 0.3, MaxOutputTokens: 2000},
	},
	{
		role:    models.RoleOps,
		context: "You own documentation, deployment and project organization. Keep the documentation current.",
		rules:   []string{"maintainDocs", "organizeFiles", "createREADME"},
		params:  models.GenerationParams{Temperature: 0.4, MaxOutputTokens: 2000},
	},
}

// DefaultAgents returns the five agents created with every project.
func DefaultAgents(projectID int64) []models.Agent {
	out := make([]models.Agent, 0, len(roster))
	for _, e := range roster {
		rules := make(map[string]bool, len(e.rules))
		for _, r := range e.rules {
			rules[r] = true
		}
		out = append(out, models.Agent{
			ProjectID:  projectID,
			Name:       e.role.DisplayName(),
			Role:       e.role,
			Status:     models.StatusAvailable,
			TasksTotal: DefaultTasksTotal,
			Context:    e.context,
			Rules:      rules,
			Params:     e.params,
		})
	}
	return out
}

var defaultFolders = []string{
	"client",
	"client/src",
	"client/src/components",
	"client/src/pages",
	"server",
	"server/services",
	"shared",
	"docs",
}

// DefaultTree returns the initial file tree of a project.
func DefaultTree(p models.Project) []models.ProjectFile {
	var out []models.ProjectFile
	for _, path := range defaultFolders {
		out = append(out, newNode(p.ID, path, models.FileKindFolder, ""))
	}

	readme := "# " + p.Name + "\n"
	if p.Description != "" {
		readme += "\n" + p.Description + "\n"
	}
	out = append(out, newNode(p.ID, "README.md", models.FileKindFile, readme))

	agents := make(map[string]bool, len(roster))
	for _, e := range roster {
		agents[string(e.role)] = true
	}
	state, _ := json.MarshalIndent(map[string]any{
		"version":     "1.0",
		"projectName": p.Name,
		"initialized": true,
		"agents":      agents,
	}, "", "  ")
	out = append(out, newNode(p.ID, "project_state.json", models.FileKindFile, string(state)))
	return out
}
