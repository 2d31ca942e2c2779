package pipeline

import (
	"slices"

	"github.com/ameliahq/amelia/engine/driver"
)

// Canonical tool names offered to agents. Profiles narrow the set
// through AllowedTools; subprocess drivers treat the result as an
// allowlist for their own tooling.
const (
	ToolReadFile   = "read_file"
	ToolWriteFile  = "write_file"
	ToolEditFile   = "edit_file"
	ToolListFiles  = "list_files"
	ToolSearchCode = "search_code"
	ToolRunCommand = "run_command"
)

var toolCatalog = map[string]driver.ToolSpec{
	ToolReadFile: {
		Name:        ToolReadFile,
		Description: "Read a file from the worktree",
		Schema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"path": map[string]any{"type": "string"}},
			"required":   []string{"path"},
		},
	},
	ToolWriteFile: {
		Name:        ToolWriteFile,
		Description: "Create or overwrite a file in the worktree",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":    map[string]any{"type": "string"},
				"content": map[string]any{"type": "string"},
			},
			"required": []string{"path", "content"},
		},
	},
	ToolEditFile: {
		Name:        ToolEditFile,
		Description: "Replace an exact text span in a worktree file",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{"type": "string"},
				"old":  map[string]any{"type": "string"},
				"new":  map[string]any{"type": "string"},
			},
			"required": []string{"path", "old", "new"},
		},
	},
	ToolListFiles: {
		Name:        ToolListFiles,
		Description: "List files under a worktree directory",
		Schema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"path": map[string]any{"type": "string"}},
		},
	},
	ToolSearchCode: {
		Name:        ToolSearchCode,
		Description: "Search worktree files for a pattern",
		Schema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"pattern": map[string]any{"type": "string"}},
			"required":   []string{"pattern"},
		},
	},
	ToolRunCommand: {
		Name:        ToolRunCommand,
		Description: "Run a shell command in the worktree",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{"type": "string"},
				"cwd":     map[string]any{"type": "string"},
			},
			"required": []string{"command"},
		},
	},
}

// agentTools returns the toolset for an agent role, filtered by the
// profile's allowlist. The architect and reviewer get read-only access;
// the reviewer may additionally run commands to verify the work.
func agentTools(agent string, allowed []string) []driver.ToolSpec {
	var names []string
	switch agent {
	case NodeArchitect:
		names = []string{ToolReadFile, ToolListFiles, ToolSearchCode}
	case NodeReviewer:
		names = []string{ToolReadFile, ToolListFiles, ToolSearchCode, ToolRunCommand}
	default:
		names = []string{ToolReadFile, ToolWriteFile, ToolEditFile, ToolListFiles, ToolSearchCode, ToolRunCommand}
	}
	return filterTools(names, allowed)
}

// stepTools returns the toolset a step's action type needs, filtered by
// the profile's allowlist.
func stepTools(st Step, allowed []string) []driver.ToolSpec {
	var names []string
	switch st.ActionType {
	case ActionCode:
		names = []string{ToolReadFile, ToolWriteFile, ToolEditFile, ToolListFiles, ToolSearchCode}
	case ActionCommand, ActionValidation:
		names = []string{ToolRunCommand, ToolReadFile}
	}
	return filterTools(names, allowed)
}

func filterTools(names, allowed []string) []driver.ToolSpec {
	specs := make([]driver.ToolSpec, 0, len(names))
	for _, n := range names {
		if len(allowed) > 0 && !slices.Contains(allowed, n) {
			continue
		}
		specs = append(specs, toolCatalog[n])
	}
	return specs
}
