package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/fathomlabs/fathom/pkg/llm"
	"github.com/fathomlabs/fathom/pkg/models"
	"github.com/fathomlabs/fathom/pkg/workspace"
)

const fileSchema = `{
	"type": "object",
	"properties": {
		"operation": {"type": "string", "enum": ["read", "write", "append"], "description": "What to do with the file"},
		"path": {"type": "string", "description": "File path relative to your working directory"},
		"content": {"type": "string", "description": "Content for write and append operations"},
		"description": {"type": "string", "description": "One sentence on why you are touching this file"}
	},
	"required": ["operation", "path", "description"]
}`

// Resolver maps a tool-supplied path to a canonical absolute path,
// enforcing containment.
type Resolver func(path string) (string, error)

// File reads, writes and appends files inside a confined directory.
type File struct {
	resolve  Resolver
	allowed  []string // exact relative paths; nil allows any contained path
	unescape bool
}

// NewAgentFile builds the sub-agent file tool: paths restricted to exactly
// worklog.md and results.md, with literal \n and \t sequences in content
// converted to real characters before writing.
func NewAgentFile(ws *workspace.Manager, sessionID, agentID string) *File {
	return &File{
		resolve: func(p string) (string, error) {
			return ws.ResolveAgent(sessionID, agentID, p)
		},
		allowed:  []string{workspace.WorklogFile, workspace.ResultsFile},
		unescape: true,
	}
}

// NewSessionFile builds the orchestrator file tool, scoped to the whole
// session directory.
func NewSessionFile(ws *workspace.Manager, sessionID string) *File {
	return &File{
		resolve: func(p string) (string, error) {
			return ws.ResolveSession(sessionID, p)
		},
	}
}

type fileInput struct {
	Operation   string `json:"operation"`
	Path        string `json:"path"`
	Content     string `json:"content"`
	Description string `json:"description"`
}

type fileOutput struct {
	Path      string `json:"path"`
	Operation string `json:"operation"`
	Content   string `json:"content,omitempty"`
	Size      int    `json:"size"`
}

func (t *File) Definition() llm.ToolDefinition {
	desc := "Read, write or append a file in the session directory."
	if t.allowed != nil {
		desc = "Read, write or append your worklog.md or results.md."
	}
	return llm.ToolDefinition{
		Name:             NameFile,
		Description:      desc,
		ParametersSchema: fileSchema,
	}
}

func (t *File) Execute(ctx context.Context, arguments string) (json.RawMessage, error) {
	var in fileInput
	if err := llm.DecodeArguments(arguments, &in); err != nil {
		return nil, models.NewToolError(models.ErrValidationFailed,
			fmt.Sprintf("invalid file arguments: %s", err),
			"Provide valid JSON arguments with operation and path.", true)
	}
	if in.Path == "" {
		return nil, models.NewToolError(models.ErrValidationFailed,
			"path is required", "Provide a file path.", true)
	}

	if t.allowed != nil && !slices.Contains(t.allowed, filepath.Clean(in.Path)) {
		return nil, models.NewToolError(models.ErrFileAccessDenied,
			fmt.Sprintf("access to %q is not allowed", in.Path),
			fmt.Sprintf("You may only access these files: %s.", strings.Join(t.allowed, ", ")), false)
	}

	abs, err := t.resolve(in.Path)
	if err != nil {
		if errors.Is(err, workspace.ErrPathEscape) {
			return nil, models.NewToolError(models.ErrFileAccessDenied,
				fmt.Sprintf("path %q escapes the working directory", in.Path),
				"Use a relative path inside your working directory.", false)
		}
		return nil, models.NewToolError(models.ErrFileAccessDenied,
			fmt.Sprintf("could not resolve path %q: %s", in.Path, err),
			"Use a relative path inside your working directory.", false)
	}

	switch in.Operation {
	case "read":
		return t.read(in.Path, abs)
	case "write":
		return t.write(in, abs, false)
	case "append":
		return t.write(in, abs, true)
	default:
		return nil, models.NewToolError(models.ErrValidationFailed,
			fmt.Sprintf("unknown operation %q", in.Operation),
			"Use one of: read, write, append.", true)
	}
}

func (t *File) read(path, abs string) (json.RawMessage, error) {
	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, models.NewToolError(models.ErrFileNotFound,
				fmt.Sprintf("file %q does not exist", path),
				"Write the file first, or check the path.", false)
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return json.Marshal(fileOutput{
		Path:      path,
		Operation: "read",
		Content:   string(data),
		Size:      len(data),
	})
}

func (t *File) write(in fileInput, abs string, appendMode bool) (json.RawMessage, error) {
	content := in.Content
	if t.unescape {
		content = unescapeContent(content)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create parent directory for %s: %w", in.Path, err)
	}

	if appendMode {
		f, err := os.OpenFile(abs, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s for append: %w", in.Path, err)
		}
		if _, err := f.WriteString(content); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to append to %s: %w", in.Path, err)
		}
		if err := f.Close(); err != nil {
			return nil, fmt.Errorf("failed to append to %s: %w", in.Path, err)
		}
	} else {
		if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", in.Path, err)
		}
	}

	op := "write"
	if appendMode {
		op = "append"
	}
	return json.Marshal(fileOutput{
		Path:      in.Path,
		Operation: op,
		Size:      len(content),
	})
}

// unescapeContent converts literal \n and \t sequences, which models often
// emit instead of real control characters, into newlines and tabs.
func unescapeContent(s string) string {
	return strings.NewReplacer(`\n`, "\n", `\t`, "\t").Replace(s)
}
