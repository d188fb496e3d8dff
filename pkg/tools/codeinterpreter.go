package tools

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fathomlabs/fathom/pkg/llm"
	"github.com/fathomlabs/fathom/pkg/models"
	"github.com/fathomlabs/fathom/pkg/sandbox"
)

const codeInterpreterSchema = `{
	"type": "object",
	"properties": {
		"code": {"type": "string", "description": "Python source to execute. Use matplotlib for charts; figures are captured automatically."},
		"purpose": {"type": "string", "description": "What this code is meant to compute or produce"},
		"outputFile": {"type": "string", "description": "Preferred filename for the first generated chart (extension optional)"},
		"description": {"type": "string", "description": "One sentence on why you are running this code"}
	},
	"required": ["code", "description"]
}`

// matplotlib wrapping applied around every submission. The prologue pins a
// headless backend and DPI; the epilogue flushes figures so the sandbox
// captures them, then closes them so state never leaks between runs.
const (
	codePrologue = `import matplotlib
matplotlib.use('Agg')
import matplotlib.pyplot as plt
plt.rcParams['figure.dpi'] = 100
`
	codeEpilogue = `
if plt.get_fignums():
    plt.show()
    plt.close('all')
`
)

const savedImageNotice = "[image saved to disk]"

// CodeInterpreter runs Python in the sandbox and captures generated charts
// to the agent's charts directory. Image bytes never travel back to the
// model; results reference files by relative path only.
type CodeInterpreter struct {
	sandbox   sandbox.Provider
	chartsDir string // absolute charts directory of the owning agent
	timeout   time.Duration
	logger    *slog.Logger
}

// NewCodeInterpreter builds the code_interpreter tool for one agent.
func NewCodeInterpreter(provider sandbox.Provider, chartsDir string, timeout time.Duration) *CodeInterpreter {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CodeInterpreter{
		sandbox:   provider,
		chartsDir: chartsDir,
		timeout:   timeout,
		logger:    slog.Default().With("component", "code_interpreter"),
	}
}

type codeInput struct {
	Code        string `json:"code"`
	Purpose     string `json:"purpose"`
	OutputFile  string `json:"outputFile"`
	Description string `json:"description"`
}

type codeResultEntry struct {
	Type    string `json:"type"` // image, text or html
	Path    string `json:"path,omitempty"`
	Content string `json:"content"`
	Size    int64  `json:"size,omitempty"`
}

type codeOutput struct {
	Results []codeResultEntry `json:"results"`
	Stdout  []string          `json:"stdout,omitempty"`
	Stderr  []string          `json:"stderr,omitempty"`
}

func (t *CodeInterpreter) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:             NameCodeInterpreter,
		Description:      "Execute Python code in a sandbox. Matplotlib charts are saved under charts/ and returned as file references.",
		ParametersSchema: codeInterpreterSchema,
	}
}

func (t *CodeInterpreter) Execute(ctx context.Context, arguments string) (json.RawMessage, error) {
	var in codeInput
	if err := llm.DecodeArguments(arguments, &in); err != nil {
		return nil, models.NewToolError(models.ErrValidationFailed,
			fmt.Sprintf("invalid code_interpreter arguments: %s", err),
			"Provide valid JSON arguments with the code to run.", true)
	}
	if strings.TrimSpace(in.Code) == "" {
		return nil, models.NewToolError(models.ErrValidationFailed,
			"code is required", "Provide the Python source to execute.", true)
	}
	if looksLikeJavaScript(in.Code) {
		return nil, models.NewToolError(models.ErrValidationFailed,
			"JavaScript is not supported; write Python instead",
			"Rewrite the code in Python and run it again.", true)
	}

	wrapped := codePrologue + in.Code + codeEpilogue
	exec, err := t.sandbox.RunPython(ctx, wrapped, t.timeout)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, sandboxToolError(err, t.timeout)
	}
	if exec.Error != nil {
		return nil, models.NewToolError(models.ErrCodeExecutionFailed,
			fmt.Sprintf("%s: %s", exec.Error.Name, exec.Error.Value),
			"Fix the Python error and run the code again.", true)
	}

	out := codeOutput{
		Results: []codeResultEntry{},
		Stdout:  exec.Logs.Stdout,
		Stderr:  exec.Logs.Stderr,
	}
	saved := 0
	for _, r := range exec.Results {
		switch {
		case r.PNG != "":
			entry, err := t.saveImage(r.PNG, ".png", in.OutputFile, &saved)
			if err != nil {
				return nil, err
			}
			out.Results = append(out.Results, entry)
		case r.JPEG != "":
			entry, err := t.saveImage(r.JPEG, ".jpg", in.OutputFile, &saved)
			if err != nil {
				return nil, err
			}
			out.Results = append(out.Results, entry)
		case r.Text != "":
			out.Results = append(out.Results, codeResultEntry{Type: "text", Content: r.Text})
		case r.HTML != "":
			out.Results = append(out.Results, codeResultEntry{Type: "html", Content: truncateText(r.HTML, 2000)})
		}
	}
	return json.Marshal(out)
}

// saveImage decodes one captured figure and writes it under charts/. The
// first image takes the caller-supplied name when given; the rest are
// numbered chart_N with the extension matching their format.
func (t *CodeInterpreter) saveImage(b64, ext, outputFile string, saved *int) (codeResultEntry, error) {
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return codeResultEntry{}, models.NewToolError(models.ErrCodeSandboxError,
			"the sandbox returned an unreadable image payload",
			"Run the code again.", true)
	}

	*saved++
	name := fmt.Sprintf("chart_%d%s", *saved, ext)
	if outputFile != "" && *saved == 1 {
		name = chartName(outputFile, ext)
	}

	if err := os.MkdirAll(t.chartsDir, 0o755); err != nil {
		return codeResultEntry{}, fmt.Errorf("failed to create charts directory: %w", err)
	}
	abs := filepath.Join(t.chartsDir, name)
	if err := os.WriteFile(abs, data, 0o644); err != nil {
		return codeResultEntry{}, fmt.Errorf("failed to save chart: %w", err)
	}
	t.logger.Debug("Saved chart", "file", name, "bytes", len(data))

	return codeResultEntry{
		Type:    "image",
		Path:    filepath.Join("charts", name),
		Content: savedImageNotice,
		Size:    int64(len(data)),
	}, nil
}

// chartName sanitises a caller-supplied filename and forces the extension
// to match the actual image format.
func chartName(outputFile, ext string) string {
	name := filepath.Base(filepath.Clean(outputFile))
	if name == "." || name == ".." || name == string(filepath.Separator) {
		return "chart_1" + ext
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png", ".jpg", ".jpeg":
		return name
	}
	return name + ext
}

// sandboxToolError maps transport failures onto the tool error taxonomy.
func sandboxToolError(err error, timeout time.Duration) *models.ToolError {
	switch {
	case errors.Is(err, sandbox.ErrTimeout):
		return models.NewToolError(models.ErrCodeExecutionTimeout,
			fmt.Sprintf("code execution exceeded the %s limit", timeout),
			"Simplify the code or process less data, then run it again.", true)
	case errors.Is(err, sandbox.ErrUnavailable):
		return models.NewToolError(models.ErrCodeSandboxError,
			"the code sandbox is unavailable",
			"Try again shortly, or continue your research without code execution.", true)
	default:
		return models.NewToolError(models.ErrCodeExecutionFailed,
			fmt.Sprintf("code execution failed: %s", err),
			"Fix the code and run it again.", true)
	}
}

// looksLikeJavaScript flags submissions that are clearly JavaScript rather
// than Python. The markers are all invalid Python syntax.
func looksLikeJavaScript(code string) bool {
	for _, marker := range []string{"console.log(", "document.", "=>"} {
		if strings.Contains(code, marker) {
			return true
		}
	}
	return false
}
