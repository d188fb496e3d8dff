package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fathomlabs/fathom/pkg/llm"
	"github.com/fathomlabs/fathom/pkg/models"
	"github.com/fathomlabs/fathom/pkg/workspace"
)

const viewImageSchema = `{
	"type": "object",
	"properties": {
		"imagePath": {"type": "string", "description": "Image path relative to your working directory, e.g. charts/chart_1.png"},
		"question": {"type": "string", "description": "What you want to know about the image"},
		"description": {"type": "string", "description": "One sentence on why you are viewing this image"}
	},
	"required": ["imagePath", "description"]
}`

// AttachFunc receives a decoded image so the owning agent can append a
// multimodal user message to its conversation.
type AttachFunc func(img llm.ImageData, text string)

// ViewImage loads an image from the agent directory into the agent's chat
// history so the model can inspect it on the next turn.
type ViewImage struct {
	resolve Resolver
	attach  AttachFunc
}

// NewViewImage builds the view_image tool for one agent.
func NewViewImage(resolve Resolver, attach AttachFunc) *ViewImage {
	return &ViewImage{resolve: resolve, attach: attach}
}

type viewImageInput struct {
	ImagePath   string `json:"imagePath"`
	Question    string `json:"question"`
	Description string `json:"description"`
}

type viewImageOutput struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (t *ViewImage) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:             NameViewImage,
		Description:      "Look at an image file, such as a chart you generated, to verify or analyse it.",
		ParametersSchema: viewImageSchema,
	}
}

func (t *ViewImage) Execute(ctx context.Context, arguments string) (json.RawMessage, error) {
	var in viewImageInput
	if err := llm.DecodeArguments(arguments, &in); err != nil {
		return nil, models.NewToolError(models.ErrValidationFailed,
			fmt.Sprintf("invalid view_image arguments: %s", err),
			"Provide valid JSON arguments with an imagePath.", true)
	}
	if in.ImagePath == "" {
		return nil, models.NewToolError(models.ErrValidationFailed,
			"imagePath is required", "Provide the path of the image to view.", true)
	}

	var mediaType string
	switch strings.ToLower(filepath.Ext(in.ImagePath)) {
	case ".png":
		mediaType = "image/png"
	case ".jpg", ".jpeg":
		mediaType = "image/jpeg"
	default:
		return nil, models.NewToolError(models.ErrValidationFailed,
			fmt.Sprintf("unsupported image format %q", filepath.Ext(in.ImagePath)),
			"Only PNG and JPEG images can be viewed.", false)
	}

	abs, err := t.resolve(in.ImagePath)
	if err != nil {
		if errors.Is(err, workspace.ErrPathEscape) {
			return nil, models.NewToolError(models.ErrFileAccessDenied,
				fmt.Sprintf("path %q escapes the working directory", in.ImagePath),
				"Use a relative path inside your working directory.", false)
		}
		return nil, models.NewToolError(models.ErrFileAccessDenied,
			fmt.Sprintf("could not resolve path %q: %s", in.ImagePath, err),
			"Use a relative path inside your working directory.", false)
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, models.NewToolError(models.ErrImageNotFound,
				fmt.Sprintf("image %q does not exist", in.ImagePath),
				"Check the path; charts are saved under charts/.", true)
		}
		return nil, fmt.Errorf("failed to read image %s: %w", in.ImagePath, err)
	}

	text := fmt.Sprintf("Here is the image %q.", in.ImagePath)
	if q := strings.TrimSpace(in.Question); q != "" {
		text += " " + q
	} else {
		text += " Describe what it shows, including any figures and trends."
	}
	t.attach(llm.ImageData{MediaType: mediaType, Data: data}, text)

	return json.Marshal(viewImageOutput{
		Path:    in.ImagePath,
		Message: "Image attached to the conversation; it will be visible on your next turn.",
	})
}
