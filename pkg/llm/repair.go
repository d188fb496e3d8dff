package llm

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// DecodeArguments unmarshals a tool call's argument JSON into out. Models
// occasionally emit malformed JSON (truncated strings, single quotes,
// trailing commas); on a parse failure the raw text is run through a repair
// pass before giving up. Empty arguments decode as an empty object.
func DecodeArguments(raw string, out any) error {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		trimmed = "{}"
	}

	firstErr := json.Unmarshal([]byte(trimmed), out)
	if firstErr == nil {
		return nil
	}

	repaired, repairErr := jsonrepair.JSONRepair(trimmed)
	if repairErr != nil {
		return fmt.Errorf("invalid tool arguments: %w", firstErr)
	}
	if err := json.Unmarshal([]byte(repaired), out); err != nil {
		return fmt.Errorf("invalid tool arguments after repair: %w", err)
	}
	slog.Debug("Repaired malformed tool arguments", "original_len", len(trimmed), "repaired_len", len(repaired))
	return nil
}
