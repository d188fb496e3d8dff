package tools

import (
	"fmt"
	"sync"

	"github.com/fathomlabs/fathom/pkg/models"
)

// MaxConsecutiveFailures disables a tool for the rest of the agent's run
// once it fails this many times in a row.
const MaxConsecutiveFailures = 3

// Default per-tool call limits for one sub-agent.
func DefaultBudgets() map[string]int {
	return map[string]int{
		NameWebSearch:       20,
		NameFile:            15,
		NameCodeInterpreter: 5,
		NameViewImage:       5,
	}
}

// Budget enforces per-tool call limits for a single sub-agent. A call slot
// is consumed at dispatch time regardless of outcome; consecutive failures
// additionally disable the tool. Tools without a limit entry are unlimited
// but still subject to the consecutive-failure cutoff.
type Budget struct {
	mu          sync.Mutex
	limits      map[string]int
	calls       map[string]int
	consecutive map[string]int
}

// NewBudget creates a budget with the given limits. Pass DefaultBudgets()
// for the standard sub-agent configuration.
func NewBudget(limits map[string]int) *Budget {
	cp := make(map[string]int, len(limits))
	for name, n := range limits {
		cp[name] = n
	}
	return &Budget{
		limits:      cp,
		calls:       make(map[string]int),
		consecutive: make(map[string]int),
	}
}

// Admit checks whether the tool may be called and consumes one slot.
// It returns a TOOL_CALL_LIMIT_REACHED error when the budget is exhausted
// or the tool has been disabled by consecutive failures.
func (b *Budget) Admit(tool string) *models.ToolError {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.consecutive[tool] >= MaxConsecutiveFailures {
		return models.NewToolError(models.ErrToolCallLimitReached,
			fmt.Sprintf("the %s tool was disabled after %d consecutive failures", tool, MaxConsecutiveFailures),
			"Stop using this tool. Wrap up with the information you already have and write your findings to results.md.",
			false)
	}
	if limit, ok := b.limits[tool]; ok && b.calls[tool] >= limit {
		return models.NewToolError(models.ErrToolCallLimitReached,
			fmt.Sprintf("the %s tool has reached its limit of %d calls", tool, limit),
			"Wrap up with the information you already have and write your findings to results.md.",
			false)
	}
	b.calls[tool]++
	return nil
}

// RecordSuccess resets the tool's consecutive-failure counter.
func (b *Budget) RecordSuccess(tool string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive[tool] = 0
}

// RecordFailure bumps the tool's consecutive-failure counter.
func (b *Budget) RecordFailure(tool string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive[tool]++
}

// Calls returns how many slots the tool has consumed.
func (b *Budget) Calls(tool string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[tool]
}
