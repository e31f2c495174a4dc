// ABOUTME: Conversation turns and work modules held in a run's team state
// ABOUTME: Tool results may be compacted into knowledge base references

package run

import (
	"fmt"
	"time"
)

// Turn is one entry of a run's conversation.
type Turn struct {
	TurnID      string       `json:"turn_id"`
	AgentID     string       `json:"agent_id,omitempty"`
	Role        string       `json:"role"`
	Content     string       `json:"content"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// ToolResult is the output of one tool call inside a turn. When KBRef is set
// the content has been compacted into the knowledge base and must be
// hydrated before display.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name"`
	Content    string `json:"content,omitempty"`
	KBRef      string `json:"kb_ref,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`
}

// Compacted reports whether the result still needs hydration.
func (r ToolResult) Compacted() bool {
	return r.KBRef != "" && r.Content == ""
}

// CloneTurns deep-copies turns so callers can hand them to other goroutines.
func CloneTurns(turns []Turn) []Turn {
	out := make([]Turn, len(turns))
	for i, t := range turns {
		out[i] = t
		if t.ToolResults != nil {
			out[i].ToolResults = append([]ToolResult(nil), t.ToolResults...)
		}
	}
	return out
}

// WorkModuleStatus is the lifecycle state of a work module.
type WorkModuleStatus string

const (
	WorkModulePending       WorkModuleStatus = "pending"
	WorkModuleOngoing       WorkModuleStatus = "ongoing"
	WorkModulePendingReview WorkModuleStatus = "pending_review"
	WorkModuleCompleted     WorkModuleStatus = "completed"
	WorkModuleDeprecated    WorkModuleStatus = "deprecated"
)

// ParseWorkModuleStatus validates a status string.
func ParseWorkModuleStatus(s string) (WorkModuleStatus, error) {
	switch st := WorkModuleStatus(s); st {
	case WorkModulePending, WorkModuleOngoing, WorkModulePendingReview, WorkModuleCompleted, WorkModuleDeprecated:
		return st, nil
	default:
		return "", fmt.Errorf("unknown work module status %q", s)
	}
}

// WorkModule is a unit of planned work tracked in team state.
type WorkModule struct {
	ModuleID    string           `json:"module_id"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Status      WorkModuleStatus `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}
