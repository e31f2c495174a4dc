// ABOUTME: Run status values, run type table, and collaborator interfaces
// ABOUTME: Flow runners talk to clients only through the Emitter interface

package run

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusCreated       Status = "CREATED"
	StatusAwaitingInput Status = "AWAITING_INPUT"
	StatusRunning       Status = "RUNNING"
	StatusCompleted     Status = "COMPLETED"
	StatusError         Status = "ERROR"
	StatusCancelled     Status = "CANCELLED"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusCancelled:
		return true
	default:
		return false
	}
}

// PartnerContext is the name of the partner sub-context of composite runs.
const PartnerContext = "partner"

// State keys of the partner sub-context.
const (
	StateIsPrincipalFlowRunning = "is_principal_flow_running"
)

// TypePartnerInteraction is the composite run type with a live partner loop.
const TypePartnerInteraction = "partner_interaction"

// TypeStandard is a single-agent run type.
const TypeStandard = "standard"

// ErrUnknownRunType is returned for run types not in the table.
var ErrUnknownRunType = errors.New("unknown run type")

// TypeSpec describes how a run type is built and driven.
type TypeSpec struct {
	Name string
	// Composite runs carry a partner sub-context that receives user prompts
	// and need their flow running as soon as they are resumed.
	Composite bool
	// Profiles lists the profile names seeded into a new run's config.
	Profiles []string
}

var typeSpecs = map[string]TypeSpec{
	TypePartnerInteraction: {
		Name:      TypePartnerInteraction,
		Composite: true,
		Profiles:  []string{"Partner", "Principal"},
	},
	TypeStandard: {
		Name:     TypeStandard,
		Profiles: []string{"Assistant"},
	},
}

// LookupType returns the definition of a run type.
func LookupType(name string) (TypeSpec, error) {
	rt, ok := typeSpecs[name]
	if !ok {
		return TypeSpec{}, ErrUnknownRunType
	}
	return rt, nil
}

// Meta is the identifying metadata of a run.
type Meta struct {
	RunID      string    `json:"run_id"`
	RunType    string    `json:"run_type"`
	Status     Status    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	SourcePath string    `json:"source_path,omitempty"`
	ProjectID  string    `json:"project_id,omitempty"`
}

// Emitter is the event surface a flow runner uses to reach the client that
// owns the run. Implementations never fail; a disconnected emitter drops
// events.
type Emitter interface {
	EmitLLMStreamStarted(runID, agentID, streamID string)
	EmitLLMChunk(runID, agentID, streamID, chunk string)
	EmitLLMStreamEnded(runID, agentID, streamID string)
	EmitLLMStreamFailed(runID, agentID, streamID, reason string)
	EmitLLMResponse(runID, agentID, content string)
	EmitLLMRequestParams(runID, agentID string, params map[string]any)
	EmitTurnCompleted(runID string, turn Turn)
	EmitWorkModuleUpdated(runID string, module WorkModule)
	EmitResource(runID string, resource map[string]any)
	EmitError(runID, message string)
	Connected() bool
}

// KnowledgeEntry is one compacted item held by a knowledge base.
type KnowledgeEntry struct {
	Ref       string    `json:"ref"`
	Source    string    `json:"source,omitempty"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// KnowledgeBase resolves compacted tool-result references.
type KnowledgeBase interface {
	Hydrate(ctx context.Context, turns []Turn) ([]Turn, error)
	Entries() []KnowledgeEntry
}

// KnowledgeRestorer is implemented by knowledge bases that can be reloaded
// from snapshot entries.
type KnowledgeRestorer interface {
	Restore(entries []KnowledgeEntry)
}

type nopEmitter struct{}

func (nopEmitter) EmitLLMStreamStarted(string, string, string) {}
func (nopEmitter) EmitLLMChunk(string, string, string, string) {}
func (nopEmitter) EmitLLMStreamEnded(string, string, string) {}
func (nopEmitter) EmitLLMStreamFailed(string, string, string, string) {}
func (nopEmitter) EmitLLMResponse(string, string, string) {}
func (nopEmitter) EmitLLMRequestParams(string, string, map[string]any) {}
func (nopEmitter) EmitTurnCompleted(string, Turn) {}
func (nopEmitter) EmitWorkModuleUpdated(string, WorkModule) {}
func (nopEmitter) EmitResource(string, map[string]any) {}
func (nopEmitter) EmitError(string, string) {}
func (nopEmitter) Connected() bool { return false }
