// ABOUTME: Wire types for the run socket protocol: inbound frames and outbound events
// ABOUTME: Defines message type constants and the typed payloads each handler consumes

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMissingType is returned when an inbound frame has no "type" field.
var ErrMissingType = errors.New("message type is required")

// Inbound message types.
const (
	TypeStartRun             = "start_run"
	TypeStopRun              = "stop_run"
	TypeSendToRun            = "send_to_run"
	TypeStopManagedPrincipal = "stop_managed_principal"
	TypeRequestToolsets      = "request_available_toolsets"
	TypeRequestRunProfiles   = "request_run_profiles"
	TypeRequestRunContext    = "request_run_context"
	TypeRequestKnowledgeBase = "request_knowledge_base"
	TypeSubscribeToView      = "subscribe_to_view"
	TypeUnsubscribeFromView  = "unsubscribe_from_view"
	TypeManageWorkModules    = "manage_work_modules_request"
	TypeCreateRunProfile     = "create_run_profile"
	TypeUpdateRunProfile     = "update_run_profile"
	TypeDisableRunProfile    = "disable_run_profile"
	TypeRenameRunProfile     = "rename_run_profile"
)

// Outbound event types.
const (
	EventRunReady                = "run_ready"
	EventTurnsSync               = "turns_sync"
	EventLLMChunk                = "llm_chunk"
	EventLLMResponse             = "llm_response"
	EventLLMStreamStarted        = "llm_stream_started"
	EventLLMStreamEnded          = "llm_stream_ended"
	EventLLMStreamFailed         = "llm_stream_failed"
	EventLLMRequestParams        = "llm_request_params"
	EventResource                = "resource"
	EventError                   = "error"
	EventRunConfigUpdated        = "run_config_updated"
	EventWorkModuleUpdated       = "work_module_updated"
	EventWorkModulesSync         = "work_modules_sync"
	EventTurnCompleted           = "turn_completed"
	EventRunStopped              = "run_stopped"
	EventPrincipalStopped        = "principal_stopped"
	EventViewSubscribed          = "view_subscribed"
	EventViewUnsubscribed        = "view_unsubscribed"
	EventToolsetsResponse        = "available_toolsets_response"
	EventRunProfilesResponse     = "run_profiles_response"
	EventRunContextResponse      = "run_context_response"
	EventKnowledgeBaseResponse   = "knowledge_base_response"
	EventManageWorkModulesResult = "manage_work_modules_response"
	EventProjectStructureUpdated = "project_structure_updated"
)

// Envelope is an inbound socket frame: {"type": ..., "data": {...}}.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// DecodeEnvelope parses a text frame into an Envelope.
func DecodeEnvelope(frame []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("invalid JSON frame: %w", err)
	}
	if env.Type == "" {
		return nil, ErrMissingType
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		env.Data = json.RawMessage("{}")
	}
	return &env, nil
}

// Event is an outbound envelope. RunID is a pointer so connection-scoped
// events serialize "run_id": null.
type Event struct {
	Type      string         `json:"type"`
	RunID     *string        `json:"run_id"`
	SessionID string         `json:"session_id,omitempty"`
	AgentID   string         `json:"agent_id,omitempty"`
	Data      map[string]any `json:"data"`
}

// NewEvent builds an event of the given type with an empty data map.
func NewEvent(eventType string) Event {
	return Event{Type: eventType, Data: map[string]any{}}
}

// RunEvent builds an event scoped to runID. An empty runID yields a
// connection-scoped event.
func RunEvent(eventType, runID string) Event {
	ev := NewEvent(eventType)
	if runID != "" {
		ev.RunID = &runID
	}
	return ev
}

// With sets a data field and returns the event for chaining.
func (e Event) With(key string, value any) Event {
	if e.Data == nil {
		e.Data = map[string]any{}
	}
	e.Data[key] = value
	return e
}

// StartRunPayload is the data of a start_run message.
type StartRunPayload struct {
	RequestID       string `json:"request_id"`
	RunType         string `json:"run_type,omitempty"`
	ResumeFromRunID string `json:"resume_from_run_id,omitempty"`
	ProjectID       string `json:"project_id,omitempty"`
	InitialFilename string `json:"initial_filename,omitempty"`
}

// RunRef is the data of every message that only names a run.
type RunRef struct {
	RunID string `json:"run_id"`
}

// SendToRunPayload is the data of a send_to_run message.
type SendToRunPayload struct {
	RunID          string         `json:"run_id"`
	MessagePayload MessagePayload `json:"message_payload"`
	ExtraPayload   map[string]any `json:"extra_payload,omitempty"`
}

// MessagePayload carries the user prompt for send_to_run.
type MessagePayload struct {
	Prompt string `json:"prompt"`
}

// StopManagedPrincipalPayload is the data of a stop_managed_principal message.
type StopManagedPrincipalPayload struct {
	ManagingPartnerRunID string `json:"managing_partner_run_id"`
}

// ToolsetsRequestPayload is the data of a request_available_toolsets message.
type ToolsetsRequestPayload struct {
	Scope string `json:"scope,omitempty"`
}

// ViewPayload is the data of subscribe_to_view and unsubscribe_from_view.
type ViewPayload struct {
	RunID    string `json:"run_id"`
	ViewName string `json:"view_name"`
}

// WorkModuleAction is one entry of manage_work_modules_request.actions.
type WorkModuleAction struct {
	Action      string `json:"action"`
	ModuleID    string `json:"module_id,omitempty"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status,omitempty"`
}

// ManageWorkModulesPayload is the data of manage_work_modules_request.
type ManageWorkModulesPayload struct {
	RunID   string             `json:"run_id"`
	Actions []WorkModuleAction `json:"actions"`
}

// ProfilePayload is the data of the run profile administration messages.
type ProfilePayload struct {
	RunID   string         `json:"run_id"`
	Name    string         `json:"name"`
	NewName string         `json:"new_name,omitempty"`
	Type    string         `json:"type,omitempty"`
	Body    map[string]any `json:"body,omitempty"`
}

// Decode unmarshals an envelope's data into v.
func (e *Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", e.Type, err)
	}
	return nil
}

// RunIDHint extracts a run id from the payload, if any, so validation
// failures can be scoped to the run the client meant.
func (e *Envelope) RunIDHint() string {
	var hint struct {
		RunID                string `json:"run_id"`
		ManagingPartnerRunID string `json:"managing_partner_run_id"`
	}
	if err := json.Unmarshal(e.Data, &hint); err != nil {
		return ""
	}
	if hint.RunID != "" {
		return hint.RunID
	}
	return hint.ManagingPartnerRunID
}
