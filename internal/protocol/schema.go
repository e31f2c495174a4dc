// ABOUTME: JSON Schema validation of inbound payloads, one schema per message type
// ABOUTME: Schemas are compiled once at startup with santhosh-tekuri/jsonschema

package protocol

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// payloadSchemas holds the required-field contract for each inbound type.
// Types without an entry accept any object.
var payloadSchemas = map[string]string{
	TypeStartRun: `{
		"type": "object",
		"required": ["request_id"],
		"properties": {
			"request_id": {"type": "string", "minLength": 1},
			"run_type": {"type": "string"},
			"resume_from_run_id": {"type": "string"},
			"project_id": {"type": "string"},
			"initial_filename": {"type": "string"}
		},
		"anyOf": [
			{"required": ["run_type"], "properties": {"run_type": {"minLength": 1}}},
			{"required": ["resume_from_run_id"], "properties": {"resume_from_run_id": {"minLength": 1}}}
		]
	}`,
	TypeStopRun:              runRefSchema,
	TypeRequestRunProfiles:   runRefSchema,
	TypeRequestRunContext:    runRefSchema,
	TypeRequestKnowledgeBase: runRefSchema,
	TypeSendToRun: `{
		"type": "object",
		"required": ["run_id", "message_payload"],
		"properties": {
			"run_id": {"type": "string", "minLength": 1},
			"message_payload": {"type": "object"},
			"extra_payload": {"type": "object"}
		}
	}`,
	TypeStopManagedPrincipal: `{
		"type": "object",
		"required": ["managing_partner_run_id"],
		"properties": {"managing_partner_run_id": {"type": "string", "minLength": 1}}
	}`,
	TypeRequestToolsets: `{
		"type": "object",
		"properties": {"scope": {"type": "string"}}
	}`,
	TypeSubscribeToView:     viewSchema,
	TypeUnsubscribeFromView: viewSchema,
	TypeManageWorkModules: `{
		"type": "object",
		"required": ["run_id", "actions"],
		"properties": {
			"run_id": {"type": "string", "minLength": 1},
			"actions": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["action"],
					"properties": {"action": {"enum": ["add", "update", "remove", "set_status"]}}
				}
			}
		}
	}`,
	TypeCreateRunProfile: `{
		"type": "object",
		"required": ["run_id", "name", "body"],
		"properties": {
			"run_id": {"type": "string", "minLength": 1},
			"name": {"type": "string", "minLength": 1},
			"body": {"type": "object"}
		}
	}`,
	TypeUpdateRunProfile: `{
		"type": "object",
		"required": ["run_id", "name", "body"],
		"properties": {
			"run_id": {"type": "string", "minLength": 1},
			"name": {"type": "string", "minLength": 1},
			"body": {"type": "object"}
		}
	}`,
	TypeDisableRunProfile: `{
		"type": "object",
		"required": ["run_id", "name"],
		"properties": {
			"run_id": {"type": "string", "minLength": 1},
			"name": {"type": "string", "minLength": 1}
		}
	}`,
	TypeRenameRunProfile: `{
		"type": "object",
		"required": ["run_id", "name", "new_name"],
		"properties": {
			"run_id": {"type": "string", "minLength": 1},
			"name": {"type": "string", "minLength": 1},
			"new_name": {"type": "string", "minLength": 1}
		}
	}`,
}

const runRefSchema = `{
	"type": "object",
	"required": ["run_id"],
	"properties": {"run_id": {"type": "string", "minLength": 1}}
}`

const viewSchema = `{
	"type": "object",
	"required": ["run_id", "view_name"],
	"properties": {
		"run_id": {"type": "string", "minLength": 1},
		"view_name": {"type": "string", "minLength": 1}
	}
}`

// Validator checks inbound payloads against the compiled schemas.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// NewValidator compiles every payload schema.
func NewValidator() (*Validator, error) {
	c := jsonschema.NewCompiler()
	v := &Validator{schemas: make(map[string]*jsonschema.Schema, len(payloadSchemas))}

	for msgType, raw := range payloadSchemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("parsing %s schema: %w", msgType, err)
		}
		url := msgType + ".json"
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("adding %s schema: %w", msgType, err)
		}
		schema, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compiling %s schema: %w", msgType, err)
		}
		v.schemas[msgType] = schema
	}
	return v, nil
}

// Validate checks env.Data against the schema registered for env.Type.
func (v *Validator) Validate(env *Envelope) error {
	schema, ok := v.schemas[env.Type]
	if !ok {
		return nil
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(env.Data))
	if err != nil {
		return fmt.Errorf("invalid %s payload: %w", env.Type, err)
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("invalid %s payload: %s", env.Type, summarize(err))
	}
	return nil
}

// summarize flattens a multi-line validation error to its most specific line.
func summarize(err error) string {
	lines := strings.Split(strings.TrimSpace(err.Error()), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	last = strings.TrimPrefix(last, "- ")
	return last
}
