package edge

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Request-body shape validation ahead of the numeric/length checks
// above: a malformed payload (wrong type, missing required field) is
// rejected by schema before ValidateSwarmInput/ValidateTaskInput/etc. ever
// run, the same two-layer shape a structured-output validator uses (schema
// first, semantic checks second).

var (
	swarmCreateSchema  = mustCompile("swarm_create.json", swarmCreateSchemaJSON)
	swarmUpdateSchema  = mustCompile("swarm_update.json", swarmUpdateSchemaJSON)
	taskCreateSchema   = mustCompile("task_create.json", taskCreateSchemaJSON)
	taskUpdateSchema   = mustCompile("task_update.json", taskUpdateSchemaJSON)
	chatCreateSchema   = mustCompile("chat_create.json", chatCreateSchemaJSON)
	configUpdateSchema = mustCompile("config_update.json", configUpdateSchemaJSON)
)

const swarmCreateSchemaJSON = `{
	"type": "object",
	"required": ["name"],
	"properties": {
		"name": {"type": "string", "minLength": 1},
		"description": {"type": "string"},
		"project_id": {"type": "string"}
	}
}`

const swarmUpdateSchemaJSON = `{
	"type": "object",
	"properties": {
		"name": {"type": "string"},
		"description": {"type": "string"},
		"project_id": {"type": "string"}
	}
}`

const taskUpdateSchemaJSON = `{
	"type": "object",
	"properties": {
		"title": {"type": "string"},
		"description": {"type": "string"},
		"priority": {"type": "string", "enum": ["low", "medium", "high", "urgent"]},
		"depends_on": {"type": "array", "items": {"type": "string"}},
		"triggers_after": {"type": "array", "items": {"type": "string"}},
		"tags": {"type": "array", "items": {"type": "string"}}
	}
}`

const taskCreateSchemaJSON = `{
	"type": "object",
	"required": ["title"],
	"properties": {
		"title": {"type": "string", "minLength": 1},
		"description": {"type": "string"},
		"priority": {"type": "string", "enum": ["low", "medium", "high", "urgent"]},
		"depends_on": {"type": "array", "items": {"type": "string"}},
		"triggers_after": {"type": "array", "items": {"type": "string"}},
		"tags": {"type": "array", "items": {"type": "string"}}
	}
}`

const chatCreateSchemaJSON = `{
	"type": "object",
	"required": ["message"],
	"properties": {
		"message": {"type": "string", "minLength": 1},
		"sender_type": {"type": "string", "enum": ["system", "user", "sandbox"]},
		"sender_id": {"type": "string"},
		"metadata": {"type": "string"}
	}
}`

const configUpdateSchemaJSON = `{
	"type": "object",
	"properties": {
		"provider_url": {"type": "string"},
		"provider_api_key": {"type": "string"},
		"anthropic_api_key": {"type": "string"},
		"git_token": {"type": "string"},
		"pool_max": {"type": "integer", "minimum": 0},
		"pool_default_snapshot": {"type": "string"},
		"skills_path": {"type": "string"},
		"trigger_enabled": {"type": "boolean"},
		"poll_interval_seconds": {"type": "integer", "minimum": 1},
		"max_retries": {"type": "integer", "minimum": 0},
		"base_delay_ms": {"type": "integer", "minimum": 0},
		"backoff_multiplier": {"type": "number"}
	}
}`

func mustCompile(resource, schemaJSON string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		panic(fmt.Sprintf("edge: unmarshal schema %s: %v", resource, err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(resource, doc); err != nil {
		panic(fmt.Sprintf("edge: add schema resource %s: %v", resource, err))
	}
	schema, err := c.Compile(resource)
	if err != nil {
		panic(fmt.Sprintf("edge: compile schema %s: %v", resource, err))
	}
	return schema
}

func validateShape(schema *jsonschema.Schema, raw []byte) error {
	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", ErrValidation, err)
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// ValidateSwarmCreateShape checks raw against the swarm-create JSON schema.
func ValidateSwarmCreateShape(raw []byte) error { return validateShape(swarmCreateSchema, raw) }

// ValidateSwarmUpdateShape checks raw against the swarm-update JSON schema.
func ValidateSwarmUpdateShape(raw []byte) error { return validateShape(swarmUpdateSchema, raw) }

// ValidateTaskUpdateShape checks raw against the task-update JSON schema.
func ValidateTaskUpdateShape(raw []byte) error { return validateShape(taskUpdateSchema, raw) }

// ValidateTaskCreateShape checks raw against the task-create JSON schema.
func ValidateTaskCreateShape(raw []byte) error { return validateShape(taskCreateSchema, raw) }

// ValidateChatCreateShape checks raw against the chat-message JSON schema.
func ValidateChatCreateShape(raw []byte) error { return validateShape(chatCreateSchema, raw) }

// ValidateConfigUpdateShape checks raw against the config-update JSON schema.
func ValidateConfigUpdateShape(raw []byte) error { return validateShape(configUpdateSchema, raw) }
