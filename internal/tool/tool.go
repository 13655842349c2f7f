// Package tool implements the process-wide tool catalogue: schema
// registration, argument validation, invocation with hard-timeout abandon,
// declarative context enrichment, and result-to-memory mappings.
//
// Tools are how the goal agent reads and writes back-office records. Each
// tool is a [Schema] (name, description, typed parameter fields) plus a
// [Handler]. The registry validates the LLM-supplied arguments against the
// schema's compiled JSON Schema before the handler ever runs, so handlers
// receive well-formed [memtree.Value] trees rather than opaque maps.
package tool

import (
	"context"
	"fmt"
	"time"

	"github.com/maitred-ai/maitre/pkg/memtree"
	"github.com/maitred-ai/maitre/pkg/provider/llm"
)

// ErrorKind classifies a failed tool invocation. Kinds are stable strings
// serialized into events and fed back to the LLM.
type ErrorKind string

const (
	ErrArgInvalid     ErrorKind = "arg_invalid"
	ErrNotFound       ErrorKind = "not_found"
	ErrUnauthorized   ErrorKind = "unauthorized"
	ErrUpstreamFailed ErrorKind = "upstream_failed"
	ErrTimeout        ErrorKind = "timeout"
	ErrUnknown        ErrorKind = "unknown"
)

// Result is the outcome of one tool invocation: either a structured payload
// or a classified error. Tool errors never fail the enclosing turn; they are
// surfaced to the LLM, which decides how to recover.
type Result struct {
	// OK distinguishes the success variant.
	OK bool

	// Payload is the structured result on success.
	Payload memtree.Value

	// Kind classifies the failure when OK is false.
	Kind ErrorKind

	// Message is the human-readable failure description.
	Message string
}

// Ok constructs a success result.
func Ok(payload memtree.Value) Result {
	return Result{OK: true, Payload: payload}
}

// Errf constructs a failure result with a formatted message.
func Errf(kind ErrorKind, format string, args ...any) Result {
	return Result{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Summary renders the result as a single line for chunk streams and logs.
func (r Result) Summary() string {
	if r.OK {
		return "ok"
	}
	return fmt.Sprintf("%s: %s", r.Kind, r.Message)
}

// FieldType enumerates the parameter types a schema field may declare.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeBoolean FieldType = "boolean"
	TypeArray   FieldType = "array"
	TypeObject  FieldType = "object"
)

// Field is one typed parameter of a tool schema.
type Field struct {
	// Name is the parameter name.
	Name string

	// Type is the parameter's JSON type.
	Type FieldType

	// Description documents the parameter for the LLM.
	Description string

	// Required marks the parameter as mandatory.
	Required bool
}

// Enrichment declares that a string argument should be expanded with a
// formatted snapshot of session memory before the handler runs. Typical
// use: append the customer summary to a task description so back-office
// records carry conversational context.
type Enrichment struct {
	// Arg names the string argument to expand.
	Arg string

	// Paths lists the memory paths whose values are appended.
	Paths []string
}

// Schema describes one tool.
type Schema struct {
	// Name is the unique tool identifier.
	Name string

	// Description explains what the tool does (included in LLM prompts).
	Description string

	// Category groups tools for operator inspection (e.g., "customer",
	// "calendar").
	Category string

	// Fields are the typed parameters.
	Fields []Field

	// Raw, when non-nil, is a complete JSON Schema used instead of Fields.
	// Set for tools imported from MCP servers, which carry their own
	// parameter schemas.
	Raw map[string]any

	// Enrich lists the declarative context enrichments for this tool.
	Enrich []Enrichment
}

// Definition converts the schema into the LLM-facing tool definition.
func (s Schema) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        s.Name,
		Description: s.Description,
		Parameters:  s.parametersSchema(),
	}
}

// parametersSchema renders the fields as a JSON Schema object. A schema
// carrying Raw returns it verbatim.
func (s Schema) parametersSchema() map[string]any {
	if s.Raw != nil {
		return s.Raw
	}
	properties := make(map[string]any, len(s.Fields))
	var required []string
	for _, f := range s.Fields {
		prop := map[string]any{"type": string(f.Type)}
		if f.Description != "" {
			prop["description"] = f.Description
		}
		properties[f.Name] = prop
		if f.Required {
			required = append(required, f.Name)
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// Handler executes a tool. Arguments arrive as a validated [memtree.Value]
// map. Handlers must honour ctx cancellation; a handler that ignores it is
// abandoned after the registry's hard timeout.
type Handler func(ctx context.Context, args memtree.Value, sid string) Result

// Invocation records one tool call for events and turn reports. Created
// during a turn, never mutated afterwards.
type Invocation struct {
	// Name is the invoked tool.
	Name string

	// Args is the JSON argument string after enrichment.
	Args string

	// Result is the outcome.
	Result Result

	// Latency is the handler wall-clock duration.
	Latency time.Duration

	// Enriched reports whether context enrichment modified the arguments.
	Enriched bool
}
