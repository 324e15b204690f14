// Package tool holds the tool declarations an agent advertises to its
// completion backend and checks the calls the backend makes against them.
package tool

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"swarmx/internal/domain"
)

// Toolset is an immutable set of declared tools with compiled parameter
// schemas. Tools execute elsewhere; the set only validates calls.
type Toolset struct {
	schemas  []domain.ToolSchema
	compiled map[string]*jsonschema.Schema // nil entry: no parameter schema
}

// NewToolset compiles every declaration. Duplicate names and schemas that do
// not compile are rejected.
func NewToolset(schemas []domain.ToolSchema) (*Toolset, error) {
	ts := &Toolset{
		schemas:  slices.Clone(schemas),
		compiled: make(map[string]*jsonschema.Schema, len(schemas)),
	}
	for _, s := range schemas {
		if s.Name == "" {
			return nil, domain.NewDomainError("NewToolset", domain.ErrInvalidInput, "tool without a name")
		}
		if _, dup := ts.compiled[s.Name]; dup {
			return nil, domain.NewDomainError("NewToolset", domain.ErrDuplicate, s.Name)
		}
		compiled, err := Compile(s.Name, s.Parameters)
		if err != nil {
			return nil, err
		}
		ts.compiled[s.Name] = compiled
	}
	return ts, nil
}

// Compile compiles a tool parameter schema. An empty or null schema yields
// a nil schema and no error.
func Compile(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("tool %q: add schema: %w", name, err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("tool %q: compile schema: %w", name, err)
	}
	return schema, nil
}

// Schemas returns the declarations in their original order.
func (t *Toolset) Schemas() []domain.ToolSchema {
	if t == nil {
		return nil
	}
	return slices.Clone(t.schemas)
}

// Len returns the number of declared tools.
func (t *Toolset) Len() int {
	if t == nil {
		return 0
	}
	return len(t.schemas)
}

// Has reports whether a tool is declared.
func (t *Toolset) Has(name string) bool {
	if t == nil {
		return false
	}
	_, ok := t.compiled[name]
	return ok
}

// Validate checks that call names a declared tool and that its arguments
// satisfy the tool's parameter schema. Failures wrap domain.ErrInvalidInput.
func (t *Toolset) Validate(call domain.ToolCall) error {
	if !t.Has(call.Name) {
		return domain.NewDomainError("Toolset.Validate", domain.ErrInvalidInput, fmt.Sprintf("undeclared tool %q", call.Name))
	}
	schema := t.compiled[call.Name]
	if schema == nil {
		return nil
	}

	raw := call.Arguments
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return domain.NewDomainError("Toolset.Validate", domain.ErrInvalidInput, fmt.Sprintf("%s: invalid JSON arguments: %v", call.Name, err))
	}
	if err := schema.Validate(v); err != nil {
		return domain.NewDomainError("Toolset.Validate", domain.ErrInvalidInput, fmt.Sprintf("%s: %v", call.Name, err))
	}
	return nil
}

// Partition splits calls into those that validate and the errors of those
// that do not.
func (t *Toolset) Partition(calls []domain.ToolCall) (valid []domain.ToolCall, errs []error) {
	for _, c := range calls {
		if err := t.Validate(c); err != nil {
			errs = append(errs, err)
			continue
		}
		valid = append(valid, c)
	}
	return valid, errs
}
