package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages the CUE schemas that catalog entries are checked
// against. Values checked by the registry must come from its Context.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a registry with the built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	if err := sr.RegisterSchema("step", builtinStepSchema, "#Step"); err != nil {
		panic(err)
	}
	if err := sr.RegisterSchema("command", builtinStepSchema, "#Command"); err != nil {
		panic(err)
	}
	return sr
}

// Context returns the CUE context shared by the registry's schemas.
func (sr *SchemaRegistry) Context() *cue.Context {
	return sr.ctx
}

// RegisterSchema compiles source and registers the named definition in it.
func (sr *SchemaRegistry) RegisterSchema(name, source, definition string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(source, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	def := val.LookupPath(cue.ParsePath(definition))
	if !def.Exists() {
		return fmt.Errorf("schema %s has no definition %s", name, definition)
	}

	sr.schemas[name] = def
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Check unifies a CUE value with the named schema and requires the result
// to be concrete.
func (sr *SchemaRegistry) Check(schemaName string, val cue.Value) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}
	return schema.Unify(val).Validate(cue.Concrete(true))
}

// ValidateAgainstSchema encodes a Go value and checks it against the named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(_ context.Context, schemaName string, data interface{}) error {
	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}
	if err := sr.Check(schemaName, dataVal); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ListSchemas returns the registered schema names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const builtinStepSchema = `
#Command: {
	// run is a shell script, or the executable when args is set
	run:               string & !=""
	args?:             [...string]
	shell?:            string
	sudo?:             bool
	workdir?:          string
	env?:              {[string]: string}
	retry_exit_codes?: [...int]
}

#Step: {
	name:         string & =~"^[A-Za-z0-9][A-Za-z0-9_.-]*$"
	description?: string
	tags?:        [...string]
	priority?:    int & >=0
	depends_on?:  [...string]
	provides?:    [...string]
	section?:     int & >=0
	critical?:    bool
	timeout?:     string | number
	retries?:     int & >=0 & <=10

	checkpoint?: {
		mode?:         "Always" | "Check" | "Never"
		next_section?: int & >=0
	}

	detect?:        #Command
	apply?:         #Command
	verify?:        #Command
	detect_script?: string
	secret_env?:    string & =~"^[A-Za-z_][A-Za-z0-9_]*$"
}
`
