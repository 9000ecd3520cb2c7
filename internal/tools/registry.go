// Package tools declares the tools the agent can call. Each tool takes a
// dedicated parameter struct; the set of those structs is the closed union
// of payloads the registry accepts.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"

	"github.com/ricmars/visualization-sub001/pkg/models"
)

var (
	// ErrToolNotFound is returned for calls naming an unregistered tool.
	ErrToolNotFound = errors.New("tool not found")
	// ErrInvalidParams is matched by every ParamsError.
	ErrInvalidParams = errors.New("invalid parameters")
)

// ParamsError describes why a tool's arguments were rejected.
type ParamsError struct {
	Tool     string
	Problems []string
}

func (e *ParamsError) Error() string {
	return fmt.Sprintf("invalid parameters for %s: %s", e.Tool, strings.Join(e.Problems, "; "))
}

func (e *ParamsError) Is(target error) bool { return target == ErrInvalidParams }

// Params is implemented by every tool parameter struct.
type Params interface {
	ToolName() string
}

// Result is the outcome of a tool call. Summary is the one-line message
// shown to the user; Payload is serialized back to the model.
type Result struct {
	Summary string
	Payload any
}

// Definition is a registered tool.
type Definition struct {
	Name        string
	Description string
	// Parameters is the JSON schema of the tool's parameter struct.
	Parameters json.RawMessage
	// ReadOnly tools never mutate state.
	ReadOnly bool
	// Finalize marks the tool that persists the complete case model.
	Finalize bool

	execute func(ctx context.Context, args json.RawMessage) (*Result, error)
}

// Schema returns Parameters decoded into a generic map.
func (d *Definition) Schema() map[string]any {
	var m map[string]any
	_ = json.Unmarshal(d.Parameters, &m)
	return m
}

// Spec carries the metadata of a tool being registered.
type Spec struct {
	Description string
	ReadOnly    bool
	Finalize    bool
}

// Registry holds tool definitions in registration order.
type Registry struct {
	defs      map[string]*Definition
	order     []string
	validate  *validator.Validate
	reflector *jsonschema.Reflector
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &Registry{
		defs:     make(map[string]*Definition),
		validate: v,
		reflector: &jsonschema.Reflector{
			Anonymous:      true,
			DoNotReference: true,
			ExpandedStruct: true,
			Mapper:         schemaMapper,
		},
	}
}

var (
	stepTypeType  = reflect.TypeOf(models.StepType(""))
	fieldTypeType = reflect.TypeOf(models.FieldType(""))
	rawJSONType   = reflect.TypeOf(json.RawMessage(nil))
)

func schemaMapper(t reflect.Type) *jsonschema.Schema {
	switch t {
	case stepTypeType:
		enum := make([]any, len(models.StepTypes))
		for i, v := range models.StepTypes {
			enum[i] = string(v)
		}
		return &jsonschema.Schema{Type: "string", Enum: enum}
	case fieldTypeType:
		enum := make([]any, len(models.FieldTypes))
		for i, v := range models.FieldTypes {
			enum[i] = string(v)
		}
		return &jsonschema.Schema{Type: "string", Enum: enum}
	case rawJSONType:
		return &jsonschema.Schema{Description: "any JSON value"}
	}
	return nil
}

// Register adds the tool whose parameters are P. It panics on a duplicate
// name, which is a programming error.
func Register[P Params](r *Registry, spec Spec, fn func(ctx context.Context, params P) (*Result, error)) {
	var zero P
	name := zero.ToolName()
	if _, dup := r.defs[name]; dup {
		panic("tools: duplicate tool " + name)
	}

	schema := r.reflector.Reflect(zero)
	schema.Version = ""
	raw, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("tools: schema for %s: %v", name, err))
	}

	def := &Definition{
		Name:        name,
		Description: spec.Description,
		Parameters:  raw,
		ReadOnly:    spec.ReadOnly,
		Finalize:    spec.Finalize,
	}
	def.execute = func(ctx context.Context, args json.RawMessage) (*Result, error) {
		var p P
		if err := r.decode(name, args, &p); err != nil {
			return nil, err
		}
		return fn(ctx, p)
	}
	r.defs[name] = def
	r.order = append(r.order, name)
}

func (r *Registry) decode(name string, args json.RawMessage, dst any) error {
	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage("{}")
	}
	if err := json.Unmarshal(args, dst); err != nil {
		return &ParamsError{Tool: name, Problems: []string{err.Error()}}
	}
	if err := r.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return &ParamsError{Tool: name, Problems: []string{err.Error()}}
		}
		perr := &ParamsError{Tool: name}
		for _, fe := range verrs {
			perr.Problems = append(perr.Problems, describe(fe))
		}
		return perr
	}
	return nil
}

func describe(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		ns = ns[i+1:]
	}
	switch fe.Tag() {
	case "required":
		return ns + " is required"
	case "min":
		return fmt.Sprintf("%s must have at least %s entries", ns, fe.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", ns, fe.Param())
	default:
		return fmt.Sprintf("%s failed %q validation", ns, fe.Tag())
	}
}

// Get returns the named definition.
func (r *Registry) Get(name string) (*Definition, bool) {
	d, ok := r.defs[name]
	return d, ok
}

// Definitions returns every tool in registration order.
func (r *Registry) Definitions() []*Definition {
	out := make([]*Definition, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.defs[name])
	}
	return out
}

// Execute decodes args into the tool's parameter struct, validates them and
// runs the tool.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (*Result, error) {
	d, ok := r.defs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return d.execute(ctx, args)
}
