// Package tools is the process-wide tool catalog and dispatcher:
// built-ins, dynamically registered handlers, and tools proxied to
// external servers through the ext_ prefix.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/weftworks/loom/internal/journal"
	"github.com/weftworks/loom/internal/mcp"
	"github.com/weftworks/loom/internal/metrics"
)

// Origin tags where a tool's implementation lives.
type Origin string

const (
	OriginBuiltin  Origin = "builtin"
	OriginPlugin   Origin = "plugin"
	OriginExternal Origin = "external"
)

// Def describes one callable tool as offered to the model.
type Def struct {
	Name        string
	Description string
	Schema      json.RawMessage
	Origin      Origin
}

// Mesh is the slice of the runtime the messaging built-ins need: edge-
// checked delivery and the roster query.
type Mesh interface {
	Send(from, to, message string, context map[string]any) error
	Roster(requester string) string
}

// Context travels with every dispatch.
type Context struct {
	AgentID   string
	Mesh      Mesh
	Journal   *journal.Journal
	Workspace string
}

// Handler executes one tool call. The result is always stringified;
// a returned error is converted by the engine into a tool-result
// string, never raised further.
type Handler func(ctx context.Context, args map[string]any, tc Context) (string, error)

// Registry holds the ordered catalog and the name-to-handler maps.
// Dynamic registrations shadow built-ins; ext_-prefixed names route to
// the external manager.
type Registry struct {
	mu       sync.RWMutex
	dynamic  map[string]Handler
	dynDefs  []Def
	builtins map[string]Handler
	blDefs   []Def
	external *mcp.Manager
	log      *slog.Logger
}

// NewRegistry builds a registry with the standard built-ins installed.
// The external manager may be nil when no tool servers are declared.
func NewRegistry(external *mcp.Manager, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{
		dynamic:  make(map[string]Handler),
		builtins: make(map[string]Handler),
		external: external,
		log:      log.With("component", "tools"),
	}
	registerBuiltins(r)
	return r
}

// Register adds or replaces a dynamic tool by name. The schema is
// validated as JSON Schema before the tool is accepted.
func (r *Registry) Register(def Def, h Handler) error {
	if def.Name == "" {
		return fmt.Errorf("tool registration: missing name")
	}
	if err := validateSchema(def.Name, def.Schema); err != nil {
		return err
	}
	if def.Origin == "" {
		def.Origin = OriginPlugin
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.dynamic[def.Name]; exists {
		for i := range r.dynDefs {
			if r.dynDefs[i].Name == def.Name {
				r.dynDefs[i] = def
				break
			}
		}
	} else {
		r.dynDefs = append(r.dynDefs, def)
	}
	r.dynamic[def.Name] = h
	return nil
}

// Unregister removes a dynamic tool.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.dynamic, name)
	for i := range r.dynDefs {
		if r.dynDefs[i].Name == name {
			r.dynDefs = append(r.dynDefs[:i], r.dynDefs[i+1:]...)
			break
		}
	}
}

// registerBuiltin installs a built-in at construction time.
func (r *Registry) registerBuiltin(def Def, h Handler) {
	def.Origin = OriginBuiltin
	r.blDefs = append(r.blDefs, def)
	r.builtins[def.Name] = h
}

// Defs returns the ordered catalog: built-ins, dynamic tools, then
// external tools under their ext_ prefix.
func (r *Registry) Defs() []Def {
	r.mu.RLock()
	out := make([]Def, 0, len(r.blDefs)+len(r.dynDefs))
	out = append(out, r.blDefs...)
	out = append(out, r.dynDefs...)
	r.mu.RUnlock()

	if r.external != nil {
		for _, st := range r.external.Tools() {
			schema := st.Tool.InputSchema
			if len(schema) == 0 {
				schema = json.RawMessage(`{"type":"object"}`)
			}
			out = append(out, Def{
				Name:        mcp.ToolName(st.Server, st.Tool.Name),
				Description: st.Tool.Description,
				Schema:      schema,
				Origin:      OriginExternal,
			})
		}
	}
	return out
}

// Dispatch resolves a call by name: dynamic map first, then the ext_
// route, then built-ins. Unknown names yield a non-fatal result
// string. Errors are reserved for handler failures the engine will
// stringify.
func (r *Registry) Dispatch(ctx context.Context, name string, args map[string]any, tc Context) (string, error) {
	metrics.ToolCalls.WithLabelValues(name).Inc()

	r.mu.RLock()
	dyn, isDynamic := r.dynamic[name]
	builtin, isBuiltin := r.builtins[name]
	r.mu.RUnlock()

	if isDynamic {
		return dyn(ctx, args, tc)
	}

	if server, tool, ok := mcp.ParseToolName(name); ok {
		return r.dispatchExternal(ctx, server, tool, args)
	}

	if isBuiltin {
		return builtin(ctx, args, tc)
	}

	return "unknown tool: " + name, nil
}

func (r *Registry) dispatchExternal(ctx context.Context, server, tool string, args map[string]any) (string, error) {
	if r.external == nil {
		return "external tool failed: no tool servers configured", nil
	}
	result, err := r.external.Call(ctx, server, tool, args, 0)
	if err != nil {
		if err == mcp.ErrTimeout {
			return "external tool timeout", nil
		}
		return "external tool failed: " + err.Error(), nil
	}
	return result, nil
}

func validateSchema(name string, schema json.RawMessage) error {
	if len(schema) == 0 {
		return fmt.Errorf("tool %s: missing schema", name)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name+".json", bytes.NewReader(schema)); err != nil {
		return fmt.Errorf("tool %s: invalid schema: %w", name, err)
	}
	if _, err := compiler.Compile(name + ".json"); err != nil {
		return fmt.Errorf("tool %s: invalid schema: %w", name, err)
	}
	return nil
}

// mustSchema marshals a schema literal; built-in schemas are static
// and known-good.
func mustSchema(v map[string]any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
