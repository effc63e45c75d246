// Package tools is the side-effecting layer the heartbeat dispatches
// actions to. Every call yields a Result; errors never escape as panics.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/nidhogg/atlas/internal/provider"
)

// Category groups tools by the drive they feed.
type Category string

const (
	Explore Category = "explore"
	Create  Category = "create"
	Reflect Category = "reflect"
)

// Tool is one callable capability.
type Tool interface {
	Name() string
	Description() string
	Category() Category
	// Parameters is the JSON schema of the arguments object.
	Parameters() map[string]any
	Execute(ctx context.Context, args json.RawMessage) (string, error)
}

// Referencer is implemented by tools whose calls touch an identifiable
// resource (a path, a URL). The heartbeat uses it to spot repeated reads.
type Referencer interface {
	Resource(args json.RawMessage) string
}

// Action is one tool invocation requested by the oracle.
type Action struct {
	Tool   string          `json:"tool"`
	Args   json.RawMessage `json:"args,omitempty"`
	CallID string          `json:"call_id,omitempty"`
}

// Result is the summarisable outcome of an Action.
type Result struct {
	Tool     string   `json:"tool"`
	Category Category `json:"category,omitempty"`
	Resource string   `json:"resource,omitempty"`
	Success  bool     `json:"success"`
	Data     string   `json:"data,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// Registry holds the tools available to the oracle.
type Registry struct {
	tools  map[string]Tool
	mu     sync.RWMutex
	logger *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{tools: make(map[string]Tool), logger: logger}
}

// Register adds t, replacing any tool with the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tools[t.Name()]; dup {
		r.logger.Warn("tool replaced", zap.String("tool", t.Name()))
	}
	r.tools[t.Name()] = t
}

// Get looks a tool up by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names lists registered tools in name order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Definitions returns the function definitions sent with an oracle request.
func (r *Registry) Definitions() []provider.Tool {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]provider.Tool, 0, len(names))
	for _, n := range names {
		t := r.tools[n]
		defs = append(defs, provider.Tool{
			Type: "function",
			Function: provider.ToolFunction{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return defs
}

// Category reports the category of a registered tool, or "" when unknown.
func (r *Registry) Category(name string) Category {
	if t, ok := r.Get(name); ok {
		return t.Category()
	}
	return ""
}

// Resource reports the resource an action would touch, or "".
func (r *Registry) Resource(a Action) string {
	t, ok := r.Get(a.Tool)
	if !ok {
		return ""
	}
	if ref, ok := t.(Referencer); ok {
		return ref.Resource(a.Args)
	}
	return ""
}

// Execute runs the action. Unknown tools, errors and panics all come back
// as an unsuccessful Result.
func (r *Registry) Execute(ctx context.Context, a Action) (res Result) {
	res = Result{Tool: a.Tool}
	t, ok := r.Get(a.Tool)
	if !ok {
		res.Error = fmt.Sprintf("unknown tool: %s", a.Tool)
		return res
	}
	res.Category = t.Category()
	if ref, ok := t.(Referencer); ok {
		res.Resource = ref.Resource(a.Args)
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Warn("tool panicked", zap.String("tool", a.Tool), zap.Any("panic", p))
			res.Success = false
			res.Data = ""
			res.Error = fmt.Sprintf("tool %s panicked: %v", a.Tool, p)
		}
	}()

	args := a.Args
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	out, err := t.Execute(ctx, args)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Success = true
	res.Data = out
	return res
}

func decodeArgs(args json.RawMessage, v any) error {
	if len(args) == 0 {
		return nil
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("parse args: %w", err)
	}
	return nil
}

func schema(required []string, props map[string]any) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func prop(typ, desc string) map[string]string {
	return map[string]string{"type": typ, "description": desc}
}

// truncate cuts s to at most max bytes, backing off to a rune boundary.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max] + "..."
}
