package tool

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog/log"

	contractx "github.com/conciergehq/concierge/agent/contract"
)

type Category string

const (
	CategoryResearch Category = "research"
	CategoryCall     Category = "call"
	CategoryMessage  Category = "message"
	CategoryBooking  Category = "booking"
	CategoryMemory   Category = "memory"
	CategoryStatus   Category = "status"
	CategoryControl  Category = "control"
)

// Tool is one registered capability. Contextual lists argument names the
// execution loop overwrites with authoritative task values before
// dispatch, whatever the model proposed.
type Tool struct {
	Name          string
	Desc          string
	Params        map[string]*schema.ParameterInfo
	Contextual    []string
	SideEffecting bool
	Category      Category
	Run           func(ctx context.Context, args map[string]any) (map[string]any, error)
}

// Registry holds the tool belt for a run. Not safe for concurrent
// registration; register everything before the loop starts.
type Registry struct {
	tools map[string]Tool
	order []string
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

func (r *Registry) Register(t Tool) error {
	if t.Name == "" || t.Run == nil {
		return fmt.Errorf("%w: tool needs a name and a run func", contractx.ErrValidation)
	}
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("%w: tool %q already registered", contractx.ErrValidation, t.Name)
	}
	r.tools[t.Name] = t
	r.order = append(r.order, t.Name)
	return nil
}

func (r *Registry) MustRegister(t Tool) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

func (r *Registry) Lookup(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Infos returns the tool schemas in registration order, for model binding.
func (r *Registry) Infos() []*schema.ToolInfo {
	infos := make([]*schema.ToolInfo, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		infos = append(infos, &schema.ToolInfo{
			Name:        t.Name,
			Desc:        t.Desc,
			ParamsOneOf: schema.NewParamsOneOfByParams(visibleParams(t)),
		})
	}
	return infos
}

// DescLines renders "- name: desc" lines for the system prompt.
func (r *Registry) DescLines() []string {
	lines := make([]string, 0, len(r.order))
	for _, name := range r.order {
		lines = append(lines, fmt.Sprintf("- %s: %s", name, r.tools[name].Desc))
	}
	return lines
}

// Invoke dispatches one tool call. Failures of any kind, including a
// panicking tool, come back as an unsuccessful ToolResult; the loop
// never sees an error from dispatch.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (result contractx.ToolResult) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Str("tool", name).Any("panic", rec).Msg("tool panicked")
			result = contractx.ToolResult{Tool: name, Error: fmt.Sprintf("tool panicked: %v", rec)}
		}
	}()

	t, ok := r.tools[name]
	if !ok {
		return contractx.ToolResult{Tool: name, Error: fmt.Sprintf("unknown tool %q", name)}
	}

	data, err := t.Run(ctx, args)
	if err != nil {
		return contractx.ToolResult{Tool: name, Error: err.Error(), Data: data}
	}
	return contractx.ToolResult{Tool: name, OK: true, Data: data}
}

// visibleParams strips contextual parameters from the schema shown to
// the model; the loop injects them regardless.
func visibleParams(t Tool) map[string]*schema.ParameterInfo {
	if len(t.Contextual) == 0 {
		return t.Params
	}
	hidden := make(map[string]struct{}, len(t.Contextual))
	for _, name := range t.Contextual {
		hidden[name] = struct{}{}
	}
	params := make(map[string]*schema.ParameterInfo, len(t.Params))
	for name, info := range t.Params {
		if _, skip := hidden[name]; skip {
			continue
		}
		params[name] = info
	}
	return params
}

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func intArg(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return fallback
}
