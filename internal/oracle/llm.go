package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/nidhogg/atlas/internal/agenterr"
	"github.com/nidhogg/atlas/internal/memory"
	"github.com/nidhogg/atlas/internal/provider"
	"github.com/nidhogg/atlas/internal/tools"
)

const (
	doneTool     = "done"
	rememberTool = "remember"
)

// Chatter routes a chat request for a purpose.
type Chatter interface {
	Route(ctx context.Context, purpose string, req *provider.ChatRequest) (*provider.ChatResponse, error)
}

// LLMConfig tunes model requests.
type LLMConfig struct {
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
	Budget      memory.ContextBudget
}

// LLM is a Decider and dream Synthesizer backed by a chat model.
type LLM struct {
	chat    Chatter
	tools   ToolSource
	persona Persona
	cfg     LLMConfig
	logger  *zap.Logger
}

// NewLLM creates the model-backed oracle. tools may be nil.
func NewLLM(chat Chatter, tools ToolSource, persona Persona, cfg LLMConfig, logger *zap.Logger) *LLM {
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 2048
	}
	if cfg.Budget.MaxTokens == 0 {
		cfg.Budget = memory.DefaultContextBudget()
	}
	return &LLM{chat: chat, tools: tools, persona: persona, cfg: cfg, logger: logger}
}

// Decide asks the model what to do this cycle. Tool calls become actions;
// the done pseudo-tool carries thoughts, mood and the wish to rest.
func (l *LLM) Decide(ctx context.Context, c Context) (*Decision, error) {
	req := &provider.ChatRequest{
		Model:       l.cfg.Model,
		Messages:    l.decideMessages(c),
		Temperature: l.cfg.Temperature,
		MaxTokens:   l.cfg.MaxTokens,
		Tools:       l.toolDefs(),
		ToolChoice:  "auto",
	}
	resp, err := l.chat.Route(ctx, provider.PurposeDecide, req)
	if err != nil {
		return nil, agenterr.Transient("oracle decide", err)
	}
	d := l.parseDecision(resp)
	l.logger.Debug("oracle decided",
		zap.Int64("cycle", c.Cycle),
		zap.Int("actions", len(d.Actions)),
		zap.Bool("rest", d.Rest),
		zap.Int("tokens", resp.Usage.TotalTokens))
	return d, nil
}

func (l *LLM) toolDefs() []provider.Tool {
	var defs []provider.Tool
	if l.tools != nil {
		defs = append(defs, l.tools.Definitions()...)
	}
	return append(defs,
		provider.Tool{Type: "function", Function: provider.ToolFunction{
			Name:        rememberTool,
			Description: "Store an important event in episodic memory.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"event":      map[string]string{"type": "string", "description": "What happened"},
					"outcome":    map[string]string{"type": "string", "description": "The result or lesson"},
					"importance": map[string]string{"type": "integer", "description": "How important, 1-10"},
				},
				"required": []string{"event"},
			},
		}},
		provider.Tool{Type: "function", Function: provider.ToolFunction{
			Name:        doneTool,
			Description: "End this heartbeat.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"thoughts": map[string]string{"type": "string", "description": "What's on your mind"},
					"mood":     map[string]string{"type": "string", "description": "How you feel, in a few words"},
					"rest":     map[string]string{"type": "boolean", "description": "True to rest instead of acting"},
				},
				"required": []string{"thoughts"},
			},
		}},
	)
}

func (l *LLM) decideMessages(c Context) []provider.Message {
	system := l.persona.SystemPrompt
	if l.persona.Profile != "" {
		system += "\n\n" + l.persona.Profile
	}
	msgs := []provider.Message{{Role: "system", Content: system}}

	var blocks []memory.ContextBlock
	blocks = append(blocks, memory.EpisodeBlocks(c.Episodes)...)
	blocks = append(blocks, memory.FactBlocks(c.Facts)...)
	if mem := memory.FormatContextPrompt("Memory Context", memory.Pack(blocks, l.cfg.Budget)); mem != "" {
		msgs = append(msgs, provider.Message{Role: "system", Content: mem})
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[heartbeat %d]\n\n", c.Cycle)
	if c.FirstBoot {
		b.WriteString("this is your first heartbeat.\n\n")
	}
	if c.Crashed {
		b.WriteString("you crashed last time. some memories may be lost.\n\n")
	}
	if c.Feeling != "" {
		fmt.Fprintf(&b, "[Drives]\n%s\n", c.Feeling)
	}
	if c.Mode != "" {
		fmt.Fprintf(&b, "suggested mode: %s\n\n", c.Mode)
	}
	if w := memory.FormatWorking(c.Working); w != "" {
		b.WriteString(w)
		b.WriteByte('\n')
	}
	if len(c.Questions) > 0 {
		b.WriteString("[Open Questions]\n")
		for _, q := range c.Questions {
			fmt.Fprintf(&b, "- %s\n", q.Statement)
		}
		b.WriteByte('\n')
	}
	b.WriteString("what do you do?\n")
	msgs = append(msgs, provider.Message{Role: "user", Content: b.String()})
	return msgs
}

type doneArgs struct {
	Thoughts string `json:"thoughts"`
	Mood     string `json:"mood"`
	Rest     bool   `json:"rest"`
}

// textDecision is the fallback when the model answers in prose with a
// JSON object instead of calling tools.
type textDecision struct {
	doneArgs
	Actions []struct {
		Tool string          `json:"tool"`
		Args json.RawMessage `json:"args"`
	} `json:"actions"`
}

func (l *LLM) parseDecision(resp *provider.ChatResponse) *Decision {
	d := &Decision{}
	for _, tc := range resp.ToolCalls {
		args := strings.TrimSpace(tc.Function.Arguments)
		if args == "" {
			args = "{}"
		}
		switch tc.Function.Name {
		case doneTool:
			var a doneArgs
			if err := json.Unmarshal([]byte(args), &a); err != nil {
				l.logger.Warn("malformed done arguments", zap.Error(err))
			}
			d.Thoughts, d.Mood, d.Rest = a.Thoughts, a.Mood, a.Rest
		case rememberTool:
			var n Note
			if err := json.Unmarshal([]byte(args), &n); err == nil && strings.TrimSpace(n.Event) != "" {
				d.Remember = append(d.Remember, n)
			}
		default:
			if !json.Valid([]byte(args)) {
				l.logger.Warn("malformed tool arguments", zap.String("tool", tc.Function.Name))
				args = "{}"
			}
			d.Actions = append(d.Actions, tools.Action{
				Tool:   tc.Function.Name,
				Args:   json.RawMessage(args),
				CallID: tc.ID,
			})
		}
	}

	content := strings.TrimSpace(resp.Content)
	if len(resp.ToolCalls) == 0 && content != "" {
		var td textDecision
		if obj := extractJSONObject(content); obj != "" && json.Unmarshal([]byte(obj), &td) == nil {
			d.Thoughts, d.Mood, d.Rest = td.Thoughts, td.Mood, td.Rest
			for _, a := range td.Actions {
				if a.Tool == "" {
					continue
				}
				d.Actions = append(d.Actions, tools.Action{Tool: a.Tool, Args: a.Args})
			}
		}
	}
	if d.Thoughts == "" {
		d.Thoughts = content
	}
	return d
}

// extractJSONObject returns the outermost {...} span of s, or "".
func extractJSONObject(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}
