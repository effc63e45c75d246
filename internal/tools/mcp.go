package tools

import (
	"context"
	"encoding/json"

	"github.com/nidhogg/atlas/internal/mcp"
)

// Caller is the part of an MCP client a bridged tool needs.
type Caller interface {
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
}

// MCPTool exposes one remote MCP tool through the registry.
type MCPTool struct {
	info     mcp.ToolInfo
	caller   Caller
	category Category
}

// NewMCPTool wraps info served by caller.
func NewMCPTool(info mcp.ToolInfo, caller Caller, category Category) *MCPTool {
	if category == "" {
		category = Explore
	}
	return &MCPTool{info: info, caller: caller, category: category}
}

func (t *MCPTool) Name() string        { return t.info.Name }
func (t *MCPTool) Description() string { return t.info.Description }
func (t *MCPTool) Category() Category  { return t.category }

func (t *MCPTool) Parameters() map[string]any {
	if t.info.InputSchema == nil {
		return schema(nil, map[string]any{})
	}
	return t.info.InputSchema
}

// Resource uses a url or path argument when the tool takes one.
func (t *MCPTool) Resource(args json.RawMessage) string {
	var p struct {
		URL  string `json:"url"`
		Path string `json:"path"`
	}
	if decodeArgs(args, &p) != nil {
		return ""
	}
	switch {
	case p.URL != "":
		return "url:" + p.URL
	case p.Path != "":
		return t.info.Name + ":" + p.Path
	}
	return ""
}

func (t *MCPTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var parsed map[string]any
	if err := decodeArgs(args, &parsed); err != nil {
		return "", err
	}
	out, err := t.caller.CallTool(ctx, t.info.Name, parsed)
	if err != nil {
		return "", err
	}
	return truncate(out, maxReadBytes), nil
}

// RegisterMCPTools bridges every tool a connected client discovered.
func RegisterMCPTools(reg *Registry, client *mcp.Client, category Category) int {
	infos := client.Tools()
	for _, info := range infos {
		reg.Register(NewMCPTool(info, client, category))
	}
	return len(infos)
}
