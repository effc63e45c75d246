package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const maxReadBytes = 8000

// ErrOutsideWorkspace is returned for paths that escape the workspace root.
var ErrOutsideWorkspace = errors.New("path outside workspace")

// Workspace confines file tools to one directory tree.
type Workspace struct {
	root string
}

// NewWorkspace roots file tools at dir.
func NewWorkspace(dir string) (*Workspace, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	return &Workspace{root: abs}, nil
}

// Root returns the absolute workspace root.
func (w *Workspace) Root() string { return w.root }

// Resolve maps a workspace-relative path to an absolute one.
func (w *Workspace) Resolve(rel string) (string, error) {
	if rel == "" {
		rel = "."
	}
	var abs string
	if filepath.IsAbs(rel) {
		abs = filepath.Clean(rel)
	} else {
		abs = filepath.Join(w.root, rel)
	}
	r, err := filepath.Rel(w.root, abs)
	if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideWorkspace, rel)
	}
	return abs, nil
}

// Rel returns the canonical workspace-relative form of path, used as the
// resource id in working memory.
func (w *Workspace) Rel(path string) string {
	abs, err := w.Resolve(path)
	if err != nil {
		return path
	}
	r, err := filepath.Rel(w.root, abs)
	if err != nil {
		return path
	}
	return filepath.ToSlash(r)
}

// RegisterFileTools adds read_file, list_dir and write_file to reg.
func RegisterFileTools(reg *Registry, ws *Workspace) {
	reg.Register(&readFile{ws: ws})
	reg.Register(&listDir{ws: ws})
	reg.Register(&writeFile{ws: ws})
}

type pathArgs struct {
	Path string `json:"path"`
}

func pathResource(ws *Workspace, prefix string, args json.RawMessage) string {
	var p pathArgs
	if decodeArgs(args, &p) != nil {
		return ""
	}
	return prefix + ws.Rel(p.Path)
}

type readFile struct{ ws *Workspace }

func (*readFile) Name() string        { return "read_file" }
func (*readFile) Description() string { return "Read a text file inside the workspace" }
func (*readFile) Category() Category  { return Explore }
func (*readFile) Parameters() map[string]any {
	return schema([]string{"path"}, map[string]any{
		"path": prop("string", "Workspace-relative file path"),
	})
}

func (t *readFile) Resource(args json.RawMessage) string {
	return pathResource(t.ws, "file:", args)
}

func (t *readFile) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var p pathArgs
	if err := decodeArgs(args, &p); err != nil {
		return "", err
	}
	path, err := t.ws.Resolve(p.Path)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", p.Path, err)
	}
	return truncate(string(data), maxReadBytes), nil
}

type listDir struct{ ws *Workspace }

func (*listDir) Name() string        { return "list_dir" }
func (*listDir) Description() string { return "List the entries of a workspace directory" }
func (*listDir) Category() Category  { return Explore }
func (*listDir) Parameters() map[string]any {
	return schema(nil, map[string]any{
		"path": prop("string", "Workspace-relative directory, default the root"),
	})
}

func (t *listDir) Resource(args json.RawMessage) string {
	return pathResource(t.ws, "dir:", args)
}

func (t *listDir) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var p pathArgs
	if err := decodeArgs(args, &p); err != nil {
		return "", err
	}
	path, err := t.ws.Resolve(p.Path)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return "", fmt.Errorf("list %s: %w", p.Path, err)
	}
	var sb strings.Builder
	for _, e := range entries {
		sb.WriteString(e.Name())
		if e.IsDir() {
			sb.WriteString("/")
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

type writeArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type writeFile struct{ ws *Workspace }

func (*writeFile) Name() string        { return "write_file" }
func (*writeFile) Description() string { return "Create or overwrite a text file inside the workspace" }
func (*writeFile) Category() Category  { return Create }
func (*writeFile) Parameters() map[string]any {
	return schema([]string{"path", "content"}, map[string]any{
		"path":    prop("string", "Workspace-relative file path"),
		"content": prop("string", "Full file content"),
	})
}

func (t *writeFile) Resource(args json.RawMessage) string {
	return pathResource(t.ws, "file:", args)
}

func (t *writeFile) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var p writeArgs
	if err := decodeArgs(args, &p); err != nil {
		return "", err
	}
	path, err := t.ws.Resolve(p.Path)
	if err != nil {
		return "", err
	}
	if path == t.ws.root {
		return "", fmt.Errorf("write_file: path is the workspace root")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("mkdir for %s: %w", p.Path, err)
	}
	if err := os.WriteFile(path, []byte(p.Content), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", p.Path, err)
	}
	return fmt.Sprintf(`{"status":"written","path":%q,"bytes":%d}`, t.ws.Rel(p.Path), len(p.Content)), nil
}
