package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrProtected is returned for edits to protected paths.
var ErrProtected = errors.New("protected path")

// Proposal is a pending exact-match edit awaiting apply_change.
type Proposal struct {
	ID         string    `json:"id"`
	Path       string    `json:"path"`
	OldContent string    `json:"old_content"`
	NewContent string    `json:"new_content"`
	Reason     string    `json:"reason,omitempty"`
	ProposedAt time.Time `json:"proposed_at"`
}

// ChangeGate splits self-modification into propose and apply so every edit
// is checked twice against the protected list and the current file content.
type ChangeGate struct {
	ws        *Workspace
	protected []string
	backups   string
	pending   map[string]Proposal
	mu        sync.Mutex
	logger    *zap.Logger
}

// NewChangeGate creates a gate. Protected entries are workspace-relative
// path prefixes. Backups of edited files go under backupDir inside the
// workspace.
func NewChangeGate(ws *Workspace, protected []string, backupDir string, logger *zap.Logger) *ChangeGate {
	if backupDir == "" {
		backupDir = "data/backups"
	}
	norm := make([]string, 0, len(protected)+1)
	for _, p := range protected {
		if p = strings.Trim(filepath.ToSlash(filepath.Clean(p)), "/"); p != "" && p != "." {
			norm = append(norm, p)
		}
	}
	backupRel := strings.Trim(filepath.ToSlash(filepath.Clean(backupDir)), "/")
	norm = append(norm, backupRel)
	return &ChangeGate{
		ws:        ws,
		protected: norm,
		backups:   backupRel,
		pending:   make(map[string]Proposal),
		logger:    logger,
	}
}

// Register adds propose_change and apply_change to reg.
func (g *ChangeGate) Register(reg *Registry) {
	reg.Register(&proposeChange{g: g})
	reg.Register(&applyChange{g: g})
}

// Protected reports whether the workspace-relative path is off limits.
func (g *ChangeGate) Protected(path string) bool {
	rel := g.ws.Rel(path)
	for _, p := range g.protected {
		if rel == p || strings.HasPrefix(rel, p+"/") {
			return true
		}
	}
	return false
}

// Pending returns the proposals not yet applied.
func (g *ChangeGate) Pending() []Proposal {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Proposal, 0, len(g.pending))
	for _, p := range g.pending {
		out = append(out, p)
	}
	return out
}

// Propose validates an edit and parks it.
func (g *ChangeGate) Propose(p Proposal) (Proposal, error) {
	abs, err := g.check(p)
	if err != nil {
		return Proposal{}, err
	}
	if _, err := matchOnce(abs, p.OldContent); err != nil {
		return Proposal{}, err
	}
	p.ID = uuid.New().String()
	p.Path = g.ws.Rel(p.Path)
	p.ProposedAt = time.Now()

	g.mu.Lock()
	g.pending[p.ID] = p
	g.mu.Unlock()
	return p, nil
}

// Apply performs a parked edit after re-validating it, keeping a backup of
// the previous content. Returns the backup path.
func (g *ChangeGate) Apply(id string) (string, error) {
	g.mu.Lock()
	p, ok := g.pending[id]
	delete(g.pending, id)
	g.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("no pending change %q", id)
	}

	abs, err := g.check(p)
	if err != nil {
		return "", err
	}
	content, err := matchOnce(abs, p.OldContent)
	if err != nil {
		return "", fmt.Errorf("file changed since proposal: %w", err)
	}

	backupRel := fmt.Sprintf("%s/%s_%s%s", g.backups,
		strings.TrimSuffix(filepath.Base(abs), filepath.Ext(abs)),
		time.Now().Format("20060102_150405"), filepath.Ext(abs))
	backupAbs, err := g.ws.Resolve(backupRel)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(backupAbs), 0o755); err != nil {
		return "", fmt.Errorf("backup dir: %w", err)
	}
	if err := os.WriteFile(backupAbs, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("backup %s: %w", p.Path, err)
	}

	updated := strings.Replace(content, p.OldContent, p.NewContent, 1)
	if err := os.WriteFile(abs, []byte(updated), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", p.Path, err)
	}
	g.logger.Info("self-modification applied",
		zap.String("path", p.Path),
		zap.String("backup", backupRel),
		zap.String("reason", p.Reason))
	return backupRel, nil
}

func (g *ChangeGate) check(p Proposal) (string, error) {
	if p.Path == "" || p.OldContent == "" {
		return "", fmt.Errorf("path and old_content are required")
	}
	abs, err := g.ws.Resolve(p.Path)
	if err != nil {
		return "", err
	}
	if g.Protected(p.Path) {
		return "", fmt.Errorf("%w: %s", ErrProtected, g.ws.Rel(p.Path))
	}
	return abs, nil
}

func matchOnce(abs, old string) (string, error) {
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", fmt.Errorf("read target: %w", err)
	}
	content := string(data)
	switch n := strings.Count(content, old); n {
	case 0:
		return "", fmt.Errorf("old_content not found, read the file first")
	case 1:
		return content, nil
	default:
		return "", fmt.Errorf("old_content matches %d times, include more context", n)
	}
}

type proposeChange struct{ g *ChangeGate }

func (*proposeChange) Name() string { return "propose_change" }
func (*proposeChange) Description() string {
	return "Propose an exact find-and-replace edit to a workspace file. Returns a proposal id for apply_change."
}
func (*proposeChange) Category() Category { return Reflect }
func (*proposeChange) Parameters() map[string]any {
	return schema([]string{"path", "old_content", "new_content"}, map[string]any{
		"path":        prop("string", "Workspace-relative file path"),
		"old_content": prop("string", "Exact text to replace, must occur once"),
		"new_content": prop("string", "Replacement text"),
		"reason":      prop("string", "Why the change is wanted"),
	})
}

func (t *proposeChange) Resource(args json.RawMessage) string {
	return pathResource(t.g.ws, "change:", args)
}

func (t *proposeChange) Execute(_ context.Context, args json.RawMessage) (string, error) {
	var p Proposal
	if err := decodeArgs(args, &p); err != nil {
		return "", err
	}
	parked, err := t.g.Propose(p)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`{"status":"proposed","id":%q,"path":%q}`, parked.ID, parked.Path), nil
}

type applyChange struct{ g *ChangeGate }

func (*applyChange) Name() string        { return "apply_change" }
func (*applyChange) Description() string { return "Apply a change previously returned by propose_change" }
func (*applyChange) Category() Category  { return Create }
func (*applyChange) Parameters() map[string]any {
	return schema([]string{"id"}, map[string]any{
		"id": prop("string", "Proposal id"),
	})
}

func (t *applyChange) Execute(_ context.Context, args json.RawMessage) (string, error) {
	var p struct {
		ID string `json:"id"`
	}
	if err := decodeArgs(args, &p); err != nil {
		return "", err
	}
	backup, err := t.g.Apply(p.ID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`{"status":"applied","backup":%q}`, backup), nil
}
