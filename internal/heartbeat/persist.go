package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nidhogg/atlas/internal/agenterr"
	"github.com/nidhogg/atlas/internal/drive"
	"github.com/nidhogg/atlas/internal/memory"
)

// SnapshotVersion is bumped when the snapshot layout changes.
const SnapshotVersion = 1

// ErrNoSnapshot is returned by Load when nothing has been saved yet.
var ErrNoSnapshot = errors.New("no snapshot")

// EpisodePointer locates the end of the episode log at snapshot time.
type EpisodePointer struct {
	Count  int       `json:"count"`
	LastID string    `json:"last_id,omitempty"`
	LastAt time.Time `json:"last_at,omitempty"`
}

// Snapshot is the persisted form of an AgentState plus pointers into the
// long-term stores.
type Snapshot struct {
	Version   int             `json:"version"`
	SavedAt   time.Time       `json:"saved_at"`
	Cycle     int64           `json:"cycle"`
	Lifecycle Lifecycle       `json:"lifecycle"`
	Mood      string          `json:"mood,omitempty"`
	Thoughts  string          `json:"thoughts,omitempty"`
	Crashed   bool            `json:"crashed"`
	Drives    drive.Persisted `json:"drives"`
	Working   []memory.Entry  `json:"working"`
	Episodes  EpisodePointer  `json:"episodes"`
	FactIDs   []string        `json:"fact_ids"`
	Facts     []memory.Fact   `json:"facts,omitempty"`
}

// Persister saves and loads snapshots.
type Persister interface {
	Save(ctx context.Context, snap *Snapshot) error
	Load(ctx context.Context) (*Snapshot, error)
}

// FilePersister keeps the latest snapshot in one JSON file, replaced
// atomically on every save.
type FilePersister struct {
	path string
}

// NewFilePersister stores snapshots at path.
func NewFilePersister(path string) *FilePersister {
	return &FilePersister{path: path}
}

// Path returns the snapshot file location.
func (p *FilePersister) Path() string { return p.path }

func (p *FilePersister) Save(_ context.Context, snap *Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return agenterr.StoreWrite("snapshot dir", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p.path), filepath.Base(p.path)+".*.tmp")
	if err != nil {
		return agenterr.StoreWrite("snapshot temp", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return agenterr.StoreWrite("snapshot write", err)
	}
	if err := tmp.Close(); err != nil {
		return agenterr.StoreWrite("snapshot close", err)
	}
	if err := os.Rename(tmp.Name(), p.path); err != nil {
		return agenterr.StoreWrite("snapshot rename", err)
	}
	return nil
}

func (p *FilePersister) Load(_ context.Context) (*Snapshot, error) {
	data, err := os.ReadFile(p.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, agenterr.Invariant("decode snapshot %s: %v", p.path, err)
	}
	if snap.Version > SnapshotVersion {
		return nil, agenterr.Invariant("snapshot version %d is newer than %d", snap.Version, SnapshotVersion)
	}
	return &snap, nil
}
