package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/nidhogg/atlas/internal/agenterr"
	"github.com/nidhogg/atlas/internal/heartbeat"
)

var _ heartbeat.Persister = (*Store)(nil)

const defaultKeep = 50

// Save implements heartbeat.Persister. Older snapshots beyond the retention
// bound are pruned in the same transaction.
func (s *Store) Save(ctx context.Context, snap *heartbeat.Snapshot) error {
	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return agenterr.StoreWrite("begin snapshot", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO snapshots (cycle, version, saved_at, body)
		VALUES ($1, $2, $3, $4)`,
		snap.Cycle, snap.Version, snap.SavedAt, body,
	); err != nil {
		return agenterr.StoreWrite("insert snapshot", err)
	}
	if s.keep > 0 {
		if _, err := tx.Exec(ctx, `
			DELETE FROM snapshots
			WHERE id NOT IN (SELECT id FROM snapshots ORDER BY id DESC LIMIT $1)`,
			s.keep,
		); err != nil {
			return agenterr.StoreWrite("prune snapshots", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return agenterr.StoreWrite("commit snapshot", err)
	}
	s.logger.Debug("snapshot stored", zap.Int64("cycle", snap.Cycle))
	return nil
}

// Load implements heartbeat.Persister, returning the newest snapshot.
func (s *Store) Load(ctx context.Context) (*heartbeat.Snapshot, error) {
	var body []byte
	err := s.db.QueryRow(ctx, `
		SELECT body FROM snapshots
		ORDER BY id DESC
		LIMIT 1`,
	).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, heartbeat.ErrNoSnapshot
	}
	if err != nil {
		return nil, agenterr.Transient("load snapshot", err)
	}
	var snap heartbeat.Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return nil, agenterr.Invariant("decode stored snapshot: %v", err)
	}
	if snap.Version > heartbeat.SnapshotVersion {
		return nil, agenterr.Invariant("snapshot version %d is newer than %d", snap.Version, heartbeat.SnapshotVersion)
	}
	return &snap, nil
}
