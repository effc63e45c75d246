package store

import (
	"context"
	"fmt"

	"github.com/nidhogg/atlas/internal/agenterr"
	"github.com/nidhogg/atlas/internal/dream"
	"github.com/nidhogg/atlas/internal/drive"
)

var _ dream.RunLedger = (*Store)(nil)

// RecordRun implements dream.RunLedger as an upsert by run id.
func (s *Store) RecordRun(ctx context.Context, run dream.Run) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO dream_runs (id, trigger_name, trigger_value, cycle, depth,
			episode_ids, fact_ids, status, error, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			episode_ids = EXCLUDED.episode_ids,
			fact_ids    = EXCLUDED.fact_ids,
			status      = EXCLUDED.status,
			error       = EXCLUDED.error,
			finished_at = EXCLUDED.finished_at`,
		run.ID, string(run.Trigger.Name), run.Trigger.Value, run.Trigger.Cycle, string(run.Depth),
		nonNil(run.EpisodeIDs), nonNil(run.FactIDs), string(run.Status), run.Error,
		run.StartedAt, run.FinishedAt,
	)
	if err != nil {
		return agenterr.StoreWrite("record dream run", err)
	}
	return nil
}

// Runs implements dream.RunLedger, newest first.
func (s *Store) Runs(ctx context.Context, limit int) ([]dream.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, trigger_name, trigger_value, cycle, depth,
			episode_ids, fact_ids, status, error, started_at, finished_at
		FROM dream_runs
		ORDER BY started_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dream runs: %w", err)
	}
	defer rows.Close()

	var runs []dream.Run
	for rows.Next() {
		var (
			r                     dream.Run
			trigger, depth, state string
		)
		if err := rows.Scan(&r.ID, &trigger, &r.Trigger.Value, &r.Trigger.Cycle, &depth,
			&r.EpisodeIDs, &r.FactIDs, &state, &r.Error, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan dream run: %w", err)
		}
		r.Trigger.Name = drive.Name(trigger)
		r.Depth = dream.Depth(depth)
		r.Status = dream.Status(state)
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read dream runs: %w", err)
	}
	return runs, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
