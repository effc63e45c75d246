package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nidhogg/atlas/internal/memory"
)

var _ memory.EpisodeLog = (*Store)(nil)

const uniqueViolation = "23505"

const episodeColumns = `id, cycle, event, context, outcome, importance, tags, embedding, recorded_at`

// Append implements memory.EpisodeLog.
func (s *Store) Append(ctx context.Context, ep memory.Episode) error {
	tags := ep.Tags
	if tags == nil {
		tags = []string{}
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO episodes (`+episodeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ep.ID, ep.Cycle, ep.Event, ep.Context, ep.Outcome, ep.Importance, tags, ep.Embedding, ep.RecordedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", memory.ErrDuplicateEpisode, ep.ID)
	}
	if err != nil {
		return fmt.Errorf("insert episode: %w", err)
	}
	return nil
}

// Get implements memory.EpisodeLog. Unknown ids are absent from the map.
func (s *Store) Get(ctx context.Context, ids []string) (map[string]memory.Episode, error) {
	out := make(map[string]memory.Episode, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+episodeColumns+`
		FROM episodes
		WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("get episodes: %w", err)
	}
	eps, err := collectEpisodes(rows)
	if err != nil {
		return nil, err
	}
	for _, ep := range eps {
		out[ep.ID] = ep
	}
	return out, nil
}

// Recent implements memory.EpisodeLog, newest first.
func (s *Store) Recent(ctx context.Context, k int) ([]memory.Episode, error) {
	if k <= 0 {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+episodeColumns+`
		FROM episodes
		ORDER BY recorded_at DESC
		LIMIT $1`, k)
	if err != nil {
		return nil, fmt.Errorf("recent episodes: %w", err)
	}
	return collectEpisodes(rows)
}

// Count implements memory.EpisodeLog.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRow(ctx, `SELECT count(*) FROM episodes`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count episodes: %w", err)
	}
	return n, nil
}

func collectEpisodes(rows pgx.Rows) ([]memory.Episode, error) {
	defer rows.Close()
	var eps []memory.Episode
	for rows.Next() {
		var ep memory.Episode
		if err := rows.Scan(&ep.ID, &ep.Cycle, &ep.Event, &ep.Context, &ep.Outcome,
			&ep.Importance, &ep.Tags, &ep.Embedding, &ep.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan episode: %w", err)
		}
		eps = append(eps, ep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read episodes: %w", err)
	}
	return eps, nil
}
