package heartbeat

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/nidhogg/atlas/internal/agenterr"
	"github.com/nidhogg/atlas/internal/events"
)

// Snapshot captures the agent state between cycles.
func (s *Scheduler) Snapshot(ctx context.Context) *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capture(ctx)
}

func (s *Scheduler) capture(ctx context.Context) *Snapshot {
	thoughts, mood := s.state.thoughtsAndMood()
	life := s.state.Lifecycle()
	snap := &Snapshot{
		Version:   SnapshotVersion,
		SavedAt:   s.now(),
		Cycle:     life.Cycles,
		Lifecycle: life,
		Mood:      mood,
		Thoughts:  thoughts,
		Crashed:   s.state.wasCrashed(),
		Drives:    s.state.Drives.Export(),
		Working:   s.state.Working.Entries(),
		FactIDs:   s.facts.IDs(),
		Facts:     s.facts.All(),
	}
	snap.Episodes.LastID, snap.Episodes.LastAt = s.episodes.Last()
	n, err := s.episodes.Count(ctx)
	if err != nil {
		s.logger.Warn("episode count unavailable for snapshot", zap.Error(err))
	}
	snap.Episodes.Count = n
	return snap
}

// SaveSnapshot writes the current state through the persister, e.g. on
// shutdown.
func (s *Scheduler) SaveSnapshot(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(ctx)
}

func (s *Scheduler) save(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	snap := s.capture(ctx)
	if err := s.persister.Save(ctx, snap); err != nil {
		return fmt.Errorf("save snapshot at cycle %d: %w", snap.Cycle, err)
	}
	s.publish(events.SnapshotSaved, snap.Cycle, map[string]any{
		"working": len(snap.Working),
		"facts":   len(snap.FactIDs),
	})
	return nil
}

func (s *Scheduler) maybeSnapshot(ctx context.Context, cycle int64) {
	if s.persister == nil || s.cfg.SnapshotEvery <= 0 || cycle%int64(s.cfg.SnapshotEvery) != 0 {
		return
	}
	if err := s.save(ctx); err != nil {
		s.logger.Warn("snapshot failed",
			zap.Int64("cycle", cycle),
			zap.String("class", agenterr.Class(err)),
			zap.Error(err))
	}
}

// Restore rebuilds the agent state from snap. Drives are validated first;
// a rejected snapshot changes nothing.
func (s *Scheduler) Restore(snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap.Version > SnapshotVersion {
		return agenterr.Invariant("snapshot version %d is newer than %d", snap.Version, SnapshotVersion)
	}
	if err := s.state.Drives.Restore(snap.Drives); err != nil {
		return fmt.Errorf("restore drives: %w", err)
	}
	s.state.Working.Restore(snap.Working)
	s.state.restore(snap.Lifecycle, snap.Mood, snap.Thoughts, snap.Crashed)
	if len(snap.Facts) > 0 {
		s.facts.Restore(snap.Facts)
	}
	s.episodes.Resume(snap.Episodes.LastID, snap.Episodes.LastAt)
	s.dreams.SetTotal(snap.Lifecycle.Dreams)
	s.logger.Info("state restored",
		zap.Int64("cycle", snap.Cycle),
		zap.Int("working", len(snap.Working)),
		zap.Int("facts", len(snap.Facts)),
		zap.Int("episodes", snap.Episodes.Count))
	return nil
}

// Load restores from the persister. It reports false when there is nothing
// to restore.
func (s *Scheduler) Load(ctx context.Context) (bool, error) {
	if s.persister == nil {
		return false, nil
	}
	snap, err := s.persister.Load(ctx)
	if errors.Is(err, ErrNoSnapshot) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, s.Restore(snap)
}
