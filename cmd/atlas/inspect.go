package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nidhogg/atlas/internal/config"
	"github.com/nidhogg/atlas/internal/events"
	"github.com/nidhogg/atlas/internal/heartbeat"
	"github.com/nidhogg/atlas/internal/store"
)

var (
	inspectFollow bool
	inspectEvents int64
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Print the last saved state and recent events",
	Long: `Print a summary of the newest snapshot (from PostgreSQL when configured,
otherwise the snapshot file) followed by recent events from the Redis
stream. With --follow, keep printing events as a running agent emits them.`,
	RunE: runInspect,
}

func runInspect(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	out := cmd.OutOrStdout()

	snap, err := loadSnapshot(ctx, cfg)
	switch {
	case errors.Is(err, heartbeat.ErrNoSnapshot):
		fmt.Fprintln(out, "no snapshot saved yet")
	case err != nil:
		return err
	default:
		printSnapshot(out, snap)
	}

	if cfg.Database.Redis.URL == "" {
		if inspectFollow {
			return errors.New("--follow needs database.redis.url")
		}
		return nil
	}
	sink, err := events.NewRedisSink(ctx, cfg.Database.Redis.URL, cfg.Database.Redis.Stream, logger)
	if err != nil {
		return err
	}
	defer sink.Close()

	recent, err := sink.Recent(ctx, inspectEvents)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "\nlast %d events:\n", len(recent))
	for _, e := range recent {
		printEvent(out, e)
	}
	if !inspectFollow {
		return nil
	}
	fmt.Fprintln(out, "\nfollowing (ctrl-c to stop)...")
	for e := range sink.Tail(ctx) {
		printEvent(out, e)
	}
	return nil
}

func loadSnapshot(ctx context.Context, cfg *config.Config) (*heartbeat.Snapshot, error) {
	if dsn := cfg.Database.Postgres.DSN; dsn != "" {
		s, err := store.New(ctx, dsn, logger)
		if err == nil {
			defer s.Close()
			return s.Load(ctx)
		}
		logger.Warn("PostgreSQL unavailable, reading snapshot file", zap.Error(err))
	}
	return heartbeat.NewFilePersister(cfg.Snapshot.Path).Load(ctx)
}

func printSnapshot(w io.Writer, snap *heartbeat.Snapshot) {
	life := snap.Lifecycle
	fmt.Fprintf(w, "cycle %d  (saved %s)\n", snap.Cycle, snap.SavedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "born %s  dreams %d  failures %d\n", life.Born.Format("2006-01-02 15:04"), life.Dreams, life.Failures)
	if snap.Crashed {
		fmt.Fprintln(w, "last cycle crashed")
	}
	if snap.Mood != "" {
		fmt.Fprintf(w, "mood: %s\n", snap.Mood)
	}
	if snap.Thoughts != "" {
		fmt.Fprintf(w, "thoughts: %s\n", snap.Thoughts)
	}

	fmt.Fprintln(w, "\ndrives:")
	for _, v := range snap.Drives.Variables {
		fmt.Fprintf(w, "  %-13s %.2f (baseline %.2f)\n", v.Name, v.Value, v.Baseline)
	}

	fmt.Fprintf(w, "\nworking memory (%d):\n", len(snap.Working))
	for _, e := range snap.Working {
		fmt.Fprintf(w, "  #%d %-10s %s", e.Cycle, e.Outcome, e.Action)
		if e.Detail != "" {
			fmt.Fprintf(w, "  %s", e.Detail)
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "\nepisodes: %d   facts: %d\n", snap.Episodes.Count, len(snap.FactIDs))
}

func printEvent(w io.Writer, e events.Event) {
	fields, _ := json.Marshal(e.Fields)
	fmt.Fprintf(w, "%s  #%-5d %-17s %s\n", e.At.Format("15:04:05"), e.Cycle, e.Kind, fields)
}
