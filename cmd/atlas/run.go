package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nidhogg/atlas/internal/api"
	"github.com/nidhogg/atlas/internal/config"
	"github.com/nidhogg/atlas/internal/dream"
	"github.com/nidhogg/atlas/internal/drive"
	"github.com/nidhogg/atlas/internal/embedding"
	"github.com/nidhogg/atlas/internal/events"
	"github.com/nidhogg/atlas/internal/heartbeat"
	"github.com/nidhogg/atlas/internal/mcp"
	"github.com/nidhogg/atlas/internal/memory"
	"github.com/nidhogg/atlas/internal/metrics"
	"github.com/nidhogg/atlas/internal/oracle"
	"github.com/nidhogg/atlas/internal/provider"
	"github.com/nidhogg/atlas/internal/store"
	"github.com/nidhogg/atlas/internal/tools"
	"github.com/nidhogg/atlas/internal/vectorstore"
)

const shutdownGrace = 10 * time.Second

var (
	runCycles   int64
	runInterval time.Duration
	runNoAPI    bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the heartbeat",
	Long: `Restore the last snapshot, then run one heartbeat per interval until
interrupted or until --cycles heartbeats have fired. State is saved on exit.`,
	RunE: runAgent,
}

// agent is the assembled runtime. Optional backends that failed to come up
// are replaced by their in-memory fallbacks.
type agent struct {
	scheduler *heartbeat.Scheduler
	clock     *heartbeat.Clock
	bus       *events.Bus
	handler   *api.Handler
	closers   []func()
}

func (a *agent) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func runAgent(cmd *cobra.Command, args []string) error {
	if runInterval > 0 {
		cfg.Heartbeat.Interval = config.Duration(runInterval)
	}
	if cmd.Flags().Changed("cycles") {
		cfg.Heartbeat.MaxCycles = runCycles
	}

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()
	ctx, cancel := context.WithCancel(sigCtx)
	defer cancel()

	a, err := assemble(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel() // a reached cycle limit ends the run
		return a.clock.Run(gctx)
	})

	if !runNoAPI {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           a.handler.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info("atlas listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("api server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, scancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer scancel()
			return srv.Shutdown(sctx)
		})
	}

	runErr := g.Wait()

	logger.Info("shutting down atlas")
	sctx, scancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer scancel()
	if err := a.scheduler.SaveSnapshot(sctx); err != nil {
		logger.Warn("final snapshot failed", zap.Error(err))
	}
	a.bus.Close()
	life := a.scheduler.State().Lifecycle()
	logger.Info("atlas stopped",
		zap.Int64("cycles", life.Cycles),
		zap.Int64("dreams", life.Dreams),
		zap.Int64("failures", life.Failures))
	return runErr
}

// assemble builds every component from cfg, falling back to in-memory
// backends when an optional store is unreachable.
func assemble(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*agent, error) {
	a := &agent{}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	a.bus = events.NewBus(cfg.Events.QueueSize, cfg.Events.TraceSize, logger)
	a.closers = append(a.closers, a.bus.Close)

	var stream api.EventStream
	if cfg.Database.Redis.URL != "" {
		sink, err := events.NewRedisSink(ctx, cfg.Database.Redis.URL, cfg.Database.Redis.Stream, logger)
		if err != nil {
			logger.Warn("Redis unavailable, events stay in-process", zap.Error(err))
		} else {
			a.bus.SubscribeAll(sink.Handle)
			a.closers = append(a.closers, func() { _ = sink.Close() })
			stream = sink
		}
	}

	drives, err := drive.NewState(cfg.Drives.Config)
	if err != nil {
		return nil, fmt.Errorf("drives: %w", err)
	}
	working := memory.NewWorking(cfg.Memory.WorkingCapacity)
	state := heartbeat.NewAgentState(drives, working)

	var pg *store.Store
	if cfg.Database.Postgres.DSN != "" {
		s, err := store.New(ctx, cfg.Database.Postgres.DSN, logger)
		if err != nil {
			logger.Warn("PostgreSQL unavailable, running on local persistence", zap.Error(err))
		} else {
			a.closers = append(a.closers, s.Close)
			if err := s.Migrate(ctx); err != nil {
				return nil, fmt.Errorf("migrate: %w", err)
			}
			s.KeepSnapshots(cfg.Database.Postgres.KeepSnapshots)
			pg = s
		}
	}

	embedder, err := embedding.New(cfg.EmbeddingSettings(), logger)
	if err != nil {
		return nil, fmt.Errorf("embedding: %w", err)
	}

	var index memory.Index = memory.NewFlatIndex()
	if q := cfg.Database.Qdrant; q.Host != "" {
		vs, err := vectorstore.NewClient(vectorstore.QdrantConfig{Host: q.Host, Port: q.Port, Collection: q.Collection}, logger)
		if err == nil {
			err = vs.EnsureCollection(ctx, uint64(embedder.Dimension()))
			if err != nil {
				_ = vs.Close()
			}
		}
		if err != nil {
			logger.Warn("Qdrant unavailable, using in-process index", zap.Error(err))
		} else {
			a.closers = append(a.closers, func() { _ = vs.Close() })
			index = vs
		}
	}

	var episodeLog memory.EpisodeLog = memory.NewMemoryLog()
	if pg != nil {
		episodeLog = pg
	}
	episodic := memory.NewEpisodic(episodeLog, index, embedder, logger)

	var factSink memory.FactSink
	if n := cfg.Database.Neo4j; n.URI != "" {
		if graph, err := openGraph(ctx, n, logger); err != nil {
			logger.Warn("Neo4j unavailable, facts live in snapshots only", zap.Error(err))
		} else {
			a.closers = append(a.closers, func() { _ = graph.Close(context.Background()) })
			factSink = graph
		}
	}
	semantic := memory.NewSemantic(factSink, logger)
	if err := semantic.Load(ctx); err != nil {
		logger.Warn("semantic memory not hydrated", zap.Error(err))
	}

	router := newRouter(cfg, logger)

	reg, err := newTools(ctx, cfg, episodic, semantic, logger, a)
	if err != nil {
		return nil, err
	}

	persona := oracle.LoadPersona(cfg.Oracle.ProfileDir, oracle.DefaultPersona())
	llm := oracle.NewLLM(router, reg, persona, cfg.LLMSettings(), logger)

	var ledger dream.RunLedger
	if pg != nil {
		ledger = pg
	}
	consolidator := dream.NewConsolidator(cfg.Dream, episodic, semantic, llm, ledger, a.bus, logger)

	var persister heartbeat.Persister = heartbeat.NewFilePersister(cfg.Snapshot.Path)
	if pg != nil {
		persister = pg
	}

	a.scheduler, err = heartbeat.NewScheduler(cfg.HeartbeatSettings(), heartbeat.Components{
		State:     state,
		Decider:   llm,
		Tools:     reg,
		Episodes:  episodic,
		Facts:     semantic,
		Dreams:    consolidator,
		Bus:       a.bus,
		Persister: persister,
	}, logger)
	if err != nil {
		return nil, err
	}
	restored, err := a.scheduler.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("restore snapshot: %w", err)
	}
	if !restored {
		logger.Info("no snapshot found, starting fresh")
	}

	a.clock = heartbeat.NewClock(cfg.Heartbeat.Interval.Std(), logger)
	a.clock.SetLimit(cfg.Heartbeat.MaxCycles)
	a.clock.AddListener(a.scheduler)

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.New(promReg, drives, a.bus).Attach(a.bus)

	a.handler = api.NewHandler(api.Deps{
		State:       state,
		Cycler:      a.scheduler,
		Facts:       semantic,
		Dreams:      consolidator,
		Trace:       a.bus,
		Stream:      stream,
		Metrics:     promhttp.HandlerFor(promReg, promhttp.HandlerOpts{Registry: promReg}),
		CORSOrigins: cfg.Server.CORSOrigins,
	}, logger)

	ok = true
	return a, nil
}

func openGraph(ctx context.Context, n config.Neo4jConfig, logger *zap.Logger) (*memory.GraphStore, error) {
	graph, err := memory.NewGraphStore(n.URI, n.User, n.Password, logger)
	if err != nil {
		return nil, err
	}
	if err := graph.Ping(ctx); err != nil {
		_ = graph.Close(ctx)
		return nil, err
	}
	if err := graph.EnsureSchema(ctx); err != nil {
		_ = graph.Close(ctx)
		return nil, err
	}
	return graph, nil
}

func newRouter(cfg *config.Config, logger *zap.Logger) *provider.Router {
	router := provider.NewRouter(logger)
	policy := provider.DefaultRetryPolicy()
	if cfg.Oracle.Retries > 0 {
		policy.Attempts = cfg.Oracle.Retries
	}
	router.SetRetry(policy)

	for _, pc := range cfg.Providers {
		p, err := provider.New(pc.ProviderSettings(), logger)
		if err != nil {
			logger.Warn("skipping provider", zap.String("id", pc.ID), zap.Error(err))
			continue
		}
		router.Register(p)
	}
	if id := cfg.Oracle.Provider; id != "" {
		router.SetDefault(id)
		for _, purpose := range []string{provider.PurposeDecide, provider.PurposeDream} {
			router.Bind(purpose, id)
			router.SetFallbacks(purpose, cfg.Oracle.Fallbacks)
		}
	}
	if router.Len() == 0 {
		logger.Warn("no LLM providers configured; every heartbeat will record an oracle failure")
	}
	return router
}

func newTools(ctx context.Context, cfg *config.Config, episodic *memory.Episodic, semantic *memory.Semantic,
	logger *zap.Logger, a *agent) (*tools.Registry, error) {
	reg := tools.NewRegistry(logger)

	ws, err := tools.NewWorkspace(cfg.Workspace.Root)
	if err != nil {
		return nil, fmt.Errorf("workspace: %w", err)
	}
	tools.RegisterFileTools(reg, ws)
	tools.NewChangeGate(ws, cfg.Workspace.Protected, cfg.Workspace.BackupDir, logger).Register(reg)
	tools.RegisterRecall(reg, episodic, semantic)

	for _, sc := range cfg.MCP.Servers {
		c := mcp.NewClient(sc.Name, sc.URL, logger)
		if err := c.Connect(ctx); err != nil {
			logger.Warn("MCP server unavailable", zap.String("name", sc.Name), zap.Error(err))
			continue
		}
		a.closers = append(a.closers, func() { _ = c.Close() })
		n := tools.RegisterMCPTools(reg, c, tools.Category(sc.Category))
		logger.Info("MCP tools registered", zap.String("server", sc.Name), zap.Int("tools", n))
	}
	logger.Info("tools ready", zap.String("workspace", ws.Root()), zap.Strings("tools", reg.Names()))
	return reg, nil
}
