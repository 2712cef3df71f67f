package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/cybersharkvin/llmitm-v2-sub002/internal/capture"
	"github.com/cybersharkvin/llmitm-v2-sub002/internal/compiler"
	"github.com/cybersharkvin/llmitm-v2-sub002/internal/database"
	"github.com/cybersharkvin/llmitm-v2-sub002/internal/events"
	"github.com/cybersharkvin/llmitm-v2-sub002/internal/executor"
	"github.com/cybersharkvin/llmitm-v2-sub002/internal/graph"
	"github.com/cybersharkvin/llmitm-v2-sub002/internal/graphsync"
	"github.com/cybersharkvin/llmitm-v2-sub002/internal/llm"
	"github.com/cybersharkvin/llmitm-v2-sub002/internal/llm/providers"
	"github.com/cybersharkvin/llmitm-v2-sub002/internal/observability"
	"github.com/cybersharkvin/llmitm-v2-sub002/internal/run"
)

// appContext bundles the wired application for one command invocation.
// Build it with buildAppContext and always defer Close.
type appContext struct {
	db         *database.DB
	emitter    *events.Emitter
	graph      graph.Store
	sync       *graphsync.Synchronizer
	runs       *run.DBStore
	controller run.Controller
	snapshots  *graph.SnapshotManager
	tracing    *sdktrace.TracerProvider
}

// buildAppContext opens the database, runs migrations, and wires the
// full controller stack from the loaded configuration.
func buildAppContext(cmd *cobra.Command) (*appContext, error) {
	ctx := cmd.Context()
	logger := slog.Default()

	if err := os.MkdirAll(cfg.Core.HomeDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create home directory: %w", err)
	}

	dbCfg := database.DefaultConfig(cfg.Database.Path)
	if cfg.Database.BusyTimeout > 0 {
		dbCfg.BusyTimeout = cfg.Database.BusyTimeout
	}
	db, err := database.OpenWithConfig(dbCfg)
	if err != nil {
		return nil, err
	}

	if err := database.NewMigrator(db).Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	app := &appContext{db: db}
	app.emitter = events.NewEmitter(db, events.WithLogger(logger))
	app.snapshots = graph.NewSnapshotManager(db, cfg.Graph.SnapshotDir)

	var tracer trace.Tracer
	if cfg.Tracing.Enabled {
		tp, err := observability.InitTracing(ctx, cfg.Tracing)
		if err != nil {
			app.Close()
			return nil, err
		}
		app.tracing = tp
		tracer = tp.Tracer("llmitm")
	}

	if app.graph, err = openGraphStore(ctx); err != nil {
		app.Close()
		return nil, err
	}
	app.sync = graphsync.NewSynchronizer(app.graph,
		graphsync.WithLogger(logger),
		graphsync.WithTracer(tracer))

	provider, err := providers.NewProvider(llm.ProviderConfig{
		Type:              cfg.LLM.Provider,
		Model:             cfg.LLM.Model,
		APIKey:            cfg.LLM.APIKey,
		BaseURL:           cfg.LLM.BaseURL,
		RequestsPerMinute: cfg.LLM.RequestsPerMinute,
	})
	if err != nil {
		app.Close()
		return nil, err
	}

	comp := compiler.NewCompiler(provider,
		compiler.WithLogger(logger),
		compiler.WithModel(cfg.LLM.Model),
		compiler.WithTimeout(cfg.LLM.Timeout),
		compiler.WithIterHook(run.CompileIterHook(app.emitter)),
		compiler.WithTracer(tracer),
	)

	dispatcher := executor.NewDispatcher(executor.WithLogger(logger))
	app.runs = run.NewDBStore(db)

	opts := []run.ControllerOption{
		run.WithLogger(logger),
		run.WithTargets(cfg.Targets),
		run.WithPolicy(cfg.Run),
		run.WithApprover(run.NewTerminalApprover()),
		run.WithCaptureProvider(capture.NewReplayProvider(cfg.Capture.FixturesDir,
			capture.WithReplayLogger(logger))),
	}
	if cfg.Capture.LiveEndpoint != "" {
		opts = append(opts, run.WithCaptureProvider(capture.NewLiveProvider(cfg.Capture.LiveEndpoint,
			capture.WithLiveTimeout(cfg.Capture.Timeout),
			capture.WithLiveLogger(logger))))
	}
	if tracer != nil {
		opts = append(opts, run.WithTracer(tracer))
	}

	app.controller = run.NewController(app.runs, app.graph, app.emitter, comp, app.sync, dispatcher, opts...)
	return app, nil
}

// openGraphStore builds the configured graph backend and connects it.
func openGraphStore(ctx context.Context) (graph.Store, error) {
	switch cfg.Graph.Backend {
	case "neo4j":
		store, err := graph.NewNeo4jStore(graph.Neo4jConfig{
			URI:                   cfg.Graph.Neo4j.URI,
			Username:              cfg.Graph.Neo4j.Username,
			Password:              cfg.Graph.Neo4j.Password,
			Database:              cfg.Graph.Neo4j.Database,
			MaxConnectionPoolSize: cfg.Graph.Neo4j.MaxConnections,
			ConnectionTimeout:     cfg.Graph.Neo4j.ConnectTimeout,
		})
		if err != nil {
			return nil, err
		}
		if err := store.Connect(ctx); err != nil {
			return nil, err
		}
		return store, nil
	default:
		return graph.NewMemoryStore(), nil
	}
}

// Close releases everything buildAppContext opened, in reverse order.
func (a *appContext) Close() {
	ctx := context.Background()
	if a.tracing != nil {
		if err := observability.ShutdownTracing(ctx, a.tracing); err != nil {
			slog.Warn("tracing shutdown failed", "error", err)
		}
	}
	if a.graph != nil {
		if err := a.graph.Close(ctx); err != nil {
			slog.Warn("graph store close failed", "error", err)
		}
	}
	if a.emitter != nil {
		if err := a.emitter.Close(); err != nil {
			slog.Warn("emitter close failed", "error", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			slog.Warn("database close failed", "error", err)
		}
	}
}
