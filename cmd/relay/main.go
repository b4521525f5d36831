// Command relay is the run execution daemon: it opens the store, starts the
// worker pool, and serves the Run API.
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/relay"
	"github.com/nevindra/relay/handlers"
	"github.com/nevindra/relay/internal/config"
	"github.com/nevindra/relay/llm/resolve"
	"github.com/nevindra/relay/mcpclient"
	"github.com/nevindra/relay/observer"
	"github.com/nevindra/relay/server"
	"github.com/nevindra/relay/skills"
	"github.com/nevindra/relay/store/postgres"
	"github.com/nevindra/relay/store/sqlite"
	"github.com/nevindra/relay/web"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load(os.Getenv("RELAY_CONFIG"), slog.Default())
	logger := newLogger(cfg.LogLevel)

	// The sqlite store always opens: it carries facts, messages, settings
	// overrides, and the fetch cache even when runs live in postgres.
	local := sqlite.New(cfg.Database.Path, sqlite.WithLogger(logger))
	if err := local.Init(ctx); err != nil {
		log.Fatalf("relay: init sqlite store: %v", err)
	}
	defer local.Close()

	var runs relay.RunStore = local
	if cfg.Database.Driver == "postgres" {
		pool, err := pgxpool.New(ctx, cfg.Database.DSN)
		if err != nil {
			log.Fatalf("relay: connect postgres: %v", err)
		}
		defer pool.Close()
		pg := postgres.New(pool)
		if err := pg.Init(ctx); err != nil {
			log.Fatalf("relay: init postgres store: %v", err)
		}
		runs = pg
	}

	var tracer relay.Tracer
	var inst *observer.Instruments
	if cfg.Observer.Enabled {
		var shutdown func(context.Context) error
		var err error
		inst, shutdown, err = observer.Init(ctx)
		if err != nil {
			log.Fatalf("relay: init observer: %v", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				logger.Warn("observer shutdown failed", "error", err)
			}
		}()
		tracer = observer.NewTracer()
	}

	settings := relay.EffectiveSettings(ctx, local, logger)

	llm, err := resolve.LLM(settings.LLM, logger)
	if err != nil {
		log.Fatalf("relay: resolve llm provider: %v", err)
	}
	if inst != nil {
		llm = observer.WrapLLM(llm, inst)
	}

	providers := buildProviders(settings, local, inst, logger)
	catalog := relay.NewCatalog(providers, relay.WithCatalogLogger(logger))
	defer catalog.Close()

	runtimeOpts := []relay.RuntimeOption{relay.WithRuntimeLogger(logger)}
	if tracer != nil {
		runtimeOpts = append(runtimeOpts, relay.WithRuntimeTracer(tracer))
	}
	runtime := relay.NewToolRuntime(catalog, runtimeOpts...)

	facts := relay.NewStoreFactSource(local, logger)
	emitter := relay.NewEmitter(runs, local, logger)

	orch := relay.NewOrchestrator(runs, llm,
		relay.WithOrchestratorLogger(logger),
		relay.WithOrchestratorFacts(facts),
		relay.WithOrchestratorSettings(settings),
	)

	registry := relay.NewHandlerRegistry()
	handlers.RegisterAll(registry, handlers.Deps{
		Runs:         runs,
		Messages:     local,
		RepoRoot:     settings.RepoRoot,
		Orchestrator: orch,
	})

	workerOpts := []relay.WorkerOption{
		relay.WithWorkerLogger(logger),
		relay.WithWorkerEmitter(emitter),
		relay.WithWorkerLLM(llm),
		relay.WithWorkerFacts(facts),
		relay.WithWorkerTools(runtime),
		relay.WithWorkerSettings(settings),
	}
	if tracer != nil {
		workerOpts = append(workerOpts, relay.WithWorkerTracer(tracer))
	}

	var wg sync.WaitGroup
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		w := relay.NewWorker(runs, registry, workerOpts...)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Start(ctx); err != nil {
				logger.Error("worker stopped", "worker_id", w.ID(), "error", err)
			}
		}()
	}

	api := server.New(runs,
		server.WithEmitter(emitter),
		server.WithFacts(local, local),
		server.WithSettingsStore(local),
		server.WithLogger(logger),
	)
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	log.Printf("relay: listening on %s (driver=%s, workers=%d)", cfg.ListenAddr, cfg.Database.Driver, workers)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("relay: serve: %v", err)
	}
	wg.Wait()
}

// buildProviders assembles the tool providers in catalog precedence order:
// web, skills, mcp, builtin, stub. Unconfigured providers are skipped.
func buildProviders(settings relay.Settings, cache relay.FetchCache, inst *observer.Instruments, logger *slog.Logger) []relay.ToolProvider {
	var providers []relay.ToolProvider
	add := func(p relay.ToolProvider) {
		if inst != nil {
			p = observer.WrapProvider(p, inst)
		}
		providers = append(providers, p)
	}

	add(web.NewProvider(settings, cache, web.WithLogger(logger)))
	if sp := skills.NewProvider(settings, skills.WithLogger(logger)); sp != nil {
		add(sp)
	}
	if mp := mcpclient.NewProvider(settings, mcpclient.WithLogger(logger)); mp != nil {
		add(mp)
	}
	add(relay.NewBuiltinProvider())
	add(relay.NewStubProvider())
	return providers
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
