// Command skillbox is the skill execution sidecar: it loads skill manifests
// and runs invocations in docker sandboxes, serving the skill API the main
// daemon's skills provider talks to.
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nevindra/relay/internal/config"
	"github.com/nevindra/relay/sandbox"
	"github.com/nevindra/relay/server"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load(os.Getenv("RELAY_CONFIG"), slog.Default())
	logger := newLogger(cfg.LogLevel)
	settings := cfg.Settings

	registry := sandbox.NewRegistry(settings.SkillsRoot)
	if registry == nil {
		logger.Warn("no skills root configured, serving SKILLS_NOT_CONFIGURED")
	}

	var runner *sandbox.Runner
	if registry != nil {
		var err error
		runner, err = sandbox.NewRunner(settings, sandbox.WithRunnerLogger(logger))
		if err != nil {
			log.Fatalf("skillbox: init sandbox runner: %v", err)
		}
		defer runner.Close()
	}

	sb := server.NewSkillbox(registry, runner, settings, logger)
	srv := &http.Server{
		Addr:              cfg.SkillboxAddr,
		Handler:           sb.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	log.Printf("skillbox: listening on %s (skills_root=%q)", cfg.SkillboxAddr, settings.SkillsRoot)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("skillbox: serve: %v", err)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
