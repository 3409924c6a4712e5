package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"canvascraft/internal/gateway"
	"canvascraft/internal/infra/config"
	"canvascraft/internal/infra/logger"
	"canvascraft/internal/infra/tracer"
	"canvascraft/internal/keypool"
	"canvascraft/internal/transcript"
	"canvascraft/internal/upstream"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return err
	}
	defer shutdownTracer(context.Background())

	pool, err := keypool.Open(cfg.Keys.DBPath, log)
	if err != nil {
		return err
	}
	defer pool.Close()

	seed := make([]keypool.Credential, 0, len(cfg.Keys.Seed))
	for _, k := range cfg.Keys.Seed {
		seed = append(seed, keypool.Credential{ID: k.ID, Secret: k.Secret})
	}
	if err := pool.Seed(ctx, seed); err != nil {
		return err
	}
	if pool.Len() == 0 {
		log.Warn("credential pool is empty; every request will fail with 503")
	}

	transcripts, err := transcript.Open(cfg.Transcript.DBPath)
	if err != nil {
		return err
	}
	defer transcripts.Close()

	var streamer upstream.Streamer = upstream.New(cfg.Upstream, log)
	if cfg.Upstream.Breaker.Enabled {
		streamer = upstream.NewBreaker(streamer, cfg.Upstream.Breaker, log)
	}

	srv := gateway.NewServer(cfg.Gateway, cfg.Upstream.MaxRetries, gateway.Deps{
		Pool:        pool,
		Upstream:    streamer,
		Transcripts: transcripts,
		Auth:        gateway.NewStaticTokenAuth(cfg.Gateway.Tokens),
		Logger:      log,
	})

	return srv.Start(ctx)
}
