package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"papersync/internal/agent"
	"papersync/internal/config"
	"papersync/internal/detect"
	"papersync/internal/manifest"
	"papersync/internal/processed"
	"papersync/internal/remote"
	"papersync/internal/syncloop"
)

func main() {
	cfg := config.Load()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("failed to create data dir: %v", err)
	}

	papers, err := manifest.Load(cfg.ManifestPath)
	if err != nil {
		log.Fatalf("manifest load failed: %v", err)
	}
	if len(papers.Papers) == 0 {
		log.Printf("WARNING: manifest %s lists no papers", cfg.ManifestPath)
	}

	var store processed.Store
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for the processed set")
		redisStore, err := processed.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisStore.Close()
		store = redisStore
	} else {
		log.Printf("Using in-memory processed set")
		store = processed.NewMemoryStore()
	}

	gitRemote := remote.NewGitRemote(cfg.DataDir, cfg.AuthorName, cfg.AuthorEmail)
	detector := detect.New(cfg.Marker)
	completer := agent.NewOllamaCompleter(cfg.OllamaURL, cfg.OllamaModel, cfg.CompletionTimeout)
	executor := agent.NewExecutor(completer, cfg.Marker, cfg.ContextRadius, cfg.CompletionTimeout)
	loop := syncloop.New(gitRemote, detector, executor, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates, err := manifest.Watch(ctx, cfg.ManifestPath)
	if err != nil {
		log.Printf("WARNING: manifest watch disabled: %v", err)
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Printf("shutting down")
		cancel()
	}()

	log.Printf("papersync polling %d paper(s) every %s", len(papers.Papers), cfg.PollInterval)
	loop.RunForever(ctx, papers.Papers, cfg.PollInterval, updates)
}
