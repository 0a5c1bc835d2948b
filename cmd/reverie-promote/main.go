// Command reverie-promote runs one promotion pass: for each agent, the
// active journal window is reviewed by the generation backend and the
// durable entries are copied into core memory. Intended to run on a
// scheduler (for example nightly, when the journal decay boundary is about
// to expire entries).
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"github.com/sablewood/reverie/internal/config"
	"github.com/sablewood/reverie/internal/engine"
	"github.com/sablewood/reverie/internal/llm"
	"github.com/sablewood/reverie/internal/storage"
	"github.com/sablewood/reverie/internal/storage/postgres"
	"github.com/sablewood/reverie/internal/storage/sqlite"
)

var (
	configPath = flag.String("config", "", "path to YAML configuration file")
	agentID    = flag.String("agent", "", "promote a single agent by id (default: all agents)")
	timeout    = flag.Duration("timeout", 10*time.Minute, "overall run deadline")
)

func main() {
	log.SetOutput(os.Stderr)
	log.SetPrefix("reverie-promote: ")
	log.SetFlags(log.LstdFlags)

	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	var store storage.Store
	switch cfg.Storage.Backend {
	case "postgres":
		store, err = postgres.Open(cfg.Storage.DSN)
	default:
		store, err = sqlite.Open(cfg.Storage.DSN)
	}
	if err != nil {
		log.Fatalf("failed to open %s store: %v", cfg.Storage.Backend, err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	generator := llm.NewClient(llm.ClientConfig{
		BaseURL:           cfg.Generation.BaseURL,
		Model:             cfg.Generation.Model,
		EmbeddingModel:    cfg.Generation.EmbeddingModel,
		Timeout:           cfg.Generation.GenerationTimeout(),
		RequestsPerSecond: cfg.Generation.RequestsPerSecond,
	})
	if pg, ok := store.(*postgres.Store); ok {
		pg.SetEmbedder(generator)
	}

	eng := engine.New(store, store, store, nil, generator, engine.Config{
		JournalExpiryDays: cfg.Engine.JournalExpiryDays,
	})

	agents, err := resolveAgents(ctx, store, *agentID)
	if err != nil {
		log.Fatalf("failed to resolve agents: %v", err)
	}
	if len(agents) == 0 {
		log.Println("no agents to promote")
		return
	}

	failures := 0
	for _, id := range agents {
		promoted, err := eng.RunPromotion(ctx, id)
		if err != nil {
			failures++
			log.Printf("agent %s: promotion failed: %v", id, err)
			continue
		}
		log.Printf("agent %s: promoted %d journal entries", id, promoted)
	}

	if failures > 0 {
		log.Fatalf("promotion run finished with %d failure(s)", failures)
	}
}

func resolveAgents(ctx context.Context, store storage.AgentStore, single string) ([]string, error) {
	if single != "" {
		if _, err := store.GetAgent(ctx, single); err != nil {
			return nil, err
		}
		return []string{single}, nil
	}

	all, err := store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(all))
	for i, agent := range all {
		ids[i] = agent.ID
	}
	return ids, nil
}
