// cmd/reverie is the entry point for the reverie memory server.  It wires
// the storage backend, the reflection engine, the refinement protocol, and
// the whiteboard service behind the stdio tool surface.
//
// Startup sequence:
//  1. Load configuration (defaults, optional YAML file, REVERIE_ env vars).
//  2. Open the selected storage backend (sqlite or postgres).
//  3. Create the generation client and reflection engine; start the workers.
//  4. Optionally start the operator event hub, fed by engine callbacks.
//  5. Serve line-delimited JSON tool requests from stdin, writing responses
//     to stdout.
//
// CRITICAL: ALL logging MUST go to stderr.  Any bytes written to stdout that
// are not response frames will corrupt the framing.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sablewood/reverie/internal/config"
	"github.com/sablewood/reverie/internal/engine"
	"github.com/sablewood/reverie/internal/llm"
	"github.com/sablewood/reverie/internal/ops"
	"github.com/sablewood/reverie/internal/refine"
	"github.com/sablewood/reverie/internal/storage"
	"github.com/sablewood/reverie/internal/storage/postgres"
	"github.com/sablewood/reverie/internal/storage/sqlite"
	"github.com/sablewood/reverie/internal/tools"
	"github.com/sablewood/reverie/internal/whiteboard"
	"github.com/sablewood/reverie/pkg/types"
)

func openStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case "postgres":
		return postgres.Open(cfg.Storage.DSN)
	default:
		return sqlite.Open(cfg.Storage.DSN)
	}
}

// runPromotionSchedule runs promotion-mode reflection for every agent on a
// fixed period, surfacing each pass on the operator hub.
func runPromotionSchedule(ctx context.Context, store storage.Store, eng *engine.Engine, hub *ops.Hub, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		agents, err := store.ListAgents(ctx)
		if err != nil {
			log.Printf("promotion pass: list agents: %v", err)
			continue
		}
		for _, agent := range agents {
			promoted, err := eng.RunPromotion(ctx, agent.ID)
			if err != nil {
				log.Printf("promotion pass: agent %s: %v", agent.ID, err)
				continue
			}
			if promoted > 0 {
				log.Printf("promotion pass: agent %s: promoted %d entries", agent.ID, promoted)
			}
			hub.Publish(ops.Event{
				Type:    ops.EventPromotionCompleted,
				AgentID: agent.ID,
				Data:    map[string]any{"promoted": promoted},
			})
		}
	}
}

func main() {
	// Redirect the default logger to stderr so that any incidental log calls
	// never pollute the stdout response stream.
	log.SetOutput(os.Stderr)
	log.SetPrefix("reverie: ")
	log.SetFlags(log.LstdFlags)

	configPath := flag.String("config", "", "path to YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	store, err := openStore(cfg)
	if err != nil {
		log.Fatalf("failed to open %s store: %v", cfg.Storage.Backend, err)
	}
	defer store.Close()

	// Root context cancelled on SIGINT / SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("received shutdown signal")
		cancel()
	}()

	generator := llm.NewClient(llm.ClientConfig{
		BaseURL:           cfg.Generation.BaseURL,
		Model:             cfg.Generation.Model,
		EmbeddingModel:    cfg.Generation.EmbeddingModel,
		Timeout:           cfg.Generation.GenerationTimeout(),
		RequestsPerSecond: cfg.Generation.RequestsPerSecond,
	})

	// The postgres backend carries a pgvector column; feed it so substring
	// search gains similarity neighbors. sqlite stays substring-only.
	if pg, ok := store.(*postgres.Store); ok {
		pg.SetEmbedder(generator)
	}

	messages := engine.NewMessageLog(0)
	eng := engine.New(store, store, store, messages, generator, engine.Config{
		Workers:           cfg.Engine.Workers,
		QueueSize:         cfg.Engine.QueueSize,
		MaxRetries:        cfg.Engine.MaxRetries,
		JournalExpiryDays: cfg.Engine.JournalExpiryDays,
		Thresholds: engine.Thresholds{
			ConsolidationInterval: cfg.Engine.ConsolidationInterval(),
			MaxPendingMessages:    cfg.Engine.MaxPendingMessages,
			MaxPendingTokens:      cfg.Engine.MaxPendingTokens,
		},
	})
	if err := eng.Start(ctx); err != nil {
		log.Fatalf("failed to start reflection engine: %v", err)
	}
	defer func() {
		drainCtx, drainCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer drainCancel()
		if err := eng.Shutdown(drainCtx); err != nil {
			log.Printf("engine shutdown error: %v", err)
		}
	}()

	// Operator event hub. Engine callbacks publish regardless; without the
	// hub enabled they are dropped by the non-blocking Publish.
	hub := ops.NewHub()
	go hub.Run()
	defer hub.Stop()

	eng.SetOnJobStarted(func(chatID, agentID string) {
		hub.Publish(ops.Event{Type: ops.EventReflectionStarted, ChatID: chatID, AgentID: agentID})
	})
	eng.SetOnJobCompleted(func(chatID, agentID string, created int) {
		hub.Publish(ops.Event{
			Type:    ops.EventReflectionCompleted,
			ChatID:  chatID,
			AgentID: agentID,
			Data:    map[string]any{"memories_created": created},
		})
	})
	eng.SetOnJobFailed(func(chatID, agentID string, err error) {
		log.Printf("reflection failed for chat=%s agent=%s: %v", chatID, agentID, err)
		hub.Publish(ops.Event{
			Type:    ops.EventReflectionFailed,
			ChatID:  chatID,
			AgentID: agentID,
			Detail:  err.Error(),
		})
	})

	if interval := cfg.Engine.PromotionInterval(); interval > 0 {
		go runPromotionSchedule(ctx, store, eng, hub, interval)
	}

	if cfg.Ops.Enabled {
		opsServer := &http.Server{
			Addr:              cfg.Ops.ListenAddr,
			Handler:           hub,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Printf("operator event hub listening on %s", cfg.Ops.ListenAddr)
			if err := opsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("ops hub error: %v", err)
			}
		}()
		defer func() {
			closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer closeCancel()
			_ = opsServer.Shutdown(closeCtx)
		}()
	}

	safety := llm.NewGeneratedSafetyClassifier(generator)
	protocol := refine.NewProtocol(store, store, store, safety)
	protocol.SetAuditObserver(func(agentID, action string, actor types.Actor) {
		hub.Publish(ops.Event{
			Type:    ops.EventAuditRecorded,
			AgentID: agentID,
			Detail:  action,
			Data:    map[string]any{"actor": fmt.Sprintf("%s:%s", actor.Kind, actor.ID)},
		})
	})
	boards := whiteboard.NewService(store)

	srv := tools.NewServer(store, protocol, boards, tools.WithEngine(eng, messages))
	transport := tools.NewStdioTransport(srv, os.Stdin, os.Stdout)

	log.Printf("ready, %s backend, serving tool requests on stdin/stdout", cfg.Storage.Backend)

	if err := transport.Serve(ctx); err != nil {
		// Context cancellation lands here too; informational only.
		log.Printf("transport stopped: %v", err)
	}
}
