// Package engine runs the asynchronous reflection pipeline: consolidation
// triggering on the message path, a worker pool that turns conversation
// windows into journal memories, and the explicit journal-to-core promotion
// pass.
package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/sablewood/reverie/internal/llm"
	"github.com/sablewood/reverie/internal/storage"
	"github.com/sablewood/reverie/pkg/types"
)

// ReflectionJob is one unit of reflection work for a (chat, agent) pairing.
type ReflectionJob struct {
	ChatID    string
	AgentID   string
	Timestamp time.Time
	Attempt   int
}

func (j *ReflectionJob) key() string {
	return j.ChatID + "/" + j.AgentID
}

// Thresholds configures when a conversation triggers reflection. Any one
// crossed threshold suffices.
type Thresholds struct {
	// ConsolidationInterval triggers on wall-clock time elapsed since the
	// last consolidation for the pairing.
	ConsolidationInterval time.Duration

	// MaxPendingMessages triggers on messages accumulated since the
	// watermark.
	MaxPendingMessages int

	// MaxPendingTokens triggers on tokens accumulated since the watermark.
	MaxPendingTokens int
}

// Config holds engine configuration.
type Config struct {
	// Workers is the number of reflection worker goroutines (default: 2).
	Workers int

	// QueueSize is the reflection job buffer size (default: 64).
	QueueSize int

	// MaxRetries is the number of times a failed job is requeued before
	// the engine gives up and waits for the next trigger (default: 2).
	MaxRetries int

	// JournalExpiryDays is the journal decay window (default: 7).
	JournalExpiryDays int

	Thresholds Thresholds
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Workers:           2,
		QueueSize:         64,
		MaxRetries:        2,
		JournalExpiryDays: DefaultJournalExpiryDays,
		Thresholds: Thresholds{
			ConsolidationInterval: 30 * time.Minute,
			MaxPendingMessages:    20,
			MaxPendingTokens:      4000,
		},
	}
}

// MessageSource supplies conversation windows to the reflection engine.
// sinceMessageID is the watermark; "" means from the beginning of the chat.
type MessageSource interface {
	MessagesSince(ctx context.Context, chatID, sinceMessageID string) ([]*types.Message, error)
}

// Engine owns the reflection worker pool. The message path calls NoteMessage
// and returns immediately; reflection runs on the workers.
type Engine struct {
	agents        storage.AgentStore
	memories      storage.MemoryStore
	consolidation storage.ConsolidationStore
	messages      MessageSource
	generator     llm.TextGenerator
	config        Config

	jobs         chan *ReflectionJob
	quit         chan struct{}
	workerWG     sync.WaitGroup
	workerCtx    context.Context
	workerCancel context.CancelFunc

	// sendMu fences queue sends against Shutdown: once draining is set no
	// new job can land on the queue, so the workers can drain it to empty
	// exactly once. The jobs channel itself is never closed.
	sendMu   sync.RWMutex
	draining bool

	mu      sync.RWMutex
	started bool

	onJobStarted   func(chatID, agentID string)
	onJobCompleted func(chatID, agentID string, created int)
	onJobFailed    func(chatID, agentID string, err error)
}

// New creates an engine. Zero config values are replaced with defaults.
func New(agents storage.AgentStore, memories storage.MemoryStore, consolidation storage.ConsolidationStore, messages MessageSource, generator llm.TextGenerator, config Config) *Engine {
	if config.Workers <= 0 {
		config.Workers = 2
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 64
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 2
	}
	if config.JournalExpiryDays <= 0 {
		config.JournalExpiryDays = DefaultJournalExpiryDays
	}
	if config.Thresholds == (Thresholds{}) {
		config.Thresholds = DefaultConfig().Thresholds
	}

	return &Engine{
		agents:        agents,
		memories:      memories,
		consolidation: consolidation,
		messages:      messages,
		generator:     generator,
		config:        config,
		jobs:          make(chan *ReflectionJob, config.QueueSize),
		quit:          make(chan struct{}),
	}
}

// SetOnJobStarted sets a callback fired when a worker picks up a job.
func (e *Engine) SetOnJobStarted(fn func(chatID, agentID string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onJobStarted = fn
}

// SetOnJobCompleted sets a callback fired when a job finishes, with the
// number of memories created.
func (e *Engine) SetOnJobCompleted(fn func(chatID, agentID string, created int)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onJobCompleted = fn
}

// SetOnJobFailed sets a callback fired when a job fails permanently for this
// window. The next trigger for the pairing retries from the same watermark.
func (e *Engine) SetOnJobFailed(fn func(chatID, agentID string, err error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onJobFailed = fn
}

// Start launches the worker pool. Must be called before NoteMessage.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return fmt.Errorf("engine already started")
	}

	log.Println("reverie: starting reflection engine")
	e.workerCtx, e.workerCancel = context.WithCancel(ctx)

	for i := 0; i < e.config.Workers; i++ {
		e.workerWG.Add(1)
		go e.reflectionWorker(e.workerCtx, i)
	}

	e.started = true
	return nil
}

// Shutdown stops accepting jobs and waits for the workers to drain the
// queue, bounded by ctx. Jobs already queued are processed before shutdown
// completes; a trigger racing the drain releases its claim instead.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started {
		return fmt.Errorf("engine not started")
	}

	log.Println("reverie: shutting down reflection engine")

	// Fence the message path first: taking the write lock waits out any
	// send already in flight, and draining stops the rest, so nothing can
	// land on the queue after the workers start their final sweep.
	e.sendMu.Lock()
	e.draining = true
	e.sendMu.Unlock()
	close(e.quit)

	done := make(chan struct{})
	go func() {
		e.workerWG.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("worker drain interrupted: %w", ctx.Err())
	}

	e.workerCancel()
	e.started = false
	return err
}

// QueueLength returns the number of jobs waiting for a worker.
func (e *Engine) QueueLength() int {
	return len(e.jobs)
}

// enqueue attempts a non-blocking enqueue. Returns false when the queue is
// full or the engine is shutting down; the caller must release the pending
// claim so the next trigger can retry.
func (e *Engine) enqueue(job *ReflectionJob) bool {
	e.sendMu.RLock()
	defer e.sendMu.RUnlock()
	if e.draining {
		return false
	}
	select {
	case e.jobs <- job:
		return true
	default:
		log.Printf("WARNING: reflection queue full (size=%d), dropping job for %s", e.config.QueueSize, job.key())
		return false
	}
}

// requeue puts a failed job back with an incremented attempt counter, after
// re-claiming the pairing. Returns false when retries are exhausted or the
// claim/queue is unavailable.
func (e *Engine) requeue(ctx context.Context, job *ReflectionJob) bool {
	if job.Attempt >= e.config.MaxRetries {
		log.Printf("reverie: max retries (%d) exceeded for %s, waiting for next trigger", e.config.MaxRetries, job.key())
		return false
	}

	claimed, err := e.consolidation.ClaimPending(ctx, job.ChatID, job.AgentID)
	if err != nil || !claimed {
		return false
	}

	e.sendMu.RLock()
	defer e.sendMu.RUnlock()
	if e.draining {
		if relErr := e.consolidation.ReleaseClaim(ctx, job.ChatID, job.AgentID); relErr != nil {
			log.Printf("ERROR: releasing claim for %s during drain: %v", job.key(), relErr)
		}
		return false
	}

	job.Attempt++
	select {
	case e.jobs <- job:
		log.Printf("reverie: requeued reflection for %s (attempt %d/%d)", job.key(), job.Attempt, e.config.MaxRetries)
		return true
	case <-time.After(10 * time.Millisecond):
		if relErr := e.consolidation.ReleaseClaim(ctx, job.ChatID, job.AgentID); relErr != nil {
			log.Printf("ERROR: releasing claim for %s after failed requeue: %v", job.key(), relErr)
		}
		return false
	}
}

// reflectionWorker processes jobs until shutdown. On quit it sweeps the
// queue empty before exiting so that already-accepted jobs still run.
func (e *Engine) reflectionWorker(ctx context.Context, workerID int) {
	defer e.workerWG.Done()
	defer log.Printf("reverie: reflection worker %d stopped", workerID)

	log.Printf("reverie: reflection worker %d started", workerID)
	for {
		select {
		case job := <-e.jobs:
			e.processJob(ctx, workerID, job)
		case <-e.quit:
			for {
				select {
				case job := <-e.jobs:
					e.processJob(ctx, workerID, job)
				default:
					return
				}
			}
		}
	}
}

// processJob runs one reflection pass. On any failure the claim is released
// without advancing the watermark, so the pairing retries from the same
// window.
func (e *Engine) processJob(ctx context.Context, workerID int, job *ReflectionJob) {
	log.Printf("reverie: worker %d reflecting on %s (attempt %d)", workerID, job.key(), job.Attempt)

	if job.Attempt > 0 {
		backoff := time.Duration(job.Attempt*job.Attempt) * 100 * time.Millisecond
		time.Sleep(backoff)
	}

	claimed, err := e.consolidation.MarkRunning(ctx, job.ChatID, job.AgentID)
	if err != nil {
		log.Printf("ERROR: worker %d claiming %s: %v", workerID, job.key(), err)
		return
	}
	if !claimed {
		// Another worker holds the pairing, or the claim was released.
		return
	}

	if fn := e.jobStartedCallback(); fn != nil {
		fn(job.ChatID, job.AgentID)
	}

	created, err := e.runExtraction(ctx, job.ChatID, job.AgentID)
	if err != nil {
		log.Printf("ERROR: worker %d reflection for %s: %v", workerID, job.key(), err)
		if relErr := e.consolidation.ReleaseClaim(ctx, job.ChatID, job.AgentID); relErr != nil {
			log.Printf("ERROR: worker %d releasing claim for %s: %v", workerID, job.key(), relErr)
		}
		if !e.requeue(ctx, job) {
			if fn := e.jobFailedCallback(); fn != nil {
				fn(job.ChatID, job.AgentID, err)
			}
		}
		return
	}

	log.Printf("reverie: worker %d reflected on %s, %d memories created", workerID, job.key(), created)
	if fn := e.jobCompletedCallback(); fn != nil {
		fn(job.ChatID, job.AgentID, created)
	}
}

func (e *Engine) jobStartedCallback() func(string, string) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.onJobStarted
}

func (e *Engine) jobCompletedCallback() func(string, string, int) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.onJobCompleted
}

func (e *Engine) jobFailedCallback() func(string, string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.onJobFailed
}
