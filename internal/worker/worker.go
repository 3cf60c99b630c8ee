package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/custodia-labs/ragdoc/internal/core/domain"
	"github.com/custodia-labs/ragdoc/internal/core/ports/driven"
	"github.com/custodia-labs/ragdoc/internal/core/ports/driving"
)

// dequeueBackoff is the pause after a failed dequeue
const dequeueBackoff = time.Second

var errNoDocumentID = errors.New("document_id not found in task payload")

// handlerFunc runs one task. A nil error acks the task; anything else nacks it.
type handlerFunc func(ctx context.Context, task *domain.Task, logger *slog.Logger) error

// Worker drains the task queue: background ingests and deletes, plus the
// reap_stale tasks the scheduler enqueues.
type Worker struct {
	taskQueue driven.TaskQueue
	scheduler driving.Scheduler
	logger    *slog.Logger
	handlers  map[domain.TaskType]handlerFunc

	concurrency    int
	dequeueTimeout int // seconds
	staleAfter     time.Duration

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// WorkerConfig holds configuration for the worker.
type WorkerConfig struct {
	TaskQueue      driven.TaskQueue
	Ingestion      driving.IngestionService // handles ingest_document when set
	Documents      driving.DocumentService  // handles delete_document and reap_stale when set
	Scheduler      driving.Scheduler        // Optional: started and stopped with the worker
	Logger         *slog.Logger
	Concurrency    int           // default 1
	DequeueTimeout int           // seconds, default 5
	StaleAfter     time.Duration // reap_stale age when the task carries none (default: 15m)
}

func NewWorker(cfg WorkerConfig) *Worker {
	w := &Worker{
		taskQueue:      cfg.TaskQueue,
		scheduler:      cfg.Scheduler,
		logger:         cfg.Logger,
		concurrency:    max(cfg.Concurrency, 1),
		dequeueTimeout: cfg.DequeueTimeout,
		staleAfter:     cfg.StaleAfter,
		handlers:       make(map[domain.TaskType]handlerFunc),
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	if w.dequeueTimeout <= 0 {
		w.dequeueTimeout = 5
	}
	if w.staleAfter <= 0 {
		w.staleAfter = 15 * time.Minute
	}

	if cfg.Ingestion != nil {
		w.handlers[domain.TaskTypeIngestDocument] = ingestHandler(cfg.Ingestion)
	}
	if cfg.Documents != nil {
		w.handlers[domain.TaskTypeDeleteDocument] = deleteHandler(cfg.Documents)
		w.handlers[domain.TaskTypeReapStale] = reapHandler(cfg.Documents, w.staleAfter)
	}
	return w
}

// Start launches the scheduler, when configured, and Concurrency consumer
// goroutines. It returns immediately.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	stop := make(chan struct{})
	done := make(chan struct{})
	w.stopCh, w.doneCh = stop, done
	w.mu.Unlock()

	w.logger.Info("worker starting", "concurrency", w.concurrency, "dequeue_timeout", w.dequeueTimeout)

	if w.scheduler != nil {
		if err := w.scheduler.Start(ctx); err != nil {
			w.logger.Error("failed to start scheduler", "error", err)
		}
	}

	var wg sync.WaitGroup
	for id := range w.concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.consume(ctx, stop, w.logger.With("worker_id", id))
		}()
	}
	go func() {
		wg.Wait()
		close(done)
	}()
	return nil
}

// Stop signals the consumers and waits for in-flight tasks, or for ctx.
// After a timeout the worker is still running and Stop may be called again
// to keep waiting.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	signal := w.stopCh != nil
	if signal {
		close(w.stopCh)
		w.stopCh = nil
	}
	done := w.doneCh
	w.mu.Unlock()

	if signal && w.scheduler != nil {
		if err := w.scheduler.Stop(ctx); err != nil {
			w.logger.Warn("failed to stop scheduler", "error", err)
		}
	}

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
	w.logger.Info("worker stopped")
	return nil
}

// Wait blocks until every consumer has returned
func (w *Worker) Wait() {
	w.mu.RLock()
	done := w.doneCh
	w.mu.RUnlock()
	if done != nil {
		<-done
	}
}

func (w *Worker) consume(ctx context.Context, stop <-chan struct{}, logger *slog.Logger) {
	logger.Debug("consumer started")
	defer logger.Debug("consumer exited")

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		default:
		}

		task, err := w.taskQueue.DequeueWithTimeout(ctx, w.dequeueTimeout)
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			continue
		case err != nil:
			logger.Error("failed to dequeue task", "error", err)
			if !pause(ctx, stop, dequeueBackoff) {
				return
			}
			continue
		case task == nil:
			continue
		}

		w.processTask(ctx, task, logger)
	}
}

// pause sleeps for d and reports false if the worker is stopping
func pause(ctx context.Context, stop <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	case <-t.C:
		return true
	}
}

// processTask runs the handler for task and acks or nacks it
func (w *Worker) processTask(ctx context.Context, task *domain.Task, logger *slog.Logger) {
	logger = logger.With("task_id", task.ID, "task_type", task.Type, "attempt", task.Attempts)
	logger.Info("processing task")

	started := time.Now()
	err := w.run(ctx, task, logger)
	elapsed := time.Since(started)

	// outcomes are recorded even while shutting down
	ackCtx := context.WithoutCancel(ctx)
	if err != nil {
		logger.Error("task failed", "duration", elapsed, "error", err)
		if nackErr := w.taskQueue.Nack(ackCtx, task.ID, err.Error()); nackErr != nil {
			logger.Error("failed to nack task", "nack_error", nackErr)
		}
		return
	}

	logger.Info("task completed", "duration", elapsed)
	if ackErr := w.taskQueue.Ack(ackCtx, task.ID); ackErr != nil {
		logger.Error("failed to ack task", "ack_error", ackErr)
	}
}

func (w *Worker) run(ctx context.Context, task *domain.Task, logger *slog.Logger) error {
	if h, ok := w.handlers[task.Type]; ok {
		return h(ctx, task, logger)
	}
	switch task.Type {
	case domain.TaskTypeIngestDocument, domain.TaskTypeDeleteDocument, domain.TaskTypeReapStale:
		return fmt.Errorf("%w: worker has no service for %s", domain.ErrInvalidConfig, task.Type)
	}
	return fmt.Errorf("unknown task type: %s", task.Type)
}

func ingestHandler(ingestion driving.IngestionService) handlerFunc {
	return func(ctx context.Context, task *domain.Task, logger *slog.Logger) error {
		req := task.IngestRequest()
		if req.DocumentID == "" {
			return errNoDocumentID
		}
		result, err := ingestion.Ingest(ctx, req)
		if err != nil {
			return err
		}
		logger.Info("document ingested",
			"document_id", result.DocumentID,
			"version", result.Version,
			"chunks", result.Chunks,
			"unchanged", result.Unchanged,
		)
		return nil
	}
}

// deleteHandler treats a document that no longer exists as deleted
func deleteHandler(documents driving.DocumentService) handlerFunc {
	return func(ctx context.Context, task *domain.Task, _ *slog.Logger) error {
		id := task.DocumentID()
		if id == "" {
			return errNoDocumentID
		}
		if _, err := documents.Delete(ctx, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		return nil
	}
}

func reapHandler(documents driving.DocumentService, staleAfter time.Duration) handlerFunc {
	return func(ctx context.Context, task *domain.Task, logger *slog.Logger) error {
		n, err := documents.ReapStale(ctx, task.OlderThan(staleAfter))
		if err != nil {
			return err
		}
		if n > 0 {
			logger.Warn("reaped abandoned ingestions", "count", n)
		}
		return nil
	}
}

// Health is a point-in-time view of the worker and its queue
type Health struct {
	Running     bool   `json:"running"`
	QueueHealth bool   `json:"queue_health"`
	Error       string `json:"error,omitempty"`
}

func (w *Worker) Health(ctx context.Context) Health {
	w.mu.RLock()
	h := Health{Running: w.running}
	w.mu.RUnlock()

	if err := w.taskQueue.Ping(ctx); err != nil {
		h.Error = err.Error()
		return h
	}
	h.QueueHealth = true
	return h
}
