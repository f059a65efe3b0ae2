// Package queue provides the indexing job queue on top of asynq. Jobs carry
// enough context to run without extra lookups; delivery is at-least-once, so
// the worker is idempotent.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/hibiken/asynq"

	"github.com/quarry-ai/ragcore/internal/config"
	"github.com/quarry-ai/ragcore/internal/domain"
	"github.com/quarry-ai/ragcore/internal/observability"
)

// TaskIndexDocument is the asynq task type for document indexing jobs.
const TaskIndexDocument = "index:document"

// Enqueuer submits indexing jobs.
type Enqueuer interface {
	EnqueueIndexJob(ctx context.Context, job domain.IndexJob) error
}

// AsynqEnqueuer is the Redis-backed Enqueuer.
type AsynqEnqueuer struct {
	client *asynq.Client
	cfg    config.QueueConfig
	logger *observability.Logger
}

var _ Enqueuer = (*AsynqEnqueuer)(nil)

// NewAsynqEnqueuer connects an asynq client to Redis.
func NewAsynqEnqueuer(redisCfg config.RedisConfig, queueCfg config.QueueConfig,
	logger *observability.Logger) *AsynqEnqueuer {

	client := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     redisCfg.Addr,
		Password: redisCfg.Password,
		DB:       redisCfg.DB,
	})
	return &AsynqEnqueuer{
		client: client,
		cfg:    queueCfg,
		logger: logger.WithComponent("queue"),
	}
}

// EnqueueIndexJob serializes and submits one indexing job.
func (e *AsynqEnqueuer) EnqueueIndexJob(ctx context.Context, job domain.IndexJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return domain.WrapError(domain.KindFatal, "marshal index job", err)
	}

	task := asynq.NewTask(TaskIndexDocument, payload,
		asynq.Queue(e.cfg.Name),
		asynq.MaxRetry(e.cfg.MaxRetry),
		asynq.Timeout(e.cfg.JobTimeout),
		asynq.Retention(e.cfg.Retention),
	)

	info, err := e.client.EnqueueContext(ctx, task)
	if err != nil {
		return domain.WrapError(domain.KindTransient, "enqueue index job", err)
	}

	e.logger.Info().
		Str("task_id", info.ID).
		Str("kb_id", job.KBID).
		Str("document_id", job.DocumentID).
		Msg("Index job enqueued")
	return nil
}

// Close releases the underlying Redis connection.
func (e *AsynqEnqueuer) Close() error {
	return e.client.Close()
}

// IndexHandler processes one delivered indexing job. A nil return acknowledges
// the job; an error requeues it up to the retry budget.
type IndexHandler interface {
	HandleJob(ctx context.Context, job domain.IndexJob) error
}

// NewServeMux routes indexing tasks to the handler. Payloads that do not
// decode are dropped without retrying.
func NewServeMux(handler IndexHandler, logger *observability.Logger) *asynq.ServeMux {
	log := logger.WithComponent("queue")

	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskIndexDocument, func(ctx context.Context, t *asynq.Task) error {
		var job domain.IndexJob
		if err := json.Unmarshal(t.Payload(), &job); err != nil {
			log.Error().Err(err).Msg("Dropping undecodable index job")
			return fmt.Errorf("decode index job: %v: %w", err, asynq.SkipRetry)
		}
		return handler.HandleJob(ctx, job)
	})
	return mux
}

// NewServer builds the asynq consumer for the indexing queue.
func NewServer(redisCfg config.RedisConfig, queueCfg config.QueueConfig,
	logger *observability.Logger) *asynq.Server {

	log := logger.WithComponent("queue")

	return asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     redisCfg.Addr,
			Password: redisCfg.Password,
			DB:       redisCfg.DB,
		},
		asynq.Config{
			Concurrency: queueCfg.Concurrency,
			Queues:      map[string]int{queueCfg.Name: 1},
			Logger:      &asynqLogger{log: log},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				log.Error().Str("task_type", task.Type()).Err(err).Msg("Index job attempt failed")
			}),
		},
	)
}

// asynqLogger adapts the structured logger to asynq's logging interface.
type asynqLogger struct {
	log *observability.Logger
}

func (l *asynqLogger) Debug(args ...interface{}) { l.log.Debug().Msg(fmt.Sprint(args...)) }
func (l *asynqLogger) Info(args ...interface{})  { l.log.Info().Msg(fmt.Sprint(args...)) }
func (l *asynqLogger) Warn(args ...interface{})  { l.log.Warn().Msg(fmt.Sprint(args...)) }
func (l *asynqLogger) Error(args ...interface{}) { l.log.Error().Msg(fmt.Sprint(args...)) }
func (l *asynqLogger) Fatal(args ...interface{}) { l.log.Error().Msg(fmt.Sprint(args...)) }

// MemoryQueue is an in-process Enqueuer for tests. With a handler attached it
// delivers jobs synchronously on enqueue; otherwise it just records them.
type MemoryQueue struct {
	mu      sync.Mutex
	jobs    []domain.IndexJob
	handler IndexHandler
}

var _ Enqueuer = (*MemoryQueue)(nil)

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

// AttachHandler switches the queue to synchronous delivery.
func (q *MemoryQueue) AttachHandler(handler IndexHandler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handler = handler
}

// EnqueueIndexJob records the job and, with a handler attached, runs it
// immediately.
func (q *MemoryQueue) EnqueueIndexJob(ctx context.Context, job domain.IndexJob) error {
	q.mu.Lock()
	q.jobs = append(q.jobs, job)
	handler := q.handler
	q.mu.Unlock()

	if handler != nil {
		return handler.HandleJob(ctx, job)
	}
	return nil
}

// Jobs returns a copy of every enqueued job in order.
func (q *MemoryQueue) Jobs() []domain.IndexJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	jobs := make([]domain.IndexJob, len(q.jobs))
	copy(jobs, q.jobs)
	return jobs
}
