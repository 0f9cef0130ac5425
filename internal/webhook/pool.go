package webhook

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	apperrors "github.com/aliuwahab/kitua-sub001/internal"
	"github.com/aliuwahab/kitua-sub001/internal/core/datamodel/idempotency"
	idem "github.com/aliuwahab/kitua-sub001/internal/idempotency"
	"github.com/aliuwahab/kitua-sub001/internal/provider"
)

type Job struct {
	Record *idempotency.Record
	Key    idem.Key
	Status *provider.NormalizedStatus
}

type Worker struct {
	ID         int
	JobChannel chan Job
	Logger     *slog.Logger
}

func NewWorker(id, queueSize int, logger *slog.Logger) *Worker {
	return &Worker{
		ID:         id,
		JobChannel: make(chan Job, queueSize),
		Logger:     logger,
	}
}

func (w *Worker) Start(ctx context.Context, wg *sync.WaitGroup, processFunc func(Job)) {
	wg.Add(1)
	go func() {
		defer wg.Done()

		for {
			select {
			case job := <-w.JobChannel:
				w.Logger.Debug("worker processing webhook", "worker_id", w.ID, "provider_reference", job.Key.ProviderReference)
				processFunc(job)
			case <-ctx.Done():
				w.Logger.Debug("worker shutting down", "worker_id", w.ID)
				return
			}
		}
	}()
}

type PoolConfig struct {
	Workers    int
	QueueSize  int
	JobTimeout time.Duration
}

// Pool applies webhooks in the background. Jobs for one provider reference
// always land on the same worker so they apply in arrival order.
type Pool struct {
	workers    []*Worker
	dispatcher *Dispatcher
	jobTimeout time.Duration
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func NewPool(config PoolConfig, dispatcher *Dispatcher, logger *slog.Logger) *Pool {
	ctx, cancel := context.WithCancel(context.Background())

	workers := config.Workers
	if workers <= 0 {
		workers = 4
	}
	queueSize := config.QueueSize
	if queueSize <= 0 {
		queueSize = 100
	}
	perWorker := max(queueSize/workers, 1)

	pool := &Pool{
		dispatcher: dispatcher,
		jobTimeout: config.JobTimeout,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
	for i := 0; i < workers; i++ {
		pool.workers = append(pool.workers, NewWorker(i, perWorker, logger))
	}
	return pool
}

func (p *Pool) Start() {
	p.once.Do(func() {
		for _, w := range p.workers {
			w.Start(p.ctx, &p.wg, p.process)
		}
		p.logger.Info("webhook worker pool started",
			"workers", len(p.workers),
			"queue_size", cap(p.workers[0].JobChannel)*len(p.workers))
	})
}

// Submit queues job without blocking. It reports false when the shard is full;
// the record stays pending and the retry sweeper picks it up.
func (p *Pool) Submit(job Job) bool {
	w := p.workers[p.shard(job.Key)]
	select {
	case w.JobChannel <- job:
		return true
	default:
		return false
	}
}

func (p *Pool) Shutdown() {
	p.logger.Info("shutting down webhook worker pool")
	p.cancel()
	p.wg.Wait()
	p.logger.Info("webhook worker pool shutdown complete")
}

func (p *Pool) shard(key idem.Key) int {
	h := fnv.New32a()
	h.Write([]byte(key.Provider))
	h.Write([]byte{0})
	h.Write([]byte(key.ProviderReference))
	return int(h.Sum32() % uint32(len(p.workers)))
}

// process runs detached from the pool context so shutdown lets the
// in-flight job commit. Queued jobs remain pending in the store.
func (p *Pool) process(job Job) {
	ctx, cancel := apperrors.Detached(p.ctx, p.jobTimeout)
	defer cancel()
	_ = p.dispatcher.Process(ctx, job)
}
