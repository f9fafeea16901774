package jobs

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"

	"github.com/inboxhq/mailcore/config"
	"github.com/inboxhq/mailcore/internal/logger"
	"github.com/inboxhq/mailcore/internal/models"
	"github.com/inboxhq/mailcore/internal/repository"
	"github.com/inboxhq/mailcore/internal/tracing"
	"github.com/inboxhq/mailcore/internal/utils"
)

// TaskHandler executes one claimed job.
type TaskHandler func(ctx context.Context, payload models.JSONMap) error

const (
	claimPollInterval = 2 * time.Second
	baseRetryDelay    = 30 * time.Second
	maxRetryDelay     = 10 * time.Minute
)

// WorkerPool claims durable jobs and runs registered handlers. One pool
// per process; its heartbeat row is how schedulers detect live workers.
type WorkerPool struct {
	repo     repository.JobRepository
	cfg      *config.SyncConfig
	log      logger.Logger
	workerID string

	handlersMu sync.RWMutex
	handlers   map[string]TaskHandler

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewWorkerPool(repo repository.JobRepository, cfg *config.SyncConfig, log logger.Logger) *WorkerPool {
	hostname, _ := os.Hostname()
	return &WorkerPool{
		repo:     repo,
		cfg:      cfg,
		log:      log,
		workerID: fmt.Sprintf("%s-%s", hostname, utils.GenerateNanoIDWithPrefix("wrk", 8)),
		handlers: map[string]TaskHandler{},
	}
}

func (p *WorkerPool) Register(taskName string, handler TaskHandler) {
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()
	p.handlers[taskName] = handler
}

func (p *WorkerPool) handler(taskName string) (TaskHandler, bool) {
	p.handlersMu.RLock()
	defer p.handlersMu.RUnlock()
	h, ok := p.handlers[taskName]
	return h, ok
}

func (p *WorkerPool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.heartbeatLoop(ctx)

	for i := 0; i < p.cfg.WorkerCount; i++ {
		p.wg.Add(1)
		go p.claimLoop(ctx)
	}

	p.log.Infof("job worker pool %s started with %d workers", p.workerID, p.cfg.WorkerCount)
}

// Stop cancels the loops and blocks until in-flight jobs finish.
func (p *WorkerPool) Stop(ctx context.Context) {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()

	if err := p.repo.DeleteWorker(ctx, p.workerID); err != nil {
		p.log.Warnf("failed to delete worker row %s: %v", p.workerID, err)
	}
	p.log.Infof("job worker pool %s stopped", p.workerID)
}

func (p *WorkerPool) heartbeatLoop(ctx context.Context) {
	defer p.wg.Done()

	beat := func() {
		err := p.repo.UpsertWorker(ctx, &models.SyncWorker{
			ID:          p.workerID,
			Hostname:    hostnameOrWorkerID(p.workerID),
			Concurrency: p.cfg.WorkerCount,
			HeartbeatAt: utils.Now(),
			StartedAt:   utils.Now(),
		})
		if err != nil {
			p.log.Warnf("worker heartbeat failed: %v", err)
		}
	}
	beat()

	ticker := time.NewTicker(p.cfg.WorkerHeartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			beat()
		case <-ctx.Done():
			return
		}
	}
}

func hostnameOrWorkerID(workerID string) string {
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	return workerID
}

func (p *WorkerPool) claimLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(claimPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// Drain everything claimable before sleeping again.
		for {
			if ctx.Err() != nil {
				return
			}
			job, err := p.repo.ClaimNext(ctx, p.workerID)
			if err != nil {
				p.log.Errorf("job claim failed: %v", err)
				break
			}
			if job == nil {
				break
			}
			p.runJob(ctx, job)
		}
	}
}

// runJob executes one job and never lets a handler failure kill the
// claim loop.
func (p *WorkerPool) runJob(ctx context.Context, job *models.SyncJob) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "WorkerPool.runJob")
	defer span.Finish()
	span.SetTag("job.id", job.ID)
	span.SetTag("job.task", job.TaskName)
	span.SetTag("job.attempt", job.Attempts)

	defer func() {
		if r := recover(); r != nil {
			err := errors.Errorf("panic in job %s: %v", job.ID, r)
			tracing.TraceErr(span, err)
			p.log.Errorf("%v", err)
			p.failJob(ctx, job, err)
		}
	}()

	handler, ok := p.handler(job.TaskName)
	if !ok {
		err := errors.Errorf("no handler registered for task %s", job.TaskName)
		tracing.TraceErr(span, err)
		p.failJob(ctx, job, err)
		return
	}

	if err := handler(ctx, job.Payload); err != nil {
		tracing.TraceErr(span, err)
		p.log.Errorf("job %s (%s) failed on attempt %d: %v", job.ID, job.TaskName, job.Attempts, err)
		p.failJob(ctx, job, err)
		return
	}

	if err := p.repo.Complete(ctx, job); err != nil {
		p.log.Errorf("failed to complete job %s: %v", job.ID, err)
	}
}

func (p *WorkerPool) failJob(ctx context.Context, job *models.SyncJob, cause error) {
	delay := baseRetryDelay
	for i := 1; i < job.Attempts; i++ {
		delay *= 2
		if delay >= maxRetryDelay {
			delay = maxRetryDelay
			break
		}
	}

	if err := p.repo.Fail(ctx, job, cause.Error(), delay); err != nil {
		p.log.Errorf("failed to record job failure for %s: %v", job.ID, err)
	}
}
