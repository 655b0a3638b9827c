// Package batch runs batch jobs: bounded concurrent fan-out of the
// resolution pipeline over an ordered list of messages, with durable
// progress, cancellation, and signed webhook notification on terminal
// state.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/intentd/intentd/pkg/apperrors"
	"github.com/intentd/intentd/pkg/models"
	"github.com/intentd/intentd/pkg/observability"
)

const (
	defaultWorkers          = 2
	defaultItemConcurrency  = 8
	defaultMaxQueueDepth    = 100
	defaultItemTimeout      = 30 * time.Second
	defaultProgressInterval = 1 * time.Second
	defaultProgressEvery    = 10
	defaultRetryAfter       = 30 * time.Second
)

// Resolver runs one message through the resolution pipeline. The production
// implementation is the pipeline service; tests substitute fakes.
type Resolver interface {
	Resolve(ctx context.Context, in *models.ResolveInput) (*models.ResolveOutput, error)
}

// ResolverFunc adapts a plain function to the Resolver interface.
type ResolverFunc func(ctx context.Context, in *models.ResolveInput) (*models.ResolveOutput, error)

// Resolve calls f.
func (f ResolverFunc) Resolve(ctx context.Context, in *models.ResolveInput) (*models.ResolveOutput, error) {
	return f(ctx, in)
}

// Config assembles an Engine.
type Config struct {
	Store    Store
	Resolver Resolver
	// Deliverer posts terminal-state webhooks. Nil disables delivery.
	Deliverer *Deliverer
	// Workers is the number of concurrent jobs. Defaults to 2.
	Workers int
	// ItemConcurrency bounds the fan-out within one job. Defaults to 8.
	ItemConcurrency int
	// MaxItems caps a single batch regardless of tenant overrides. Zero
	// disables the cap.
	MaxItems int
	// MaxQueueDepth is the backpressure threshold. Defaults to 100.
	MaxQueueDepth int
	// ItemTimeout caps a single item resolution. Defaults to 30s.
	ItemTimeout time.Duration
	// ProgressInterval and ProgressEvery bound how stale the persisted
	// progress counters may become. Defaults: 1s and 10 items.
	ProgressInterval time.Duration
	ProgressEvery    int
	// RetryAfter is the hint attached to backpressure rejections.
	// Defaults to 30s.
	RetryAfter time.Duration
	Logger     observability.Logger
}

// Engine accepts, schedules, and executes batch jobs. Workers pull jobs
// strictly by priority class, FIFO within a class; items inside a job run
// with bounded concurrency and per-item failures never fail the job.
type Engine struct {
	store     Store
	resolver  Resolver
	deliverer *Deliverer
	queue     *Queue
	logger    observability.Logger

	workersN         int
	itemConcurrency  int
	maxItems         int
	maxQueueDepth    int
	itemTimeout      time.Duration
	progressInterval time.Duration
	progressEvery    int
	retryAfter       time.Duration

	// cancels holds the in-process cancel flag per running job so workers
	// observe Cancel without polling the store.
	cancels sync.Map

	baseCtx  context.Context
	baseStop context.CancelFunc
	workers  sync.WaitGroup
	hooks    sync.WaitGroup
	started  atomic.Bool
	stopOnce sync.Once
}

// NewEngine creates an Engine, applying defaults for unset fields.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("batch: store is required")
	}
	if cfg.Resolver == nil {
		return nil, errors.New("batch: resolver is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.ItemConcurrency <= 0 {
		cfg.ItemConcurrency = defaultItemConcurrency
	}
	if cfg.MaxQueueDepth <= 0 {
		cfg.MaxQueueDepth = defaultMaxQueueDepth
	}
	if cfg.ItemTimeout <= 0 {
		cfg.ItemTimeout = defaultItemTimeout
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = defaultProgressInterval
	}
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = defaultProgressEvery
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = defaultRetryAfter
	}

	ctx, stop := context.WithCancel(context.Background())
	return &Engine{
		store:            cfg.Store,
		resolver:         cfg.Resolver,
		deliverer:        cfg.Deliverer,
		queue:            NewQueue(),
		logger:           observability.OrNoop(cfg.Logger),
		workersN:         cfg.Workers,
		itemConcurrency:  cfg.ItemConcurrency,
		maxItems:         cfg.MaxItems,
		maxQueueDepth:    cfg.MaxQueueDepth,
		itemTimeout:      cfg.ItemTimeout,
		progressInterval: cfg.ProgressInterval,
		progressEvery:    cfg.ProgressEvery,
		retryAfter:       cfg.RetryAfter,
		baseCtx:          ctx,
		baseStop:         stop,
	}, nil
}

// Start launches the worker pool.
func (e *Engine) Start() error {
	if !e.started.CompareAndSwap(false, true) {
		return errors.New("batch: engine already started")
	}
	e.logger.Info("Starting batch engine", map[string]interface{}{
		"workers":          e.workersN,
		"item_concurrency": e.itemConcurrency,
		"max_queue_depth":  e.maxQueueDepth,
	})
	for i := 0; i < e.workersN; i++ {
		e.workers.Add(1)
		go e.worker(i)
	}
	return nil
}

// Shutdown stops the engine: no new jobs are accepted, running jobs finish
// unless the context ends first, and pending webhook deliveries drain.
// Queued jobs that never started remain QUEUED in the store.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.stopOnce.Do(func() { e.queue.Close() })

	done := make(chan struct{})
	go func() {
		e.workers.Wait()
		e.hooks.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		e.baseStop()
		<-done
		return ctx.Err()
	}
}

// QueueDepth reports the number of jobs waiting for a worker.
func (e *Engine) QueueDepth() int { return e.queue.Depth() }

// Submit validates and enqueues a batch for an already-authenticated tenant.
// The returned job is in QUEUED state.
func (e *Engine) Submit(ctx context.Context, tenant *models.TenantConfig, items []models.BatchItem, priority models.BatchPriority, webhookURL, webhookSecret string) (*models.BatchJob, error) {
	if tenant == nil {
		return nil, apperrors.New(apperrors.KindInternal, "batch submit requires a tenant")
	}
	if !tenant.BatchProcessingEnabled() {
		return nil, apperrors.New(apperrors.KindValidation, "batch processing is disabled for this tenant")
	}
	if len(items) == 0 {
		return nil, apperrors.New(apperrors.KindValidation, "batch requires at least one item")
	}
	if maxItems := tenant.MaxBatchSize(); len(items) > maxItems {
		return nil, apperrors.Newf(apperrors.KindBatchTooLarge, "batch of %d items exceeds tenant limit of %d", len(items), maxItems)
	}
	if e.maxItems > 0 && len(items) > e.maxItems {
		return nil, apperrors.Newf(apperrors.KindBatchTooLarge, "batch of %d items exceeds service limit of %d", len(items), e.maxItems)
	}
	if priority == "" {
		priority = models.BatchPriorityNormal
	}
	if !priority.IsValid() {
		return nil, apperrors.Newf(apperrors.KindValidation, "unknown priority %q", priority)
	}
	if webhookURL == "" && webhookSecret != "" {
		return nil, apperrors.New(apperrors.KindValidation, "webhook_secret requires webhook_url")
	}
	if depth := e.queue.Depth(); depth >= e.maxQueueDepth {
		return nil, apperrors.Newf(apperrors.KindBatchBackpressure, "queue depth %d at capacity", depth).
			WithRetryAfter(e.retryAfter.Seconds())
	}

	// Item ids are caller-assigned when present; gaps get positional ids
	// so results always carry a stable identifier.
	submitted := make([]models.BatchItem, len(items))
	copy(submitted, items)
	for i := range submitted {
		if submitted[i].ItemID == "" {
			submitted[i].ItemID = fmt.Sprintf("item-%d", i+1)
		}
	}

	delivery := models.WebhookDeliveryNone
	if webhookURL != "" {
		delivery = models.WebhookDeliveryPending
	}
	job := &models.BatchJob{
		JobID:           uuid.New().String(),
		TenantID:        tenant.TenantID,
		Status:          models.BatchStatusQueued,
		Priority:        priority,
		TotalItems:      len(submitted),
		WebhookURL:      webhookURL,
		WebhookSecret:   webhookSecret,
		WebhookDelivery: delivery,
		CreatedAt:       time.Now().UTC(),
	}
	if err := e.store.CreateJob(ctx, job, submitted); err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindInternal, "failed to persist batch job")
	}
	if err := e.queue.Push(job.JobID, priority); err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindUnavailable, "batch engine is shutting down")
	}

	e.logger.Info("Batch job queued", map[string]interface{}{
		"job_id":    job.JobID,
		"tenant_id": job.TenantID,
		"items":     job.TotalItems,
		"priority":  string(priority),
	})
	return job, nil
}

// Status returns a tenant's job. Jobs belonging to other tenants are
// reported as not found.
func (e *Engine) Status(ctx context.Context, tenantID, jobID string) (*models.BatchJob, error) {
	return e.tenantJob(ctx, tenantID, jobID)
}

// Results returns per-item outcomes in submission order.
func (e *Engine) Results(ctx context.Context, tenantID, jobID string) ([]models.BatchResultItem, error) {
	if _, err := e.tenantJob(ctx, tenantID, jobID); err != nil {
		return nil, err
	}
	results, err := e.store.Results(ctx, jobID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindInternal, "failed to load batch results")
	}
	return results, nil
}

// Jobs lists a tenant's jobs, newest first.
func (e *Engine) Jobs(ctx context.Context, tenantID string, limit int) ([]*models.BatchJob, error) {
	jobs, err := e.store.JobsByTenant(ctx, tenantID, limit)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindInternal, "failed to list batch jobs")
	}
	return jobs, nil
}

// Cancel requests cancellation of a tenant's job. In-flight items run to
// completion, no new items start, and the job finalizes as CANCELLED.
// Cancelling a terminal job is a no-op returning false.
func (e *Engine) Cancel(ctx context.Context, tenantID, jobID string) (bool, error) {
	job, err := e.tenantJob(ctx, tenantID, jobID)
	if err != nil {
		return false, err
	}
	if job.Status.IsTerminal() {
		return false, nil
	}
	set, err := e.store.RequestCancel(ctx, jobID)
	if err != nil {
		return false, apperrors.Wrap(err, apperrors.KindInternal, "failed to record cancellation")
	}
	if set {
		e.cancelFlag(jobID).Store(true)
		e.logger.Info("Batch job cancellation requested", map[string]interface{}{
			"job_id":    jobID,
			"tenant_id": tenantID,
		})
	}
	return set, nil
}

func (e *Engine) tenantJob(ctx context.Context, tenantID, jobID string) (*models.BatchJob, error) {
	job, err := e.store.Job(ctx, jobID)
	if errors.Is(err, ErrNotFound) {
		return nil, apperrors.Newf(apperrors.KindNotFound, "batch job %s not found", jobID)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindInternal, "failed to load batch job")
	}
	if job.TenantID != tenantID {
		return nil, apperrors.Newf(apperrors.KindNotFound, "batch job %s not found", jobID)
	}
	return job, nil
}

func (e *Engine) cancelFlag(jobID string) *atomic.Bool {
	flag, _ := e.cancels.LoadOrStore(jobID, &atomic.Bool{})
	return flag.(*atomic.Bool)
}

func (e *Engine) worker(id int) {
	defer e.workers.Done()
	for {
		jobID, ok := e.queue.Pop(e.baseCtx)
		if !ok {
			return
		}
		e.runJob(e.baseCtx, jobID)
	}
}

func (e *Engine) runJob(ctx context.Context, jobID string) {
	log := e.logger.With(map[string]interface{}{"job_id": jobID})

	job, err := e.store.Job(ctx, jobID)
	if err != nil {
		log.Error("Failed to load queued job", map[string]interface{}{"error": err.Error()})
		return
	}
	if job.Status.IsTerminal() {
		return
	}

	flag := e.cancelFlag(jobID)
	if job.CancelRequested {
		flag.Store(true)
	}
	defer e.cancels.Delete(jobID)

	// Cancelled while still queued: finalize without starting anything.
	if flag.Load() {
		e.finalize(ctx, job, models.BatchStatusCancelled, 0, 0)
		return
	}

	items, err := e.store.Items(ctx, jobID)
	if err != nil {
		log.Error("Failed to load job items", map[string]interface{}{"error": err.Error()})
		e.finalize(ctx, job, models.BatchStatusFailed, 0, 0)
		return
	}

	startedAt := time.Now().UTC()
	if err := e.store.MarkRunning(ctx, jobID, startedAt); err != nil {
		log.Error("Failed to mark job running", map[string]interface{}{"error": err.Error()})
		e.finalize(ctx, job, models.BatchStatusFailed, 0, 0)
		return
	}
	job.Status = models.BatchStatusRunning
	job.StartedAt = &startedAt
	log.Info("Batch job started", map[string]interface{}{"items": len(items)})

	prog := newProgress(e.progressEvery, e.progressInterval, func(processed, failed int) error {
		return e.store.UpdateProgress(ctx, jobID, processed, failed)
	})
	var storeDown atomic.Bool

	flushStop := make(chan struct{})
	var flushWG sync.WaitGroup
	flushWG.Add(1)
	go func() {
		defer flushWG.Done()
		ticker := time.NewTicker(e.progressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := prog.flushIfStale(); err != nil {
					storeDown.Store(true)
				}
			case <-flushStop:
				return
			}
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.itemConcurrency)
	cancelled := false
	for i := range items {
		if flag.Load() {
			cancelled = true
			break
		}
		if storeDown.Load() || ctx.Err() != nil {
			break
		}
		i := i
		g.Go(func() error {
			// An item may have waited here for a slot while the job was
			// cancelled; it must not start.
			if flag.Load() {
				return nil
			}
			e.runItem(gctx, job, items[i], i, prog, &storeDown)
			return nil
		})
	}
	_ = g.Wait()
	close(flushStop)
	flushWG.Wait()

	if err := prog.flush(); err != nil {
		storeDown.Store(true)
	}
	processed, failed := prog.counts()

	switch {
	case ctx.Err() != nil:
		// Shutdown hard-stop: leave the job RUNNING for operator triage,
		// the store is likely unreachable from this context anyway.
		log.Warn("Batch job interrupted by shutdown", map[string]interface{}{
			"processed": processed,
			"failed":    failed,
		})
	case storeDown.Load():
		e.finalize(ctx, job, models.BatchStatusFailed, processed, failed)
	case cancelled || flag.Load():
		e.finalize(ctx, job, models.BatchStatusCancelled, processed, failed)
	default:
		e.finalize(ctx, job, models.BatchStatusCompleted, processed, failed)
	}
}

func (e *Engine) runItem(ctx context.Context, job *models.BatchJob, item models.BatchItem, idx int, prog *progress, storeDown *atomic.Bool) {
	res := models.BatchResultItem{ItemID: item.ItemID}

	func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("Panic while processing batch item", map[string]interface{}{
					"job_id":  job.JobID,
					"item_id": item.ItemID,
					"panic":   fmt.Sprintf("%v", r),
				})
				res.Success = false
				res.Result = nil
				res.Error = &models.ErrorDetail{
					Kind:    string(apperrors.KindInternal),
					Message: "internal error while processing item",
				}
			}
		}()

		ictx, cancel := context.WithTimeout(ctx, e.itemTimeout)
		defer cancel()
		out, err := e.resolver.Resolve(ictx, &models.ResolveInput{
			TenantID: job.TenantID,
			RawText:  item.Text,
			Context:  item.Context,
		})
		if err != nil {
			res.Error = itemError(err)
			return
		}
		res.Success = true
		res.Result = out
	}()

	now := time.Now().UTC()
	res.ProcessedAt = &now
	if err := e.store.SaveItemResult(ctx, job.JobID, idx, &res); err != nil {
		e.logger.Error("Failed to persist item result", map[string]interface{}{
			"job_id":  job.JobID,
			"item_id": item.ItemID,
			"error":   err.Error(),
		})
		storeDown.Store(true)
		return
	}
	if err := prog.bump(res.Success); err != nil {
		storeDown.Store(true)
	}
}

func (e *Engine) finalize(ctx context.Context, job *models.BatchJob, status models.BatchStatus, processed, failed int) {
	completedAt := time.Now().UTC()
	if err := e.store.Finalize(ctx, job.JobID, status, completedAt, processed, failed); err != nil {
		e.logger.Error("Failed to finalize batch job", map[string]interface{}{
			"job_id": job.JobID,
			"status": string(status),
			"error":  err.Error(),
		})
		return
	}
	job.Status = status
	job.CompletedAt = &completedAt
	job.ProcessedItems = processed
	job.FailedItems = failed

	e.logger.Info("Batch job finished", map[string]interface{}{
		"job_id":    job.JobID,
		"status":    string(status),
		"processed": processed,
		"failed":    failed,
	})

	if job.WebhookURL == "" || e.deliverer == nil {
		return
	}
	e.hooks.Add(1)
	go func(j models.BatchJob) {
		defer e.hooks.Done()
		outcome := e.deliverer.Deliver(e.baseCtx, &j)
		wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.store.SetWebhookDelivery(wctx, j.JobID, outcome); err != nil {
			e.logger.Error("Failed to record webhook delivery outcome", map[string]interface{}{
				"job_id": j.JobID,
				"error":  err.Error(),
			})
		}
	}(*job)
}

// itemError converts a pipeline error into the serializable per-item shape.
func itemError(err error) *models.ErrorDetail {
	kind := apperrors.KindOf(err)
	if kind == apperrors.KindInternal {
		if errors.Is(err, context.DeadlineExceeded) {
			kind = apperrors.KindTimeout
		} else if errors.Is(err, context.Canceled) {
			kind = apperrors.KindTimeout
		}
	}
	return &models.ErrorDetail{Kind: string(kind), Message: err.Error()}
}

// progress accumulates per-item outcomes and writes them through at least
// every N items or every interval, whichever comes first.
type progress struct {
	mu        sync.Mutex
	processed int
	failed    int
	dirty     int
	lastFlush time.Time
	every     int
	interval  time.Duration
	write     func(processed, failed int) error
}

func newProgress(every int, interval time.Duration, write func(processed, failed int) error) *progress {
	return &progress{
		every:     every,
		interval:  interval,
		lastFlush: time.Now(),
		write:     write,
	}
}

func (p *progress) bump(success bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if success {
		p.processed++
	} else {
		p.failed++
	}
	p.dirty++
	if p.dirty >= p.every || time.Since(p.lastFlush) >= p.interval {
		return p.flushLocked()
	}
	return nil
}

// flushIfStale writes pending counts when the interval has elapsed.
func (p *progress) flushIfStale() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dirty == 0 || time.Since(p.lastFlush) < p.interval {
		return nil
	}
	return p.flushLocked()
}

func (p *progress) flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flushLocked()
}

func (p *progress) flushLocked() error {
	p.dirty = 0
	p.lastFlush = time.Now()
	return p.write(p.processed, p.failed)
}

func (p *progress) counts() (processed, failed int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.processed, p.failed
}
