package batch

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/intentd/intentd/pkg/models"
)

// ErrNotFound is returned for unknown job ids.
var ErrNotFound = errors.New("batch: job not found")

// Store persists batch jobs, their items, and per-item results. Items keep
// their submission index so results can always be read back in submission
// order regardless of execution order.
type Store interface {
	// CreateJob persists a QUEUED job with its items.
	CreateJob(ctx context.Context, job *models.BatchJob, items []models.BatchItem) error
	// Job loads one job.
	Job(ctx context.Context, jobID string) (*models.BatchJob, error)
	// Items returns the job's items in submission order.
	Items(ctx context.Context, jobID string) ([]models.BatchItem, error)
	// MarkRunning transitions QUEUED to RUNNING.
	MarkRunning(ctx context.Context, jobID string, startedAt time.Time) error
	// UpdateProgress writes the current processed and failed counts.
	UpdateProgress(ctx context.Context, jobID string, processed, failed int) error
	// SaveItemResult records one item outcome at its submission index.
	SaveItemResult(ctx context.Context, jobID string, idx int, res *models.BatchResultItem) error
	// Results returns per-item outcomes in submission order. Items that
	// never ran have Success=false and no error detail.
	Results(ctx context.Context, jobID string) ([]models.BatchResultItem, error)
	// Finalize moves the job to a terminal status with final counts.
	Finalize(ctx context.Context, jobID string, status models.BatchStatus, completedAt time.Time, processed, failed int) error
	// RequestCancel sets the cancel flag on a non-terminal job. It reports
	// whether the flag was set; terminal jobs return false without error.
	RequestCancel(ctx context.Context, jobID string) (bool, error)
	// SetWebhookDelivery records the terminal-state callback outcome.
	SetWebhookDelivery(ctx context.Context, jobID string, status models.WebhookDeliveryStatus) error
	// JobsByTenant lists a tenant's jobs, newest first.
	JobsByTenant(ctx context.Context, tenantID string, limit int) ([]*models.BatchJob, error)
	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error
}

type memoryJob struct {
	job     models.BatchJob
	items   []models.BatchItem
	results []models.BatchResultItem
}

// MemoryStore keeps jobs in process memory for tests and local development.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*memoryJob
}

// NewMemoryStore creates an empty in-memory job store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*memoryJob)}
}

// CreateJob persists a QUEUED job with its items.
func (s *MemoryStore) CreateJob(ctx context.Context, job *models.BatchJob, items []models.BatchItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.JobID]; exists {
		return errors.New("batch: job id already exists")
	}
	rec := &memoryJob{
		job:     *job,
		items:   append([]models.BatchItem(nil), items...),
		results: make([]models.BatchResultItem, len(items)),
	}
	for i, item := range items {
		rec.results[i] = models.BatchResultItem{ItemID: item.ItemID}
	}
	s.jobs[job.JobID] = rec
	return nil
}

// Job loads one job.
func (s *MemoryStore) Job(ctx context.Context, jobID string) (*models.BatchJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := rec.job
	return &copied, nil
}

// Items returns the job's items in submission order.
func (s *MemoryStore) Items(ctx context.Context, jobID string) ([]models.BatchItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]models.BatchItem(nil), rec.items...), nil
}

// MarkRunning transitions QUEUED to RUNNING.
func (s *MemoryStore) MarkRunning(ctx context.Context, jobID string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	rec.job.Status = models.BatchStatusRunning
	rec.job.StartedAt = &startedAt
	return nil
}

// UpdateProgress writes the current processed and failed counts.
func (s *MemoryStore) UpdateProgress(ctx context.Context, jobID string, processed, failed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	rec.job.ProcessedItems = processed
	rec.job.FailedItems = failed
	return nil
}

// SaveItemResult records one item outcome at its submission index.
func (s *MemoryStore) SaveItemResult(ctx context.Context, jobID string, idx int, res *models.BatchResultItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if idx < 0 || idx >= len(rec.results) {
		return errors.New("batch: item index out of range")
	}
	rec.results[idx] = *res
	return nil
}

// Results returns per-item outcomes in submission order.
func (s *MemoryStore) Results(ctx context.Context, jobID string) ([]models.BatchResultItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]models.BatchResultItem(nil), rec.results...), nil
}

// Finalize moves the job to a terminal status with final counts.
func (s *MemoryStore) Finalize(ctx context.Context, jobID string, status models.BatchStatus, completedAt time.Time, processed, failed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	rec.job.Status = status
	rec.job.CompletedAt = &completedAt
	rec.job.ProcessedItems = processed
	rec.job.FailedItems = failed
	return nil
}

// RequestCancel sets the cancel flag on a non-terminal job.
func (s *MemoryStore) RequestCancel(ctx context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[jobID]
	if !ok {
		return false, ErrNotFound
	}
	if rec.job.Status.IsTerminal() {
		return false, nil
	}
	rec.job.CancelRequested = true
	return true, nil
}

// SetWebhookDelivery records the terminal-state callback outcome.
func (s *MemoryStore) SetWebhookDelivery(ctx context.Context, jobID string, status models.WebhookDeliveryStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	rec.job.WebhookDelivery = status
	return nil
}

// JobsByTenant lists a tenant's jobs, newest first.
func (s *MemoryStore) JobsByTenant(ctx context.Context, tenantID string, limit int) ([]*models.BatchJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.BatchJob
	for _, rec := range s.jobs {
		if rec.job.TenantID != tenantID {
			continue
		}
		copied := rec.job
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

var _ Store = (*MemoryStore)(nil)
