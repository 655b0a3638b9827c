package batch

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/intentd/intentd/pkg/models"
	"github.com/intentd/intentd/pkg/observability"
)

const jobColumns = `job_id, tenant_id, status, priority, total_items, processed_items, failed_items, webhook_url, webhook_secret, webhook_delivery, cancel_requested, created_at, started_at, completed_at`

// PostgresStore persists batch jobs and per-item results in Postgres.
// Item results live as jsonb so the resolve output round-trips without a
// relational mapping.
type PostgresStore struct {
	db     *sqlx.DB
	logger observability.Logger
}

// NewPostgresStore creates a job store over an existing connection pool.
func NewPostgresStore(db *sqlx.DB, logger observability.Logger) (*PostgresStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	return &PostgresStore{db: db, logger: observability.OrNoop(logger)}, nil
}

// CreateJob persists a QUEUED job with its items in one transaction.
func (s *PostgresStore) CreateJob(ctx context.Context, job *models.BatchJob, items []models.BatchItem) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO batch_jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, job.JobID, job.TenantID, job.Status, job.Priority, job.TotalItems,
		job.ProcessedItems, job.FailedItems, job.WebhookURL, job.WebhookSecret,
		job.WebhookDelivery, job.CancelRequested, job.CreatedAt, job.StartedAt, job.CompletedAt)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to insert batch job: %w", err)
	}

	for i := range items {
		var msgCtx []byte
		if items[i].Context != nil {
			msgCtx, err = json.Marshal(items[i].Context)
			if err != nil {
				tx.Rollback()
				return fmt.Errorf("failed to encode item %d context: %w", i, err)
			}
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO batch_items (job_id, idx, item_id, text, context)
			VALUES ($1, $2, $3, $4, $5)
		`, job.JobID, i, items[i].ItemID, items[i].Text, nullableJSON(msgCtx))
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to insert batch item %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch job: %w", err)
	}
	return nil
}

// Job loads one job.
func (s *PostgresStore) Job(ctx context.Context, jobID string) (*models.BatchJob, error) {
	var job models.BatchJob
	err := s.db.GetContext(ctx, &job, `
		SELECT `+jobColumns+`
		FROM batch_jobs
		WHERE job_id = $1
	`, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load batch job: %w", err)
	}
	return &job, nil
}

type itemRow struct {
	Idx     int    `db:"idx"`
	ItemID  string `db:"item_id"`
	Text    string `db:"text"`
	Context []byte `db:"context"`
}

// Items returns the job's items in submission order.
func (s *PostgresStore) Items(ctx context.Context, jobID string) ([]models.BatchItem, error) {
	var rows []itemRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT idx, item_id, text, context
		FROM batch_items
		WHERE job_id = $1
		ORDER BY idx
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch items: %w", err)
	}
	if len(rows) == 0 {
		if _, err := s.Job(ctx, jobID); err != nil {
			return nil, err
		}
	}

	items := make([]models.BatchItem, len(rows))
	for i, row := range rows {
		items[i] = models.BatchItem{ItemID: row.ItemID, Text: row.Text}
		if len(row.Context) > 0 {
			var mc models.MessageContext
			if err := json.Unmarshal(row.Context, &mc); err != nil {
				return nil, fmt.Errorf("failed to decode item %d context: %w", row.Idx, err)
			}
			items[i].Context = &mc
		}
	}
	return items, nil
}

// MarkRunning transitions QUEUED to RUNNING.
func (s *PostgresStore) MarkRunning(ctx context.Context, jobID string, startedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE batch_jobs
		SET status = $2, started_at = $3
		WHERE job_id = $1
	`, jobID, models.BatchStatusRunning, startedAt)
	if err != nil {
		return fmt.Errorf("failed to mark batch job running: %w", err)
	}
	return requireRow(res)
}

// UpdateProgress writes the current processed and failed counts.
func (s *PostgresStore) UpdateProgress(ctx context.Context, jobID string, processed, failed int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE batch_jobs
		SET processed_items = $2, failed_items = $3
		WHERE job_id = $1
	`, jobID, processed, failed)
	if err != nil {
		return fmt.Errorf("failed to update batch progress: %w", err)
	}
	return requireRow(res)
}

// SaveItemResult records one item outcome at its submission index.
func (s *PostgresStore) SaveItemResult(ctx context.Context, jobID string, idx int, result *models.BatchResultItem) error {
	var out, errDetail []byte
	var err error
	if result.Result != nil {
		out, err = json.Marshal(result.Result)
		if err != nil {
			return fmt.Errorf("failed to encode item result: %w", err)
		}
	}
	if result.Error != nil {
		errDetail, err = json.Marshal(result.Error)
		if err != nil {
			return fmt.Errorf("failed to encode item error: %w", err)
		}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE batch_items
		SET success = $3, result = $4, error = $5, processed_at = $6
		WHERE job_id = $1 AND idx = $2
	`, jobID, idx, result.Success, nullableJSON(out), nullableJSON(errDetail), result.ProcessedAt)
	if err != nil {
		return fmt.Errorf("failed to save item result: %w", err)
	}
	return requireRow(res)
}

type resultRow struct {
	ItemID      string     `db:"item_id"`
	Success     *bool      `db:"success"`
	Result      []byte     `db:"result"`
	Error       []byte     `db:"error"`
	ProcessedAt *time.Time `db:"processed_at"`
}

// Results returns per-item outcomes in submission order. Items that never
// ran come back with Success=false and no detail.
func (s *PostgresStore) Results(ctx context.Context, jobID string) ([]models.BatchResultItem, error) {
	var rows []resultRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT item_id, success, result, error, processed_at
		FROM batch_items
		WHERE job_id = $1
		ORDER BY idx
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch results: %w", err)
	}
	if len(rows) == 0 {
		if _, err := s.Job(ctx, jobID); err != nil {
			return nil, err
		}
	}

	results := make([]models.BatchResultItem, len(rows))
	for i, row := range rows {
		item := models.BatchResultItem{ItemID: row.ItemID, ProcessedAt: row.ProcessedAt}
		if row.Success != nil {
			item.Success = *row.Success
		}
		if len(row.Result) > 0 {
			var out models.ResolveOutput
			if err := json.Unmarshal(row.Result, &out); err != nil {
				return nil, fmt.Errorf("failed to decode result for item %s: %w", row.ItemID, err)
			}
			item.Result = &out
		}
		if len(row.Error) > 0 {
			var detail models.ErrorDetail
			if err := json.Unmarshal(row.Error, &detail); err != nil {
				return nil, fmt.Errorf("failed to decode error for item %s: %w", row.ItemID, err)
			}
			item.Error = &detail
		}
		results[i] = item
	}
	return results, nil
}

// Finalize moves the job to a terminal status with final counts.
func (s *PostgresStore) Finalize(ctx context.Context, jobID string, status models.BatchStatus, completedAt time.Time, processed, failed int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE batch_jobs
		SET status = $2, completed_at = $3, processed_items = $4, failed_items = $5
		WHERE job_id = $1
	`, jobID, status, completedAt, processed, failed)
	if err != nil {
		return fmt.Errorf("failed to finalize batch job: %w", err)
	}
	return requireRow(res)
}

// RequestCancel sets the cancel flag on a non-terminal job.
func (s *PostgresStore) RequestCancel(ctx context.Context, jobID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE batch_jobs
		SET cancel_requested = TRUE
		WHERE job_id = $1 AND status IN ($2, $3)
	`, jobID, models.BatchStatusQueued, models.BatchStatusRunning)
	if err != nil {
		return false, fmt.Errorf("failed to request cancellation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected > 0 {
		return true, nil
	}
	// Either the job is terminal or it does not exist.
	if _, err := s.Job(ctx, jobID); err != nil {
		return false, err
	}
	return false, nil
}

// SetWebhookDelivery records the terminal-state callback outcome.
func (s *PostgresStore) SetWebhookDelivery(ctx context.Context, jobID string, status models.WebhookDeliveryStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE batch_jobs
		SET webhook_delivery = $2
		WHERE job_id = $1
	`, jobID, status)
	if err != nil {
		return fmt.Errorf("failed to record webhook delivery: %w", err)
	}
	return requireRow(res)
}

// JobsByTenant lists a tenant's jobs, newest first.
func (s *PostgresStore) JobsByTenant(ctx context.Context, tenantID string, limit int) ([]*models.BatchJob, error) {
	if limit <= 0 {
		limit = 50
	}
	var jobs []*models.BatchJob
	err := s.db.SelectContext(ctx, &jobs, `
		SELECT `+jobColumns+`
		FROM batch_jobs
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list batch jobs: %w", err)
	}
	return jobs, nil
}

// Ping verifies the backend is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// requireRow converts zero-row updates into ErrNotFound.
func requireRow(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// nullableJSON maps empty payloads to NULL so jsonb columns stay null
// instead of holding empty strings.
func nullableJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}

var _ Store = (*PostgresStore)(nil)
