package batch

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intentd/intentd/pkg/models"
)

var jobRows = []string{
	"job_id", "tenant_id", "status", "priority", "total_items",
	"processed_items", "failed_items", "webhook_url", "webhook_secret",
	"webhook_delivery", "cancel_requested", "created_at", "started_at", "completed_at",
}

func newMockJobStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		if closeErr := db.Close(); closeErr != nil {
			t.Logf("Failed to close mock db: %v", closeErr)
		}
	})

	store, err := NewPostgresStore(sqlx.NewDb(db, "sqlmock"), nil)
	require.NoError(t, err)
	return store, mock
}

func queuedJob() *models.BatchJob {
	return &models.BatchJob{
		JobID:           "job-1",
		TenantID:        "tenant-1",
		Status:          models.BatchStatusQueued,
		Priority:        models.BatchPriorityNormal,
		TotalItems:      2,
		WebhookDelivery: models.WebhookDeliveryNone,
		CreatedAt:       time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestPostgresCreateJob(t *testing.T) {
	store, mock := newMockJobStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO batch_jobs").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO batch_items").
		WithArgs("job-1", 0, "item-1", "where is my order", nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO batch_items").
		WithArgs("job-1", 1, "item-2", "cancel it", []byte(`{"customer_tier":"PROFESSIONAL"}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.CreateJob(context.Background(), queuedJob(), []models.BatchItem{
		{ItemID: "item-1", Text: "where is my order"},
		{ItemID: "item-2", Text: "cancel it", Context: &models.MessageContext{CustomerTier: "PROFESSIONAL"}},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreateJobRollsBackOnItemFailure(t *testing.T) {
	store, mock := newMockJobStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO batch_jobs").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO batch_items").
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err := store.CreateJob(context.Background(), queuedJob(), []models.BatchItem{
		{ItemID: "item-1", Text: "hello"},
	})
	require.ErrorIs(t, err, assert.AnError)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresJob(t *testing.T) {
	store, mock := newMockJobStore(t)
	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT (.+) FROM batch_jobs").
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows(jobRows).AddRow(
			"job-1", "tenant-1", "RUNNING", "high", 5, 3, 1,
			"", "", "none", false, created, created, nil,
		))

	job, err := store.Job(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusRunning, job.Status)
	assert.Equal(t, models.BatchPriorityHigh, job.Priority)
	assert.Equal(t, 3, job.ProcessedItems)
	require.NotNil(t, job.StartedAt)
	assert.Nil(t, job.CompletedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresJobNotFound(t *testing.T) {
	store, mock := newMockJobStore(t)

	mock.ExpectQuery("SELECT (.+) FROM batch_jobs").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(jobRows))

	_, err := store.Job(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresItemsDecodeContext(t *testing.T) {
	store, mock := newMockJobStore(t)

	mock.ExpectQuery("SELECT (.+) FROM batch_items").
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows([]string{"idx", "item_id", "text", "context"}).
			AddRow(0, "item-1", "hello", nil).
			AddRow(1, "item-2", "anything", []byte(`{"customer_tier":"FREE"}`)))

	items, err := store.Items(context.Background(), "job-1")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Nil(t, items[0].Context)
	require.NotNil(t, items[1].Context)
	assert.Equal(t, "FREE", items[1].Context.CustomerTier)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSaveItemResult(t *testing.T) {
	store, mock := newMockJobStore(t)
	processedAt := time.Date(2025, 6, 1, 12, 0, 5, 0, time.UTC)

	mock.ExpectExec("UPDATE batch_items").
		WithArgs("job-1", 1, false, nil, []byte(`{"kind":"VALIDATION","message":"message text cannot be empty"}`), processedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.SaveItemResult(context.Background(), "job-1", 1, &models.BatchResultItem{
		ItemID:      "item-2",
		Success:     false,
		Error:       &models.ErrorDetail{Kind: "VALIDATION", Message: "message text cannot be empty"},
		ProcessedAt: &processedAt,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresResultsRoundTrip(t *testing.T) {
	store, mock := newMockJobStore(t)
	processedAt := time.Date(2025, 6, 1, 12, 0, 5, 0, time.UTC)

	mock.ExpectQuery("SELECT (.+) FROM batch_items").
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows([]string{"item_id", "success", "result", "error", "processed_at"}).
			AddRow("item-1", true, []byte(`{"request_id":"req-1","resolved_intents":[],"is_compound":false,"entities":[],"confidence_summary":0,"requires_human":false,"reasoning_trace":[],"processing_time_ms":12,"path_taken":"fast_path","completed_at":"2025-06-01T12:00:05Z"}`), nil, processedAt).
			AddRow("item-2", false, nil, []byte(`{"kind":"VALIDATION","message":"empty"}`), processedAt).
			AddRow("item-3", nil, nil, nil, nil))

	results, err := store.Results(context.Background(), "job-1")
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.True(t, results[0].Success)
	require.NotNil(t, results[0].Result)
	assert.Equal(t, "req-1", results[0].Result.RequestID)

	assert.False(t, results[1].Success)
	require.NotNil(t, results[1].Error)
	assert.Equal(t, "VALIDATION", results[1].Error.Kind)

	// Never-started item: no result, no error, not successful.
	assert.False(t, results[2].Success)
	assert.Nil(t, results[2].Result)
	assert.Nil(t, results[2].Error)
	assert.Nil(t, results[2].ProcessedAt)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLifecycleUpdates(t *testing.T) {
	store, mock := newMockJobStore(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec("UPDATE batch_jobs").
		WithArgs("job-1", models.BatchStatusRunning, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.MarkRunning(context.Background(), "job-1", now))

	mock.ExpectExec("UPDATE batch_jobs").
		WithArgs("job-1", 4, 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.UpdateProgress(context.Background(), "job-1", 4, 1))

	mock.ExpectExec("UPDATE batch_jobs").
		WithArgs("job-1", models.BatchStatusCompleted, now, 4, 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.Finalize(context.Background(), "job-1", models.BatchStatusCompleted, now, 4, 1))

	mock.ExpectExec("UPDATE batch_jobs").
		WithArgs("job-1", models.WebhookDeliveryDelivered).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.SetWebhookDelivery(context.Background(), "job-1", models.WebhookDeliveryDelivered))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresFinalizeUnknownJob(t *testing.T) {
	store, mock := newMockJobStore(t)

	mock.ExpectExec("UPDATE batch_jobs").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Finalize(context.Background(), "missing", models.BatchStatusCompleted, time.Now(), 0, 0)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRequestCancel(t *testing.T) {
	t.Run("non-terminal job", func(t *testing.T) {
		store, mock := newMockJobStore(t)
		mock.ExpectExec("UPDATE batch_jobs").
			WithArgs("job-1", models.BatchStatusQueued, models.BatchStatusRunning).
			WillReturnResult(sqlmock.NewResult(0, 1))

		set, err := store.RequestCancel(context.Background(), "job-1")
		require.NoError(t, err)
		assert.True(t, set)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("terminal job", func(t *testing.T) {
		store, mock := newMockJobStore(t)
		created := time.Now()
		mock.ExpectExec("UPDATE batch_jobs").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT (.+) FROM batch_jobs").
			WithArgs("job-1").
			WillReturnRows(sqlmock.NewRows(jobRows).AddRow(
				"job-1", "tenant-1", "COMPLETED", "normal", 1, 1, 0,
				"", "", "none", false, created, created, created,
			))

		set, err := store.RequestCancel(context.Background(), "job-1")
		require.NoError(t, err)
		assert.False(t, set)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown job", func(t *testing.T) {
		store, mock := newMockJobStore(t)
		mock.ExpectExec("UPDATE batch_jobs").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT (.+) FROM batch_jobs").
			WithArgs("missing").
			WillReturnRows(sqlmock.NewRows(jobRows))

		_, err := store.RequestCancel(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresJobsByTenant(t *testing.T) {
	store, mock := newMockJobStore(t)
	created := time.Now()

	mock.ExpectQuery("SELECT (.+) FROM batch_jobs").
		WithArgs("tenant-1", 50).
		WillReturnRows(sqlmock.NewRows(jobRows).
			AddRow("job-2", "tenant-1", "RUNNING", "normal", 3, 1, 0, "", "", "none", false, created, created, nil).
			AddRow("job-1", "tenant-1", "COMPLETED", "normal", 2, 2, 0, "", "", "none", false, created.Add(-time.Hour), created, created))

	jobs, err := store.JobsByTenant(context.Background(), "tenant-1", 0)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "job-2", jobs[0].JobID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
