package models

import "time"

// BatchStatus is the lifecycle state of a batch job.
type BatchStatus string

const (
	BatchStatusQueued    BatchStatus = "QUEUED"
	BatchStatusRunning   BatchStatus = "RUNNING"
	BatchStatusCompleted BatchStatus = "COMPLETED"
	BatchStatusFailed    BatchStatus = "FAILED"
	BatchStatusCancelled BatchStatus = "CANCELLED"
)

// IsTerminal reports whether no further transitions are possible.
func (s BatchStatus) IsTerminal() bool {
	switch s {
	case BatchStatusCompleted, BatchStatusFailed, BatchStatusCancelled:
		return true
	}
	return false
}

// BatchPriority orders jobs across tenants. Higher priority classes drain
// first; within a class jobs run FIFO.
type BatchPriority string

const (
	BatchPriorityHigh   BatchPriority = "high"
	BatchPriorityNormal BatchPriority = "normal"
	BatchPriorityLow    BatchPriority = "low"
)

// Rank returns the scheduling rank of the priority, higher first.
func (p BatchPriority) Rank() int {
	switch p {
	case BatchPriorityHigh:
		return 2
	case BatchPriorityNormal:
		return 1
	default:
		return 0
	}
}

// IsValid reports whether the priority is a known class.
func (p BatchPriority) IsValid() bool {
	switch p {
	case BatchPriorityHigh, BatchPriorityNormal, BatchPriorityLow:
		return true
	}
	return false
}

// WebhookDeliveryStatus records the outcome of the terminal-state callback.
type WebhookDeliveryStatus string

const (
	WebhookDeliveryPending   WebhookDeliveryStatus = "pending"
	WebhookDeliveryDelivered WebhookDeliveryStatus = "delivered"
	WebhookDeliveryFailed    WebhookDeliveryStatus = "failed"
	WebhookDeliveryNone      WebhookDeliveryStatus = "none"
)

// BatchItem is one message inside a batch submission.
type BatchItem struct {
	ItemID  string          `json:"item_id"`
	Text    string          `json:"text"`
	Context *MessageContext `json:"context,omitempty"`
}

// BatchResultItem is the per-item outcome, reported in submission order.
type BatchResultItem struct {
	ItemID      string         `json:"item_id"`
	Success     bool           `json:"success"`
	Result      *ResolveOutput `json:"result,omitempty"`
	Error       *ErrorDetail   `json:"error,omitempty"`
	ProcessedAt *time.Time     `json:"processed_at,omitempty"`
}

// ErrorDetail is the serializable error shape attached to failed items.
type ErrorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// BatchJob tracks one submitted batch through its lifecycle. Terminal jobs
// are read-only and eligible for retention-based purge.
type BatchJob struct {
	JobID           string                `json:"job_id" db:"job_id"`
	TenantID        string                `json:"tenant_id" db:"tenant_id"`
	Status          BatchStatus           `json:"status" db:"status"`
	Priority        BatchPriority         `json:"priority" db:"priority"`
	TotalItems      int                   `json:"total_items" db:"total_items"`
	ProcessedItems  int                   `json:"processed_items" db:"processed_items"`
	FailedItems     int                   `json:"failed_items" db:"failed_items"`
	WebhookURL      string                `json:"webhook_url,omitempty" db:"webhook_url"`
	WebhookSecret   string                `json:"-" db:"webhook_secret"`
	WebhookDelivery WebhookDeliveryStatus `json:"webhook_delivery,omitempty" db:"webhook_delivery"`
	// CancelRequested is the durable cancel flag; workers stop starting new
	// items once it is set.
	CancelRequested bool       `json:"-" db:"cancel_requested"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// Duration returns the wall-clock run time of a finished job, or zero when
// the job has not completed.
func (j *BatchJob) Duration() time.Duration {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(*j.StartedAt)
}

// WebhookPayload is the body POSTed to the job's webhook on terminal state.
type WebhookPayload struct {
	JobID           string      `json:"job_id"`
	Status          BatchStatus `json:"status"`
	TotalItems      int         `json:"total_items"`
	ProcessedItems  int         `json:"processed_items"`
	FailedItems     int         `json:"failed_items"`
	DurationSeconds float64     `json:"duration_seconds"`
}
