package domain

import (
	"time"

	"github.com/google/uuid"
)

// GenerateID creates a unique random ID.
func GenerateID() string {
	return uuid.NewString()
}

// TaskType identifies the type of background task
type TaskType string

const (
	// TaskTypeIngestDocument ingests one document
	TaskTypeIngestDocument TaskType = "ingest_document"
	// TaskTypeDeleteDocument tombstones one document
	TaskTypeDeleteDocument TaskType = "delete_document"
	// TaskTypeReapStale fails pending versions abandoned by crashed ingestions
	TaskTypeReapStale TaskType = "reap_stale"
)

// TaskStatus represents the current state of a task
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// Payload keys
const (
	PayloadDocumentID = "document_id"
	PayloadContent    = "content"
	PayloadMimeType   = "mime_type"
	PayloadTitle      = "title"
	PayloadScope      = "scope"
	PayloadAccountID  = "account_id"
	PayloadUserID     = "user_id"
	PayloadSessionID  = "session_id"
	PayloadOlderThan  = "older_than"
)

// Task represents a background job to be processed by workers
type Task struct {
	ID   string   `json:"id"`
	Type TaskType `json:"type"`

	// Payload contains task-specific data
	// For ingest_document: document_id, content, mime_type, scope and owner keys
	// For delete_document: document_id
	// For reap_stale: older_than (Go duration string)
	Payload map[string]string `json:"payload"`

	Status TaskStatus `json:"status"`

	// Priority determines processing order (higher = more urgent)
	Priority int `json:"priority"`

	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"max_attempts"`
	Error       string `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// ScheduledFor is when the task should be processed (for delayed tasks)
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewTask creates a new task with default values
func NewTask(taskType TaskType, payload map[string]string) *Task {
	now := time.Now()
	return &Task{
		ID:           GenerateID(),
		Type:         taskType,
		Payload:      payload,
		Status:       TaskStatusPending,
		MaxAttempts:  3,
		CreatedAt:    now,
		UpdatedAt:    now,
		ScheduledFor: now,
	}
}

// NewIngestTask creates a task that ingests the request asynchronously
func NewIngestTask(req IngestRequest) *Task {
	return NewTask(TaskTypeIngestDocument, map[string]string{
		PayloadDocumentID: req.DocumentID,
		PayloadContent:    req.Content,
		PayloadMimeType:   req.MimeType,
		PayloadTitle:      req.Title,
		PayloadScope:      string(req.Scope),
		PayloadAccountID:  req.Owner.AccountID,
		PayloadUserID:     req.Owner.UserID,
		PayloadSessionID:  req.Owner.SessionID,
	})
}

// NewDeleteTask creates a task that deletes a document
func NewDeleteTask(documentID string) *Task {
	return NewTask(TaskTypeDeleteDocument, map[string]string{
		PayloadDocumentID: documentID,
	})
}

// NewReapStaleTask creates a task that fails pending versions older than the given age
func NewReapStaleTask(olderThan time.Duration) *Task {
	return NewTask(TaskTypeReapStale, map[string]string{
		PayloadOlderThan: olderThan.String(),
	})
}

// DocumentID extracts the document_id from the payload
func (t *Task) DocumentID() string {
	if t.Payload == nil {
		return ""
	}
	return t.Payload[PayloadDocumentID]
}

// IngestRequest rebuilds the ingest request carried by an ingest_document task
func (t *Task) IngestRequest() IngestRequest {
	p := t.Payload
	if p == nil {
		p = map[string]string{}
	}
	return IngestRequest{
		DocumentID: p[PayloadDocumentID],
		Content:    p[PayloadContent],
		MimeType:   p[PayloadMimeType],
		Title:      p[PayloadTitle],
		Scope:      Scope(p[PayloadScope]),
		Owner: Owner{
			AccountID: p[PayloadAccountID],
			UserID:    p[PayloadUserID],
			SessionID: p[PayloadSessionID],
		},
	}
}

// OlderThan parses the reap_stale age, falling back to def
func (t *Task) OlderThan(def time.Duration) time.Duration {
	if t.Payload == nil {
		return def
	}
	d, err := time.ParseDuration(t.Payload[PayloadOlderThan])
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// CanRetry returns true if the task can be retried
func (t *Task) CanRetry() bool {
	return t.Attempts < t.MaxAttempts
}

// IsReady returns true if the task is ready to be processed
func (t *Task) IsReady() bool {
	return t.Status == TaskStatusPending && time.Now().After(t.ScheduledFor)
}

// MarkProcessing updates the task to processing state
func (t *Task) MarkProcessing() {
	now := time.Now()
	t.Status = TaskStatusProcessing
	t.StartedAt = &now
	t.UpdatedAt = now
	t.Attempts++
}

// MarkCompleted updates the task to completed state
func (t *Task) MarkCompleted() {
	now := time.Now()
	t.Status = TaskStatusCompleted
	t.CompletedAt = &now
	t.UpdatedAt = now
	t.Error = ""
}

// MarkFailed updates the task to failed state
func (t *Task) MarkFailed(err string) {
	now := time.Now()
	t.Status = TaskStatusFailed
	t.UpdatedAt = now
	t.Error = err
}

// MaxRetryBackoff caps the delay before a failed task is retried
const MaxRetryBackoff = 5 * time.Minute

// RetryBackoff is the delay before retrying a task that has run attempts
// times: 2^attempts seconds, capped at MaxRetryBackoff.
func RetryBackoff(attempts int) time.Duration {
	if attempts >= 9 { // 2^9s already exceeds the cap
		return MaxRetryBackoff
	}
	return min(time.Duration(1<<max(attempts, 0))*time.Second, MaxRetryBackoff)
}

// Retry puts the task back to pending, due after RetryBackoff
func (t *Task) Retry(err string) {
	now := time.Now()
	t.Status = TaskStatusPending
	t.UpdatedAt = now
	t.Error = err
	t.ScheduledFor = now.Add(RetryBackoff(t.Attempts))
}

// Fail records a failed attempt: Retry while attempts remain, MarkFailed after
func (t *Task) Fail(err string) {
	if t.CanRetry() {
		t.Retry(err)
		return
	}
	t.MarkFailed(err)
}

// ScheduledTask represents a recurring task configuration
type ScheduledTask struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Type      TaskType      `json:"type"`
	Interval  time.Duration `json:"interval"`
	Enabled   bool          `json:"enabled"`
	LastRun   *time.Time    `json:"last_run,omitempty"`
	NextRun   time.Time     `json:"next_run"`
	LastError string        `json:"last_error,omitempty"`
}

// NewScheduledTask creates a new scheduled task
func NewScheduledTask(id, name string, taskType TaskType, interval time.Duration) *ScheduledTask {
	return &ScheduledTask{
		ID:       id,
		Name:     name,
		Type:     taskType,
		Interval: interval,
		Enabled:  true,
		NextRun:  time.Now().Add(interval),
	}
}

// IsDue returns true if the scheduled task should be triggered
func (s *ScheduledTask) IsDue() bool {
	return s.Enabled && time.Now().After(s.NextRun)
}

// UpdateNextRun calculates the next run time after execution
func (s *ScheduledTask) UpdateNextRun() {
	now := time.Now()
	s.LastRun = &now
	s.NextRun = now.Add(s.Interval)
}

// DefaultSchedules returns the built-in maintenance schedules
func DefaultSchedules(reapInterval time.Duration) []*ScheduledTask {
	return []*ScheduledTask{
		NewScheduledTask("reap-stale", "Reap stale pending versions", TaskTypeReapStale, reapInterval),
	}
}

// TaskFilter specifies criteria for listing tasks
type TaskFilter struct {
	Status TaskStatus
	Type   TaskType
	Limit  int
	Offset int
}

// QueueStats contains queue statistics
type QueueStats struct {
	PendingCount     int64 `json:"pending_count"`
	ProcessingCount  int64 `json:"processing_count"`
	CompletedCount   int64 `json:"completed_count"`
	FailedCount      int64 `json:"failed_count"`
	OldestPendingAge int64 `json:"oldest_pending_age"` // seconds
}
