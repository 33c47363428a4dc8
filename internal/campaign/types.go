package campaign

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Campaign status constants
const (
	StatusDraft     = "draft"
	StatusScheduled = "scheduled"
	StatusSending   = "sending"
	StatusSent      = "sent"
	StatusFailed    = "failed"
	StatusPaused    = "paused"
)

// Contact status constants. Only active contacts are sendable.
const (
	ContactActive       = "active"
	ContactUnsubscribed = "unsubscribed"
	ContactBounced      = "bounced"
	ContactComplained   = "complained"
)

// Job status constants
const (
	JobQueued   = "queued"
	JobSending  = "sending"
	JobSent     = "sent"
	JobFailed   = "failed"
	JobRetrying = "retrying"
)

// JSON helper type for JSONB fields
type JSON map[string]interface{}

func (j JSON) Value() (driver.Value, error) {
	return json.Marshal(j)
}

func (j *JSON) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(b, j)
}

// Campaign represents a single outbound send definition
type Campaign struct {
	ID                uuid.UUID   `json:"id" db:"id"`
	Name              string      `json:"name" db:"name"`
	TemplateID        *uuid.UUID  `json:"template_id" db:"template_id"`
	ListIDs           []uuid.UUID `json:"list_ids" db:"list_ids"`
	Subject           string      `json:"subject" db:"subject"`
	Body              string      `json:"body" db:"body"`
	FromName          string      `json:"from_name" db:"from_name"`
	FromEmail         string      `json:"from_email" db:"from_email"`
	ReplyTo           string      `json:"reply_to" db:"reply_to"`
	Variables         JSON        `json:"variables" db:"variables"`
	Status            string      `json:"status" db:"status"`
	TotalRecipients   int         `json:"total_recipients" db:"total_recipients"`
	SentCount         int         `json:"sent_count" db:"sent_count"`
	FailedCount       int         `json:"failed_count" db:"failed_count"`
	DeliveredCount    int         `json:"delivered_count" db:"delivered_count"`
	OpenedCount       int         `json:"opened_count" db:"opened_count"`
	ClickedCount      int         `json:"clicked_count" db:"clicked_count"`
	BouncedCount      int         `json:"bounced_count" db:"bounced_count"`
	UnsubscribedCount int         `json:"unsubscribed_count" db:"unsubscribed_count"`
	ScheduledAt       *time.Time  `json:"scheduled_at" db:"scheduled_at"`
	StartedAt         *time.Time  `json:"started_at" db:"started_at"`
	CompletedAt       *time.Time  `json:"completed_at" db:"completed_at"`
	CreatedAt         time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at" db:"updated_at"`
}

// Contact represents an email recipient with list memberships
type Contact struct {
	ID           uuid.UUID   `json:"id" db:"id"`
	Email        string      `json:"email" db:"email"`
	FirstName    string      `json:"first_name" db:"first_name"`
	LastName     string      `json:"last_name" db:"last_name"`
	Status       string      `json:"status" db:"status"`
	CustomFields JSON        `json:"custom_fields" db:"custom_fields"`
	ListIDs      []uuid.UUID `json:"list_ids" db:"-"`
	CreatedAt    time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at" db:"updated_at"`
}

// ContactList represents a mailing list with a derived contact count
type ContactList struct {
	ID           uuid.UUID `json:"id" db:"id"`
	Name         string    `json:"name" db:"name"`
	Description  string    `json:"description" db:"description"`
	ContactCount int       `json:"contact_count" db:"contact_count"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// Template represents a reusable message template with a declared
// variable schema
type Template struct {
	ID        uuid.UUID          `json:"id" db:"id"`
	Name      string             `json:"name" db:"name"`
	Subject   string             `json:"subject" db:"subject"`
	Body      string             `json:"body" db:"body"`
	Variables []TemplateVariable `json:"variables" db:"variables"`
	CreatedAt time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt time.Time          `json:"updated_at" db:"updated_at"`
}

// Variable type constants for template schemas
const (
	VarText   = "text"
	VarEmail  = "email"
	VarURL    = "url"
	VarNumber = "number"
)

// TemplateVariable declares one variable a template accepts
type TemplateVariable struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
	Default  string `json:"default,omitempty"`
}

// Job is one per-recipient send attempt for a campaign. There is exactly
// one row per (campaign, contact) pair; retries mutate it in place.
type Job struct {
	ID           uuid.UUID  `json:"id" db:"id"`
	CampaignID   uuid.UUID  `json:"campaign_id" db:"campaign_id"`
	ContactID    uuid.UUID  `json:"contact_id" db:"contact_id"`
	Status       string     `json:"status" db:"status"`
	RetryCount   int        `json:"retry_count" db:"retry_count"`
	ErrorMessage string     `json:"error_message" db:"error_message"`
	MessageID    string     `json:"message_id" db:"message_id"`
	SentAt       *time.Time `json:"sent_at" db:"sent_at"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
}

// QueueSettings are the process-wide dispatch limits. They are re-read
// from the settings provider before every batch.
type QueueSettings struct {
	RateLimitPerMinute int           `json:"rate_limit_per_minute"`
	BatchSize          int           `json:"batch_size"`
	BatchDelay         time.Duration `json:"batch_delay_ms"`
	MaxRetryAttempts   int           `json:"max_retry_attempts"`
	IsPaused           bool          `json:"is_paused"`
}

// SendOutcome records the result for one recipient in a dispatch run
type SendOutcome struct {
	ContactID uuid.UUID `json:"contact_id"`
	Email     string    `json:"email"`
	MessageID string    `json:"message_id,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// DispatchResult is the outcome of one full dispatch run
type DispatchResult struct {
	CampaignID      uuid.UUID     `json:"campaign_id"`
	Status          string        `json:"status"`
	TotalRecipients int           `json:"total_recipients"`
	Successful      []SendOutcome `json:"successful"`
	Failed          []SendOutcome `json:"failed"`
}

// Dispatcher runs the batched send loop for a campaign. Implemented by
// dispatch.Coordinator; abstracted here so the service layer and tests
// stay independent of the dispatch machinery.
type Dispatcher interface {
	Dispatch(ctx context.Context, campaignID uuid.UUID) (*DispatchResult, error)
}
