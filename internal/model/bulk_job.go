package model

import (
	"encoding/json"
	"time"
)

type JobStatus string

const (
	JobDraft      JobStatus = "draft"
	JobScheduled  JobStatus = "scheduled"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

func (s JobStatus) String() string { return string(s) }

func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

func (s JobStatus) Valid() bool {
	switch s {
	case JobDraft, JobScheduled, JobProcessing, JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// Failure reasons recorded on a job or on a recipient outcome.
const (
	ReasonNoRecipients         = "no_recipients"
	ReasonChannelConfigInvalid = "channel_config_invalid"
	ReasonQuotaExceeded        = "quota_exceeded"
	ReasonQuotaUnavailable     = "quota_unavailable"
	ReasonChannelNotConfigured = "channel_not_configured"
	ReasonProviderError        = "provider_error"
	ReasonRenderError          = "render_error"
)

// RecipientFilter is the declarative audience definition. Nil/empty criteria are ignored.
type RecipientFilter struct {
	MinVisits           *int     `json:"min_visits,omitempty"`
	MaxVisits           *int     `json:"max_visits,omitempty"`
	LastVisitWithinDays *int     `json:"last_visit_within_days,omitempty"`
	InactiveForDays     *int     `json:"inactive_for_days,omitempty"`
	MinLifetimeSpend    *float64 `json:"min_lifetime_spend,omitempty"`
	Tags                []string `json:"tags,omitempty"`
	Gender              string   `json:"gender,omitempty"`
	CustomerIDs         []int64  `json:"customer_ids,omitempty"`
}

// MessageContent is the campaign template with optional per-channel overrides.
type MessageContent struct {
	Template  string             `json:"template"`
	Type      MessageType        `json:"message_type,omitempty"`
	Overrides map[Channel]string `json:"overrides,omitempty"`
}

// TemplateFor returns the override for ch, or the base template.
func (m MessageContent) TemplateFor(ch Channel) string {
	if o, ok := m.Overrides[ch]; ok && o != "" {
		return o
	}
	return m.Template
}

type JobCounters struct {
	Targeted  int `db:"targeted" json:"targeted"`
	Sent      int `db:"sent" json:"sent"`
	Delivered int `db:"delivered" json:"delivered"`
	Failed    int `db:"failed" json:"failed"`
	Cancelled int `db:"cancelled" json:"cancelled"`
	Skipped   int `db:"skipped" json:"skipped"`
}

func (c JobCounters) Add(d JobCounters) JobCounters {
	return JobCounters{
		Targeted:  c.Targeted + d.Targeted,
		Sent:      c.Sent + d.Sent,
		Delivered: c.Delivered + d.Delivered,
		Failed:    c.Failed + d.Failed,
		Cancelled: c.Cancelled + d.Cancelled,
		Skipped:   c.Skipped + d.Skipped,
	}
}

func (c JobCounters) IsZero() bool { return c == JobCounters{} }

// BulkMessageJob is one campaign plus its execution state.
type BulkMessageJob struct {
	ID              string          `db:"id" json:"id"`
	TenantID        int64           `db:"tenant_id" json:"tenant_id"`
	Name            string          `db:"name" json:"name"`
	Channels        []Channel       `db:"-" json:"channels"`
	ChannelsJSON    []byte          `db:"channels" json:"-"`
	Filter          RecipientFilter `db:"-" json:"recipient_filter"`
	FilterJSON      []byte          `db:"recipient_filter" json:"-"`
	Content         MessageContent  `db:"-" json:"message_content"`
	ContentJSON     []byte          `db:"message_content" json:"-"`
	Status          JobStatus       `db:"status" json:"status"`
	FailureReason   *string         `db:"failure_reason" json:"failure_reason,omitempty"`
	CancelRequested bool            `db:"cancel_requested" json:"cancel_requested"`
	ScheduledAt     *time.Time      `db:"scheduled_at" json:"scheduled_at,omitempty"`
	JobCounters
	CreatedBy   string     `db:"created_by" json:"created_by"`
	StartedAt   *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
}

// Encode fills the JSON columns from the structured fields.
func (j *BulkMessageJob) Encode() error {
	var err error
	if j.ChannelsJSON, err = json.Marshal(j.Channels); err != nil {
		return err
	}
	if j.FilterJSON, err = json.Marshal(j.Filter); err != nil {
		return err
	}
	j.ContentJSON, err = json.Marshal(j.Content)
	return err
}

// Decode fills the structured fields from the JSON columns.
func (j *BulkMessageJob) Decode() error {
	if len(j.ChannelsJSON) > 0 {
		if err := json.Unmarshal(j.ChannelsJSON, &j.Channels); err != nil {
			return err
		}
	}
	if len(j.FilterJSON) > 0 {
		if err := json.Unmarshal(j.FilterJSON, &j.Filter); err != nil {
			return err
		}
	}
	if len(j.ContentJSON) > 0 {
		if err := json.Unmarshal(j.ContentJSON, &j.Content); err != nil {
			return err
		}
	}
	return nil
}

type OutcomeStatus string

const (
	OutcomeSent      OutcomeStatus = "sent"
	OutcomeFailed    OutcomeStatus = "failed"
	OutcomeCancelled OutcomeStatus = "cancelled"
)

// RecipientOutcome is the persisted result for one (customer, channel) unit of a job.
type RecipientOutcome struct {
	JobID      string        `db:"job_id"`
	CustomerID int64         `db:"customer_id"`
	Channel    Channel       `db:"channel"`
	Status     OutcomeStatus `db:"status"`
	Reason     *string       `db:"reason"`
	MessageID  *string       `db:"message_id"`
	CreatedAt  time.Time     `db:"created_at"`
}
