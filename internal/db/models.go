package db

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by single-record lookups when no row matches.
var ErrNotFound = errors.New("record not found")

// ErrDuplicate is returned when an insert hits a uniqueness constraint.
var ErrDuplicate = errors.New("record already exists")

// Sequence kinds
const (
	SequenceKindSequence  = "sequence"
	SequenceKindBroadcast = "broadcast"
)

// Rule events and actions
const (
	RuleEventDate           = "date"
	RuleActionStartSequence = "sequence:start"
)

// MailQuota holds a tenant's sending limits and the counters for the
// current UTC day and month.
type MailQuota struct {
	Daily                  int       `json:"daily"`
	Monthly                int       `json:"monthly"`
	DailyCount             int       `json:"daily_count"`
	MonthlyCount           int       `json:"monthly_count"`
	LastDailyCountUpdate   time.Time `json:"last_daily_count_update"`
	LastMonthlyCountUpdate time.Time `json:"last_monthly_count_update"`
}

// Domain is a tenant.
type Domain struct {
	ID             uuid.UUID `json:"id"`
	Name           string    `json:"name"`
	CustomDomain   string    `json:"custom_domain,omitempty"`
	MailingAddress string    `json:"mailing_address,omitempty"`
	Quota          MailQuota `json:"quota"`
	CreatedAt      time.Time `json:"created_at"`
}

// User is a member of a tenant; sequence recipients and creators are both users.
type User struct {
	ID                  uuid.UUID  `json:"id"`
	DomainID            uuid.UUID  `json:"domain_id"`
	Email               string     `json:"email"`
	Name                string     `json:"name,omitempty"`
	Tags                []string   `json:"tags"`
	Permissions         []string   `json:"permissions"`
	Purchases           []string   `json:"purchases"`
	SubscribedToUpdates bool       `json:"subscribed_to_updates"`
	UnsubscribeToken    string     `json:"-"`
	LastActive          *time.Time `json:"last_active,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
}

// Block is one unit of structured email content.
type Block struct {
	BlockType string                 `json:"blockType"`
	Settings  map[string]interface{} `json:"settings"`
}

// Style is the document-level presentation of an email.
type Style struct {
	BackgroundColor string `json:"backgroundColor,omitempty"`
	ContentColor    string `json:"contentColor,omitempty"`
	TextColor       string `json:"textColor,omitempty"`
	LinkColor       string `json:"linkColor,omitempty"`
	FontFamily      string `json:"fontFamily,omitempty"`
	Width           string `json:"width,omitempty"`
}

// Content is the structured document a sequence step is authored as.
type Content struct {
	Content []Block           `json:"content"`
	Style   Style             `json:"style"`
	Meta    map[string]string `json:"meta,omitempty"`
}

// Email is one step of a sequence.
type Email struct {
	EmailID       string  `json:"emailId"`
	Subject       string  `json:"subject"`
	Content       Content `json:"content"`
	Published     bool    `json:"published"`
	DelayInMillis int64   `json:"delayInMillis"`
}

// FilterPredicate is a single stored audience condition.
type FilterPredicate struct {
	Name      string `json:"name"`
	Condition string `json:"condition"`
	Value     string `json:"value,omitempty"`
}

// Filter is the stored audience definition of a broadcast.
type Filter struct {
	Aggregator string            `json:"aggregator"`
	Filters    []FilterPredicate `json:"filters"`
}

// BroadcastReport tracks a broadcast's single send-out.
type BroadcastReport struct {
	LockedAt *time.Time `json:"lockedAt,omitempty"`
	SentAt   *time.Time `json:"sentAt,omitempty"`
}

// SequenceReport tracks recipients evicted after exhausting retries.
type SequenceReport struct {
	Failed []uuid.UUID `json:"failed"`
}

// Report is the aggregate outcome of a sequence.
type Report struct {
	Broadcast BroadcastReport `json:"broadcast"`
	Sequence  SequenceReport  `json:"sequence"`
}

// Sequence is a tenant-scoped ordered email campaign.
type Sequence struct {
	ID          uuid.UUID        `json:"id"`
	DomainID    uuid.UUID        `json:"domain_id"`
	Kind        string           `json:"kind"`
	Title       string           `json:"title"`
	EmailsOrder []string         `json:"emails_order"`
	Emails      map[string]Email `json:"emails"`
	CreatorID   uuid.UUID        `json:"creator_id"`
	Filter      Filter           `json:"filter"`
	Report      Report           `json:"report"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// OngoingSequence is the per-recipient delivery state of a sequence.
type OngoingSequence struct {
	ID                     uuid.UUID `json:"id"`
	DomainID               uuid.UUID `json:"domain_id"`
	SequenceID             uuid.UUID `json:"sequence_id"`
	UserID                 uuid.UUID `json:"user_id"`
	NextEmailScheduledTime int64     `json:"next_email_scheduled_time"`
	RetryCount             int       `json:"retry_count"`
	RetryAfter             *int64    `json:"retry_after,omitempty"`
	SentEmailIDs           []string  `json:"sent_email_ids"`
	CreatedAt              time.Time `json:"created_at"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// Rule is a one-shot trigger that starts a sequence.
type Rule struct {
	ID                uuid.UUID `json:"id"`
	DomainID          uuid.UUID `json:"domain_id"`
	Event             string    `json:"event"`
	EventDateInMillis int64     `json:"event_date_in_millis"`
	Action            string    `json:"action"`
	SequenceID        uuid.UUID `json:"sequence_id"`
	Active            bool      `json:"active"`
	CreatedAt         time.Time `json:"created_at"`
}

// EmailDelivery is the append-only audit of a sent sequence step.
type EmailDelivery struct {
	ID         uuid.UUID `json:"id"`
	DomainID   uuid.UUID `json:"domain_id"`
	SequenceID uuid.UUID `json:"sequence_id"`
	UserID     uuid.UUID `json:"user_id"`
	EmailID    string    `json:"email_id"`
	CreatedAt  time.Time `json:"created_at"`
}
