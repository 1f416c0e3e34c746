package model

import (
	"time"
)

type SessionStatus string

const (
	SessionDisconnected    SessionStatus = "disconnected"
	SessionConnecting      SessionStatus = "connecting"
	SessionAwaitingPairing SessionStatus = "awaiting_pairing"
	SessionConnected       SessionStatus = "connected"
)

// Identity is the account the network reports once a session is connected.
type Identity struct {
	DisplayName string `json:"display_name"`
	ID          string `json:"id"`
}

// Session is a point-in-time snapshot of a tenant's connection.
// Pairing is only set while AwaitingPairing, Identity only while Connected.
type Session struct {
	Tenant    string        `json:"tenant"`
	Status    SessionStatus `json:"status"`
	Pairing   string        `json:"pairing,omitempty"`
	Identity  *Identity     `json:"identity,omitempty"`
	UpdatedAt time.Time     `json:"updated_at"`
}

func (s Session) Usable() bool { return s.Status == SessionConnected }

type RecipientStatus string

const (
	RecipientPending RecipientStatus = "pending"
	RecipientSent    RecipientStatus = "sent"
	RecipientFailed  RecipientStatus = "failed"
)

// Well-known personalization field keys.
const (
	FieldBusiness    = "business"
	FieldDOB         = "dob"
	FieldAnniversary = "anniversary"
	FieldRole        = "role"
	FieldSegment     = "segment"
)

type Recipient struct {
	DisplayName string            `json:"display_name"`
	Address     string            `json:"address"`
	Fields      map[string]string `json:"fields,omitempty"`
	Status      RecipientStatus   `json:"status"`
}

func (r Recipient) Field(key string) string {
	if r.Fields == nil {
		return ""
	}
	return r.Fields[key]
}

type Template struct {
	ID           string `json:"id"`
	Body         string `json:"body"`
	MediaRef     string `json:"media_ref,omitempty"`
	MediaCaption string `json:"media_caption,omitempty"`
}

type CampaignKind string

const (
	KindBirthday    CampaignKind = "birthday"
	KindAnniversary CampaignKind = "anniversary"
)

// RefField is the recipient field holding the reference date for the kind.
func (k CampaignKind) RefField() string {
	if k == KindAnniversary {
		return FieldAnniversary
	}
	return FieldDOB
}

// RecurringCampaign fires at most once per calendar day. An empty TemplateID
// means no template was selected; LastRunDate is "2006-01-02" or empty.
type RecurringCampaign struct {
	Kind        CampaignKind `json:"kind"`
	TemplateID  string       `json:"template_id"`
	Active      bool         `json:"active"`
	LastRunDate string       `json:"last_run_date,omitempty"`
}

type ScheduledStatus string

const (
	ScheduledPending   ScheduledStatus = "pending"
	ScheduledCompleted ScheduledStatus = "completed"
	ScheduledCancelled ScheduledStatus = "cancelled"
)

func (s ScheduledStatus) Terminal() bool {
	return s == ScheduledCompleted || s == ScheduledCancelled
}

type ScheduledCampaign struct {
	ID            string            `json:"id"`
	TemplateID    string            `json:"template_id"`
	ScheduledTime time.Time         `json:"scheduled_time"`
	Status        ScheduledStatus   `json:"status"`
	TargetFilter  map[string]string `json:"target_filter,omitempty"`
}

// Due reports whether the campaign should fire at now.
func (c ScheduledCampaign) Due(now time.Time) bool {
	return c.Status == ScheduledPending && !c.ScheduledTime.After(now)
}

// Matches reports whether r satisfies every key of the target filter.
func (c ScheduledCampaign) Matches(r Recipient) bool {
	for k, v := range c.TargetFilter {
		if r.Field(k) != v {
			return false
		}
	}
	return true
}

type CampaignSettings struct {
	Birthday    RecurringCampaign   `json:"birthday"`
	Anniversary RecurringCampaign   `json:"anniversary"`
	Scheduled   []ScheduledCampaign `json:"scheduled"`
}

// Recurring returns a pointer to the recurring campaign of the given kind.
func (s *CampaignSettings) Recurring(kind CampaignKind) *RecurringCampaign {
	if kind == KindAnniversary {
		return &s.Anniversary
	}
	return &s.Birthday
}

type Outcome string

const (
	OutcomeSent   Outcome = "sent"
	OutcomeFailed Outcome = "failed"
)

type MessageLog struct {
	Tenant     string
	Address    string
	TemplateID string
	Outcome    Outcome
	Error      string
	At         time.Time
}

// BroadcastCommand is the queue payload asking the engine to start a broadcast.
type BroadcastCommand struct {
	Tenant     string `json:"tenant"`
	TemplateID string `json:"template_id"`
}
