package dispatch

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/princeshiamofficial/portal-sub000/pkg/model"
)

// Run is one broadcast of a template to an ordered recipient list. The
// template and recipients are copies taken at start.
type Run struct {
	ID        string
	Tenant    string
	Template  model.Template
	StartedAt time.Time

	mu         sync.RWMutex
	recipients []model.Recipient

	total      int
	sent       atomic.Int64
	failed     atomic.Int64
	pending    atomic.Int64
	inProgress atomic.Bool
	finishedAt atomic.Pointer[time.Time]
	done       chan struct{}
}

func newRun(id, tenant string, tmpl model.Template, recipients []model.Recipient, now time.Time) *Run {
	r := &Run{
		ID:         id,
		Tenant:     tenant,
		Template:   tmpl,
		StartedAt:  now,
		recipients: make([]model.Recipient, len(recipients)),
		total:      len(recipients),
		done:       make(chan struct{}),
	}
	for i, rc := range recipients {
		if rc.Fields != nil {
			f := make(map[string]string, len(rc.Fields))
			for k, v := range rc.Fields {
				f[k] = v
			}
			rc.Fields = f
		}
		switch rc.Status {
		case model.RecipientSent:
			r.sent.Add(1)
		case model.RecipientFailed:
			r.failed.Add(1)
		default:
			// anything unrecognised is attempted like a fresh recipient
			rc.Status = model.RecipientPending
			r.pending.Add(1)
		}
		r.recipients[i] = rc
	}
	r.inProgress.Store(true)
	return r
}

// Done is closed once every recipient is Sent or Failed.
func (r *Run) Done() <-chan struct{} { return r.done }

func (r *Run) InProgress() bool { return r.inProgress.Load() }

func (r *Run) recipient(i int) model.Recipient {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.recipients[i]
}

// mark records the outcome for recipient i. Counters move after the status
// so a reader never sees a count ahead of the list.
func (r *Run) mark(i int, st model.RecipientStatus) {
	r.mu.Lock()
	r.recipients[i].Status = st
	r.mu.Unlock()

	r.pending.Add(-1)
	if st == model.RecipientSent {
		r.sent.Add(1)
	} else {
		r.failed.Add(1)
	}
}

// Recipients returns a copy of the per-recipient snapshot.
func (r *Run) Recipients() []model.Recipient {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Recipient, len(r.recipients))
	copy(out, r.recipients)
	return out
}

// lastPending is the index of the last recipient that will be attempted, or -1.
func (r *Run) lastPending() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := len(r.recipients) - 1; i >= 0; i-- {
		if r.recipients[i].Status == model.RecipientPending {
			return i
		}
	}
	return -1
}

type Progress struct {
	RunID      string     `json:"run_id,omitempty"`
	TemplateID string     `json:"template_id,omitempty"`
	Total      int        `json:"total"`
	Sent       int        `json:"sent"`
	Failed     int        `json:"failed"`
	Pending    int        `json:"pending"`
	InProgress bool       `json:"in_progress"`
	SentToday  int        `json:"sent_today"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

func (r *Run) Progress() Progress {
	started := r.StartedAt
	return Progress{
		RunID:      r.ID,
		TemplateID: r.Template.ID,
		Total:      r.total,
		Sent:       int(r.sent.Load()),
		Failed:     int(r.failed.Load()),
		Pending:    int(r.pending.Load()),
		InProgress: r.inProgress.Load(),
		StartedAt:  &started,
		FinishedAt: r.finishedAt.Load(),
	}
}

// Summary is the payload of the completion event.
type Summary struct {
	RunID      string `json:"run_id"`
	TemplateID string `json:"template_id"`
	Sent       int    `json:"sent"`
	Failed     int    `json:"failed"`
}

// RecipientResult is the payload of a progress event.
type RecipientResult struct {
	RunID   string                `json:"run_id"`
	Address string                `json:"address"`
	Status  model.RecipientStatus `json:"status"`
	Sent    int                   `json:"sent"`
	Failed  int                   `json:"failed"`
	Pending int                   `json:"pending"`
}
