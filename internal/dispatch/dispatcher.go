// Package dispatch sends a template to an ordered recipient list, one run per
// tenant at a time, with randomized pacing between sends.
package dispatch

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/princeshiamofficial/portal-sub000/internal/events"
	"github.com/princeshiamofficial/portal-sub000/internal/network"
	"github.com/princeshiamofficial/portal-sub000/pkg/logx"
	"github.com/princeshiamofficial/portal-sub000/pkg/metrics"
	"github.com/princeshiamofficial/portal-sub000/pkg/model"
)

var (
	ErrAlreadyRunning  = errors.New("broadcast already running")
	ErrSessionNotReady = errors.New("session not ready")
	ErrEmptyRecipients = errors.New("no recipients")
)

type SessionChecker interface {
	Status(tenant string) model.Session
}

type Sender interface {
	Send(ctx context.Context, tenant, to string, msg network.Message) error
}

type MessageLogger interface {
	RecordMessageLog(ctx context.Context, l model.MessageLog) error
}

type Options struct {
	PaceMin time.Duration
	PaceMax time.Duration
	Bus     events.Publisher
	Log     *zap.SugaredLogger
	Now     func() time.Time
	// Sleep waits d or until ctx ends. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
	// Int64N returns a value in [0, n).
	Int64N func(n int64) int64
}

type Dispatcher struct {
	sessions SessionChecker
	sender   Sender
	logs     MessageLogger
	opt      Options
	log      *zap.SugaredLogger

	mu    sync.Mutex
	runs  map[string]*Run
	today map[string]*dayCount
}

type dayCount struct {
	date string
	n    int
}

func New(sessions SessionChecker, sender Sender, logs MessageLogger, opt Options) *Dispatcher {
	if opt.PaceMin <= 0 && opt.PaceMax <= 0 {
		opt.PaceMin, opt.PaceMax = 2*time.Second, 5*time.Second
	}
	if opt.PaceMax < opt.PaceMin {
		opt.PaceMax = opt.PaceMin
	}
	if opt.Bus == nil {
		opt.Bus = events.Nop{}
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	if opt.Sleep == nil {
		opt.Sleep = sleep
	}
	if opt.Int64N == nil {
		opt.Int64N = rand.Int63n
	}
	return &Dispatcher{
		sessions: sessions,
		sender:   sender,
		logs:     logs,
		opt:      opt,
		log:      logx.Or(opt.Log),
		runs:     map[string]*Run{},
		today:    map[string]*dayCount{},
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Start begins a run in the background and returns its handle. The run is not
// tied to ctx and always runs to completion.
func (d *Dispatcher) Start(ctx context.Context, tenant string, tmpl model.Template, recipients []model.Recipient) (*Run, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if cur := d.runs[tenant]; cur != nil && cur.InProgress() {
		return nil, ErrAlreadyRunning
	}
	if !d.sessions.Status(tenant).Usable() {
		return nil, ErrSessionNotReady
	}
	if len(recipients) == 0 {
		return nil, ErrEmptyRecipients
	}

	run := newRun(uuid.NewString(), tenant, tmpl, recipients, d.opt.Now())
	d.runs[tenant] = run

	metrics.BroadcastsStarted.Inc()
	d.log.Infow("broadcast_started", "tenant", tenant, "run_id", run.ID, "template_id", tmpl.ID,
		"total", run.total, "pending", run.pending.Load())
	d.opt.Bus.Publish(events.Event{Type: events.BroadcastStarted, Tenant: tenant, Data: run.Progress()})

	go d.loop(context.WithoutCancel(ctx), run)
	return run, nil
}

func (d *Dispatcher) loop(ctx context.Context, run *Run) {
	defer d.finish(run)

	last := run.lastPending()
	for i := 0; i <= last; i++ {
		rc := run.recipient(i)
		if rc.Status != model.RecipientPending {
			continue
		}
		d.deliver(ctx, run, i, rc)
		if i < last {
			_ = d.opt.Sleep(ctx, d.pace())
		}
	}
}

func (d *Dispatcher) pace() time.Duration {
	span := int64(d.opt.PaceMax - d.opt.PaceMin)
	if span <= 0 {
		return d.opt.PaceMin
	}
	return d.opt.PaceMin + time.Duration(d.opt.Int64N(span+1))
}

func (d *Dispatcher) deliver(ctx context.Context, run *Run, i int, rc model.Recipient) {
	msg := Render(run.Template, rc)

	start := time.Now()
	err := d.sender.Send(ctx, run.Tenant, rc.Address, msg)
	metrics.SendDuration.Observe(time.Since(start).Seconds())

	entry := model.MessageLog{
		Tenant:     run.Tenant,
		Address:    rc.Address,
		TemplateID: run.Template.ID,
		Outcome:    model.OutcomeSent,
		At:         d.opt.Now(),
	}
	status := model.RecipientSent
	if err != nil {
		status = model.RecipientFailed
		entry.Outcome = model.OutcomeFailed
		entry.Error = err.Error()
		metrics.MessagesFailed.Inc()
		d.log.Warnw("broadcast_send_failed", "tenant", run.Tenant, "run_id", run.ID, "address", rc.Address, "error", err)
	} else {
		metrics.MessagesSent.Inc()
		d.countSent(run.Tenant)
	}
	run.mark(i, status)

	if d.logs != nil {
		lctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if lerr := d.logs.RecordMessageLog(lctx, entry); lerr != nil {
			d.log.Errorw("message_log_error", "tenant", run.Tenant, "address", rc.Address, "error", lerr)
		}
		cancel()
	}

	d.opt.Bus.Publish(events.Event{Type: events.BroadcastProgress, Tenant: run.Tenant, Data: RecipientResult{
		RunID:   run.ID,
		Address: rc.Address,
		Status:  status,
		Sent:    int(run.sent.Load()),
		Failed:  int(run.failed.Load()),
		Pending: int(run.pending.Load()),
	}})
}

func (d *Dispatcher) finish(run *Run) {
	now := d.opt.Now()
	run.finishedAt.Store(&now)
	run.inProgress.Store(false)
	defer close(run.done)

	sum := Summary{
		RunID:      run.ID,
		TemplateID: run.Template.ID,
		Sent:       int(run.sent.Load()),
		Failed:     int(run.failed.Load()),
	}
	metrics.BroadcastsCompleted.Inc()
	d.log.Infow("broadcast_completed", "tenant", run.Tenant, "run_id", run.ID, "sent", sum.Sent, "failed", sum.Failed,
		"duration", now.Sub(run.StartedAt).String())
	d.opt.Bus.Publish(events.Event{Type: events.BroadcastComplete, Tenant: run.Tenant, Data: sum})
}

func (d *Dispatcher) countSent(tenant string) {
	date := d.opt.Now().Format("2006-01-02")
	d.mu.Lock()
	defer d.mu.Unlock()
	c := d.today[tenant]
	if c == nil || c.date != date {
		c = &dayCount{date: date}
		d.today[tenant] = c
	}
	c.n++
}

func (d *Dispatcher) sentToday(tenant string) int {
	date := d.opt.Now().Format("2006-01-02")
	d.mu.Lock()
	defer d.mu.Unlock()
	if c := d.today[tenant]; c != nil && c.date == date {
		return c.n
	}
	return 0
}

func (d *Dispatcher) run(tenant string) *Run {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.runs[tenant]
}

// Progress reports the tenant's latest run. It reads counters only and never
// waits on the sender.
func (d *Dispatcher) Progress(tenant string) Progress {
	var p Progress
	if r := d.run(tenant); r != nil {
		p = r.Progress()
	}
	p.SentToday = d.sentToday(tenant)
	return p
}

// Recipients returns a copy of the latest run's recipients, or nil.
func (d *Dispatcher) Recipients(tenant string) []model.Recipient {
	if r := d.run(tenant); r != nil {
		return r.Recipients()
	}
	return nil
}

var closed = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

// Idle returns a channel that is closed when the tenant has no active run.
func (d *Dispatcher) Idle(tenant string) <-chan struct{} {
	if r := d.run(tenant); r != nil && r.InProgress() {
		return r.done
	}
	return closed
}

// Render substitutes [name] and [business] into the template body and caption.
func Render(t model.Template, r model.Recipient) network.Message {
	rep := strings.NewReplacer("[name]", r.DisplayName, "[business]", r.Field(model.FieldBusiness))
	msg := network.Message{Text: rep.Replace(t.Body)}
	if t.MediaRef != "" {
		msg.MediaRef = t.MediaRef
		msg.Caption = rep.Replace(t.MediaCaption)
	}
	return msg
}
