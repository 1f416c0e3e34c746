// Package campaign decides which recurring and one-off campaigns are due and
// hands each due occurrence to the dispatcher once.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/princeshiamofficial/portal-sub000/internal/dispatch"
	"github.com/princeshiamofficial/portal-sub000/internal/events"
	"github.com/princeshiamofficial/portal-sub000/pkg/logx"
	"github.com/princeshiamofficial/portal-sub000/pkg/metrics"
	"github.com/princeshiamofficial/portal-sub000/pkg/model"
)

var (
	ErrCampaignNotFound = errors.New("scheduled campaign not found")
	ErrCampaignFinal    = errors.New("scheduled campaign already completed or cancelled")
	ErrDispatchStarted  = errors.New("scheduled campaign dispatch already started")
)

// Store is the slice of the tenant store the scheduler needs.
type Store interface {
	ListTenants(ctx context.Context) ([]string, error)
	ListRecipients(ctx context.Context, tenant string) ([]model.Recipient, error)
	ListTemplates(ctx context.Context, tenant string) (map[string]model.Template, error)
	LoadCampaignSettings(ctx context.Context, tenant string) (model.CampaignSettings, error)
	MarkRecurringRun(ctx context.Context, tenant string, kind model.CampaignKind, date string) error
	// MarkScheduledCompleted and CancelScheduled only change pending rows and
	// report whether one did.
	MarkScheduledCompleted(ctx context.Context, tenant, id string) (bool, error)
	CancelScheduled(ctx context.Context, tenant, id string) (bool, error)
}

type Dispatcher interface {
	Start(ctx context.Context, tenant string, tmpl model.Template, recipients []model.Recipient) (*dispatch.Run, error)
	Idle(tenant string) <-chan struct{}
}

type SessionChecker interface {
	Status(tenant string) model.Session
}

type Options struct {
	// RecurringSpec and ScheduledSpec are cron expressions (seconds optional,
	// descriptors like @hourly allowed).
	RecurringSpec string
	ScheduledSpec string
	Location      *time.Location
	Bus           events.Publisher
	Log           *zap.SugaredLogger
	Now           func() time.Time
}

type Warning struct {
	Kind    model.CampaignKind `json:"kind"`
	Message string             `json:"message"`
}

type Scheduler struct {
	store    Store
	disp     Dispatcher
	sessions SessionChecker
	opt      Options
	log      *zap.SugaredLogger
	parser   cron.Parser

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	c         *cron.Cron
	queues    map[string]*queue
	inflight  map[string]bool
	cancelled map[string]bool
	// done holds occurrences the dispatcher already accepted in this process,
	// so a tick working from an older settings read cannot queue them again.
	done      map[string]bool
	warnings  map[string]map[model.CampaignKind]string
}

// queue holds a tenant's occurrences in arrival order; one goroutine drains it.
type queue struct {
	items   []*occurrence
	running bool
}

type occurrence struct {
	key        string
	label      string
	tenant     string
	template   model.Template
	recipients []model.Recipient
	// ready re-reads the stored state right before the run starts and reports
	// whether the occurrence is still due.
	ready func(ctx context.Context) (bool, error)
	// accepted runs once the dispatcher took the run.
	accepted func(ctx context.Context)
	// finished runs once the attempt is over or there was nothing to send.
	finished func(ctx context.Context, sum dispatch.Progress)
}

func New(store Store, disp Dispatcher, sessions SessionChecker, opt Options) *Scheduler {
	if opt.RecurringSpec == "" {
		opt.RecurringSpec = "@hourly"
	}
	if opt.ScheduledSpec == "" {
		opt.ScheduledSpec = "@every 30s"
	}
	if opt.Location == nil {
		opt.Location = time.Local
	}
	if opt.Bus == nil {
		opt.Bus = events.Nop{}
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:     store,
		disp:      disp,
		sessions:  sessions,
		opt:       opt,
		log:       logx.Or(opt.Log),
		parser:    cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		ctx:       ctx,
		cancel:    cancel,
		queues:    map[string]*queue{},
		inflight:  map[string]bool{},
		cancelled: map[string]bool{},
		done:      map[string]bool{},
		warnings:  map[string]map[model.CampaignKind]string{},
	}
}

// Start registers both ticks with cron and starts it.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.opt.Location),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{s.log})),
	)
	if _, err := c.AddFunc(s.opt.RecurringSpec, func() { s.TickRecurring(s.ctx, s.opt.Now()) }); err != nil {
		return fmt.Errorf("recurring spec %q: %w", s.opt.RecurringSpec, err)
	}
	if _, err := c.AddFunc(s.opt.ScheduledSpec, func() { s.TickScheduled(s.ctx, s.opt.Now()) }); err != nil {
		return fmt.Errorf("scheduled spec %q: %w", s.opt.ScheduledSpec, err)
	}
	s.c = c
	c.Start()
	s.log.Infow("scheduler_started", "recurring", s.opt.RecurringSpec, "scheduled", s.opt.ScheduledSpec, "tz", s.opt.Location.String())
	return nil
}

// Stop halts the ticks and waits for queued occurrences to settle. Runs
// already handed to the dispatcher keep going there.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
	s.cancel()
	s.wg.Wait()
	s.log.Infow("scheduler_stopped")
}

// Wait blocks until every tenant queue is empty.
func (s *Scheduler) Wait() { s.wg.Wait() }

// Tick evaluates both campaign kinds at now.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	s.TickRecurring(ctx, now)
	s.TickScheduled(ctx, now)
}

func (s *Scheduler) TickRecurring(ctx context.Context, now time.Time) {
	metrics.SchedulerTicks.WithLabelValues("recurring").Inc()
	s.forEachTenant(ctx, "recurring", func(tenant string) error {
		return s.recurring(ctx, tenant, now)
	})
}

func (s *Scheduler) TickScheduled(ctx context.Context, now time.Time) {
	metrics.SchedulerTicks.WithLabelValues("scheduled").Inc()
	s.forEachTenant(ctx, "scheduled", func(tenant string) error {
		return s.scheduled(ctx, tenant, now)
	})
}

func (s *Scheduler) forEachTenant(ctx context.Context, kind string, fn func(tenant string) error) {
	tenants, err := s.store.ListTenants(ctx)
	if err != nil {
		s.log.Errorw("scheduler_list_tenants_error", "tick", kind, "error", err)
		return
	}
	for _, t := range tenants {
		if ctx.Err() != nil {
			return
		}
		if err := fn(t); err != nil {
			s.log.Errorw("scheduler_tenant_error", "tick", kind, "tenant", t, "error", err)
		}
	}
}

var recurringKinds = []model.CampaignKind{model.KindBirthday, model.KindAnniversary}

func (s *Scheduler) recurring(ctx context.Context, tenant string, now time.Time) error {
	settings, err := s.store.LoadCampaignSettings(ctx, tenant)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	local := now.In(s.opt.Location)
	today := local.Format("2006-01-02")
	s.forgetRecurring(tenant, today)

	var (
		templates  map[string]model.Template
		recipients []model.Recipient
	)
	for _, kind := range recurringKinds {
		rc := *settings.Recurring(kind)
		if !rc.Active {
			s.clearWarning(tenant, kind)
			continue
		}
		if rc.TemplateID == "" {
			s.warn(tenant, kind, "active campaign has no template selected")
			continue
		}
		if templates == nil {
			if templates, err = s.store.ListTemplates(ctx, tenant); err != nil {
				return fmt.Errorf("list templates: %w", err)
			}
		}
		tmpl, ok := templates[rc.TemplateID]
		if !ok {
			s.warn(tenant, kind, fmt.Sprintf("template %q does not exist", rc.TemplateID))
			continue
		}
		s.clearWarning(tenant, kind)

		key := recurringKey(tenant, kind, today)
		if rc.LastRunDate == today {
			continue
		}
		if s.isDone(key) {
			// already sent today; the stored mark is missing, write it again
			if err := s.store.MarkRecurringRun(ctx, tenant, kind, today); err != nil {
				s.log.Errorw("campaign_last_run_save_error", "tenant", tenant, "kind", kind, "error", err)
			}
			continue
		}
		if !s.sessions.Status(tenant).Usable() {
			s.log.Debugw("campaign_session_not_ready", "tenant", tenant, "kind", kind)
			continue
		}
		if recipients == nil {
			if recipients, err = s.store.ListRecipients(ctx, tenant); err != nil {
				return fmt.Errorf("list recipients: %w", err)
			}
		}
		celebrants := Celebrants(recipients, kind, local)
		if len(celebrants) == 0 {
			continue
		}

		kind := kind
		s.enqueue(&occurrence{
			key:        key,
			label:      string(kind),
			tenant:     tenant,
			template:   tmpl,
			recipients: celebrants,
			ready: func(ctx context.Context) (bool, error) {
				cur, err := s.store.LoadCampaignSettings(ctx, tenant)
				if err != nil {
					return false, err
				}
				rc := cur.Recurring(kind)
				return rc.Active && rc.LastRunDate != today, nil
			},
			accepted: func(ctx context.Context) {
				if err := s.store.MarkRecurringRun(ctx, tenant, kind, today); err != nil {
					s.log.Errorw("campaign_last_run_save_error", "tenant", tenant, "kind", kind, "error", err)
				}
			},
		})
	}
	return nil
}

func (s *Scheduler) scheduled(ctx context.Context, tenant string, now time.Time) error {
	settings, err := s.store.LoadCampaignSettings(ctx, tenant)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	var due []model.ScheduledCampaign
	for _, sc := range settings.Scheduled {
		if sc.Status.Terminal() {
			s.forget(scheduledKey(tenant, sc.ID))
			continue
		}
		if sc.Due(now) {
			due = append(due, sc)
		}
	}
	if len(due) == 0 {
		return nil
	}
	if !s.sessions.Status(tenant).Usable() {
		s.log.Debugw("campaign_session_not_ready", "tenant", tenant, "due", len(due))
		return nil
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].ScheduledTime.Before(due[j].ScheduledTime) })

	templates, err := s.store.ListTemplates(ctx, tenant)
	if err != nil {
		return fmt.Errorf("list templates: %w", err)
	}
	recipients, err := s.store.ListRecipients(ctx, tenant)
	if err != nil {
		return fmt.Errorf("list recipients: %w", err)
	}

	for _, sc := range due {
		sc := sc
		tmpl, ok := templates[sc.TemplateID]
		var targets []model.Recipient
		if ok {
			for _, r := range recipients {
				if sc.Matches(r) {
					r.Status = model.RecipientPending
					targets = append(targets, r)
				}
			}
		} else {
			s.log.Warnw("scheduled_campaign_template_missing", "tenant", tenant, "campaign_id", sc.ID, "template_id", sc.TemplateID)
		}
		s.enqueue(&occurrence{
			key:        scheduledKey(tenant, sc.ID),
			label:      "scheduled",
			tenant:     tenant,
			template:   tmpl,
			recipients: targets,
			ready: func(ctx context.Context) (bool, error) {
				return s.stillPending(ctx, tenant, sc.ID)
			},
			finished: func(ctx context.Context, p dispatch.Progress) {
				s.complete(ctx, tenant, sc.ID, p)
			},
		})
	}
	return nil
}

func (s *Scheduler) complete(ctx context.Context, tenant, id string, p dispatch.Progress) {
	ok, err := s.store.MarkScheduledCompleted(ctx, tenant, id)
	if err != nil {
		s.log.Errorw("scheduled_campaign_complete_error", "tenant", tenant, "campaign_id", id, "error", err)
		return
	}
	if !ok {
		return
	}
	s.log.Infow("scheduled_campaign_completed", "tenant", tenant, "campaign_id", id, "sent", p.Sent, "failed", p.Failed)
	s.opt.Bus.Publish(events.Event{Type: events.CampaignCompleted, Tenant: tenant, Data: map[string]any{
		"campaign_id": id,
		"sent":        p.Sent,
		"failed":      p.Failed,
	}})
}

// stillPending reports whether the scheduled campaign is stored as pending.
func (s *Scheduler) stillPending(ctx context.Context, tenant, id string) (bool, error) {
	cur, err := s.store.LoadCampaignSettings(ctx, tenant)
	if err != nil {
		return false, err
	}
	for _, sc := range cur.Scheduled {
		if sc.ID == id {
			return sc.Status == model.ScheduledPending, nil
		}
	}
	return false, nil
}

func scheduledKey(tenant, id string) string { return tenant + "/scheduled/" + id }

func recurringKey(tenant string, kind model.CampaignKind, date string) string {
	return tenant + "/" + string(kind) + "/" + date
}

func (s *Scheduler) isDone(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done[key]
}

func (s *Scheduler) forget(key string) {
	s.mu.Lock()
	delete(s.done, key)
	s.mu.Unlock()
}

// forgetRecurring drops the tenant's recurring marks from days before today.
func (s *Scheduler) forgetRecurring(tenant, today string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, kind := range recurringKinds {
		prefix := tenant + "/" + string(kind) + "/"
		for k := range s.done {
			if strings.HasPrefix(k, prefix) && k != prefix+today {
				delete(s.done, k)
			}
		}
	}
}

// enqueue appends o to its tenant queue unless the same occurrence is already
// queued or was cancelled.
func (s *Scheduler) enqueue(o *occurrence) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[o.key] || s.cancelled[o.key] || s.done[o.key] {
		return false
	}
	s.inflight[o.key] = true

	q := s.queues[o.tenant]
	if q == nil {
		q = &queue{}
		s.queues[o.tenant] = q
	}
	q.items = append(q.items, o)
	s.log.Infow("campaign_queued", "tenant", o.tenant, "kind", o.label, "recipients", len(o.recipients), "depth", len(q.items))
	if !q.running {
		q.running = true
		s.wg.Add(1)
		go s.drain(o.tenant, q)
	}
	return true
}

func (s *Scheduler) drain(tenant string, q *queue) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		if len(q.items) == 0 {
			q.running = false
			s.mu.Unlock()
			return
		}
		o := q.items[0]
		q.items = q.items[1:]
		s.mu.Unlock()

		s.process(o)

		s.mu.Lock()
		delete(s.inflight, o.key)
		s.mu.Unlock()
	}
}

// process waits for the tenant to be idle, then starts the run. A run that
// cannot start because the session is down is dropped here and picked up again
// by a later tick.
func (s *Scheduler) process(o *occurrence) {
	ctx := s.ctx
	if len(o.recipients) == 0 {
		s.markDone(o.key)
		if o.finished != nil {
			o.finished(context.WithoutCancel(ctx), dispatch.Progress{})
		}
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.disp.Idle(o.tenant):
		}

		if o.ready != nil {
			ok, err := o.ready(ctx)
			if err != nil {
				s.log.Warnw("campaign_recheck_error", "tenant", o.tenant, "kind", o.label, "error", err)
				return
			}
			if !ok {
				s.log.Infow("campaign_no_longer_due", "tenant", o.tenant, "kind", o.label)
				return
			}
		}

		run, err := s.disp.Start(ctx, o.tenant, o.template, o.recipients)
		switch {
		case errors.Is(err, dispatch.ErrAlreadyRunning):
			continue
		case errors.Is(err, dispatch.ErrSessionNotReady):
			s.log.Infow("campaign_deferred", "tenant", o.tenant, "kind", o.label, "reason", err.Error())
			return
		case err != nil:
			s.log.Errorw("campaign_dispatch_error", "tenant", o.tenant, "kind", o.label, "error", err)
			return
		}

		s.markDone(o.key)
		metrics.CampaignsDispatched.WithLabelValues(o.label).Inc()
		s.log.Infow("campaign_dispatched", "tenant", o.tenant, "kind", o.label, "run_id", run.ID)
		if o.accepted != nil {
			o.accepted(context.WithoutCancel(ctx))
		}
		select {
		case <-run.Done():
		case <-ctx.Done():
		}
		if o.finished != nil {
			o.finished(context.WithoutCancel(ctx), run.Progress())
		}
		return
	}
}

func (s *Scheduler) markDone(key string) {
	s.mu.Lock()
	s.done[key] = true
	s.mu.Unlock()
}

// Reserve keeps the given scheduled campaigns from being queued until release
// is called. It fails with ErrDispatchStarted when one of them is already
// queued or sending.
func (s *Scheduler) Reserve(tenant string, ids []string) (release func(), err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		key := scheduledKey(tenant, id)
		if s.inflight[key] || s.done[key] {
			return nil, fmt.Errorf("%w: %s", ErrDispatchStarted, id)
		}
		keys = append(keys, key)
	}
	for _, key := range keys {
		s.inflight[key] = true
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			for _, key := range keys {
				delete(s.inflight, key)
			}
			s.mu.Unlock()
		})
	}, nil
}

// Cancel cancels a pending scheduled campaign that has not been queued yet.
func (s *Scheduler) Cancel(ctx context.Context, tenant, id string) error {
	release, err := s.Reserve(tenant, []string{id})
	if err != nil {
		if pending, lerr := s.stillPending(ctx, tenant, id); lerr == nil && !pending {
			return s.notCancellable(ctx, tenant, id)
		}
		return ErrDispatchStarted
	}
	ok, err := s.store.CancelScheduled(ctx, tenant, id)
	if ok {
		s.mu.Lock()
		s.cancelled[scheduledKey(tenant, id)] = true
		s.mu.Unlock()
	}
	release()

	if err != nil {
		return err
	}
	if ok {
		s.log.Infow("scheduled_campaign_cancelled", "tenant", tenant, "campaign_id", id)
		return nil
	}
	return s.notCancellable(ctx, tenant, id)
}

// notCancellable tells a finished campaign from an unknown one.
func (s *Scheduler) notCancellable(ctx context.Context, tenant, id string) error {
	settings, err := s.store.LoadCampaignSettings(ctx, tenant)
	if err != nil {
		return err
	}
	for _, sc := range settings.Scheduled {
		if sc.ID == id {
			return ErrCampaignFinal
		}
	}
	return ErrCampaignNotFound
}

// Warnings returns the tenant's standing configuration warnings.
func (s *Scheduler) Warnings(tenant string) []Warning {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []Warning{}
	for _, kind := range recurringKinds {
		if msg, ok := s.warnings[tenant][kind]; ok {
			out = append(out, Warning{Kind: kind, Message: msg})
		}
	}
	return out
}

func (s *Scheduler) warn(tenant string, kind model.CampaignKind, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.warnings[tenant]
	if w == nil {
		w = map[model.CampaignKind]string{}
		s.warnings[tenant] = w
	}
	if w[kind] == msg {
		return
	}
	w[kind] = msg
	s.updateWarningGaugeLocked()
	s.log.Warnw("campaign_config_warning", "tenant", tenant, "kind", kind, "message", msg)
	s.opt.Bus.Publish(events.Event{Type: events.CampaignWarning, Tenant: tenant, Data: Warning{Kind: kind, Message: msg}})
}

func (s *Scheduler) clearWarning(tenant string, kind model.CampaignKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.warnings[tenant][kind]; !ok {
		return
	}
	delete(s.warnings[tenant], kind)
	s.updateWarningGaugeLocked()
	s.log.Infow("campaign_config_warning_cleared", "tenant", tenant, "kind", kind)
}

func (s *Scheduler) updateWarningGaugeLocked() {
	n := 0
	for _, w := range s.warnings {
		n += len(w)
	}
	metrics.ConfigWarnings.Set(float64(n))
}

// cronLogger routes cron's own messages through zap.
type cronLogger struct{ l *zap.SugaredLogger }

func (c cronLogger) Info(msg string, kv ...interface{}) { c.l.Debugw("cron_"+msg, kv...) }

func (c cronLogger) Error(err error, msg string, kv ...interface{}) {
	c.l.Errorw("cron_"+msg, append(kv, "error", err)...)
}
