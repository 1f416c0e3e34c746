// Package engine is the surface the API layer talks to: sessions, broadcasts
// and campaign settings for a tenant.
package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/png"
	"time"

	"github.com/boombuler/barcode"
	"github.com/boombuler/barcode/qr"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/princeshiamofficial/portal-sub000/internal/campaign"
	"github.com/princeshiamofficial/portal-sub000/internal/dispatch"
	"github.com/princeshiamofficial/portal-sub000/pkg/logx"
	"github.com/princeshiamofficial/portal-sub000/pkg/model"
)

var (
	ErrTemplateNotFound = errors.New("template not found")
	ErrNoPairing        = errors.New("no pairing in progress")
	ErrInvalidSettings  = errors.New("invalid campaign settings")
)

type Store interface {
	ListRecipients(ctx context.Context, tenant string) ([]model.Recipient, error)
	ListTemplates(ctx context.Context, tenant string) (map[string]model.Template, error)
	LoadCampaignSettings(ctx context.Context, tenant string) (model.CampaignSettings, error)
	SaveCampaignSettings(ctx context.Context, tenant string, s model.CampaignSettings) error
}

type Sessions interface {
	Connect(tenant string) model.Session
	Status(tenant string) model.Session
	Logout(ctx context.Context, tenant string) error
}

type Dispatcher interface {
	Start(ctx context.Context, tenant string, tmpl model.Template, recipients []model.Recipient) (*dispatch.Run, error)
	Progress(tenant string) dispatch.Progress
	Recipients(tenant string) []model.Recipient
}

type Scheduler interface {
	Cancel(ctx context.Context, tenant, id string) error
	Reserve(tenant string, ids []string) (release func(), err error)
	Warnings(tenant string) []campaign.Warning
}

type Engine struct {
	sessions  Sessions
	disp      Dispatcher
	scheduler Scheduler
	store     Store
	loc       *time.Location
	now       func() time.Time
	log       *zap.SugaredLogger

	// QRSize is the edge length of PairingQR images in pixels.
	QRSize int
}

type Option func(*Engine)

func WithLocation(loc *time.Location) Option { return func(e *Engine) { e.loc = loc } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func WithLogger(l *zap.SugaredLogger) Option { return func(e *Engine) { e.log = l } }

func New(sessions Sessions, disp Dispatcher, scheduler Scheduler, store Store, opts ...Option) *Engine {
	e := &Engine{
		sessions:  sessions,
		disp:      disp,
		scheduler: scheduler,
		store:     store,
		loc:       time.Local,
		now:       time.Now,
		QRSize:    256,
	}
	for _, o := range opts {
		o(e)
	}
	e.log = logx.Or(e.log)
	return e
}

func (e *Engine) Connect(tenant string) model.Session { return e.sessions.Connect(tenant) }

func (e *Engine) Status(tenant string) model.Session { return e.sessions.Status(tenant) }

func (e *Engine) Logout(ctx context.Context, tenant string) error {
	return e.sessions.Logout(ctx, tenant)
}

// PairingQR renders the current pairing payload as a PNG QR code.
func (e *Engine) PairingQR(tenant string) ([]byte, error) {
	st := e.sessions.Status(tenant)
	if st.Status != model.SessionAwaitingPairing || st.Pairing == "" {
		return nil, ErrNoPairing
	}
	code, err := qr.Encode(st.Pairing, qr.M, qr.Auto)
	if err != nil {
		return nil, fmt.Errorf("encode qr: %w", err)
	}
	code, err = barcode.Scale(code, e.QRSize, e.QRSize)
	if err != nil {
		return nil, fmt.Errorf("scale qr: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, code); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// StartBroadcast sends templateID to every contact of the tenant.
func (e *Engine) StartBroadcast(ctx context.Context, tenant, templateID string) (*dispatch.Run, error) {
	templates, err := e.store.ListTemplates(ctx, tenant)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	tmpl, ok := templates[templateID]
	if !ok {
		return nil, ErrTemplateNotFound
	}
	recipients, err := e.store.ListRecipients(ctx, tenant)
	if err != nil {
		return nil, fmt.Errorf("list recipients: %w", err)
	}
	return e.disp.Start(ctx, tenant, tmpl, recipients)
}

func (e *Engine) BroadcastProgress(tenant string) dispatch.Progress { return e.disp.Progress(tenant) }

func (e *Engine) BroadcastRecipients(tenant string) []model.Recipient {
	return e.disp.Recipients(tenant)
}

func (e *Engine) CampaignSettings(ctx context.Context, tenant string) (model.CampaignSettings, error) {
	return e.store.LoadCampaignSettings(ctx, tenant)
}

// UpdateCampaignSettings stores new settings and returns what was stored.
// Last-run dates and finished scheduled campaigns cannot be changed through it.
func (e *Engine) UpdateCampaignSettings(ctx context.Context, tenant string, s model.CampaignSettings) (model.CampaignSettings, error) {
	cur, err := e.store.LoadCampaignSettings(ctx, tenant)
	if err != nil {
		return model.CampaignSettings{}, err
	}
	final := map[string]bool{}
	for _, c := range cur.Scheduled {
		if c.Status.Terminal() {
			final[c.ID] = true
		}
	}
	kept := map[string]bool{}
	for _, c := range s.Scheduled {
		kept[c.ID] = true
	}
	var removed []string
	for _, c := range cur.Scheduled {
		if c.Status == model.ScheduledPending && !kept[c.ID] {
			removed = append(removed, c.ID)
		}
	}
	// removed campaigns get cancelled by the save; none of them may be queued
	release, err := e.scheduler.Reserve(tenant, removed)
	if err != nil {
		return model.CampaignSettings{}, err
	}
	defer release()

	s.Birthday.Kind = model.KindBirthday
	s.Birthday.LastRunDate = cur.Birthday.LastRunDate
	s.Anniversary.Kind = model.KindAnniversary
	s.Anniversary.LastRunDate = cur.Anniversary.LastRunDate

	next := make([]model.ScheduledCampaign, 0, len(s.Scheduled))
	for _, c := range s.Scheduled {
		if final[c.ID] {
			continue
		}
		if c.ScheduledTime.IsZero() {
			return model.CampaignSettings{}, fmt.Errorf("%w: scheduled campaign %q has no scheduled_time", ErrInvalidSettings, c.ID)
		}
		if c.TemplateID == "" {
			return model.CampaignSettings{}, fmt.Errorf("%w: scheduled campaign %q has no template_id", ErrInvalidSettings, c.ID)
		}
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		c.Status = model.ScheduledPending
		next = append(next, c)
	}
	// finished campaigns stay listed so they are not cancelled as removed
	for _, c := range cur.Scheduled {
		if c.Status.Terminal() {
			next = append(next, c)
		}
	}
	s.Scheduled = next

	if err := e.store.SaveCampaignSettings(ctx, tenant, s); err != nil {
		return model.CampaignSettings{}, err
	}
	e.log.Infow("campaign_settings_updated", "tenant", tenant,
		"birthday_active", s.Birthday.Active, "anniversary_active", s.Anniversary.Active, "scheduled", len(s.Scheduled))
	return e.store.LoadCampaignSettings(ctx, tenant)
}

func (e *Engine) CancelScheduled(ctx context.Context, tenant, id string) error {
	return e.scheduler.Cancel(ctx, tenant, id)
}

// Celebrants lists today's celebrants of kind for the tenant.
func (e *Engine) Celebrants(ctx context.Context, tenant string, kind model.CampaignKind) ([]model.Recipient, error) {
	if kind != model.KindBirthday && kind != model.KindAnniversary {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidSettings, kind)
	}
	recipients, err := e.store.ListRecipients(ctx, tenant)
	if err != nil {
		return nil, err
	}
	out := campaign.Celebrants(recipients, kind, e.now().In(e.loc))
	if out == nil {
		out = []model.Recipient{}
	}
	return out, nil
}

func (e *Engine) Warnings(tenant string) []campaign.Warning { return e.scheduler.Warnings(tenant) }
