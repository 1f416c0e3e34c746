// Package session owns one messaging-network connection per tenant.
//
// Each tenant has a single live entry. Writers (connect, logout, network
// callbacks) serialize on the entry mutex and carry a generation number, so a
// callback from a superseded connection can never change state. Readers get
// an atomic snapshot and never wait on writers.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/princeshiamofficial/portal-sub000/internal/events"
	"github.com/princeshiamofficial/portal-sub000/internal/network"
	"github.com/princeshiamofficial/portal-sub000/pkg/logx"
	"github.com/princeshiamofficial/portal-sub000/pkg/metrics"
	"github.com/princeshiamofficial/portal-sub000/pkg/model"
)

var ErrNotConnected = errors.New("session not connected")

// CredentialStore persists network credentials across restarts.
// LoadCredentials returns nil, nil when nothing is stored.
type CredentialStore interface {
	LoadCredentials(ctx context.Context, tenant string) ([]byte, error)
	SaveCredentials(ctx context.Context, tenant string, data []byte) error
	DeleteCredentials(ctx context.Context, tenant string) error
	ListCredentialTenants(ctx context.Context) ([]string, error)
}

type Options struct {
	// ReconnectEvery bounds how often a tenant re-opens its connection.
	ReconnectEvery time.Duration
	Bus            events.Publisher
	Log            *zap.SugaredLogger
	Now            func() time.Time
}

type Manager struct {
	net            network.Network
	creds          CredentialStore
	bus            events.Publisher
	log            *zap.SugaredLogger
	now            func() time.Time
	reconnectEvery time.Duration

	tenants sync.Map // string -> *entry
}

type entry struct {
	tenant string
	snap   atomic.Pointer[model.Session]

	mu     sync.Mutex
	gen    uint64
	conn   network.Conn
	cancel context.CancelFunc

	// sendMu is held shared for the duration of a send and exclusively
	// while tearing the connection down.
	sendMu  sync.RWMutex
	limiter *rate.Limiter
}

func NewManager(net network.Network, creds CredentialStore, opt Options) *Manager {
	m := &Manager{
		net:            net,
		creds:          creds,
		bus:            opt.Bus,
		log:            logx.Or(opt.Log),
		now:            opt.Now,
		reconnectEvery: opt.ReconnectEvery,
	}
	if m.bus == nil {
		m.bus = events.Nop{}
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.reconnectEvery <= 0 {
		m.reconnectEvery = 5 * time.Second
	}
	return m
}

func (m *Manager) entry(tenant string) *entry {
	if v, ok := m.tenants.Load(tenant); ok {
		return v.(*entry)
	}
	e := &entry{
		tenant:  tenant,
		limiter: rate.NewLimiter(rate.Every(m.reconnectEvery), 1),
	}
	e.snap.Store(&model.Session{Tenant: tenant, Status: model.SessionDisconnected, UpdatedAt: m.now()})
	v, _ := m.tenants.LoadOrStore(tenant, e)
	return v.(*entry)
}

// Status returns the tenant's current session snapshot.
func (m *Manager) Status(tenant string) model.Session {
	v, ok := m.tenants.Load(tenant)
	if !ok {
		return model.Session{Tenant: tenant, Status: model.SessionDisconnected}
	}
	return *v.(*entry).snap.Load()
}

// Connect starts the tenant's connection loop unless one is already live, in
// which case the current snapshot is returned unchanged.
func (m *Manager) Connect(tenant string) model.Session {
	e := m.entry(tenant)
	e.mu.Lock()
	defer e.mu.Unlock()

	if cur := e.snap.Load(); cur.Status != model.SessionDisconnected {
		return *cur
	}
	e.gen++
	gen := e.gen
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	m.setLocked(e, model.Session{Status: model.SessionConnecting})
	m.log.Infow("session_connect", "tenant", tenant, "generation", gen)

	go m.run(ctx, e, gen)
	return *e.snap.Load()
}

// Resume reconnects every tenant with stored credentials.
func (m *Manager) Resume(ctx context.Context) error {
	tenants, err := m.creds.ListCredentialTenants(ctx)
	if err != nil {
		return err
	}
	for _, t := range tenants {
		m.Connect(t)
	}
	m.log.Infow("sessions_resumed", "count", len(tenants))
	return nil
}

// Logout tears the session down for good: stored credentials are revoked and
// no reconnect happens. A send already in flight is allowed to finish first.
func (m *Manager) Logout(ctx context.Context, tenant string) error {
	e := m.entry(tenant)
	conn := m.detach(e)

	if conn != nil {
		if err := conn.Logout(ctx); err != nil {
			m.log.Warnw("session_network_logout_error", "tenant", tenant, "error", err)
		}
		_ = conn.Close()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	err := m.creds.DeleteCredentials(ctx, tenant)
	m.setLocked(e, model.Session{Status: model.SessionDisconnected})
	if err != nil {
		return fmt.Errorf("delete credentials: %w", err)
	}
	m.log.Infow("session_logout", "tenant", tenant)
	return nil
}

// Close stops every connection without touching stored credentials.
func (m *Manager) Close() {
	m.tenants.Range(func(_, v any) bool {
		e := v.(*entry)
		if conn := m.detach(e); conn != nil {
			_ = conn.Close()
		}
		e.mu.Lock()
		m.setLocked(e, model.Session{Status: model.SessionDisconnected})
		e.mu.Unlock()
		return true
	})
}

// detach supersedes the current generation, stops the loop and waits for an
// in-flight send. It returns the connection that was live, if any.
func (m *Manager) detach(e *entry) network.Conn {
	e.mu.Lock()
	e.gen++
	conn := e.conn
	e.conn = nil
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.sendMu.Lock()
	e.sendMu.Unlock()
	return conn
}

// Send delivers msg through the tenant's live connection.
func (m *Manager) Send(ctx context.Context, tenant, to string, msg network.Message) error {
	v, ok := m.tenants.Load(tenant)
	if !ok {
		return ErrNotConnected
	}
	e := v.(*entry)
	e.sendMu.RLock()
	defer e.sendMu.RUnlock()

	e.mu.Lock()
	conn := e.conn
	usable := e.snap.Load().Usable()
	e.mu.Unlock()
	if conn == nil || !usable {
		return ErrNotConnected
	}
	return conn.Send(ctx, to, msg)
}

func (m *Manager) run(ctx context.Context, e *entry, gen uint64) {
	for {
		if err := e.limiter.Wait(ctx); err != nil {
			return
		}
		creds, err := m.creds.LoadCredentials(ctx, e.tenant)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.log.Warnw("session_credentials_load_error", "tenant", e.tenant, "error", err)
			continue
		}
		conn, err := m.net.Open(ctx, e.tenant, creds)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.log.Warnw("session_open_error", "tenant", e.tenant, "error", err)
			continue
		}
		if !m.attach(e, gen, conn) {
			_ = conn.Close()
			return
		}
		if !m.consume(ctx, e, gen, conn) {
			return
		}
		metrics.SessionReconnects.Inc()
		m.log.Infow("session_reconnecting", "tenant", e.tenant, "generation", gen)
	}
}

func (m *Manager) attach(e *entry, gen uint64, conn network.Conn) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gen != gen {
		return false
	}
	e.conn = conn
	return true
}

// consume applies connection events until the connection ends. It reports
// whether the loop should open a new connection.
func (m *Manager) consume(ctx context.Context, e *entry, gen uint64, conn network.Conn) bool {
	for {
		var (
			ev network.Event
			ok bool
		)
		select {
		case <-ctx.Done():
			return false
		case ev, ok = <-conn.Events():
		}
		if !ok {
			ev = network.Event{Kind: network.EventDisconnected, Reason: "event stream closed"}
		}

		switch ev.Kind {
		case network.EventPairing:
			m.transition(e, gen, model.Session{Status: model.SessionAwaitingPairing, Pairing: ev.Pairing})

		case network.EventPaired:
			m.saveCredentials(ctx, e, gen, ev.Credentials)

		case network.EventReady:
			id := ev.Identity
			m.transition(e, gen, model.Session{Status: model.SessionConnected, Identity: &id})

		case network.EventPairingTimeout:
			m.log.Infow("session_pairing_timeout", "tenant", e.tenant)
			m.end(e, gen, conn, model.SessionDisconnected, false)
			return false

		case network.EventDisconnected:
			if ev.LoggedOut {
				m.log.Warnw("session_logged_out_remotely", "tenant", e.tenant, "reason", ev.Reason)
				m.end(e, gen, conn, model.SessionDisconnected, true)
				return false
			}
			m.log.Warnw("session_dropped", "tenant", e.tenant, "reason", ev.Reason)
			return m.end(e, gen, conn, model.SessionConnecting, false)
		}
	}
}

// end closes conn and moves to status if gen is still current.
func (m *Manager) end(e *entry, gen uint64, conn network.Conn, status model.SessionStatus, purge bool) bool {
	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		_ = conn.Close()
		return false
	}
	e.conn = nil
	e.mu.Unlock()

	// wait for an in-flight send before closing
	e.sendMu.Lock()
	e.sendMu.Unlock()
	_ = conn.Close()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gen != gen {
		return false
	}
	if purge {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := m.creds.DeleteCredentials(ctx, e.tenant); err != nil {
			m.log.Errorw("session_credentials_delete_error", "tenant", e.tenant, "error", err)
		}
		cancel()
	}
	if status == model.SessionDisconnected && e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	m.setLocked(e, model.Session{Status: status})
	return status == model.SessionConnecting
}

func (m *Manager) saveCredentials(ctx context.Context, e *entry, gen uint64, data []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gen != gen || len(data) == 0 {
		return
	}
	if err := m.creds.SaveCredentials(ctx, e.tenant, data); err != nil {
		m.log.Errorw("session_credentials_save_error", "tenant", e.tenant, "error", err)
	}
}

func (m *Manager) transition(e *entry, gen uint64, s model.Session) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gen != gen {
		m.log.Debugw("session_stale_event", "tenant", e.tenant, "status", s.Status)
		return false
	}
	m.setLocked(e, s)
	return true
}

// setLocked stores a new snapshot; e.mu must be held.
func (m *Manager) setLocked(e *entry, s model.Session) {
	prev := e.snap.Load()
	s.Tenant = e.tenant
	s.UpdatedAt = m.now()
	e.snap.Store(&s)

	if prev != nil && prev.Status == s.Status && prev.Pairing == s.Pairing {
		return
	}
	metrics.SessionTransitions.WithLabelValues(string(s.Status)).Inc()
	m.bus.Publish(events.Event{Type: events.SessionState, Tenant: e.tenant, Data: s})
	if s.Status == model.SessionAwaitingPairing {
		m.bus.Publish(events.Event{Type: events.SessionPairing, Tenant: e.tenant, Data: s.Pairing})
	}
	m.log.Infow("session_state", "tenant", e.tenant, "status", s.Status)
}
