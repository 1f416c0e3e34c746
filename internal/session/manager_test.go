package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/princeshiamofficial/portal-sub000/internal/events"
	"github.com/princeshiamofficial/portal-sub000/internal/network"
	"github.com/princeshiamofficial/portal-sub000/pkg/model"
)

type fakeConn struct {
	events chan network.Event

	mu        sync.Mutex
	sent      []string
	loggedOut bool
	closed    bool
	sendGate  chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan network.Event, 16)}
}

func (c *fakeConn) Events() <-chan network.Event { return c.events }

func (c *fakeConn) Send(ctx context.Context, to string, msg network.Message) error {
	c.mu.Lock()
	gate := c.sendGate
	c.mu.Unlock()
	if gate != nil {
		<-gate
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("send on closed conn")
	}
	c.sent = append(c.sent, to)
	return nil
}

func (c *fakeConn) Logout(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loggedOut = true
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type fakeNet struct {
	mu    sync.Mutex
	conns []*fakeConn
	creds [][]byte
}

func (n *fakeNet) Open(ctx context.Context, tenant string, creds []byte) (network.Conn, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := newFakeConn()
	n.conns = append(n.conns, c)
	n.creds = append(n.creds, creds)
	return c, nil
}

func (n *fakeNet) opens() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.conns)
}

func (n *fakeNet) conn(i int) *fakeConn {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.conns[i]
}

type memCreds struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemCreds() *memCreds { return &memCreds{data: map[string][]byte{}} }

func (s *memCreds) LoadCredentials(ctx context.Context, tenant string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data[tenant], nil
}

func (s *memCreds) SaveCredentials(ctx context.Context, tenant string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[tenant] = data
	return nil
}

func (s *memCreds) DeleteCredentials(ctx context.Context, tenant string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, tenant)
	return nil
}

func (s *memCreds) ListCredentialTenants(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for t := range s.data {
		out = append(out, t)
	}
	return out, nil
}

func (s *memCreds) has(tenant string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data[tenant]
	return ok
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestManager(n *fakeNet, creds *memCreds, bus events.Publisher) *Manager {
	return NewManager(n, creds, Options{ReconnectEvery: time.Millisecond, Bus: bus})
}

func connectAndPair(t *testing.T, m *Manager, n *fakeNet, tenant string) *fakeConn {
	t.Helper()
	m.Connect(tenant)
	waitFor(t, "open", func() bool { return n.opens() >= 1 })
	c := n.conn(n.opens() - 1)
	c.events <- network.Event{Kind: network.EventPairing, Pairing: "qr-1"}
	waitFor(t, "awaiting pairing", func() bool { return m.Status(tenant).Status == model.SessionAwaitingPairing })
	c.events <- network.Event{Kind: network.EventPaired, Credentials: []byte("creds")}
	c.events <- network.Event{Kind: network.EventReady, Identity: model.Identity{DisplayName: "Shop", ID: "1555"}}
	waitFor(t, "connected", func() bool { return m.Status(tenant).Status == model.SessionConnected })
	return c
}

func TestConnectPairingLifecycle(t *testing.T) {
	n, creds := &fakeNet{}, newMemCreds()
	bus := events.NewBus()
	sub, unsub := bus.Subscribe(32)
	defer unsub()
	m := newTestManager(n, creds, bus)

	if st := m.Status("acme"); st.Status != model.SessionDisconnected {
		t.Fatalf("initial status %s", st.Status)
	}

	m.Connect("acme")
	waitFor(t, "open", func() bool { return n.opens() == 1 })
	c := n.conn(0)
	c.events <- network.Event{Kind: network.EventPairing, Pairing: "qr-1"}
	waitFor(t, "pairing", func() bool { return m.Status("acme").Status == model.SessionAwaitingPairing })
	if p := m.Status("acme").Pairing; p != "qr-1" {
		t.Fatalf("pairing payload = %q", p)
	}

	c.events <- network.Event{Kind: network.EventPaired, Credentials: []byte("creds")}
	c.events <- network.Event{Kind: network.EventReady, Identity: model.Identity{DisplayName: "Shop", ID: "1555"}}
	waitFor(t, "connected", func() bool { return m.Status("acme").Status == model.SessionConnected })

	st := m.Status("acme")
	if st.Pairing != "" {
		t.Fatal("pairing payload must be cleared once connected")
	}
	if st.Identity == nil || st.Identity.DisplayName != "Shop" || st.Identity.ID != "1555" {
		t.Fatalf("identity = %+v", st.Identity)
	}
	if !creds.has("acme") {
		t.Fatal("credentials not persisted")
	}

	var sawPairing bool
	for len(sub) > 0 {
		if e := <-sub; e.Type == events.SessionPairing && e.Data == "qr-1" {
			sawPairing = true
		}
	}
	if !sawPairing {
		t.Fatal("pairing event not published")
	}
}

func TestConnectIsIdempotent(t *testing.T) {
	n, creds := &fakeNet{}, newMemCreds()
	m := newTestManager(n, creds, nil)
	connectAndPair(t, m, n, "acme")

	st := m.Connect("acme")
	if st.Status != model.SessionConnected {
		t.Fatalf("connect on live session returned %s", st.Status)
	}
	time.Sleep(10 * time.Millisecond)
	if n.opens() != 1 {
		t.Fatalf("duplicate session opened: %d", n.opens())
	}
}

func TestExplicitLogoutDoesNotReconnect(t *testing.T) {
	n, creds := &fakeNet{}, newMemCreds()
	m := newTestManager(n, creds, nil)
	c := connectAndPair(t, m, n, "acme")

	if err := m.Logout(context.Background(), "acme"); err != nil {
		t.Fatal(err)
	}
	if st := m.Status("acme"); st.Status != model.SessionDisconnected {
		t.Fatalf("status after logout = %s", st.Status)
	}
	if creds.has("acme") {
		t.Fatal("credentials must be purged on logout")
	}
	c.mu.Lock()
	loggedOut, closed := c.loggedOut, c.closed
	c.mu.Unlock()
	if !loggedOut || !closed {
		t.Fatalf("network logout=%v closed=%v", loggedOut, closed)
	}

	// late callbacks from the dead connection are ignored
	c.events <- network.Event{Kind: network.EventReady}
	c.events <- network.Event{Kind: network.EventDisconnected}
	time.Sleep(20 * time.Millisecond)
	if st := m.Status("acme"); st.Status != model.SessionDisconnected {
		t.Fatalf("logout resurrected: %s", st.Status)
	}
	if n.opens() != 1 {
		t.Fatalf("reconnected after logout: %d opens", n.opens())
	}

	if err := m.Logout(context.Background(), "acme"); err != nil {
		t.Fatalf("second logout: %v", err)
	}
}

func TestUnexpectedDropReconnects(t *testing.T) {
	n, creds := &fakeNet{}, newMemCreds()
	m := newTestManager(n, creds, nil)
	c := connectAndPair(t, m, n, "acme")

	c.events <- network.Event{Kind: network.EventDisconnected, Reason: "network"}
	waitFor(t, "reopen", func() bool { return n.opens() == 2 })
	if st := m.Status("acme"); st.Status != model.SessionConnecting {
		t.Fatalf("status after drop = %s", st.Status)
	}
	n.mu.Lock()
	resumed := string(n.creds[1])
	n.mu.Unlock()
	if resumed != "creds" {
		t.Fatalf("reconnect did not reuse stored credentials: %q", resumed)
	}

	n.conn(1).events <- network.Event{Kind: network.EventReady}
	waitFor(t, "connected again", func() bool { return m.Status("acme").Status == model.SessionConnected })

	// the old connection can no longer move state
	c.events <- network.Event{Kind: network.EventPairing, Pairing: "stale"}
	time.Sleep(10 * time.Millisecond)
	if st := m.Status("acme"); st.Status != model.SessionConnected {
		t.Fatalf("stale connection changed state: %s", st.Status)
	}
}

func TestRemoteLogoutPurgesCredentials(t *testing.T) {
	n, creds := &fakeNet{}, newMemCreds()
	m := newTestManager(n, creds, nil)
	c := connectAndPair(t, m, n, "acme")

	c.events <- network.Event{Kind: network.EventDisconnected, LoggedOut: true}
	waitFor(t, "disconnected", func() bool { return m.Status("acme").Status == model.SessionDisconnected })
	if creds.has("acme") {
		t.Fatal("credentials kept after remote logout")
	}
	time.Sleep(10 * time.Millisecond)
	if n.opens() != 1 {
		t.Fatal("reconnected after remote logout")
	}
}

func TestPairingTimeoutStops(t *testing.T) {
	n, creds := &fakeNet{}, newMemCreds()
	m := newTestManager(n, creds, nil)
	m.Connect("acme")
	waitFor(t, "open", func() bool { return n.opens() == 1 })
	n.conn(0).events <- network.Event{Kind: network.EventPairingTimeout}
	waitFor(t, "disconnected", func() bool { return m.Status("acme").Status == model.SessionDisconnected })

	m.Connect("acme")
	waitFor(t, "second open", func() bool { return n.opens() == 2 })
}

func TestSendRequiresConnected(t *testing.T) {
	n, creds := &fakeNet{}, newMemCreds()
	m := newTestManager(n, creds, nil)
	ctx := context.Background()

	if err := m.Send(ctx, "acme", "1", network.Message{Text: "x"}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("want ErrNotConnected, got %v", err)
	}
	c := connectAndPair(t, m, n, "acme")
	if err := m.Send(ctx, "acme", "1", network.Message{Text: "x"}); err != nil {
		t.Fatal(err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) != 1 {
		t.Fatalf("sent = %v", c.sent)
	}
}

func TestLogoutWaitsForInFlightSend(t *testing.T) {
	n, creds := &fakeNet{}, newMemCreds()
	m := newTestManager(n, creds, nil)
	c := connectAndPair(t, m, n, "acme")

	gate := make(chan struct{})
	c.mu.Lock()
	c.sendGate = gate
	c.mu.Unlock()

	sendErr := make(chan error, 1)
	go func() { sendErr <- m.Send(context.Background(), "acme", "1", network.Message{Text: "x"}) }()
	time.Sleep(10 * time.Millisecond)

	logoutDone := make(chan struct{})
	go func() {
		_ = m.Logout(context.Background(), "acme")
		close(logoutDone)
	}()

	select {
	case <-logoutDone:
		t.Fatal("logout finished while a send was in flight")
	case <-time.After(20 * time.Millisecond):
	}
	close(gate)
	if err := <-sendErr; err != nil {
		t.Fatalf("in-flight send failed: %v", err)
	}
	<-logoutDone
	if st := m.Status("acme"); st.Status != model.SessionDisconnected {
		t.Fatalf("status = %s", st.Status)
	}
}

func TestResumeReconnectsStoredTenants(t *testing.T) {
	n, creds := &fakeNet{}, newMemCreds()
	_ = creds.SaveCredentials(context.Background(), "acme", []byte("saved"))
	m := newTestManager(n, creds, nil)

	if err := m.Resume(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "open", func() bool { return n.opens() == 1 })
	n.mu.Lock()
	got := string(n.creds[0])
	n.mu.Unlock()
	if got != "saved" {
		t.Fatalf("resume opened with %q", got)
	}
	n.conn(0).events <- network.Event{Kind: network.EventReady}
	waitFor(t, "connected", func() bool { return m.Status("acme").Status == model.SessionConnected })
	m.Close()
	if !creds.has("acme") {
		t.Fatal("close must keep credentials")
	}
}
