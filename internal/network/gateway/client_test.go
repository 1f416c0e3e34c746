package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/princeshiamofficial/portal-sub000/internal/network"
)

type fakeGateway struct {
	mu       sync.Mutex
	started  []startRequest
	sent     []sendRequest
	deleted  int
	auth     string
	events   []map[string]any
	upgrader websocket.Upgrader
}

func (g *fakeGateway) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/sessions/acme", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		defer g.mu.Unlock()
		g.auth = r.Header.Get("Authorization")
		switch r.Method {
		case http.MethodPost:
			var req startRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			g.started = append(g.started, req)
		case http.MethodDelete:
			g.deleted++
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/sessions/acme/messages", func(w http.ResponseWriter, r *http.Request) {
		var req sendRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.To == "bad" {
			http.Error(w, "invalid recipient", http.StatusBadRequest)
			return
		}
		g.mu.Lock()
		g.sent = append(g.sent, req)
		g.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/sessions/acme/events", func(w http.ResponseWriter, r *http.Request) {
		ws, err := g.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		g.mu.Lock()
		evs := g.events
		g.mu.Unlock()
		for _, e := range evs {
			if err := ws.WriteJSON(e); err != nil {
				return
			}
		}
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})
	return mux
}

func next(t *testing.T, ch <-chan network.Event) network.Event {
	t.Helper()
	select {
	case e, ok := <-ch:
		if !ok {
			t.Fatal("events closed")
		}
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return network.Event{}
}

func TestOpenStreamsEvents(t *testing.T) {
	g := &fakeGateway{events: []map[string]any{
		{"type": "qr", "qr": "pair-me"},
		{"type": "paired", "credentials": []byte("secret")},
		{"type": "ready", "identity": map[string]string{"name": "Acme Shop", "id": "15550001"}},
		{"type": "unknown"},
		{"type": "disconnected", "logged_out": true, "reason": "revoked"},
	}}
	srv := httptest.NewServer(g.handler())
	defer srv.Close()

	c := New(srv.URL, "tok", nil)
	cn, err := c.Open(context.Background(), "acme", []byte("old"))
	if err != nil {
		t.Fatal(err)
	}
	defer cn.Close()

	if e := next(t, cn.Events()); e.Kind != network.EventPairing || e.Pairing != "pair-me" {
		t.Fatalf("unexpected %+v", e)
	}
	if e := next(t, cn.Events()); e.Kind != network.EventPaired || string(e.Credentials) != "secret" {
		t.Fatalf("unexpected %+v", e)
	}
	if e := next(t, cn.Events()); e.Kind != network.EventReady || e.Identity.DisplayName != "Acme Shop" || e.Identity.ID != "15550001" {
		t.Fatalf("unexpected %+v", e)
	}
	if e := next(t, cn.Events()); e.Kind != network.EventDisconnected || !e.LoggedOut {
		t.Fatalf("unexpected %+v", e)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.started) != 1 || string(g.started[0].Credentials) != "old" {
		t.Fatalf("start request not sent with credentials: %+v", g.started)
	}
	if g.auth != "Bearer tok" {
		t.Fatalf("auth header = %q", g.auth)
	}
}

func TestSendAndLogout(t *testing.T) {
	g := &fakeGateway{}
	srv := httptest.NewServer(g.handler())
	defer srv.Close()

	c := New(srv.URL, "", nil)
	cn, err := c.Open(context.Background(), "acme", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer cn.Close()

	ctx := context.Background()
	if err := cn.Send(ctx, "15550002", network.Message{Text: "hi", MediaRef: "m1", Caption: "cap"}); err != nil {
		t.Fatal(err)
	}
	err = cn.Send(ctx, "bad", network.Message{Text: "hi"})
	if !errors.Is(err, network.ErrRejected) {
		t.Fatalf("want ErrRejected, got %v", err)
	}
	if err := cn.Logout(ctx); err != nil {
		t.Fatal(err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.sent) != 1 || g.sent[0].To != "15550002" || g.sent[0].Media != "m1" || g.sent[0].Caption != "cap" {
		t.Fatalf("unexpected sends %+v", g.sent)
	}
	if g.deleted != 1 {
		t.Fatalf("logout not sent")
	}
}

func TestCloseEndsEvents(t *testing.T) {
	g := &fakeGateway{}
	srv := httptest.NewServer(g.handler())
	defer srv.Close()

	cn, err := New(srv.URL, "", nil).Open(context.Background(), "acme", nil)
	if err != nil {
		t.Fatal(err)
	}
	_ = cn.Close()
	_ = cn.Close()

	select {
	case _, ok := <-cn.Events():
		if ok {
			t.Fatal("no event expected after close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("events channel not closed")
	}
}
