// Package gateway talks to a pairing gateway sidecar that owns the actual
// messaging-network protocol. Commands go over HTTP, session events arrive on
// a websocket stream.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/princeshiamofficial/portal-sub000/internal/network"
	"github.com/princeshiamofficial/portal-sub000/pkg/logx"
	"github.com/princeshiamofficial/portal-sub000/pkg/model"
)

type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
	Dialer  *websocket.Dialer
	Log     *zap.SugaredLogger
}

func New(baseURL, token string, log *zap.SugaredLogger) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
		Dialer:  websocket.DefaultDialer,
		Log:     logx.Or(log),
	}
}

type startRequest struct {
	Credentials []byte `json:"credentials,omitempty"`
}

type sendRequest struct {
	To      string `json:"to"`
	Text    string `json:"text,omitempty"`
	Media   string `json:"media,omitempty"`
	Caption string `json:"caption,omitempty"`
}

type wireEvent struct {
	Type        string `json:"type"`
	QR          string `json:"qr,omitempty"`
	Credentials []byte `json:"credentials,omitempty"`
	Identity    *struct {
		Name string `json:"name"`
		ID   string `json:"id"`
	} `json:"identity,omitempty"`
	LoggedOut bool   `json:"logged_out,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func (c *Client) sessionURL(tenant string, parts ...string) string {
	u := c.BaseURL + "/sessions/" + url.PathEscape(tenant)
	for _, p := range parts {
		u += "/" + p
	}
	return u
}

func (c *Client) do(ctx context.Context, method, u string, body any) ([]byte, int, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, 0, err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return nil, 0, err
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	if resp.StatusCode >= 400 {
		return respBody, resp.StatusCode, fmt.Errorf("gateway error: %s - %s", resp.Status, strings.TrimSpace(string(respBody)))
	}
	return respBody, resp.StatusCode, nil
}

func (c *Client) eventsURL(tenant string) (string, error) {
	u, err := url.Parse(c.sessionURL(tenant, "events"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String(), nil
}

func (c *Client) Open(ctx context.Context, tenant string, creds []byte) (network.Conn, error) {
	if _, _, err := c.do(ctx, http.MethodPost, c.sessionURL(tenant), startRequest{Credentials: creds}); err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}

	wsURL, err := c.eventsURL(tenant)
	if err != nil {
		return nil, err
	}
	hdr := http.Header{}
	if c.Token != "" {
		hdr.Set("Authorization", "Bearer "+c.Token)
	}
	ws, _, err := c.Dialer.DialContext(ctx, wsURL, hdr)
	if err != nil {
		return nil, fmt.Errorf("dial events: %w", err)
	}

	cn := &conn{
		client: c,
		tenant: tenant,
		ws:     ws,
		events: make(chan network.Event, 16),
		done:   make(chan struct{}),
	}
	go cn.readLoop()
	return cn, nil
}

type conn struct {
	client *Client
	tenant string
	ws     *websocket.Conn
	events chan network.Event
	done   chan struct{}
	once   sync.Once
}

func (cn *conn) Events() <-chan network.Event { return cn.events }

func (cn *conn) emit(e network.Event) bool {
	select {
	case cn.events <- e:
		return true
	case <-cn.done:
		return false
	}
}

func (cn *conn) readLoop() {
	defer close(cn.events)
	for {
		var we wireEvent
		if err := cn.ws.ReadJSON(&we); err != nil {
			select {
			case <-cn.done:
			default:
				cn.client.Log.Infow("gateway_stream_closed", "tenant", cn.tenant, "error", err)
				cn.emit(network.Event{Kind: network.EventDisconnected, Reason: err.Error()})
			}
			return
		}
		e, ok := decode(we)
		if !ok {
			cn.client.Log.Debugw("gateway_event_ignored", "tenant", cn.tenant, "type", we.Type)
			continue
		}
		if !cn.emit(e) {
			return
		}
		if e.Kind == network.EventDisconnected {
			return
		}
	}
}

func decode(we wireEvent) (network.Event, bool) {
	switch network.EventKind(we.Type) {
	case network.EventPairing:
		return network.Event{Kind: network.EventPairing, Pairing: we.QR}, true
	case network.EventPaired:
		return network.Event{Kind: network.EventPaired, Credentials: we.Credentials}, true
	case network.EventReady:
		e := network.Event{Kind: network.EventReady}
		if we.Identity != nil {
			e.Identity = model.Identity{DisplayName: we.Identity.Name, ID: we.Identity.ID}
		}
		return e, true
	case network.EventDisconnected:
		return network.Event{Kind: network.EventDisconnected, LoggedOut: we.LoggedOut, Reason: we.Reason}, true
	case network.EventPairingTimeout:
		return network.Event{Kind: network.EventPairingTimeout, Reason: we.Reason}, true
	}
	return network.Event{}, false
}

func (cn *conn) Send(ctx context.Context, to string, msg network.Message) error {
	req := sendRequest{To: to, Text: msg.Text, Media: msg.MediaRef, Caption: msg.Caption}
	_, status, err := cn.client.do(ctx, http.MethodPost, cn.client.sessionURL(cn.tenant, "messages"), req)
	if err != nil && status >= 400 && status < 500 {
		return fmt.Errorf("%w: %v", network.ErrRejected, err)
	}
	return err
}

func (cn *conn) Logout(ctx context.Context) error {
	_, _, err := cn.client.do(ctx, http.MethodDelete, cn.client.sessionURL(cn.tenant), nil)
	return err
}

func (cn *conn) Close() error {
	var err error
	cn.once.Do(func() {
		close(cn.done)
		_ = cn.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = cn.ws.Close()
	})
	return err
}
