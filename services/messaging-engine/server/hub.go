package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/princeshiamofficial/portal-sub000/internal/events"
	"github.com/princeshiamofficial/portal-sub000/pkg/logx"
)

type subscriber interface {
	Subscribe(buffer int) (<-chan events.Event, func())
}

// Hub pushes engine events to websocket clients. A client may narrow the
// stream to one tenant with ?tenant=.
type Hub struct {
	bus      subscriber
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]func()
}

func NewHub(bus subscriber) *Hub {
	return &Hub{
		bus: bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: map[*websocket.Conn]func(){},
	}
}

func (h *Hub) Serve(c *gin.Context) {
	tenant := c.Query("tenant")
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logx.L().Warnw("ws_upgrade_error", "error", err)
		return
	}
	evs, unsub := h.bus.Subscribe(256)

	h.mu.Lock()
	h.clients[conn] = unsub
	n := len(h.clients)
	h.mu.Unlock()
	logx.L().Infow("ws_client_registered", "tenant", tenant, "clients", n)

	go h.writePump(conn, evs, unsub, tenant)
	go h.readPump(conn, unsub)
}

func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	_, ok := h.clients[conn]
	delete(h.clients, conn)
	h.mu.Unlock()
	if ok {
		logx.L().Infow("ws_client_unregistered")
	}
}

// readPump only watches for the client going away.
func (h *Hub) readPump(conn *websocket.Conn, unsub func()) {
	defer unsub()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(conn *websocket.Conn, evs <-chan events.Event, unsub func(), tenant string) {
	defer func() {
		h.drop(conn)
		conn.Close()
	}()
	for e := range evs {
		if tenant != "" && e.Tenant != tenant {
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(e); err != nil {
			unsub()
			return
		}
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	unsubs := make([]func(), 0, len(h.clients))
	for _, u := range h.clients {
		unsubs = append(unsubs, u)
	}
	h.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
}
