// Package hub serves connected viewers over websockets. Every connection
// runs a query session for its user and receives the session's
// notifications as JSON events.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/armorclaw/errorhub/pkg/config"
	"github.com/armorclaw/errorhub/pkg/logger"
	"github.com/armorclaw/errorhub/pkg/model"
	"github.com/armorclaw/errorhub/pkg/query"
)

// SessionStarter starts the query pipelines of one viewer
type SessionStarter interface {
	Start(ctx context.Context, user string, n query.FrontendNotifier) (*query.Session, error)
}

// UserResolver resolves viewer tokens
type UserResolver interface {
	UserByToken(token string) (model.User, bool)
}

// Options configures a Hub
type Options struct {
	SendBuffer     int
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	ReadLimit      int64
	AllowedOrigins []string
}

// OptionsFrom converts the hub configuration section
func OptionsFrom(cfg config.HubConfig) Options {
	return Options{
		SendBuffer:     cfg.SendBuffer,
		WriteTimeout:   config.Duration(cfg.WriteTimeout, 10*time.Second),
		PingInterval:   config.Duration(cfg.PingInterval, 30*time.Second),
		AllowedOrigins: cfg.AllowedOrigins,
	}
}

// Hub accepts viewer websockets
type Hub struct {
	sessions SessionStarter
	users    UserResolver
	opts     Options
	upgrader websocket.Upgrader
	events   *logger.EventLogger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	conns  map[string]*Conn
	closed bool
	wg     sync.WaitGroup
}

// New creates a hub
func New(sessions SessionStarter, users UserResolver, opts Options) *Hub {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 64 * 1024
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		sessions: sessions,
		users:    users,
		opts:     opts,
		events:   logger.NewEventLogger(logger.Global().WithComponent("hub")),
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[string]*Conn),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return slices.Contains(h.opts.AllowedOrigins, "*") || slices.Contains(h.opts.AllowedOrigins, origin)
}

// ServeHTTP upgrades GET /ws?user=<name> or /ws?token=<token> and blocks
// until the viewer disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user, status := h.resolveUser(r)
	if status != http.StatusOK {
		http.Error(w, http.StatusText(status), status)
		return
	}

	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, "hub is closed", http.StatusServiceUnavailable)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.events.Logger().Warn("upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := newConn(uuid.NewString(), user, ws, h.opts.SendBuffer)
	if !h.register(c) {
		_ = ws.Close()
		return
	}
	defer h.unregister(c)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		c.writePump(h.opts.WriteTimeout, h.opts.PingInterval)
	}()

	session, err := h.sessions.Start(h.ctx, user, c)
	if err != nil {
		c.log.Warn("session failed to start", slog.String("conn", c.ID), slog.String("error", err.Error()))
		_ = c.emit(EventFault, err.Error())
		c.Close()
		return
	}
	c.setSession(session)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		select {
		case <-session.Stopped():
			if err := session.Err(); err != nil {
				c.log.Info("session stopped", slog.String("conn", c.ID), slog.String("error", err.Error()))
			}
			c.Close()
		case <-c.Done():
		}
	}()

	h.readPump(c)
}

func (h *Hub) resolveUser(r *http.Request) (string, int) {
	q := r.URL.Query()
	if token := q.Get("token"); token != "" {
		u, ok := h.users.UserByToken(token)
		if !ok {
			return "", http.StatusUnauthorized
		}
		return u.Name, http.StatusOK
	}
	if user := q.Get("user"); user != "" {
		return user, http.StatusOK
	}
	return "", http.StatusBadRequest
}

// readPump handles inbound calls until the socket fails or the connection closes
func (h *Hub) readPump(c *Conn) {
	defer c.Close()

	c.ws.SetReadLimit(h.opts.ReadLimit)
	deadline := 2 * h.opts.PingInterval
	_ = c.ws.SetReadDeadline(time.Now().Add(deadline))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("read failed", slog.String("conn", c.ID), slog.String("error", err.Error()))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(deadline))
		h.handleCall(c, message)
	}
}

func (h *Hub) handleCall(c *Conn, message []byte) {
	var call Call
	if err := json.Unmarshal(message, &call); err != nil {
		_ = c.emit(EventFault, "invalid message")
		return
	}

	switch call.Call {
	case CallMonitor:
		subscribe, unsubscribe, err := monitorArgs(call.Args)
		if err != nil {
			_ = c.emit(EventFault, "invalid monitor arguments")
			return
		}
		_ = c.emit(EventMonitor, c.Monitor(subscribe, unsubscribe))
	default:
		_ = c.emit(EventFault, "unknown call "+call.Call)
	}
}

func (h *Hub) register(c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[c.ID] = c
	connectedViewers.Set(float64(len(h.conns)))

	h.events.LogEvent(logger.ViewerConnected,
		slog.String("conn", c.ID),
		slog.String("user", c.User))
	return true
}

func (h *Hub) unregister(c *Conn) {
	h.mu.Lock()
	delete(h.conns, c.ID)
	connectedViewers.Set(float64(len(h.conns)))
	h.mu.Unlock()

	h.events.LogEvent(logger.ViewerDisconnected,
		slog.String("conn", c.ID),
		slog.String("user", c.User),
		slog.Duration("connected_for", time.Since(c.ConnectedAt)))
}

// Len returns the number of connected viewers
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Viewers returns the users currently connected, one entry per connection
func (h *Hub) Viewers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c.User)
	}
	slices.Sort(out)
	return out
}

// Close disconnects every viewer and refuses new connections
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	h.cancel()
	h.wg.Wait()
}
