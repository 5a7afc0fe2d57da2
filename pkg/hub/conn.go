package hub

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	herrors "github.com/armorclaw/errorhub/pkg/errors"
	"github.com/armorclaw/errorhub/pkg/logger"
	"github.com/armorclaw/errorhub/pkg/model"
	"github.com/armorclaw/errorhub/pkg/query"
)

// Conn is one connected viewer. It implements query.FrontendNotifier.
type Conn struct {
	ID          string
	User        string
	ConnectedAt time.Time

	ws   *websocket.Conn
	send chan []byte
	log  *logger.Logger

	mu      sync.Mutex
	groups  map[string]struct{} // applications announced to the viewer
	muted   map[string]struct{} // applications silenced through monitor
	session *query.Session

	done      chan struct{}
	closeOnce sync.Once
}

func newConn(id, user string, ws *websocket.Conn, buffer int) *Conn {
	return &Conn{
		ID:          id,
		User:        user,
		ConnectedAt: time.Now(),
		ws:          ws,
		send:        make(chan []byte, buffer),
		log:         logger.Global().WithComponent("hub").WithUser(user),
		groups:      make(map[string]struct{}),
		muted:       make(map[string]struct{}),
		done:        make(chan struct{}),
	}
}

var _ query.FrontendNotifier = (*Conn)(nil)

// Error implements query.ErrorNotifier. The pipeline has already filtered by
// visibility; only muted applications are dropped here.
func (c *Conn) Error(_ string, p model.ErrorPayload) error {
	if c.isMuted(p.SourceID) {
		droppedMessages.WithLabelValues("muted").Inc()
		return nil
	}
	return c.emit(EventError, p)
}

// Recap implements query.RecapNotifier
func (c *Conn) Recap(_ string, r model.Recap) error {
	return c.emit(EventRecap, r)
}

// Measure implements query.RecapNotifier
func (c *Conn) Measure(_ string, a model.RecapAggregate) error {
	if c.isMuted(a.SourceID) {
		droppedMessages.WithLabelValues("muted").Inc()
		return nil
	}
	return c.emit(EventMeasure, a)
}

// Applications implements query.ApplicationsNotifier and keeps the group
// membership in step with the viewer's visible set.
func (c *Conn) Applications(_ string, added, removed []string) error {
	c.mu.Lock()
	for _, a := range added {
		c.groups[a] = struct{}{}
	}
	for _, a := range removed {
		delete(c.groups, a)
		delete(c.muted, a)
	}
	c.mu.Unlock()

	return c.emit(EventApplications, added, removed)
}

// Monitor unmutes subscribe and mutes unsubscribe and returns the groups the
// connection now receives. Unmuting never makes an invisible application
// visible.
func (c *Conn) Monitor(subscribe, unsubscribe []string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, a := range subscribe {
		delete(c.muted, a)
	}
	for _, a := range unsubscribe {
		c.muted[a] = struct{}{}
	}
	return c.receivingLocked()
}

// Groups returns the applications currently delivered to the connection
func (c *Conn) Groups() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.receivingLocked()
}

func (c *Conn) receivingLocked() []string {
	out := make([]string, 0, len(c.groups))
	for a := range c.groups {
		if _, muted := c.muted[a]; !muted {
			out = append(out, a)
		}
	}
	sort.Strings(out)
	return out
}

func (c *Conn) isMuted(app string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, muted := c.muted[app]
	return muted
}

// emit queues an event without blocking. A full buffer fails the call so the
// pipeline feeding the connection stops.
func (c *Conn) emit(event string, args ...any) error {
	data, err := encode(event, args...)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		droppedMessages.WithLabelValues("closed").Inc()
		return herrors.ErrConnectionClosed
	default:
	}

	select {
	case c.send <- data:
		sentMessages.WithLabelValues(event).Inc()
		return nil
	default:
		droppedMessages.WithLabelValues("buffer_full").Inc()
		return herrors.ErrSendBufferFull(c.ID)
	}
}

// Close stops the viewer session and the socket. It must not be called from
// a notifier method.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		session := c.session
		c.mu.Unlock()
		if session != nil {
			session.Close()
		}
		close(c.done)
		if c.ws != nil {
			_ = c.ws.Close()
		}
	})
}

// Done is closed once the connection is closed
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) setSession(s *query.Session) {
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
}

// writePump drains the send buffer to the socket and keeps it alive with pings
func (c *Conn) writePump(writeTimeout, pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			_ = c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case message := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Debug("write failed", slog.String("conn", c.ID), slog.String("error", err.Error()))
				go c.Close()
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				go c.Close()
				return
			}
		}
	}
}
