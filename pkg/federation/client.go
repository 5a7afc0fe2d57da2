package federation

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/armorclaw/errorhub/internal/outbox"
	herrors "github.com/armorclaw/errorhub/pkg/errors"
	"github.com/armorclaw/errorhub/pkg/logger"
	"github.com/armorclaw/errorhub/pkg/model"
	"github.com/armorclaw/errorhub/pkg/stream"
)

// Resolver finds the backend bus URL, e.g. through mDNS
type Resolver func(ctx context.Context) (string, error)

// ClientOptions configures a relay
type ClientOptions struct {
	// Instance identifies this relay; only work originating here is sent upstream
	Instance string

	// Endpoint is the backend bus URL. Resolve is used when it is empty.
	Endpoint string
	Resolve  Resolver

	Codec Codec

	InitialInterval time.Duration
	MaxInterval     time.Duration

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	ReadLimit        int64

	// PollInterval bounds how long queued frames wait when no new work arrives
	PollInterval time.Duration
	BatchSize    int
}

// Status describes the upstream link
type Status struct {
	Connected bool      `json:"connected"`
	Endpoint  string    `json:"endpoint,omitempty"`
	Upstream  string    `json:"upstream,omitempty"`
	Since     time.Time `json:"since,omitempty"`
	LastError string    `json:"lastError,omitempty"`
}

// Client is the relay side of the bus. Locally originated errors and
// membership changes are persisted in the outbox and delivered upstream
// whenever the backend is reachable; inbound frames are applied locally.
type Client struct {
	opts    ClientOptions
	errors  ErrorTapper
	changes ChangeTapper
	sink    Sink
	box     *outbox.Outbox
	log     *logger.Logger
	events  *logger.EventLogger

	pending *stream.Mailbox[Frame]
	kick    chan struct{}
	running atomic.Bool

	mu     sync.RWMutex
	status Status
}

// NewClient creates a relay. It does nothing until Run.
func NewClient(errors ErrorTapper, changes ChangeTapper, sink Sink, box *outbox.Outbox, opts ClientOptions) (*Client, error) {
	if opts.Instance == "" {
		return nil, herrors.ErrInvalidConfig("server.instance_id", "relay requires an instance id")
	}
	if opts.Endpoint == "" && opts.Resolve == nil {
		return nil, herrors.ErrInvalidConfig("federation.endpoint", "relay requires an endpoint or discovery")
	}
	if box == nil {
		return nil, herrors.ErrInvalidConfig("federation.outbox_path", "relay requires an outbox")
	}
	if opts.Codec == nil {
		opts.Codec = JSON
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 500 * time.Millisecond
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = 30 * time.Second
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 1 << 20
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}

	log := logger.Global().WithComponent("federation")
	return &Client{
		opts:    opts,
		errors:  errors,
		changes: changes,
		sink:    sink,
		box:     box,
		log:     log,
		events:  logger.NewEventLogger(log),
		pending: stream.NewMailbox[Frame](),
		kick:    make(chan struct{}, 1),
	}, nil
}

// Status reports the upstream link
func (c *Client) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Connected reports whether a backend link is established
func (c *Client) Connected() bool {
	return c.Status().Connected
}

// Run relays until ctx is cancelled. Connection failures are retried
// forever; only a misconfiguration ends Run with an error.
func (c *Client) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("relay is already running")
	}

	errTap := c.errors.Tap("federation-relay", func(p model.ErrorPayload) {
		if p.Origin == c.opts.Instance {
			c.pending.Push(errorFrame(p))
		}
	})
	defer errTap.Close()
	changeTap := c.changes.TapChanges("federation-relay", func(ch model.ClusterChange) {
		if ch.Origin == c.opts.Instance {
			c.pending.Push(clusterFrame(ch))
		}
	})
	defer changeTap.Close()
	defer c.pending.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.forward(gctx) })
	g.Go(func() error { return c.connectLoop(gctx) })

	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// forward persists locally originated frames in the outbox
func (c *Client) forward(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-c.pending.C():
			if !ok {
				return nil
			}
			c.enqueue(ctx, f)
		}
	}
}

func (c *Client) enqueue(ctx context.Context, f Frame) {
	data, err := c.opts.Codec.Marshal(f)
	if err != nil {
		frameFailures.WithLabelValues("out").Inc()
		c.log.Warn("frame encoding failed", slog.String("frame", f.Name), slog.String("error", err.Error()))
		return
	}
	if _, err := c.box.Enqueue(ctx, f.Name, data); err != nil {
		frameFailures.WithLabelValues("out").Inc()
		c.log.Error("frame not queued", slog.String("frame", f.Name), slog.String("error", err.Error()))
		return
	}

	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (c *Client) connectLoop(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.InitialInterval
	b.MaxInterval = c.opts.MaxInterval

	for {
		attempt := 0
		ws, err := backoff.Retry(ctx,
			func() (*websocket.Conn, error) {
				attempt++
				return c.dial(ctx, attempt)
			},
			backoff.WithBackOff(b),
			backoff.WithMaxElapsedTime(0),
			backoff.WithNotify(func(err error, next time.Duration) {
				reconnects.Inc()
				c.setError(err)
				c.events.LogEvent(logger.PeerRetry,
					slog.String("error", err.Error()),
					slog.Duration("next", next))
			}))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		b.Reset()

		err = c.session(ctx, ws)
		if ctx.Err() != nil {
			return nil
		}
		c.setError(err)
	}
}

func (c *Client) dial(ctx context.Context, attempt int) (*websocket.Conn, error) {
	endpoint := c.opts.Endpoint
	if endpoint == "" {
		resolved, err := c.opts.Resolve(ctx)
		if err != nil {
			return nil, herrors.ErrBusDial("", attempt, err)
		}
		endpoint = resolved
	}
	endpoint, err := busURL(endpoint)
	if err != nil {
		return nil, backoff.Permanent(herrors.ErrInvalidConfig("federation.endpoint", err.Error()))
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.opts.HandshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, herrors.ErrBusDial(endpoint, attempt, err)
	}
	ws.SetReadLimit(c.opts.ReadLimit)

	upstream, err := c.handshake(ws)
	if err != nil {
		_ = ws.Close()
		if errors.Is(err, errSelf) {
			return nil, backoff.Permanent(herrors.ErrBusProtocol(upstream, err))
		}
		return nil, herrors.ErrBusDial(endpoint, attempt, err)
	}

	c.mu.Lock()
	c.status = Status{Connected: true, Endpoint: endpoint, Upstream: upstream, Since: time.Now()}
	c.mu.Unlock()
	return ws, nil
}

func (c *Client) handshake(ws *websocket.Conn) (string, error) {
	hello, err := c.opts.Codec.Marshal(helloFrame(c.opts.Instance))
	if err != nil {
		return "", err
	}
	_ = ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := ws.WriteMessage(c.opts.Codec.MessageType(), hello); err != nil {
		return "", err
	}

	_ = ws.SetReadDeadline(time.Now().Add(c.opts.HandshakeTimeout))
	mt, data, err := ws.ReadMessage()
	if err != nil {
		return "", err
	}
	f, err := decodeFrame(codecFor(mt), data)
	if err != nil {
		return "", err
	}
	if f.Name != FrameHello {
		return "", errUnexpected(f.Name)
	}
	if f.Instance == c.opts.Instance {
		return f.Instance, errSelf
	}
	frames.WithLabelValues("in", FrameHello).Inc()
	return f.Instance, nil
}

// session runs one established link until either direction fails
func (c *Client) session(ctx context.Context, ws *websocket.Conn) error {
	upstream := c.Status().Upstream
	upstreamConnected.Set(1)
	c.events.LogEvent(logger.PeerConnected, slog.String("peer", upstream))

	sctx, cancel := context.WithCancel(ctx)
	errc := make(chan error, 2)
	go func() { errc <- c.readLoop(sctx, ws, upstream) }()
	go func() { errc <- c.sendLoop(sctx, ws) }()

	err := <-errc
	cancel()
	_ = ws.Close()
	<-errc

	c.mu.Lock()
	c.status.Connected = false
	c.mu.Unlock()
	upstreamConnected.Set(0)

	attrs := []slog.Attr{slog.String("peer", upstream)}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	c.events.LogEvent(logger.PeerDisconnected, attrs...)
	return err
}

func (c *Client) readLoop(ctx context.Context, ws *websocket.Conn, upstream string) error {
	wait := 2*c.opts.PingInterval + c.opts.WriteTimeout
	_ = ws.SetReadDeadline(time.Now().Add(wait))
	ws.SetPingHandler(func(data string) error {
		_ = ws.SetReadDeadline(time.Now().Add(wait))
		err := ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.opts.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		_ = ws.SetReadDeadline(time.Now().Add(wait))

		f, err := decodeFrame(codecFor(mt), data)
		if err != nil {
			frameFailures.WithLabelValues("in").Inc()
			return herrors.ErrBusProtocol(upstream, err)
		}
		frames.WithLabelValues("in", f.Name).Inc()
		if f.Name == FrameHello {
			continue
		}

		if err := c.sink.apply(ctx, upstream, f); err != nil {
			frameFailures.WithLabelValues("in").Inc()
			c.log.Warn("inbound frame rejected",
				slog.String("frame", f.Name),
				slog.String("error", err.Error()))
		}
	}
}

// sendLoop delivers the outbox upstream in FIFO order
func (c *Client) sendLoop(ctx context.Context, ws *websocket.Conn) error {
	poll := time.NewTicker(c.opts.PollInterval)
	defer poll.Stop()

	for {
		if ctx.Err() != nil {
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return nil
		}

		batch, err := c.box.DequeueBatch(ctx, c.opts.BatchSize)
		if err != nil && !errors.Is(err, outbox.ErrCircuitOpen) {
			c.log.Warn("outbox read failed", slog.String("error", err.Error()))
		}
		if len(batch) > 0 {
			if err := c.deliver(ctx, ws, batch); err != nil {
				return err
			}
			continue
		}

		select {
		case <-ctx.Done():
		case <-c.kick:
		case <-poll.C:
		}
	}
}

func (c *Client) deliver(ctx context.Context, ws *websocket.Conn, batch []*outbox.Message) error {
	bg := context.WithoutCancel(ctx)
	for i, m := range batch {
		_ = ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
		if err := ws.WriteMessage(c.opts.Codec.MessageType(), m.Body); err != nil {
			if _, nerr := c.box.Nack(bg, m.ID, err); nerr != nil {
				c.log.Warn("outbox nack failed", slog.String("id", m.ID), slog.String("error", nerr.Error()))
			}
			rest := make([]string, 0, len(batch)-i-1)
			for _, r := range batch[i+1:] {
				rest = append(rest, r.ID)
			}
			if rerr := c.box.Release(bg, rest...); rerr != nil {
				c.log.Warn("outbox release failed", slog.String("error", rerr.Error()))
			}
			return err
		}
		frames.WithLabelValues("out", m.Kind).Inc()
		if err := c.box.Ack(bg, m.ID); err != nil {
			c.log.Warn("outbox ack failed", slog.String("id", m.ID), slog.String("error", err.Error()))
		}
	}
	return nil
}

func (c *Client) setError(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	c.status.LastError = err.Error()
	c.mu.Unlock()
}

// busURL normalizes an http(s) or ws(s) endpoint into a websocket URL
func busURL(endpoint string) (string, error) {
	if !strings.Contains(endpoint, "://") {
		endpoint = "ws://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", errors.New("unsupported scheme " + u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("missing host")
	}
	return u.String(), nil
}
