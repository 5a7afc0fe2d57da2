package federation

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	herrors "github.com/armorclaw/errorhub/pkg/errors"
	"github.com/armorclaw/errorhub/pkg/logger"
	"github.com/armorclaw/errorhub/pkg/model"
	"github.com/armorclaw/errorhub/pkg/query"
	"github.com/armorclaw/errorhub/pkg/stream"
)

// Membership is the holder side used by the backend
type Membership interface {
	ChangeApplier
	ChangeTapper
	GetClusters() []model.Cluster
}

// ServerOptions configures the backend bus endpoint
type ServerOptions struct {
	// Instance identifies this backend on the bus
	Instance string

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	ReadLimit        int64

	// MaxPending disconnects a relay whose outbound queue grows past it
	MaxPending int
}

// PeerInfo describes one connected relay
type PeerInfo struct {
	ID          string    `json:"id"`
	Instance    string    `json:"instance"`
	Codec       string    `json:"codec"`
	ConnectedAt time.Time `json:"connectedAt"`
	Pending     int       `json:"pending"`
}

// Server is the backend side of the bus
type Server struct {
	opts     ServerOptions
	errors   ErrorTapper
	domain   Membership
	sink     Sink
	upgrader websocket.Upgrader
	log      *logger.Logger
	events   *logger.EventLogger

	ctx    context.Context
	cancel context.CancelFunc

	// syncMu orders membership snapshots against live changes
	syncMu   sync.Mutex
	mu       sync.RWMutex
	peers    map[string]*peer
	closed   bool
	pipeline *query.Pipeline
	changes  *stream.Tap
	wg       sync.WaitGroup
}

// NewServer creates a backend endpoint. Errors are read from errors and
// inbound work is applied through sink.
func NewServer(errors ErrorTapper, domain Membership, sink Sink, opts ServerOptions) *Server {
	if opts.Instance == "" {
		opts.Instance = uuid.NewString()
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
	if opts.MaxPending <= 0 {
		opts.MaxPending = 10000
	}

	log := logger.Global().WithComponent("federation")
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		opts:   opts,
		errors: errors,
		domain: domain,
		sink:   sink,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		log:    log,
		events: logger.NewEventLogger(log),
		ctx:    ctx,
		cancel: cancel,
		peers:  make(map[string]*peer),
	}
}

// Instance returns the backend instance id
func (s *Server) Instance() string { return s.opts.Instance }

// Start begins relaying local errors and membership changes to peers
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return herrors.ErrBusUnavailable
	}
	if s.pipeline != nil {
		return nil
	}

	pipeline, err := query.RunAllErrors(ctx, query.Targets{Errors: s.errors}, s)
	if err != nil {
		return err
	}
	s.pipeline = pipeline
	s.changes = s.domain.TapChanges("federation-backend", s.onChange)
	return nil
}

var _ query.ErrorNotifier = (*Server)(nil)

// Error implements query.ErrorNotifier. The payload goes to every peer
// except the one it originated on.
func (s *Server) Error(_ string, p model.ErrorPayload) error {
	s.broadcast(errorFrame(p), p.Origin)
	return nil
}

func (s *Server) onChange(c model.ClusterChange) {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	s.broadcast(clusterFrame(c), c.Origin)
}

func (s *Server) broadcast(f Frame, origin string) {
	encoded := make(map[string][]byte, 2)

	s.mu.RLock()
	var slow []*peer
	for _, p := range s.peers {
		if p.instance == origin {
			continue
		}
		data, ok := encoded[p.codec.Name()]
		if !ok {
			var err error
			if data, err = p.codec.Marshal(f); err != nil {
				frameFailures.WithLabelValues("out").Inc()
				s.log.Warn("frame encoding failed", slog.String("frame", f.Name), slog.String("error", err.Error()))
				continue
			}
			encoded[p.codec.Name()] = data
		}
		if !p.push(data, s.opts.MaxPending) {
			slow = append(slow, p)
			continue
		}
		frames.WithLabelValues("out", f.Name).Inc()
	}
	s.mu.RUnlock()

	for _, p := range slow {
		p.log.Warn("relay too slow, disconnecting", slog.Int("pending", p.out.Pending()))
		go p.close()
	}
}

// ServeHTTP accepts a relay on the bus path and blocks until it leaves
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.isClosed() {
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("bus upgrade failed", slog.String("error", err.Error()))
		return
	}
	ws.SetReadLimit(s.opts.ReadLimit)

	p, err := s.handshake(ws)
	if err != nil {
		s.log.Warn("bus handshake failed", slog.String("remote", r.RemoteAddr), slog.String("error", err.Error()))
		_ = ws.Close()
		return
	}

	if !s.register(p) {
		p.close()
		return
	}
	defer s.unregister(p)

	go p.writeLoop(s.opts.WriteTimeout, s.opts.PingInterval)
	s.readLoop(p)
}

// handshake expects a hello from the relay and answers with our own
func (s *Server) handshake(ws *websocket.Conn) (*peer, error) {
	_ = ws.SetReadDeadline(time.Now().Add(s.opts.HandshakeTimeout))
	mt, data, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	codec := codecFor(mt)
	f, err := decodeFrame(codec, data)
	if err != nil {
		return nil, herrors.ErrBusProtocol("", err)
	}
	if f.Name != FrameHello {
		return nil, herrors.ErrBusProtocol("", errUnexpected(f.Name))
	}
	if f.Instance == s.opts.Instance {
		return nil, herrors.ErrBusProtocol(f.Instance, errSelf)
	}

	reply, err := codec.Marshal(helloFrame(s.opts.Instance))
	if err != nil {
		return nil, err
	}
	_ = ws.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	if err := ws.WriteMessage(codec.MessageType(), reply); err != nil {
		return nil, err
	}
	frames.WithLabelValues("in", FrameHello).Inc()

	return newPeer(uuid.NewString(), f.Instance, codec, ws), nil
}

// register adds p and queues the current membership for it. The snapshot
// is taken under syncMu so no live change is queued ahead of older state.
func (s *Server) register(p *peer) bool {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.peers[p.id] = p
	s.wg.Add(1)
	n := len(s.peers)
	s.mu.Unlock()

	for _, f := range clusterFrames(s.domain.GetClusters(), s.opts.Instance) {
		data, err := p.codec.Marshal(f)
		if err != nil {
			frameFailures.WithLabelValues("out").Inc()
			continue
		}
		p.out.Push(data)
	}

	connectedPeers.Set(float64(n))
	s.events.LogEvent(logger.PeerConnected,
		slog.String("peer", p.instance),
		slog.String("codec", p.codec.Name()),
		slog.String("conn", p.id))
	return true
}

func (s *Server) unregister(p *peer) {
	p.close()

	s.mu.Lock()
	_, ok := s.peers[p.id]
	delete(s.peers, p.id)
	n := len(s.peers)
	s.mu.Unlock()

	if !ok {
		return
	}
	connectedPeers.Set(float64(n))
	s.events.LogEvent(logger.PeerDisconnected,
		slog.String("peer", p.instance),
		slog.String("conn", p.id))
	s.wg.Done()
}

func (s *Server) readLoop(p *peer) {
	wait := 2 * s.opts.PingInterval
	_ = p.ws.SetReadDeadline(time.Now().Add(wait))
	p.ws.SetPongHandler(func(string) error {
		return p.ws.SetReadDeadline(time.Now().Add(wait))
	})

	for {
		mt, data, err := p.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				p.log.Debug("relay read failed", slog.String("error", err.Error()))
			}
			return
		}
		_ = p.ws.SetReadDeadline(time.Now().Add(wait))

		f, err := decodeFrame(codecFor(mt), data)
		if err != nil {
			frameFailures.WithLabelValues("in").Inc()
			p.log.Warn("dropping relay", slog.String("error", herrors.ErrBusProtocol(p.instance, err).Error()))
			return
		}
		frames.WithLabelValues("in", f.Name).Inc()
		if f.Name == FrameHello {
			continue
		}

		if err := s.sink.apply(s.ctx, p.instance, f); err != nil {
			frameFailures.WithLabelValues("in").Inc()
			p.log.Warn("inbound frame rejected",
				slog.String("frame", f.Name),
				slog.String("error", err.Error()))
		}
	}
}

// Peers lists the connected relays
func (s *Server) Peers() []PeerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]PeerInfo, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, PeerInfo{
			ID:          p.id,
			Instance:    p.instance,
			Codec:       p.codec.Name(),
			ConnectedAt: p.connectedAt,
			Pending:     p.out.Pending(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

// Len returns the number of connected relays
func (s *Server) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

func (s *Server) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Close stops relaying and disconnects every peer
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	pipeline, changes := s.pipeline, s.changes
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	if changes != nil {
		changes.Close()
	}
	if pipeline != nil {
		pipeline.Close()
	}
	s.cancel()
	for _, p := range peers {
		p.close()
	}
	s.wg.Wait()
	connectedPeers.Set(0)
}

// peer is one connected relay as seen by the backend
type peer struct {
	id          string
	instance    string
	codec       Codec
	connectedAt time.Time
	ws          *websocket.Conn
	out         *stream.Mailbox[[]byte]
	log         *logger.Logger
	closeOnce   sync.Once
}

func newPeer(id, instance string, codec Codec, ws *websocket.Conn) *peer {
	return &peer{
		id:          id,
		instance:    instance,
		codec:       codec,
		connectedAt: time.Now(),
		ws:          ws,
		out:         stream.NewMailbox[[]byte](),
		log:         logger.Global().WithComponent("federation").WithPeer(instance),
	}
}

func (p *peer) push(data []byte, maxPending int) bool {
	if p.out.Pending() >= maxPending {
		return false
	}
	return p.out.Push(data)
}

func (p *peer) writeLoop(writeTimeout, pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-p.out.C():
			if !ok {
				return
			}
			_ = p.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := p.ws.WriteMessage(p.codec.MessageType(), data); err != nil {
				p.log.Debug("relay write failed", slog.String("error", err.Error()))
				go p.close()
				return
			}

		case <-ticker.C:
			_ = p.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := p.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				go p.close()
				return
			}
		}
	}
}

// close stops the writer and releases the socket. The read loop then fails
// and unregisters the peer.
func (p *peer) close() {
	p.closeOnce.Do(func() {
		p.out.Close()
		_ = p.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = p.ws.Close()
	})
}
