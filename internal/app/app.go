// Package app assembles an errorhub instance from its configuration and
// runs it until the context ends.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/armorclaw/errorhub/internal/outbox"
	"github.com/armorclaw/errorhub/pkg/backlog"
	"github.com/armorclaw/errorhub/pkg/config"
	"github.com/armorclaw/errorhub/pkg/discovery"
	"github.com/armorclaw/errorhub/pkg/domain"
	"github.com/armorclaw/errorhub/pkg/federation"
	"github.com/armorclaw/errorhub/pkg/health"
	apihttp "github.com/armorclaw/errorhub/pkg/http"
	"github.com/armorclaw/errorhub/pkg/hub"
	"github.com/armorclaw/errorhub/pkg/inbox"
	"github.com/armorclaw/errorhub/pkg/logger"
	"github.com/armorclaw/errorhub/pkg/query"
)

// App is one running errorhub instance
type App struct {
	cfg      *config.Config
	instance string
	log      *logger.Logger
	events   *logger.EventLogger
	registry *prometheus.Registry

	backlog backlog.Backlog
	store   domain.Store
	holder  *domain.Holder
	inbox   *inbox.Inbox
	factory *query.Factory
	hub     *hub.Hub

	bus        *federation.Server
	relay      *federation.Client
	outbox     *outbox.Outbox
	advertiser *discovery.Server

	monitor *health.Monitor
	http    *apihttp.Server
	cron    *cron.Cron

	mu      sync.RWMutex
	addr    net.Addr
	ready   chan struct{}
	started time.Time
}

// New builds every component selected by cfg. Nothing listens or runs in
// the background until Run.
func New(ctx context.Context, cfg *config.Config) (a *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	instance := cfg.Server.InstanceID
	if instance == "" {
		instance = uuid.NewString()
	}

	log := logger.Global().WithComponent("app")
	a = &App{
		cfg:      cfg,
		instance: instance,
		log:      log,
		events:   logger.NewEventLogger(log),
		registry: prometheus.NewRegistry(),
		ready:    make(chan struct{}),
	}
	defer func() {
		if err != nil {
			a.closeStores()
		}
	}()

	if err := a.registerMetrics(); err != nil {
		return nil, err
	}

	a.backlog, err = backlog.Open(cfg.Backlog)
	if err != nil {
		return nil, fmt.Errorf("open backlog: %w", err)
	}

	a.store, err = domain.OpenStore(cfg.Domain)
	if err != nil {
		return nil, fmt.Errorf("open membership store: %w", err)
	}
	a.holder, err = domain.NewHolder(ctx, a.store, domain.WithInstanceID(instance))
	if err != nil {
		return nil, fmt.Errorf("load membership: %w", err)
	}

	a.inbox = inbox.New(a.backlog, inbox.WithOrigin(instance))

	kinds := make([]query.Kind, 0, len(cfg.Hub.Queries))
	for _, name := range cfg.Hub.Queries {
		kind, err := query.ParseKind(name)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, kind)
	}
	a.factory = query.NewFactory(query.Targets{
		Errors:  a.inbox,
		Backlog: a.backlog,
		Domain:  a.holder,
	}, kinds...)
	a.hub = hub.New(a.factory, a.holder, hub.OptionsFrom(cfg.Hub))

	if err := a.buildFederation(ctx); err != nil {
		return nil, err
	}

	a.monitor = health.NewMonitor(health.MonitorConfig{
		CheckInterval: config.Duration(cfg.Health.Interval, 30*time.Second),
		Timeout:       config.Duration(cfg.Health.Timeout, 5*time.Second),
	})
	a.monitor.SetFailureHandler(func(name, reason string) {
		a.log.Warn("component unhealthy", "check", name, "reason", reason)
	})
	a.registerChecks()

	deps := apihttp.Deps{
		Inbox:    a.inbox,
		Backlog:  a.backlog,
		Domain:   a.holder,
		Hub:      a.hub,
		BusPath:  cfg.Federation.BusPath,
		Gatherer: a.registry,
		Info:     a.info,
	}
	if a.bus != nil {
		deps.Bus = a.bus
	}
	if cfg.Health.Enabled {
		deps.Health = a.monitor
	}
	a.http = apihttp.NewServer(cfg.Server, deps)

	if err := a.scheduleJobs(); err != nil {
		return nil, err
	}

	return a, nil
}

func (a *App) buildFederation(ctx context.Context) error {
	fc := a.cfg.Federation
	sink := federation.Sink{Inbox: a.inbox, Domain: a.holder}

	switch fc.Role {
	case config.RoleBackend:
		a.bus = federation.NewServer(a.inbox, a.holder, sink, federation.ServerOptions{
			Instance:     a.instance,
			WriteTimeout: config.Duration(a.cfg.Hub.WriteTimeout, 10*time.Second),
			PingInterval: config.Duration(a.cfg.Hub.PingInterval, 30*time.Second),
		})

	case config.RoleRelay:
		codec, err := federation.CodecByName(fc.Codec)
		if err != nil {
			return err
		}
		initial := config.Duration(fc.InitialInterval, 500*time.Millisecond)
		maxInterval := config.Duration(fc.MaxInterval, 30*time.Second)

		a.outbox, err = outbox.Open(ctx, outbox.Config{
			DBPath:         fc.OutboxPath,
			Peer:           "upstream",
			MaxAttempts:    fc.MaxAttempts,
			RetryBaseDelay: initial,
			RetryMaxDelay:  maxInterval,
		})
		if err != nil {
			return err
		}

		opts := federation.ClientOptions{
			Instance:        a.instance,
			Endpoint:        fc.Endpoint,
			Codec:           codec,
			InitialInterval: initial,
			MaxInterval:     maxInterval,
			WriteTimeout:    config.Duration(a.cfg.Hub.WriteTimeout, 10*time.Second),
			PingInterval:    config.Duration(a.cfg.Hub.PingInterval, 30*time.Second),
		}
		if fc.Endpoint == "" && fc.Discover {
			opts.Resolve = discovery.NewClient(fc.ServiceName).Resolve
		}
		a.relay, err = federation.NewClient(a.inbox, a.holder, sink, a.outbox, opts)
		if err != nil {
			return err
		}
	}
	return nil
}

func (a *App) registerMetrics() error {
	registrations := []func(prometheus.Registerer) error{
		inbox.RegisterMetrics,
		domain.RegisterMetrics,
		query.RegisterMetrics,
		hub.RegisterMetrics,
		federation.RegisterMetrics,
		outbox.RegisterMetrics,
		registerJobMetrics,
	}
	for _, register := range registrations {
		if err := register(a.registry); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
	}
	return a.registry.Register(collectors.NewGoCollector())
}

func (a *App) registerChecks() {
	a.monitor.Register("backlog", a.backlog.Ping)
	a.monitor.Register("inbox", func(context.Context) error {
		if !a.inbox.Running() {
			return errors.New("inbox is not running")
		}
		return nil
	})

	if a.outbox != nil {
		a.monitor.Register("outbox", func(ctx context.Context) error {
			h, err := a.outbox.Health(ctx)
			if err != nil {
				return err
			}
			if !h.Healthy {
				return fmt.Errorf("outbox %s: %d pending, %d failed", h.Status, h.Pending, h.Failed)
			}
			return nil
		})
	}
	if a.relay != nil {
		a.monitor.Register("federation", func(context.Context) error {
			st := a.relay.Status()
			if st.Connected {
				return nil
			}
			if st.LastError != "" {
				return fmt.Errorf("not connected: %s", st.LastError)
			}
			return errors.New("not connected")
		})
	}
}

// Instance returns the federation instance id
func (a *App) Instance() string { return a.instance }

// Addr returns the bound HTTP address once Run is listening
func (a *App) Addr() net.Addr {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.addr
}

// Ready is closed once the HTTP surface is listening
func (a *App) Ready() <-chan struct{} { return a.ready }

// Holder returns the membership graph
func (a *App) Holder() *domain.Holder { return a.holder }

// Backlog returns the error backlog
func (a *App) Backlog() backlog.Backlog { return a.backlog }

// Health returns the health monitor
func (a *App) Health() *health.Monitor { return a.monitor }

func (a *App) info() map[string]any {
	info := map[string]any{
		"instance": a.instance,
		"role":     a.cfg.Federation.Role,
		"version":  logger.Version,
		"viewers":  a.hub.Len(),
	}
	a.mu.RLock()
	if !a.started.IsZero() {
		info["uptime"] = time.Since(a.started).Round(time.Second).String()
	}
	a.mu.RUnlock()

	if a.bus != nil {
		info["peers"] = a.bus.Peers()
	}
	if a.relay != nil {
		info["upstream"] = a.relay.Status()
	}
	return info
}

// Run starts every component and blocks until ctx ends or a component
// fails, then shuts everything down in reverse order.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.Addr)
	if err != nil {
		a.shutdown()
		return fmt.Errorf("listen on %s: %w", a.cfg.Server.Addr, err)
	}

	a.mu.Lock()
	a.addr = ln.Addr()
	a.started = time.Now()
	a.mu.Unlock()

	a.inbox.Start()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if a.bus != nil {
		if err := a.bus.Start(runCtx); err != nil {
			_ = ln.Close()
			a.shutdown()
			return err
		}
		if a.cfg.Federation.Advertise {
			a.advertise(ln.Addr())
		}
	}
	if a.cfg.Health.Enabled {
		_ = a.monitor.Start()
	}
	a.cron.Start()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return a.http.Serve(ln) })
	if a.relay != nil {
		g.Go(func() error { return a.relay.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		a.stopHTTP()
		return nil
	})

	a.log.Info("errorhub started",
		"instance", a.instance,
		"role", a.cfg.Federation.Role,
		"addr", ln.Addr().String())
	close(a.ready)

	err = g.Wait()
	a.shutdown()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (a *App) advertise(addr net.Addr) {
	port := 0
	if _, p, err := net.SplitHostPort(addr.String()); err == nil {
		port, _ = strconv.Atoi(p)
	}
	adv, err := discovery.NewServer(discovery.ServerConfig{
		Service:  a.cfg.Federation.ServiceName,
		Instance: a.instance,
		Port:     port,
		BusPath:  a.cfg.Federation.BusPath,
		Codec:    a.cfg.Federation.Codec,
		Version:  logger.Version,
		TLS:      a.cfg.Server.TLS,
	})
	if err == nil {
		err = adv.Start()
	}
	if err != nil {
		a.log.Warn("mDNS advertisement disabled", "error", err)
		return
	}
	a.advertiser = adv
}

func (a *App) stopHTTP() {
	ctx, cancel := context.WithTimeout(context.Background(),
		config.Duration(a.cfg.Server.ShutdownTimeout, 10*time.Second))
	defer cancel()
	if err := a.http.Stop(ctx); err != nil {
		a.log.Warn("http shutdown", "error", err)
	}
}

// shutdown stops the components: federation, viewers, jobs, inbox drain,
// then the stores.
func (a *App) shutdown() {
	if a.advertiser != nil {
		_ = a.advertiser.Stop()
	}
	if a.bus != nil {
		a.bus.Close()
	}
	a.hub.Close()
	<-a.cron.Stop().Done()
	a.monitor.Stop()

	ctx, cancel := context.WithTimeout(context.Background(),
		config.Duration(a.cfg.Server.ShutdownTimeout, 10*time.Second))
	defer cancel()
	if err := a.inbox.Stop(ctx); err != nil {
		a.log.Warn("inbox did not drain", "error", err)
	}

	a.closeStores()
	a.log.Info("errorhub stopped", slog.String("instance", a.instance))
}

func (a *App) closeStores() {
	if a.holder != nil {
		a.holder.Close()
	}
	if a.outbox != nil {
		_ = a.outbox.Shutdown(context.Background())
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("close membership store", "error", err)
		}
	}
	if a.backlog != nil {
		if err := a.backlog.Close(); err != nil {
			a.log.Warn("close backlog", "error", err)
		}
	}
}
