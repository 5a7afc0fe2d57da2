// Package discovery provides mDNS/Bonjour advertisement and lookup of
// errorhub backends, letting relays find their bus without static config.
package discovery

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/mdns"

	"github.com/armorclaw/errorhub/pkg/logger"
)

const (
	// ServiceName is the mDNS service type of errorhub backends
	ServiceName = "_errorhub._tcp"

	// ServiceDomain is the mDNS domain
	ServiceDomain = "local."

	// DefaultPort is the default HTTP port
	DefaultPort = 8080

	// DiscoveryTimeout is how long to wait for discovery responses
	DiscoveryTimeout = 3 * time.Second
)

// TXT record keys
const (
	txtInstance = "instance"
	txtBusPath  = "bus_path"
	txtCodec    = "codec"
	txtTLS      = "tls"
	txtVersion  = "version"
)

// BackendInfo describes an advertised backend
type BackendInfo struct {
	Name     string            `json:"name"`
	Host     string            `json:"host"`
	Port     int               `json:"port"`
	IPs      []net.IP          `json:"ips"`
	TXT      map[string]string `json:"txt"`
	Instance string            `json:"instance"`
	BusPath  string            `json:"bus_path"`
	Codec    string            `json:"codec"`
	Version  string            `json:"version,omitempty"`
	TLS      bool              `json:"tls"`
}

// BusURL returns the websocket URL of the backend bus
func (b BackendInfo) BusURL() string {
	scheme := "ws"
	if b.TLS {
		scheme = "wss"
	}
	u := url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(b.Host, strconv.Itoa(b.Port)),
		Path:   b.BusPath,
	}
	return u.String()
}

// Server advertises a backend over mDNS
type Server struct {
	mu      sync.RWMutex
	server  *mdns.Server
	info    *BackendInfo
	service *mdns.MDNSService
	running bool
}

// ServerConfig contains configuration for the mDNS server
type ServerConfig struct {
	// Service is the mDNS service type (defaults to ServiceName)
	Service string
	// InstanceName is the service instance name (defaults to hostname)
	InstanceName string
	// Instance is the federation instance id of the backend
	Instance string
	// Port is the HTTP port serving the bus
	Port    int
	BusPath string
	Codec   string
	Version string
	TLS     bool
}

// NewServer prepares an advertisement. Nothing is announced until Start.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.BusPath == "" {
		cfg.BusPath = "/bus"
	}
	if cfg.Codec == "" {
		cfg.Codec = "json"
	}

	instanceName := cfg.InstanceName
	if instanceName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "errorhub"
		}
		instanceName = hostname
	}

	ips, err := LocalIPs()
	if err != nil {
		return nil, fmt.Errorf("failed to get local IPs: %w", err)
	}

	txt := txtRecords(cfg)
	service, err := mdns.NewMDNSService(
		instanceName,
		serviceType(cfg.Service),
		ServiceDomain,
		"",
		cfg.Port,
		ips,
		txt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create mDNS service: %w", err)
	}

	info := &BackendInfo{
		Name: instanceName,
		Port: cfg.Port,
		IPs:  ips,
		TXT:  make(map[string]string),
	}
	applyTXT(info, txt)

	return &Server{service: service, info: info}, nil
}

// Start begins answering mDNS queries
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: s.service})
	if err != nil {
		return fmt.Errorf("failed to create mDNS server: %w", err)
	}
	s.server = server
	s.running = true

	logger.Global().WithComponent("discovery").Info("advertising backend",
		"name", s.info.Name,
		"port", s.info.Port,
		"instance", s.info.Instance)
	return nil
}

// Stop withdraws the advertisement
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false

	if s.server != nil {
		err := s.server.Shutdown()
		s.server = nil
		return err
	}
	return nil
}

// Running reports whether the advertisement is active
func (s *Server) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Info returns the advertised backend
func (s *Server) Info() BackendInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return *s.info
}

// Client discovers backends on the network
type Client struct {
	service string
	timeout time.Duration
	query   func(*mdns.QueryParam) error
}

// NewClient creates a discovery client for service (defaults to ServiceName)
func NewClient(service string) *Client {
	return &Client{
		service: serviceType(service),
		timeout: DiscoveryTimeout,
		query:   mdns.Query,
	}
}

// SetTimeout sets the discovery timeout
func (c *Client) SetTimeout(timeout time.Duration) {
	c.timeout = timeout
}

// Discover finds all advertised backends on the local network
func (c *Client) Discover(ctx context.Context) ([]BackendInfo, error) {
	entriesCh := make(chan *mdns.ServiceEntry, 16)
	done := make(chan struct{})

	var backends []BackendInfo
	go func() {
		defer close(done)
		for entry := range entriesCh {
			if !strings.Contains(entry.Name, c.service) {
				continue
			}
			backends = append(backends, parseEntry(entry))
		}
	}()

	timeout := c.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	params := &mdns.QueryParam{
		Service:     c.service,
		Domain:      ServiceDomain,
		Timeout:     timeout,
		Entries:     entriesCh,
		DisableIPv6: false,
	}

	err := c.query(params)
	close(entriesCh)
	<-done

	if err != nil {
		return nil, fmt.Errorf("mDNS query failed: %w", err)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if len(backends) == 0 {
		return nil, fmt.Errorf("no errorhub backend found for %s", c.service)
	}
	return backends, nil
}

// DiscoverOne finds a single backend (the first one discovered)
func (c *Client) DiscoverOne(ctx context.Context) (*BackendInfo, error) {
	backends, err := c.Discover(ctx)
	if err != nil {
		return nil, err
	}
	return &backends[0], nil
}

// Resolve returns the bus URL of the first backend found. Its signature
// matches the federation relay resolver.
func (c *Client) Resolve(ctx context.Context) (string, error) {
	b, err := c.DiscoverOne(ctx)
	if err != nil {
		return "", err
	}
	return b.BusURL(), nil
}

// parseEntry converts an mDNS entry to BackendInfo
func parseEntry(entry *mdns.ServiceEntry) BackendInfo {
	info := BackendInfo{
		Name:    entry.Name,
		Port:    entry.Port,
		IPs:     []net.IP{},
		TXT:     make(map[string]string),
		BusPath: "/bus",
		Codec:   "json",
	}

	if entry.AddrV4 != nil {
		info.IPs = append(info.IPs, entry.AddrV4)
		info.Host = entry.AddrV4.String()
	}
	if entry.AddrV6 != nil {
		info.IPs = append(info.IPs, entry.AddrV6)
		if info.Host == "" {
			info.Host = entry.AddrV6.String()
		}
	}

	applyTXT(&info, entry.InfoFields)
	return info
}

func txtRecords(cfg ServerConfig) []string {
	txt := []string{
		txtBusPath + "=" + cfg.BusPath,
		txtCodec + "=" + cfg.Codec,
		txtTLS + "=" + strconv.FormatBool(cfg.TLS),
	}
	if cfg.Instance != "" {
		txt = append(txt, txtInstance+"="+cfg.Instance)
	}
	if cfg.Version != "" {
		txt = append(txt, txtVersion+"="+cfg.Version)
	}
	return txt
}

func applyTXT(info *BackendInfo, fields []string) {
	for _, field := range fields {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		info.TXT[key] = value
		switch key {
		case txtInstance:
			info.Instance = value
		case txtBusPath:
			info.BusPath = value
		case txtCodec:
			info.Codec = value
		case txtVersion:
			info.Version = value
		case txtTLS:
			info.TLS = value == "true"
		}
	}
}

func serviceType(service string) string {
	if service == "" {
		service = ServiceName
	}
	return strings.TrimSuffix(service, ".")
}

// LocalIPs returns the non-loopback addresses of the interfaces that are up
func LocalIPs() ([]net.IP, error) {
	var ips []net.IP

	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip == nil || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
				continue
			}
			ips = append(ips, ip)
		}
	}

	if len(ips) == 0 {
		return nil, fmt.Errorf("no suitable IP addresses found")
	}
	return ips, nil
}
