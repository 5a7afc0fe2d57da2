// Package http serves the errorhub HTTP surface: error submission, the
// membership admin API, recaps, the viewer and federation websockets,
// health and metrics.
package http

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/armorclaw/errorhub/pkg/backlog"
	"github.com/armorclaw/errorhub/pkg/config"
	"github.com/armorclaw/errorhub/pkg/discovery"
	"github.com/armorclaw/errorhub/pkg/domain"
	"github.com/armorclaw/errorhub/pkg/health"
	"github.com/armorclaw/errorhub/pkg/logger"
	"github.com/armorclaw/errorhub/pkg/model"
)

// Submitter accepts error payloads
type Submitter interface {
	Post(ctx context.Context, payload model.ErrorPayload) (model.ErrorPayload, error)
}

// HealthReporter exposes the last health report
type HealthReporter interface {
	Snapshot() health.Report
}

// Deps are the components served over HTTP. Hub and Bus may be nil.
type Deps struct {
	Inbox    Submitter
	Backlog  backlog.Backlog
	Domain   *domain.Holder
	Hub      http.Handler
	Bus      http.Handler
	BusPath  string
	Health   HealthReporter
	Gatherer prometheus.Gatherer

	// Info adds instance details to GET /info
	Info func() map[string]any
}

// Server is the HTTP(S) server of an errorhub instance
type Server struct {
	config     config.ServerConfig
	deps       Deps
	router     *gin.Engine
	limiter    *sourceLimiter
	httpServer *http.Server
	log        *logger.Logger

	mu      sync.RWMutex
	certPEM []byte
	keyPEM  []byte
	addr    net.Addr
}

// NewServer builds the router. Nothing listens until Start.
func NewServer(cfg config.ServerConfig, deps Deps) *Server {
	if deps.BusPath == "" {
		deps.BusPath = "/bus"
	}
	s := &Server{
		config:  cfg,
		deps:    deps,
		limiter: newSourceLimiter(cfg.SubmitRate, cfg.SubmitBurst),
		log:     logger.Global().WithComponent("http"),
	}
	s.router = s.routes()
	return s
}

// Handler returns the router
func (s *Server) Handler() http.Handler { return s.router }

// Addr returns the bound address once Start is listening
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

// Start listens on the configured address and serves until Stop
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Stop
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  config.Duration(s.config.ReadTimeout, 15*time.Second),
		WriteTimeout: config.Duration(s.config.WriteTimeout, 15*time.Second),
		IdleTimeout:  120 * time.Second,
	}

	if s.config.TLS {
		if err := s.loadOrGenerateCerts(); err != nil {
			_ = ln.Close()
			return fmt.Errorf("failed to setup certificates: %w", err)
		}
		cert, err := tls.X509KeyPair(s.certPEM, s.keyPEM)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("failed to load certificate: %w", err)
		}
		srv.TLSConfig = &tls.Config{
			MinVersion:   tls.VersionTLS13,
			Certificates: []tls.Certificate{cert},
			CurvePreferences: []tls.CurveID{
				tls.X25519,
				tls.CurveP256,
			},
		}
		ln = tls.NewListener(ln, srv.TLSConfig)
	}

	s.mu.Lock()
	s.httpServer = srv
	s.addr = ln.Addr()
	s.mu.Unlock()

	s.log.Info("serving", "addr", ln.Addr().String(), "tls", s.config.TLS)

	err := srv.Serve(ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down. Hijacked websockets are closed by
// their owners.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.RLock()
	srv := s.httpServer
	s.mu.RUnlock()

	if srv == nil {
		return nil
	}
	s.log.Info("stopping")
	return srv.Shutdown(ctx)
}

// SweepLimiters forgets the rate limiters of sources idle for longer than idle
func (s *Server) SweepLimiters(idle time.Duration) int {
	return s.limiter.sweep(time.Now().Add(-idle))
}

// GetCertificatePEM returns the certificate in PEM format
func (s *Server) GetCertificatePEM() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.certPEM
}

// GetCertificateFingerprint returns the SHA-256 fingerprint of the certificate
func (s *Server) GetCertificateFingerprint() (string, error) {
	s.mu.RLock()
	certPEM := s.certPEM
	s.mu.RUnlock()

	block, _ := pem.Decode(certPEM)
	if block == nil {
		return "", fmt.Errorf("failed to decode certificate PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return "", fmt.Errorf("failed to parse certificate: %w", err)
	}

	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:]), nil
}

func (s *Server) loadOrGenerateCerts() error {
	certFile := s.config.CertFile
	keyFile := s.config.KeyFile
	if certFile == "" {
		certFile = filepath.Join(s.config.CertDir, "errorhub.crt")
	}
	if keyFile == "" {
		keyFile = filepath.Join(s.config.CertDir, "errorhub.key")
	}

	if _, err := os.Stat(certFile); err == nil {
		if _, err := os.Stat(keyFile); err == nil {
			certPEM, err := os.ReadFile(certFile)
			if err != nil {
				return fmt.Errorf("failed to read certificate: %w", err)
			}
			keyPEM, err := os.ReadFile(keyFile)
			if err != nil {
				return fmt.Errorf("failed to read key: %w", err)
			}

			s.mu.Lock()
			s.certPEM, s.keyPEM = certPEM, keyPEM
			s.mu.Unlock()

			s.log.Info("loaded certificate", "path", certFile)
			return nil
		}
	}

	s.log.Info("generating self-signed certificate")
	certPEM, keyPEM, err := s.generateSelfSignedCert()
	if err != nil {
		return fmt.Errorf("failed to generate certificate: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(certFile), 0700); err != nil {
		return fmt.Errorf("failed to create cert directory: %w", err)
	}
	if err := os.WriteFile(certFile, certPEM, 0644); err != nil {
		return fmt.Errorf("failed to write certificate: %w", err)
	}
	if err := os.WriteFile(keyFile, keyPEM, 0600); err != nil {
		return fmt.Errorf("failed to write key: %w", err)
	}

	s.mu.Lock()
	s.certPEM, s.keyPEM = certPEM, keyPEM
	s.mu.Unlock()

	s.log.Info("saved certificate", "path", certFile)
	return nil
}

func (s *Server) generateSelfSignedCert() ([]byte, []byte, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	ips, err := discovery.LocalIPs()
	if err != nil {
		ips = nil
	}
	ips = append(ips, net.ParseIP("127.0.0.1"))

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate serial: %w", err)
	}

	hostname := s.config.Hostname
	if hostname == "" {
		hostname = "errorhub.local"
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"errorhub"},
			CommonName:   hostname,
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{hostname, "localhost"},
		IPAddresses:           ips,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	keyDER, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	return certPEM, keyPEM, nil
}
