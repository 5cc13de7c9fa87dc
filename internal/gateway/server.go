package gateway

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wudi/authgate/internal/config"
	"github.com/wudi/authgate/internal/filecache"
	"github.com/wudi/authgate/internal/forward"
	"github.com/wudi/authgate/internal/handshake"
	"github.com/wudi/authgate/internal/logging"
	"github.com/wudi/authgate/internal/metrics"
)

// Server hosts the gateway behind the HTTPS listener, plus the optional
// admin listener, and keeps the configuration snapshot fresh.
type Server struct {
	store      *config.Store
	cache      *filecache.Cache
	gateway    *Gateway
	collector  *metrics.Collector
	proxySrv   *http.Server
	adminSrv   *http.Server
	certPtr    atomic.Pointer[tls.Certificate] // for hot TLS cert reload
	configPath string
	log        *zap.Logger

	loginMu   sync.Mutex
	loginPath string // login asset path currently subscribed
}

// NewServer reads the configuration through cache and assembles the server.
// cache outlives the server; the caller closes it.
func NewServer(configPath string, cache *filecache.Cache) (*Server, error) {
	raw, err := cache.ReadFile(context.Background(), configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}
	cfg, err := config.Parse(raw)
	if err != nil {
		return nil, err
	}

	forwarder, err := forward.New(forward.Config{
		TransportCfg: forward.TransportConfig{TrustStorePath: cfg.SSL.TrustStorePath},
	})
	if err != nil {
		return nil, err
	}

	store := config.NewStore(cfg)
	collector := metrics.NewCollector()

	s := &Server{
		store:      store,
		cache:      cache,
		collector:  collector,
		configPath: configPath,
		log:        logging.Global(),
	}
	s.gateway = New(store, cache, handshake.New(nil), forwarder, collector)

	s.proxySrv = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.SSL.ProxyHTTPSPort),
		Handler: s.gateway.Handler(),
		// No write timeout: response bodies stream for as long as the
		// backend keeps sending.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	if cfg.SSL.KeyStorePath != "" {
		if err := s.loadCertificate(cfg.SSL.KeyStorePath); err != nil {
			return nil, err
		}
		s.proxySrv.TLSConfig = &tls.Config{
			GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
				return s.certPtr.Load(), nil
			},
			MinVersion: tls.VersionTLS12,
		}
	}

	if cfg.Admin.Enabled {
		s.adminSrv = &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Admin.Port),
			Handler:      s.adminHandler(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
	}

	if err := cache.Subscribe(configPath, s.reload); err != nil {
		return nil, fmt.Errorf("failed to watch configuration: %w", err)
	}
	s.watchLoginPage(cfg.LoginPagePath)

	return s, nil
}

// watchLoginPage subscribes the login asset so an edit invalidates the
// cached copy and the next request re-reads it. Called again on reload in
// case the configured path moved.
func (s *Server) watchLoginPage(path string) {
	s.loginMu.Lock()
	defer s.loginMu.Unlock()

	if path == "" || path == s.loginPath {
		return
	}
	if err := s.cache.Subscribe(path, func() {}); err != nil {
		s.log.Error("failed to watch login page", zap.String("path", path), zap.Error(err))
		return
	}
	s.loginPath = path
}

// Gateway exposes the dispatch pipeline (used by tests and embedders).
func (s *Server) Gateway() *Gateway {
	return s.gateway
}

// Store exposes the configuration store.
func (s *Server) Store() *config.Store {
	return s.store
}

// loadCertificate loads the key store PEM bundle (certificate plus private
// key in one file) and publishes it for the TLS listener.
func (s *Server) loadCertificate(keyStorePath string) error {
	raw, err := s.cache.ReadFile(context.Background(), keyStorePath)
	if err != nil {
		return fmt.Errorf("failed to read key store: %w", err)
	}
	cert, err := tls.X509KeyPair(raw, raw)
	if err != nil {
		return fmt.Errorf("failed to load key store: %w", err)
	}
	s.certPtr.Store(&cert)
	return nil
}

// reload re-reads and swaps the configuration snapshot. A failed reload
// keeps the previous snapshot; the gateway never goes down over a bad edit.
// The read is retried briefly because the notification can race the writer
// mid-save.
func (s *Server) reload() {
	var cfg *config.Config

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(50*time.Millisecond),
		backoff.WithMaxInterval(500*time.Millisecond),
	), 4)

	err := backoff.Retry(func() error {
		raw, err := s.cache.ReadFile(context.Background(), s.configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Parse(raw)
		return err
	}, policy)

	if err != nil {
		s.collector.RecordReload(false)
		s.log.Error("configuration reload failed, keeping previous snapshot",
			zap.String("path", s.configPath), zap.Error(err))
		return
	}

	s.store.Swap(cfg)
	s.collector.RecordReload(true)
	s.log.Info("configuration reloaded", zap.String("path", s.configPath))
	s.watchLoginPage(cfg.LoginPagePath)

	if cfg.SSL.KeyStorePath != "" {
		if err := s.loadCertificate(cfg.SSL.KeyStorePath); err != nil {
			s.log.Error("certificate reload failed, keeping previous certificate", zap.Error(err))
		}
	}
}

// adminHandler serves health and metrics on the admin listener.
func (s *Server) adminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.collector.WritePrometheus(w)
	})
	return mux
}

// Run serves until a signal arrives or a listener fails, then shuts down
// gracefully.
func (s *Server) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log.Info("proxy listener starting",
			zap.String("addr", s.proxySrv.Addr), zap.Bool("tls", s.proxySrv.TLSConfig != nil))
		var err error
		if s.proxySrv.TLSConfig != nil {
			// Certificates come from GetCertificate; file args stay empty.
			err = s.proxySrv.ListenAndServeTLS("", "")
		} else {
			err = s.proxySrv.ListenAndServe()
		}
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	})

	if s.adminSrv != nil {
		g.Go(func() error {
			s.log.Info("admin listener starting", zap.String("addr", s.adminSrv.Addr))
			if err := s.adminSrv.ListenAndServe(); err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		s.log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if s.adminSrv != nil {
			s.adminSrv.Shutdown(shutdownCtx)
		}
		return s.proxySrv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
