// Package gateway wires the dispatch pipeline: session gate, handshake, and
// streaming forwarder over a per-request configuration snapshot.
package gateway

import (
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/authgate/internal/config"
	"github.com/wudi/authgate/internal/errors"
	"github.com/wudi/authgate/internal/filecache"
	"github.com/wudi/authgate/internal/forward"
	"github.com/wudi/authgate/internal/handshake"
	"github.com/wudi/authgate/internal/logging"
	"github.com/wudi/authgate/internal/metrics"
	"github.com/wudi/authgate/internal/route"
	"github.com/wudi/authgate/internal/session"
)

// Gateway dispatches inbound requests through the proxy pipeline.
type Gateway struct {
	store     *config.Store
	cache     *filecache.Cache
	hs        *handshake.Handshake
	forwarder *forward.Forwarder
	metrics   *metrics.Collector
	log       *zap.Logger
}

// New assembles a Gateway from its collaborators.
func New(store *config.Store, cache *filecache.Cache, hs *handshake.Handshake, forwarder *forward.Forwarder, collector *metrics.Collector) *Gateway {
	return &Gateway{
		store:     store,
		cache:     cache,
		hs:        hs,
		forwarder: forwarder,
		metrics:   collector,
		log:       logging.Global(),
	}
}

// Handler returns the gateway's root handler.
func (g *Gateway) Handler() http.Handler {
	return http.HandlerFunc(g.dispatch)
}

// dispatch takes one configuration snapshot at entry; everything downstream
// sees that snapshot even if a reload lands mid-request.
func (g *Gateway) dispatch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	cfg := g.store.Snapshot()
	if cfg == nil {
		g.log.Error("no configuration loaded, refusing request", zap.String("path", r.URL.Path))
		errors.ErrConfigMissing.Write(w)
		return
	}

	sw := &statusWriter{ResponseWriter: w}
	g.log.Debug("handling proxy request", zap.String("method", r.Method), zap.String("uri", r.RequestURI))

	switch {
	case r.URL.Path == "/"+config.ServiceAuth:
		g.handleAuth(sw, r, cfg)
	case cfg.IsAsset(r.URL.Path):
		// Assets bypass the session gate and handshake entirely.
		g.handleProxy(sw, r, cfg, false)
	default:
		g.handleProxy(sw, r, cfg, true)
	}

	g.metrics.RecordRequest(routingToken(r.URL.Path), r.Method, sw.Status(), time.Since(start))
}

// handleProxy is the catch-all pipeline: gate, then handshake or forward.
func (g *Gateway) handleProxy(w http.ResponseWriter, r *http.Request, cfg *config.Config, requiresAuth bool) {
	if !requiresAuth {
		g.forwardResolved(w, r, cfg, r.URL.Path, r.URL.RawQuery, nil)
		return
	}

	decision, token := session.Admit(r)
	if decision == session.RedirectLogin {
		g.serveLogin(w, r, cfg, true)
		return
	}

	if token.Authenticated() {
		g.forwardResolved(w, r, cfg, r.URL.Path, r.URL.RawQuery, nil)
		return
	}

	// A session exists but has not completed the handshake: authenticate
	// and sign this request's payload before anything reaches the backend.
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		errors.New(http.StatusInternalServerError, "Failed to read request body").Write(w)
		return
	}
	g.completeHandshake(w, r, cfg, &handshake.Request{
		Path:       r.URL.Path,
		RawQuery:   r.URL.RawQuery,
		Payload:    payload,
		Token:      token,
		RefererSID: session.RefererSID(r),
	})
}

// handleAuth is the credential-collection endpoint. GET serves the login
// page; POST establishes a session and enters the same handshake response
// stage every re-entry uses.
func (g *Gateway) handleAuth(w http.ResponseWriter, r *http.Request, cfg *config.Config) {
	switch r.Method {
	case http.MethodGet:
		g.serveLogin(w, r, cfg, false)

	case http.MethodPost:
		payload, err := io.ReadAll(r.Body)
		if err != nil {
			errors.New(http.StatusInternalServerError, "Failed to read request body").Write(w)
			return
		}

		// Reuse the sid of an existing session cookie; mint otherwise.
		token := session.New()
		if c, err := r.Cookie(session.CookieSessionToken); err == nil {
			if existing, err := session.Decode(c.Value); err == nil && existing.SID != "" {
				token.SID = existing.SID
			}
		}

		g.completeHandshake(w, r, cfg, &handshake.Request{
			Path:           r.URL.Path,
			RawQuery:       r.URL.RawQuery,
			Payload:        payload,
			Token:          token,
			AuthPosted:     true,
			OriginalCookie: session.OriginalCookie(r),
			RefererSID:     session.RefererSID(r),
		})

	default:
		errors.New(http.StatusMethodNotAllowed, "Method Not Allowed").Write(w)
	}
}

// completeHandshake runs the handshake and, on FORWARD_READY, delivers the
// signed manifest to the recovered target backend.
func (g *Gateway) completeHandshake(w http.ResponseWriter, r *http.Request, cfg *config.Config, hreq *handshake.Request) {
	res, gerr := g.hs.Run(r.Context(), cfg, hreq)
	if gerr != nil {
		g.metrics.RecordHandshake(handshake.StateFailed.String())
		g.metrics.RecordHandshakeFailure(gerr.Code)
		if r.Context().Err() != nil {
			// The client disconnected mid-handshake; the outbound calls
			// were abandoned and no partial response is written.
			return
		}
		g.log.Error("handshake failed", zap.Int("status", gerr.Code), zap.String("message", gerr.Message))
		gerr.Write(w)
		return
	}
	g.metrics.RecordHandshake(handshake.StateForwardReady.String())

	// The derived token travels back to the client only as the opaque
	// session cookie, never in the URL or body.
	session.SetTokenCookie(w, res.Token)
	g.forwardResolved(w, r, cfg, res.TargetPath, res.RawQuery, res.Body)
}

// forwardResolved resolves path against the snapshot and relays. A non-nil
// body replaces the inbound request body (the signed manifest case).
func (g *Gateway) forwardResolved(w http.ResponseWriter, r *http.Request, cfg *config.Config, path, rawQuery string, body []byte) {
	rule, targetPath, gerr := route.Resolve(path, cfg)
	if gerr != nil {
		g.log.Error("route resolution failed", zap.String("path", path), zap.String("message", gerr.Message))
		gerr.Write(w)
		return
	}
	target, gerr := route.TargetURL(rule, targetPath, rawQuery)
	if gerr != nil {
		gerr.Write(w)
		return
	}

	g.log.Debug("forwarding to backend", zap.String("target", target.String()))
	if body != nil {
		g.forwarder.ForwardBody(w, r, target, body)
		return
	}
	g.forwarder.Forward(w, r, target)
}

// serveLogin serves the cached login asset with status 200 and ends the
// request; nothing is forwarded. When remember is set the original URI is
// stashed in a cookie first so the handshake can recover it after /auth.
func (g *Gateway) serveLogin(w http.ResponseWriter, r *http.Request, cfg *config.Config, remember bool) {
	if remember {
		session.RememberOriginal(w, r)
	}

	data, err := g.cache.ReadFile(r.Context(), cfg.LoginPagePath)
	if err != nil {
		g.log.Error("failed to read login page", zap.String("path", cfg.LoginPagePath), zap.Error(err))
		errors.ErrConfigMissing.WithMessage("Login page unavailable").Write(w)
		return
	}

	g.metrics.RecordLoginServed()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// routingToken extracts the first path segment for metric labels.
func routingToken(path string) string {
	path = strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(path, '/'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "-"
	}
	return path
}

// statusWriter captures the response status for metrics.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (s *statusWriter) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusWriter) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

// Status returns the captured status, defaulting to 200.
func (s *statusWriter) Status() int {
	if s.status == 0 {
		return http.StatusOK
	}
	return s.status
}

// Flush forwards flushes so streamed relays keep working through the
// status capture.
func (s *statusWriter) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
