package gateway

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/wudi/authgate/internal/config"
	"github.com/wudi/authgate/internal/filecache"
	"github.com/wudi/authgate/internal/forward"
	"github.com/wudi/authgate/internal/handshake"
	"github.com/wudi/authgate/internal/metrics"
	"github.com/wudi/authgate/internal/multipart"
	"github.com/wudi/authgate/internal/session"
)

const loginHTML = "<html><body>login</body></html>"

func writeLoginPage(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "login.html")
	if err := os.WriteFile(path, []byte(loginHTML), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func hostPort(t *testing.T, ts *httptest.Server) (string, int) {
	t.Helper()
	u, err := url.Parse(ts.URL)
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(u.Port())
	return u.Hostname(), port
}

// startBackend records every request it receives and answers with a fixed
// body.
func startBackend(t *testing.T) (*httptest.Server, *[]*http.Request, *[]string) {
	t.Helper()
	var reqs []*http.Request
	var bodies []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		reqs = append(reqs, r)
		bodies = append(bodies, string(body))
		io.WriteString(w, "backend response")
	}))
	t.Cleanup(ts.Close)
	return ts, &reqs, &bodies
}

func startAuthService(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/check", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"response": {"authentication": "success", "authenticationToken": "tok123", "sessionDate": "2026-01-02T03:04:05+0000"}}`)
	})
	mux.HandleFunc("/auth/sign", func(w http.ResponseWriter, r *http.Request) {
		boundary := multipart.NewBoundary()
		io.WriteString(w, multipart.EncodeSignRequest(boundary, "receipt", "SIGNED-DOC", "ACL-MANIFEST"))
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func testConfig(t *testing.T, backend, auth *httptest.Server) *config.Config {
	t.Helper()
	bh, bp := hostPort(t, backend)
	cfg := &config.Config{
		RewriteRules: map[string]config.RewriteRule{
			"sb":           {Protocol: "http", Host: bh, Port: bp},
			".favicon.ico": {Protocol: "http", Host: bh, Port: bp},
		},
		Assets:              []string{"favicon.ico"},
		DefaultService:      "sb",
		MaxPayloadSizeBytes: 1 << 20,
		LoginPagePath:       writeLoginPage(t),
	}
	if auth != nil {
		ah, ap := hostPort(t, auth)
		cfg.ServiceDependencies = map[string]config.ServiceDependency{
			config.ServiceAuth: {
				Host: ah,
				Port: ap,
				PathTemplates: map[string]string{
					config.OpCheck: "/auth/check",
					config.OpSign:  "/auth/sign",
				},
			},
		}
	}
	return cfg
}

func newGateway(t *testing.T, cfg *config.Config) *Gateway {
	t.Helper()
	cache, err := filecache.New(8)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { cache.Close() })

	forwarder, err := forward.New(forward.Config{Transport: http.DefaultTransport})
	if err != nil {
		t.Fatal(err)
	}
	return New(config.NewStore(cfg), cache, handshake.New(nil), forwarder, metrics.NewCollector())
}

func authenticatedCookie(t *testing.T) *http.Cookie {
	t.Helper()
	token := session.New().WithAuth("tok", time.Now())
	return &http.Cookie{Name: session.CookieSessionToken, Value: token.Encode()}
}

func TestNoSessionServesLogin(t *testing.T) {
	backend, reqs, _ := startBackend(t)
	g := newGateway(t, testConfig(t, backend, nil))

	r := httptest.NewRequest("GET", "/sb/widgets?x=1", nil)
	w := httptest.NewRecorder()
	g.Handler().ServeHTTP(w, r)

	res := w.Result()
	if res.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", res.StatusCode)
	}
	body, _ := io.ReadAll(res.Body)
	if string(body) != loginHTML {
		t.Errorf("body = %q, want login page", body)
	}
	if len(*reqs) != 0 {
		t.Errorf("backend reached %d times, want 0", len(*reqs))
	}

	var original *http.Cookie
	for _, c := range res.Cookies() {
		if c.Name == session.CookieOriginalRequest {
			original = c
		}
	}
	if original == nil {
		t.Fatal("original-request cookie not set")
	}
	uri, err := session.DecodeOriginalURI(original.Value)
	if err != nil {
		t.Fatal(err)
	}
	if uri != "/sb/widgets?x=1" {
		t.Errorf("remembered uri = %q", uri)
	}
}

func TestAuthenticatedSessionForwards(t *testing.T) {
	backend, reqs, _ := startBackend(t)
	g := newGateway(t, testConfig(t, backend, nil))

	r := httptest.NewRequest("GET", "/sb/widgets?x=1", nil)
	r.AddCookie(authenticatedCookie(t))
	w := httptest.NewRecorder()
	g.Handler().ServeHTTP(w, r)

	if len(*reqs) != 1 {
		t.Fatalf("backend reached %d times, want 1", len(*reqs))
	}
	seen := (*reqs)[0]
	if seen.URL.Path != "/widgets" {
		t.Errorf("backend saw path %q, want /widgets", seen.URL.Path)
	}
	if seen.URL.RawQuery != "x=1" {
		t.Errorf("backend saw query %q", seen.URL.RawQuery)
	}

	res := w.Result()
	if res.StatusCode != http.StatusOK {
		t.Errorf("status = %d", res.StatusCode)
	}
	body, _ := io.ReadAll(res.Body)
	if string(body) != "backend response" {
		t.Errorf("body = %q", body)
	}
}

func TestAssetBypassesGate(t *testing.T) {
	backend, reqs, _ := startBackend(t)
	g := newGateway(t, testConfig(t, backend, nil))

	r := httptest.NewRequest("GET", "/.favicon.ico", nil)
	w := httptest.NewRecorder()
	g.Handler().ServeHTTP(w, r)

	if len(*reqs) != 1 {
		t.Fatalf("backend reached %d times, want 1", len(*reqs))
	}
	body, _ := io.ReadAll(w.Result().Body)
	if string(body) != "backend response" {
		t.Errorf("body = %q", body)
	}
}

func TestAuthPostEstablishesSession(t *testing.T) {
	backend, reqs, bodies := startBackend(t)
	auth := startAuthService(t)
	g := newGateway(t, testConfig(t, backend, auth))

	r := httptest.NewRequest("POST", "/auth", strings.NewReader("user=alice&pass=secret"))
	r.AddCookie(&http.Cookie{
		Name:  session.CookieOriginalRequest,
		Value: session.EncodeOriginalURI("/sb/list?x=1"),
	})
	w := httptest.NewRecorder()
	g.Handler().ServeHTTP(w, r)

	res := w.Result()
	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(res.Body)
		t.Fatalf("status = %d, body = %q", res.StatusCode, body)
	}

	if len(*reqs) != 1 {
		t.Fatalf("backend reached %d times, want 1", len(*reqs))
	}
	if got := (*reqs)[0].URL.Path; got != "/list" {
		t.Errorf("backend saw path %q, want /list", got)
	}
	if got := (*bodies)[0]; !strings.Contains(got, "SIGNED-DOC") || !strings.Contains(got, "ACL-MANIFEST") {
		t.Errorf("backend body is missing signed parts:\n%s", got)
	}

	var tokenCookie *http.Cookie
	for _, c := range res.Cookies() {
		if c.Name == session.CookieSessionToken {
			tokenCookie = c
		}
	}
	if tokenCookie == nil {
		t.Fatal("session-token cookie not set")
	}
	token, err := session.Decode(tokenCookie.Value)
	if err != nil {
		t.Fatal(err)
	}
	if token.AuthToken != "tok123" {
		t.Errorf("cookie auth token = %q", token.AuthToken)
	}
	if !token.Authenticated() {
		t.Error("cookie token not authenticated")
	}
}

func TestAuthGetServesLogin(t *testing.T) {
	backend, _, _ := startBackend(t)
	g := newGateway(t, testConfig(t, backend, nil))

	r := httptest.NewRequest("GET", "/auth", nil)
	w := httptest.NewRecorder()
	g.Handler().ServeHTTP(w, r)

	res := w.Result()
	if res.StatusCode != http.StatusOK {
		t.Errorf("status = %d", res.StatusCode)
	}
	body, _ := io.ReadAll(res.Body)
	if string(body) != loginHTML {
		t.Errorf("body = %q", body)
	}
	for _, c := range res.Cookies() {
		if c.Name == session.CookieOriginalRequest {
			t.Error("GET /auth must not overwrite the original-request cookie")
		}
	}
}

func TestAuthMethodNotAllowed(t *testing.T) {
	backend, _, _ := startBackend(t)
	g := newGateway(t, testConfig(t, backend, nil))

	r := httptest.NewRequest("PUT", "/auth", nil)
	w := httptest.NewRecorder()
	g.Handler().ServeHTTP(w, r)

	if w.Result().StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", w.Result().StatusCode)
	}
}

func TestUnknownRoute(t *testing.T) {
	backend, _, _ := startBackend(t)
	g := newGateway(t, testConfig(t, backend, nil))

	r := httptest.NewRequest("GET", "/nope/x", nil)
	r.AddCookie(authenticatedCookie(t))
	w := httptest.NewRecorder()
	g.Handler().ServeHTTP(w, r)

	res := w.Result()
	if res.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", res.StatusCode)
	}
	body, _ := io.ReadAll(res.Body)
	if string(body) != "Couldn't find rewrite rule for 'nope'" {
		t.Errorf("body = %q", body)
	}
}

func TestNoConfigurationLoaded(t *testing.T) {
	g := newGateway(t, nil)

	r := httptest.NewRequest("GET", "/sb/widgets", nil)
	w := httptest.NewRecorder()
	g.Handler().ServeHTTP(w, r)

	res := w.Result()
	if res.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", res.StatusCode)
	}
	body, _ := io.ReadAll(res.Body)
	if string(body) != "Internal Error" {
		t.Errorf("body = %q", body)
	}
}
