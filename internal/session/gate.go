package session

import (
	"net/http"
	"net/url"
)

// Decision is the session gate's verdict for an inbound request.
type Decision int

const (
	// Proceed lets the request continue down the pipeline.
	Proceed Decision = iota
	// RedirectLogin means no usable session exists; serve the login page
	// and end the request without touching any backend.
	RedirectLogin
)

// Admit inspects the session-token cookie and decides whether the request
// may proceed. The decoded token (zero-valued on RedirectLogin) is returned
// alongside the decision so the pipeline reads the cookie exactly once.
func Admit(r *http.Request) (Decision, Token) {
	c, err := r.Cookie(CookieSessionToken)
	if err != nil || c.Value == "" {
		return RedirectLogin, Token{}
	}
	t, err := Decode(c.Value)
	if err != nil {
		// An undecodable cookie is the same as no cookie: back to login.
		return RedirectLogin, Token{}
	}
	return Proceed, t
}

// RememberOriginal sets the original-request cookie to the base64 of the
// request's path and query so the target can be recovered after the auth
// redirect. Must be called before any response bytes are written.
func RememberOriginal(w http.ResponseWriter, r *http.Request) {
	uri := r.URL.Path
	if r.URL.RawQuery != "" {
		uri = uri + "?" + r.URL.RawQuery
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieOriginalRequest,
		Value:    EncodeOriginalURI(uri),
		Path:     "/",
		HttpOnly: true,
	})
}

// OriginalCookie returns the raw original-request cookie value, or "".
func OriginalCookie(r *http.Request) string {
	c, err := r.Cookie(CookieOriginalRequest)
	if err != nil {
		return ""
	}
	return c.Value
}

// SetTokenCookie issues the opaque session cookie for t.
func SetTokenCookie(w http.ResponseWriter, t Token) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieSessionToken,
		Value:    t.Encode(),
		Path:     "/",
		HttpOnly: true,
	})
}

// RefererSID extracts a sid query parameter from the Referer header, the
// fallback source for SID enforcement when the request's own query lacks one.
func RefererSID(r *http.Request) string {
	ref := r.Referer()
	if ref == "" {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	return u.Query().Get("sid")
}
