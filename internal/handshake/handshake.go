// Package handshake implements the authenticate-then-sign exchange that must
// complete before a protected request is forwarded. The exchange is a small
// state machine advanced strictly in sequence; every failure is terminal for
// the request and nothing is retried.
package handshake

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/wudi/authgate/internal/config"
	"github.com/wudi/authgate/internal/errors"
	"github.com/wudi/authgate/internal/logging"
	"github.com/wudi/authgate/internal/multipart"
	"github.com/wudi/authgate/internal/session"
)

// TimeLayout is the auth service's fixed timestamp format. The hour field is
// 12-hour ("hh" in the service's own pattern); this is wire compatibility,
// not a choice.
const TimeLayout = "2006-01-02T03:04:05Z0700"

// State enumerates the handshake's positions.
type State int

const (
	StateReceived State = iota
	StateAuthenticating
	StateSigning
	StateForwardReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateAuthenticating:
		return "authenticating"
	case StateSigning:
		return "signing"
	case StateForwardReady:
		return "forward_ready"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Request carries everything the handshake needs from the inbound request.
type Request struct {
	// Path is the inbound request path ("/auth" when the flow was
	// redirected through the credential endpoint).
	Path string
	// RawQuery is the inbound query exactly as received; it is relayed
	// verbatim and SID enforcement parses it.
	RawQuery string
	// Payload is the body to be authenticated and signed.
	Payload []byte
	// Token is the session decoded at the gate (or freshly minted by the
	// credential endpoint).
	Token session.Token
	// AuthPosted marks a request that arrived via the /auth redirect; the
	// true target must then be recovered from OriginalCookie.
	AuthPosted     bool
	OriginalCookie string
	// RefererSID is the fallback session id derived from the Referer
	// header, consulted only when the query carries no sid.
	RefererSID string
}

// Result is the FORWARD_READY outcome: a derived session token, the path the
// forwarder should resolve, and the signed manifest body to deliver.
type Result struct {
	Token      session.Token
	TargetPath string
	RawQuery   string
	Body       []byte
}

// Handshake talks to the configured auth service.
type Handshake struct {
	client *http.Client
	log    *zap.Logger
}

// New creates a Handshake. A nil client gets a default with a conservative
// timeout; per-request cancellation still comes from the request context.
func New(client *http.Client) *Handshake {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Handshake{client: client, log: logging.Global()}
}

// Run drives the handshake to a terminal state. The returned GateError is
// non-nil exactly when the terminal state is FAILED; ctx cancellation aborts
// any in-flight auth or sign call.
func (h *Handshake) Run(ctx context.Context, cfg *config.Config, req *Request) (*Result, *errors.GateError) {
	state := StateReceived
	h.log.Debug("handshake transition", zap.Stringer("state", state), zap.String("sid", req.Token.SID))

	state = StateAuthenticating
	h.log.Debug("handshake transition", zap.Stringer("state", state), zap.String("sid", req.Token.SID))

	status, body, err := h.post(ctx, cfg.Auth().URL(config.OpCheck), req.Payload)
	if err != nil {
		return nil, errors.ErrAuthUnreachable
	}

	authToken, sessionDate, gerr := evaluateAuthResponse(status, body)
	if gerr != nil {
		return nil, gerr
	}
	token := req.Token.WithAuth(authToken, sessionDate)

	// Size policy comes strictly before the sign call: an oversized payload
	// must never reach the auth service's sign endpoint.
	if int64(len(req.Payload)) > cfg.MaxPayloadSizeBytes {
		return nil, errors.ErrPayloadTooLarge.WithMessage(
			fmt.Sprintf("Request entity too large. Maximum payload size %d", cfg.MaxPayloadSizeBytes))
	}

	targetPath, rawQuery, gerr := recoverTarget(req)
	if gerr != nil {
		return nil, gerr
	}

	segments := strings.Split(targetPath, "/")
	if len(segments) < 2 || segments[1] == "" {
		return nil, errors.ErrMalformedPath
	}
	if segments[1] != cfg.DefaultService && segments[1] != config.ServiceAuth {
		query, _ := url.ParseQuery(req.RawQuery)
		sid := strings.TrimSpace(query.Get("sid"))
		if sid == "" && strings.TrimSpace(req.RefererSID) == "" {
			return nil, errors.ErrSidRequired
		}
	}

	state = StateSigning
	h.log.Debug("handshake transition", zap.Stringer("state", state), zap.String("sid", token.SID))

	boundary := multipart.NewBoundary()
	unsigned := multipart.EncodeSignRequest(boundary, token.AuthToken, token.SessionDate.Format(TimeLayout), string(req.Payload))

	status, body, err = h.post(ctx, cfg.Auth().URL(config.OpSign), []byte(unsigned))
	if err != nil {
		return nil, errors.ErrSigningFailure
	}
	manifest, gerr := buildManifest(status, string(body), unsigned)
	if gerr != nil {
		return nil, gerr
	}

	state = StateForwardReady
	h.log.Debug("handshake transition", zap.Stringer("state", state), zap.String("sid", token.SID))

	return &Result{
		Token:      token,
		TargetPath: targetPath,
		RawQuery:   rawQuery,
		Body:       []byte(manifest),
	}, nil
}

// post sends body to urlStr and returns status code and full response body.
// Handshake bodies are small JSON or multipart documents, never streamed.
func (h *Handshake) post(ctx context.Context, urlStr string, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, urlStr, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		h.log.Error("auth service call failed", zap.String("url", urlStr), zap.Error(err))
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, data, nil
}

// evaluateAuthResponse applies the AUTHENTICATING transition rules to the
// auth service's response.
func evaluateAuthResponse(status int, body []byte) (string, time.Time, *errors.GateError) {
	text := string(body)

	if status < 200 || status >= 300 {
		return "", time.Time{}, failureMessage(text)
	}

	response := gjson.GetBytes(body, "response")
	if !response.Exists() || response.Type == gjson.Null {
		return "", time.Time{}, failureMessage(text)
	}

	if response.Get("authentication").String() != "success" {
		msg := strings.TrimSpace(response.Get("message").String())
		if msg == "" {
			msg = text
		}
		return "", time.Time{}, errors.ErrAuthRejected.WithMessage(msg)
	}

	authToken := response.Get("authenticationToken").String()
	sessionDate, err := parseSessionDate(response.Get("sessionDate").String())
	if err != nil {
		return "", time.Time{}, errors.ErrAuthParse.WithMessage(text)
	}
	return authToken, sessionDate, nil
}

// failureMessage maps an unusable auth response to a 500 whose body is the
// raw response text, or the fixed diagnostic when the body itself is empty.
func failureMessage(text string) *errors.GateError {
	if strings.TrimSpace(text) == "" {
		return errors.ErrAuthParse
	}
	return errors.ErrAuthParse.WithMessage(text)
}

// parseSessionDate is tolerant of both the service's 12-hour layout and
// plain RFC 3339, matching the lenient decoder the service's other clients
// use.
func parseSessionDate(value string) (time.Time, error) {
	if t, err := time.Parse(TimeLayout, value); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, value)
}

// recoverTarget determines the path (and query) the forwarder should use.
// When the flow was redirected through /auth the original URI is recovered
// from the original-request cookie; otherwise the request's own path and raw
// query stand untouched.
func recoverTarget(req *Request) (string, string, *errors.GateError) {
	if !req.AuthPosted {
		return req.Path, req.RawQuery, nil
	}

	uri, err := session.DecodeOriginalURI(req.OriginalCookie)
	if err != nil {
		return "", "", errors.ErrBadOriginalURI.WithMessage("Bad URI: " + req.OriginalCookie)
	}
	parsed, err := url.Parse(uri)
	if err != nil {
		return "", "", errors.ErrBadOriginalURI.WithMessage("Bad URI: " + uri)
	}
	return parsed.Path, parsed.RawQuery, nil
}

// buildManifest applies the SIGNING transition: validate the sign response,
// pick out the signed document and ACL manifest, and encode the manifest
// body delivered to the backend.
func buildManifest(status int, body, unsignedDocument string) (string, *errors.GateError) {
	if status < 200 || status >= 300 {
		if strings.TrimSpace(body) == "" {
			return "", errors.ErrSigningFailure
		}
		return "", errors.ErrSigningFailure.WithMessage(body)
	}

	boundary := multipart.ExtractBoundary(body)
	if boundary == "" {
		return "", errors.ErrSigningFailure.WithMessage("sign response carried no boundary")
	}

	// SplitParts yields preamble, the content parts, then the terminator
	// remnant. The signed document and ACL manifest are the second and
	// third content parts.
	parts := multipart.SplitParts(body, boundary)
	if len(parts) < 5 {
		return "", errors.ErrSigningFailure.WithMessage("sign response is missing parts")
	}
	signedDocument := multipart.PartContent(parts[2])
	aclManifest := multipart.PartContent(parts[3])

	return multipart.EncodeManifestRequest(boundary, unsignedDocument, signedDocument, aclManifest), nil
}
