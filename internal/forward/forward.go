// Package forward relays a request to its resolved backend and streams the
// response back. Headers are copied verbatim minus hop-by-hop entries, and
// once the backend's status has been written nothing can be amended: a
// failure mid-stream can only truncate the connection.
package forward

import (
	"bytes"
	"io"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/wudi/authgate/internal/errors"
	"github.com/wudi/authgate/internal/logging"
)

// Forwarder relays requests to backends over a shared transport.
type Forwarder struct {
	transport http.RoundTripper
	log       *zap.Logger
}

// Config holds forwarder settings.
type Config struct {
	Transport    http.RoundTripper
	TransportCfg TransportConfig
}

// New creates a Forwarder. When cfg.Transport is nil one is built from
// cfg.TransportCfg (zero value means defaults with no trust store).
func New(cfg Config) (*Forwarder, error) {
	transport := cfg.Transport
	if transport == nil {
		tc := cfg.TransportCfg
		if tc.MaxIdleConns == 0 {
			trust := tc.TrustStorePath
			tc = DefaultTransportConfig
			tc.TrustStorePath = trust
		}
		var err error
		transport, err = NewTransport(tc)
		if err != nil {
			return nil, err
		}
	}

	return &Forwarder{
		transport: transport,
		log:       logging.Global(),
	}, nil
}

// Forward relays r to target, streaming r's body out and the backend's body
// back. The inbound method and headers are preserved.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, target *url.URL) {
	f.relay(w, r, target, r.Body, -1)
}

// ForwardBody relays to target with body replacing the inbound request body
// (the signed manifest produced by the handshake).
func (f *Forwarder) ForwardBody(w http.ResponseWriter, r *http.Request, target *url.URL, body []byte) {
	f.relay(w, r, target, io.NopCloser(bytes.NewReader(body)), int64(len(body)))
}

func (f *Forwarder) relay(w http.ResponseWriter, r *http.Request, target *url.URL, body io.ReadCloser, contentLength int64) {
	targetURL := *target

	proxyReq := (&http.Request{
		Method:        r.Method,
		URL:           &targetURL,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          body,
		ContentLength: contentLength,
		Host:          target.Host,
	}).WithContext(r.Context())

	proxyReq.Header = make(http.Header, len(r.Header))
	for k, vv := range r.Header {
		proxyReq.Header[k] = vv
	}
	removeHopHeaders(proxyReq.Header)
	if contentLength >= 0 {
		// Replaced body: the inbound framing headers no longer apply.
		proxyReq.Header.Del("Content-Length")
	}

	resp, err := f.transport.RoundTrip(proxyReq)
	if err != nil {
		if r.Context().Err() != nil {
			// Client went away; write nothing.
			return
		}
		f.log.Error("backend request failed",
			zap.String("target", targetURL.String()), zap.Error(err))
		errors.ErrBackendUnreachable.WithMessage("Failed to reach " + targetURL.Host).Write(w)
		return
	}
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	if err := f.copyBody(w, resp.Body); err != nil && r.Context().Err() == nil {
		// Status and headers are already on the wire; the only signal
		// left is an abrupt close.
		f.log.Error("backend stream interrupted",
			zap.String("target", targetURL.String()), zap.Error(err))
		panic(http.ErrAbortHandler)
	}
}

// copyBody streams body to w, flushing periodically so chunks reach the
// client as they arrive instead of sitting in the server's write buffer.
// io.Copy couples the two sides: a slow reader gates the writer.
func (f *Forwarder) copyBody(w http.ResponseWriter, body io.Reader) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		_, err := io.Copy(w, body)
		return err
	}

	for {
		_, err := io.CopyN(w, body, 32*1024)
		flusher.Flush()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		dst[k] = append(dst[k][:0:0], vv...)
	}
	removeHopHeaders(dst)
}

// Hop-by-hop headers that must not be relayed.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(header http.Header) {
	for _, h := range hopHeaders {
		header.Del(h)
	}
}
