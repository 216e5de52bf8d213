// Package hikclient opens a digest-authenticated, long-lived alert-stream
// connection to a Hikvision IP camera/NVR.
package hikclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/icholy/digest"

	"github.com/sua-org/hik2mqtt/internal/config"
)

// Error kinds surfaced to the supervisor (§7). All are recoverable by
// reconnecting; AuthFailed additionally warrants a higher-severity log.
var (
	ErrConnectRefused  = errors.New("hikclient: connection refused")
	ErrAuthFailed      = errors.New("hikclient: authentication failed")
	ErrTransportClosed = errors.New("hikclient: transport closed")
)

// HTTPStatusError is returned when the camera answers with a non-200
// status outside the digest-auth negotiation.
type HTTPStatusError struct {
	Code int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("hikclient: unexpected HTTP status %d", e.Code)
}

// Options tunes connection behavior. Zero value is sane defaults.
type Options struct {
	ConnectTimeout     time.Duration // default 10s
	AllowBasicFallback bool          // default false: refuse Basic auth
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	return o
}

// Client opens alert streams for one camera. Digest nonce state lives in
// the per-client http.Transport and is never shared across cameras (§9).
type Client struct {
	cam  config.Camera
	opts Options
	http *http.Client
}

// New constructs a Client for one camera. Each camera gets its own
// *http.Client / digest.Transport pair.
func New(cam config.Camera, opts Options) *Client {
	opts = opts.withDefaults()

	var tlsCfg *tls.Config
	if cam.UseTLS {
		tlsCfg = &tls.Config{InsecureSkipVerify: true} //nolint:gosec -- intentional for internal-network cameras
	}

	base := &http.Transport{
		TLSClientConfig:   tlsCfg,
		DisableKeepAlives: false,
		IdleConnTimeout:   0,
		DialContext: (&net.Dialer{
			Timeout:   opts.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		// Bounds TCP dial, TLS handshake, and the wait for response
		// headers to opts.ConnectTimeout (§5 "Connect timeout"); once
		// headers arrive and the alert stream starts, these no longer
		// apply, so the long-lived body read is never cut short.
		TLSHandshakeTimeout:   opts.ConnectTimeout,
		ResponseHeaderTimeout: opts.ConnectTimeout,
	}

	digestTransport := &digest.Transport{
		Username:  cam.Username,
		Password:  cam.Password,
		Transport: base,
	}

	var transport http.RoundTripper = digestTransport
	if opts.AllowBasicFallback {
		transport = &basicFallbackTransport{
			digest:   digestTransport,
			base:     base,
			username: cam.Username,
			password: cam.Password,
		}
	}

	return &Client{
		cam:  cam,
		opts: opts,
		http: &http.Client{
			// No overall request timeout: the alert stream is deliberately
			// long-lived and silent between events (§4.1).
			Timeout:   0,
			Transport: transport,
		},
	}
}

// AlertStream is the live framing info needed to decode the multipart body.
type AlertStream struct {
	Boundary string
	Body     io.ReadCloser
}

func (c *Client) baseURL() string {
	scheme := "http"
	if c.cam.UseTLS {
		scheme = "https"
	}
	host := c.cam.Host
	if c.cam.Port != 0 {
		host = fmt.Sprintf("%s:%d", host, c.cam.Port)
	}
	return fmt.Sprintf("%s://%s", scheme, host)
}

// OpenAlertStream issues the long-poll GET against the camera's alert
// stream endpoint, negotiating digest auth as needed, and returns the
// still-open body plus its multipart boundary.
func (c *Client) OpenAlertStream(ctx context.Context) (*AlertStream, error) {
	url := c.baseURL() + "/ISAPI/Event/notification/alertStream"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("hikclient: build request: %w", err)
	}
	req.Header.Set("Accept", "multipart/mixed, application/xml")
	req.Header.Set("Connection", "keep-alive")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		// fall through
	case http.StatusUnauthorized, http.StatusForbidden:
		resp.Body.Close()
		return nil, ErrAuthFailed
	default:
		resp.Body.Close()
		return nil, &HTTPStatusError{Code: resp.StatusCode}
	}

	ct := resp.Header.Get("Content-Type")
	mediatype, params, err := mime.ParseMediaType(ct)
	if err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("hikclient: invalid Content-Type %q: %w", ct, err)
	}
	if !strings.HasPrefix(mediatype, "multipart/") {
		resp.Body.Close()
		return nil, fmt.Errorf("hikclient: unexpected media type %q", mediatype)
	}
	boundary := params["boundary"]
	if boundary == "" {
		resp.Body.Close()
		return nil, fmt.Errorf("hikclient: no boundary in Content-Type %q", ct)
	}

	return &AlertStream{Boundary: boundary, Body: resp.Body}, nil
}

// basicFallbackTransport tries digest auth first; if the camera instead
// challenges with WWW-Authenticate: Basic, it retries once with HTTP
// Basic. Digest is always preferred — this only engages when the camera
// never offers digest at all (§4.1: "falls back to Basic only if
// explicitly permitted by configuration").
type basicFallbackTransport struct {
	digest   *digest.Transport
	base     http.RoundTripper
	username string
	password string
}

func (t *basicFallbackTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	bodyBytes, err := bufferBody(req)
	if err != nil {
		return nil, err
	}

	resp, err := t.digest.RoundTrip(cloneRequest(req, bodyBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	if !strings.Contains(strings.ToLower(resp.Header.Get("WWW-Authenticate")), "basic") {
		return resp, nil
	}
	resp.Body.Close()

	basicReq := cloneRequest(req, bodyBytes)
	basicReq.SetBasicAuth(t.username, t.password)
	return t.base.RoundTrip(basicReq)
}

func bufferBody(req *http.Request) ([]byte, error) {
	if req.Body == nil {
		return nil, nil
	}
	defer req.Body.Close()
	return io.ReadAll(req.Body)
}

func cloneRequest(req *http.Request, body []byte) *http.Request {
	clone := req.Clone(req.Context())
	if body != nil {
		clone.Body = io.NopCloser(bytes.NewReader(body))
	}
	return clone
}

func classifyTransportError(err error) error {
	var opErr *net.OpError
	if errors.As(err, &opErr) && (opErr.Op == "dial" || opErr.Op == "connect" || opErr.Op == "connectex") {
		return fmt.Errorf("%w: %v", ErrConnectRefused, err)
	}
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", ErrTransportClosed, err)
	}
	return fmt.Errorf("hikclient: request failed: %w", err)
}
