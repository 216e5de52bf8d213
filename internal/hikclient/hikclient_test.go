package hikclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sua-org/hik2mqtt/internal/config"
)

func cameraFor(t *testing.T, srv *httptest.Server) config.Camera {
	t.Helper()
	host, portStr, err := splitHostPort(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return config.Camera{ID: "cam1", Host: host, Port: port, Username: "admin", Password: "secret"}
}

func splitHostPort(url string) (string, string, error) {
	u := strings.TrimPrefix(url, "http://")
	u = strings.TrimPrefix(u, "https://")
	parts := strings.SplitN(u, ":", 2)
	if len(parts) != 2 {
		return u, "80", nil
	}
	return parts[0], parts[1], nil
}

func TestOpenAlertStream_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", `multipart/mixed; boundary=boundary42`)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("--boundary42--"))
	}))
	defer srv.Close()

	c := New(cameraFor(t, srv), Options{})
	stream, err := c.OpenAlertStream(context.Background())
	require.NoError(t, err)
	defer stream.Body.Close()
	assert.Equal(t, "boundary42", stream.Boundary)
}

func TestOpenAlertStream_NonMultipartRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(cameraFor(t, srv), Options{})
	_, err := c.OpenAlertStream(context.Background())
	require.Error(t, err)
}

func TestOpenAlertStream_HTTPStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(cameraFor(t, srv), Options{})
	_, err := c.OpenAlertStream(context.Background())
	require.Error(t, err)
	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusInternalServerError, statusErr.Code)
}

func TestOpenAlertStream_AuthFailedAfterDigestRetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("WWW-Authenticate", `Digest realm="cam", nonce="abc123", qop="auth"`)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(cameraFor(t, srv), Options{})
	_, err := c.OpenAlertStream(context.Background())
	require.ErrorIs(t, err, ErrAuthFailed)
}

func TestOpenAlertStream_ConnectTimeoutWhenHeadersNeverArrive(t *testing.T) {
	blockUntilClosed := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Never writes a status line or headers, simulating a camera
		// that accepted the connection but then stalled.
		<-blockUntilClosed
	}))
	defer close(blockUntilClosed)
	defer srv.Close()

	c := New(cameraFor(t, srv), Options{ConnectTimeout: 50 * time.Millisecond})

	done := make(chan struct{})
	go func() {
		_, err := c.OpenAlertStream(context.Background())
		assert.Error(t, err)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("OpenAlertStream did not return within the connect timeout")
	}
}

func TestOpenAlertStream_BasicFallbackWhenAllowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if ok && user == "admin" && pass == "secret" {
			w.Header().Set("Content-Type", `multipart/mixed; boundary=b`)
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Header().Set("WWW-Authenticate", `Basic realm="cam"`)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(cameraFor(t, srv), Options{AllowBasicFallback: true})
	stream, err := c.OpenAlertStream(context.Background())
	require.NoError(t, err)
	stream.Body.Close()
}

func TestOpenAlertStream_BasicRefusedWhenNotAllowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("WWW-Authenticate", `Basic realm="cam"`)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(cameraFor(t, srv), Options{AllowBasicFallback: false})
	_, err := c.OpenAlertStream(context.Background())
	require.ErrorIs(t, err, ErrAuthFailed)
}
