package proxy

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func upstreamHostPort(t *testing.T, srv *httptest.Server) (string, int) {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return u.Hostname(), port
}

func TestForwardBufferedProxiesStatusAndBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "tok123", r.Header.Get("X-Internal-Token"))
		w.Header().Set("X-Worker", "sd")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	p := New("tok123", discardLogger())
	host, port := upstreamHostPort(t, upstream)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()

	p.Forward(rec, req, host, port, "")

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "sd", rec.Header().Get("X-Worker"))
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
}

func TestForwardBufferedReturns502OnConnectFailure(t *testing.T) {
	p := New("tok", discardLogger())
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()

	p.Forward(rec, req, "127.0.0.1", 1, "") // nothing listens on port 1

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestForwardStreamingBridgesChunks(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("data: chunk1\n\n"))
		flusher.Flush()
		_, _ = w.Write([]byte("data: chunk2\n\n"))
		flusher.Flush()
	}))
	defer upstream.Close()

	p := New("tok", discardLogger())
	host, port := upstreamHostPort(t, upstream)

	req := httptest.NewRequest(http.MethodGet, "/v1/stream/progress", nil)
	rec := httptest.NewRecorder()

	p.Forward(rec, req, host, port, "")

	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "chunk1") && strings.Contains(body, "chunk2"))
}

func TestForwardStreamingReturns502OnConnectFailure(t *testing.T) {
	p := New("tok", discardLogger())
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	rec := httptest.NewRecorder()

	p.Forward(rec, req, "127.0.0.1", 1, "") // unreachable: connect error surfaces, not a true hang

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}
