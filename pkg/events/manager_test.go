package events

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nilWriter{}, nil))
}

type nilWriter struct{}

func (nilWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestBroadcastDeliversToConnectedClients(t *testing.T) {
	m := NewManager(discardLogger())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		m.HandleConnection(r.Context(), conn)
	}))
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):]
	clientConn, _, err := websocket.Dial(context.Background(), wsURL, nil)
	require.NoError(t, err)
	defer clientConn.Close(websocket.StatusNormalClosure, "")

	require.Eventually(t, func() bool { return m.ActiveConnections() == 1 }, time.Second, 10*time.Millisecond)

	m.BroadcastMetrics(map[string]float64{"vram_free_gb": 12.5})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, data, err := clientConn.Read(ctx)
	require.NoError(t, err)
	assert.Contains(t, string(data), "metrics")
	assert.Contains(t, string(data), "vram_free_gb")
}

func TestActiveConnectionsDropsOnDisconnect(t *testing.T) {
	m := NewManager(discardLogger())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		m.HandleConnection(r.Context(), conn)
	}))
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):]
	clientConn, _, err := websocket.Dial(context.Background(), wsURL, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return m.ActiveConnections() == 1 }, time.Second, 10*time.Millisecond)

	_ = clientConn.Close(websocket.StatusNormalClosure, "")

	require.Eventually(t, func() bool { return m.ActiveConnections() == 0 }, time.Second, 10*time.Millisecond)
}
