package tether

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/require"
)

func newWebsocketTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	srv := newTestServer(t)
	handler := NewWebsocketHandler(srv, WebsocketConfig{})
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestWebsocketEndToEnd(t *testing.T) {
	srv, wsURL := newWebsocketTestServer(t)
	require.NoError(t, srv.RegisterService("echo", func(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
		return params, nil
	}))

	cl := NewClient("ws-cli", DialWebsocket(wsURL, "ws-cli"), testClientConfig())
	defer func() { _ = cl.Close() }()
	require.NoError(t, cl.Connect(context.Background()))
	require.Equal(t, 1, srv.NumSessions())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	payload, err := cl.Call(ctx, "echo", json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"a":1}`, string(payload))
}

func TestWebsocketMissingIdentity(t *testing.T) {
	_, wsURL := newWebsocketTestServer(t)
	httpURL := "http" + strings.TrimPrefix(wsURL, "ws")

	resp, err := http.Get(httpURL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebsocketIdentityFromQuery(t *testing.T) {
	srv, wsURL := newWebsocketTestServer(t)

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL+"?identity=query-cli", nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		defer func() { _ = resp.Body.Close() }()
	}
	defer func() { _ = conn.Close() }()

	require.Eventually(t, func() bool {
		return srv.Session("query-cli") != nil
	}, time.Second, 5*time.Millisecond)
}

func TestWebsocketTransportReplacedOnReconnect(t *testing.T) {
	srv, wsURL := newWebsocketTestServer(t)

	cl1 := NewClient("ws-cli", DialWebsocket(wsURL, "ws-cli"), testClientConfig())
	require.NoError(t, cl1.Connect(context.Background()))
	require.Equal(t, 1, srv.NumSessions())
	require.NoError(t, cl1.Close())

	// Same identity connecting again resumes the one session.
	cl2 := NewClient("ws-cli", DialWebsocket(wsURL, "ws-cli"), testClientConfig())
	defer func() { _ = cl2.Close() }()
	require.NoError(t, cl2.Connect(context.Background()))
	require.Equal(t, 1, srv.NumSessions())
}
