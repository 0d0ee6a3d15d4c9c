package tether

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/require"
)

// watchServer fakes the server side of the watch protocol, answering
// subscribe/unsubscribe requests pushed through any of its transports.
type watchServer struct {
	mu           sync.Mutex
	subscribes   int
	unsubscribes int
	token        string
}

func newWatchServer(token string) *watchServer {
	return &watchServer{token: token}
}

func (ws *watchServer) setToken(token string) {
	ws.mu.Lock()
	ws.token = token
	ws.mu.Unlock()
}

func (ws *watchServer) numSubscribes() int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.subscribes
}

func (ws *watchServer) numUnsubscribes() int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.unsubscribes
}

func (ws *watchServer) newTransport() *watchTransport {
	return &watchTransport{testTransport: newTestTransport(), server: ws}
}

type watchTransport struct {
	*testTransport
	server *watchServer
}

func (t *watchTransport) Write(data []byte) error {
	if err := t.testTransport.Write(data); err != nil {
		return err
	}
	frame, err := decodeFrame(data)
	if err != nil || frame.Type != FrameTypeRequest {
		return nil
	}
	switch frame.Target {
	case targetWatchSubscribe:
		t.server.mu.Lock()
		t.server.subscribes++
		token := t.server.token
		t.server.mu.Unlock()
		payload, _ := json.Marshal(subscribeResult{Token: token})
		go t.pushResponse(frame.ID, payload)
	case targetWatchUnsubscribe:
		t.server.mu.Lock()
		t.server.unsubscribes++
		t.server.mu.Unlock()
		go t.pushResponse(frame.ID, json.RawMessage(`{}`))
	}
	return nil
}

func (t *watchTransport) pushResponse(id uint64, payload json.RawMessage) {
	data, _ := encodeFrame(&Frame{ID: id, Type: FrameTypeResponse, Payload: payload})
	t.push(data)
}

func (t *watchTransport) pushEvent(ev WatchEvent) {
	payload, _ := json.Marshal(ev)
	data, _ := encodeFrame(&Frame{Type: FrameTypeNotification, Target: targetWatchEvent, Payload: payload})
	t.push(data)
}

func testManager(t *testing.T, ws *watchServer, dial Dialer, cfg Config) (*SubscriptionManager, *watchTransport) {
	t.Helper()
	s := testSession(t, "c1")
	d := NewDispatcher(s, cfg)
	t.Cleanup(d.Close)
	tr := ws.newTransport()
	m := NewSubscriptionManager(s, d, dial, cfg)
	attach(t, s, tr)
	return m, tr
}

func TestSubscribeAndRefcount(t *testing.T) {
	ws := newWatchServer("clk:1")
	m, _ := testManager(t, ws, nil, DefaultConfig)

	h1, err := m.Subscribe(context.Background(), "/src", "build", SubscribeOptions{Recursive: true}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, ws.numSubscribes())
	require.Equal(t, 1, m.Refs("build"))
	token, ok := m.Token("build")
	require.True(t, ok)
	require.Equal(t, "clk:1", token)

	// Second subscriber for the same name shares the watch.
	h2, err := m.Subscribe(context.Background(), "/src", "build", SubscribeOptions{Recursive: true}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, ws.numSubscribes())
	require.Equal(t, 2, m.Refs("build"))

	m.Unsubscribe(context.Background(), h1)
	require.Equal(t, 1, m.Refs("build"))
	require.Equal(t, 0, ws.numUnsubscribes())

	m.Unsubscribe(context.Background(), h2)
	require.Equal(t, 0, m.NumSubscriptions())
	require.Equal(t, 1, ws.numUnsubscribes())
}

func TestUnsubscribeIdempotent(t *testing.T) {
	ws := newWatchServer("clk:1")
	m, _ := testManager(t, ws, nil, DefaultConfig)

	h, err := m.Subscribe(context.Background(), "/src", "build", SubscribeOptions{}, nil)
	require.NoError(t, err)
	other, err := m.Subscribe(context.Background(), "/doc", "docs", SubscribeOptions{}, nil)
	require.NoError(t, err)

	m.Unsubscribe(context.Background(), h)
	// Count already reached zero: further unsubscribes are silent no-ops
	// and do not affect other subscriptions.
	m.Unsubscribe(context.Background(), h)
	m.Unsubscribe(context.Background(), nil)
	require.Equal(t, 1, ws.numUnsubscribes())
	require.Equal(t, 1, m.NumSubscriptions())
	require.Equal(t, 1, m.Refs(other.Name()))
}

func TestSubscribeConcurrentSingleUpstreamCall(t *testing.T) {
	ws := newWatchServer("clk:1")
	m, _ := testManager(t, ws, nil, DefaultConfig)

	var wg sync.WaitGroup
	handles := make([]*SubscriptionHandle, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i], errs[i] = m.Subscribe(context.Background(), "/src", "build", SubscribeOptions{}, nil)
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.NotNil(t, handles[0])
	require.NotNil(t, handles[1])
	require.Equal(t, 1, ws.numSubscribes())
	require.Equal(t, 2, m.Refs("build"))
}

func TestSubscribeStressKeepsSingleEntry(t *testing.T) {
	ws := newWatchServer("clk:1")
	m, _ := testManager(t, ws, nil, DefaultConfig)

	// A subscriber that loses the singleflight race may still execute its
	// shared call after the winner already registered the entry and other
	// callers took references on it. That late execution must neither issue
	// a second upstream subscribe nor replace the entry.
	const n = 16
	var wg sync.WaitGroup
	handles := make([]*SubscriptionHandle, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := m.Subscribe(context.Background(), "/src", "build", SubscribeOptions{}, nil)
			require.NoError(t, err)
			handles[i] = h
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, ws.numSubscribes())
	require.Equal(t, 1, m.NumSubscriptions())
	require.Equal(t, n, m.Refs("build"))

	for i := 0; i < n-1; i++ {
		m.Unsubscribe(context.Background(), handles[i])
	}
	require.Equal(t, 1, m.Refs("build"))
	require.Equal(t, 0, ws.numUnsubscribes())

	m.Unsubscribe(context.Background(), handles[n-1])
	require.Equal(t, 0, m.NumSubscriptions())
	require.Equal(t, 1, ws.numUnsubscribes())
}

func TestSubscriptionEventsRefreshToken(t *testing.T) {
	ws := newWatchServer("clk:10")
	m, tr := testManager(t, ws, nil, DefaultConfig)

	got := make(chan WatchEvent, 4)
	_, err := m.Subscribe(context.Background(), "/src", "build", SubscribeOptions{}, func(name string, changes []string, token string) {
		got <- WatchEvent{Name: name, Changes: changes, Token: token}
	})
	require.NoError(t, err)

	tr.pushEvent(WatchEvent{Name: "build", Changes: []string{"a.go"}, Token: "clk:11"})
	ev := <-got
	require.Equal(t, []string{"a.go"}, ev.Changes)
	require.Equal(t, "clk:11", ev.Token)
	token, _ := m.Token("build")
	require.Equal(t, "clk:11", token)

	// Events for unknown names are dropped.
	tr.pushEvent(WatchEvent{Name: "other", Changes: []string{"x"}, Token: "clk:12"})
	require.Empty(t, got)
}

func TestReconnectSerializedWithFreshToken(t *testing.T) {
	ws := newWatchServer("clk:10")
	cfg := DefaultConfig
	cfg.SettleDelay = 30 * time.Millisecond

	var dialMu sync.Mutex
	var dials int
	var lastTransport *watchTransport
	dial := func(_ context.Context) (Transport, error) {
		dialMu.Lock()
		defer dialMu.Unlock()
		dials++
		lastTransport = ws.newTransport()
		return lastTransport, nil
	}

	m, tr := testManager(t, ws, dial, cfg)
	_, err := m.Subscribe(context.Background(), "/src", "root1", SubscribeOptions{}, nil)
	require.NoError(t, err)
	token, _ := m.Token("root1")
	require.Equal(t, "clk:10", token)
	require.Equal(t, 1, ws.numSubscribes())

	// Server restarts: its clock moves on, the old transport drops.
	ws.setToken("clk:42")
	tr.reportClosed()

	start := time.Now()
	m.TriggerReconnect("transport closed")
	m.TriggerReconnect("heartbeat server crashed")

	require.Eventually(t, func() bool {
		token, _ := m.Token("root1")
		return token == "clk:42"
	}, 2*time.Second, time.Millisecond)

	// Settle delay observed before resubscribing.
	require.GreaterOrEqual(t, time.Since(start), cfg.SettleDelay)
	// Both triggers collapsed into one reconnect: one dial, one
	// resubscribe call beyond the initial subscribe.
	require.Eventually(t, func() bool { return !m.Reconnecting() }, time.Second, time.Millisecond)
	dialMu.Lock()
	require.Equal(t, 1, dials)
	dialMu.Unlock()
	require.Equal(t, 2, ws.numSubscribes())
}

func TestWatchCanceledTriggersReconnect(t *testing.T) {
	ws := newWatchServer("clk:1")
	cfg := DefaultConfig
	cfg.SettleDelay = 5 * time.Millisecond

	var dialMu sync.Mutex
	var dials int
	dial := func(_ context.Context) (Transport, error) {
		dialMu.Lock()
		defer dialMu.Unlock()
		dials++
		return ws.newTransport(), nil
	}

	m, tr := testManager(t, ws, dial, cfg)
	_, err := m.Subscribe(context.Background(), "/src", "build", SubscribeOptions{}, nil)
	require.NoError(t, err)

	// Upstream force-removed the watch: hard failure, full reconnect.
	tr.pushEvent(WatchEvent{Name: "build", Canceled: true})

	require.Eventually(t, func() bool {
		dialMu.Lock()
		defer dialMu.Unlock()
		return dials == 1
	}, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return !m.Reconnecting() }, time.Second, time.Millisecond)
	require.Equal(t, 2, ws.numSubscribes())
}
