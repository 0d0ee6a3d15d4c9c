package tether

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/require"
)

func testDispatcher(t *testing.T) (*Dispatcher, *testTransport) {
	t.Helper()
	s := testSession(t, "c1")
	tr := newTestTransport()
	d := NewDispatcher(s, DefaultConfig)
	t.Cleanup(d.Close)
	attach(t, s, tr)
	return d, tr
}

func sentFrame(t *testing.T, tr *testTransport, i int) *Frame {
	t.Helper()
	frames := tr.frames()
	require.Greater(t, len(frames), i)
	frame, err := decodeFrame([]byte(frames[i]))
	require.NoError(t, err)
	return frame
}

func respond(tr *testTransport, id uint64, result json.RawMessage, rpcErr *Error) {
	data, _ := encodeFrame(&Frame{ID: id, Type: FrameTypeResponse, Payload: result, Error: rpcErr})
	tr.push(data)
}

func TestDispatcherCall(t *testing.T) {
	d, tr := testDispatcher(t)

	resultCh := make(chan json.RawMessage, 1)
	errCh := make(chan error, 1)
	go func() {
		res, err := d.Call(context.Background(), "echo", json.RawMessage(`{"v":1}`))
		resultCh <- res
		errCh <- err
	}()

	require.Eventually(t, func() bool { return tr.numWritten() == 1 }, time.Second, time.Millisecond)
	frame := sentFrame(t, tr, 0)
	require.Equal(t, FrameTypeRequest, frame.Type)
	require.Equal(t, "echo", frame.Target)
	require.Equal(t, uint64(1), frame.ID)

	respond(tr, frame.ID, json.RawMessage(`{"v":1}`), nil)
	require.JSONEq(t, `{"v":1}`, string(<-resultCh))
	require.NoError(t, <-errCh)
}

func TestDispatcherCallOrderAndIDs(t *testing.T) {
	d, tr := testDispatcher(t)
	for i := 0; i < 5; i++ {
		go func() {
			_, _ = d.Call(context.Background(), "noop", nil)
		}()
	}
	require.Eventually(t, func() bool { return tr.numWritten() == 5 }, time.Second, time.Millisecond)

	// Sequence ids are unique and each id is used at most once.
	seen := map[uint64]bool{}
	for i := 0; i < 5; i++ {
		frame := sentFrame(t, tr, i)
		require.False(t, seen[frame.ID])
		seen[frame.ID] = true
	}
	for id := uint64(1); id <= 5; id++ {
		respond(tr, id, nil, nil)
	}
}

func TestDispatcherOutOfOrderResponses(t *testing.T) {
	d, tr := testDispatcher(t)

	type result struct {
		payload json.RawMessage
		err     error
	}
	results := make(map[string]chan result)
	var mu sync.Mutex
	for _, target := range []string{"first", "second"} {
		ch := make(chan result, 1)
		mu.Lock()
		results[target] = ch
		mu.Unlock()
		go func(target string) {
			payload, err := d.Call(context.Background(), target, nil)
			ch <- result{payload, err}
		}(target)
		require.Eventually(t, func() bool {
			return tr.numWritten() >= len(results)
		}, time.Second, time.Millisecond)
	}

	first := sentFrame(t, tr, 0)
	second := sentFrame(t, tr, 1)
	require.Equal(t, "first", first.Target)
	require.Equal(t, "second", second.Target)

	// Deliver responses in reverse order, correlation is purely by id.
	respond(tr, second.ID, json.RawMessage(`"b"`), nil)
	respond(tr, first.ID, json.RawMessage(`"a"`), nil)

	r := <-results["first"]
	require.NoError(t, r.err)
	require.Equal(t, `"a"`, string(r.payload))
	r = <-results["second"]
	require.NoError(t, r.err)
	require.Equal(t, `"b"`, string(r.payload))
}

func TestDispatcherCallTimeout(t *testing.T) {
	d, _ := testDispatcher(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := d.Call(ctx, "slow", nil)
	require.Equal(t, ErrorTimeout, err)
}

func TestDispatcherCallErrorResponse(t *testing.T) {
	d, tr := testDispatcher(t)
	errCh := make(chan error, 1)
	go func() {
		_, err := d.Call(context.Background(), "bad", nil)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return tr.numWritten() == 1 }, time.Second, time.Millisecond)
	frame := sentFrame(t, tr, 0)
	respond(tr, frame.ID, nil, ErrorBadRequest)
	require.Equal(t, ErrorBadRequest.Error(), (<-errCh).Error())
}

func TestDispatcherUnknownResponseDropped(t *testing.T) {
	d, tr := testDispatcher(t)
	// A response for an id never issued is a protocol error: logged,
	// dropped, and the dispatcher keeps working.
	respond(tr, 999, nil, nil)
	tr.push([]byte("{not json"))

	errCh := make(chan error, 1)
	go func() {
		_, err := d.Call(context.Background(), "after", nil)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return tr.numWritten() == 1 }, time.Second, time.Millisecond)
	frame := sentFrame(t, tr, 0)
	respond(tr, frame.ID, nil, nil)
	require.NoError(t, <-errCh)
}

func TestDispatcherRegisterServiceDuplicate(t *testing.T) {
	d, _ := testDispatcher(t)
	fn := func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	}
	require.NoError(t, d.RegisterService("build.run", fn))
	require.Equal(t, ErrorServiceDuplicate, d.RegisterService("build.run", fn))
}

func TestDispatcherServeRequest(t *testing.T) {
	d, tr := testDispatcher(t)
	require.NoError(t, d.RegisterService("sum", func(_ context.Context, params json.RawMessage) (json.RawMessage, error) {
		var in struct{ A, B int }
		if err := json.Unmarshal(params, &in); err != nil {
			return nil, ErrorBadRequest
		}
		return json.Marshal(in.A + in.B)
	}))

	data, _ := encodeFrame(&Frame{ID: 7, Type: FrameTypeRequest, Target: "sum", Payload: json.RawMessage(`{"A":2,"B":3}`)})
	tr.push(data)

	require.Eventually(t, func() bool { return tr.numWritten() == 1 }, time.Second, time.Millisecond)
	frame := sentFrame(t, tr, 0)
	require.Equal(t, FrameTypeResponse, frame.Type)
	require.Equal(t, uint64(7), frame.ID)
	require.Nil(t, frame.Error)
	require.Equal(t, "5", string(frame.Payload))
}

func TestDispatcherServeRequestUnknownService(t *testing.T) {
	_, tr := testDispatcher(t)
	data, _ := encodeFrame(&Frame{ID: 8, Type: FrameTypeRequest, Target: "nope"})
	tr.push(data)
	require.Eventually(t, func() bool { return tr.numWritten() == 1 }, time.Second, time.Millisecond)
	frame := sentFrame(t, tr, 0)
	require.NotNil(t, frame.Error)
	require.Equal(t, ErrorServiceNotFound.Code, frame.Error.Code)
}

func TestDispatcherNotificationRouting(t *testing.T) {
	d, tr := testDispatcher(t)
	got := make(chan string, 2)
	d.RegisterNotificationHandler("watch.event", func(payload json.RawMessage) {
		got <- "first:" + string(payload)
	})
	// Re-registration replaces the previous handler.
	d.RegisterNotificationHandler("watch.event", func(payload json.RawMessage) {
		got <- "second:" + string(payload)
	})

	data, _ := encodeFrame(&Frame{Type: FrameTypeNotification, Target: "watch.event", Payload: json.RawMessage(`1`)})
	tr.push(data)
	require.Equal(t, "second:1", <-got)

	// Unhandled notification names are dropped silently.
	data, _ = encodeFrame(&Frame{Type: FrameTypeNotification, Target: "other", Payload: json.RawMessage(`2`)})
	tr.push(data)
	require.Empty(t, got)
}

func TestDispatcherPingPong(t *testing.T) {
	d, tr := testDispatcher(t)

	// Inbound ping gets an automatic pong with the same id.
	data, _ := encodeFrame(&Frame{ID: 3, Type: FrameTypePing})
	tr.push(data)
	require.Eventually(t, func() bool { return tr.numWritten() == 1 }, time.Second, time.Millisecond)
	frame := sentFrame(t, tr, 0)
	require.Equal(t, FrameTypePong, frame.Type)
	require.Equal(t, uint64(3), frame.ID)

	// Outbound ping resolves on pong.
	errCh := make(chan error, 1)
	go func() { errCh <- d.Ping(context.Background()) }()
	require.Eventually(t, func() bool { return tr.numWritten() == 2 }, time.Second, time.Millisecond)
	ping := sentFrame(t, tr, 1)
	require.Equal(t, FrameTypePing, ping.Type)
	pong, _ := encodeFrame(&Frame{ID: ping.ID, Type: FrameTypePong})
	tr.push(pong)
	require.NoError(t, <-errCh)
}

func TestDispatcherClose(t *testing.T) {
	d, tr := testDispatcher(t)
	errCh := make(chan error, 1)
	go func() {
		_, err := d.Call(context.Background(), "hang", nil)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return tr.numWritten() == 1 }, time.Second, time.Millisecond)
	d.Close()
	require.Equal(t, ErrorTransportClosed, <-errCh)
	_, err := d.Call(context.Background(), "x", nil)
	require.Equal(t, ErrorTransportClosed, err)
}
