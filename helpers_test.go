package tether

import (
	"sync"
)

// testTransport records written frames and allows injecting write failures
// and inbound events.
type testTransport struct {
	mu       sync.Mutex
	name     string
	events   TransportEvents
	written  [][]byte
	failWith error
	closed   bool
}

func newTestTransport() *testTransport {
	return &testTransport{name: "test"}
}

func (t *testTransport) Name() string {
	return t.name
}

func (t *testTransport) Write(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failWith != nil {
		return t.failWith
	}
	d := make([]byte, len(data))
	copy(d, data)
	t.written = append(t.written, d)
	return nil
}

func (t *testTransport) Run(events TransportEvents) {
	t.mu.Lock()
	t.events = events
	t.mu.Unlock()
}

func (t *testTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *testTransport) setFailWith(err error) {
	t.mu.Lock()
	t.failWith = err
	t.mu.Unlock()
}

func (t *testTransport) frames() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.written))
	for _, d := range t.written {
		out = append(out, string(d))
	}
	return out
}

func (t *testTransport) numWritten() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.written)
}

func (t *testTransport) push(data []byte) {
	t.mu.Lock()
	events := t.events
	t.mu.Unlock()
	if events != nil {
		events.HandleMessage(data)
	}
}

func (t *testTransport) reportClosed() {
	t.mu.Lock()
	events := t.events
	t.mu.Unlock()
	if events != nil {
		events.HandleClosed()
	}
}

func (t *testTransport) reportError(err *TransportError) {
	t.mu.Lock()
	events := t.events
	t.mu.Unlock()
	if events != nil {
		events.HandleError(err)
	}
}
