package tether

import (
	"sync"

	"github.com/tetherlink/tether/internal/queue"
)

// MessageHandler is invoked for each inbound frame, in arrival order, on a
// single logical stream regardless of how many physical transports have been
// attached over the session's life.
type MessageHandler func(data []byte)

// DetachHandler is invoked when a transport error or close detached the
// session's transport. err is nil for a clean close.
type DetachHandler func(err *TransportError)

// Session owns a stable client identity and an ordered outbound queue.
// While no transport is attached Send buffers frames; Attach replays the
// buffer in original order through the new transport and then lets
// subsequent sends pass straight through. A transport failure detaches it
// but never destroys the session - only Close does.
type Session struct {
	mu        sync.Mutex
	identity  string
	transport Transport
	messages  *queue.Queue
	onMessage MessageHandler
	onDetach  DetachHandler
	closed    bool
	hwmSeen   bool

	queueHighWatermark int

	logger  *logger
	metrics *metrics
}

// NewSession creates a detached Session for the given client identity.
func NewSession(identity string, config Config) *Session {
	config = config.withDefaults()
	var lg *logger
	if config.LogHandler != nil {
		lg = newLogger(config.LogLevel, config.LogHandler)
	}
	return newSession(identity, config, lg, nil)
}

func newSession(identity string, config Config, lg *logger, m *metrics) *Session {
	return &Session{
		identity:           identity,
		messages:           queue.New(config.QueueInitialCap),
		queueHighWatermark: config.QueueHighWatermark,
		logger:             lg,
		metrics:            m,
	}
}

// ID returns the stable client identity of the session.
func (s *Session) ID() string {
	return s.identity
}

// OnMessage registers the handler for inbound frames. Re-registration
// replaces the previous handler.
func (s *Session) OnMessage(handler MessageHandler) {
	s.mu.Lock()
	s.onMessage = handler
	s.mu.Unlock()
}

// OnDetach registers a handler called after a transport error or close
// detached the live transport.
func (s *Session) OnDetach(handler DetachHandler) {
	s.mu.Lock()
	s.onDetach = handler
	s.mu.Unlock()
}

// Attach binds a new transport to the session. A previously attached
// transport is detached first but not closed - the caller owns transport
// disposal. Every queued frame is replayed through the new transport in
// original order before Attach returns. The returned sink must be passed to
// the transport's Run method; events from a transport that is no longer
// current are dropped by the sink.
func (s *Session) Attach(t Transport) (TransportEvents, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrorSessionClosed
	}
	s.transport = t
	if err := s.flushLocked(); err != nil {
		// Fresh transport failed right away: stay in queuing state.
		s.transport = nil
		return nil, err
	}
	s.hwmSeen = false
	if s.metrics != nil {
		s.metrics.incTransportAttach(t.Name())
	}
	if s.logger.enabled(LogLevelDebug) {
		s.logger.log(newLogEntry(LogLevelDebug, "transport attached", map[string]any{"identity": s.identity, "transport": t.Name()}))
	}
	return &boundSink{session: s, transport: t}, nil
}

// flushLocked hands queued frames to the current transport in FIFO order.
// A frame that the transport did not accept goes back to the queue head so
// no frame is lost or reordered. Mutex must be held.
func (s *Session) flushLocked() error {
	for {
		item, ok := s.messages.Remove()
		if !ok {
			return nil
		}
		if err := s.transport.Write(item.Data); err != nil {
			s.messages.PushFront(item)
			return err
		}
		if s.metrics != nil {
			s.metrics.incFramesSent(len(item.Data))
		}
	}
}

// Send passes the frame through the attached transport, or enqueues it at
// the tail of the outbound queue when the session is detached. It never
// blocks on the network state and never drops a frame; the only error
// conditions are an explicitly closed session or a failing transport write
// (in which case the frame is queued and the transport detached).
func (s *Session) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrorSessionClosed
	}
	if s.transport == nil {
		s.enqueueLocked(data)
		return nil
	}
	if err := s.transport.Write(data); err != nil {
		// Transport turned out dead: keep the frame and fall back to
		// queuing until the next Attach.
		s.detachLocked(&TransportError{Code: ErrCodeNetworkAway, Message: err.Error()})
		s.enqueueLocked(data)
		return nil
	}
	if s.metrics != nil {
		s.metrics.incFramesSent(len(data))
	}
	return nil
}

// mutex must be held.
func (s *Session) enqueueLocked(data []byte) {
	s.messages.Add(queue.Item{Data: data})
	if s.metrics != nil {
		s.metrics.incFramesQueued()
	}
	if s.queueHighWatermark > 0 && s.messages.Size() > s.queueHighWatermark && !s.hwmSeen {
		s.hwmSeen = true
		s.logger.log(newLogEntry(LogLevelWarn, "outbound queue above high watermark", map[string]any{
			"identity": s.identity,
			"size":     s.messages.Size(),
			"frames":   s.messages.Len(),
		}))
	}
}

// mutex must be held.
func (s *Session) detachLocked(err *TransportError) {
	if s.transport == nil {
		return
	}
	name := s.transport.Name()
	s.transport = nil
	if s.metrics != nil {
		s.metrics.incTransportDetach(name)
	}
	if s.logger.enabled(LogLevelDebug) {
		fields := map[string]any{"identity": s.identity, "transport": name}
		if err != nil {
			fields["code"] = err.Code
		}
		s.logger.log(newLogEntry(LogLevelDebug, "transport detached", fields))
	}
	handler := s.onDetach
	if handler != nil {
		go handler(err)
	}
}

// Detach removes the current transport without closing the session, for
// callers replacing a transport they are about to dispose themselves.
func (s *Session) Detach() {
	s.mu.Lock()
	if s.transport != nil {
		name := s.transport.Name()
		s.transport = nil
		if s.metrics != nil {
			s.metrics.incTransportDetach(name)
		}
	}
	s.mu.Unlock()
}

// Attached reports whether a live transport is currently bound.
func (s *Session) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport != nil
}

// QueueLen returns the number of frames waiting for a transport.
func (s *Session) QueueLen() int {
	return s.messages.Len()
}

// QueueSize returns the byte size of frames waiting for a transport.
func (s *Session) QueueSize() int {
	return s.messages.Size()
}

// Close destroys the session and discards queued frames. A closed session
// rejects Attach and Send. Transport drop never closes a session - this is
// the one explicit way a session ends.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.transport = nil
	s.messages.Close()
	s.mu.Unlock()
}

func (s *Session) closedNow() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// boundSink forwards transport events into the session only while its
// transport is still the session's current one.
type boundSink struct {
	session   *Session
	transport Transport
}

func (b *boundSink) HandleMessage(data []byte) {
	s := b.session
	s.mu.Lock()
	if s.transport != b.transport || s.closed {
		s.mu.Unlock()
		return
	}
	handler := s.onMessage
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.incFramesReceived(len(data))
	}
	if handler != nil {
		// Called synchronously from the transport read loop so inbound
		// frames keep arrival order on one logical stream.
		handler(data)
	}
}

func (b *boundSink) HandleError(err *TransportError) {
	s := b.session
	s.mu.Lock()
	if s.transport != b.transport {
		s.mu.Unlock()
		return
	}
	s.detachLocked(err)
	s.mu.Unlock()
}

func (b *boundSink) HandleClosed() {
	s := b.session
	s.mu.Lock()
	if s.transport != b.transport {
		s.mu.Unlock()
		return
	}
	s.detachLocked(nil)
	s.mu.Unlock()
}
