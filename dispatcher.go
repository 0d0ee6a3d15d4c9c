package tether

import (
	"context"
	"errors"
	"sync"

	"github.com/segmentio/encoding/json"
)

// ServiceFunc handles one inbound request frame targeting a registered
// service name. The returned payload goes back inside the response frame; a
// returned *Error is sent as-is, any other error maps to ErrorInternal.
type ServiceFunc func(ctx context.Context, params json.RawMessage) (json.RawMessage, error)

// NotificationHandler receives unsolicited frames routed by target name.
type NotificationHandler func(payload json.RawMessage)

// Dispatcher multiplexes logical calls over one Session. Outbound requests
// get unique monotonically increasing sequence ids and are correlated with
// response frames purely by id, so out-of-order arrival from the transport
// is tolerated. Unsolicited notifications are routed to registered handlers
// by target name.
type Dispatcher struct {
	mu            sync.Mutex
	session       *Session
	nextID        uint64
	pending       map[uint64]chan *Frame
	notifications map[string]NotificationHandler
	services      map[string]ServiceFunc
	closed        bool
	closeCh       chan struct{}

	logger  *logger
	metrics *metrics
}

// NewDispatcher creates a Dispatcher bound to the session's inbound stream.
func NewDispatcher(session *Session, config Config) *Dispatcher {
	config = config.withDefaults()
	var lg *logger
	if config.LogHandler != nil {
		lg = newLogger(config.LogLevel, config.LogHandler)
	}
	return newDispatcher(session, lg, nil)
}

func newDispatcher(session *Session, lg *logger, m *metrics) *Dispatcher {
	d := &Dispatcher{
		session:       session,
		pending:       make(map[uint64]chan *Frame),
		notifications: make(map[string]NotificationHandler),
		services:      make(map[string]ServiceFunc),
		closeCh:       make(chan struct{}),
		logger:        lg,
		metrics:       m,
	}
	session.OnMessage(d.handleData)
	return d
}

// Call sends a request frame to the named target and waits for the matching
// response. The caller controls the deadline through ctx: when it elapses
// before a response arrives Call fails with ErrorTimeout and only the local
// wait is cancelled - request content already sent is not recalled. Requests
// from one caller are issued and sent in the order Call is invoked.
func (d *Dispatcher) Call(ctx context.Context, target string, params json.RawMessage) (json.RawMessage, error) {
	frameType := FrameTypeRequest
	ch, id, err := d.sendCorrelated(frameType, target, params)
	if err != nil {
		return nil, err
	}
	return d.await(ctx, id, ch)
}

// Ping probes the remote side with a ping frame and waits for the pong.
func (d *Dispatcher) Ping(ctx context.Context) error {
	ch, id, err := d.sendCorrelated(FrameTypePing, "", nil)
	if err != nil {
		return err
	}
	_, err = d.await(ctx, id, ch)
	return err
}

// sendCorrelated allocates the next sequence id, registers the pending
// request and hands the frame to the session, all under one critical
// section so ids and the outbound order agree.
func (d *Dispatcher) sendCorrelated(frameType FrameType, target string, params json.RawMessage) (chan *Frame, uint64, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, 0, ErrorTransportClosed
	}
	d.nextID++
	id := d.nextID
	ch := make(chan *Frame, 1)
	d.pending[id] = ch

	data, err := encodeFrame(&Frame{ID: id, Type: frameType, Target: target, Payload: params})
	if err != nil {
		delete(d.pending, id)
		d.mu.Unlock()
		return nil, 0, err
	}
	sendErr := d.session.Send(data)
	d.mu.Unlock()
	if sendErr != nil {
		d.removePending(id)
		return nil, 0, sendErr
	}
	if d.metrics != nil {
		d.metrics.incCalls(target)
	}
	return ch, id, nil
}

func (d *Dispatcher) await(ctx context.Context, id uint64, ch chan *Frame) (json.RawMessage, error) {
	select {
	case frame := <-ch:
		if frame.Error != nil {
			return nil, frame.Error
		}
		return frame.Payload, nil
	case <-ctx.Done():
		d.removePending(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			if d.metrics != nil {
				d.metrics.incCallTimeouts()
			}
			return nil, ErrorTimeout
		}
		return nil, ctx.Err()
	case <-d.closeCh:
		return nil, ErrorTransportClosed
	}
}

func (d *Dispatcher) removePending(id uint64) {
	d.mu.Lock()
	delete(d.pending, id)
	d.mu.Unlock()
}

// Notify sends a notification frame to the named target. Notifications
// carry no sequence id and expect no response.
func (d *Dispatcher) Notify(target string, payload json.RawMessage) error {
	data, err := encodeFrame(&Frame{Type: FrameTypeNotification, Target: target, Payload: payload})
	if err != nil {
		return err
	}
	return d.session.Send(data)
}

// RegisterNotificationHandler routes unsolicited frames with matching target
// name to handler. At most one handler per name - re-registration replaces
// the previous handler.
func (d *Dispatcher) RegisterNotificationHandler(name string, handler NotificationHandler) {
	d.mu.Lock()
	d.notifications[name] = handler
	d.mu.Unlock()
}

// RegisterService exposes fn for inbound request frames targeting name.
// Registration fails with ErrorServiceDuplicate when the name is already
// bound, preventing accidental double-registration from independent
// subsystems.
func (d *Dispatcher) RegisterService(name string, fn ServiceFunc) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.services[name]; ok {
		return ErrorServiceDuplicate
	}
	d.services[name] = fn
	return nil
}

// handleData processes one inbound frame from the session stream. Frame
// correlation failures never propagate to the application: a malformed
// frame or a response with unknown id is logged and dropped.
func (d *Dispatcher) handleData(data []byte) {
	frame, err := decodeFrame(data)
	if err != nil {
		if d.metrics != nil {
			d.metrics.incProtocolErrors("malformed_frame")
		}
		d.logger.log(newLogEntry(LogLevelInfo, "dropping malformed frame", map[string]any{"error": err.Error()}))
		return
	}
	switch frame.Type {
	case FrameTypeResponse, FrameTypePong:
		d.resolve(frame)
	case FrameTypeRequest:
		d.serveRequest(frame)
	case FrameTypeNotification:
		d.routeNotification(frame)
	case FrameTypePing:
		d.sendPong(frame.ID)
	}
}

func (d *Dispatcher) resolve(frame *Frame) {
	d.mu.Lock()
	ch, ok := d.pending[frame.ID]
	if ok {
		delete(d.pending, frame.ID)
	}
	d.mu.Unlock()
	if !ok {
		// Response id unknown: either never issued or already timed out.
		if d.metrics != nil {
			d.metrics.incProtocolErrors("unknown_id")
		}
		d.logger.log(newLogEntry(LogLevelInfo, "dropping response with unknown id", map[string]any{"id": frame.ID}))
		return
	}
	ch <- frame
}

func (d *Dispatcher) serveRequest(frame *Frame) {
	d.mu.Lock()
	fn, ok := d.services[frame.Target]
	d.mu.Unlock()
	if !ok {
		d.respond(frame.ID, nil, ErrorServiceNotFound)
		return
	}
	// Service functions run outside the transport read loop so a slow
	// service cannot stall inbound frame delivery. Responses are matched by
	// id so their ordering does not matter.
	go func() {
		result, err := fn(context.Background(), frame.Payload)
		if err != nil {
			var rpcErr *Error
			if !errors.As(err, &rpcErr) {
				rpcErr = ErrorInternal
			}
			d.respond(frame.ID, nil, rpcErr)
			return
		}
		d.respond(frame.ID, result, nil)
	}()
}

func (d *Dispatcher) respond(id uint64, result json.RawMessage, rpcErr *Error) {
	data, err := encodeFrame(&Frame{ID: id, Type: FrameTypeResponse, Payload: result, Error: rpcErr})
	if err != nil {
		d.logger.log(newLogEntry(LogLevelError, "error encoding response frame", map[string]any{"error": err.Error()}))
		return
	}
	_ = d.session.Send(data)
}

func (d *Dispatcher) sendPong(id uint64) {
	data, err := encodeFrame(&Frame{ID: id, Type: FrameTypePong})
	if err != nil {
		return
	}
	_ = d.session.Send(data)
}

func (d *Dispatcher) routeNotification(frame *Frame) {
	d.mu.Lock()
	handler, ok := d.notifications[frame.Target]
	d.mu.Unlock()
	if !ok {
		if d.logger.enabled(LogLevelDebug) {
			d.logger.log(newLogEntry(LogLevelDebug, "no handler for notification", map[string]any{"target": frame.Target}))
		}
		return
	}
	handler(frame.Payload)
}

// Close fails every pending call with ErrorTransportClosed and rejects new
// calls. It does not close the underlying session.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.pending = make(map[uint64]chan *Frame)
	close(d.closeCh)
	d.mu.Unlock()
}
