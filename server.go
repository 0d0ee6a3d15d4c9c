package tether

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/segmentio/encoding/json"
)

// Server is the accepting side of the protocol. It owns the session Hub, a
// per-server prometheus registry and the watch service backed by an
// EventSource. Transports are handed in by an outer acceptor, for example
// WebsocketHandler, and the server keeps one Session per client identity
// across any number of them.
type Server struct {
	mu          sync.Mutex
	uid         string
	config      Config
	hub         *Hub
	source      EventSource
	services    map[string]ServiceFunc
	dispatchers map[string]*Dispatcher
	watches     map[string]map[string]struct{}
	closed      bool

	registry *prometheus.Registry
	logger   *logger
	metrics  *metrics
}

// NewServer creates a Server with its own metrics registry.
func NewServer(config Config) (*Server, error) {
	config = config.withDefaults()
	var lg *logger
	if config.LogHandler != nil {
		lg = newLogger(config.LogLevel, config.LogHandler)
	}
	registry := prometheus.NewRegistry()
	m := newMetrics(registry, config.MetricsNamespace)
	m.setBuildInfo(config.Version)
	return &Server{
		uid:         uuid.NewString(),
		config:      config,
		hub:         NewHub(),
		services:    make(map[string]ServiceFunc),
		dispatchers: make(map[string]*Dispatcher),
		watches:     make(map[string]map[string]struct{}),
		registry:    registry,
		logger:      lg,
		metrics:     m,
	}, nil
}

// ID returns the unique id of this server instance.
func (s *Server) ID() string {
	return s.uid
}

// MetricsRegistry returns the registry holding this server's metrics, for
// exposing through promhttp.
func (s *Server) MetricsRegistry() *prometheus.Registry {
	return s.registry
}

// UseEventSource binds the source serving watch subscriptions. Must be set
// before the first connection when watch support is wanted.
func (s *Server) UseEventSource(source EventSource) {
	s.mu.Lock()
	s.source = source
	s.mu.Unlock()
}

// RegisterService exposes fn to every connected client under name. Services
// registered after a client connected are not visible to that client until
// it reconnects.
func (s *Server) RegisterService(name string, fn ServiceFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.services[name]; ok {
		return ErrorServiceDuplicate
	}
	s.services[name] = fn
	return nil
}

// HandleConnection accepts a transport for the given client identity and
// returns the event sink the transport must deliver into. The first
// connection for an identity creates its session, later ones replace the
// session's live transport and trigger queued frame replay.
func (s *Server) HandleConnection(identity string, t Transport) (TransportEvents, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrorSessionClosed
	}
	s.mu.Unlock()

	session, existed := s.hub.GetOrCreate(identity, func() *Session {
		return newSession(identity, s.config, s.logger, s.metrics)
	})
	if !existed {
		d := newDispatcher(session, s.logger, s.metrics)
		s.bindServices(identity, d)
		s.mu.Lock()
		s.dispatchers[identity] = d
		s.mu.Unlock()
	}
	events, err := session.Attach(t)
	if err != nil {
		return nil, err
	}
	if s.logger.enabled(LogLevelDebug) {
		s.logger.log(newLogEntry(LogLevelDebug, "transport accepted", map[string]any{"identity": identity, "transport": t.Name(), "replaced": existed}))
	}
	return events, nil
}

// bindServices registers the shared services plus the watch protocol on a
// fresh per-session dispatcher.
func (s *Server) bindServices(identity string, d *Dispatcher) {
	s.mu.Lock()
	source := s.source
	for name, fn := range s.services {
		_ = d.RegisterService(name, fn)
	}
	s.mu.Unlock()
	if source == nil {
		return
	}
	_ = d.RegisterService(targetWatchSubscribe, s.serveSubscribe(identity, d))
	_ = d.RegisterService(targetWatchUnsubscribe, s.serveUnsubscribe(identity))
}

// scopedName isolates watches of different clients inside one shared
// EventSource. Clients only ever see their own unscoped names.
func scopedName(identity, name string) string {
	return identity + ":" + name
}

func (s *Server) serveSubscribe(identity string, d *Dispatcher) ServiceFunc {
	return func(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
		var req subscribeRequest
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, ErrorBadRequest
		}
		if req.Name == "" || req.Root == "" {
			return nil, ErrorBadRequest
		}
		name := req.Name
		notify := func(ev WatchEvent) {
			ev.Name = name
			payload, err := json.Marshal(ev)
			if err != nil {
				return
			}
			if s.metrics != nil {
				s.metrics.incWatchEvents(len(ev.Changes))
			}
			_ = d.Notify(targetWatchEvent, payload)
		}
		token, err := s.source.Subscribe(req.Root, scopedName(identity, req.Name), req.Options, req.Since, notify)
		if err != nil {
			var rpcErr *Error
			if e, ok := err.(*Error); ok {
				rpcErr = e
			} else {
				rpcErr = &Error{Code: ErrorInternal.Code, Message: err.Error()}
			}
			return nil, rpcErr
		}
		s.mu.Lock()
		if s.watches[identity] == nil {
			s.watches[identity] = make(map[string]struct{})
		}
		s.watches[identity][req.Name] = struct{}{}
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.incSubscriptions()
		}
		return json.Marshal(subscribeResult{Token: token})
	}
}

func (s *Server) serveUnsubscribe(identity string) ServiceFunc {
	return func(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
		var req unsubscribeRequest
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, ErrorBadRequest
		}
		if err := s.source.Unsubscribe(scopedName(identity, req.Name)); err != nil {
			return nil, &Error{Code: ErrorInternal.Code, Message: err.Error()}
		}
		s.mu.Lock()
		if names, ok := s.watches[identity]; ok {
			delete(names, req.Name)
			if len(names) == 0 {
				delete(s.watches, identity)
			}
		}
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.decSubscriptions()
		}
		return json.Marshal(struct{}{})
	}
}

// Session returns the session registered for identity, or nil.
func (s *Server) Session(identity string) *Session {
	return s.hub.Get(identity)
}

// NumSessions returns the number of registered sessions.
func (s *Server) NumSessions() int {
	return s.hub.NumSessions()
}

// CloseSession explicitly ends the session for identity and discards its
// queued frames. This is the only way a session ends before Shutdown, a
// dropped transport alone never does it.
func (s *Server) CloseSession(identity string) {
	s.mu.Lock()
	d, ok := s.dispatchers[identity]
	if ok {
		delete(s.dispatchers, identity)
	}
	s.mu.Unlock()
	if ok {
		d.Close()
	}
	s.releaseWatches(identity)
	if session := s.hub.Get(identity); session != nil {
		session.Close()
	}
	s.hub.Remove(identity)
}

// releaseWatches drops every watch the identity registered in the event
// source. Without this the source would keep firing notify closures into a
// session that no longer exists.
func (s *Server) releaseWatches(identity string) {
	s.mu.Lock()
	source := s.source
	names := s.watches[identity]
	delete(s.watches, identity)
	s.mu.Unlock()
	if source == nil {
		return
	}
	for name := range names {
		if err := source.Unsubscribe(scopedName(identity, name)); err != nil {
			s.logger.log(newLogEntry(LogLevelInfo, "error releasing watch", map[string]any{"identity": identity, "name": name, "error": err.Error()}))
			continue
		}
		if s.metrics != nil {
			s.metrics.decSubscriptions()
		}
	}
}

// Shutdown closes every session and stops accepting connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	dispatchers := make([]*Dispatcher, 0, len(s.dispatchers))
	for _, d := range s.dispatchers {
		dispatchers = append(dispatchers, d)
	}
	s.dispatchers = make(map[string]*Dispatcher)
	identities := make([]string, 0, len(s.watches))
	for identity := range s.watches {
		identities = append(identities, identity)
	}
	s.mu.Unlock()
	for _, d := range dispatchers {
		d.Close()
	}
	for _, identity := range identities {
		s.releaseWatches(identity)
	}
	return s.hub.Shutdown(ctx)
}
