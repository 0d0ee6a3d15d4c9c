package tether

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const transportWebsocket = "websocket"

// identityHeader carries the client identity on the upgrade request. The
// identity query parameter works too for clients that cannot set headers.
const identityHeader = "X-Tether-Identity"

// WebsocketConfig represents config for WebsocketHandler.
type WebsocketConfig struct {
	// CheckOrigin func to provide custom origin check logic. nil means
	// the Origin host must match the request Host.
	CheckOrigin func(r *http.Request) bool

	// ReadBufferSize is a parameter that is used for raw websocket Upgrader.
	// If set to zero reasonable default value will be used.
	ReadBufferSize int

	// WriteBufferSize is a parameter that is used for raw websocket Upgrader.
	// If set to zero reasonable default value will be used.
	WriteBufferSize int

	// MessageSizeLimit sets the maximum size in bytes of allowed message
	// from the peer. By default, 65536 bytes (64KB) will be used.
	MessageSizeLimit int

	// WriteTimeout is maximum time of write message operation. Slow client
	// will be disconnected. By default, 1 * time.Second will be used.
	WriteTimeout time.Duration
}

const (
	defaultWebsocketMessageSizeLimit = 65536
	defaultWebsocketWriteTimeout     = time.Second
)

// WebsocketHandler accepts websocket connections and hands them to a Server
// as transports. The same client identity may connect repeatedly; each new
// connection replaces the live transport of that identity's session.
type WebsocketHandler struct {
	server  *Server
	upgrade *websocket.Upgrader
	config  WebsocketConfig
}

// NewWebsocketHandler creates new WebsocketHandler.
func NewWebsocketHandler(server *Server, config WebsocketConfig) *WebsocketHandler {
	upgrade := &websocket.Upgrader{
		ReadBufferSize:  config.ReadBufferSize,
		WriteBufferSize: config.WriteBufferSize,
	}
	if config.CheckOrigin != nil {
		upgrade.CheckOrigin = config.CheckOrigin
	} else {
		upgrade.CheckOrigin = sameHostOriginCheck()
	}
	return &WebsocketHandler{
		server:  server,
		upgrade: upgrade,
		config:  config,
	}
}

func (s *WebsocketHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	identity := r.Header.Get(identityHeader)
	if identity == "" {
		identity = r.URL.Query().Get("identity")
	}
	if identity == "" {
		http.Error(rw, "missing client identity", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrade.Upgrade(rw, r, nil)
	if err != nil {
		return
	}

	writeTimeout := s.config.WriteTimeout
	if writeTimeout == 0 {
		writeTimeout = defaultWebsocketWriteTimeout
	}
	messageSizeLimit := s.config.MessageSizeLimit
	if messageSizeLimit == 0 {
		messageSizeLimit = defaultWebsocketMessageSizeLimit
	}
	conn.SetReadLimit(int64(messageSizeLimit))

	t := newWebsocketTransport(conn, writeTimeout)
	events, err := s.server.HandleConnection(identity, t)
	if err != nil {
		_ = t.Close()
		return
	}
	t.Run(events)
}

func sameHostOriginCheck() func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return strings.EqualFold(u.Host, r.Host)
	}
}

// websocketTransport adapts one websocket connection to the Transport
// contract. Reads run in their own goroutine started by Run; writes are
// serialized by a mutex since the session layer may write from several
// goroutines.
type websocketTransport struct {
	mu           sync.Mutex
	conn         *websocket.Conn
	writeTimeout time.Duration
	closeOnce    sync.Once
	closeCh      chan struct{}
}

func newWebsocketTransport(conn *websocket.Conn, writeTimeout time.Duration) *websocketTransport {
	return &websocketTransport{
		conn:         conn,
		writeTimeout: writeTimeout,
		closeCh:      make(chan struct{}),
	}
}

// Name implements Transport.
func (t *websocketTransport) Name() string {
	return transportWebsocket
}

// Write implements Transport.
func (t *websocketTransport) Write(data []byte) error {
	select {
	case <-t.closeCh:
		return ErrorTransportClosed
	default:
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.writeTimeout > 0 {
		_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	if t.writeTimeout > 0 {
		_ = t.conn.SetWriteDeadline(time.Time{})
	}
	return nil
}

// Run implements Transport.
func (t *websocketTransport) Run(events TransportEvents) {
	go t.reader(events)
}

func (t *websocketTransport) reader(events TransportEvents) {
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			select {
			case <-t.closeCh:
				// Local close already happened, the sink was told.
				return
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				events.HandleClosed()
			} else {
				events.HandleError(&TransportError{Code: ErrCodeNetworkAway, Message: err.Error()})
			}
			return
		}
		events.HandleMessage(data)
	}
}

// Close implements Transport.
func (t *websocketTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closeCh)
		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		t.mu.Lock()
		_ = t.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		t.mu.Unlock()
		err = t.conn.Close()
	})
	return err
}

// DialWebsocket returns a Dialer establishing websocket transports against
// rawURL, announcing the given client identity on every dial. It is the
// client-side counterpart of WebsocketHandler and plugs straight into
// NewClient.
func DialWebsocket(rawURL string, identity string) Dialer {
	return func(ctx context.Context) (Transport, error) {
		header := http.Header{}
		header.Set(identityHeader, identity)
		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, rawURL, header)
		if err != nil {
			if resp != nil && resp.Body != nil {
				_ = resp.Body.Close()
			}
			return nil, err
		}
		return newWebsocketTransport(conn, defaultWebsocketWriteTimeout), nil
	}
}
