package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

type ConnectionState int

const (
	ConnectionStateDisconnected ConnectionState = iota
	ConnectionStateConnecting
	ConnectionStateConnected
	ConnectionStateReconnecting
	// the reconnect budget is spent. a manual Connect starts over.
	ConnectionStateFailed
)

func (self ConnectionState) String() string {
	switch self {
	case ConnectionStateDisconnected:
		return "disconnected"
	case ConnectionStateConnecting:
		return "connecting"
	case ConnectionStateConnected:
		return "connected"
	case ConnectionStateReconnecting:
		return "reconnecting"
	case ConnectionStateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type ConnectionStateFunc func(state ConnectionState, err error)

type rawHandlerFunc func(payload json.RawMessage)

// the surface the sync managers need from the transport.
// TransportClient is the real implementation; tests use a fake.
type Transport interface {
	Connected() bool
	CurrentSession() *Session
	// fire-and-forget. dropped, not queued, when not connected.
	Emit(kind EventKind, payload any) bool
	AddConnectionListener(callback ConnectionStateFunc) func()
	on(kind EventKind, handler rawHandlerFunc) callbackId
	off(kind EventKind, id callbackId)
}

type TransportSettings struct {
	ConnectTimeout       time.Duration
	WsHandshakeTimeout   time.Duration
	WriteTimeout         time.Duration
	ReadTimeout          time.Duration
	PingTimeout          time.Duration
	ReconnectMinDelay    time.Duration
	MaxReconnectAttempts int
}

func DefaultTransportSettings() *TransportSettings {
	return &TransportSettings{
		ConnectTimeout:       10 * time.Second,
		WsHandshakeTimeout:   2 * time.Second,
		WriteTimeout:         5 * time.Second,
		ReadTimeout:          30 * time.Second,
		PingTimeout:          5 * time.Second,
		ReconnectMinDelay:    1 * time.Second,
		MaxReconnectAttempts: 5,
	}
}

// one persistent connection to a sync server.
// explicitly constructed and injectable, owned by the application context.
type TransportClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	url      string
	settings *TransportSettings

	stateMutex      sync.Mutex
	state           ConnectionState
	conn            *websocket.Conn
	connCancel      context.CancelFunc
	session         *Session
	reconnectCancel context.CancelFunc

	writeMutex sync.Mutex

	handlersMutex sync.Mutex
	handlers      map[EventKind]*callbackList[rawHandlerFunc]

	connectionCallbacks callbackList[ConnectionStateFunc]
}

func NewTransportClientWithDefaults(ctx context.Context, url string) *TransportClient {
	return NewTransportClient(ctx, url, DefaultTransportSettings())
}

func NewTransportClient(ctx context.Context, url string, settings *TransportSettings) *TransportClient {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &TransportClient{
		ctx:      cancelCtx,
		cancel:   cancel,
		url:      url,
		settings: settings,
		state:    ConnectionStateDisconnected,
		handlers: map[EventKind]*callbackList[rawHandlerFunc]{},
	}
}

// opens the connection and authenticates with `token`.
// idempotent. a second call while connected or connecting is a no-op.
// a manual call resets the reconnect attempt budget.
func (self *TransportClient) Connect(token string) error {
	self.stateMutex.Lock()
	switch self.state {
	case ConnectionStateConnected, ConnectionStateConnecting:
		self.stateMutex.Unlock()
		return nil
	}
	if self.reconnectCancel != nil {
		self.reconnectCancel()
		self.reconnectCancel = nil
	}
	self.state = ConnectionStateConnecting
	self.stateMutex.Unlock()
	self.notify(ConnectionStateConnecting, nil)

	conn, session, confirmedPayload, err := self.dial(token)
	if err != nil {
		self.stateMutex.Lock()
		self.state = ConnectionStateDisconnected
		self.stateMutex.Unlock()
		self.notify(ConnectionStateDisconnected, err)
		return err
	}

	self.install(conn, session, confirmedPayload)
	return nil
}

// dial, authenticate with a first-message auth envelope, and wait for
// the server's confirmation within the connect timeout
func (self *TransportClient) dial(token string) (*websocket.Conn, *Session, json.RawMessage, error) {
	deadline := time.Now().Add(self.settings.ConnectTimeout)
	dialCtx, dialCancel := context.WithDeadline(self.ctx, deadline)
	defer dialCancel()

	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(dialCtx, self.url, nil)
	if err != nil {
		if isTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil, nil, &TimeoutError{Op: "connect", Timeout: self.settings.ConnectTimeout.String()}
		}
		return nil, nil, nil, err
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	authBytes, err := EncodeEnvelope(EventAuth, &AuthRequest{Token: token})
	if err != nil {
		return nil, nil, nil, err
	}
	ws.SetWriteDeadline(deadline)
	if err := ws.WriteMessage(websocket.TextMessage, authBytes); err != nil {
		return nil, nil, nil, err
	}

	ws.SetReadDeadline(deadline)
	_, message, err := ws.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
			return nil, nil, nil, &AuthError{Message: "rejected by server"}
		}
		if isTimeout(err) {
			return nil, nil, nil, &TimeoutError{Op: "auth", Timeout: self.settings.ConnectTimeout.String()}
		}
		return nil, nil, nil, err
	}

	envelope, err := DecodeEnvelope(message)
	if err != nil {
		return nil, nil, nil, err
	}
	switch envelope.Event {
	case EventConnectionConfirmed:
		confirmed := &ConnectionConfirmedEvent{}
		if err := json.Unmarshal(envelope.Payload, confirmed); err != nil {
			return nil, nil, nil, err
		}
		session := &Session{
			SessionId:         NewId(),
			EditorId:          confirmed.EditorId,
			EditorDisplayName: confirmed.EditorDisplayName,
			AuthToken:         token,
		}
		success = true
		return ws, session, envelope.Payload, nil
	case EventAuthErrorKind:
		authError := &AuthErrorEvent{}
		json.Unmarshal(envelope.Payload, authError)
		return nil, nil, nil, &AuthError{Message: authError.Message}
	default:
		return nil, nil, nil, fmt.Errorf("unexpected handshake event %s", envelope.Event)
	}
}

func (self *TransportClient) install(conn *websocket.Conn, session *Session, confirmedPayload json.RawMessage) {
	connCtx, connCancel := context.WithCancel(self.ctx)

	self.stateMutex.Lock()
	self.conn = conn
	self.connCancel = connCancel
	self.session = session
	self.state = ConnectionStateConnected
	self.stateMutex.Unlock()

	go self.readPump(connCtx, connCancel, conn, session.AuthToken)
	go self.pingPump(connCtx, connCancel, conn)

	self.notify(ConnectionStateConnected, nil)
	if confirmedPayload != nil {
		self.dispatch(EventConnectionConfirmed, confirmedPayload)
	}
}

func (self *TransportClient) readPump(connCtx context.Context, connCancel context.CancelFunc, conn *websocket.Conn, token string) {
	defer connCancel()

	for {
		select {
		case <-connCtx.Done():
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			self.handleConnectionLost(conn, token, err)
			return
		}
		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			if len(message) == 0 {
				// ping
				glog.V(2).Infof("[t]ping<-\n")
				continue
			}
			envelope, err := DecodeEnvelope(message)
			if err != nil {
				glog.Infof("[t]bad envelope = %s\n", err)
				continue
			}
			glog.V(2).Infof("[t]%s<-\n", envelope.Event)
			// handlers run in order on this goroutine so server
			// ordering per subscription is preserved
			self.dispatch(envelope.Event, envelope.Payload)
		}
	}
}

func (self *TransportClient) pingPump(connCtx context.Context, connCancel context.CancelFunc, conn *websocket.Conn) {
	defer connCancel()

	for {
		select {
		case <-connCtx.Done():
			return
		case <-time.After(self.settings.PingTimeout):
			if err := self.write(conn, make([]byte, 0)); err != nil {
				return
			}
		}
	}
}

// decide whether a read error was an intentional close or a mid-session
// drop that should enter the reconnect loop
func (self *TransportClient) handleConnectionLost(conn *websocket.Conn, token string, cause error) {
	self.stateMutex.Lock()
	if self.conn != conn {
		// intentional disconnect or replaced connection
		self.stateMutex.Unlock()
		return
	}
	self.conn = nil
	self.session = nil
	self.connCancel = nil
	self.state = ConnectionStateReconnecting

	reconnectCtx, reconnectCancel := context.WithCancel(self.ctx)
	self.reconnectCancel = reconnectCancel
	self.stateMutex.Unlock()

	conn.Close()
	glog.Infof("[t]connection lost = %s\n", cause)
	self.notify(ConnectionStateReconnecting, cause)

	go func() {
		// release the derived context on every exit path
		defer reconnectCancel()
		self.reconnectLoop(reconnectCtx, token, cause)
	}()
}

func (self *TransportClient) reconnectLoop(reconnectCtx context.Context, token string, cause error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = self.settings.ReconnectMinDelay
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = 365 * 24 * time.Hour
	bo.MaxElapsedTime = 0
	bo.Reset()

	lastErr := cause
	for attempt := 1; attempt <= self.settings.MaxReconnectAttempts; attempt += 1 {
		select {
		case <-reconnectCtx.Done():
			return
		case <-time.After(bo.NextBackOff()):
		}

		conn, session, confirmedPayload, err := self.dial(token)
		if err != nil {
			lastErr = err
			glog.Infof("[t]reconnect %d error = %s\n", attempt, err)
			var authErr *AuthError
			if errors.As(err, &authErr) {
				// a dead token never recovers by retrying
				self.finishReconnect(reconnectCtx, ConnectionStateFailed, err)
				return
			}
			continue
		}

		self.stateMutex.Lock()
		if reconnectCtx.Err() != nil {
			// a manual Connect or Disconnect won the race
			self.stateMutex.Unlock()
			conn.Close()
			return
		}
		self.reconnectCancel = nil
		self.stateMutex.Unlock()

		self.install(conn, session, confirmedPayload)
		return
	}

	self.finishReconnect(reconnectCtx, ConnectionStateFailed, &TransportError{
		Attempts: self.settings.MaxReconnectAttempts,
		Cause:    lastErr,
	})
}

func (self *TransportClient) finishReconnect(reconnectCtx context.Context, state ConnectionState, err error) {
	self.stateMutex.Lock()
	if reconnectCtx.Err() != nil {
		self.stateMutex.Unlock()
		return
	}
	self.reconnectCancel = nil
	self.state = state
	self.stateMutex.Unlock()
	self.notify(state, err)
}

// closes the connection and clears the session. always succeeds, idempotent.
// registered event handlers survive so a later Connect resumes dispatch.
func (self *TransportClient) Disconnect() {
	self.stateMutex.Lock()
	wasDisconnected := self.state == ConnectionStateDisconnected
	if self.reconnectCancel != nil {
		self.reconnectCancel()
		self.reconnectCancel = nil
	}
	conn := self.conn
	connCancel := self.connCancel
	self.conn = nil
	self.connCancel = nil
	self.session = nil
	self.state = ConnectionStateDisconnected
	self.stateMutex.Unlock()

	if connCancel != nil {
		connCancel()
	}
	if conn != nil {
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(self.settings.WriteTimeout),
		)
		conn.Close()
	}
	if !wasDisconnected {
		self.notify(ConnectionStateDisconnected, nil)
	}
}

func (self *TransportClient) Close() {
	self.Disconnect()
	self.cancel()
}

func (self *TransportClient) Connected() bool {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	return self.state == ConnectionStateConnected
}

func (self *TransportClient) State() ConnectionState {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	return self.state
}

func (self *TransportClient) CurrentSession() *Session {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	return self.session
}

func (self *TransportClient) Emit(kind EventKind, payload any) bool {
	self.stateMutex.Lock()
	conn := self.conn
	connected := self.state == ConnectionStateConnected
	self.stateMutex.Unlock()

	if !connected || conn == nil {
		glog.V(1).Infof("[t]drop %s-> (not connected)\n", kind)
		return false
	}
	message, err := EncodeEnvelope(kind, payload)
	if err != nil {
		glog.Infof("[t]encode %s error = %s\n", kind, err)
		return false
	}
	if err := self.write(conn, message); err != nil {
		glog.Infof("[t]%s-> error = %s\n", kind, err)
		return false
	}
	glog.V(2).Infof("[t]%s->\n", kind)
	return true
}

func (self *TransportClient) write(conn *websocket.Conn, message []byte) error {
	self.writeMutex.Lock()
	defer self.writeMutex.Unlock()
	conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, message)
}

func (self *TransportClient) AddConnectionListener(callback ConnectionStateFunc) func() {
	id := self.connectionCallbacks.add(callback)
	return func() {
		self.connectionCallbacks.remove(id)
	}
}

func (self *TransportClient) notify(state ConnectionState, err error) {
	for _, callback := range self.connectionCallbacks.get() {
		callback(state, err)
	}
}

func (self *TransportClient) on(kind EventKind, handler rawHandlerFunc) callbackId {
	self.handlersMutex.Lock()
	list := self.handlers[kind]
	if list == nil {
		list = &callbackList[rawHandlerFunc]{}
		self.handlers[kind] = list
	}
	self.handlersMutex.Unlock()
	return list.add(handler)
}

func (self *TransportClient) off(kind EventKind, id callbackId) {
	self.handlersMutex.Lock()
	list := self.handlers[kind]
	self.handlersMutex.Unlock()
	if list != nil {
		list.remove(id)
	}
}

func (self *TransportClient) dispatch(kind EventKind, payload json.RawMessage) {
	self.handlersMutex.Lock()
	list := self.handlers[kind]
	self.handlersMutex.Unlock()
	if list == nil {
		return
	}
	for _, handler := range list.get() {
		handler(payload)
	}
}

// typed subscribe to one of the fixed server event kinds.
// the returned func unsubscribes.
func HandleEvent[T any](transport Transport, kind EventKind, callback func(*T)) func() {
	id := transport.on(kind, func(payload json.RawMessage) {
		event := new(T)
		if err := json.Unmarshal(payload, event); err != nil {
			glog.Infof("[t]decode %s error = %s\n", kind, err)
			return
		}
		callback(event)
	})
	return func() {
		transport.off(kind, id)
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
