package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/collabsync/collab/collab"
)

type ServerSettings struct {
	AuthTimeout  time.Duration
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	PingTimeout  time.Duration
}

func DefaultServerSettings() *ServerSettings {
	return &ServerSettings{
		AuthTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Second,
		ReadTimeout:  30 * time.Second,
		PingTimeout:  5 * time.Second,
	}
}

// websocket endpoint for sync sessions.
// fails closed: no data is exchanged until the bearer token verifies.
type Server struct {
	ctx context.Context

	broker   *Broker
	secret   []byte
	settings *ServerSettings

	upgrader websocket.Upgrader

	activeConnections atomic.Int64
}

func NewServerWithDefaults(ctx context.Context, broker *Broker, secret []byte) *Server {
	return NewServer(ctx, broker, secret, DefaultServerSettings())
}

func NewServer(ctx context.Context, broker *Broker, secret []byte, settings *ServerSettings) *Server {
	return &Server{
		ctx:      ctx,
		broker:   broker,
		secret:   secret,
		settings: settings,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (self *Server) ActiveConnections() int {
	return int(self.activeConnections.Load())
}

func (self *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[s]upgrade error = %s\n", err)
		return
	}

	editorId, displayName, err := self.authenticate(conn)
	if err != nil {
		glog.Infof("[s]auth error = %s\n", err)
		self.rejectAuth(conn, err)
		return
	}

	sess := &session{
		server:            self,
		conn:              conn,
		sessionId:         collab.NewId(),
		editorId:          editorId,
		editorDisplayName: displayName,
		connectedAt:       time.Now().UTC(),
		sendChan:          make(chan []byte, self.broker.settings.SessionBufferSize),
		done:              make(chan struct{}),
	}
	count := self.activeConnections.Add(1)
	glog.V(1).Infof("[s]session %s editor %s (%d active)\n", sess.sessionId, editorId, count)

	sess.sendEvent(collab.EventConnectionConfirmed, &collab.ConnectionConfirmedEvent{
		EditorId:          editorId,
		EditorDisplayName: displayName,
		ConnectedAt:       sess.connectedAt,
		ActiveConnections: int(count),
	})

	go sess.writePump()
	go sess.readPump()
}

// the first message must be an auth envelope carrying an HMAC-signed
// token with the editor identity claims
func (self *Server) authenticate(conn *websocket.Conn) (collab.Id, string, error) {
	conn.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	_, message, err := conn.ReadMessage()
	if err != nil {
		return collab.Id{}, "", err
	}
	envelope, err := collab.DecodeEnvelope(message)
	if err != nil {
		return collab.Id{}, "", err
	}
	if envelope.Event != collab.EventAuth {
		return collab.Id{}, "", &collab.AuthError{Message: "expected auth"}
	}
	authRequest := &collab.AuthRequest{}
	if err := json.Unmarshal(envelope.Payload, authRequest); err != nil {
		return collab.Id{}, "", &collab.AuthError{Message: "malformed auth"}
	}
	if authRequest.Token == "" {
		return collab.Id{}, "", &collab.AuthError{Message: "missing token"}
	}

	token, err := gojwt.Parse(
		authRequest.Token,
		func(token *gojwt.Token) (any, error) {
			return self.secret, nil
		},
		gojwt.WithValidMethods([]string{"HS256"}),
	)
	if err != nil || !token.Valid {
		return collab.Id{}, "", &collab.AuthError{Message: "invalid token"}
	}

	claims, ok := token.Claims.(gojwt.MapClaims)
	if !ok {
		return collab.Id{}, "", &collab.AuthError{Message: "invalid claims"}
	}
	editorIdStr, ok := claims["editor_id"].(string)
	if !ok {
		return collab.Id{}, "", &collab.AuthError{Message: "missing editor_id"}
	}
	editorId, err := collab.ParseId(editorIdStr)
	if err != nil {
		return collab.Id{}, "", &collab.AuthError{Message: "bad editor_id"}
	}
	displayName, _ := claims["editor_name"].(string)
	if displayName == "" {
		displayName = "editor"
	}
	return editorId, displayName, nil
}

func (self *Server) rejectAuth(conn *websocket.Conn, cause error) {
	message := "unauthorized"
	var authErr *collab.AuthError
	if errors.As(cause, &authErr) {
		message = authErr.Message
	}
	if envelope, err := collab.EncodeEnvelope(collab.EventAuthErrorKind, &collab.AuthErrorEvent{
		Message: message,
	}); err == nil {
		conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
		conn.WriteMessage(websocket.TextMessage, envelope)
	}
	conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized"),
		time.Now().Add(self.settings.WriteTimeout),
	)
	conn.Close()
}

// one authenticated sync connection
type session struct {
	server *Server
	conn   *websocket.Conn

	sessionId         collab.Id
	editorId          collab.Id
	editorDisplayName string
	connectedAt       time.Time

	sendChan  chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// guarded by the broker mutex
	hub *recordHub
}

func (self *session) sendEvent(kind collab.EventKind, payload any) {
	envelope, err := collab.EncodeEnvelope(kind, payload)
	if err != nil {
		glog.Infof("[s]encode %s error = %s\n", kind, err)
		return
	}
	self.send(envelope)
}

// non-blocking. a session that cannot keep up is dropped, not queued
// without bound.
func (self *session) send(envelope []byte) {
	select {
	case <-self.done:
	case self.sendChan <- envelope:
	default:
		glog.Infof("[s]drop session %s (backpressure)\n", self.sessionId)
		self.close()
	}
}

func (self *session) close() {
	self.closeOnce.Do(func() {
		close(self.done)
	})
}

func (self *session) writePump() {
	defer self.conn.Close()

	settings := self.server.settings
	for {
		select {
		case <-self.done:
			return
		case envelope := <-self.sendChan:
			self.conn.SetWriteDeadline(time.Now().Add(settings.WriteTimeout))
			if err := self.conn.WriteMessage(websocket.TextMessage, envelope); err != nil {
				glog.V(1).Infof("[s]%s-> error = %s\n", self.sessionId, err)
				return
			}
		case <-time.After(settings.PingTimeout):
			self.conn.SetWriteDeadline(time.Now().Add(settings.WriteTimeout))
			if err := self.conn.WriteMessage(websocket.TextMessage, make([]byte, 0)); err != nil {
				return
			}
		}
	}
}

func (self *session) readPump() {
	defer func() {
		self.server.broker.Disconnect(self)
		self.close()
		self.conn.Close()
		count := self.server.activeConnections.Add(-1)
		glog.V(1).Infof("[s]session %s closed (%d active)\n", self.sessionId, count)
	}()

	settings := self.server.settings
	broker := self.server.broker
	for {
		self.conn.SetReadDeadline(time.Now().Add(settings.ReadTimeout))
		_, message, err := self.conn.ReadMessage()
		if err != nil {
			return
		}
		if len(message) == 0 {
			// ping
			continue
		}
		envelope, err := collab.DecodeEnvelope(message)
		if err != nil {
			glog.Infof("[s]bad envelope from %s = %s\n", self.sessionId, err)
			continue
		}
		glog.V(2).Infof("[s]%s<- %s\n", self.sessionId, envelope.Event)

		switch envelope.Event {
		case collab.EventSubscribe:
			event := &collab.SubscribeEvent{}
			if json.Unmarshal(envelope.Payload, event) == nil {
				broker.Subscribe(self, event.ContentType, event.ContentId)
			}
		case collab.EventUnsubscribe:
			broker.Unsubscribe(self)
		case collab.EventContentChangeStart:
			event := &collab.FieldChangeEvent{}
			if json.Unmarshal(envelope.Payload, event) == nil {
				broker.FieldEditStart(self, event.Field)
			}
		case collab.EventContentChangeEnd:
			event := &collab.FieldChangeEvent{}
			if json.Unmarshal(envelope.Payload, event) == nil {
				broker.FieldEditEnd(self, event.Field)
			}
		case collab.EventOptimisticUpdate:
			event := &collab.OptimisticUpdateEvent{}
			if json.Unmarshal(envelope.Payload, event) == nil {
				broker.ApplyUpdate(self, event)
			}
		case collab.EventRollbackUpdate:
			event := &collab.RollbackUpdateEvent{}
			if json.Unmarshal(envelope.Payload, event) == nil {
				broker.RollbackUpdate(self, event)
			}
		default:
			glog.V(1).Infof("[s]ignored %s from %s\n", envelope.Event, self.sessionId)
		}
	}
}
