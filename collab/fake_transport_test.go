package collab

import (
	"encoding/json"
	"sync"
	"testing"
)

// in-process Transport for exercising the managers without a network.
// events are injected directly and emits are recorded.
type fakeTransport struct {
	mutex     sync.Mutex
	connected bool
	session   *Session

	handlers map[EventKind]*callbackList[rawHandlerFunc]

	connectionCallbacks callbackList[ConnectionStateFunc]

	emits []fakeEmit
}

type fakeEmit struct {
	kind    EventKind
	payload any
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		connected: true,
		session: &Session{
			SessionId:         NewId(),
			EditorId:          NewId(),
			EditorDisplayName: "local editor",
		},
		handlers: map[EventKind]*callbackList[rawHandlerFunc]{},
	}
}

func (self *fakeTransport) Connected() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.connected
}

func (self *fakeTransport) CurrentSession() *Session {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if !self.connected {
		return nil
	}
	return self.session
}

func (self *fakeTransport) Emit(kind EventKind, payload any) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if !self.connected {
		return false
	}
	self.emits = append(self.emits, fakeEmit{kind, payload})
	return true
}

func (self *fakeTransport) AddConnectionListener(callback ConnectionStateFunc) func() {
	id := self.connectionCallbacks.add(callback)
	return func() {
		self.connectionCallbacks.remove(id)
	}
}

func (self *fakeTransport) on(kind EventKind, handler rawHandlerFunc) callbackId {
	self.mutex.Lock()
	list := self.handlers[kind]
	if list == nil {
		list = &callbackList[rawHandlerFunc]{}
		self.handlers[kind] = list
	}
	self.mutex.Unlock()
	return list.add(handler)
}

func (self *fakeTransport) off(kind EventKind, id callbackId) {
	self.mutex.Lock()
	list := self.handlers[kind]
	self.mutex.Unlock()
	if list != nil {
		list.remove(id)
	}
}

func (self *fakeTransport) setConnected(connected bool) {
	self.mutex.Lock()
	self.connected = connected
	self.mutex.Unlock()

	state := ConnectionStateDisconnected
	if connected {
		state = ConnectionStateConnected
	}
	for _, callback := range self.connectionCallbacks.get() {
		callback(state, nil)
	}
}

// a server-pushed event
func (self *fakeTransport) inject(t *testing.T, kind EventKind, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("inject %s: %s", kind, err)
	}
	self.mutex.Lock()
	list := self.handlers[kind]
	self.mutex.Unlock()
	if list == nil {
		return
	}
	for _, handler := range list.get() {
		handler(raw)
	}
}

func (self *fakeTransport) emitted(kind EventKind) []fakeEmit {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	out := []fakeEmit{}
	for _, emit := range self.emits {
		if emit.kind == kind {
			out = append(out, emit)
		}
	}
	return out
}

func (self *fakeTransport) allEmits() []fakeEmit {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	out := make([]fakeEmit, len(self.emits))
	copy(out, self.emits)
	return out
}
