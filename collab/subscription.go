package collab

import (
	"slices"
	"sync"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
)

type markerKey struct {
	editorId Id
	field    string
}

type EditorFunc func(editor ActiveEditor)
type EditorsFunc func(editors []ActiveEditor)

// sub is the new subscription, nil after an unsubscribe or delete
type SubscriptionFunc func(sub *Subscription)

// tracks the single (contentType, contentId) record the session watches
// and the live list of other editors on it.
// at most one subscription per session; switching is atomic
// (unsubscribe old, subscribe new).
type SubscriptionManager struct {
	transport Transport

	mutex       sync.Mutex
	sub         *Subscription
	editors     map[Id]ActiveEditor
	markers     map[markerKey]FieldEditMarker
	localFields map[string]bool

	joinedCallbacks   callbackList[EditorFunc]
	leftCallbacks     callbackList[EditorFunc]
	replacedCallbacks callbackList[EditorsFunc]
	deletedCallbacks  callbackList[func(*ContentDeletedEvent)]
	changedCallbacks  callbackList[SubscriptionFunc]

	unsubs []func()
}

func NewSubscriptionManager(transport Transport) *SubscriptionManager {
	manager := &SubscriptionManager{
		transport:   transport,
		editors:     map[Id]ActiveEditor{},
		markers:     map[markerKey]FieldEditMarker{},
		localFields: map[string]bool{},
	}
	manager.unsubs = []func(){
		HandleEvent(transport, EventUserJoinedEditing, manager.handleJoined),
		HandleEvent(transport, EventUserLeftEditing, manager.handleLeft),
		HandleEvent(transport, EventActiveEditors, manager.handleActiveEditors),
		HandleEvent(transport, EventFieldEditStart, manager.handleFieldEditStart),
		HandleEvent(transport, EventFieldEditEnd, manager.handleFieldEditEnd),
		HandleEvent(transport, EventContentDeleted, manager.handleDeleted),
		transport.AddConnectionListener(manager.handleConnectionState),
	}
	return manager
}

// requires an established connection, else no-op.
// replaces any prior subscription; the server never sees two
// simultaneous subscriptions for one session.
func (self *SubscriptionManager) SubscribeToContent(contentType string, contentId string) bool {
	if !self.transport.Connected() {
		glog.V(1).Infof("[sub]subscribe %s/%s dropped (not connected)\n", contentType, contentId)
		return false
	}

	self.mutex.Lock()
	prior := self.sub
	next := &Subscription{
		ContentType: contentType,
		ContentId:   contentId,
	}
	self.sub = next
	// the cached presence list is stale for the new record.
	// the server's next active-editors push repopulates it.
	self.editors = map[Id]ActiveEditor{}
	self.markers = map[markerKey]FieldEditMarker{}
	self.localFields = map[string]bool{}
	self.mutex.Unlock()

	if prior != nil {
		self.transport.Emit(EventUnsubscribe, &SubscribeEvent{
			ContentType: prior.ContentType,
			ContentId:   prior.ContentId,
		})
	}
	self.transport.Emit(EventSubscribe, &SubscribeEvent{
		ContentType: next.ContentType,
		ContentId:   next.ContentId,
	})
	sub := *next
	self.notifyChanged(&sub)
	return true
}

// tears down the current subscription if any. idempotent.
func (self *SubscriptionManager) UnsubscribeFromContent() {
	self.mutex.Lock()
	prior := self.sub
	self.sub = nil
	self.editors = map[Id]ActiveEditor{}
	self.markers = map[markerKey]FieldEditMarker{}
	self.localFields = map[string]bool{}
	self.mutex.Unlock()

	if prior != nil {
		self.transport.Emit(EventUnsubscribe, &SubscribeEvent{
			ContentType: prior.ContentType,
			ContentId:   prior.ContentId,
		})
		self.notifyChanged(nil)
	}
}

func (self *SubscriptionManager) Current() *Subscription {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.sub == nil {
		return nil
	}
	sub := *self.sub
	return &sub
}

func (self *SubscriptionManager) ActiveEditors() []ActiveEditor {
	self.mutex.Lock()
	editors := maps.Values(self.editors)
	self.mutex.Unlock()

	slices.SortFunc(editors, func(a ActiveEditor, b ActiveEditor) int {
		if c := a.ConnectedAt.Compare(b.ConnectedAt); c != 0 {
			return c
		}
		if a.EditorId.LessThan(b.EditorId) {
			return -1
		} else if b.EditorId.LessThan(a.EditorId) {
			return 1
		}
		return 0
	})
	return editors
}

func (self *SubscriptionManager) FieldMarkers() []FieldEditMarker {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return maps.Values(self.markers)
}

// the remote edit marker for a field, if any editor advertises one
func (self *SubscriptionManager) MarkerForField(field string) *FieldEditMarker {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	for key, marker := range self.markers {
		if key.field == field {
			m := marker
			return &m
		}
	}
	return nil
}

// advisory signal that the local session started typing in a field
func (self *SubscriptionManager) NotifyEditingField(field string) {
	self.mutex.Lock()
	sub := self.sub
	if sub != nil {
		self.localFields[field] = true
	}
	self.mutex.Unlock()
	if sub == nil {
		return
	}
	self.transport.Emit(EventContentChangeStart, &FieldChangeEvent{
		ContentType: sub.ContentType,
		ContentId:   sub.ContentId,
		Field:       field,
	})
}

func (self *SubscriptionManager) NotifyStoppedEditing(field string) {
	self.mutex.Lock()
	sub := self.sub
	delete(self.localFields, field)
	self.mutex.Unlock()
	if sub == nil {
		return
	}
	self.transport.Emit(EventContentChangeEnd, &FieldChangeEvent{
		ContentType: sub.ContentType,
		ContentId:   sub.ContentId,
		Field:       field,
	})
}

// fields the local session is currently editing
func (self *SubscriptionManager) LocalEditingFields() []string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return maps.Keys(self.localFields)
}

func (self *SubscriptionManager) AddEditorJoined(callback EditorFunc) func() {
	id := self.joinedCallbacks.add(callback)
	return func() {
		self.joinedCallbacks.remove(id)
	}
}

func (self *SubscriptionManager) AddEditorLeft(callback EditorFunc) func() {
	id := self.leftCallbacks.add(callback)
	return func() {
		self.leftCallbacks.remove(id)
	}
}

func (self *SubscriptionManager) AddEditorsReplaced(callback EditorsFunc) func() {
	id := self.replacedCallbacks.add(callback)
	return func() {
		self.replacedCallbacks.remove(id)
	}
}

func (self *SubscriptionManager) AddContentDeleted(callback func(*ContentDeletedEvent)) func() {
	id := self.deletedCallbacks.add(callback)
	return func() {
		self.deletedCallbacks.remove(id)
	}
}

// fires whenever the watched record changes, including to nothing.
// per-record state layered on top of the manager resets here.
func (self *SubscriptionManager) AddSubscriptionChanged(callback SubscriptionFunc) func() {
	id := self.changedCallbacks.add(callback)
	return func() {
		self.changedCallbacks.remove(id)
	}
}

func (self *SubscriptionManager) notifyChanged(sub *Subscription) {
	for _, callback := range self.changedCallbacks.get() {
		callback(sub)
	}
}

func (self *SubscriptionManager) Close() {
	for _, unsub := range self.unsubs {
		unsub()
	}
	self.UnsubscribeFromContent()
}

func (self *SubscriptionManager) matches(contentType string, contentId string) bool {
	return self.sub != nil &&
		self.sub.ContentType == contentType &&
		self.sub.ContentId == contentId
}

func (self *SubscriptionManager) handleJoined(event *EditorPresenceEvent) {
	self.mutex.Lock()
	if !self.matches(event.ContentType, event.ContentId) {
		self.mutex.Unlock()
		return
	}
	editor := ActiveEditor{
		EditorId:          event.EditorId,
		EditorDisplayName: event.EditorDisplayName,
		ConnectedAt:       event.Timestamp,
	}
	// upsert, replacing any stale entry for this editor id
	self.editors[event.EditorId] = editor
	self.mutex.Unlock()

	for _, callback := range self.joinedCallbacks.get() {
		callback(editor)
	}
}

func (self *SubscriptionManager) handleLeft(event *EditorPresenceEvent) {
	self.mutex.Lock()
	if !self.matches(event.ContentType, event.ContentId) {
		self.mutex.Unlock()
		return
	}
	editor, ok := self.editors[event.EditorId]
	delete(self.editors, event.EditorId)
	for key := range self.markers {
		if key.editorId == event.EditorId {
			delete(self.markers, key)
		}
	}
	self.mutex.Unlock()

	if ok {
		for _, callback := range self.leftCallbacks.get() {
			callback(editor)
		}
	}
}

// authoritative full-list replace, used to correct drift
func (self *SubscriptionManager) handleActiveEditors(event *ActiveEditorsEvent) {
	self.mutex.Lock()
	if !self.matches(event.ContentType, event.ContentId) {
		self.mutex.Unlock()
		return
	}
	self.editors = map[Id]ActiveEditor{}
	for _, editor := range event.Editors {
		self.editors[editor.EditorId] = editor
	}
	self.mutex.Unlock()

	for _, callback := range self.replacedCallbacks.get() {
		callback(event.Editors)
	}
}

func (self *SubscriptionManager) handleFieldEditStart(event *FieldEditEvent) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if !self.matches(event.ContentType, event.ContentId) {
		return
	}
	self.markers[markerKey{event.EditorId, event.Field}] = FieldEditMarker{
		EditorId:          event.EditorId,
		EditorDisplayName: event.EditorDisplayName,
		Field:             event.Field,
		StartedAt:         event.Timestamp,
	}
}

func (self *SubscriptionManager) handleFieldEditEnd(event *FieldEditEvent) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	delete(self.markers, markerKey{event.EditorId, event.Field})
}

func (self *SubscriptionManager) handleDeleted(event *ContentDeletedEvent) {
	self.mutex.Lock()
	matched := self.matches(event.ContentType, event.ContentId)
	if matched {
		self.sub = nil
		self.editors = map[Id]ActiveEditor{}
		self.markers = map[markerKey]FieldEditMarker{}
		self.localFields = map[string]bool{}
	}
	self.mutex.Unlock()

	if matched {
		for _, callback := range self.deletedCallbacks.get() {
			callback(event)
		}
		self.notifyChanged(nil)
	}
}

// re-subscribe after a reconnect. presence drift is corrected by the
// server's active-editors push on subscribe.
func (self *SubscriptionManager) handleConnectionState(state ConnectionState, err error) {
	if state != ConnectionStateConnected {
		return
	}
	self.mutex.Lock()
	sub := self.sub
	self.mutex.Unlock()
	if sub != nil {
		self.transport.Emit(EventSubscribe, &SubscribeEvent{
			ContentType: sub.ContentType,
			ContentId:   sub.ContentId,
		})
	}
}
