package broker

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/collabsync/collab/collab"
)

// comparable
type recordKey struct {
	contentType string
	contentId   string
}

func (self recordKey) String() string {
	return self.contentType + "/" + self.contentId
}

type fieldMarkerKey struct {
	editorId collab.Id
	field    string
}

type BrokerSettings struct {
	// bound on a session's outbound queue before it is dropped
	SessionBufferSize int
}

func DefaultBrokerSettings() *BrokerSettings {
	return &BrokerSettings{
		SessionBufferSize: 64,
	}
}

// the authoritative side of the sync protocol.
// maintains the reverse index (contentType, contentId) -> subscribed
// sessions, arbitrates optimistic updates per record, and broadcasts
// presence and content events.
type Broker struct {
	ctx context.Context

	store    ContentStore
	fanout   *Fanout
	settings *BrokerSettings

	mutex sync.Mutex
	hubs  map[recordKey]*recordHub
}

func NewBrokerWithDefaults(ctx context.Context, store ContentStore) *Broker {
	return NewBroker(ctx, store, nil, DefaultBrokerSettings())
}

// fanout may be nil for a single-instance deployment
func NewBroker(ctx context.Context, store ContentStore, fanout *Fanout, settings *BrokerSettings) *Broker {
	broker := &Broker{
		ctx:      ctx,
		store:    store,
		fanout:   fanout,
		settings: settings,
	}
	broker.hubs = map[recordKey]*recordHub{}
	if fanout != nil {
		fanout.start(broker.deliverRemote)
	}
	return broker
}

// all subscribers of one record.
// the hub mutex serializes optimistic updates per record, which makes
// each update's fate deterministic in arrival order.
type recordHub struct {
	key recordKey

	mutex    sync.Mutex
	sessions map[collab.Id]*session
	markers  map[fieldMarkerKey]collab.FieldEditMarker
}

func newRecordHub(key recordKey) *recordHub {
	return &recordHub{
		key:      key,
		sessions: map[collab.Id]*session{},
		markers:  map[fieldMarkerKey]collab.FieldEditMarker{},
	}
}

func (self *recordHub) snapshot() []*session {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	sessions := make([]*session, 0, len(self.sessions))
	for _, sess := range self.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

// one presence entry per editor id, earliest connect wins,
// sorted by connect time
func (self *recordHub) activeEditors() []collab.ActiveEditor {
	self.mutex.Lock()
	byEditor := map[collab.Id]collab.ActiveEditor{}
	for _, sess := range self.sessions {
		editor, ok := byEditor[sess.editorId]
		if !ok || sess.connectedAt.Before(editor.ConnectedAt) {
			byEditor[sess.editorId] = collab.ActiveEditor{
				EditorId:          sess.editorId,
				EditorDisplayName: sess.editorDisplayName,
				ConnectedAt:       sess.connectedAt,
			}
		}
	}
	self.mutex.Unlock()

	editors := make([]collab.ActiveEditor, 0, len(byEditor))
	for _, editor := range byEditor {
		editors = append(editors, editor)
	}
	slices.SortFunc(editors, func(a collab.ActiveEditor, b collab.ActiveEditor) int {
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

func (self *recordHub) hasEditor(editorId collab.Id, excludeSession collab.Id) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	for sessionId, sess := range self.sessions {
		if sessionId != excludeSession && sess.editorId == editorId {
			return true
		}
	}
	return false
}

// attaches the session to the record, detaching any prior record first.
// the server never holds two simultaneous subscriptions for one session.
func (self *Broker) Subscribe(sess *session, contentType string, contentId string) {
	key := recordKey{contentType, contentId}

	self.mutex.Lock()
	prior := sess.hub
	resubscribed := prior != nil && prior.key == key
	if prior != nil && !resubscribed {
		self.detachLocked(sess, prior)
	}
	hub := self.hubs[key]
	if hub == nil {
		hub = newRecordHub(key)
		self.hubs[key] = hub
	}
	firstForEditor := !hub.hasEditor(sess.editorId, sess.sessionId)
	hub.mutex.Lock()
	hub.sessions[sess.sessionId] = sess
	hub.mutex.Unlock()
	sess.hub = hub
	self.mutex.Unlock()

	if prior != nil && !resubscribed {
		self.notifyLeft(prior, sess)
	}

	glog.V(1).Infof("[b]subscribe %s %s\n", sess.editorId, key)

	// a re-subscribe to the held record is not a new join
	if firstForEditor && !resubscribed {
		self.broadcast(hub, collab.EventUserJoinedEditing, &collab.EditorPresenceEvent{
			EditorId:          sess.editorId,
			EditorDisplayName: sess.editorDisplayName,
			ContentType:       contentType,
			ContentId:         contentId,
			Timestamp:         time.Now().UTC(),
		}, sess.sessionId)
	}

	// the authoritative full list corrects any drift on the joiner
	sess.sendEvent(collab.EventActiveEditors, &collab.ActiveEditorsEvent{
		ContentType: contentType,
		ContentId:   contentId,
		Editors:     hub.activeEditors(),
	})
}

func (self *Broker) Unsubscribe(sess *session) {
	self.mutex.Lock()
	hub := sess.hub
	if hub != nil {
		self.detachLocked(sess, hub)
	}
	self.mutex.Unlock()

	if hub != nil {
		self.notifyLeft(hub, sess)
	}
}

// on session close. same as unsubscribe plus the session is gone.
func (self *Broker) Disconnect(sess *session) {
	self.Unsubscribe(sess)
}

// caller holds self.mutex
func (self *Broker) detachLocked(sess *session, hub *recordHub) {
	hub.mutex.Lock()
	delete(hub.sessions, sess.sessionId)
	for key := range hub.markers {
		if key.editorId == sess.editorId {
			delete(hub.markers, key)
		}
	}
	empty := len(hub.sessions) == 0
	hub.mutex.Unlock()
	sess.hub = nil
	if empty {
		delete(self.hubs, hub.key)
	}
}

func (self *Broker) notifyLeft(hub *recordHub, sess *session) {
	if hub.hasEditor(sess.editorId, sess.sessionId) {
		// the editor still holds the record through another session
		return
	}
	glog.V(1).Infof("[b]leave %s %s\n", sess.editorId, hub.key)
	self.broadcast(hub, collab.EventUserLeftEditing, &collab.EditorPresenceEvent{
		EditorId:          sess.editorId,
		EditorDisplayName: sess.editorDisplayName,
		ContentType:       hub.key.contentType,
		ContentId:         hub.key.contentId,
		Timestamp:         time.Now().UTC(),
	}, sess.sessionId)
}

// advisory marker; never blocks anything
func (self *Broker) FieldEditStart(sess *session, field string) {
	hub := self.sessionHub(sess)
	if hub == nil {
		return
	}
	marker := collab.FieldEditMarker{
		EditorId:          sess.editorId,
		EditorDisplayName: sess.editorDisplayName,
		Field:             field,
		StartedAt:         time.Now().UTC(),
	}
	hub.mutex.Lock()
	hub.markers[fieldMarkerKey{sess.editorId, field}] = marker
	hub.mutex.Unlock()

	self.broadcast(hub, collab.EventFieldEditStart, &collab.FieldEditEvent{
		EditorId:          sess.editorId,
		EditorDisplayName: sess.editorDisplayName,
		ContentType:       hub.key.contentType,
		ContentId:         hub.key.contentId,
		Field:             field,
		Timestamp:         marker.StartedAt,
	}, sess.sessionId)
}

func (self *Broker) FieldEditEnd(sess *session, field string) {
	hub := self.sessionHub(sess)
	if hub == nil {
		return
	}
	hub.mutex.Lock()
	delete(hub.markers, fieldMarkerKey{sess.editorId, field})
	hub.mutex.Unlock()

	self.broadcast(hub, collab.EventFieldEditEnd, &collab.FieldEditEvent{
		EditorId:          sess.editorId,
		EditorDisplayName: sess.editorDisplayName,
		ContentType:       hub.key.contentType,
		ContentId:         hub.key.contentId,
		Field:             field,
		Timestamp:         time.Now().UTC(),
	}, sess.sessionId)
}

// write through to the store, then broadcast the verdict with the
// original updateId. last writer wins per field; a store failure or an
// update against a record the session does not watch rolls back.
func (self *Broker) ApplyUpdate(sess *session, event *collab.OptimisticUpdateEvent) {
	key := recordKey{event.ContentType, event.ContentId}
	hub := self.sessionHub(sess)
	if hub == nil || hub.key != key {
		self.rollbackTo(sess, nil, event, "not subscribed to this content")
		return
	}

	// serialize updates for this record in arrival order
	hub.mutex.Lock()
	record, err := self.store.Apply(self.ctx, key.contentType, key.contentId, event.Changes)
	hub.mutex.Unlock()

	if err != nil {
		glog.Infof("[b]apply %s %s error = %s\n", key, event.UpdateId, err)
		self.rollbackTo(sess, hub, event, err.Error())
		return
	}

	glog.V(1).Infof("[b]committed %s %s\n", key, event.UpdateId)
	updateId := event.UpdateId
	self.broadcast(hub, collab.EventContentUpdated, &collab.ContentUpdatedEvent{
		ContentType: key.contentType,
		ContentId:   key.contentId,
		Content:     record,
		Changes:     event.Changes,
		UpdatedBy:   sess.editorId,
		UpdateId:    &updateId,
	}, collab.Id{})
}

func (self *Broker) rollbackTo(sess *session, hub *recordHub, event *collab.OptimisticUpdateEvent, reason string) {
	updateId := event.UpdateId
	sess.sendEvent(collab.EventContentUpdated, &collab.ContentUpdatedEvent{
		ContentType: event.ContentType,
		ContentId:   event.ContentId,
		UpdatedBy:   sess.editorId,
		UpdateId:    &updateId,
		Status:      collab.UpdateStatusRolledBack,
	})
	if hub != nil {
		// peers that optimistically mirrored the update can correct
		self.broadcast(hub, collab.EventUpdateRollback, &collab.UpdateRollbackEvent{
			EditorId:    sess.editorId,
			ContentType: event.ContentType,
			ContentId:   event.ContentId,
			UpdateId:    event.UpdateId,
			Reason:      reason,
			Timestamp:   time.Now().UTC(),
		}, sess.sessionId)
	}
}

// an explicit client-side revert. nothing to undo in the store; the
// rollback is re-broadcast so peers can correct their view.
func (self *Broker) RollbackUpdate(sess *session, event *collab.RollbackUpdateEvent) {
	hub := self.sessionHub(sess)
	if hub == nil {
		return
	}
	glog.V(1).Infof("[b]rollback %s %s\n", hub.key, event.UpdateId)
	self.broadcast(hub, collab.EventUpdateRollback, &collab.UpdateRollbackEvent{
		EditorId:    sess.editorId,
		ContentType: event.ContentType,
		ContentId:   event.ContentId,
		UpdateId:    event.UpdateId,
		Reason:      event.Reason,
		Timestamp:   time.Now().UTC(),
	}, sess.sessionId)
}

// the admin/REST surface's delete hook. removes the record, tells all
// subscribers, and drops the hub.
func (self *Broker) DeleteContent(ctx context.Context, contentType string, contentId string, deletedBy collab.Id) error {
	key := recordKey{contentType, contentId}
	if err := self.store.Delete(ctx, contentType, contentId); err != nil {
		return err
	}

	self.mutex.Lock()
	hub := self.hubs[key]
	delete(self.hubs, key)
	self.mutex.Unlock()

	if hub != nil {
		self.broadcast(hub, collab.EventContentDeleted, &collab.ContentDeletedEvent{
			ContentType: contentType,
			ContentId:   contentId,
			DeletedBy:   deletedBy,
			Timestamp:   time.Now().UTC(),
		}, collab.Id{})
		// sess.hub is guarded by the broker mutex, same as Subscribe
		self.mutex.Lock()
		hub.mutex.Lock()
		for _, sess := range hub.sessions {
			sess.hub = nil
		}
		hub.sessions = map[collab.Id]*session{}
		hub.mutex.Unlock()
		self.mutex.Unlock()
	}
	return nil
}

func (self *Broker) sessionHub(sess *session) *recordHub {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return sess.hub
}

// sends to every hub session except excludeSession (zero id = everyone),
// and relays through the fanout when one is attached
func (self *Broker) broadcast(hub *recordHub, kind collab.EventKind, payload any, excludeSession collab.Id) {
	envelope, err := collab.EncodeEnvelope(kind, payload)
	if err != nil {
		glog.Infof("[b]encode %s error = %s\n", kind, err)
		return
	}
	for _, sess := range hub.snapshot() {
		if sess.sessionId == excludeSession {
			continue
		}
		sess.send(envelope)
	}
	if self.fanout != nil {
		self.fanout.publish(hub.key.contentType, hub.key.contentId, envelope)
	}
}

// a broadcast published by another broker instance.
// delivered to every local subscriber of the record.
func (self *Broker) deliverRemote(contentType string, contentId string, envelope []byte) {
	self.mutex.Lock()
	hub := self.hubs[recordKey{contentType, contentId}]
	self.mutex.Unlock()
	if hub == nil {
		return
	}
	for _, sess := range hub.snapshot() {
		sess.send(envelope)
	}
}
