package collab

import (
	"slices"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
)

type UpdateCommittedFunc func(update *OptimisticUpdate)
type UpdateRolledBackFunc func(update *OptimisticUpdate, reason string, revert map[string]any)
type RemoteUpdateFunc func(event *ContentUpdatedEvent)

// applies local edits immediately, tags them with a unique update id,
// and reconciles the server's later verdict against the pending set.
// the server is the only party that assigns terminal status; pending
// updates are tracked independently by updateId, never reordered or
// coalesced.
type OptimisticUpdateEngine struct {
	transport Transport
	subs      *SubscriptionManager

	mutex   sync.Mutex
	pending map[Id]*OptimisticUpdate

	committedCallbacks  callbackList[UpdateCommittedFunc]
	rolledBackCallbacks callbackList[UpdateRolledBackFunc]
	remoteCallbacks     callbackList[RemoteUpdateFunc]

	unsubs []func()
}

func NewOptimisticUpdateEngine(transport Transport, subs *SubscriptionManager) *OptimisticUpdateEngine {
	engine := &OptimisticUpdateEngine{
		transport: transport,
		subs:      subs,
		pending:   map[Id]*OptimisticUpdate{},
	}
	engine.unsubs = []func(){
		HandleEvent(transport, EventContentUpdated, engine.handleContentUpdated),
		HandleEvent(transport, EventUpdateRollback, engine.handleUpdateRollback),
	}
	return engine
}

// records the update as pending and emits it. the caller applies the
// change locally before calling; the UI never blocks on the round trip.
// requires an active subscription, else no-op.
func (self *OptimisticUpdateEngine) SendOptimisticUpdate(changes []ContentChange) (*OptimisticUpdate, bool) {
	return self.SendOptimisticUpdateWithId(changes, NewId())
}

func (self *OptimisticUpdateEngine) SendOptimisticUpdateWithId(changes []ContentChange, updateId Id) (*OptimisticUpdate, bool) {
	sub := self.subs.Current()
	if sub == nil {
		glog.V(1).Infof("[opt]update dropped (no subscription)\n")
		return nil, false
	}

	update := &OptimisticUpdate{
		UpdateId:    updateId,
		ContentType: sub.ContentType,
		ContentId:   sub.ContentId,
		Changes:     changes,
		Status:      UpdateStatusPending,
	}

	self.mutex.Lock()
	self.pending[updateId] = update
	self.mutex.Unlock()

	self.transport.Emit(EventOptimisticUpdate, &OptimisticUpdateEvent{
		ContentType: sub.ContentType,
		ContentId:   sub.ContentId,
		Changes:     changes,
		UpdateId:    updateId,
	})
	return update, true
}

// explicit local revert of an unconfirmed edit.
// removes the update from the pending set and notifies the server so
// peers' optimistic state can be corrected too.
func (self *OptimisticUpdateEngine) RollbackUpdate(updateId Id, reason string) bool {
	update := self.retire(updateId, UpdateStatusRolledBack)
	if update == nil {
		return false
	}
	self.transport.Emit(EventRollbackUpdate, &RollbackUpdateEvent{
		ContentType: update.ContentType,
		ContentId:   update.ContentId,
		UpdateId:    updateId,
		Reason:      reason,
	})
	for _, callback := range self.rolledBackCallbacks.get() {
		callback(update, reason, update.RevertValues())
	}
	return true
}

func (self *OptimisticUpdateEngine) PendingUpdates() []*OptimisticUpdate {
	self.mutex.Lock()
	updates := maps.Values(self.pending)
	self.mutex.Unlock()
	slices.SortFunc(updates, func(a *OptimisticUpdate, b *OptimisticUpdate) int {
		if a.UpdateId.LessThan(b.UpdateId) {
			return -1
		} else if b.UpdateId.LessThan(a.UpdateId) {
			return 1
		}
		return 0
	})
	return updates
}

func (self *OptimisticUpdateEngine) IsPending(updateId Id) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	_, ok := self.pending[updateId]
	return ok
}

func (self *OptimisticUpdateEngine) AddCommitted(callback UpdateCommittedFunc) func() {
	id := self.committedCallbacks.add(callback)
	return func() {
		self.committedCallbacks.remove(id)
	}
}

func (self *OptimisticUpdateEngine) AddRolledBack(callback UpdateRolledBackFunc) func() {
	id := self.rolledBackCallbacks.add(callback)
	return func() {
		self.rolledBackCallbacks.remove(id)
	}
}

// broadcasts for other editors' updates on the watched record
func (self *OptimisticUpdateEngine) AddRemoteUpdate(callback RemoteUpdateFunc) func() {
	id := self.remoteCallbacks.add(callback)
	return func() {
		self.remoteCallbacks.remove(id)
	}
}

func (self *OptimisticUpdateEngine) Close() {
	for _, unsub := range self.unsubs {
		unsub()
	}
}

// removes a pending update and marks its terminal status.
// returns nil when the updateId is unknown or already terminal, so a
// terminal transition fires at most once per updateId.
func (self *OptimisticUpdateEngine) retire(updateId Id, status UpdateStatus) *OptimisticUpdate {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	update, ok := self.pending[updateId]
	if !ok {
		return nil
	}
	delete(self.pending, updateId)
	update.Status = status
	return update
}

func (self *OptimisticUpdateEngine) handleContentUpdated(event *ContentUpdatedEvent) {
	if event.UpdateId != nil {
		if event.Status == UpdateStatusRolledBack {
			if update := self.retire(*event.UpdateId, UpdateStatusRolledBack); update != nil {
				glog.V(1).Infof("[opt]rolled back %s\n", update.UpdateId)
				for _, callback := range self.rolledBackCallbacks.get() {
					callback(update, "rejected by server", update.RevertValues())
				}
				return
			}
		} else {
			// status absent or committed confirms the prediction
			if update := self.retire(*event.UpdateId, UpdateStatusCommitted); update != nil {
				glog.V(2).Infof("[opt]committed %s\n", update.UpdateId)
				for _, callback := range self.committedCallbacks.get() {
					callback(update)
				}
				return
			}
		}
	}

	// not one of ours. surface as a remote update.
	session := self.transport.CurrentSession()
	if session != nil && event.UpdatedBy == session.EditorId {
		return
	}
	for _, callback := range self.remoteCallbacks.get() {
		callback(event)
	}
}

func (self *OptimisticUpdateEngine) handleUpdateRollback(event *UpdateRollbackEvent) {
	if update := self.retire(event.UpdateId, UpdateStatusRolledBack); update != nil {
		for _, callback := range self.rolledBackCallbacks.get() {
			callback(update, event.Reason, update.RevertValues())
		}
	}
}

// convenience for a single-field edit
func NewContentChange(field string, oldValue any, newValue any) ContentChange {
	return ContentChange{
		Field:     field,
		OldValue:  oldValue,
		NewValue:  newValue,
		Timestamp: time.Now().UTC(),
	}
}
