package collab

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
)

const DefaultConflictCheckDelay = 1000 * time.Millisecond

type Resolution string

const (
	// keep the local value and make it durable
	ResolutionAcceptLocal Resolution = "accept_local"
	// discard the local value in favor of the captured remote value
	ResolutionAcceptRemote Resolution = "accept_remote"
	// fallback textual concatenation. no semantic merge is attempted.
	ResolutionMerge Resolution = "merge"
)

type ConflictFunc func(conflict *ContentConflict)

type ConflictSettings struct {
	CheckDelay time.Duration
}

func DefaultConflictSettings() *ConflictSettings {
	return &ConflictSettings{
		CheckDelay: DefaultConflictCheckDelay,
	}
}

type conflictKey struct {
	field    string
	editorId Id
}

// watches locally dirty fields while remote editors are present on the
// watched record and raises conflicts for a human to resolve.
// presence on the record is what makes a field conflict-eligible; the
// server does not prove the remote editor touched the same field, though
// a matching field edit marker narrows the conflict type.
type ConflictDetector struct {
	subs   *SubscriptionManager
	engine *OptimisticUpdateEngine

	settings *ConflictSettings
	debounce *debounce

	mutex     sync.Mutex
	conflicts map[Id]*ContentConflict
	open      map[conflictKey]Id
	// field -> locally edited value, cleared on resolution
	local map[string]any
	// field -> last value seen from a remote broadcast
	remote map[string]any

	conflictCallbacks callbackList[ConflictFunc]

	unsubs []func()
}

func NewConflictDetectorWithDefaults(subs *SubscriptionManager, engine *OptimisticUpdateEngine) *ConflictDetector {
	return NewConflictDetector(subs, engine, DefaultConflictSettings())
}

func NewConflictDetector(subs *SubscriptionManager, engine *OptimisticUpdateEngine, settings *ConflictSettings) *ConflictDetector {
	detector := &ConflictDetector{
		subs:      subs,
		engine:    engine,
		settings:  settings,
		debounce:  newDebounce(settings.CheckDelay),
		conflicts: map[Id]*ContentConflict{},
		open:      map[conflictKey]Id{},
		local:     map[string]any{},
		remote:    map[string]any{},
	}
	detector.unsubs = []func(){
		engine.AddRemoteUpdate(detector.handleRemoteUpdate),
		subs.AddSubscriptionChanged(detector.handleSubscriptionChanged),
	}
	return detector
}

// tracked values and open conflicts belong to one record.
// switching records (or losing the record) discards them.
func (self *ConflictDetector) handleSubscriptionChanged(sub *Subscription) {
	self.debounce.stop()
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.conflicts = map[Id]*ContentConflict{}
	self.open = map[conflictKey]Id{}
	self.local = map[string]any{}
	self.remote = map[string]any{}
}

// records a locally applied edit and schedules a conflict check.
// each call cancels the prior pending check.
func (self *ConflictDetector) TrackLocalChange(field string, value any) {
	self.mutex.Lock()
	self.local[field] = value
	self.mutex.Unlock()

	if len(self.subs.ActiveEditors()) == 0 {
		return
	}
	self.debounce.trigger(self.check)
}

// the field is no longer locally dirty, e.g. after a save
func (self *ConflictDetector) ClearLocalChange(field string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	delete(self.local, field)
}

func (self *ConflictDetector) Conflicts() []*ContentConflict {
	self.mutex.Lock()
	conflicts := maps.Values(self.conflicts)
	self.mutex.Unlock()
	slices.SortFunc(conflicts, func(a *ContentConflict, b *ContentConflict) int {
		if a.ConflictId.LessThan(b.ConflictId) {
			return -1
		} else if b.ConflictId.LessThan(a.ConflictId) {
			return 1
		}
		return 0
	})
	return conflicts
}

// resolution always removes the conflict and always sends exactly one
// optimistic update, making the outcome durable and visible to peers
func (self *ConflictDetector) ResolveConflict(conflictId Id, resolution Resolution) (*OptimisticUpdate, error) {
	self.mutex.Lock()
	conflict, ok := self.conflicts[conflictId]
	if !ok {
		self.mutex.Unlock()
		return nil, fmt.Errorf("unknown conflict %s", conflictId)
	}
	delete(self.conflicts, conflictId)
	delete(self.open, conflictKey{conflict.Field, conflict.RemoteEditor.EditorId})
	delete(self.local, conflict.Field)
	self.mutex.Unlock()

	var value any
	switch resolution {
	case ResolutionAcceptLocal:
		value = conflict.LocalValue
	case ResolutionAcceptRemote:
		value = conflict.RemoteValue
	case ResolutionMerge:
		value = fmt.Sprintf("%v\n---\n%v", conflict.LocalValue, conflict.RemoteValue)
	default:
		return nil, fmt.Errorf("unknown resolution %s", resolution)
	}

	update, ok := self.engine.SendOptimisticUpdate([]ContentChange{
		NewContentChange(conflict.Field, conflict.RemoteValue, value),
	})
	if !ok {
		return nil, fmt.Errorf("no active subscription")
	}
	glog.V(1).Infof("[conflict]resolve %s %s\n", conflictId, resolution)
	return update, nil
}

// removes the conflict without sending anything. the local edit stays
// applied only locally until the next save.
func (self *ConflictDetector) DismissConflict(conflictId Id) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	conflict, ok := self.conflicts[conflictId]
	if !ok {
		return false
	}
	delete(self.conflicts, conflictId)
	delete(self.open, conflictKey{conflict.Field, conflict.RemoteEditor.EditorId})
	return true
}

func (self *ConflictDetector) AddConflict(callback ConflictFunc) func() {
	id := self.conflictCallbacks.add(callback)
	return func() {
		self.conflictCallbacks.remove(id)
	}
}

func (self *ConflictDetector) Close() {
	self.debounce.stop()
	for _, unsub := range self.unsubs {
		unsub()
	}
}

func (self *ConflictDetector) handleRemoteUpdate(event *ContentUpdatedEvent) {
	self.mutex.Lock()
	for _, change := range event.Changes {
		self.remote[change.Field] = change.NewValue
	}
	dirty := len(self.local) > 0
	self.mutex.Unlock()

	if dirty && len(self.subs.ActiveEditors()) > 0 {
		self.debounce.trigger(self.check)
	}
}

func (self *ConflictDetector) check() {
	editors := self.subs.ActiveEditors()
	if len(editors) == 0 {
		return
	}

	raised := []*ContentConflict{}

	self.mutex.Lock()
	for field, localValue := range self.local {
		marker := self.subs.MarkerForField(field)
		for _, editor := range editors {
			key := conflictKey{field, editor.EditorId}
			if _, ok := self.open[key]; ok {
				// already raised and unresolved
				continue
			}
			conflictType := ConflictConcurrentRecordEdit
			if marker != nil && marker.EditorId == editor.EditorId {
				conflictType = ConflictConcurrentFieldEdit
			}
			conflict := &ContentConflict{
				ConflictId:   NewId(),
				Field:        field,
				LocalValue:   localValue,
				RemoteValue:  self.remote[field],
				RemoteEditor: editor,
				ConflictType: conflictType,
			}
			self.conflicts[conflict.ConflictId] = conflict
			self.open[key] = conflict.ConflictId
			raised = append(raised, conflict)
		}
	}
	self.mutex.Unlock()

	for _, conflict := range raised {
		glog.V(1).Infof("[conflict]%s on %q with %s\n", conflict.ConflictType, conflict.Field, conflict.RemoteEditor.EditorId)
		for _, callback := range self.conflictCallbacks.get() {
			callback(conflict)
		}
	}
}
