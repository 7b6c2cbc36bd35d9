package collab

import (
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

type conflictRecorder struct {
	mutex     sync.Mutex
	conflicts []*ContentConflict
}

func (self *conflictRecorder) record(conflict *ContentConflict) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.conflicts = append(self.conflicts, conflict)
}

func (self *conflictRecorder) count() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.conflicts)
}

func (self *conflictRecorder) first() *ContentConflict {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.conflicts[0]
}

func newTestDetector(t *testing.T) (*fakeTransport, *SubscriptionManager, *OptimisticUpdateEngine, *ConflictDetector, *conflictRecorder) {
	transport := newFakeTransport()
	subs := NewSubscriptionManager(transport)
	engine := NewOptimisticUpdateEngine(transport, subs)
	detector := NewConflictDetector(subs, engine, &ConflictSettings{
		CheckDelay: 10 * time.Millisecond,
	})
	t.Cleanup(func() {
		detector.Close()
		engine.Close()
		subs.Close()
	})

	recorder := &conflictRecorder{}
	detector.AddConflict(recorder.record)

	subs.SubscribeToContent("blog", "42")
	return transport, subs, engine, detector, recorder
}

func injectRemoteEditor(t *testing.T, transport *fakeTransport, editorId Id, name string) {
	transport.inject(t, EventUserJoinedEditing, &EditorPresenceEvent{
		EditorId:          editorId,
		EditorDisplayName: name,
		ContentType:       "blog",
		ContentId:         "42",
		Timestamp:         time.Now().UTC(),
	})
}

func TestConflictRaisedWithRemotePresence(t *testing.T) {
	transport, _, _, detector, recorder := newTestDetector(t)

	y := NewId()
	injectRemoteEditor(t, transport, y, "Y")

	// remote value for the field arrives as a broadcast
	transport.inject(t, EventContentUpdated, &ContentUpdatedEvent{
		ContentType: "blog",
		ContentId:   "42",
		Changes: []ContentChange{
			NewContentChange("title", "A", "Y"),
		},
		UpdatedBy: y,
	})

	detector.TrackLocalChange("title", "X")

	waitFor(t, time.Second, func() bool {
		return recorder.count() > 0
	})

	conflict := recorder.first()
	assert.Equal(t, conflict.Field, "title")
	assert.Equal(t, conflict.LocalValue, "X")
	assert.Equal(t, conflict.RemoteValue, "Y")
	assert.Equal(t, conflict.RemoteEditor.EditorId, y)
	assert.Equal(t, conflict.ConflictType, ConflictConcurrentRecordEdit)
	assert.Equal(t, len(detector.Conflicts()), 1)

	// the same (field, editor) pair is not raised twice while unresolved
	detector.TrackLocalChange("title", "X2")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, recorder.count(), 1)
}

func TestNoConflictWithoutEditors(t *testing.T) {
	_, _, _, detector, recorder := newTestDetector(t)

	detector.TrackLocalChange("title", "X")
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, recorder.count(), 0)
	assert.Equal(t, len(detector.Conflicts()), 0)
}

func TestConflictFieldEditMarkerNarrowsType(t *testing.T) {
	transport, _, _, detector, recorder := newTestDetector(t)

	y := NewId()
	injectRemoteEditor(t, transport, y, "Y")
	transport.inject(t, EventFieldEditStart, &FieldEditEvent{
		EditorId:    y,
		ContentType: "blog",
		ContentId:   "42",
		Field:       "title",
		Timestamp:   time.Now().UTC(),
	})

	detector.TrackLocalChange("title", "X")

	waitFor(t, time.Second, func() bool {
		return recorder.count() > 0
	})
	assert.Equal(t, recorder.first().ConflictType, ConflictConcurrentFieldEdit)
}

func TestResolveAcceptRemote(t *testing.T) {
	transport, _, _, detector, recorder := newTestDetector(t)

	y := NewId()
	injectRemoteEditor(t, transport, y, "Y")
	transport.inject(t, EventContentUpdated, &ContentUpdatedEvent{
		ContentType: "blog",
		ContentId:   "42",
		Changes: []ContentChange{
			NewContentChange("title", "A", "Y"),
		},
		UpdatedBy: y,
	})

	detector.TrackLocalChange("title", "X")
	waitFor(t, time.Second, func() bool {
		return recorder.count() > 0
	})
	conflict := recorder.first()

	before := len(transport.emitted(EventOptimisticUpdate))
	update, err := detector.ResolveConflict(conflict.ConflictId, ResolutionAcceptRemote)
	assert.Equal(t, err, nil)

	// exactly one new update, carrying the remote value
	emits := transport.emitted(EventOptimisticUpdate)
	assert.Equal(t, len(emits), before+1)
	sent := emits[len(emits)-1].payload.(*OptimisticUpdateEvent)
	assert.Equal(t, sent.UpdateId, update.UpdateId)
	assert.Equal(t, len(sent.Changes), 1)
	assert.Equal(t, sent.Changes[0].NewValue, "Y")

	assert.Equal(t, len(detector.Conflicts()), 0)
}

func TestResolveAcceptLocalAndMerge(t *testing.T) {
	transport, _, _, detector, recorder := newTestDetector(t)

	y := NewId()
	injectRemoteEditor(t, transport, y, "Y")
	transport.inject(t, EventContentUpdated, &ContentUpdatedEvent{
		ContentType: "blog",
		ContentId:   "42",
		Changes: []ContentChange{
			NewContentChange("title", "A", "Y"),
		},
		UpdatedBy: y,
	})

	detector.TrackLocalChange("title", "X")
	waitFor(t, time.Second, func() bool {
		return recorder.count() > 0
	})
	_, err := detector.ResolveConflict(recorder.first().ConflictId, ResolutionAcceptLocal)
	assert.Equal(t, err, nil)
	emits := transport.emitted(EventOptimisticUpdate)
	assert.Equal(t, emits[len(emits)-1].payload.(*OptimisticUpdateEvent).Changes[0].NewValue, "X")

	// a later edit with the same presence conflicts again; merge concatenates
	detector.TrackLocalChange("title", "X")
	waitFor(t, time.Second, func() bool {
		return recorder.count() > 1
	})
	second := detector.Conflicts()[0]
	_, err = detector.ResolveConflict(second.ConflictId, ResolutionMerge)
	assert.Equal(t, err, nil)
	emits = transport.emitted(EventOptimisticUpdate)
	assert.Equal(t, emits[len(emits)-1].payload.(*OptimisticUpdateEvent).Changes[0].NewValue, "X\n---\nY")
}

func TestDismissConflictSendsNothing(t *testing.T) {
	transport, _, _, detector, recorder := newTestDetector(t)

	injectRemoteEditor(t, transport, NewId(), "Y")
	detector.TrackLocalChange("title", "X")
	waitFor(t, time.Second, func() bool {
		return recorder.count() > 0
	})

	before := len(transport.emitted(EventOptimisticUpdate))
	ok := detector.DismissConflict(recorder.first().ConflictId)
	assert.Equal(t, ok, true)
	assert.Equal(t, len(transport.emitted(EventOptimisticUpdate)), before)
	assert.Equal(t, len(detector.Conflicts()), 0)

	ok = detector.DismissConflict(recorder.first().ConflictId)
	assert.Equal(t, ok, false)
}

func TestSubscriptionSwitchDropsTrackedState(t *testing.T) {
	transport, subs, _, detector, recorder := newTestDetector(t)

	// dirty field tracked against the first record
	detector.TrackLocalChange("title", "X")

	subs.SubscribeToContent("blog", "7")
	transport.inject(t, EventUserJoinedEditing, &EditorPresenceEvent{
		EditorId:          NewId(),
		EditorDisplayName: "Y",
		ContentType:       "blog",
		ContentId:         "7",
		Timestamp:         time.Now().UTC(),
	})

	detector.TrackLocalChange("body", "B")
	waitFor(t, time.Second, func() bool {
		return recorder.count() > 0
	})

	// only the edit made on the new record is conflict-eligible
	for _, conflict := range detector.Conflicts() {
		assert.NotEqual(t, conflict.Field, "title")
	}
	assert.Equal(t, recorder.first().Field, "body")

	// unsubscribing clears the rest
	subs.UnsubscribeFromContent()
	assert.Equal(t, len(detector.Conflicts()), 0)
	detector.mutex.Lock()
	assert.Equal(t, len(detector.local), 0)
	assert.Equal(t, len(detector.remote), 0)
	detector.mutex.Unlock()
}

func TestResolveUnknownConflict(t *testing.T) {
	_, _, _, detector, _ := newTestDetector(t)

	_, err := detector.ResolveConflict(NewId(), ResolutionAcceptLocal)
	assert.NotEqual(t, err, nil)
}
