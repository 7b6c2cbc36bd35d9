package collab

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func newTestEngine(t *testing.T) (*fakeTransport, *SubscriptionManager, *OptimisticUpdateEngine) {
	transport := newFakeTransport()
	subs := NewSubscriptionManager(transport)
	engine := NewOptimisticUpdateEngine(transport, subs)
	t.Cleanup(func() {
		engine.Close()
		subs.Close()
	})
	subs.SubscribeToContent("blog", "42")
	return transport, subs, engine
}

func TestUpdateCommitted(t *testing.T) {
	transport, _, engine := newTestEngine(t)

	committed := []*OptimisticUpdate{}
	engine.AddCommitted(func(update *OptimisticUpdate) {
		committed = append(committed, update)
	})

	update, ok := engine.SendOptimisticUpdate([]ContentChange{
		NewContentChange("title", "A", "B"),
	})
	assert.Equal(t, ok, true)
	assert.Equal(t, update.Status, UpdateStatusPending)
	assert.Equal(t, len(engine.PendingUpdates()), 1)

	emits := transport.emitted(EventOptimisticUpdate)
	assert.Equal(t, len(emits), 1)
	sent := emits[0].payload.(*OptimisticUpdateEvent)
	assert.Equal(t, sent.UpdateId, update.UpdateId)
	assert.Equal(t, sent.Changes[0].NewValue, "B")

	// the server echoes success with no status
	updateId := update.UpdateId
	transport.inject(t, EventContentUpdated, &ContentUpdatedEvent{
		ContentType: "blog",
		ContentId:   "42",
		Changes:     update.Changes,
		UpdatedBy:   transport.session.EditorId,
		UpdateId:    &updateId,
	})

	assert.Equal(t, len(engine.PendingUpdates()), 0)
	assert.Equal(t, len(committed), 1)
	assert.Equal(t, committed[0].Status, UpdateStatusCommitted)
}

func TestUpdateRolledBackByServer(t *testing.T) {
	transport, _, engine := newTestEngine(t)

	reverts := []map[string]any{}
	engine.AddRolledBack(func(update *OptimisticUpdate, reason string, revert map[string]any) {
		reverts = append(reverts, revert)
	})

	update, _ := engine.SendOptimisticUpdate([]ContentChange{
		NewContentChange("price", 100, 150),
	})

	updateId := update.UpdateId
	transport.inject(t, EventContentUpdated, &ContentUpdatedEvent{
		ContentType: "blog",
		ContentId:   "42",
		UpdatedBy:   transport.session.EditorId,
		UpdateId:    &updateId,
		Status:      UpdateStatusRolledBack,
	})

	// the displayed value reverts to the pre-optimistic one
	assert.Equal(t, len(engine.PendingUpdates()), 0)
	assert.Equal(t, len(reverts), 1)
	assert.Equal(t, reverts[0]["price"], 100)
	assert.Equal(t, update.Status, UpdateStatusRolledBack)
}

func TestTerminalStatusReachedOnce(t *testing.T) {
	transport, _, engine := newTestEngine(t)

	committed := 0
	rolledBack := 0
	engine.AddCommitted(func(update *OptimisticUpdate) {
		committed += 1
	})
	engine.AddRolledBack(func(update *OptimisticUpdate, reason string, revert map[string]any) {
		rolledBack += 1
	})

	update, _ := engine.SendOptimisticUpdate([]ContentChange{
		NewContentChange("title", "A", "B"),
	})

	updateId := update.UpdateId
	verdict := &ContentUpdatedEvent{
		ContentType: "blog",
		ContentId:   "42",
		UpdatedBy:   transport.session.EditorId,
		UpdateId:    &updateId,
	}
	transport.inject(t, EventContentUpdated, verdict)
	// duplicate verdicts for a terminal updateId reconcile once
	transport.inject(t, EventContentUpdated, verdict)
	transport.inject(t, EventUpdateRollback, &UpdateRollbackEvent{
		ContentType: "blog",
		ContentId:   "42",
		UpdateId:    updateId,
	})

	assert.Equal(t, committed, 1)
	assert.Equal(t, rolledBack, 0)
	assert.Equal(t, update.Status, UpdateStatusCommitted)
}

func TestExplicitRollback(t *testing.T) {
	transport, _, engine := newTestEngine(t)

	rolledBack := 0
	engine.AddRolledBack(func(update *OptimisticUpdate, reason string, revert map[string]any) {
		rolledBack += 1
	})

	update, _ := engine.SendOptimisticUpdate([]ContentChange{
		NewContentChange("title", "A", "B"),
	})

	ok := engine.RollbackUpdate(update.UpdateId, "discarded by user")
	assert.Equal(t, ok, true)
	assert.Equal(t, rolledBack, 1)
	assert.Equal(t, len(engine.PendingUpdates()), 0)

	emits := transport.emitted(EventRollbackUpdate)
	assert.Equal(t, len(emits), 1)
	sent := emits[0].payload.(*RollbackUpdateEvent)
	assert.Equal(t, sent.UpdateId, update.UpdateId)
	assert.Equal(t, sent.Reason, "discarded by user")

	// already terminal
	ok = engine.RollbackUpdate(update.UpdateId, "again")
	assert.Equal(t, ok, false)
	assert.Equal(t, rolledBack, 1)
	assert.Equal(t, len(transport.emitted(EventRollbackUpdate)), 1)
}

func TestUpdateRequiresSubscription(t *testing.T) {
	transport := newFakeTransport()
	subs := NewSubscriptionManager(transport)
	engine := NewOptimisticUpdateEngine(transport, subs)
	defer engine.Close()
	defer subs.Close()

	update, ok := engine.SendOptimisticUpdate([]ContentChange{
		NewContentChange("title", "A", "B"),
	})
	assert.Equal(t, ok, false)
	assert.Equal(t, update, nil)
	assert.Equal(t, len(transport.emitted(EventOptimisticUpdate)), 0)
}

func TestRemoteUpdateSurfaced(t *testing.T) {
	transport, _, engine := newTestEngine(t)

	remote := []*ContentUpdatedEvent{}
	engine.AddRemoteUpdate(func(event *ContentUpdatedEvent) {
		remote = append(remote, event)
	})

	transport.inject(t, EventContentUpdated, &ContentUpdatedEvent{
		ContentType: "blog",
		ContentId:   "42",
		Changes: []ContentChange{
			NewContentChange("title", "A", "B"),
		},
		UpdatedBy: NewId(),
	})

	assert.Equal(t, len(remote), 1)
	assert.Equal(t, remote[0].Changes[0].NewValue, "B")
}

func TestPendingUpdatesTrackedIndependently(t *testing.T) {
	transport, _, engine := newTestEngine(t)

	u1, _ := engine.SendOptimisticUpdate([]ContentChange{
		NewContentChange("title", "A", "B"),
	})
	u2, _ := engine.SendOptimisticUpdate([]ContentChange{
		NewContentChange("price", 100, 150),
	})
	assert.Equal(t, len(engine.PendingUpdates()), 2)

	// terminal statuses may arrive in any order
	u2Id := u2.UpdateId
	transport.inject(t, EventContentUpdated, &ContentUpdatedEvent{
		ContentType: "blog",
		ContentId:   "42",
		UpdatedBy:   transport.session.EditorId,
		UpdateId:    &u2Id,
		Status:      UpdateStatusRolledBack,
	})
	assert.Equal(t, engine.IsPending(u1.UpdateId), true)
	assert.Equal(t, engine.IsPending(u2.UpdateId), false)

	u1Id := u1.UpdateId
	transport.inject(t, EventContentUpdated, &ContentUpdatedEvent{
		ContentType: "blog",
		ContentId:   "42",
		UpdatedBy:   transport.session.EditorId,
		UpdateId:    &u1Id,
	})
	assert.Equal(t, len(engine.PendingUpdates()), 0)
	assert.Equal(t, u1.Status, UpdateStatusCommitted)
	assert.Equal(t, u2.Status, UpdateStatusRolledBack)
}
