package collab

import (
	"sync"
	"time"
)

type callbackId = int

// makes a copy of the list on get so callbacks can be invoked
// without holding the lock. removal is by the id returned from add
// since function values are not comparable.
type callbackList[T any] struct {
	mutex     sync.Mutex
	nextId    callbackId
	callbacks map[callbackId]T
	order     []callbackId
}

func (self *callbackList[T]) add(callback T) callbackId {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.callbacks == nil {
		self.callbacks = map[callbackId]T{}
	}
	id := self.nextId
	self.nextId += 1
	self.callbacks[id] = callback
	self.order = append(self.order, id)
	return id
}

func (self *callbackList[T]) remove(id callbackId) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if _, ok := self.callbacks[id]; !ok {
		// not present
		return
	}
	delete(self.callbacks, id)
	for i, orderedId := range self.order {
		if orderedId == id {
			self.order = append(self.order[:i], self.order[i+1:]...)
			break
		}
	}
}

// in registration order
func (self *callbackList[T]) get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	out := make([]T, 0, len(self.order))
	for _, id := range self.order {
		out = append(out, self.callbacks[id])
	}
	return out
}

func (self *callbackList[T]) clear() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.callbacks = nil
	self.order = nil
}

// cancellable scheduled timer. each trigger cancels the prior pending
// timer before scheduling a new one, so only the last call within the
// window executes. the generation check covers a timer that already
// fired but whose callback has not run yet, which Stop cannot cancel.
type debounce struct {
	delay time.Duration

	mutex      sync.Mutex
	timer      *time.Timer
	generation uint64
	pending    bool
}

func newDebounce(delay time.Duration) *debounce {
	return &debounce{
		delay: delay,
	}
}

func (self *debounce) trigger(fn func()) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.timer != nil {
		self.timer.Stop()
	}
	self.generation += 1
	generation := self.generation
	self.pending = true
	self.timer = time.AfterFunc(self.delay, func() {
		self.mutex.Lock()
		if generation != self.generation {
			// superseded or stopped after this timer fired
			self.mutex.Unlock()
			return
		}
		self.pending = false
		self.mutex.Unlock()
		fn()
	})
}

func (self *debounce) stop() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.timer != nil {
		self.timer.Stop()
		self.timer = nil
	}
	self.generation += 1
	self.pending = false
}

func (self *debounce) active() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.pending
}
