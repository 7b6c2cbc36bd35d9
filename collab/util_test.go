package collab

import (
	"sync"
	"testing"
	"time"
)

func TestDebounceOnlyLastCallbackRuns(t *testing.T) {
	d := newDebounce(20 * time.Millisecond)

	mutex := sync.Mutex{}
	count := 0
	last := 0
	for i := 1; i <= 50; i += 1 {
		value := i
		d.trigger(func() {
			mutex.Lock()
			defer mutex.Unlock()
			count += 1
			last = value
		})
	}

	waitFor(t, time.Second, func() bool {
		mutex.Lock()
		defer mutex.Unlock()
		return last == 50
	})
	mutex.Lock()
	defer mutex.Unlock()
	if count != 1 {
		t.Fatalf("expected the final trigger only, got %d callbacks", count)
	}
}

func TestDebounceStop(t *testing.T) {
	d := newDebounce(time.Millisecond)

	mutex := sync.Mutex{}
	ran := false
	d.trigger(func() {
		mutex.Lock()
		defer mutex.Unlock()
		ran = true
	})
	d.stop()

	time.Sleep(20 * time.Millisecond)
	mutex.Lock()
	defer mutex.Unlock()
	if ran {
		t.Fatal("callback ran after stop")
	}
	if d.active() {
		t.Fatal("still pending after stop")
	}
}

func TestCallbackListOrderAndRemove(t *testing.T) {
	list := callbackList[func()]{}

	out := []int{}
	a := list.add(func() { out = append(out, 1) })
	list.add(func() { out = append(out, 2) })
	list.add(func() { out = append(out, 3) })

	list.remove(a)
	// removing twice is a no-op
	list.remove(a)

	for _, callback := range list.get() {
		callback()
	}
	if len(out) != 2 || out[0] != 2 || out[1] != 3 {
		t.Fatalf("unexpected callback order %v", out)
	}
}
