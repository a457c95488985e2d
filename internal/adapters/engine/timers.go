package engine

import (
	"sync"
	"time"
)

// userTimers arms one timer per parked user node instance. Completing the
// node cancels its timer; a deadline already in the past fires on a fresh
// goroutine so recovery never blocks behind expired tasks.
type userTimers struct {
	engine *Engine

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func newUserTimers(engine *Engine) *userTimers {
	return &userTimers{
		engine: engine,
		timers: make(map[string]*time.Timer),
	}
}

func (t *userTimers) arm(runID, nodeKey string, deadline time.Time) {
	key := runID + "/" + nodeKey
	fire := func() {
		t.cancel(runID, nodeKey)
		t.engine.timeoutUserTask(runID, nodeKey)
	}

	delay := time.Until(deadline)
	if delay <= 0 {
		go fire()
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.timers[key]; ok {
		existing.Stop()
	}
	t.timers[key] = time.AfterFunc(delay, fire)
}

func (t *userTimers) cancel(runID, nodeKey string) {
	key := runID + "/" + nodeKey
	t.mu.Lock()
	defer t.mu.Unlock()
	if timer, ok := t.timers[key]; ok {
		timer.Stop()
		delete(t.timers, key)
	}
}

func (t *userTimers) armed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.timers)
}

func (t *userTimers) stopAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, timer := range t.timers {
		timer.Stop()
		delete(t.timers, key)
	}
}
