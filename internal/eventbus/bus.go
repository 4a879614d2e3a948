package eventbus

import (
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	logx "timerd/pkg/logx"
)

// Event is a lightweight, in-memory signal used to decouple features.
//
// Contract:
//   - Emit MUST NOT block on I/O; handlers run synchronously in registration order.
//   - Handlers that do async work spawn it via Bus.Go and own their failures.
//   - No persistence: a handler registered after an Emit never sees it.
type Event struct {
	Name    string
	Time    time.Time
	Payload any
}

// Handler reacts to an event. It runs on the emitter's goroutine.
type Handler func(e Event)

// Subscription identifies one registration and is used with Off.
type Subscription struct {
	name string
	id   uint64
}

type entry struct {
	id   uint64
	h    Handler
	once bool
}

// Bus is an in-process publish/subscribe register.
//
// It does not own any background goroutines.
type Bus struct {
	log logx.Logger

	mu   sync.RWMutex
	subs map[string][]entry
	seq  atomic.Uint64

	tasks sync.WaitGroup
}

func New(log logx.Logger) *Bus {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Bus{log: log, subs: map[string][]entry{}}
}

// On registers h for every future emission of name.
func (b *Bus) On(name string, h Handler) Subscription {
	return b.add(name, h, false)
}

// Once registers h for the next emission of name only.
// The registration is dropped before h runs, whether h succeeds or not.
func (b *Bus) Once(name string, h Handler) Subscription {
	return b.add(name, h, true)
}

func (b *Bus) add(name string, h Handler, once bool) Subscription {
	id := b.seq.Add(1)
	if h == nil {
		return Subscription{name: name, id: id}
	}
	b.mu.Lock()
	b.subs[name] = append(b.subs[name], entry{id: id, h: h, once: once})
	b.mu.Unlock()
	return Subscription{name: name, id: id}
}

// Off removes a registration. Unknown or already removed subscriptions are ignored.
func (b *Bus) Off(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(sub.name, sub.id)
}

func (b *Bus) removeLocked(name string, id uint64) bool {
	list := b.subs[name]
	for i, e := range list {
		if e.id != id {
			continue
		}
		next := make([]entry, 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		if len(next) == 0 {
			delete(b.subs, name)
		} else {
			b.subs[name] = next
		}
		return true
	}
	return false
}

// Emit invokes every handler currently registered for name, in registration order.
// It returns the number of handlers invoked.
func (b *Bus) Emit(name string, payload any) int {
	e := Event{Name: name, Time: time.Now(), Payload: payload}

	// Snapshot under lock; once-handlers are claimed here so two concurrent
	// emits can't both run the same one.
	b.mu.Lock()
	list := b.subs[name]
	run := make([]Handler, 0, len(list))
	for _, it := range list {
		if it.once && !b.removeLocked(name, it.id) {
			continue
		}
		run = append(run, it.h)
	}
	b.mu.Unlock()

	for _, h := range run {
		b.invoke(h, e)
	}
	return len(run)
}

func (b *Bus) invoke(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panicked", logx.String("event", e.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	h(e)
}

// Count reports how many handlers are registered for name.
func (b *Bus) Count(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[name])
}

// Go runs fn on its own goroutine with a failure boundary: errors and panics
// are logged under name and never reach the emitter.
func (b *Bus) Go(name string, fn func() error) {
	if fn == nil {
		return
	}
	b.tasks.Add(1)
	go func() {
		defer b.tasks.Done()
		err := func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return fn()
		}()
		if err != nil {
			b.log.Warn("event task failed", logx.String("task", name), logx.Err(err))
		}
	}()
}

// Wait blocks until every task started with Go has returned.
func (b *Bus) Wait() { b.tasks.Wait() }
