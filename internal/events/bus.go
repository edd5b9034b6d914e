// Package events broadcasts pack state, progress and priority changes to
// listeners synchronously, inside the call that caused the change.
package events

import (
	"sync"
	"time"

	"github.com/packfetch/packfetch/pkg/model"
)

// Event is a single change notification. Pack is a copy taken at emit time.
type Event struct {
	Pack model.Pack
	Kind model.ChangeKind
	At   time.Time
}

// Listener receives events.
type Listener func(Event)

// Emitter is the narrow interface the pipeline depends on.
type Emitter interface {
	Emit(pack *model.Pack, kind model.ChangeKind)
}

type subscription struct {
	id int
	fn Listener
}

// Bus is a synchronous broadcast channel.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   []subscription
	now    func() time.Time
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{now: time.Now}
}

// Subscribe registers l and returns a function that removes it.
func (b *Bus) Subscribe(l Listener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, fn: l})

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus) remove(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Emit delivers an event for pack to every listener in subscription order.
// Listeners may subscribe or unsubscribe while being called; changes take
// effect from the next Emit.
func (b *Bus) Emit(pack *model.Pack, kind model.ChangeKind) {
	b.mu.Lock()
	subs := b.subs
	now := b.now
	b.mu.Unlock()

	ev := Event{Pack: pack.Clone(), Kind: kind, At: now()}
	for _, s := range subs {
		s.fn(ev)
	}
}

// Len returns the number of listeners.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
