package events

import (
	"sync"

	"github.com/packfetch/packfetch/pkg/model"
)

// Recorder collects events, mostly for tests and CLI summaries.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Listen appends ev. Pass r.Listen to Bus.Subscribe.
func (r *Recorder) Listen(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of everything recorded.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// States returns the sequence of states reported for pack by State events.
func (r *Recorder) States(pack string) []model.PackState {
	var out []model.PackState
	for _, ev := range r.Events() {
		if ev.Pack.Name == pack && ev.Kind == model.ChangeState {
			out = append(out, ev.Pack.State)
		}
	}
	return out
}

// Count returns how many events of kind were recorded for pack.
func (r *Recorder) Count(pack string, kind model.ChangeKind) int {
	n := 0
	for _, ev := range r.Events() {
		if ev.Pack.Name == pack && ev.Kind == kind {
			n++
		}
	}
	return n
}

// Reset drops all recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
