// Package queue orders pack requests by priority and drives the most
// important one. Only the top request ever has a download in flight.
package queue

import (
	"container/heap"
	"fmt"

	"github.com/packfetch/packfetch/internal/packreq"
	"github.com/packfetch/packfetch/pkg/errclass"
	"github.com/packfetch/packfetch/pkg/logging"
	"github.com/packfetch/packfetch/pkg/model"
)

// Queue is a priority queue of pack requests. It is not safe for
// concurrent use; drive it from one goroutine.
type Queue struct {
	env    *packreq.Env
	items  requestHeap
	seq    uint64
	active string
	log    *logging.Logger
}

// New creates an empty queue whose requests share env.
func New(env *packreq.Env) *Queue {
	log := env.Log
	if log == nil {
		log = logging.Discard()
	}
	return &Queue{env: env, log: log}
}

// Push queues name at priority. A pack already in the queue is rejected
// with ErrAlreadyQueued and the queue is left unchanged.
func (q *Queue) Push(name string, priority float32) error {
	if q.IsInQueue(name) {
		return errclass.ErrAlreadyQueued.WithMessagef("second time push same pack in queue, pack: %s", name)
	}
	req, err := packreq.New(q.env, name, priority)
	if err != nil {
		return err
	}
	pack, err := q.env.Registry.GetPack(name)
	if err != nil {
		return err
	}

	q.seq++
	heap.Push(&q.items, &entry{req: req, seq: q.seq})

	pack.State = model.PackRequested
	pack.Priority = priority
	pack.DownloadError = model.DownloadErrNone
	pack.OtherErrorMsg = ""
	q.emit(pack, model.ChangeState)
	q.emit(pack, model.ChangePriority)

	q.log.Debug("pack queued", map[string]any{
		"pack":     name,
		"priority": priority,
		"steps":    len(req.Dependencies()),
	})
	q.checkRestart()
	return nil
}

// UpdatePriority raises the priority of a queued pack. Unknown names and
// unchanged priorities are ignored.
func (q *Queue) UpdatePriority(name string, priority float32) {
	e := q.lookup(name)
	if e == nil || e.req.Priority() == priority {
		return
	}
	e.req.ChangePriority(priority)
	heap.Fix(&q.items, e.index)
	q.checkRestart()
}

// Update advances the top request by one step and removes it once it is
// done or failed. A failed dependency fails its root. The returned error
// is the verification or mount failure of this step, if any.
func (q *Queue) Update() error {
	if len(q.items) == 0 {
		return nil
	}

	top := q.items[0]
	err := top.req.Update()

	switch {
	case top.req.IsDone():
		q.pop(top)
		q.log.Debug("pack request done", map[string]any{"pack": top.req.Name()})
	case top.req.IsError():
		cur, _ := top.req.Current()
		root, rerr := q.env.Registry.GetPack(top.req.Name())
		if rerr == nil && cur.Pack != root.Name {
			root.State = model.PackOtherError
			root.OtherErrorMsg = fmt.Sprintf("can't load (%s) pack because dependent (%s) pack error: %s",
				root.Name, cur.Pack, cur.ErrorMsg)
			q.pop(top)
			q.emit(root, model.ChangeState)
		} else {
			// The failing pack already reported its own state.
			q.pop(top)
		}
	}
	return err
}

// Stop pauses the top request.
func (q *Queue) Stop() {
	if len(q.items) > 0 {
		q.items[0].req.Pause()
	}
}

// Start resumes the top request.
func (q *Queue) Start() {
	if len(q.items) > 0 {
		top := q.items[0].req
		q.active = top.Name()
		top.Start()
	}
}

// Find returns the queued request for name.
func (q *Queue) Find(name string) (*packreq.Request, error) {
	if e := q.lookup(name); e != nil {
		return e.req, nil
	}
	return nil, errclass.ErrNotQueued.WithMessagef("can't find pack by name: %s", name)
}

// IsInQueue reports whether name has a live request.
func (q *Queue) IsInQueue(name string) bool {
	return q.lookup(name) != nil
}

// Len returns the number of queued requests.
func (q *Queue) Len() int { return len(q.items) }

// Top returns the highest priority request, or nil.
func (q *Queue) Top() *packreq.Request {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0].req
}

// Active returns the name of the request last started by the queue.
func (q *Queue) Active() string { return q.active }

// Names lists queued packs in heap order; the first is the top.
func (q *Queue) Names() []string {
	out := make([]string, len(q.items))
	for i, e := range q.items {
		out[i] = e.req.Name()
	}
	return out
}

// Close releases every queued request and empties the queue.
func (q *Queue) Close() {
	for _, e := range q.items {
		e.req.Release()
	}
	q.items = nil
	q.active = ""
}

func (q *Queue) lookup(name string) *entry {
	for _, e := range q.items {
		if e.req.Name() == name {
			return e
		}
	}
	return nil
}

func (q *Queue) pop(e *entry) {
	heap.Remove(&q.items, e.index)
	e.req.Release()
	q.checkRestart()
}

// checkRestart makes the top request the active one, pausing whichever
// request was active before.
func (q *Queue) checkRestart() {
	if len(q.items) == 0 {
		return
	}
	top := q.items[0].req
	if len(q.items) == 1 {
		q.active = top.Name()
		top.Start()
		return
	}
	if top.Name() == q.active {
		return
	}
	if prev := q.lookup(q.active); prev != nil {
		prev.req.Pause()
		q.log.Debug("pack request preempted", map[string]any{
			"paused":  q.active,
			"started": top.Name(),
		})
	}
	q.active = top.Name()
	top.Start()
}

func (q *Queue) emit(p *model.Pack, kind model.ChangeKind) {
	if q.env.Events != nil {
		q.env.Events.Emit(p, kind)
	}
}
