// Package transporttest provides a scripted transport for tests.
package transporttest

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/packfetch/packfetch/internal/transport"
	"github.com/packfetch/packfetch/pkg/model"
)

// Task is a snapshot of a fake download.
type Task struct {
	ID        transport.TaskID
	URL       string
	Dest      string
	Mode      transport.Mode
	Threads   int
	Status    model.DownloadStatus
	Err       model.DownloadError
	Progress  uint64
	Total     uint64
	HasTotal  bool
	Cancelled bool
	// NoErrorCode makes Error report ok=false after the task finished.
	NoErrorCode bool
}

// Fake is a deterministic Transport. Tasks stay InProgress until the test
// calls Complete, Fail or SetProgress, unless AutoComplete is set, in which
// case Download finishes immediately using the served content.
type Fake struct {
	AutoComplete bool

	mu     sync.Mutex
	seq    int
	tasks  map[transport.TaskID]*Task
	served map[string][]byte
	failed map[string]model.DownloadError
	// history keeps forgotten tasks too, so tests can inspect them.
	history []*Task
}

// New creates an empty fake.
func New() *Fake {
	return &Fake{
		tasks:  make(map[transport.TaskID]*Task),
		served: make(map[string][]byte),
		failed: make(map[string]model.DownloadError),
	}
}

// Serve sets the body written to the destination when a download of url
// completes.
func (f *Fake) Serve(url string, body []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.served[url] = append([]byte(nil), body...)
	delete(f.failed, url)
}

// FailURL makes AutoComplete downloads of url finish with code.
func (f *Fake) FailURL(url string, code model.DownloadError) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[url] = code
}

// Download records a new task.
func (f *Fake) Download(url, dest string, mode transport.Mode, threads int) transport.TaskID {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := transport.TaskID(fmt.Sprintf("task-%d", f.seq))
	t := &Task{
		ID:      id,
		URL:     url,
		Dest:    dest,
		Mode:    mode,
		Threads: threads,
		Status:  model.DownloadInProgress,
	}
	f.tasks[id] = t
	f.history = append(f.history, t)

	if f.AutoComplete {
		if code, ok := f.failed[url]; ok {
			f.finishLocked(t, code)
		} else {
			f.completeLocked(t)
		}
	}
	return id
}

// Status implements transport.Transport.
func (f *Fake) Status(id transport.TaskID) model.DownloadStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return model.DownloadUnknown
	}
	return t.Status
}

// Error implements transport.Transport.
func (f *Fake) Error(id transport.TaskID) (model.DownloadError, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok || t.Status != model.DownloadFinished || t.NoErrorCode {
		return model.DownloadErrNone, false
	}
	return t.Err, true
}

// Progress implements transport.Transport.
func (f *Fake) Progress(id transport.TaskID) (uint64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return 0, false
	}
	return t.Progress, true
}

// Total implements transport.Transport.
func (f *Fake) Total(id transport.TaskID) (uint64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok || !t.HasTotal {
		return 0, false
	}
	return t.Total, true
}

// Cancel finishes a running task with DownloadErrCancelled.
func (f *Fake) Cancel(id transport.TaskID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok || t.Status == model.DownloadFinished {
		return
	}
	t.Cancelled = true
	f.finishLocked(t, model.DownloadErrCancelled)
}

// Forget drops the task record; later queries treat id as unknown.
func (f *Fake) Forget(id transport.TaskID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tasks, id)
}

// Live returns how many task records have not been forgotten.
func (f *Fake) Live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

// SetProgress updates the byte counters of the latest task for url.
func (f *Fake) SetProgress(url string, progress, total uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t := f.lastLocked(url); t != nil {
		t.Progress = progress
		t.Total = total
		t.HasTotal = true
	}
}

// Complete finishes the latest task for url successfully, writing the
// served body to its destination.
func (f *Fake) Complete(url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.lastLocked(url)
	if t == nil {
		return fmt.Errorf("no task for %s", url)
	}
	if code := f.completeLocked(t); code != model.DownloadErrNone {
		return fmt.Errorf("complete %s: %s", url, code)
	}
	return nil
}

// Fail finishes the latest task for url with code.
func (f *Fake) Fail(url string, code model.DownloadError) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t := f.lastLocked(url); t != nil {
		f.finishLocked(t, code)
	}
}

// FinishWithoutCode finishes the latest task for url and makes Error
// report that no code is available.
func (f *Fake) FinishWithoutCode(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t := f.lastLocked(url); t != nil {
		t.NoErrorCode = true
		f.finishLocked(t, model.DownloadErrNone)
	}
}

// Last returns the latest task for url.
func (f *Fake) Last(url string) (Task, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t := f.lastLocked(url); t != nil {
		return *t, true
	}
	return Task{}, false
}

// Tasks returns every task ever started, forgotten ones included, in start
// order.
func (f *Fake) Tasks() []Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Task, 0, len(f.history))
	for _, t := range f.history {
		out = append(out, *t)
	}
	return out
}

// Running returns the tasks that are still InProgress.
func (f *Fake) Running() []Task {
	var out []Task
	for _, t := range f.Tasks() {
		if t.Status == model.DownloadInProgress {
			out = append(out, t)
		}
	}
	return out
}

// Downloads counts how many tasks were started for url.
func (f *Fake) Downloads(url string) int {
	n := 0
	for _, t := range f.Tasks() {
		if t.URL == url {
			n++
		}
	}
	return n
}

func (f *Fake) lastLocked(url string) *Task {
	for i := len(f.history) - 1; i >= 0; i-- {
		if t := f.history[i]; t.URL == url {
			return t
		}
	}
	return nil
}

func (f *Fake) completeLocked(t *Task) model.DownloadError {
	body, ok := f.served[t.URL]
	if !ok {
		f.finishLocked(t, model.DownloadErrContentNotFound)
		return model.DownloadErrContentNotFound
	}
	if err := os.MkdirAll(filepath.Dir(t.Dest), 0755); err != nil {
		f.finishLocked(t, model.DownloadErrFile)
		return model.DownloadErrFile
	}
	if err := os.WriteFile(t.Dest, body, 0644); err != nil {
		f.finishLocked(t, model.DownloadErrFile)
		return model.DownloadErrFile
	}
	t.Progress = uint64(len(body))
	t.Total = uint64(len(body))
	t.HasTotal = true
	f.finishLocked(t, model.DownloadErrNone)
	return model.DownloadErrNone
}

func (f *Fake) finishLocked(t *Task, code model.DownloadError) {
	t.Status = model.DownloadFinished
	t.Err = code
}

var _ transport.Transport = (*Fake)(nil)
