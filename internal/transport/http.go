package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/google/uuid"

	"github.com/packfetch/packfetch/pkg/fsutil"
	"github.com/packfetch/packfetch/pkg/logging"
	"github.com/packfetch/packfetch/pkg/model"
)

// PartSuffix is appended to the destination while a download is running.
const PartSuffix = ".part"

const copyBufferSize = 32 * 1024

// HTTP downloads over net/http, one goroutine per task.
type HTTP struct {
	client *http.Client
	log    *logging.Logger

	// RequireRange fails a resumed download with NoRangeRequest when the
	// server ignores the Range header, instead of restarting from zero.
	RequireRange bool

	mu    sync.Mutex
	tasks map[TaskID]*task
	// dests holds the newest task writing each destination.
	dests map[string]*task
	wg    sync.WaitGroup
}

type task struct {
	id      TaskID
	url     string
	dest    string
	mode    Mode
	threads int

	cancel context.CancelFunc
	done   chan struct{}

	progress   atomic.Uint64
	total      atomic.Uint64
	totalKnown atomic.Bool

	// prev is the task that wrote dest before this one. It must exit
	// before this task touches the partial file.
	prev *task

	mu        sync.Mutex
	finished  bool
	code      model.DownloadError
	forgotten bool
}

// NewHTTP creates an HTTP transport. A nil client uses http.DefaultClient
// and a nil logger discards output.
func NewHTTP(client *http.Client, log *logging.Logger) *HTTP {
	if client == nil {
		client = http.DefaultClient
	}
	if log == nil {
		log = logging.Discard()
	}
	return &HTTP{
		client: client,
		log:    log,
		tasks:  make(map[TaskID]*task),
		dests:  make(map[string]*task),
	}
}

// Download starts fetching url into dest and returns immediately.
func (h *HTTP) Download(url, dest string, mode Mode, threads int) TaskID {
	ctx, cancel := context.WithCancel(context.Background())
	t := &task{
		id:      TaskID(uuid.NewString()),
		url:     url,
		dest:    dest,
		mode:    mode,
		threads: threads,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	h.mu.Lock()
	h.tasks[t.id] = t
	t.prev = h.dests[dest]
	h.dests[dest] = t
	h.mu.Unlock()

	h.log.Debug("download started", map[string]any{
		"task": string(t.id),
		"url":  url,
		"mode": mode.String(),
	})

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer h.retire(t)
		defer close(t.done)
		defer cancel()
		code := model.DownloadErrCancelled
		if t.waitPrev(ctx) {
			code = h.fetch(ctx, t)
		}
		t.finish(code)

		fields := map[string]any{
			"task":     string(t.id),
			"url":      url,
			"progress": t.progress.Load(),
		}
		if code != model.DownloadErrNone {
			fields["error"] = string(code)
			h.log.Warn("download failed", fields)
			return
		}
		h.log.Debug("download finished", fields)
	}()
	return t.id
}

func (t *task) finish(code model.DownloadError) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finished = true
	t.code = code
}

// waitPrev blocks until the previous writer of dest has exited. It reports
// false when ctx ends first.
func (t *task) waitPrev(ctx context.Context) bool {
	if t.prev == nil {
		return true
	}
	select {
	case <-t.prev.done:
		t.prev = nil
		return true
	case <-ctx.Done():
		return false
	}
}

// retire drops the bookkeeping of an exited task.
func (h *HTTP) retire(t *task) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.dests[t.dest] == t {
		delete(h.dests, t.dest)
	}
	t.mu.Lock()
	forgotten := t.forgotten
	t.mu.Unlock()
	if forgotten {
		delete(h.tasks, t.id)
	}
}

func (h *HTTP) lookup(id TaskID) *task {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tasks[id]
}

// Status reports the coarse task status; unknown ids are DownloadUnknown.
func (h *HTTP) Status(id TaskID) model.DownloadStatus {
	t := h.lookup(id)
	if t == nil {
		return model.DownloadUnknown
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return model.DownloadFinished
	}
	return model.DownloadInProgress
}

// Error returns the terminal code of a finished task.
func (h *HTTP) Error(id TaskID) (model.DownloadError, bool) {
	t := h.lookup(id)
	if t == nil {
		return model.DownloadErrNone, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.finished {
		return model.DownloadErrNone, false
	}
	return t.code, true
}

// Progress returns the number of bytes present at the destination,
// including bytes kept from a resumed download.
func (h *HTTP) Progress(id TaskID) (uint64, bool) {
	t := h.lookup(id)
	if t == nil {
		return 0, false
	}
	return t.progress.Load(), true
}

// Total returns the expected file size once the server has reported it.
func (h *HTTP) Total(id TaskID) (uint64, bool) {
	t := h.lookup(id)
	if t == nil || !t.totalKnown.Load() {
		return 0, false
	}
	return t.total.Load(), true
}

// Cancel aborts a running task. The task finishes with DownloadErrCancelled.
func (h *HTTP) Cancel(id TaskID) {
	if t := h.lookup(id); t != nil {
		t.cancel()
	}
}

// Wait blocks until the task terminates or ctx is done.
func (h *HTTP) Wait(ctx context.Context, id TaskID) error {
	t := h.lookup(id)
	if t == nil {
		return fmt.Errorf("unknown task %s", id)
	}
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Forget drops the record of a task. A task that is still running keeps
// its record until it exits.
func (h *HTTP) Forget(id TaskID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.tasks[id]
	if !ok {
		return
	}
	select {
	case <-t.done:
		delete(h.tasks, id)
	default:
		t.mu.Lock()
		t.forgotten = true
		t.mu.Unlock()
	}
}

// Len returns how many task records the transport holds.
func (h *HTTP) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.tasks)
}

// Close cancels every running task and waits for them to exit.
func (h *HTTP) Close() {
	h.mu.Lock()
	for _, t := range h.tasks {
		t.cancel()
	}
	h.mu.Unlock()
	h.wg.Wait()
}

func (h *HTTP) fetch(ctx context.Context, t *task) model.DownloadError {
	if err := os.MkdirAll(filepath.Dir(t.dest), 0755); err != nil {
		return model.DownloadErrFile
	}

	part := t.dest + PartSuffix
	var offset int64
	if t.mode == Resumed {
		size, err := fsutil.SizeOf(part)
		if err != nil {
			return model.DownloadErrFile
		}
		offset = size
	} else if err := os.Remove(part); err != nil && !os.IsNotExist(err) {
		return model.DownloadErrFile
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url, nil)
	if err != nil {
		return model.DownloadErrInit
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return classify(ctx, err)
	}
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY
	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return model.DownloadErrContentNotFound
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		return model.DownloadErrCouldntResume
	case resp.StatusCode == http.StatusPartialContent && offset > 0:
		flags |= os.O_APPEND
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if offset > 0 && h.RequireRange {
			return model.DownloadErrNoRangeRequest
		}
		offset = 0
		flags |= os.O_TRUNC
	default:
		return model.DownloadErrCommon
	}

	t.progress.Store(uint64(offset))
	if resp.ContentLength >= 0 {
		t.total.Store(uint64(offset + resp.ContentLength))
		t.totalKnown.Store(true)
	}

	f, err := os.OpenFile(part, flags, 0644)
	if err != nil {
		return model.DownloadErrFile
	}

	buf := make([]byte, copyBufferSize)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				f.Close()
				return model.DownloadErrFile
			}
			t.progress.Add(uint64(n))
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			f.Close()
			return classify(ctx, rerr)
		}
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return model.DownloadErrFile
	}
	if err := f.Close(); err != nil {
		return model.DownloadErrFile
	}
	if err := fsutil.RenameAndSync(part, t.dest); err != nil {
		return model.DownloadErrFile
	}
	if !t.totalKnown.Load() {
		t.total.Store(t.progress.Load())
		t.totalKnown.Store(true)
	}
	return model.DownloadErrNone
}

func classify(ctx context.Context, err error) model.DownloadError {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return model.DownloadErrCancelled
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return model.DownloadErrCouldntResolveHost
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return model.DownloadErrCouldntConnect
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return model.DownloadErrCouldntConnect
	}
	return model.DownloadErrCommon
}
