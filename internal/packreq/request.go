package packreq

import (
	"errors"
	"time"

	"github.com/packfetch/packfetch/internal/transport"
	"github.com/packfetch/packfetch/pkg/errclass"
	"github.com/packfetch/packfetch/pkg/model"
)

// SubRequest is the download-verify-mount work for one pack file.
type SubRequest struct {
	Pack     string
	Status   model.SubRequestStatus
	TaskID   transport.TaskID
	ErrorMsg string

	pack         *model.Pack
	lastProgress uint64
	lastChange   time.Time
	// reclaim is set when a verified sub lost its claim to a pause and
	// must claim and verify again before mounting.
	reclaim bool
}

// Request fetches a root pack and the dependencies it still needs.
type Request struct {
	env      *Env
	name     string
	priority float32
	subs     []*SubRequest
	paused   bool
}

// New resolves the dependency closure of name and builds its request.
// The closure comes first in name order, then the root unless it is
// virtual.
func New(env *Env, name string, priority float32) (*Request, error) {
	root, err := env.Registry.GetPack(name)
	if err != nil {
		return nil, err
	}
	deps, err := Closure(env.Registry, name)
	if err != nil {
		return nil, err
	}

	r := &Request{
		env:      env,
		name:     name,
		priority: priority,
		subs:     make([]*SubRequest, 0, len(deps)+1),
		paused:   true,
	}
	for _, dep := range deps {
		p, err := env.Registry.GetPack(dep)
		if err != nil {
			return nil, err
		}
		r.subs = append(r.subs, &SubRequest{Pack: dep, Status: model.SubRequestWait, pack: p})
	}
	if !root.IsVirtual() {
		r.subs = append(r.subs, &SubRequest{Pack: name, Status: model.SubRequestWait, pack: root})
	}
	return r, nil
}

// Name returns the root pack name.
func (r *Request) Name() string { return r.name }

// Priority returns the current request priority.
func (r *Request) Priority() float32 { return r.priority }

// IsDone reports whether every SubRequest has been mounted.
func (r *Request) IsDone() bool { return len(r.subs) == 0 }

// IsError reports whether the front SubRequest failed.
func (r *Request) IsError() bool {
	return len(r.subs) > 0 && r.subs[0].Status == model.SubRequestError
}

// IsPaused reports whether the request is waiting for Start.
func (r *Request) IsPaused() bool { return r.paused }

// Current returns a copy of the front SubRequest.
func (r *Request) Current() (SubRequest, bool) {
	if len(r.subs) == 0 {
		return SubRequest{}, false
	}
	return *r.subs[0], true
}

// Dependencies returns a copy of the remaining SubRequests in download
// order.
func (r *Request) Dependencies() []SubRequest {
	out := make([]SubRequest, len(r.subs))
	for i, s := range r.subs {
		out[i] = *s
	}
	return out
}

// Start marks the request as the one being driven. Work happens in Update.
func (r *Request) Start() {
	r.paused = false
}

// Pause cancels an in-flight download of the front SubRequest and resets it
// to Wait, so the next Update starts that step again. The claim on the
// front pack is dropped in every status so the request that preempted this
// one can fetch it.
func (r *Request) Pause() {
	r.paused = true
	if r.IsDone() || r.IsError() {
		return
	}
	sub := r.subs[0]
	switch {
	case sub.Status.IsLoading():
		r.dropTask(sub)
		sub.Status = model.SubRequestWait
	case sub.Status == model.SubRequestCheckCRC32:
		sub.reclaim = true
	default:
		return
	}
	r.release(sub.Pack)

	r.env.log().Debug("pack request paused", map[string]any{
		"request": r.name,
		"pack":    sub.Pack,
	})
}

// ChangePriority raises the registry priority of every remaining pack to
// newPriority where it is lower, emitting a Priority event for each.
func (r *Request) ChangePriority(newPriority float32) {
	for _, sub := range r.subs {
		if p := sub.pack; p.Priority < newPriority {
			p.Priority = newPriority
			r.env.emit(p, model.ChangePriority)
		}
	}
	if newPriority > r.priority {
		r.priority = newPriority
	}
}

// Release drops every pack claim held by this request and cancels an
// in-flight download. Call it when the request leaves the queue.
func (r *Request) Release() {
	if !r.IsDone() && !r.IsError() {
		if sub := r.subs[0]; sub.Status.IsLoading() {
			r.dropTask(sub)
			sub.Status = model.SubRequestWait
		}
	}
	if r.env.Owners != nil {
		r.env.Owners.ReleaseAll(r.name)
	}
}

// Update advances the front SubRequest by at most one step. It returns an
// error when the downloaded archive fails verification or cannot be
// mounted; the request is then in error like after a download failure.
func (r *Request) Update() error {
	if r.IsDone() || r.IsError() {
		return nil
	}

	sub := r.subs[0]
	switch sub.Status {
	case model.SubRequestWait:
		r.startSideFile(sub)
	case model.SubRequestLoadingCRC32File:
		if r.doneLoading(sub, "can't load CRC32 file for pack: ", false) {
			r.startArchive(sub)
		}
	case model.SubRequestLoadingPackFile:
		if r.doneLoading(sub, "can't load pack: ", true) {
			return r.check(sub)
		}
	case model.SubRequestCheckCRC32:
		if sub.reclaim {
			return r.recheck(sub)
		}
		return r.mount(sub)
	case model.SubRequestMounted:
		r.subs = r.subs[1:]
	}
	return nil
}

func (r *Request) startSideFile(sub *SubRequest) {
	p := sub.pack
	if p.State == model.PackMounted {
		// Another request mounted it since this one was built.
		sub.Status = model.SubRequestMounted
		return
	}
	if r.env.Owners != nil {
		if err := r.env.Owners.Acquire(sub.Pack, r.name); err != nil {
			return
		}
	}

	sub.TaskID = r.env.Transport.Download(r.env.sideFileURL(sub.Pack), r.env.sideFilePath(sub.Pack), transport.Resumed, 1)
	sub.Status = model.SubRequestLoadingCRC32File
	r.resetStall(sub)
}

// recheck resumes a verified sub whose claim was dropped by Pause. The
// archive may have been rewritten meanwhile, so it is verified again.
func (r *Request) recheck(sub *SubRequest) error {
	if sub.pack.State == model.PackMounted {
		sub.reclaim = false
		sub.Status = model.SubRequestMounted
		return nil
	}
	if r.env.Owners != nil {
		if err := r.env.Owners.Acquire(sub.Pack, r.name); err != nil {
			return nil
		}
	}
	sub.reclaim = false
	return r.check(sub)
}

// dropTask cancels the task of sub and forgets it.
func (r *Request) dropTask(sub *SubRequest) {
	r.env.Transport.Cancel(sub.TaskID)
	r.env.Transport.Forget(sub.TaskID)
	sub.TaskID = ""
}

func (r *Request) startArchive(sub *SubRequest) {
	sub.TaskID = r.env.Transport.Download(r.env.archiveURL(sub.Pack), r.env.archivePath(sub.Pack), transport.DefaultMode, 0)
	sub.Status = model.SubRequestLoadingPackFile
	r.resetStall(sub)

	p := sub.pack
	p.State = model.PackDownloading
	r.env.emit(p, model.ChangeState)
}

func (r *Request) resetStall(sub *SubRequest) {
	sub.lastProgress = 0
	sub.lastChange = r.env.now()
}

// doneLoading polls the task of sub and reports whether it finished
// successfully. Failures move sub to Error.
func (r *Request) doneLoading(sub *SubRequest, failPrefix string, reportProgress bool) bool {
	tr := r.env.Transport
	p := sub.pack

	switch tr.Status(sub.TaskID) {
	case model.DownloadInProgress:
		progress, ok := tr.Progress(sub.TaskID)
		if ok && reportProgress {
			if total, ok := tr.Total(sub.TaskID); ok {
				if total == 0 {
					p.DownloadProgress = 1.0
				} else {
					p.DownloadProgress = min(1.0, float32(progress)/float32(total))
				}
				r.env.emit(p, model.ChangeDownloadProgress)
			}
		}
		if r.stalled(sub, progress) {
			r.dropTask(sub)
			r.failDownload(sub, p, model.DownloadErrStallTimeout, failPrefix)
		}
		return false

	case model.DownloadFinished:
		code, ok := tr.Error(sub.TaskID)
		tr.Forget(sub.TaskID)
		sub.TaskID = ""
		if !ok {
			code = model.DownloadErrUnknown
		}
		if code != model.DownloadErrNone {
			r.failDownload(sub, p, code, failPrefix)
			return false
		}
		if reportProgress {
			p.DownloadProgress = 1.0
			r.env.emit(p, model.ChangeDownloadProgress)
		}
		return true

	default:
		sub.TaskID = ""
		r.failDownload(sub, p, model.DownloadErrUnknown, failPrefix)
		return false
	}
}

func (r *Request) stalled(sub *SubRequest, progress uint64) bool {
	now := r.env.now()
	if progress != sub.lastProgress {
		sub.lastProgress = progress
		sub.lastChange = now
		return false
	}
	return r.env.StallTimeout > 0 && now.Sub(sub.lastChange) >= r.env.StallTimeout
}

func (r *Request) failDownload(sub *SubRequest, p *model.Pack, code model.DownloadError, prefix string) {
	msg := prefix + p.Name
	p.State = model.PackErrorLoading
	p.DownloadError = code
	p.OtherErrorMsg = msg
	sub.Status = model.SubRequestError
	sub.ErrorMsg = msg
	sub.TaskID = ""
	r.release(sub.Pack)

	r.env.log().Warn("pack download failed", map[string]any{
		"request": r.name,
		"pack":    p.Name,
		"error":   string(code),
	})
	r.env.emit(p, model.ChangeState)
}

func (r *Request) check(sub *SubRequest) error {
	p := sub.pack
	if err := r.env.Checker.Check(p); err != nil {
		return r.failOther(sub, p, err)
	}
	sub.Status = model.SubRequestCheckCRC32
	sub.TaskID = ""
	return nil
}

func (r *Request) mount(sub *SubRequest) error {
	p := sub.pack
	if err := r.env.Mounter.Mount(r.env.archivePath(sub.Pack), r.env.mountPoint()); err != nil {
		if !errors.Is(err, errclass.ErrMountFailed) {
			err = errclass.ErrMountFailed.WithMessagef("can't mount pack %s: %v", p.Name, err)
		}
		return r.failOther(sub, p, err)
	}

	sub.Status = model.SubRequestMounted
	p.State = model.PackMounted
	r.release(sub.Pack)

	r.env.log().Info("pack mounted", map[string]any{
		"request": r.name,
		"pack":    p.Name,
	})
	r.env.emit(p, model.ChangeState)
	return nil
}

func (r *Request) failOther(sub *SubRequest, p *model.Pack, err error) error {
	p.State = model.PackOtherError
	p.OtherErrorMsg = err.Error()
	sub.Status = model.SubRequestError
	sub.ErrorMsg = err.Error()
	r.release(sub.Pack)

	r.env.log().ErrorErr("pack rejected", err, map[string]any{
		"request": r.name,
		"pack":    p.Name,
	})
	r.env.emit(p, model.ChangeState)
	return err
}

func (r *Request) release(pack string) {
	if r.env.Owners != nil {
		r.env.Owners.Release(pack, r.name)
	}
}
