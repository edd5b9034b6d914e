// Package transport downloads pack files in the background. The pipeline
// starts a task, then polls it by id on every tick.
package transport

import "github.com/packfetch/packfetch/pkg/model"

// TaskID identifies a download task. The empty id is never issued.
type TaskID string

// Mode controls what happens to bytes already present at the destination.
type Mode int

const (
	// Resumed continues a previous partial download with a Range request.
	Resumed Mode = iota
	// Rewrite discards partial data and starts from zero.
	Rewrite
)

// DefaultMode is used for pack archives.
const DefaultMode = Resumed

func (m Mode) String() string {
	switch m {
	case Resumed:
		return "resumed"
	case Rewrite:
		return "rewrite"
	default:
		return "unknown"
	}
}

// Transport is the download service consumed by pack requests.
//
// A task is InProgress from Download until it terminates, then Finished
// until Forget drops its record. Error reports ok only once the task is
// Finished; a successful task reports DownloadErrNone. Callers Forget every
// task they started once they no longer poll it.
type Transport interface {
	Download(url, dest string, mode Mode, threads int) TaskID
	Status(id TaskID) model.DownloadStatus
	Error(id TaskID) (model.DownloadError, bool)
	Progress(id TaskID) (uint64, bool)
	Total(id TaskID) (uint64, bool)
	Cancel(id TaskID)
	Forget(id TaskID)
}
