// Package packreq drives the download, verification and mount of one
// requested pack together with every dependency it still needs.
package packreq

import (
	"path/filepath"
	"time"

	"github.com/packfetch/packfetch/internal/events"
	"github.com/packfetch/packfetch/internal/integrity"
	"github.com/packfetch/packfetch/internal/lock"
	"github.com/packfetch/packfetch/internal/registry"
	"github.com/packfetch/packfetch/internal/transport"
	"github.com/packfetch/packfetch/internal/vfs"
	"github.com/packfetch/packfetch/pkg/logging"
	"github.com/packfetch/packfetch/pkg/model"
)

// DefaultMountPoint is where pack archives appear in the virtual filesystem.
const DefaultMountPoint = "Data/"

// Checker verifies a downloaded archive. verify.Verifier implements it.
type Checker interface {
	Check(pack *model.Pack) error
}

// Env is everything a Request reads and writes. It is shared by all
// requests of one queue.
type Env struct {
	Registry  registry.Registry
	Transport transport.Transport
	Checker   Checker
	Mounter   vfs.Mounter
	Events    events.Emitter

	// RemoteURL is the base URL pack names are appended to. It should end
	// with a slash.
	RemoteURL  string
	LocalDir   string
	MountPoint string

	// StallTimeout fails a download that makes no progress for this long.
	// Zero waits forever.
	StallTimeout time.Duration

	// Owners, when set, keeps two requests from fetching the same pack.
	Owners *lock.Owners

	Now func() time.Time
	Log *logging.Logger
}

func (e *Env) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Env) log() *logging.Logger {
	if e.Log != nil {
		return e.Log
	}
	return logging.Discard()
}

func (e *Env) mountPoint() string {
	if e.MountPoint == "" {
		return DefaultMountPoint
	}
	return e.MountPoint
}

func (e *Env) emit(p *model.Pack, kind model.ChangeKind) {
	if e.Events != nil {
		e.Events.Emit(p, kind)
	}
}

func (e *Env) archivePath(pack string) string {
	return filepath.Join(e.LocalDir, pack)
}

func (e *Env) sideFilePath(pack string) string {
	return filepath.Join(e.LocalDir, integrity.SideFileName(pack))
}

func (e *Env) archiveURL(pack string) string {
	return e.RemoteURL + pack
}

func (e *Env) sideFileURL(pack string) string {
	return e.RemoteURL + integrity.SideFileName(pack)
}
