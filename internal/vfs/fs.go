// Package vfs mounts pack archives into a single read-only namespace.
package vfs

import (
	"archive/zip"
	"fmt"
	"io"
	iofs "io/fs"
	"sort"
	"strings"
	"sync"

	"github.com/packfetch/packfetch/pkg/errclass"
	"github.com/packfetch/packfetch/pkg/logging"
	"github.com/packfetch/packfetch/pkg/pathutil"
)

// Mounter is the part of the filesystem the acquisition pipeline needs.
type Mounter interface {
	Mount(archivePath, mountPoint string) error
}

// FS is an overlay of mounted zip archives. Later mounts shadow earlier
// ones for the same path.
type FS struct {
	log *logging.Logger

	mu     sync.RWMutex
	mounts []*mount
}

type mount struct {
	archive string
	point   string
	reader  *zip.ReadCloser
	entries map[string]*zip.File
}

// New creates an empty filesystem.
func New(log *logging.Logger) *FS {
	if log == nil {
		log = logging.Discard()
	}
	return &FS{log: log}
}

// Mount indexes the archive and exposes its files under mountPoint.
// Mounting an already mounted archive re-reads it.
func (fs *FS) Mount(archivePath, mountPoint string) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return errclass.ErrMountFailed.WithMessagef("open %s: %v", archivePath, err)
	}

	point := pathutil.CleanMountPoint(mountPoint)
	m := &mount{
		archive: archivePath,
		point:   point,
		reader:  zr,
		entries: make(map[string]*zip.File, len(zr.File)),
	}
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name, err := pathutil.JoinMount(point, f.Name)
		if err != nil {
			zr.Close()
			return fmt.Errorf("mount %s: %w", archivePath, err)
		}
		m.entries[name] = f
	}

	fs.mu.Lock()
	old := fs.removeLocked(archivePath)
	fs.mounts = append(fs.mounts, m)
	fs.mu.Unlock()
	if old != nil {
		old.reader.Close()
	}

	fs.log.Debug("archive mounted", map[string]any{
		"archive": archivePath,
		"point":   point,
		"entries": len(m.entries),
	})
	return nil
}

// Unmount removes a previously mounted archive.
func (fs *FS) Unmount(archivePath string) error {
	fs.mu.Lock()
	m := fs.removeLocked(archivePath)
	fs.mu.Unlock()
	if m == nil {
		return fmt.Errorf("unmount %s: %w", archivePath, iofs.ErrNotExist)
	}
	return m.reader.Close()
}

func (fs *FS) removeLocked(archivePath string) *mount {
	for i, m := range fs.mounts {
		if m.archive == archivePath {
			fs.mounts = append(fs.mounts[:i:i], fs.mounts[i+1:]...)
			return m
		}
	}
	return nil
}

func (fs *FS) lookup(path string) *zip.File {
	path = strings.TrimPrefix(path, "/")
	for i := len(fs.mounts) - 1; i >= 0; i-- {
		if f, ok := fs.mounts[i].entries[path]; ok {
			return f
		}
	}
	return nil
}

// Open returns the content of path from the newest archive that has it.
func (fs *FS) Open(path string) (io.ReadCloser, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	f := fs.lookup(path)
	if f == nil {
		return nil, &iofs.PathError{Op: "open", Path: path, Err: iofs.ErrNotExist}
	}
	return f.Open()
}

// ReadFile reads the whole content of path.
func (fs *FS) ReadFile(path string) ([]byte, error) {
	rc, err := fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// Exists reports whether any mounted archive provides path.
func (fs *FS) Exists(path string) bool {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.lookup(path) != nil
}

// Mounted returns the mounted archive paths in mount order.
func (fs *FS) Mounted() []string {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	out := make([]string, len(fs.mounts))
	for i, m := range fs.mounts {
		out[i] = m.archive
	}
	return out
}

// Files lists every visible path, sorted.
func (fs *FS) Files() []string {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	seen := make(map[string]bool)
	for _, m := range fs.mounts {
		for name := range m.entries {
			seen[name] = true
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Close unmounts everything.
func (fs *FS) Close() error {
	fs.mu.Lock()
	mounts := fs.mounts
	fs.mounts = nil
	fs.mu.Unlock()

	var firstErr error
	for _, m := range mounts {
		if err := m.reader.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
