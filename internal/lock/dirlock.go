package lock

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/packfetch/packfetch/pkg/errclass"
	"github.com/packfetch/packfetch/pkg/fsutil"
)

const (
	lockFileName   = ".packfetch.lock"
	recordFileName = ".packfetch.owner"
)

// Record describes the process holding a packs directory.
type Record struct {
	Holder     string    `json:"holder"`
	PID        int       `json:"pid"`
	Purpose    string    `json:"purpose"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// DirLock is an exclusive advisory lock on a packs directory.
type DirLock struct {
	dir    string
	fl     *flock.Flock
	record Record
}

// AcquireDir locks dir without blocking. A directory already locked by
// another process yields ErrLockConflict.
func AcquireDir(dir, purpose string) (*DirLock, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create packs dir: %w", err)
	}

	fl := flock.New(filepath.Join(dir, lockFileName))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock packs dir: %w", err)
	}
	if !ok {
		msg := fmt.Sprintf("packs directory %s is locked", dir)
		if rec, err := readRecord(dir); err == nil {
			msg = fmt.Sprintf("%s by pid %d (%s)", msg, rec.PID, rec.Purpose)
		}
		return nil, errclass.ErrLockConflict.WithMessage(msg)
	}

	l := &DirLock{
		dir: dir,
		fl:  fl,
		record: Record{
			Holder:     uuid.NewString(),
			PID:        os.Getpid(),
			Purpose:    purpose,
			AcquiredAt: time.Now().UTC(),
		},
	}
	data, err := json.MarshalIndent(l.record, "", "  ")
	if err != nil {
		fl.Unlock()
		return nil, fmt.Errorf("marshal lock record: %w", err)
	}
	if err := fsutil.AtomicWrite(filepath.Join(dir, recordFileName), data, 0644); err != nil {
		fl.Unlock()
		return nil, fmt.Errorf("write lock record: %w", err)
	}
	return l, nil
}

// Record returns the holder information written on acquire.
func (l *DirLock) Record() Record {
	return l.record
}

// Release unlocks the directory. It is safe to call more than once.
func (l *DirLock) Release() error {
	if l == nil || !l.fl.Locked() {
		return nil
	}
	os.Remove(filepath.Join(l.dir, recordFileName))
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("unlock packs dir: %w", err)
	}
	return nil
}

// Status reports whether dir is locked by someone and, if known, by whom.
func Status(dir string) (bool, *Record, error) {
	fl := flock.New(filepath.Join(dir, lockFileName))
	ok, err := fl.TryLock()
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil, nil
		}
		return false, nil, fmt.Errorf("probe packs dir lock: %w", err)
	}
	if ok {
		fl.Unlock()
		return false, nil, nil
	}
	rec, err := readRecord(dir)
	if err != nil {
		return true, nil, nil
	}
	return true, rec, nil
}

func readRecord(dir string) (*Record, error) {
	data, err := os.ReadFile(filepath.Join(dir, recordFileName))
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse lock record: %w", err)
	}
	return &rec, nil
}
