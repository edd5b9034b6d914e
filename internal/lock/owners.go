// Package lock coordinates who may write a pack's files: per-pack claims
// between requests inside one process, and an exclusive lock on the packs
// directory between processes.
package lock

import (
	"sort"
	"sync"

	"github.com/packfetch/packfetch/pkg/errclass"
)

// Owners tracks which request is fetching each pack.
type Owners struct {
	mu      sync.Mutex
	holders map[string]string
}

// NewOwners creates an empty claim table.
func NewOwners() *Owners {
	return &Owners{holders: make(map[string]string)}
}

// Acquire claims pack for holder. Re-acquiring an own claim succeeds.
func (o *Owners) Acquire(pack, holder string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if cur, ok := o.holders[pack]; ok && cur != holder {
		return errclass.ErrLockConflict.WithMessagef("pack %s is being fetched by %s", pack, cur)
	}
	o.holders[pack] = holder
	return nil
}

// Release drops holder's claim on pack. Releasing a free pack is a no-op.
func (o *Owners) Release(pack, holder string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	cur, ok := o.holders[pack]
	if !ok {
		return nil
	}
	if cur != holder {
		return errclass.ErrLockConflict.WithMessagef("cannot release %s: held by %s", pack, cur)
	}
	delete(o.holders, pack)
	return nil
}

// ReleaseAll drops every claim of holder and returns how many there were.
func (o *Owners) ReleaseAll(holder string) int {
	o.mu.Lock()
	defer o.mu.Unlock()

	n := 0
	for pack, cur := range o.holders {
		if cur == holder {
			delete(o.holders, pack)
			n++
		}
	}
	return n
}

// Holder returns who owns pack.
func (o *Owners) Holder(pack string) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	h, ok := o.holders[pack]
	return h, ok
}

// Claimed lists the claimed pack names, sorted.
func (o *Owners) Claimed() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.holders))
	for pack := range o.holders {
		out = append(out, pack)
	}
	sort.Strings(out)
	return out
}
