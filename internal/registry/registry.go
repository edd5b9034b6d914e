// Package registry holds the per-pack metadata the acquisition pipeline
// reads and updates: names, dependency lists, expected checksums and the
// current lifecycle state.
package registry

import (
	"sort"
	"sync"

	"github.com/packfetch/packfetch/pkg/errclass"
	"github.com/packfetch/packfetch/pkg/model"
	"github.com/packfetch/packfetch/pkg/pathutil"
)

// Registry resolves a pack name to its mutable record.
type Registry interface {
	GetPack(name string) (*model.Pack, error)
}

// Memory is an in-process Registry.
type Memory struct {
	mu    sync.RWMutex
	packs map[string]*model.Pack
}

// New creates a registry holding packs. It panics on invalid input and is
// meant for literals in tests and tooling; use Add for untrusted data.
func New(packs ...model.Pack) *Memory {
	r := &Memory{packs: make(map[string]*model.Pack)}
	for _, p := range packs {
		if err := r.Add(p); err != nil {
			panic(err)
		}
	}
	return r
}

// Add registers a pack. Names must be unique and valid.
func (r *Memory) Add(p model.Pack) error {
	name, err := pathutil.NormalizeName(p.Name)
	if err != nil {
		return err
	}
	p.Name = name

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.packs[name]; ok {
		return errclass.ErrManifestInvalid.WithMessagef("duplicate pack %s", name)
	}
	pc := p.Clone()
	r.packs[name] = &pc
	return nil
}

// GetPack returns the mutable record for name.
func (r *Memory) GetPack(name string) (*model.Pack, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.packs[name]
	if !ok {
		return nil, errclass.ErrPackUnknown.WithMessagef("unknown pack: %s", name)
	}
	return p, nil
}

// Names returns all pack names in sorted order.
func (r *Memory) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.packs))
	for name := range r.packs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Packs returns the live records sorted by name.
func (r *Memory) Packs() []*model.Pack {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*model.Pack, 0, len(names))
	for _, name := range names {
		out = append(out, r.packs[name])
	}
	return out
}

// Snapshot returns copies of all records sorted by name.
func (r *Memory) Snapshot() []model.Pack {
	live := r.Packs()
	out := make([]model.Pack, len(live))
	for i, p := range live {
		out[i] = p.Clone()
	}
	return out
}

// CheckDependencies reports the first dependency that names an unknown pack.
func (r *Memory) CheckDependencies() error {
	for _, p := range r.Packs() {
		for _, dep := range p.Dependencies {
			if _, err := r.GetPack(dep); err != nil {
				return errclass.ErrManifestInvalid.WithMessagef("pack %s depends on unknown pack %s", p.Name, dep)
			}
		}
	}
	return nil
}
