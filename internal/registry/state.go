package registry

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/packfetch/packfetch/pkg/fsutil"
	"github.com/packfetch/packfetch/pkg/model"
)

type stateFile struct {
	SavedAt time.Time    `yaml:"saved_at"`
	Packs   []stateEntry `yaml:"packs"`
}

type stateEntry struct {
	Name  string `yaml:"name"`
	CRC32 string `yaml:"crc32"`
}

// SaveState records which packs are mounted so a later process can mount
// them again without downloading.
func (r *Memory) SaveState(path string) error {
	st := stateFile{SavedAt: time.Now().UTC()}
	for _, p := range r.Snapshot() {
		if p.State != model.PackMounted || p.IsVirtual() {
			continue
		}
		st.Packs = append(st.Packs, stateEntry{Name: p.Name, CRC32: model.FormatCRC32(p.CRC32FromDB)})
	}
	data, err := yaml.Marshal(&st)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := fsutil.AtomicWrite(path, data, 0644); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return nil
}

// LoadState returns the names of packs recorded as mounted whose recorded
// checksum still matches the registry. Entries for unknown packs or stale
// checksums are skipped. A missing file yields no names.
func (r *Memory) LoadState(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}
	var st stateFile
	if err := yaml.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse state: %w", err)
	}

	var names []string
	for _, e := range st.Packs {
		p, err := r.GetPack(e.Name)
		if err != nil {
			continue
		}
		crc, err := model.ParseCRC32(e.CRC32)
		if err != nil || crc != p.CRC32FromDB {
			continue
		}
		names = append(names, p.Name)
	}
	return names, nil
}
