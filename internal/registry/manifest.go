package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/packfetch/packfetch/pkg/errclass"
	"github.com/packfetch/packfetch/pkg/model"
)

// LoadManifest reads a YAML or TOML manifest, chosen by file extension.
func LoadManifest(path string) (*Memory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	format := "yaml"
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		format = "toml"
	}
	return ParseManifest(data, format)
}

// ParseManifest decodes a manifest document in the given format
// ("yaml" or "toml") into a registry.
func ParseManifest(data []byte, format string) (*Memory, error) {
	var m model.Manifest
	switch format {
	case "toml":
		if err := toml.Unmarshal(data, &m); err != nil {
			return nil, errclass.ErrManifestInvalid.WithMessagef("parse toml: %v", err)
		}
	case "yaml", "yml", "":
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, errclass.ErrManifestInvalid.WithMessagef("parse yaml: %v", err)
		}
	default:
		return nil, fmt.Errorf("unsupported manifest format: %s", format)
	}
	return FromManifest(&m)
}

// FromManifest builds a registry from decoded manifest entries.
func FromManifest(m *model.Manifest) (*Memory, error) {
	r := New()
	for _, spec := range m.Packs {
		crc, err := model.ParseCRC32(spec.CRC32)
		if err != nil {
			return nil, errclass.ErrManifestInvalid.WithMessagef("pack %s: %v", spec.Name, err)
		}
		if err := r.Add(model.Pack{
			Name:         spec.Name,
			Dependencies: spec.Dependencies,
			CRC32FromDB:  crc,
		}); err != nil {
			return nil, err
		}
	}
	if err := r.CheckDependencies(); err != nil {
		return nil, err
	}
	return r, nil
}

// Manifest converts the registry back into manifest form.
func (r *Memory) Manifest() *model.Manifest {
	m := &model.Manifest{}
	for _, p := range r.Snapshot() {
		spec := model.PackSpec{Name: p.Name, Dependencies: p.Dependencies}
		if !p.IsVirtual() {
			spec.CRC32 = model.FormatCRC32(p.CRC32FromDB)
		}
		m.Packs = append(m.Packs, spec)
	}
	return m
}
