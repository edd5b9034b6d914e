package model

import (
	"fmt"
	"strconv"
	"strings"
)

// Pack is the registry record of a single downloadable pack.
type Pack struct {
	Name             string        `json:"name" yaml:"name"`
	Dependencies     []string      `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	CRC32FromDB      uint32        `json:"crc32_db" yaml:"-"`
	CRC32FromMeta    uint32        `json:"crc32_meta,omitempty" yaml:"-"`
	State            PackState     `json:"state" yaml:"-"`
	Priority         float32       `json:"priority" yaml:"-"`
	DownloadProgress float32       `json:"download_progress" yaml:"-"`
	DownloadError    DownloadError `json:"download_error,omitempty" yaml:"-"`
	OtherErrorMsg    string        `json:"error_message,omitempty" yaml:"-"`
}

// IsVirtual reports whether the pack only groups dependencies and has no
// archive of its own.
func (p *Pack) IsVirtual() bool {
	return p.CRC32FromDB == 0
}

// Clone returns a deep copy safe to hand to observers.
func (p *Pack) Clone() Pack {
	c := *p
	if p.Dependencies != nil {
		c.Dependencies = append([]string(nil), p.Dependencies...)
	}
	return c
}

// PackSpec is one entry of a pack manifest.
type PackSpec struct {
	Name         string   `yaml:"name" toml:"name"`
	CRC32        string   `yaml:"crc32,omitempty" toml:"crc32,omitempty"`
	Dependencies []string `yaml:"dependencies,omitempty" toml:"dependencies,omitempty"`
}

// Manifest is the on-disk list of known packs.
type Manifest struct {
	Packs []PackSpec `yaml:"packs" toml:"packs"`
}

// ParseCRC32 decodes a hex checksum as written in manifests and side-files.
// An empty string is the virtual checksum 0.
func ParseCRC32(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("parse crc32 %q: %w", s, err)
	}
	return uint32(v), nil
}

// FormatCRC32 encodes a checksum as lower-case hex.
func FormatCRC32(v uint32) string {
	return fmt.Sprintf("%08x", v)
}
