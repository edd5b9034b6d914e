// Package integrity computes and reads the CRC-32 checksums that guard pack
// archives.
package integrity

import (
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"strings"

	"github.com/packfetch/packfetch/pkg/errclass"
	"github.com/packfetch/packfetch/pkg/fsutil"
	"github.com/packfetch/packfetch/pkg/model"
)

// SideFileSuffix is appended to a pack name to get its checksum side-file.
const SideFileSuffix = ".hash"

// SideFileName returns the side-file name for a pack.
func SideFileName(pack string) string {
	return pack + SideFileSuffix
}

// ChecksumFile computes the IEEE CRC-32 of the file at path.
func ChecksumFile(path string) (uint32, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	h := crc32.NewIEEE()
	if _, err := io.Copy(h, f); err != nil {
		return 0, fmt.Errorf("read file: %w", err)
	}
	return h.Sum32(), nil
}

// ChecksumBytes computes the IEEE CRC-32 of data.
func ChecksumBytes(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

// ReadSideFile reads the hex checksum text of a side-file.
func ReadSideFile(path string) (uint32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, errclass.ErrChecksumUnreadable.WithMessagef("can't read crc meta file %s: %v", path, err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return 0, errclass.ErrChecksumUnreadable.WithMessagef("empty crc meta file %s", path)
	}
	v, err := model.ParseCRC32(text)
	if err != nil {
		return 0, errclass.ErrChecksumUnreadable.WithMessagef("crc meta file %s: %v", path, err)
	}
	return v, nil
}

// WriteSideFile writes crc as hex text to path.
func WriteSideFile(path string, crc uint32) error {
	return fsutil.AtomicWrite(path, []byte(model.FormatCRC32(crc)), 0644)
}
