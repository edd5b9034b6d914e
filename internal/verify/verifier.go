package verify

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/packfetch/packfetch/internal/integrity"
	"github.com/packfetch/packfetch/pkg/errclass"
	"github.com/packfetch/packfetch/pkg/model"
)

// Result contains verification results for a single pack.
type Result struct {
	Pack           string `json:"pack"`
	ExpectedCRC32  string `json:"expected_crc32"`
	SideFileCRC32  string `json:"side_file_crc32,omitempty"`
	ArchiveCRC32   string `json:"archive_crc32,omitempty"`
	ChecksumValid  bool   `json:"checksum_valid"`
	TamperDetected bool   `json:"tamper_detected"`
	Severity       string `json:"severity,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Verifier checks downloaded pack archives against their side-files and the
// registry's expected checksums.
type Verifier struct {
	localDir string
}

// NewVerifier creates a verifier for packs stored under localDir.
func NewVerifier(localDir string) *Verifier {
	return &Verifier{localDir: localDir}
}

// ArchivePath returns the local path of a pack archive.
func (v *Verifier) ArchivePath(pack string) string {
	return filepath.Join(v.localDir, pack)
}

// SideFilePath returns the local path of a pack's checksum side-file.
func (v *Verifier) SideFilePath(pack string) string {
	return filepath.Join(v.localDir, integrity.SideFileName(pack))
}

// Check verifies the archive of pack and records the side-file checksum in
// pack.CRC32FromMeta. The archive must match the side-file, and the
// side-file must match the registry.
func (v *Verifier) Check(pack *model.Pack) error {
	meta, err := integrity.ReadSideFile(v.SideFilePath(pack.Name))
	if err != nil {
		return err
	}
	pack.CRC32FromMeta = meta

	actual, err := integrity.ChecksumFile(v.ArchivePath(pack.Name))
	if err != nil {
		return errclass.ErrChecksumUnreadable.WithMessagef("can't read pack file %s: %v", pack.Name, err)
	}

	if actual != meta {
		return errclass.ErrChecksumMismatch.WithMessagef(
			"just downloaded pack file crc32 %s does not match meta %s, can't mount pack: %s",
			model.FormatCRC32(actual), model.FormatCRC32(meta), pack.Name)
	}
	if meta != pack.CRC32FromDB {
		return errclass.ErrChecksumMismatch.WithMessagef(
			"pack %s crc32 %s does not match registry %s",
			pack.Name, model.FormatCRC32(meta), model.FormatCRC32(pack.CRC32FromDB))
	}
	return nil
}

// VerifyPack reports the integrity of a single pack without modifying it.
func (v *Verifier) VerifyPack(pack *model.Pack) (*Result, error) {
	if pack.IsVirtual() {
		return nil, fmt.Errorf("pack %s is virtual and has no archive", pack.Name)
	}

	result := &Result{
		Pack:          pack.Name,
		ExpectedCRC32: model.FormatCRC32(pack.CRC32FromDB),
	}

	meta, err := integrity.ReadSideFile(v.SideFilePath(pack.Name))
	if err != nil {
		result.Error = err.Error()
		result.Severity = "error"
		return result, nil
	}
	result.SideFileCRC32 = model.FormatCRC32(meta)

	actual, err := integrity.ChecksumFile(v.ArchivePath(pack.Name))
	if err != nil {
		result.Error = fmt.Sprintf("checksum archive: %v", err)
		result.Severity = "error"
		return result, nil
	}
	result.ArchiveCRC32 = model.FormatCRC32(actual)

	result.ChecksumValid = actual == meta && meta == pack.CRC32FromDB
	if !result.ChecksumValid {
		result.TamperDetected = true
		result.Severity = "critical"
		result.Error = "checksum mismatch"
	}
	return result, nil
}

// VerifyAll verifies every non-virtual pack that has an archive on disk.
func (v *Verifier) VerifyAll(packs []*model.Pack) ([]*Result, error) {
	var results []*Result
	for _, p := range packs {
		if p.IsVirtual() {
			continue
		}
		if _, err := os.Stat(v.ArchivePath(p.Name)); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("stat pack %s: %w", p.Name, err)
		}
		result, err := v.VerifyPack(p)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}
	return results, nil
}
