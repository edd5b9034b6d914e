// Package doctor inspects a local packs directory for leftovers of
// interrupted runs and for archives that no longer verify.
package doctor

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/packfetch/packfetch/internal/integrity"
	"github.com/packfetch/packfetch/internal/lock"
	"github.com/packfetch/packfetch/internal/registry"
	"github.com/packfetch/packfetch/internal/transport"
	"github.com/packfetch/packfetch/internal/verify"
)

const tmpPrefix = ".packfetch-tmp-"

// Finding represents a detected issue.
type Finding struct {
	Category    string `json:"category"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
	Path        string `json:"path,omitempty"`
	// Removable findings are deleted by Fix.
	Removable bool `json:"removable,omitempty"`
}

// Result contains doctor check results.
type Result struct {
	Healthy  bool      `json:"healthy"`
	Findings []Finding `json:"findings"`
}

// Doctor checks one packs directory against a registry.
type Doctor struct {
	localDir  string
	stateFile string
	reg       *registry.Memory
	ignore    map[string]bool
}

// NewDoctor creates a doctor for localDir. stateFile may be empty. Files
// named in ignore, such as a journal kept in the packs directory, are not
// reported.
func NewDoctor(localDir, stateFile string, reg *registry.Memory, ignore ...string) *Doctor {
	d := &Doctor{localDir: localDir, stateFile: stateFile, reg: reg, ignore: make(map[string]bool)}
	for _, path := range append(ignore, stateFile) {
		if path != "" {
			d.ignore[filepath.Base(path)] = true
			d.ignore[filepath.Base(path)+".lock"] = true
		}
	}
	return d
}

// Check runs all diagnostic checks. strict also verifies every archive.
func (d *Doctor) Check(strict bool) (*Result, error) {
	result := &Result{Healthy: true}

	entries, err := os.ReadDir(d.localDir)
	if os.IsNotExist(err) {
		return result, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read packs dir: %w", err)
	}

	d.checkLock(result)
	d.checkFiles(result, entries)
	d.checkState(result)
	if strict {
		d.checkIntegrity(result)
	}

	sort.SliceStable(result.Findings, func(i, j int) bool {
		return result.Findings[i].Path < result.Findings[j].Path
	})
	return result, nil
}

func (d *Doctor) checkLock(result *Result) {
	locked, rec, err := lock.Status(d.localDir)
	if err != nil {
		result.Findings = append(result.Findings, Finding{
			Category:    "lock",
			Description: fmt.Sprintf("cannot probe lock: %v", err),
			Severity:    "error",
		})
		return
	}
	if locked {
		desc := "packs directory is in use"
		if rec != nil {
			desc = fmt.Sprintf("packs directory is in use by pid %d (%s)", rec.PID, rec.Purpose)
		}
		result.Findings = append(result.Findings, Finding{
			Category:    "lock",
			Description: desc,
			Severity:    "info",
		})
	}
}

func (d *Doctor) checkFiles(result *Result, entries []os.DirEntry) {
	known := make(map[string]bool)
	for _, name := range d.reg.Names() {
		known[name] = true
	}

	present := make(map[string]bool, len(entries))
	for _, e := range entries {
		present[e.Name()] = true
	}

	for _, e := range entries {
		name := e.Name()
		path := filepath.Join(d.localDir, name)
		switch {
		case e.IsDir(), strings.HasPrefix(name, ".packfetch."), d.ignore[name]:
		case strings.HasPrefix(name, tmpPrefix):
			result.Findings = append(result.Findings, Finding{
				Category:    "tmp",
				Description: fmt.Sprintf("orphan temp file: %s", name),
				Severity:    "info",
				Path:        path,
				Removable:   true,
			})
		case strings.HasSuffix(name, transport.PartSuffix):
			result.Findings = append(result.Findings, Finding{
				Category:    "partial",
				Description: fmt.Sprintf("interrupted download: %s", strings.TrimSuffix(name, transport.PartSuffix)),
				Severity:    "info",
				Path:        path,
				Removable:   true,
			})
		case strings.HasSuffix(name, integrity.SideFileSuffix):
			pack := strings.TrimSuffix(name, integrity.SideFileSuffix)
			if !known[pack] {
				result.Findings = append(result.Findings, Finding{
					Category:    "orphan",
					Description: fmt.Sprintf("side-file of unknown pack %s", pack),
					Severity:    "warning",
					Path:        path,
					Removable:   true,
				})
			}
		case !known[name]:
			result.Findings = append(result.Findings, Finding{
				Category:    "orphan",
				Description: fmt.Sprintf("archive of unknown pack %s", name),
				Severity:    "warning",
				Path:        path,
				Removable:   true,
			})
		case !present[integrity.SideFileName(name)]:
			result.Findings = append(result.Findings, Finding{
				Category:    "sidefile",
				Description: fmt.Sprintf("pack %s has no side-file", name),
				Severity:    "warning",
				Path:        path,
			})
		}
	}
}

func (d *Doctor) checkState(result *Result) {
	if d.stateFile == "" {
		return
	}
	names, err := d.reg.LoadState(d.stateFile)
	if err != nil {
		result.Findings = append(result.Findings, Finding{
			Category:    "state",
			Description: fmt.Sprintf("cannot read state file: %v", err),
			Severity:    "error",
			Path:        d.stateFile,
		})
		result.Healthy = false
		return
	}
	for _, name := range names {
		path := filepath.Join(d.localDir, name)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			result.Findings = append(result.Findings, Finding{
				Category:    "state",
				Description: fmt.Sprintf("pack %s is recorded as mounted but its archive is missing", name),
				Severity:    "warning",
				Path:        path,
			})
		}
	}
}

func (d *Doctor) checkIntegrity(result *Result) {
	verifier := verify.NewVerifier(d.localDir)
	results, err := verifier.VerifyAll(d.reg.Packs())
	if err != nil {
		result.Findings = append(result.Findings, Finding{
			Category:    "integrity",
			Description: fmt.Sprintf("verification failed: %v", err),
			Severity:    "error",
		})
		return
	}

	for _, r := range results {
		if !r.ChecksumValid {
			result.Findings = append(result.Findings, Finding{
				Category:    "integrity",
				Description: fmt.Sprintf("pack %s: %s", r.Pack, r.Error),
				Severity:    "critical",
				Path:        verifier.ArchivePath(r.Pack),
			})
			result.Healthy = false
		}
	}
}

// Fix removes the files of removable findings and returns their paths.
// The packs directory must not be in use.
func (d *Doctor) Fix(result *Result) ([]string, error) {
	dl, err := lock.AcquireDir(d.localDir, "doctor")
	if err != nil {
		return nil, err
	}
	defer dl.Release()

	var removed []string
	for _, f := range result.Findings {
		if !f.Removable || f.Path == "" {
			continue
		}
		if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("remove %s: %w", f.Path, err)
		}
		removed = append(removed, f.Path)
	}
	return removed, nil
}
