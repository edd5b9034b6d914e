// Package pathutil validates pack names and virtual filesystem paths.
package pathutil

import (
	"path"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/packfetch/packfetch/pkg/errclass"
)

var nameRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// NormalizeName returns the NFC form of a pack name after checking that it
// is safe to use as a local file name and URL path segment.
func NormalizeName(name string) (string, error) {
	if name == "" {
		return "", errclass.ErrNameInvalid.WithMessage("pack name must not be empty")
	}

	name = norm.NFC.String(name)

	if name == "." || strings.Contains(name, "..") {
		return "", errclass.ErrNameInvalid.WithMessagef("pack name must not contain '..': %s", name)
	}

	if strings.ContainsAny(name, "/\\") {
		return "", errclass.ErrNameInvalid.WithMessagef("pack name must not contain separators: %s", name)
	}

	for _, r := range name {
		if unicode.IsControl(r) {
			return "", errclass.ErrNameInvalid.WithMessagef("pack name must not contain control characters: %q", name)
		}
	}

	if !nameRegex.MatchString(name) {
		return "", errclass.ErrNameInvalid.WithMessagef("pack name must match [a-zA-Z0-9._-]+: %s", name)
	}

	return name, nil
}

// ValidateName checks a pack name without returning its normalized form.
func ValidateName(name string) error {
	_, err := NormalizeName(name)
	return err
}

// JoinMount places an archive entry name under a mount point, rejecting
// entries that would land outside it.
func JoinMount(mountPoint, entry string) (string, error) {
	entry = strings.ReplaceAll(entry, "\\", "/")
	if strings.HasPrefix(entry, "/") {
		return "", errclass.ErrPathEscape.WithMessagef("absolute archive entry: %s", entry)
	}
	for _, part := range strings.Split(entry, "/") {
		if part == ".." {
			return "", errclass.ErrPathEscape.WithMessagef("archive entry escapes mount point: %s", entry)
		}
	}
	cleaned := path.Clean(entry)
	if cleaned == "." {
		return "", errclass.ErrPathEscape.WithMessage("empty archive entry")
	}
	return CleanMountPoint(mountPoint) + cleaned, nil
}

// CleanMountPoint returns the mount point in "Dir/" form, or "" for the root.
func CleanMountPoint(mountPoint string) string {
	mountPoint = strings.Trim(strings.ReplaceAll(mountPoint, "\\", "/"), "/")
	if mountPoint == "" || mountPoint == "." {
		return ""
	}
	return path.Clean(mountPoint) + "/"
}
