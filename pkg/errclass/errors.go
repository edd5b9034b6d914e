package errclass

import "fmt"

// PackError is a stable, machine-readable error class.
type PackError struct {
	Code    string
	Message string
}

func (e *PackError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *PackError) Is(target error) bool {
	t, ok := target.(*PackError)
	return ok && e.Code == t.Code
}

// WithMessage returns a new PackError with the same Code but a specific message.
func (e *PackError) WithMessage(msg string) *PackError {
	return &PackError{Code: e.Code, Message: msg}
}

// WithMessagef returns a new PackError with a formatted message.
func (e *PackError) WithMessagef(format string, args ...any) *PackError {
	return &PackError{Code: e.Code, Message: fmt.Sprintf(format, args...)}
}

// Error classes shared by the registry, queue, transport and CLI.
var (
	ErrNameInvalid        = &PackError{Code: "E_NAME_INVALID"}
	ErrPathEscape         = &PackError{Code: "E_PATH_ESCAPE"}
	ErrPackUnknown        = &PackError{Code: "E_PACK_UNKNOWN"}
	ErrAlreadyQueued      = &PackError{Code: "E_ALREADY_QUEUED"}
	ErrNotQueued          = &PackError{Code: "E_NOT_QUEUED"}
	ErrDependencyCycle    = &PackError{Code: "E_DEPENDENCY_CYCLE"}
	ErrChecksumUnreadable = &PackError{Code: "E_CHECKSUM_UNREADABLE"}
	ErrChecksumMismatch   = &PackError{Code: "E_CHECKSUM_MISMATCH"}
	ErrDownloadFailed     = &PackError{Code: "E_DOWNLOAD_FAILED"}
	ErrDependencyFailed   = &PackError{Code: "E_DEPENDENCY_FAILED"}
	ErrMountFailed        = &PackError{Code: "E_MOUNT_FAILED"}
	ErrLockConflict       = &PackError{Code: "E_LOCK_CONFLICT"}
	ErrManifestInvalid    = &PackError{Code: "E_MANIFEST_INVALID"}
)
