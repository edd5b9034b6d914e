package model

// PackState is the lifecycle state of a pack as tracked by the registry.
type PackState string

const (
	PackNotRequested PackState = ""
	PackRequested    PackState = "requested"
	PackDownloading  PackState = "downloading"
	PackMounted      PackState = "mounted"
	PackErrorLoading PackState = "error_loading"
	PackOtherError   PackState = "other_error"
)

// String returns the state name, "not_requested" for the zero value.
func (s PackState) String() string {
	if s == PackNotRequested {
		return "not_requested"
	}
	return string(s)
}

// IsFailed reports whether the state is one of the error states.
func (s PackState) IsFailed() bool {
	return s == PackErrorLoading || s == PackOtherError
}

// ChangeKind identifies which aspect of a pack an event reports.
type ChangeKind string

const (
	ChangeState            ChangeKind = "state"
	ChangeDownloadProgress ChangeKind = "download_progress"
	ChangePriority         ChangeKind = "priority"
)

// DownloadStatus is the coarse status of a transport task.
type DownloadStatus string

const (
	DownloadUnknown    DownloadStatus = "unknown"
	DownloadInProgress DownloadStatus = "in_progress"
	DownloadFinished   DownloadStatus = "finished"
)

// DownloadError is the terminal error code of a transport task.
type DownloadError string

const (
	DownloadErrNone               DownloadError = ""
	DownloadErrCancelled          DownloadError = "cancelled"
	DownloadErrCouldntResume      DownloadError = "couldnt_resume"
	DownloadErrCouldntResolveHost DownloadError = "couldnt_resolve_host"
	DownloadErrCouldntConnect     DownloadError = "couldnt_connect"
	DownloadErrContentNotFound    DownloadError = "content_not_found"
	DownloadErrNoRangeRequest     DownloadError = "no_range_request"
	DownloadErrCommon             DownloadError = "common_error"
	DownloadErrInit               DownloadError = "init_error"
	DownloadErrFile               DownloadError = "file_error"
	DownloadErrUnknown            DownloadError = "unknown"
	DownloadErrStallTimeout       DownloadError = "stall_timeout"
)

// SubRequestStatus is the step a single pack file is at inside a pack request.
type SubRequestStatus string

const (
	SubRequestWait             SubRequestStatus = "wait"
	SubRequestLoadingCRC32File SubRequestStatus = "loading_crc32_file"
	SubRequestLoadingPackFile  SubRequestStatus = "loading_pack_file"
	SubRequestCheckCRC32       SubRequestStatus = "check_crc32"
	SubRequestMounted          SubRequestStatus = "mounted"
	SubRequestError            SubRequestStatus = "error"
)

// IsLoading reports whether a transport task is in flight for this status.
func (s SubRequestStatus) IsLoading() bool {
	return s == SubRequestLoadingCRC32File || s == SubRequestLoadingPackFile
}
