package model

import "time"

// JournalRecord is a single line in the pack event journal (JSONL format).
type JournalRecord struct {
	Timestamp     time.Time     `json:"timestamp"`
	Kind          ChangeKind    `json:"kind"`
	Pack          string        `json:"pack"`
	State         PackState     `json:"state"`
	Priority      float32       `json:"priority"`
	Progress      float32       `json:"progress"`
	DownloadError DownloadError `json:"download_error,omitempty"`
	Message       string        `json:"message,omitempty"`
	PrevHash      HashValue     `json:"prev_hash"`
	RecordHash    HashValue     `json:"record_hash"`
}

// HashValue is a SHA-256 hash stored as hex string.
type HashValue string
