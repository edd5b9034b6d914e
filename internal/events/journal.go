package events

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"

	"github.com/packfetch/packfetch/pkg/logging"
	"github.com/packfetch/packfetch/pkg/model"
)

// Journal appends pack state and priority events to a JSONL file. Each
// record carries the hash of the previous one, so edits to the file are
// detectable. Progress events are not journaled.
type Journal struct {
	path string
	fl   *flock.Flock
	log  *logging.Logger
	mu   sync.Mutex
}

// NewJournal creates a journal at path. The file is created on first
// append.
func NewJournal(path string, log *logging.Logger) *Journal {
	if log == nil {
		log = logging.Discard()
	}
	return &Journal{
		path: path,
		fl:   flock.New(path + ".lock"),
		log:  log,
	}
}

// Listen is a Listener that journals ev, logging write failures.
func (j *Journal) Listen(ev Event) {
	if ev.Kind == model.ChangeDownloadProgress {
		return
	}
	if err := j.Append(ev); err != nil {
		j.log.ErrorErr("journal append failed", err, map[string]any{"pack": ev.Pack.Name})
	}
}

// Append writes ev as a new record.
func (j *Journal) Append(ev Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(j.path), 0755); err != nil {
		return fmt.Errorf("create journal dir: %w", err)
	}
	if err := j.fl.Lock(); err != nil {
		return fmt.Errorf("lock journal: %w", err)
	}
	defer j.fl.Unlock()

	file, err := os.OpenFile(j.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer file.Close()

	prevHash, err := lastRecordHash(file)
	if err != nil {
		return fmt.Errorf("get last record hash: %w", err)
	}

	p := ev.Pack
	record := &model.JournalRecord{
		Timestamp:     ev.At.UTC(),
		Kind:          ev.Kind,
		Pack:          p.Name,
		State:         p.State,
		Priority:      p.Priority,
		Progress:      p.DownloadProgress,
		DownloadError: p.DownloadError,
		Message:       p.OtherErrorMsg,
		PrevHash:      prevHash,
	}
	record.RecordHash, err = recordHash(record)
	if err != nil {
		return err
	}

	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal journal record: %w", err)
	}
	if _, err := file.Seek(0, 2); err != nil {
		return fmt.Errorf("seek to end: %w", err)
	}
	if _, err := file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write journal record: %w", err)
	}
	return file.Sync()
}

// Records reads every well-formed record in file order.
func (j *Journal) Records() ([]model.JournalRecord, error) {
	records, _, err := j.read()
	return records, err
}

// read returns the well-formed records and the 1-based line numbers of the
// malformed ones.
func (j *Journal) read() ([]model.JournalRecord, []int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	file, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("open journal: %w", err)
	}
	defer file.Close()

	var out []model.JournalRecord
	var malformed []int
	scanner := bufio.NewScanner(file)
	for line := 1; scanner.Scan(); line++ {
		var rec model.JournalRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			malformed = append(malformed, line)
			continue
		}
		out = append(out, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("scan journal: %w", err)
	}
	return out, malformed, nil
}

// VerifyChain checks every record hash and link. It returns the number of
// records checked.
// A malformed line breaks the chain.
func (j *Journal) VerifyChain() (int, error) {
	records, malformed, err := j.read()
	if err != nil {
		return 0, err
	}
	if len(malformed) == 0 {
		return verifyLinks(records)
	}
	// every line before the first malformed one parsed
	good := records[:malformed[0]-1]
	if n, err := verifyLinks(good); err != nil {
		return n, err
	}
	return len(good), fmt.Errorf("journal line %d: malformed record", malformed[0])
}

func verifyLinks(records []model.JournalRecord) (int, error) {
	var prev model.HashValue
	for i := range records {
		rec := records[i]
		if rec.PrevHash != prev {
			return i, fmt.Errorf("journal record %d: broken chain", i+1)
		}
		want, err := recordHash(&rec)
		if err != nil {
			return i, err
		}
		if rec.RecordHash != want {
			return i, fmt.Errorf("journal record %d: hash mismatch", i+1)
		}
		prev = rec.RecordHash
	}
	return len(records), nil
}

func lastRecordHash(file *os.File) (model.HashValue, error) {
	if _, err := file.Seek(0, 0); err != nil {
		return "", fmt.Errorf("seek to start: %w", err)
	}
	var last model.HashValue
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var rec model.JournalRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		last = rec.RecordHash
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("scan journal: %w", err)
	}
	return last, nil
}

// recordHash hashes the record with RecordHash cleared. Struct fields
// marshal in declaration order, so the encoding is stable.
func recordHash(rec *model.JournalRecord) (model.HashValue, error) {
	c := *rec
	c.RecordHash = ""
	data, err := json.Marshal(&c)
	if err != nil {
		return "", fmt.Errorf("marshal journal record: %w", err)
	}
	sum := sha256.Sum256(data)
	return model.HashValue(hex.EncodeToString(sum[:])), nil
}
