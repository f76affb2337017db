package store

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/Clukay-Fun/OmniAgent/errors"
)

// RunResult classifies the outcome of one rule execution.
type RunResult string

const (
	RunSuccess       RunResult = "success"
	RunFailed        RunResult = "failed"
	RunNoMatch       RunResult = "no_match"
	RunSchemaChanged RunResult = "schema_changed"
	RunNotifyFailed  RunResult = "notify_failed"
)

// DeadLetterEntry records an exhausted-retry failure for manual inspection.
type DeadLetterEntry struct {
	RuleID     string    `json:"rule_id"`
	EventID    string    `json:"event_id"`
	RecordID   string    `json:"record_id"`
	ActionType string    `json:"action_type"`
	Error      string    `json:"error"`
	Timestamp  time.Time `json:"timestamp"`
}

// RunLogEntry is one execution audit record. Used both for rule executions
// and for schema-drift events.
type RunLogEntry struct {
	EventID       string    `json:"event_id"`
	RuleID        string    `json:"rule_id,omitempty"`
	TriggerField  string    `json:"trigger_field,omitempty"`
	ChangedFields []string  `json:"changed_fields,omitempty"`
	Actions       []string  `json:"actions,omitempty"`
	Result        RunResult `json:"result"`
	RetryCount    int       `json:"retry_count,omitempty"`
	DurationMs    int64     `json:"duration_ms,omitempty"`
	Detail        string    `json:"detail,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// journal is an append-only NDJSON file. One JSON document per line.
type journal struct {
	path string
	mu   sync.Mutex
}

func (j *journal) append(v interface{}) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrapf(err, "failed to open journal %s", j.path)
	}
	defer f.Close()

	line, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "failed to marshal journal entry")
	}
	line = append(line, '\n')

	if _, err := f.Write(line); err != nil {
		return errors.Wrapf(err, "failed to append to journal %s", j.path)
	}
	return nil
}

func readJournalLines(path string, each func([]byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "failed to open journal %s", path)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := each(line); err != nil {
			return err
		}
	}
	return errors.Wrapf(scanner.Err(), "failed to read journal %s", path)
}

// DeadLetterStore is the append-only dead-letter journal.
type DeadLetterStore struct {
	journal
}

// NewDeadLetterStore creates a dead-letter store at the given NDJSON path.
func NewDeadLetterStore(path string) *DeadLetterStore {
	return &DeadLetterStore{journal{path: path}}
}

// Append writes one dead-letter entry.
func (s *DeadLetterStore) Append(entry DeadLetterEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	return s.append(entry)
}

// List reads back all entries, oldest first.
func (s *DeadLetterStore) List() ([]DeadLetterEntry, error) {
	var entries []DeadLetterEntry
	err := readJournalLines(s.path, func(line []byte) error {
		var e DeadLetterEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return errors.Wrap(err, "corrupt dead-letter entry")
		}
		entries = append(entries, e)
		return nil
	})
	return entries, err
}

// RunLogStore is the append-only execution audit journal.
type RunLogStore struct {
	journal
}

// NewRunLogStore creates a run-log store at the given NDJSON path.
func NewRunLogStore(path string) *RunLogStore {
	return &RunLogStore{journal{path: path}}
}

// Append writes one run-log entry.
func (s *RunLogStore) Append(entry RunLogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	return s.append(entry)
}

// List reads back all entries, oldest first.
func (s *RunLogStore) List() ([]RunLogEntry, error) {
	var entries []RunLogEntry
	err := readJournalLines(s.path, func(line []byte) error {
		var e RunLogEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return errors.Wrap(err, "corrupt run-log entry")
		}
		entries = append(entries, e)
		return nil
	})
	return entries, err
}
