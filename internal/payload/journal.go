package payload

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// JournalEntry is one newline-delimited record in the change journal.
type JournalEntry struct {
	Hash       string `json:"hash"`
	SizeBytes  int64  `json:"size_bytes,omitempty"`
	Table      string `json:"table,omitempty"`
	RowID      string `json:"row_id,omitempty"`
	PayloadRef string `json:"payload_ref,omitempty"`
	RecordedAt string `json:"recorded_at"`
}

// Journal appends JSONL records for every payload insert (and,
// optionally, every audit-table insert mirrored by the recorder).
// The journal is plaintext; callers pairing it with an encrypted
// database are expected to warn, since the journal is not encrypted.
type Journal struct {
	mu   sync.Mutex
	file *os.File
}

// OpenJournal opens (creating if needed) an append-only JSONL journal.
func OpenJournal(path string) (*Journal, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open payload journal: %w", err)
	}

	return &Journal{file: file}, nil
}

// RecordInsert appends a payload-insert record.
func (j *Journal) RecordInsert(hash string, size int64) error {
	return j.append(JournalEntry{Hash: hash, SizeBytes: size})
}

// RecordRow appends a mirrored audit-table insert.
func (j *Journal) RecordRow(table, rowID, payloadRef, hash string) error {
	return j.append(JournalEntry{Hash: hash, Table: table, RowID: rowID, PayloadRef: payloadRef})
}

func (j *Journal) append(entry JournalEntry) error {
	entry.RecordedAt = time.Now().UTC().Format(time.RFC3339Nano)

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	_, writeErr := j.file.Write(append(line, '\n'))
	if writeErr != nil {
		return fmt.Errorf("append journal entry: %w", writeErr)
	}

	return nil
}

// Close flushes and closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	err := j.file.Close()
	if err != nil {
		return fmt.Errorf("close payload journal: %w", err)
	}

	return nil
}
