package state

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const stateFileName = "replayed.jsonl"

type Outcome string

const (
	OutcomeStored   Outcome = "stored"
	OutcomeRejected Outcome = "rejected"
)

// Entry records what happened to one replayed message.
type Entry struct {
	Outcome  Outcome   `json:"outcome"`
	RecordID string    `json:"recordId,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

type Tracker interface {
	AlreadyProcessed(hash string) bool
	MarkProcessed(hash string, entry Entry) error
	Lookup(hash string) (Entry, bool)
	Snapshot() Snapshot
}

type Snapshot struct {
	Processed int
	Stored    int
	Rejected  int
}

type MemoryTracker struct {
	mu        sync.RWMutex
	processed map[string]Entry
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{processed: make(map[string]Entry)}
}

func (m *MemoryTracker) AlreadyProcessed(hash string) bool {
	_, ok := m.Lookup(hash)
	return ok
}

func (m *MemoryTracker) Lookup(hash string) (Entry, bool) {
	if hash == "" {
		return Entry{}, false
	}

	m.mu.RLock()
	entry, ok := m.processed[hash]
	m.mu.RUnlock()
	return entry, ok
}

func (m *MemoryTracker) MarkProcessed(hash string, entry Entry) error {
	m.add(hash, entry)
	return nil
}

// add stores entry unless hash is empty or already known.
func (m *MemoryTracker) add(hash string, entry Entry) bool {
	if hash == "" {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.processed[hash]; exists {
		return false
	}
	m.processed[hash] = entry
	return true
}

func (m *MemoryTracker) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := Snapshot{Processed: len(m.processed)}
	for _, entry := range m.processed {
		switch entry.Outcome {
		case OutcomeStored:
			snap.Stored++
		case OutcomeRejected:
			snap.Rejected++
		}
	}
	return snap
}

// FileTracker persists replayed message hashes so future runs can skip them.
type FileTracker struct {
	*MemoryTracker
	path    string
	persist bool
	writer  *bufio.Writer
	file    *os.File
	writeMu sync.Mutex
}

type fileRecord struct {
	Hash string `json:"hash"`
	Entry
}

// NewFileTracker loads the state file in stateDir. With persist false the
// tracker reads existing state but never writes, which suits dry runs.
func NewFileTracker(stateDir string, persist bool) (*FileTracker, error) {
	if strings.TrimSpace(stateDir) == "" {
		return nil, fmt.Errorf("state directory is empty")
	}

	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	tracker := &FileTracker{
		MemoryTracker: NewMemoryTracker(),
		path:          filepath.Join(stateDir, stateFileName),
		persist:       persist,
	}

	if err := tracker.load(); err != nil {
		return nil, err
	}

	if persist {
		file, err := os.OpenFile(tracker.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open state file for append: %w", err)
		}
		tracker.file = file
		tracker.writer = bufio.NewWriterSize(file, 64*1024)
	}

	return tracker, nil
}

// Path returns the state file location.
func (f *FileTracker) Path() string {
	return f.path
}

func (f *FileTracker) load() error {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read state file: %w", err)
	}

	lines := bytes.Split(data, []byte{'\n'})
	for i, text := range lines {
		if len(bytes.TrimSpace(text)) == 0 {
			continue
		}

		var record fileRecord
		if err := json.Unmarshal(text, &record); err != nil {
			// An interrupted append leaves a partial last line.
			if i == len(lines)-1 {
				break
			}
			return fmt.Errorf("parse state line %d: %w", i+1, err)
		}
		f.add(record.Hash, record.Entry)
	}

	return nil
}

func (f *FileTracker) MarkProcessed(hash string, entry Entry) error {
	if !f.add(hash, entry) || !f.persist {
		return nil
	}

	data, err := json.Marshal(fileRecord{Hash: hash, Entry: entry})
	if err != nil {
		return fmt.Errorf("encode state record: %w", err)
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if _, err := f.writer.Write(data); err != nil {
		return fmt.Errorf("write state record: %w", err)
	}
	if err := f.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}

	return nil
}

// Flush writes any buffered data to the underlying file.
func (f *FileTracker) Flush() error {
	if !f.persist || f.writer == nil {
		return nil
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if err := f.writer.Flush(); err != nil {
		return fmt.Errorf("flush state file: %w", err)
	}
	if err := f.file.Sync(); err != nil {
		return fmt.Errorf("sync state file: %w", err)
	}
	return nil
}

// Close flushes and closes the state file.
func (f *FileTracker) Close() error {
	if !f.persist || f.file == nil {
		return nil
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	var firstErr error
	if err := f.writer.Flush(); err != nil {
		firstErr = fmt.Errorf("flush state file: %w", err)
	}
	if err := f.file.Sync(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("sync state file: %w", err)
	}
	if err := f.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close state file: %w", err)
	}
	f.file = nil

	return firstErr
}
