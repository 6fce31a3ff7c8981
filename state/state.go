package state

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const journalName = "extractions.jsonl"

// Tracker records finished extractions keyed by source path.
type Tracker interface {
	Lookup(source string) (Record, bool)
	Record(rec Record) error
	Snapshot() Snapshot
}

// Record is one journal line.
type Record struct {
	Source      string    `json:"source"`
	SHA256      string    `json:"sha256,omitempty"`
	Folder      string    `json:"folder"`
	Items       int       `json:"items"`
	Failures    int       `json:"failures,omitempty"`
	ExtractedAt time.Time `json:"extracted_at"`
}

type Snapshot struct {
	Recorded int
	Items    int
}

type MemoryTracker struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{records: make(map[string]Record)}
}

func (m *MemoryTracker) Lookup(source string) (Record, bool) {
	if source == "" {
		return Record{}, false
	}

	m.mu.RLock()
	rec, ok := m.records[source]
	m.mu.RUnlock()
	return rec, ok
}

func (m *MemoryTracker) Record(rec Record) error {
	if rec.Source == "" {
		return nil
	}

	m.mu.Lock()
	m.records[rec.Source] = rec
	m.mu.Unlock()
	return nil
}

func (m *MemoryTracker) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := Snapshot{Recorded: len(m.records)}
	for _, rec := range m.records {
		snap.Items += rec.Items
	}
	return snap
}

// FileTracker keeps the journal in memory and appends every record to
// extractions.jsonl so later runs can report what an existing folder holds.
type FileTracker struct {
	*MemoryTracker
	path    string
	writer  *bufio.Writer
	file    *os.File
	writeMu sync.Mutex
}

func NewFileTracker(stateDir string) (*FileTracker, error) {
	if strings.TrimSpace(stateDir) == "" {
		return nil, fmt.Errorf("state directory is empty")
	}

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	tracker := &FileTracker{
		MemoryTracker: NewMemoryTracker(),
		path:          filepath.Join(stateDir, journalName),
	}

	if err := tracker.load(); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(tracker.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open journal for append: %w", err)
	}
	tracker.file = file
	tracker.writer = bufio.NewWriterSize(file, 64*1024)

	return tracker, nil
}

// Path returns the journal file location.
func (f *FileTracker) Path() string {
	return f.path
}

func (f *FileTracker) load() error {
	file, err := os.Open(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for line := 1; scanner.Scan(); line++ {
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}

		var rec Record
		if err := json.Unmarshal(text, &rec); err != nil {
			return fmt.Errorf("parse journal line %d: %w", line, err)
		}
		// later lines win
		_ = f.MemoryTracker.Record(rec)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read journal: %w", err)
	}

	return nil
}

func (f *FileTracker) Record(rec Record) error {
	if rec.Source == "" {
		return nil
	}
	if err := f.MemoryTracker.Record(rec); err != nil {
		return err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode journal record: %w", err)
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if _, err := f.writer.Write(data); err != nil {
		return fmt.Errorf("write journal record: %w", err)
	}
	if err := f.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}

	return nil
}

// Flush writes any buffered records to the journal file.
func (f *FileTracker) Flush() error {
	if f.writer == nil {
		return nil
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if err := f.writer.Flush(); err != nil {
		return fmt.Errorf("flush journal: %w", err)
	}
	if err := f.file.Sync(); err != nil {
		return fmt.Errorf("sync journal: %w", err)
	}
	return nil
}

// Close flushes and closes the journal file.
func (f *FileTracker) Close() error {
	if f.file == nil {
		return nil
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	var firstErr error
	if err := f.writer.Flush(); err != nil {
		firstErr = fmt.Errorf("flush journal: %w", err)
	}
	if err := f.file.Sync(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("sync journal: %w", err)
	}
	if err := f.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close journal: %w", err)
	}
	f.file = nil

	return firstErr
}
