package state

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFileTrackerReload(t *testing.T) {
	dir := t.TempDir()

	tracker, err := NewFileTracker(dir)
	if err != nil {
		t.Fatalf("NewFileTracker() error = %v", err)
	}
	first := Record{Source: "/in/a.eml", Folder: "/in/a.eml.extracted", Items: 2}
	second := Record{Source: "/in/b.msg", Folder: "/in/b.msg.extracted", Items: 3}
	updated := Record{Source: "/in/a.eml", Folder: "/in/a.eml.extracted", Items: 4}
	for _, rec := range []Record{first, second, updated, {Source: ""}} {
		if err := tracker.Record(rec); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}
	if err := tracker.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, journalName))
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}
	if lines := strings.Count(string(data), "\n"); lines != 3 {
		t.Errorf("journal has %d lines, want 3", lines)
	}

	reloaded, err := NewFileTracker(dir)
	if err != nil {
		t.Fatalf("reload error = %v", err)
	}
	defer reloaded.Close()

	rec, ok := reloaded.Lookup("/in/a.eml")
	if !ok || rec.Items != 4 {
		t.Errorf("Lookup(a.eml) = %+v, %v; want items 4", rec, ok)
	}
	if snap := reloaded.Snapshot(); snap.Recorded != 2 || snap.Items != 7 {
		t.Errorf("Snapshot() = %+v, want {2 7}", snap)
	}
}

func TestFileTrackerRejectsBrokenJournal(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, journalName), []byte("{not json\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFileTracker(dir); err == nil {
		t.Error("NewFileTracker() error = nil, want parse error")
	}
}

func TestNewFileTrackerEmptyDir(t *testing.T) {
	if _, err := NewFileTracker("  "); err == nil {
		t.Error("NewFileTracker(\"  \") error = nil")
	}
}
