package spool

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestQueue(t *testing.T) (*Queue, Layout) {
	t.Helper()
	root := t.TempDir()
	layout := NewLayout(root)
	if err := layout.Ensure(); err != nil {
		t.Fatalf("failed to ensure layout: %v", err)
	}
	return NewQueue(layout), layout
}

func TestEnqueueListMarkUploaded(t *testing.T) {
	q, layout := newTestQueue(t)

	dataPath := layout.QueuedPath("session-000001.jsonl.gz")
	if err := os.WriteFile(dataPath, []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}

	meta := Metadata{
		RemotePath: "sessions/sid/segments/session-000001.jsonl.gz",
		Kind:       KindSegment,
		CreatedAt:  time.Now(),
	}
	if err := q.Enqueue(dataPath, meta); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	entries, err := q.List()
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Metadata.RemotePath != meta.RemotePath {
		t.Errorf("remote path mismatch: %q", entries[0].Metadata.RemotePath)
	}

	if err := q.MarkUploaded(entries[0]); err != nil {
		t.Fatalf("mark uploaded failed: %v", err)
	}

	entries, err = q.List()
	if err != nil {
		t.Fatalf("list after upload failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected empty queue after mark uploaded, got %d entries", len(entries))
	}
}

func TestEnqueueFailsWithoutDataFile(t *testing.T) {
	q, layout := newTestQueue(t)
	missing := layout.QueuedPath("does-not-exist.jsonl")
	err := q.Enqueue(missing, Metadata{RemotePath: "x", Kind: KindSegment, CreatedAt: time.Now()})
	if err == nil {
		t.Fatal("expected enqueue to fail for missing data file")
	}
}

func TestListSkipsOrphanSidecar(t *testing.T) {
	q, layout := newTestQueue(t)

	dataPath := layout.QueuedPath("session-000002.jsonl")
	if err := os.WriteFile(dataPath, []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(dataPath, Metadata{RemotePath: "x", Kind: KindSegment, CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}

	// Simulate the crash-recovery scenario from section 8 scenario 4: the
	// data file is gone but the sidecar remains an orphan.
	if err := os.Remove(dataPath); err != nil {
		t.Fatal(err)
	}

	entries, err := q.List()
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected orphan sidecar to be invisible, got %d entries", len(entries))
	}
}

func TestListSkipsOrphanDataWithoutSidecar(t *testing.T) {
	q, layout := newTestQueue(t)
	dataPath := layout.QueuedPath("session-000003.jsonl")
	if err := os.WriteFile(dataPath, []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}

	entries, err := q.List()
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected data file without sidecar to be invisible, got %d entries", len(entries))
	}
}

func TestListOrderedByCreatedAt(t *testing.T) {
	q, layout := newTestQueue(t)
	base := time.Now()

	names := []string{"c.jsonl", "a.jsonl", "b.jsonl"}
	times := []time.Time{base.Add(2 * time.Second), base, base.Add(1 * time.Second)}
	for i, name := range names {
		p := layout.QueuedPath(name)
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
		if err := q.Enqueue(p, Metadata{RemotePath: name, Kind: KindSegment, CreatedAt: times[i]}); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := q.List()
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	want := []string{"a.jsonl", "b.jsonl", "c.jsonl"}
	for i, entry := range entries {
		got := filepath.Base(entry.DataPath)
		if got != want[i] {
			t.Errorf("entry %d = %q, want %q", i, got, want[i])
		}
	}
}

func TestMarkUploadedToleratesMissingFiles(t *testing.T) {
	q, layout := newTestQueue(t)
	entry := Entry{
		DataPath:     layout.QueuedPath("missing.jsonl"),
		MetadataPath: layout.QueuedPath("missing.jsonl" + metaSuffix),
	}
	if err := q.MarkUploaded(entry); err != nil {
		t.Fatalf("expected idempotent success, got %v", err)
	}
}
