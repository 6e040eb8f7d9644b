package tail

import (
	"testing"
	"time"
)

func TestParseEventExtractsTimestampAndType(t *testing.T) {
	raw := []byte(`{"timestamp":"2025-01-02T03:04:05Z","type":"message","text":"hi"}`)
	event := ParseEvent(raw)

	if event.Type == nil || *event.Type != "message" {
		t.Fatalf("expected type 'message', got %v", event.Type)
	}
	want := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	if !event.Timestamp.Equal(want) {
		t.Errorf("timestamp = %v, want %v", event.Timestamp, want)
	}
	if event.UnixTS != want.Unix() {
		t.Errorf("unix_ts = %d, want %d", event.UnixTS, want.Unix())
	}
	if event.Checkpoint != nil {
		t.Error("expected no checkpoint trigger for a non-compacted event")
	}
}

func TestParseEventMalformedJSONFallsBackToRawAndWallClock(t *testing.T) {
	raw := []byte(`not json at all`)
	before := time.Now()
	event := ParseEvent(raw)
	after := time.Now()

	if string(event.Raw) != string(raw) {
		t.Errorf("raw bytes not preserved: got %q", event.Raw)
	}
	if event.Timestamp.Before(before) || event.Timestamp.After(after) {
		t.Errorf("expected wall-clock timestamp between %v and %v, got %v", before, after, event.Timestamp)
	}
	if event.Type != nil {
		t.Error("expected no type for malformed input")
	}
}

func TestParseEventMissingTimestampUsesWallClock(t *testing.T) {
	raw := []byte(`{"type":"message"}`)
	before := time.Now()
	event := ParseEvent(raw)
	after := time.Now()
	if event.Timestamp.Before(before) || event.Timestamp.After(after) {
		t.Errorf("expected wall-clock fallback, got %v", event.Timestamp)
	}
}

func TestParseEventCompactedReadsCheckpointObject(t *testing.T) {
	raw := []byte(`{"type":"compacted","checkpoint":{"git_commit":"abc123","branch":"main","label":"checkpoint one"}}`)
	event := ParseEvent(raw)
	if event.Checkpoint == nil {
		t.Fatal("expected a checkpoint trigger")
	}
	if event.Checkpoint.GitCommit == nil || *event.Checkpoint.GitCommit != "abc123" {
		t.Errorf("git commit = %v, want abc123", event.Checkpoint.GitCommit)
	}
	if event.Checkpoint.Branch == nil || *event.Checkpoint.Branch != "main" {
		t.Errorf("branch = %v, want main", event.Checkpoint.Branch)
	}
	if event.Checkpoint.Label == nil || *event.Checkpoint.Label != "checkpoint one" {
		t.Errorf("label = %v, want 'checkpoint one'", event.Checkpoint.Label)
	}
}

func TestParseEventCompactedFallsBackToDetailThenNoteThenLiteral(t *testing.T) {
	withDetail := ParseEvent([]byte(`{"type":"compacted","detail":{"git":"def456","summary":"from detail"}}`))
	if withDetail.Checkpoint.GitCommit == nil || *withDetail.Checkpoint.GitCommit != "def456" {
		t.Errorf("expected git from 'git' field, got %v", withDetail.Checkpoint.GitCommit)
	}
	if withDetail.Checkpoint.Label == nil || *withDetail.Checkpoint.Label != "from detail" {
		t.Errorf("expected label from summary, got %v", withDetail.Checkpoint.Label)
	}

	withNote := ParseEvent([]byte(`{"type":"compacted","note":"top level note"}`))
	if withNote.Checkpoint.Label == nil || *withNote.Checkpoint.Label != "top level note" {
		t.Errorf("expected label from top-level note, got %v", withNote.Checkpoint.Label)
	}

	bare := ParseEvent([]byte(`{"type":"compacted"}`))
	if bare.Checkpoint.Label == nil || *bare.Checkpoint.Label != "compacted" {
		t.Errorf("expected literal 'compacted' label, got %v", bare.Checkpoint.Label)
	}
}
