// Package tail implements the tail reader and event parser described in
// sections 4.B and 4.C of the design specification. It polls a growing
// session file, splits completed lines into SessionEvents, and extracts
// checkpoint triggers from "compacted" events.
package tail

import (
	"time"

	json "github.com/goccy/go-json"
)

// CheckpointTrigger is the data mined from a "compacted" event as specified
// in section 3 and section 4.C.
type CheckpointTrigger struct {
	Label     *string
	GitCommit *string
	Branch    *string
	Payload   json.RawMessage // opaque; carried through, never interpreted (section 9)
}

// SessionEvent is one decoded line from the session file, as defined in
// section 3. Raw bytes are always retained, even when JSON decoding fails.
type SessionEvent struct {
	Raw        []byte
	Parsed     json.RawMessage // nil if the line did not parse as a JSON object
	Timestamp  time.Time
	UnixTS     int64
	Type       *string
	Checkpoint *CheckpointTrigger // present iff Type != nil && *Type == "compacted"
}

// eventEnvelope captures just the fields section 4.C recognizes, decoded
// lazily via json.RawMessage so the rest of the object is preserved
// verbatim in Parsed without needing to know its shape (section 6:
// "all other fields are preserved verbatim in segment output" — segment
// output uses Raw directly, so Parsed only needs to support extraction).
type eventEnvelope struct {
	Timestamp  string          `json:"timestamp"`
	Type       string          `json:"type"`
	Checkpoint json.RawMessage `json:"checkpoint"`
	Detail     json.RawMessage `json:"detail"`
	Note       string          `json:"note"`
}

type triggerFields struct {
	GitCommit string          `json:"git_commit"`
	Git       string          `json:"git"`
	Branch    string          `json:"branch"`
	Label     string          `json:"label"`
	Summary   string          `json:"summary"`
	Payload   json.RawMessage `json:"payload"`
}

// ParseEvent implements the decoding requirements from section 4.C. It
// attempts to decode raw as a JSON object; on success it extracts
// timestamp, type, and (for "compacted" events) a CheckpointTrigger. On
// decode failure the raw bytes are retained and the timestamp falls back to
// the wall clock, exactly as section 4.C specifies.
func ParseEvent(raw []byte) SessionEvent {
	var env eventEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		now := time.Now().UTC()
		return SessionEvent{
			Raw:       raw,
			Timestamp: now,
			UnixTS:    now.Unix(),
		}
	}

	ts, ok := parseTimestamp(env.Timestamp)
	if !ok {
		ts = time.Now().UTC()
	}

	event := SessionEvent{
		Raw:       raw,
		Parsed:    json.RawMessage(raw),
		Timestamp: ts,
		UnixTS:    ts.Unix(),
	}
	if env.Type != "" {
		t := env.Type
		event.Type = &t
	}

	if event.Type != nil && *event.Type == "compacted" {
		event.Checkpoint = extractCheckpoint(env)
	}

	return event
}

func parseTimestamp(raw string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// extractCheckpoint implements the trigger-mining priority order from
// section 4.C: prefer the "checkpoint" sub-object, then "detail", else an
// empty object; within it, git_commit|git, branch, and label|summary
// (falling back to the top-level note, then the literal "compacted").
func extractCheckpoint(env eventEnvelope) *CheckpointTrigger {
	inner := env.Checkpoint
	if len(inner) == 0 {
		inner = env.Detail
	}
	if len(inner) == 0 {
		inner = json.RawMessage("{}")
	}

	var fields triggerFields
	_ = json.Unmarshal(inner, &fields)

	trigger := &CheckpointTrigger{Payload: inner}

	if fields.GitCommit != "" {
		v := fields.GitCommit
		trigger.GitCommit = &v
	} else if fields.Git != "" {
		v := fields.Git
		trigger.GitCommit = &v
	}

	if fields.Branch != "" {
		v := fields.Branch
		trigger.Branch = &v
	}

	switch {
	case fields.Label != "":
		v := fields.Label
		trigger.Label = &v
	case fields.Summary != "":
		v := fields.Summary
		trigger.Label = &v
	case env.Note != "":
		v := env.Note
		trigger.Label = &v
	default:
		v := "compacted"
		trigger.Label = &v
	}

	return trigger
}
