// Package manifest implements the manifest store described in section 4.F
// of the design specification: an in-memory Manifest per session, loaded
// from and atomically persisted to a local JSON file, with active_seq
// always recomputed from the segment list rather than trusted from disk.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gurre/agent-uploader/segment"
)

// CurrentVersion is the manifest schema version written by this package.
// Version 0, seen only on manifests predating the schema, is coerced up to
// CurrentVersion on load.
const CurrentVersion = 1

// Manifest is the on-disk and on-wire shape from section 6: version, sid,
// the two wall-clock bookkeeping timestamps, the segment and checkpoint
// lists, and the next sequence number to assign.
type Manifest struct {
	Version     int                    `json:"version"`
	SID         string                 `json:"sid"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	Segments    []segment.SegmentEntry `json:"segments"`
	Checkpoints []segment.Checkpoint   `json:"checkpoints"`
	ActiveSeq   int                    `json:"active_seq"`
}

// SeedConfig carries the fields needed to seed a fresh manifest, mirroring
// the subset of SessionConfig referenced by load_or_new in section 4.F.
type SeedConfig struct {
	SID       string
	CreatedAt time.Time
}

// New seeds a fresh manifest as specified in section 4.F: created_at and
// updated_at both set to the config's created_at, active_seq = 1.
func New(cfg SeedConfig) *Manifest {
	return &Manifest{
		Version:   CurrentVersion,
		SID:       cfg.SID,
		CreatedAt: cfg.CreatedAt,
		UpdatedAt: cfg.CreatedAt,
		ActiveSeq: 1,
	}
}

// LoadOrNew implements load_or_new from section 4.F: if path is absent, a
// fresh manifest is seeded from cfg; otherwise the file is decoded, version
// 0 is coerced to 1, updated_at is clamped to be no earlier than created_at,
// and active_seq is unconditionally recomputed from the segment list,
// overriding whatever value was persisted.
func LoadOrNew(path string, cfg SeedConfig) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(cfg), nil
		}
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}

	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest %s: %w", path, err)
	}

	if m.Version == 0 {
		m.Version = 1
	}
	if m.UpdatedAt.Before(m.CreatedAt) {
		m.UpdatedAt = m.CreatedAt
	}
	m.ActiveSeq = nextSeq(m.Segments)

	return &m, nil
}

func nextSeq(segments []segment.SegmentEntry) int {
	if len(segments) == 0 {
		return 1
	}
	return segments[len(segments)-1].Seq + 1
}

// AddSegment appends entry, recomputes active_seq, and stamps updated_at to
// the wall clock, as specified in section 4.F.
func (m *Manifest) AddSegment(entry segment.SegmentEntry) {
	m.Segments = append(m.Segments, entry)
	m.ActiveSeq = entry.Seq + 1
	m.UpdatedAt = time.Now().UTC()
}

// AddCheckpoint appends cp and stamps updated_at to the wall clock.
func (m *Manifest) AddCheckpoint(cp segment.Checkpoint) {
	m.Checkpoints = append(m.Checkpoints, cp)
	m.UpdatedAt = time.Now().UTC()
}

// Save writes m as pretty-printed JSON to a temp file beside path and
// atomically renames it into place, as specified in section 4.F.
func Save(path string, m *Manifest) error {
	payload, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return fmt.Errorf("failed to write manifest temp file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to persist manifest %s: %w", path, err)
	}
	return nil
}

// RemotePath returns the manifest's remote object path,
// "{root_prefix}/{sid}/manifest.json", as specified in section 4.F.
func RemotePath(rootPrefix, sid string) string {
	return filepath.ToSlash(filepath.Join(rootPrefix, sid, "manifest.json"))
}
