// Package spool implements the on-disk spool layout and queue described in
// section 4.D of the design specification: directories for active, queued,
// and manifest-state files, sidecar metadata, and FIFO-by-creation
// enumeration for the upload client to drain.
package spool

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gurre/agent-uploader/pathutil"
)

// metaSuffix is the sidecar file extension. A sidecar's existence is the
// durability boundary described in section 4.D: a crash between writing the
// data file and renaming the sidecar into place leaves an orphan the queue
// ignores.
const metaSuffix = ".meta.json"

// Kind identifies what a spool entry carries, per the Manifest/Segment/
// Checkpoint enumeration in section 6.
type Kind string

const (
	KindSegment    Kind = "Segment"
	KindManifest   Kind = "Manifest"
	KindCheckpoint Kind = "Checkpoint"
)

// Metadata is the sidecar payload described in section 6.
type Metadata struct {
	RemotePath      string    `json:"remote_path"`
	ContentType     string    `json:"content_type,omitempty"`
	ContentEncoding string    `json:"content_encoding,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	Kind            Kind      `json:"kind"`
}

// Entry pairs a queued data file with its parsed sidecar metadata.
type Entry struct {
	DataPath     string
	MetadataPath string
	Metadata     Metadata
}

// Layout describes the three spool subdirectories rooted at a configured
// spool directory, mirroring section 4.D's active/queue/manifests split.
type Layout struct {
	Root        string
	ActiveDir   string
	QueueDir    string
	ManifestDir string
}

// NewLayout derives the active/queue/manifests subdirectories from root.
func NewLayout(root string) Layout {
	return Layout{
		Root:        root,
		ActiveDir:   filepath.Join(root, "active"),
		QueueDir:    filepath.Join(root, "queue"),
		ManifestDir: filepath.Join(root, "manifests"),
	}
}

// Ensure creates all spool subdirectories if they do not already exist.
func (l Layout) Ensure() error {
	for _, dir := range []string{l.Root, l.ActiveDir, l.QueueDir, l.ManifestDir} {
		if err := pathutil.EnsureDir(dir); err != nil {
			return err
		}
	}
	return nil
}

// ActiveSegmentPath returns the path of an active (currently open) segment
// file given its base name.
func (l Layout) ActiveSegmentPath(name string) string {
	return filepath.Join(l.ActiveDir, name)
}

// QueuedPath returns the path a finalized artifact takes once staged for
// upload, given its base name.
func (l Layout) QueuedPath(name string) string {
	return filepath.Join(l.QueueDir, name)
}

// QueueManifestPath returns the fixed staging path for the manifest
// revision queued alongside each finalized segment.
func (l Layout) QueueManifestPath() string {
	return filepath.Join(l.QueueDir, "manifest.json")
}

// ManifestStatePath returns the local persistence path for a session's
// manifest, one JSON file per SID as specified in section 4.D.
func (l Layout) ManifestStatePath(sid string) string {
	return filepath.Join(l.ManifestDir, sid+".json")
}

// metadataPath derives a data file's sidecar path by suffixing its base
// name with metaSuffix, preserving its parent directory.
func metadataPath(dataPath string) string {
	return dataPath + metaSuffix
}

// Queue provides the enqueue/list/mark-uploaded operations against a
// Layout's queue directory, as specified in section 4.D.
type Queue struct {
	layout Layout
}

// NewQueue constructs a Queue bound to layout.
func NewQueue(layout Layout) *Queue {
	return &Queue{layout: layout}
}

// Enqueue implements the sidecar-after-data enqueue procedure from section
// 4.D: the data file must already exist; metadata is written to a temp
// file and atomically renamed into place as the sidecar.
func (q *Queue) Enqueue(dataPath string, metadata Metadata) error {
	if _, err := os.Stat(dataPath); err != nil {
		return fmt.Errorf("spool enqueue missing data file %s: %w", dataPath, err)
	}

	metaPath := metadataPath(dataPath)
	if parent := filepath.Dir(metaPath); parent != "" {
		if err := pathutil.EnsureDir(parent); err != nil {
			return err
		}
	}

	payload, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to encode spool metadata: %w", err)
	}

	tmp := metaPath + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return fmt.Errorf("failed to write spool metadata temp file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, metaPath); err != nil {
		return fmt.Errorf("failed to persist spool metadata %s: %w", metaPath, err)
	}
	return nil
}

// List implements the enumeration rule from section 4.D: scan the queue
// directory for sidecars whose paired data file still exists, and return
// them sorted ascending by metadata.created_at.
func (q *Queue) List() ([]Entry, error) {
	dirEntries, err := os.ReadDir(q.layout.QueueDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list spool queue %s: %w", q.layout.QueueDir, err)
	}

	entries := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		name := de.Name()
		if !strings.HasSuffix(name, metaSuffix) {
			continue
		}
		dataName := strings.TrimSuffix(name, metaSuffix)
		metaPath := filepath.Join(q.layout.QueueDir, name)
		dataPath := filepath.Join(q.layout.QueueDir, dataName)

		if _, err := os.Stat(dataPath); err != nil {
			continue // orphan sidecar with no data file: invisible, per section 4.D
		}

		raw, err := os.ReadFile(metaPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read spool metadata %s: %w", metaPath, err)
		}
		var metadata Metadata
		if err := json.Unmarshal(raw, &metadata); err != nil {
			return nil, fmt.Errorf("failed to decode spool metadata %s: %w", metaPath, err)
		}

		entries = append(entries, Entry{
			DataPath:     dataPath,
			MetadataPath: metaPath,
			Metadata:     metadata,
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Metadata.CreatedAt.Before(entries[j].Metadata.CreatedAt)
	})
	return entries, nil
}

// MarkUploaded deletes the data file then the sidecar, tolerating either
// being already missing, as specified in section 4.D.
func (q *Queue) MarkUploaded(entry Entry) error {
	if err := removeIfExists(entry.DataPath); err != nil {
		return fmt.Errorf("failed to remove uploaded data file %s: %w", entry.DataPath, err)
	}
	if err := removeIfExists(entry.MetadataPath); err != nil {
		return fmt.Errorf("failed to remove uploaded sidecar %s: %w", entry.MetadataPath, err)
	}
	return nil
}

func removeIfExists(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
