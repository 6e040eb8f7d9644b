// Package segment implements the active segment writer described in
// section 4.E of the design specification: the writer owns a single
// active file per session, rotates it on byte/line/wall-clock thresholds
// or on a checkpoint trigger, and stages the closed result into the spool
// queue as either a gzip stream or a plain rename.
package segment

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gurre/agent-uploader/pathutil"
	"github.com/gurre/agent-uploader/spool"
	"github.com/gurre/agent-uploader/tail"
)

// RotatePolicy holds the three independent rotation thresholds from
// section 3's data model. Rotation only fires when lines > 0.
type RotatePolicy struct {
	MaxBytes int64
	MaxLines int
	MaxWall  time.Duration
}

// SegmentEntry is the manifest-record shape for a closed segment, per
// section 6's external interface description.
type SegmentEntry struct {
	Seq               int       `json:"seq"`
	Path              string    `json:"path"`
	FirstTS           time.Time `json:"first_ts"`
	LastTS            time.Time `json:"last_ts"`
	Lines             int       `json:"lines"`
	BytesUncompressed int64     `json:"bytes_uncompressed"`
	BytesGzip         int64     `json:"bytes_gzip"`
	Checksum          string    `json:"checksum,omitempty"`
}

// Checkpoint is the manifest-record shape for a checkpoint, distinct from
// the on-disk checkpoint body file described below.
type Checkpoint struct {
	ID      string    `json:"id"`
	Label   *string   `json:"label,omitempty"`
	Seq     int       `json:"seq"`
	LineIdx int       `json:"line_idx"`
	TS      time.Time `json:"ts"`
	Git     *string   `json:"git,omitempty"`
	Branch  *string   `json:"branch,omitempty"`
}

// CheckpointBody is the full on-disk/on-wire checkpoint payload, written
// to queue/{id}.json and never persisted to the active segment directory.
type CheckpointBody struct {
	ID      string          `json:"id"`
	Seq     int             `json:"seq"`
	LineIdx int             `json:"line_idx"`
	TS      time.Time       `json:"ts"`
	Label   *string         `json:"label,omitempty"`
	Git     *string         `json:"git,omitempty"`
	Branch  *string         `json:"branch,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ClosedSegment is returned by Append/ForceRotate when a rotation occurs.
// DataPath is the queued (not yet enqueued) file location; Checkpoint and
// CheckpointBody are non-nil only when the rotation was checkpoint-triggered.
type ClosedSegment struct {
	Entry           SegmentEntry
	DataPath        string
	RemotePath      string
	ContentType     string
	ContentEncoding string
	Checkpoint      *Checkpoint
	CheckpointBody  *CheckpointBody
}

// pendingCheckpoint stashes the (seq, line_idx, ts) binding captured at the
// moment a checkpoint-triggering event is appended, to be materialized once
// the rotation that follows closes the segment. Section 4.E decouples
// preparing this JSON record from writing it to disk; the writer only
// builds the record, H writes and enqueues it.
type pendingCheckpoint struct {
	seq     int
	lineIdx int
	ts      time.Time
	trigger tail.CheckpointTrigger
}

// Writer owns a single active segment file per session and implements the
// append/rotate procedure from section 4.E.
//
// HOT PATH: Append is called once per tailed line. The dominant costs are
// the two unbuffered file writes (line, then newline) and, on rotation, the
// gzip stream or rename.
type Writer struct {
	layout     spool.Layout
	sid        string
	rootPrefix string
	policy     RotatePolicy
	gzipOn     bool
	dryRun     bool

	seq      int
	file     *os.File
	openedAt time.Time
	lines    int
	bytes    int64
	firstTS  time.Time
	lastTS   time.Time
	pending  *pendingCheckpoint
}

// Config bundles the construction parameters for NewWriter.
type Config struct {
	Layout      spool.Layout
	SID         string
	RootPrefix  string
	StartingSeq int
	Policy      RotatePolicy
	GzipEnabled bool
	DryRun      bool
}

// NewWriter opens session-{starting_seq:06}.jsonl for append directly in
// the spool's active directory; no segments/ subdirectory is created there.
func NewWriter(cfg Config) (*Writer, error) {
	w := &Writer{
		layout:     cfg.Layout,
		sid:        cfg.SID,
		rootPrefix: cfg.RootPrefix,
		policy:     cfg.Policy,
		gzipOn:     cfg.GzipEnabled,
		dryRun:     cfg.DryRun,
		seq:        cfg.StartingSeq,
	}
	if err := w.openActive(); err != nil {
		return nil, err
	}
	return w, nil
}

func activeSegmentName(seq int) string {
	return fmt.Sprintf("session-%06d.jsonl", seq)
}

func queuedSegmentName(seq int, gzipOn bool) string {
	if gzipOn {
		return fmt.Sprintf("session-%06d.jsonl.gz", seq)
	}
	return fmt.Sprintf("session-%06d.jsonl", seq)
}

func (w *Writer) openActive() error {
	path := w.layout.ActiveSegmentPath(activeSegmentName(w.seq))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open active segment %s: %w", path, err)
	}
	w.file = f
	w.openedAt = time.Now()
	w.lines = 0
	w.bytes = 0
	w.firstTS = time.Time{}
	w.lastTS = time.Time{}
	return nil
}

// Append writes event.Raw followed by a newline to the active file,
// updates counters, and rotates when required per section 4.E.
func (w *Writer) Append(event tail.SessionEvent) (*ClosedSegment, error) {
	if _, err := w.file.Write(event.Raw); err != nil {
		return nil, fmt.Errorf("failed to append to active segment: %w", err)
	}
	if _, err := w.file.Write([]byte("\n")); err != nil {
		return nil, fmt.Errorf("failed to append newline to active segment: %w", err)
	}

	w.lines++
	w.bytes += int64(len(event.Raw)) + 1
	if w.firstTS.IsZero() {
		w.firstTS = event.Timestamp
	}
	w.lastTS = event.Timestamp

	if event.Checkpoint != nil {
		w.pending = &pendingCheckpoint{
			seq:     w.seq,
			lineIdx: w.lines - 1,
			ts:      event.Timestamp,
			trigger: *event.Checkpoint,
		}
		return w.rotate()
	}

	if w.shouldRotate() {
		return w.rotate()
	}
	return nil, nil
}

// ForceRotate rotates the active segment unless it is empty, as specified
// in section 4.E. Used on truncation detection and on shutdown.
func (w *Writer) ForceRotate() (*ClosedSegment, error) {
	if w.lines == 0 {
		return nil, nil
	}
	return w.rotate()
}

func (w *Writer) shouldRotate() bool {
	if w.lines == 0 {
		return false
	}
	if w.policy.MaxBytes > 0 && w.bytes >= w.policy.MaxBytes {
		return true
	}
	if w.policy.MaxLines > 0 && w.lines >= w.policy.MaxLines {
		return true
	}
	if w.policy.MaxWall > 0 && time.Since(w.openedAt) >= w.policy.MaxWall {
		return true
	}
	return false
}

// rotate implements the five-step rotation procedure from section 4.E.
func (w *Writer) rotate() (*ClosedSegment, error) {
	activePath := w.layout.ActiveSegmentPath(activeSegmentName(w.seq))
	if err := w.file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close active segment %s: %w", activePath, err)
	}

	var (
		queuedPath      string
		bytesGzip       int64
		contentEncoding string
		remoteName      = queuedSegmentName(w.seq, w.gzipOn)
	)

	if w.gzipOn {
		queuedPath = w.layout.QueuedPath(remoteName)
		size, err := compressToQueue(activePath, queuedPath)
		if err != nil {
			return nil, err
		}
		bytesGzip = size
		contentEncoding = "gzip"
		if !w.dryRun {
			if err := os.Remove(activePath); err != nil {
				return nil, fmt.Errorf("failed to remove compressed active segment %s: %w", activePath, err)
			}
		}
	} else {
		queuedPath = w.layout.QueuedPath(remoteName)
		if err := renameOrCopy(activePath, queuedPath); err != nil {
			return nil, err
		}
		bytesGzip = w.bytes
	}

	entry := SegmentEntry{
		Seq:               w.seq,
		Path:              filepath.ToSlash(filepath.Join("segments", remoteName)),
		FirstTS:           w.firstTS,
		LastTS:            w.lastTS,
		Lines:             w.lines,
		BytesUncompressed: w.bytes,
		BytesGzip:         bytesGzip,
	}

	closed := &ClosedSegment{
		Entry:           entry,
		DataPath:        queuedPath,
		RemotePath:      fmt.Sprintf("%s/%s/%s", w.rootPrefix, w.sid, entry.Path),
		ContentType:     contentTypeFor(contentEncoding),
		ContentEncoding: contentEncoding,
	}

	if w.pending != nil {
		cp, body := materializeCheckpoint(*w.pending)
		closed.Checkpoint = &cp
		closed.CheckpointBody = &body
		w.pending = nil
	}

	w.seq++
	if err := w.openActive(); err != nil {
		return nil, err
	}
	return closed, nil
}

func contentTypeFor(contentEncoding string) string {
	if contentEncoding == "" {
		return "application/x-ndjson"
	}
	return "application/octet-stream"
}

// materializeCheckpoint builds the manifest-record Checkpoint and the full
// CheckpointBody from a pending trigger, formatting the id as
// "{timestamp}-s{seq:06}-l{line_idx:06}" per section 3's design notes.
func materializeCheckpoint(p pendingCheckpoint) (Checkpoint, CheckpointBody) {
	id := fmt.Sprintf("%s-s%06d-l%06d", pathutil.FormatTimestamp(p.ts), p.seq, p.lineIdx)

	cp := Checkpoint{
		ID:      id,
		Label:   p.trigger.Label,
		Seq:     p.seq,
		LineIdx: p.lineIdx,
		TS:      p.ts,
		Git:     p.trigger.GitCommit,
		Branch:  p.trigger.Branch,
	}
	body := CheckpointBody{
		ID:      id,
		Seq:     p.seq,
		LineIdx: p.lineIdx,
		TS:      p.ts,
		Label:   p.trigger.Label,
		Git:     p.trigger.GitCommit,
		Branch:  p.trigger.Branch,
		Payload: p.trigger.Payload,
	}
	return cp, body
}

// compressToQueue streams srcPath through gzip into dstPath, returning the
// compressed size. compress/gzip is stdlib because no example repo in the
// retrieved pack implements the gzip codec specifically (the pack's
// compression libraries cover lz4 and xz, different wire formats).
func compressToQueue(srcPath, dstPath string) (int64, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return 0, fmt.Errorf("failed to open segment for compression %s: %w", srcPath, err)
	}
	defer src.Close()

	dst, err := os.Create(dstPath)
	if err != nil {
		return 0, fmt.Errorf("failed to create compressed segment %s: %w", dstPath, err)
	}

	gz := gzip.NewWriter(dst)
	if _, err := io.Copy(gz, src); err != nil {
		gz.Close()
		dst.Close()
		return 0, fmt.Errorf("failed to compress segment %s: %w", srcPath, err)
	}
	if err := gz.Close(); err != nil {
		dst.Close()
		return 0, fmt.Errorf("failed to finalize compressed segment %s: %w", dstPath, err)
	}

	info, err := dst.Stat()
	if err != nil {
		dst.Close()
		return 0, fmt.Errorf("failed to stat compressed segment %s: %w", dstPath, err)
	}
	size := info.Size()
	if err := dst.Close(); err != nil {
		return 0, fmt.Errorf("failed to close compressed segment %s: %w", dstPath, err)
	}
	return size, nil
}

// renameOrCopy atomically renames srcPath to dstPath, falling back to
// copy-then-remove when the rename fails across filesystem boundaries, as
// specified in section 4.E.
func renameOrCopy(srcPath, dstPath string) error {
	if err := os.Rename(srcPath, dstPath); err == nil {
		return nil
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("failed to open segment for copy %s: %w", srcPath, err)
	}
	defer src.Close()

	dst, err := os.Create(dstPath)
	if err != nil {
		return fmt.Errorf("failed to create segment copy %s: %w", dstPath, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("failed to copy segment %s to %s: %w", srcPath, dstPath, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("failed to close segment copy %s: %w", dstPath, err)
	}
	if err := os.Remove(srcPath); err != nil {
		return fmt.Errorf("failed to remove original segment after copy %s: %w", srcPath, err)
	}
	return nil
}

// MarshalCheckpointBody renders a checkpoint body as pretty-printed JSON,
// matching the manifest's own pretty-printed persistence convention.
func MarshalCheckpointBody(body CheckpointBody) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(body); err != nil {
		return nil, fmt.Errorf("failed to encode checkpoint body: %w", err)
	}
	return buf.Bytes(), nil
}
