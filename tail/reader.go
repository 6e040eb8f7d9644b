package tail

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// Batch is the result of a successful poll that produced events and/or
// detected truncation, as specified in section 4.B.
type Batch struct {
	Events    []SessionEvent
	Truncated bool
}

// Reader polls a growing, append-only file and emits batches of parsed
// SessionEvents. It tracks a byte offset and a carry buffer holding the
// trailing partial line across polls, exactly as section 4.B describes.
//
// HOT PATH: Poll is invoked on every tick of the watch orchestrator's poll
// loop (section 4.H). The dominant costs are the os.Stat call and, when new
// bytes arrived, a single bounded read plus an in-memory newline scan.
type Reader struct {
	path   string
	file   *os.File
	offset int64
	carry  []byte
}

// NewReader opens path read-only and returns a Reader starting at offset 0.
func NewReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open session file %s: %w", path, err)
	}
	return &Reader{path: path, file: f}, nil
}

// Close releases the underlying file handle.
func (r *Reader) Close() error {
	if r.file == nil {
		return nil
	}
	return r.file.Close()
}

// Poll implements the procedure from section 4.B. It returns (nil, nil) for
// "no-change", and a non-nil Batch otherwise. Errors other than the session
// file being absent (which is treated as no-change per section 7) are
// propagated.
func (r *Reader) Poll() (*Batch, error) {
	info, err := os.Stat(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to stat session file %s: %w", r.path, err)
	}

	length := info.Size()
	truncated := false
	if length < r.offset {
		if err := r.reset(); err != nil {
			return nil, err
		}
		truncated = true
	}

	if length == r.offset && !truncated {
		return nil, nil
	}

	toRead := length - r.offset
	buf := make([]byte, toRead)
	if toRead > 0 {
		if _, err := r.file.Seek(r.offset, io.SeekStart); err != nil {
			return nil, fmt.Errorf("failed to seek session file %s: %w", r.path, err)
		}
		if _, err := io.ReadFull(r.file, buf); err != nil {
			return nil, fmt.Errorf("failed to read session file %s: %w", r.path, err)
		}
	}
	r.offset = length

	data := make([]byte, 0, len(r.carry)+len(buf))
	data = append(data, r.carry...)
	data = append(data, buf...)
	r.carry = nil

	var events []SessionEvent
	start := 0
	for idx, b := range data {
		if b != '\n' {
			continue
		}
		line := data[start:idx]
		line = bytes.TrimSuffix(line, []byte("\r"))
		if len(line) > 0 {
			events = append(events, ParseEvent(append([]byte(nil), line...)))
		}
		start = idx + 1
	}
	if start < len(data) {
		r.carry = append([]byte(nil), data[start:]...)
	}

	if !truncated && len(events) == 0 {
		return nil, nil
	}
	return &Batch{Events: events, Truncated: truncated}, nil
}

// reset reopens the session file at offset 0 and clears the carry buffer,
// used when the file shrinks (truncation/rotation by the external writer).
func (r *Reader) reset() error {
	if r.file != nil {
		_ = r.file.Close()
	}
	f, err := os.Open(r.path)
	if err != nil {
		return fmt.Errorf("failed to reopen session file %s: %w", r.path, err)
	}
	r.file = f
	r.offset = 0
	r.carry = nil
	return nil
}
