// Package pathutil implements the small path and identifier helpers
// described in section 4.A and section 9 of the design specification:
// home directory expansion, session id sanitation, and session id
// derivation from a session file name.
package pathutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// sidTimestampFormat mirrors the original Rust implementation's SID_FORMAT:
// "YYYY-MM-DDTHH-MM-SSZ". time.RFC3339 can't express it directly because
// Go's reference layout has no way to say "dashes instead of colons", so we
// spell the layout out.
const sidTimestampFormat = "2006-01-02T15-04-05Z"

// ExpandPath expands a leading "~" to the current user's home directory and
// returns an absolute, cleaned path. An empty path is returned unchanged.
//
// Example:
//
//	p, err := pathutil.ExpandPath("~/.agent-uploader/spool")
func ExpandPath(path string) (string, error) {
	if path == "" {
		return path, nil
	}

	expanded := path
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("unable to resolve home directory for path expansion: %w", err)
		}
		rest := strings.TrimPrefix(path, "~")
		rest = strings.TrimLeft(rest, "/\\")
		if rest == "" {
			expanded = home
		} else {
			expanded = filepath.Join(home, rest)
		}
	}

	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", fmt.Errorf("failed to absolutize path: %w", err)
	}
	return filepath.Clean(abs), nil
}

// GenerateSID synthesizes a session identifier from the current wall clock
// time and a fresh UUID's first hyphen-delimited group, as specified in
// section 9: "{UTC timestamp in basic format}-{first UUID group}".
func GenerateSID() string {
	ts := time.Now().UTC().Format(sidTimestampFormat)
	id := uuid.New().String()
	suffix := id
	if idx := strings.Index(id, "-"); idx >= 0 {
		suffix = id[:idx]
	}
	return fmt.Sprintf("%s-%s", ts, suffix)
}

// SanitizeSID validates a user-supplied session id per section 9: it must be
// non-empty after trimming and must not contain whitespace.
func SanitizeSID(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("sid cannot be empty")
	}
	for _, r := range trimmed {
		if unicode.IsSpace(r) {
			return "", fmt.Errorf("sid cannot contain whitespace")
		}
	}
	return trimmed, nil
}

// DeriveSIDFromSessionFile implements the "auto" SID derivation rule from
// section 9: search the file stem, then the full file name, for a
// 36-character window that parses as a UUID, scanning right-to-left so the
// rightmost (most specific) candidate wins.
func DeriveSIDFromSessionFile(path string) (string, bool) {
	base := filepath.Base(path)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if id, ok := extractUUID(stem); ok {
		return id, true
	}
	return extractUUID(base)
}

// extractUUID mirrors config.rs's extract_uuid: first try parsing the whole
// string, then scan right-to-left for any 36-character substring that
// parses as a UUID.
func extractUUID(candidate string) (string, bool) {
	if id, err := uuid.Parse(candidate); err == nil {
		return id.String(), true
	}
	if len(candidate) < 36 {
		return "", false
	}
	for start := len(candidate) - 36; start >= 0; start-- {
		slice := candidate[start : start+36]
		if id, err := uuid.Parse(slice); err == nil {
			return id.String(), true
		}
	}
	return "", false
}

// FormatTimestamp formats a wall-clock instant using the checkpoint id
// timestamp format shared by section 3 ("YYYY-MM-DDTHH-MM-SSZ"), used both
// for SID generation and for checkpoint id construction.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(sidTimestampFormat)
}

// EnsureDir creates path and any missing parents if it does not already
// exist, failing if path exists and is not a directory.
func EnsureDir(path string) error {
	info, err := os.Stat(path)
	if err == nil {
		if info.IsDir() {
			return nil
		}
		return fmt.Errorf("%s exists but is not a directory", path)
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	return nil
}
