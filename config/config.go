// Package config implements the configuration surface described in
// section 6 of the design specification: the recognized SessionConfig
// fields, their defaults, and validation.
package config

import (
	"fmt"
	"time"

	"github.com/gurre/agent-uploader/pathutil"
	"github.com/gurre/agent-uploader/segment"
	"github.com/gurre/agent-uploader/upload"
)

// Defaults match section 6's configuration surface.
const (
	DefaultRootPrefix       = "sessions"
	DefaultSegBytes   int64 = 8 * 1024 * 1024
	DefaultSegLines         = 10000
	DefaultSegMs            = 600000
	DefaultPollMs           = 500
	DefaultSpoolDir         = "~/.agent-uploader/spool"
	DefaultConcurrency      = 2
)

// autoSID is the sentinel value that triggers filename-based SID
// derivation, as specified in section 9.
const autoSID = "auto"

// EndpointConfig describes the configured upload endpoint kind and its
// connection parameters. Validate checks that the fields Kind requires are
// set (the bucket is read from SessionConfig.Bucket); fields that Kind does
// not use are not checked.
type EndpointConfig struct {
	Kind    upload.Kind
	BaseURL string
	Key     string
	Bucket  string
}

// SessionConfig holds the recognized configuration surface from section 6.
type SessionConfig struct {
	SessionFilePath  string
	SID              string
	Bucket           string
	RootPrefix       string
	SegBytes         int64
	SegLines         int
	SegMs            int
	PollMs           int
	SpoolDir         string
	ManifestStateDir string
	Concurrency      int
	DryRun           bool
	GzipEnabled      bool
	Endpoint         EndpointConfig
	CreatedAt        time.Time
}

// WithDefaults returns a copy of cfg with zero-valued optional fields
// filled in from section 6's defaults.
func (c SessionConfig) WithDefaults() SessionConfig {
	if c.RootPrefix == "" {
		c.RootPrefix = DefaultRootPrefix
	}
	if c.SegBytes <= 0 {
		c.SegBytes = DefaultSegBytes
	}
	if c.SegLines <= 0 {
		c.SegLines = DefaultSegLines
	}
	if c.SegMs <= 0 {
		c.SegMs = DefaultSegMs
	}
	if c.PollMs <= 0 {
		c.PollMs = DefaultPollMs
	}
	if c.SpoolDir == "" {
		c.SpoolDir = DefaultSpoolDir
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	return c
}

// Resolve finalizes the configuration: expands the spool directory, and
// resolves "auto" (or empty) SID via filename derivation, falling back to
// a freshly generated SID, per section 9. Otherwise the supplied SID is
// sanitized.
func (c SessionConfig) Resolve() (SessionConfig, error) {
	c = c.WithDefaults()

	spoolDir, err := pathutil.ExpandPath(c.SpoolDir)
	if err != nil {
		return SessionConfig{}, err
	}
	c.SpoolDir = spoolDir

	if c.ManifestStateDir == "" {
		c.ManifestStateDir = c.SpoolDir
	} else {
		manifestDir, err := pathutil.ExpandPath(c.ManifestStateDir)
		if err != nil {
			return SessionConfig{}, err
		}
		c.ManifestStateDir = manifestDir
	}

	switch c.SID {
	case "", autoSID:
		if sid, ok := pathutil.DeriveSIDFromSessionFile(c.SessionFilePath); ok {
			c.SID = sid
		} else {
			c.SID = pathutil.GenerateSID()
		}
	default:
		sid, err := pathutil.SanitizeSID(c.SID)
		if err != nil {
			return SessionConfig{}, fmt.Errorf("invalid sid: %w", err)
		}
		c.SID = sid
	}

	return c, nil
}

// Validate implements the validation rules implied by section 6's
// configuration surface: required fields present, thresholds positive,
// and the endpoint configuration internally consistent with its kind.
func (c SessionConfig) Validate() error {
	if c.SessionFilePath == "" {
		return fmt.Errorf("session_file_path is required")
	}
	if c.SID == "" {
		return fmt.Errorf("sid is required (resolve before validating)")
	}
	if c.SegBytes <= 0 {
		return fmt.Errorf("seg_bytes must be > 0")
	}
	if c.SegLines <= 0 {
		return fmt.Errorf("seg_lines must be > 0")
	}
	if c.SegMs <= 0 {
		return fmt.Errorf("seg_ms must be > 0")
	}
	if c.PollMs <= 0 {
		return fmt.Errorf("poll_ms must be > 0")
	}
	if c.SpoolDir == "" {
		return fmt.Errorf("spool_dir is required")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be >= 1")
	}

	switch c.Endpoint.Kind {
	case upload.KindSupabase:
		if c.Endpoint.BaseURL == "" || c.Endpoint.Key == "" || c.Bucket == "" {
			return fmt.Errorf("supabase endpoint requires base_url, key, and bucket")
		}
	case upload.KindPresigned:
		if c.Endpoint.BaseURL == "" {
			return fmt.Errorf("presigned endpoint requires base_url")
		}
	case upload.KindS3Native:
		if c.Bucket == "" {
			return fmt.Errorf("s3native endpoint requires bucket")
		}
	case upload.KindDryRun:
		// no additional requirements
	default:
		return fmt.Errorf("unrecognized endpoint kind %q", c.Endpoint.Kind)
	}

	return nil
}

// RotatePolicy derives a segment.RotatePolicy from the configured
// thresholds, per section 3's data model.
func (c SessionConfig) RotatePolicy() segment.RotatePolicy {
	return segment.RotatePolicy{
		MaxBytes: c.SegBytes,
		MaxLines: c.SegLines,
		MaxWall:  time.Duration(c.SegMs) * time.Millisecond,
	}
}

// PollInterval converts the configured poll_ms into a time.Duration.
func (c SessionConfig) PollInterval() time.Duration {
	return time.Duration(c.PollMs) * time.Millisecond
}

// ObjectPrefix returns the remote root under which this session's objects
// are rooted: "{root_prefix}/{sid}".
func (c SessionConfig) ObjectPrefix() string {
	return c.RootPrefix + "/" + c.SID
}
