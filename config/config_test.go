package config

import (
	"path/filepath"
	"testing"

	"github.com/gurre/agent-uploader/upload"
)

func validConfig() SessionConfig {
	return SessionConfig{
		SessionFilePath: "/tmp/session.jsonl",
		SID:             "test-sid",
		Bucket:          "test-bucket",
		Endpoint:        EndpointConfig{Kind: upload.KindDryRun},
	}.WithDefaults()
}

func TestValidConfigPassesValidation(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config to pass, got: %v", err)
	}
}

func TestMissingSessionFilePath(t *testing.T) {
	cfg := validConfig()
	cfg.SessionFilePath = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for missing session_file_path")
	}
}

func TestWithDefaultsFillsZeroValues(t *testing.T) {
	cfg := SessionConfig{SessionFilePath: "/tmp/session.jsonl"}.WithDefaults()
	if cfg.RootPrefix != DefaultRootPrefix {
		t.Errorf("root prefix = %q, want %q", cfg.RootPrefix, DefaultRootPrefix)
	}
	if cfg.SegBytes != DefaultSegBytes {
		t.Errorf("seg bytes = %d, want %d", cfg.SegBytes, DefaultSegBytes)
	}
	if cfg.Concurrency != DefaultConcurrency {
		t.Errorf("concurrency = %d, want %d", cfg.Concurrency, DefaultConcurrency)
	}
	if cfg.CreatedAt.IsZero() {
		t.Error("expected created_at to be stamped")
	}
}

func TestResolveAutoSIDDerivesFromFilename(t *testing.T) {
	cfg := SessionConfig{
		SessionFilePath: "rollout-2025-10-04T15-16-09-0199b14b-f650-7c52-93bd-b226acca5ff5.jsonl",
		SID:             "auto",
	}
	resolved, err := cfg.Resolve()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved.SID != "0199b14b-f650-7c52-93bd-b226acca5ff5" {
		t.Errorf("expected derived uuid sid, got %q", resolved.SID)
	}
}

func TestResolveAutoSIDFallsBackToGeneratedWhenNoUUIDInName(t *testing.T) {
	cfg := SessionConfig{SessionFilePath: "plain-session.jsonl", SID: "auto"}
	resolved, err := cfg.Resolve()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved.SID == "" {
		t.Error("expected a generated sid")
	}
}

func TestResolveSanitizesExplicitSID(t *testing.T) {
	cfg := SessionConfig{SessionFilePath: "x.jsonl", SID: "  my-sid  "}
	resolved, err := cfg.Resolve()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved.SID != "my-sid" {
		t.Errorf("expected trimmed sid, got %q", resolved.SID)
	}
}

func TestResolveRejectsWhitespaceSID(t *testing.T) {
	cfg := SessionConfig{SessionFilePath: "x.jsonl", SID: "bad sid"}
	if _, err := cfg.Resolve(); err == nil {
		t.Error("expected error for sid containing whitespace")
	}
}

func TestValidateRequiresEndpointFieldsPerKind(t *testing.T) {
	cases := []struct {
		name string
		ep   EndpointConfig
		ok   bool
	}{
		{"supabase missing key", EndpointConfig{Kind: upload.KindSupabase, BaseURL: "https://x"}, false},
		{"presigned missing base url", EndpointConfig{Kind: upload.KindPresigned}, false},
		{"dryrun always ok", EndpointConfig{Kind: upload.KindDryRun}, true},
		{"unrecognized kind", EndpointConfig{Kind: "bogus"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Endpoint = tc.ep
			err := cfg.Validate()
			if tc.ok && err != nil {
				t.Errorf("expected valid, got %v", err)
			}
			if !tc.ok && err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestObjectPrefix(t *testing.T) {
	cfg := validConfig()
	cfg.RootPrefix = "sessions"
	cfg.SID = "sid-123"
	if got, want := cfg.ObjectPrefix(), "sessions/sid-123"; got != want {
		t.Errorf("object prefix = %q, want %q", got, want)
	}
}

func TestResolveExpandsSpoolDir(t *testing.T) {
	cfg := SessionConfig{SessionFilePath: "x.jsonl", SID: "s", SpoolDir: "relative/dir"}
	resolved, err := cfg.Resolve()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !filepath.IsAbs(resolved.SpoolDir) {
		t.Errorf("expected absolute spool dir, got %q", resolved.SpoolDir)
	}
}
