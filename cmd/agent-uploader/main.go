// Package main implements the watch command-line entrypoint: parsing
// flags into a SessionConfig, wiring the upload endpoint, and running the
// watch orchestrator until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/time/rate"

	"github.com/gurre/agent-uploader/aws"
	"github.com/gurre/agent-uploader/config"
	"github.com/gurre/agent-uploader/metrics"
	"github.com/gurre/agent-uploader/upload"
	"github.com/gurre/agent-uploader/watch"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run parses flags, resolves configuration, constructs the upload
// endpoint, and runs the watch orchestrator to completion.
func run() error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)

	sessionFile := fs.String("session", "", "Path to the NDJSON session file to tail")
	sid := fs.String("sid", "auto", "Session id, or \"auto\" to derive from the session filename")
	bucket := fs.String("bucket", "", "Destination bucket (required for supabase and s3native endpoints)")
	rootPrefix := fs.String("root-prefix", config.DefaultRootPrefix, "Remote object root prefix")
	segBytes := fs.Int64("seg-bytes", config.DefaultSegBytes, "Rotate a segment once it reaches this many bytes")
	segLines := fs.Int("seg-lines", config.DefaultSegLines, "Rotate a segment once it reaches this many lines")
	segMs := fs.Int("seg-ms", config.DefaultSegMs, "Rotate a segment once it has been open this many milliseconds")
	pollMs := fs.Int("poll-ms", config.DefaultPollMs, "Tail poll interval in milliseconds")
	spoolDir := fs.String("spool-dir", config.DefaultSpoolDir, "Local spool directory")
	manifestStateDir := fs.String("manifest-state-dir", "", "Local manifest state directory (defaults to spool-dir)")
	concurrency := fs.Int("concurrency", config.DefaultConcurrency, "Maximum concurrent upload requests")
	gzipEnabled := fs.Bool("gzip", true, "Compress segments with gzip before upload")
	dryRun := fs.Bool("dry-run", false, "Stage segments locally without uploading")

	endpointKind := fs.String("endpoint", "dryrun", "Upload endpoint kind: supabase|presigned|s3native|dryrun")
	endpointBaseURL := fs.String("endpoint-base-url", "", "Base URL for supabase/presigned endpoints")
	endpointKey := fs.String("endpoint-key", "", "Bearer key for the supabase endpoint")
	region := fs.String("region", "", "AWS region (s3native endpoint only; defaults to AWS_REGION env)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}

	cfg := config.SessionConfig{
		SessionFilePath:  *sessionFile,
		SID:              *sid,
		Bucket:           *bucket,
		RootPrefix:       *rootPrefix,
		SegBytes:         *segBytes,
		SegLines:         *segLines,
		SegMs:            *segMs,
		PollMs:           *pollMs,
		SpoolDir:         *spoolDir,
		ManifestStateDir: *manifestStateDir,
		Concurrency:      *concurrency,
		GzipEnabled:      *gzipEnabled,
		DryRun:           *dryRun,
		Endpoint: config.EndpointConfig{
			Kind:    upload.Kind(*endpointKind),
			BaseURL: *endpointBaseURL,
			Key:     *endpointKey,
			Bucket:  *bucket,
		},
	}

	cfg, err := cfg.Resolve()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	endpoint, err := buildEndpoint(cfg, *region)
	if err != nil {
		return fmt.Errorf("failed to build upload endpoint: %w", err)
	}

	logger := log.New(os.Stderr, "agent-uploader: ", log.LstdFlags)
	mx := metrics.New()

	// One token per concurrent worker slot per second, with a burst equal
	// to the slot count: steady-state throughput tracks concurrency, but a
	// fresh batch of closed segments can still fire all at once.
	limiter := rate.NewLimiter(rate.Limit(cfg.Concurrency), cfg.Concurrency)
	client := upload.NewRateLimitedClient(endpoint, limiter).WithMetrics(mx)
	orchestrator := watch.New(cfg, client, mx, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := orchestrator.Start(ctx); err != nil {
		return fmt.Errorf("failed to start watch orchestrator: %w", err)
	}

	logger.Printf("watching %s as session %s", cfg.SessionFilePath, cfg.SID)
	if err := orchestrator.Run(ctx); err != nil {
		return fmt.Errorf("watch orchestrator exited with error: %w", err)
	}

	logger.Printf("shutdown complete for session %s", cfg.SID)
	return nil
}

// buildEndpoint constructs the configured upload.Endpoint from cfg, as
// specified in section 6's configuration surface.
func buildEndpoint(cfg config.SessionConfig, region string) (upload.Endpoint, error) {
	switch cfg.Endpoint.Kind {
	case upload.KindSupabase:
		return upload.NewSupabaseEndpoint(cfg.Endpoint.BaseURL, cfg.Bucket, cfg.Endpoint.Key, http.DefaultClient), nil
	case upload.KindPresigned:
		return upload.NewPresignedEndpoint(cfg.Endpoint.BaseURL, http.DefaultClient), nil
	case upload.KindS3Native:
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(region))
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		s3Client := aws.NewS3Client(s3.NewFromConfig(awsCfg))
		return upload.NewS3NativeEndpoint(s3Client, cfg.Bucket), nil
	case upload.KindDryRun:
		return upload.NewDryRunEndpoint(func(format string, args ...any) {
			log.Printf(format, args...)
		}), nil
	default:
		return nil, fmt.Errorf("unrecognized endpoint kind %q", cfg.Endpoint.Kind)
	}
}
