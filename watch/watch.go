// Package watch implements the watch orchestrator described in section 4.H
// of the design specification: the single logical task that owns the tail
// reader, segment writer, and manifest store, races a poll tick against an
// interrupt signal, and fans upload work out across a bounded worker pool.
package watch

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/gurre/agent-uploader/config"
	"github.com/gurre/agent-uploader/manifest"
	"github.com/gurre/agent-uploader/metrics"
	"github.com/gurre/agent-uploader/segment"
	"github.com/gurre/agent-uploader/spool"
	"github.com/gurre/agent-uploader/tail"
	"github.com/gurre/agent-uploader/upload"
)

// Orchestrator owns all mutable pipeline state for a single session, as
// specified in section 5: the tail reader, segment writer, and manifest
// store are never touched from any task but this one.
type Orchestrator struct {
	cfg    config.SessionConfig
	layout spool.Layout
	queue  *spool.Queue
	client *upload.Client
	logger *log.Logger
	mx     *metrics.Metrics

	reader       *tail.Reader
	writer       *segment.Writer
	manifestPath string
	m            *manifest.Manifest

	// watcher is a latency nudge, not a replacement for the poll loop: an
	// fsnotify write event wakes Run early so a fresh batch is picked up
	// before the next scheduled tick, but Poll's own offset/carry bookkeeping
	// remains the source of truth regardless of whether a notification ever
	// arrives. A nil watcher (unsupported platform, or directory watch
	// failed to open) just means every tick waits for the ticker.
	watcher *fsnotify.Watcher
}

// New constructs an Orchestrator. cfg must already be resolved (see
// config.SessionConfig.Resolve) and validated.
func New(cfg config.SessionConfig, client *upload.Client, mx *metrics.Metrics, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	layout := spool.NewLayout(cfg.SpoolDir)
	return &Orchestrator{
		cfg:    cfg,
		layout: layout,
		queue:  spool.NewQueue(layout),
		client: client,
		logger: logger,
		mx:     mx,
	}
}

// Start implements the startup sequence from section 4.H: ensure
// directories, load or seed the manifest, open the tail reader, construct
// the segment writer at the manifest's active_seq, and drain the spool
// once to flush leftovers from a prior crash.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.layout.Ensure(); err != nil {
		return err
	}

	o.manifestPath = filepath.Join(o.cfg.ManifestStateDir, o.cfg.SID+".json")
	m, err := manifest.LoadOrNew(o.manifestPath, manifest.SeedConfig{SID: o.cfg.SID, CreatedAt: o.cfg.CreatedAt})
	if err != nil {
		return fmt.Errorf("failed to load manifest: %w", err)
	}
	o.m = m

	reader, err := tail.NewReader(o.cfg.SessionFilePath)
	if err != nil {
		return fmt.Errorf("failed to open tail reader: %w", err)
	}
	o.reader = reader

	writer, err := segment.NewWriter(segment.Config{
		Layout:      o.layout,
		SID:         o.cfg.SID,
		RootPrefix:  o.cfg.RootPrefix,
		StartingSeq: o.m.ActiveSeq,
		Policy:      o.cfg.RotatePolicy(),
		GzipEnabled: o.cfg.GzipEnabled,
		DryRun:      o.cfg.DryRun,
	})
	if err != nil {
		return fmt.Errorf("failed to construct segment writer: %w", err)
	}
	o.writer = writer

	o.drainSpoolLoggingErrors(ctx)
	o.watcher = o.openWatcher()
	return nil
}

// openWatcher opens an fsnotify watch on the session file's parent
// directory. Failure is non-fatal: it only costs the latency nudge, so it is
// logged and Run falls back to pure polling.
func (o *Orchestrator) openWatcher() *fsnotify.Watcher {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		o.logger.Printf("fsnotify unavailable, falling back to polling only: %v", err)
		return nil
	}
	dir := filepath.Dir(o.cfg.SessionFilePath)
	if err := w.Add(dir); err != nil {
		o.logger.Printf("failed to watch %s, falling back to polling only: %v", dir, err)
		_ = w.Close()
		return nil
	}
	return w
}

// Run implements the main loop from section 4.H: a single cooperative task
// races a periodic tick at poll_interval against ctx cancellation. On
// cancellation it runs the shutdown path and returns.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.PollInterval())
	defer ticker.Stop()

	events, errs := o.watcherChannels()
	for {
		select {
		case <-ticker.C:
			if err := o.tick(ctx); err != nil {
				return err
			}
		case _, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if err := o.tick(ctx); err != nil {
				return err
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			o.logger.Printf("fsnotify watch error: %v", err)
		case <-ctx.Done():
			return o.shutdown(ctx)
		}
	}
}

// watcherChannels returns o.watcher's event and error channels, or nil
// channels (which block forever in a select) when no watcher is active.
func (o *Orchestrator) watcherChannels() (<-chan fsnotify.Event, <-chan error) {
	if o.watcher == nil {
		return nil, nil
	}
	return o.watcher.Events, o.watcher.Errors
}

// tick polls the tail reader once and processes whatever batch comes back,
// per section 4.H.
func (o *Orchestrator) tick(ctx context.Context) error {
	batch, err := o.reader.Poll()
	if err != nil {
		return fmt.Errorf("tail poll failed: %w", err)
	}
	if batch == nil {
		return nil
	}

	if batch.Truncated {
		closed, err := o.writer.ForceRotate()
		if err != nil {
			return fmt.Errorf("force rotate on truncation failed: %w", err)
		}
		if closed != nil {
			if err := o.finalize(ctx, closed); err != nil {
				return err
			}
		}
	}

	for _, event := range batch.Events {
		closed, err := o.writer.Append(event)
		if err != nil {
			return fmt.Errorf("segment append failed: %w", err)
		}
		if closed != nil {
			if err := o.finalize(ctx, closed); err != nil {
				return err
			}
		}
	}
	return nil
}

// finalize implements the five-step finalize procedure from section 4.H.
func (o *Orchestrator) finalize(ctx context.Context, closed *segment.ClosedSegment) error {
	o.m.AddSegment(closed.Entry)
	if closed.Checkpoint != nil {
		o.m.AddCheckpoint(*closed.Checkpoint)
	}
	if o.mx != nil {
		o.mx.SegmentsRotated.Inc()
	}

	if err := o.queue.Enqueue(closed.DataPath, spool.Metadata{
		RemotePath:      closed.RemotePath,
		ContentType:     closed.ContentType,
		ContentEncoding: closed.ContentEncoding,
		CreatedAt:       time.Now().UTC(),
		Kind:            spool.KindSegment,
	}); err != nil {
		return fmt.Errorf("failed to enqueue segment: %w", err)
	}

	if closed.CheckpointBody != nil {
		if err := o.enqueueCheckpointBody(closed); err != nil {
			return err
		}
	}

	if err := o.enqueueManifest(); err != nil {
		return err
	}

	o.drainSpoolLoggingErrors(ctx)
	return nil
}

func (o *Orchestrator) enqueueCheckpointBody(closed *segment.ClosedSegment) error {
	body, err := segment.MarshalCheckpointBody(*closed.CheckpointBody)
	if err != nil {
		return err
	}

	name := closed.CheckpointBody.ID + ".json"
	path := o.layout.QueuedPath(name)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return fmt.Errorf("failed to write checkpoint body %s: %w", path, err)
	}

	remotePath := fmt.Sprintf("%s/%s/checkpoints/%s", o.cfg.RootPrefix, o.cfg.SID, name)
	return o.queue.Enqueue(path, spool.Metadata{
		RemotePath:  remotePath,
		ContentType: "application/json",
		CreatedAt:   time.Now().UTC(),
		Kind:        spool.KindCheckpoint,
	})
}

// enqueueManifest persists the manifest state, copies it into the queue,
// and enqueues it, as specified in section 4.H step 4.
func (o *Orchestrator) enqueueManifest() error {
	if err := manifest.Save(o.manifestPath, o.m); err != nil {
		return fmt.Errorf("failed to persist manifest: %w", err)
	}

	queuedPath := o.layout.QueueManifestPath()
	data, err := os.ReadFile(o.manifestPath)
	if err != nil {
		return fmt.Errorf("failed to read persisted manifest for staging: %w", err)
	}
	if err := os.WriteFile(queuedPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to stage manifest for upload: %w", err)
	}

	remotePath := manifest.RemotePath(o.cfg.RootPrefix, o.cfg.SID)
	return o.queue.Enqueue(queuedPath, spool.Metadata{
		RemotePath:  remotePath,
		ContentType: "application/json",
		CreatedAt:   time.Now().UTC(),
		Kind:        spool.KindManifest,
	})
}

// shutdown implements the interrupt path from section 4.H: force-rotate if
// the segment is non-empty (finalizing through the same path), otherwise
// still queue the current manifest, then drain the spool one final time.
func (o *Orchestrator) shutdown(ctx context.Context) error {
	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	closed, err := o.writer.ForceRotate()
	if err != nil {
		return fmt.Errorf("force rotate on shutdown failed: %w", err)
	}
	if closed != nil {
		if err := o.finalize(drainCtx, closed); err != nil {
			return err
		}
	} else {
		if err := o.enqueueManifest(); err != nil {
			return err
		}
	}

	o.drainSpoolLoggingErrors(drainCtx)
	if o.watcher != nil {
		_ = o.watcher.Close()
	}
	return o.reader.Close()
}

// drainSpoolLoggingErrors drains the spool queue with bounded concurrency,
// logging but never failing on upload errors, per section 4.H and the
// error propagation rule of section 7.
func (o *Orchestrator) drainSpoolLoggingErrors(ctx context.Context) {
	entries, err := o.queue.List()
	if err != nil {
		o.logger.Printf("spool list failed: %v", err)
		return
	}
	if o.mx != nil {
		o.mx.SpoolDepth.Set(float64(len(entries)))
	}
	if len(entries) == 0 {
		return
	}

	sem := make(chan struct{}, o.cfg.Concurrency)
	var wg sync.WaitGroup
	for _, entry := range entries {
		entry := entry
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			o.drainOne(ctx, entry)
		}()
	}
	wg.Wait()

	if o.mx != nil {
		if remaining, err := o.queue.List(); err == nil {
			o.mx.SpoolDepth.Set(float64(len(remaining)))
		}
	}
}

func (o *Orchestrator) drainOne(ctx context.Context, entry spool.Entry) {
	info, err := os.Stat(entry.DataPath)
	if err != nil {
		o.logger.Printf("spool entry %s vanished before upload: %v", entry.DataPath, err)
		return
	}

	err = o.client.Upload(ctx, upload.Request{
		LocalPath:       entry.DataPath,
		ObjectPath:      entry.Metadata.RemotePath,
		ContentType:     entry.Metadata.ContentType,
		ContentEncoding: entry.Metadata.ContentEncoding,
	})
	if err != nil {
		if o.mx != nil {
			o.mx.UploadFailures.Inc()
		}
		o.logger.Printf("upload failed for %s, leaving on disk for retry: %v", entry.DataPath, err)
		return
	}

	if o.mx != nil {
		o.mx.BytesUploaded.Add(float64(info.Size()))
	}
	if err := o.queue.MarkUploaded(entry); err != nil {
		o.logger.Printf("failed to mark %s uploaded: %v", entry.DataPath, err)
	}
}
