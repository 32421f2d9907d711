// Package watcher ingests documents from a local folder: it polls the
// directory, gates files on stability and size, deduplicates by content
// hash and uploads to DocFlow with retries. Polling instead of
// filesystem events is deliberate; SMB shares deliver no events.
package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/docflow/scanner-bridge/internal/backend"
	"github.com/docflow/scanner-bridge/internal/clock"
	"github.com/docflow/scanner-bridge/internal/events"
	"github.com/docflow/scanner-bridge/internal/logging"
	"github.com/docflow/scanner-bridge/internal/metrics"
)

// Action is the post-upload disposition of a file.
type Action string

const (
	ActionMove   Action = "MoveToSubfolder"
	ActionDelete Action = "Delete"
	ActionKeep   Action = "Keep"
)

// Config is the folder-sync configuration, persisted as JSON in the
// vault so it survives restarts.
type Config struct {
	Enabled          bool   `json:"enabled"`
	WatchPath        string `json:"watch_path"`
	PostUploadAction Action `json:"post_upload_action"`
}

// Status is a snapshot of the watcher for the shell.
type Status struct {
	Running       bool   `json:"running"`
	WatchPath     string `json:"watch_path,omitempty"`
	FilesUploaded int    `json:"files_uploaded"`
	FilesPending  int    `json:"files_pending"`
	Errors        int    `json:"errors"`
	LastUpload    string `json:"last_upload,omitempty"`
	LastError     string `json:"last_error,omitempty"`
}

// RetryPolicy shapes the upload retry loop. Attempt k (counting from
// one) waits BaseDelay*2^(k-1) before running; a 429 adds On429Delay on
// top. Jitter, when set, adds a random slice of itself to every wait.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Jitter      time.Duration
	On429Delay  time.Duration
}

// DefaultRetry matches the long-standing upload behaviour: three
// attempts with 2 s and 4 s pauses and a 10 s penalty after a 429.
var DefaultRetry = RetryPolicy{
	MaxAttempts: 3,
	BaseDelay:   2 * time.Second,
	On429Delay:  10 * time.Second,
}

const (
	// DefaultInterval is the pause between directory sweeps.
	DefaultInterval = 5 * time.Second
	// defaultStabilityDelay separates the three size samples that
	// decide whether a file is still being written.
	defaultStabilityDelay = 1500 * time.Millisecond
	stabilityReads        = 3
	maxFileSize           = 50 << 20
	// defaultTelemetryEvery is the sweep count between status pushes,
	// roughly 30 seconds at the default interval.
	defaultTelemetryEvery = 6
	finalReportTimeout    = 5 * time.Second
)

var allowedExtensions = map[string]bool{
	".pdf": true, ".jpg": true, ".jpeg": true,
	".png": true, ".tiff": true, ".tif": true,
}

// Options tunes the watcher. Zero values fall back to the production
// defaults above.
type Options struct {
	Interval       time.Duration
	StabilityDelay time.Duration
	Retry          RetryPolicy
	TelemetryEvery int
}

// Watcher is the long-lived folder sync loop. Create with New, launch
// with Start, end with Stop. Replacing the configuration means stopping
// this Watcher and starting a fresh one.
type Watcher struct {
	log     *logging.Logger
	clk     clock.Clock
	backend *backend.Client
	bus     *events.Bus
	cfg     Config

	interval       time.Duration
	stabilityDelay time.Duration
	retry          RetryPolicy
	telemetryEvery int

	mu          sync.Mutex
	status      Status
	knownHashes map[string]struct{}

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates a Watcher for one directory.
func New(log *logging.Logger, clk clock.Clock, be *backend.Client, bus *events.Bus, cfg Config, opts Options) *Watcher {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.StabilityDelay <= 0 {
		opts.StabilityDelay = defaultStabilityDelay
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = DefaultRetry
	}
	if opts.TelemetryEvery <= 0 {
		opts.TelemetryEvery = defaultTelemetryEvery
	}
	return &Watcher{
		log:            log,
		clk:            clk,
		backend:        be,
		bus:            bus,
		cfg:            cfg,
		interval:       opts.Interval,
		stabilityDelay: opts.StabilityDelay,
		retry:          opts.Retry,
		telemetryEvery: opts.TelemetryEvery,
		knownHashes:    make(map[string]struct{}),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// Start launches the watch loop in its own goroutine.
func (w *Watcher) Start() {
	go w.run()
}

// Stop ends the loop, waits for the current sweep to drain and pushes
// one final disabled status to the backend.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
}

// Status returns a copy of the watcher's current state.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

func (w *Watcher) run() {
	defer close(w.done)

	if info, err := os.Stat(w.cfg.WatchPath); err != nil || !info.IsDir() {
		w.mu.Lock()
		w.status.LastError = "Ordner nicht gefunden: " + w.cfg.WatchPath
		w.mu.Unlock()
		w.log.Error("watch folder missing", "path", w.cfg.WatchPath)
		return
	}

	w.mu.Lock()
	w.status.Running = true
	w.status.WatchPath = w.cfg.WatchPath
	w.mu.Unlock()
	w.log.Info("folder sync started", "path", w.cfg.WatchPath, "action", w.cfg.PostUploadAction)

	for cycle := 0; ; cycle++ {
		select {
		case <-w.stop:
			w.shutdown()
			return
		default:
		}

		w.sweep(context.Background())

		if cycle%w.telemetryEvery == 0 {
			w.report(context.Background())
		}

		select {
		case <-w.stop:
			w.shutdown()
			return
		case <-w.clk.After(w.interval):
		}
	}
}

func (w *Watcher) shutdown() {
	w.mu.Lock()
	w.status.Running = false
	w.mu.Unlock()
	w.finalReport()
	w.log.Info("folder sync stopped")
}

// sweep scans the directory once and processes every eligible file.
func (w *Watcher) sweep(ctx context.Context) {
	entries, err := os.ReadDir(w.cfg.WatchPath)
	if err != nil {
		w.mu.Lock()
		w.status.Errors++
		w.status.LastError = "Ordner nicht lesbar: " + err.Error()
		w.mu.Unlock()
		metrics.FolderErrors.Inc()
		w.log.Error("watch folder unreadable", "error", err)
		return
	}

	pending := 0
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		path := filepath.Join(w.cfg.WatchPath, entry.Name())
		if filepath.Base(filepath.Dir(path)) == "uploaded" {
			continue
		}
		if !allowedExtensions[strings.ToLower(filepath.Ext(path))] {
			continue
		}
		pending++

		if err := w.processFile(ctx, path); err != nil {
			w.recordFileError(path, err)
		}
	}

	w.mu.Lock()
	w.status.FilesPending = pending
	w.mu.Unlock()
}

// processFile runs the full pipeline for one file: size gate, stability
// gate, hash, dedup, upload, post-action.
func (w *Watcher) processFile(ctx context.Context, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Size() > maxFileSize {
		return fmt.Errorf("Datei zu groß: %d MB (max %d MB)", info.Size()/1024/1024, int64(maxFileSize)/1024/1024)
	}

	if !w.stableSize(path) {
		return errors.New("Datei nicht stabil (wird noch geschrieben?)")
	}

	hash, err := fileHash(path)
	if err != nil {
		return err
	}

	if w.hashKnown(hash) {
		// Confirmed duplicate of a handled file; dispose of it without
		// another upload.
		w.log.Info("hash already uploaded, skipping", "file", path)
		return w.postAction(path)
	}

	resp, err := w.upload(ctx, path, hash)
	if err != nil {
		metrics.FolderUploads.WithLabelValues("error").Inc()
		return err
	}

	w.rememberHash(hash)

	if resp.Duplicate {
		metrics.FolderUploads.WithLabelValues("duplicate").Inc()
		w.log.Info("server reported duplicate", "file", path, "job_id", resp.JobID)
	} else {
		metrics.FolderUploads.WithLabelValues("uploaded").Inc()
		w.log.Info("file uploaded", "file", resp.Filename, "job_id", resp.JobID, "message", resp.Message)
	}

	w.mu.Lock()
	w.status.FilesUploaded++
	w.status.LastUpload = w.clk.Now().UTC().Format(time.RFC3339)
	w.mu.Unlock()

	w.bus.Publish(events.Event{
		Type:      events.EventFolderUpload,
		File:      filepath.Base(path),
		Timestamp: w.clk.Now(),
	})

	return w.postAction(path)
}

// stableSize samples the file size three times and accepts only when
// all samples agree and are non-zero.
func (w *Watcher) stableSize(path string) bool {
	var sizes [stabilityReads]int64
	for i := range sizes {
		info, err := os.Stat(path)
		if err != nil {
			return false
		}
		sizes[i] = info.Size()
		<-w.clk.After(w.stabilityDelay)
	}
	return sizes[0] == sizes[1] && sizes[1] == sizes[2] && sizes[0] > 0
}

// upload pushes one file, retrying per the policy. The file is re-read
// for every attempt so a replaced file never goes out with stale bytes.
func (w *Watcher) upload(ctx context.Context, path, hash string) (*backend.FolderUploadResponse, error) {
	name := filepath.Base(path)
	mime := mimeByExtension(path)

	var lastError string
	for attempt := 0; attempt < w.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			w.wait(w.retry.BaseDelay << uint(attempt-1))
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}

		resp, err := w.backend.FolderUpload(ctx, backend.FolderFile{
			Path: path,
			Name: name,
			MIME: mime,
			Hash: hash,
			Data: data,
		})
		if err == nil {
			return resp, nil
		}

		var se *backend.StatusError
		var ue *url.Error
		switch {
		case errors.As(err, &se) && se.Code == http.StatusTooManyRequests:
			lastError = "Rate-Limit erreicht"
			w.wait(w.retry.On429Delay)
		case errors.As(err, &se):
			lastError = se.Body
		case errors.As(err, &ue):
			lastError = err.Error()
		default:
			// The server accepted the upload but answered garbage;
			// retrying will not improve that.
			return nil, err
		}
	}
	return nil, fmt.Errorf("Upload fehlgeschlagen nach %d Versuchen: %s", w.retry.MaxAttempts, lastError)
}

func (w *Watcher) wait(d time.Duration) {
	if w.retry.Jitter > 0 {
		d += rand.N(w.retry.Jitter)
	}
	<-w.clk.After(d)
}

// postAction disposes of a handled file per configuration.
func (w *Watcher) postAction(path string) error {
	switch w.cfg.PostUploadAction {
	case ActionMove:
		dir := filepath.Join(filepath.Dir(path), "uploaded")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		dest := filepath.Join(dir, filepath.Base(path))
		if _, err := os.Lstat(dest); err == nil {
			return fmt.Errorf("Zieldatei existiert bereits: %s", dest)
		}
		if err := os.Rename(path, dest); err != nil {
			return err
		}
		w.log.Info("file moved", "dest", dest)
	case ActionDelete:
		if err := os.Remove(path); err != nil {
			return err
		}
		w.log.Info("file deleted", "file", path)
	case ActionKeep:
	}
	return nil
}

func (w *Watcher) recordFileError(path string, err error) {
	w.mu.Lock()
	w.status.Errors++
	w.status.LastError = filepath.Base(path) + ": " + err.Error()
	w.mu.Unlock()
	metrics.FolderErrors.Inc()
	w.log.Error("file processing failed", "file", path, "error", err)
	w.bus.Publish(events.Event{
		Type:      events.EventFolderError,
		File:      filepath.Base(path),
		Message:   err.Error(),
		Timestamp: w.clk.Now(),
	})
}

func (w *Watcher) hashKnown(hash string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.knownHashes[hash]
	return ok
}

func (w *Watcher) rememberHash(hash string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.knownHashes[hash] = struct{}{}
}

// report pushes the periodic telemetry. Delivery is best effort.
func (w *Watcher) report(ctx context.Context) {
	st := w.Status()
	err := w.backend.ReportFolderStatus(ctx, backend.SyncReport{
		FolderSyncEnabled: w.cfg.Enabled,
		WatchedFolder:     w.cfg.WatchPath,
		FilesUploaded:     st.FilesUploaded,
		Errors:            st.Errors,
		LastSyncAt:        st.LastUpload,
	})
	if err != nil {
		w.log.Debug("sync status not delivered", "error", err)
	}
}

// finalReport tells the backend the sync is off. It runs once after the
// loop has drained, on a short budget so shutdown stays snappy.
func (w *Watcher) finalReport() {
	ctx, cancel := context.WithTimeout(context.Background(), finalReportTimeout)
	defer cancel()

	st := w.Status()
	err := w.backend.ReportFolderStatus(ctx, backend.SyncReport{
		FolderSyncEnabled: false,
		WatchedFolder:     w.cfg.WatchPath,
		FilesUploaded:     st.FilesUploaded,
		Errors:            st.Errors,
	})
	if err != nil {
		w.log.Debug("final sync status not delivered", "error", err)
	}
}

func fileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func mimeByExtension(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return "application/pdf"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".tiff", ".tif":
		return "image/tiff"
	default:
		return "application/octet-stream"
	}
}
