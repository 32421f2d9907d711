package watcher

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docflow/scanner-bridge/internal/backend"
	"github.com/docflow/scanner-bridge/internal/clock"
	"github.com/docflow/scanner-bridge/internal/events"
	"github.com/docflow/scanner-bridge/internal/logging"
)

type uploadRecord struct {
	filename string
	mimeType string
	hash     string
	origPath string
	data     []byte
}

// fakeBackend serves the folder-upload and folder-sync-status endpoints.
// The plan queue forces one status code per upload; when it runs dry the
// upload succeeds.
type fakeBackend struct {
	srv *httptest.Server

	mu        sync.Mutex
	uploads   []uploadRecord
	reports   []map[string]json.RawMessage
	plan      []int
	duplicate bool
}

func newFakeBackend(t *testing.T) *fakeBackend {
	fb := &fakeBackend{}
	fb.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/scanner/bridge/folder-upload":
			if err := r.ParseMultipartForm(64 << 20); err != nil {
				t.Errorf("parse multipart: %v", err)
				http.Error(w, "bad form", http.StatusBadRequest)
				return
			}
			fh := r.MultipartForm.File["file"][0]
			f, err := fh.Open()
			if err != nil {
				t.Errorf("open file part: %v", err)
				return
			}
			data, _ := io.ReadAll(f)
			f.Close()

			fb.mu.Lock()
			fb.uploads = append(fb.uploads, uploadRecord{
				filename: fh.Filename,
				mimeType: fh.Header.Get("Content-Type"),
				hash:     r.FormValue("file_hash"),
				origPath: r.FormValue("original_path"),
				data:     data,
			})
			code := http.StatusOK
			if len(fb.plan) > 0 {
				code = fb.plan[0]
				fb.plan = fb.plan[1:]
			}
			dup := fb.duplicate
			fb.mu.Unlock()

			if code != http.StatusOK {
				http.Error(w, "kaputt", code)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"success":true,"job_id":7,"filename":%q,"file_size_mb":0.1,"duplicate":%t,"message":"angenommen"}`,
				fh.Filename, dup)
		case "/api/scanner/bridge/folder-sync-status":
			var m map[string]json.RawMessage
			if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
				t.Errorf("decode sync status: %v", err)
			}
			fb.mu.Lock()
			fb.reports = append(fb.reports, m)
			fb.mu.Unlock()
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(fb.srv.Close)
	return fb
}

func (fb *fakeBackend) setPlan(codes ...int) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.plan = codes
}

func (fb *fakeBackend) uploadRecords() []uploadRecord {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return append([]uploadRecord(nil), fb.uploads...)
}

func (fb *fakeBackend) reportRecords() []map[string]json.RawMessage {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return append([]map[string]json.RawMessage(nil), fb.reports...)
}

// hookClock returns from After immediately, records every requested
// wait and lets tests mutate files between stability samples.
type hookClock struct {
	mu      sync.Mutex
	waits   []time.Duration
	onAfter func(time.Duration)
}

func (c *hookClock) Now() time.Time                  { return time.Now() }
func (c *hookClock) Since(t time.Time) time.Duration { return time.Since(t) }

func (c *hookClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.waits = append(c.waits, d)
	hook := c.onAfter
	c.mu.Unlock()
	if hook != nil {
		hook(d)
	}
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func (c *hookClock) recorded() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.waits...)
}

func fastOpts() Options {
	return Options{
		Interval:       5 * time.Millisecond,
		StabilityDelay: time.Millisecond,
		Retry:          RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, On429Delay: time.Millisecond},
		TelemetryEvery: 1000,
	}
}

func testWatcher(t *testing.T, fb *fakeBackend, clk clock.Clock, dir string, action Action, opts Options) (*Watcher, *events.Bus) {
	t.Helper()
	log := logging.New(false, "error")
	bus := events.New()
	cfg := Config{Enabled: true, WatchPath: dir, PostUploadAction: action}
	return New(log, clk, backend.New(fb.srv.URL, "key-1"), bus, cfg, opts), bus
}

func writeFile(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func drainTypes(ch <-chan events.Event) map[events.EventType]events.Event {
	got := make(map[events.EventType]events.Event)
	for {
		select {
		case evt := <-ch:
			got[evt.Type] = evt
		default:
			return got
		}
	}
}

func TestSweepUploadsAndMoves(t *testing.T) {
	fb := newFakeBackend(t)
	dir := t.TempDir()
	content := []byte("%PDF-1.4 rechnung")
	path := writeFile(t, dir, "rechnung.pdf", content)

	w, bus := testWatcher(t, fb, clock.Real{}, dir, ActionMove, fastOpts())
	ch, cancel := bus.Subscribe()
	defer cancel()

	w.sweep(context.Background())

	uploads := fb.uploadRecords()
	if len(uploads) != 1 {
		t.Fatalf("uploads = %d, want 1", len(uploads))
	}
	up := uploads[0]
	if up.filename != "rechnung.pdf" {
		t.Errorf("filename = %q, want rechnung.pdf", up.filename)
	}
	if up.mimeType != "application/pdf" {
		t.Errorf("mime = %q, want application/pdf", up.mimeType)
	}
	sum := sha256.Sum256(content)
	if want := hex.EncodeToString(sum[:]); up.hash != want {
		t.Errorf("file_hash = %q, want %q", up.hash, want)
	}
	if up.origPath != path {
		t.Errorf("original_path = %q, want %q", up.origPath, path)
	}
	if !bytes.Equal(up.data, content) {
		t.Errorf("uploaded bytes = %q, want %q", up.data, content)
	}

	if _, err := os.Stat(filepath.Join(dir, "uploaded", "rechnung.pdf")); err != nil {
		t.Errorf("moved file missing: %v", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("original not moved away, stat err = %v", err)
	}

	st := w.Status()
	if st.FilesUploaded != 1 {
		t.Errorf("FilesUploaded = %d, want 1", st.FilesUploaded)
	}
	if st.FilesPending != 1 {
		t.Errorf("FilesPending = %d, want 1", st.FilesPending)
	}
	if st.Errors != 0 {
		t.Errorf("Errors = %d, want 0", st.Errors)
	}
	if st.LastUpload == "" {
		t.Error("LastUpload empty after upload")
	}

	if _, ok := drainTypes(ch)[events.EventFolderUpload]; !ok {
		t.Error("no folder_upload event published")
	}
}

func TestSweepRejectsOversizeFile(t *testing.T) {
	fb := newFakeBackend(t)
	dir := t.TempDir()

	// A sparse file keeps the test cheap; only the stat size matters.
	f, err := os.Create(filepath.Join(dir, "riesig.pdf"))
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Truncate(51 << 20); err != nil {
		t.Fatal(err)
	}
	f.Close()

	w, _ := testWatcher(t, fb, clock.Real{}, dir, ActionMove, fastOpts())
	w.sweep(context.Background())

	if got := len(fb.uploadRecords()); got != 0 {
		t.Errorf("uploads = %d, want 0", got)
	}
	st := w.Status()
	if st.Errors != 1 {
		t.Errorf("Errors = %d, want 1", st.Errors)
	}
	want := "riesig.pdf: Datei zu groß: 51 MB (max 50 MB)"
	if st.LastError != want {
		t.Errorf("LastError = %q, want %q", st.LastError, want)
	}
	if _, err := os.Stat(filepath.Join(dir, "riesig.pdf")); err != nil {
		t.Errorf("oversize file was disposed of: %v", err)
	}
}

func TestSweepSkipsIneligibleEntries(t *testing.T) {
	fb := newFakeBackend(t)
	dir := t.TempDir()
	writeFile(t, dir, "notizen.txt", []byte("kein scan"))
	writeFile(t, dir, "Scan.JPG", []byte("jpegdata"))
	if err := os.Mkdir(filepath.Join(dir, "archiv"), 0o755); err != nil {
		t.Fatal(err)
	}

	w, _ := testWatcher(t, fb, clock.Real{}, dir, ActionMove, fastOpts())
	w.sweep(context.Background())

	uploads := fb.uploadRecords()
	if len(uploads) != 1 {
		t.Fatalf("uploads = %d, want 1", len(uploads))
	}
	if uploads[0].filename != "Scan.JPG" {
		t.Errorf("filename = %q, want Scan.JPG", uploads[0].filename)
	}
	if uploads[0].mimeType != "image/jpeg" {
		t.Errorf("mime = %q, want image/jpeg", uploads[0].mimeType)
	}
	if st := w.Status(); st.FilesPending != 1 {
		t.Errorf("FilesPending = %d, want 1", st.FilesPending)
	}
	if _, err := os.Stat(filepath.Join(dir, "notizen.txt")); err != nil {
		t.Errorf("txt file touched: %v", err)
	}
}

func TestSweepDeduplicatesByHash(t *testing.T) {
	fb := newFakeBackend(t)
	dir := t.TempDir()
	content := []byte("identischer inhalt")
	writeFile(t, dir, "original.pdf", content)
	writeFile(t, dir, "zweitkopie.pdf", content)

	w, _ := testWatcher(t, fb, clock.Real{}, dir, ActionMove, fastOpts())
	w.sweep(context.Background())

	if got := len(fb.uploadRecords()); got != 1 {
		t.Errorf("uploads = %d, want 1", got)
	}
	// Both files must be disposed of, the duplicate without an upload.
	for _, name := range []string{"original.pdf", "zweitkopie.pdf"} {
		if _, err := os.Stat(filepath.Join(dir, "uploaded", name)); err != nil {
			t.Errorf("%s not moved: %v", name, err)
		}
	}
	st := w.Status()
	if st.FilesUploaded != 1 {
		t.Errorf("FilesUploaded = %d, want 1", st.FilesUploaded)
	}
	if st.Errors != 0 {
		t.Errorf("Errors = %d, want 0", st.Errors)
	}
}

func TestSweepSkipsGrowingFile(t *testing.T) {
	fb := newFakeBackend(t)
	dir := t.TempDir()
	path := writeFile(t, dir, "wachsend.pdf", []byte("x"))

	clk := &hookClock{}
	clk.onAfter = func(time.Duration) {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
		if err != nil {
			return
		}
		f.Write([]byte("mehr"))
		f.Close()
	}

	w, _ := testWatcher(t, fb, clk, dir, ActionMove, fastOpts())
	w.sweep(context.Background())

	if got := len(fb.uploadRecords()); got != 0 {
		t.Errorf("uploads = %d, want 0", got)
	}
	st := w.Status()
	if st.Errors != 1 {
		t.Errorf("Errors = %d, want 1", st.Errors)
	}
	want := "wachsend.pdf: Datei nicht stabil (wird noch geschrieben?)"
	if st.LastError != want {
		t.Errorf("LastError = %q, want %q", st.LastError, want)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("growing file was disposed of: %v", err)
	}
}

func TestUploadRetriesWithBackoff(t *testing.T) {
	fb := newFakeBackend(t)
	fb.setPlan(http.StatusInternalServerError, http.StatusInternalServerError)
	dir := t.TempDir()
	writeFile(t, dir, "zäh.pdf", []byte("inhalt"))

	clk := &hookClock{}
	opts := fastOpts()
	opts.Retry = RetryPolicy{MaxAttempts: 3, BaseDelay: 7 * time.Millisecond, On429Delay: 13 * time.Millisecond}
	w, _ := testWatcher(t, fb, clk, dir, ActionMove, opts)

	w.sweep(context.Background())

	if got := len(fb.uploadRecords()); got != 3 {
		t.Fatalf("uploads = %d, want 3", got)
	}
	st := w.Status()
	if st.FilesUploaded != 1 {
		t.Errorf("FilesUploaded = %d, want 1", st.FilesUploaded)
	}
	if st.Errors != 0 {
		t.Errorf("Errors = %d, want 0", st.Errors)
	}
	if _, err := os.Stat(filepath.Join(dir, "uploaded", "zäh.pdf")); err != nil {
		t.Errorf("file not moved after eventual success: %v", err)
	}

	var base, double int
	for _, d := range clk.recorded() {
		switch d {
		case 7 * time.Millisecond:
			base++
		case 14 * time.Millisecond:
			double++
		}
	}
	if base != 1 || double != 1 {
		t.Errorf("backoff waits base=%d double=%d, want 1 and 1", base, double)
	}
}

func TestUploadGivesUpAfterThreeAttempts(t *testing.T) {
	fb := newFakeBackend(t)
	fb.setPlan(http.StatusInternalServerError, http.StatusInternalServerError, http.StatusInternalServerError)
	dir := t.TempDir()
	path := writeFile(t, dir, "kaputt.pdf", []byte("inhalt"))

	w, bus := testWatcher(t, fb, &hookClock{}, dir, ActionMove, fastOpts())
	ch, cancel := bus.Subscribe()
	defer cancel()

	w.sweep(context.Background())

	if got := len(fb.uploadRecords()); got != 3 {
		t.Errorf("uploads = %d, want 3", got)
	}
	st := w.Status()
	if st.FilesUploaded != 0 {
		t.Errorf("FilesUploaded = %d, want 0", st.FilesUploaded)
	}
	if st.Errors != 1 {
		t.Errorf("Errors = %d, want 1", st.Errors)
	}
	want := "kaputt.pdf: Upload fehlgeschlagen nach 3 Versuchen: kaputt"
	if st.LastError != want {
		t.Errorf("LastError = %q, want %q", st.LastError, want)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("failed file was disposed of: %v", err)
	}
	if _, ok := drainTypes(ch)[events.EventFolderError]; !ok {
		t.Error("no folder_error event published")
	}
}

func TestUploadRateLimitPenalty(t *testing.T) {
	fb := newFakeBackend(t)
	fb.setPlan(http.StatusTooManyRequests, http.StatusTooManyRequests, http.StatusTooManyRequests)
	dir := t.TempDir()
	writeFile(t, dir, "limit.pdf", []byte("inhalt"))

	clk := &hookClock{}
	opts := fastOpts()
	opts.Retry = RetryPolicy{MaxAttempts: 3, BaseDelay: 7 * time.Millisecond, On429Delay: 13 * time.Millisecond}
	w, _ := testWatcher(t, fb, clk, dir, ActionMove, opts)

	w.sweep(context.Background())

	st := w.Status()
	want := "limit.pdf: Upload fehlgeschlagen nach 3 Versuchen: Rate-Limit erreicht"
	if st.LastError != want {
		t.Errorf("LastError = %q, want %q", st.LastError, want)
	}

	var penalties int
	for _, d := range clk.recorded() {
		if d == 13*time.Millisecond {
			penalties++
		}
	}
	if penalties != 3 {
		t.Errorf("429 penalty waits = %d, want 3", penalties)
	}
}

func TestSweepReportsUnreadableFolder(t *testing.T) {
	fb := newFakeBackend(t)
	dir := t.TempDir()
	w, _ := testWatcher(t, fb, clock.Real{}, dir, ActionMove, fastOpts())

	if err := os.RemoveAll(dir); err != nil {
		t.Fatal(err)
	}
	w.sweep(context.Background())

	st := w.Status()
	if st.Errors != 1 {
		t.Errorf("Errors = %d, want 1", st.Errors)
	}
	if !strings.HasPrefix(st.LastError, "Ordner nicht lesbar: ") {
		t.Errorf("LastError = %q, want prefix %q", st.LastError, "Ordner nicht lesbar: ")
	}
}

func TestServerDuplicateStillCounts(t *testing.T) {
	fb := newFakeBackend(t)
	fb.duplicate = true
	dir := t.TempDir()
	writeFile(t, dir, "bekannt.pdf", []byte("inhalt"))

	w, _ := testWatcher(t, fb, clock.Real{}, dir, ActionMove, fastOpts())
	w.sweep(context.Background())

	st := w.Status()
	if st.FilesUploaded != 1 {
		t.Errorf("FilesUploaded = %d, want 1", st.FilesUploaded)
	}
	if _, err := os.Stat(filepath.Join(dir, "uploaded", "bekannt.pdf")); err != nil {
		t.Errorf("duplicate not moved: %v", err)
	}
}

func TestKeepActionRehashesWithoutReupload(t *testing.T) {
	fb := newFakeBackend(t)
	dir := t.TempDir()
	path := writeFile(t, dir, "bleibt.pdf", []byte("inhalt"))

	w, _ := testWatcher(t, fb, clock.Real{}, dir, ActionKeep, fastOpts())
	w.sweep(context.Background())
	w.sweep(context.Background())

	if got := len(fb.uploadRecords()); got != 1 {
		t.Errorf("uploads = %d, want 1", got)
	}
	st := w.Status()
	if st.FilesUploaded != 1 {
		t.Errorf("FilesUploaded = %d, want 1", st.FilesUploaded)
	}
	if st.Errors != 0 {
		t.Errorf("Errors = %d, want 0", st.Errors)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("kept file missing: %v", err)
	}
}

func TestDeleteActionRemovesFile(t *testing.T) {
	fb := newFakeBackend(t)
	dir := t.TempDir()
	path := writeFile(t, dir, "weg.pdf", []byte("inhalt"))

	w, _ := testWatcher(t, fb, clock.Real{}, dir, ActionDelete, fastOpts())
	w.sweep(context.Background())

	if _, err := os.Stat(path); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("file still present, stat err = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "uploaded")); !errors.Is(err, fs.ErrNotExist) {
		t.Error("uploaded subfolder created for delete action")
	}
	if st := w.Status(); st.FilesUploaded != 1 {
		t.Errorf("FilesUploaded = %d, want 1", st.FilesUploaded)
	}
}

func TestMoveCollisionFailsFile(t *testing.T) {
	fb := newFakeBackend(t)
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "uploaded"), 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(dir, "uploaded"), "doppelt.pdf", []byte("alt"))
	path := writeFile(t, dir, "doppelt.pdf", []byte("neu"))

	w, _ := testWatcher(t, fb, clock.Real{}, dir, ActionMove, fastOpts())
	w.sweep(context.Background())

	st := w.Status()
	if st.FilesUploaded != 1 {
		t.Errorf("FilesUploaded = %d, want 1", st.FilesUploaded)
	}
	if st.Errors != 1 {
		t.Errorf("Errors = %d, want 1", st.Errors)
	}
	if !strings.Contains(st.LastError, "Zieldatei existiert bereits") {
		t.Errorf("LastError = %q, want collision message", st.LastError)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("source file gone despite collision: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(dir, "uploaded", "doppelt.pdf"))
	if err != nil || string(got) != "alt" {
		t.Errorf("existing target overwritten: %q, %v", got, err)
	}
}

func TestRunMissingFolder(t *testing.T) {
	fb := newFakeBackend(t)
	missing := filepath.Join(t.TempDir(), "fehlt")

	w, _ := testWatcher(t, fb, clock.Real{}, missing, ActionMove, fastOpts())
	w.Start()
	w.Stop()

	st := w.Status()
	if st.Running {
		t.Error("Running = true for missing folder")
	}
	if want := "Ordner nicht gefunden: " + missing; st.LastError != want {
		t.Errorf("LastError = %q, want %q", st.LastError, want)
	}
	if got := len(fb.reportRecords()); got != 0 {
		t.Errorf("reports = %d, want 0 when the loop never started", got)
	}
}

func TestStartStopReportsFinalStatus(t *testing.T) {
	fb := newFakeBackend(t)
	dir := t.TempDir()
	writeFile(t, dir, "brief.pdf", []byte("inhalt"))

	w, _ := testWatcher(t, fb, clock.Real{}, dir, ActionMove, fastOpts())
	w.Start()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if w.Status().FilesUploaded >= 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if w.Status().FilesUploaded < 1 {
		t.Fatal("no upload before deadline")
	}

	w.Stop()

	if w.Status().Running {
		t.Error("Running = true after Stop")
	}

	reports := fb.reportRecords()
	if len(reports) < 2 {
		t.Fatalf("reports = %d, want at least 2", len(reports))
	}
	first := reports[0]
	if string(first["folder_sync_enabled"]) != "true" {
		t.Errorf("first report enabled = %s, want true", first["folder_sync_enabled"])
	}
	final := reports[len(reports)-1]
	if string(final["folder_sync_enabled"]) != "false" {
		t.Errorf("final report enabled = %s, want false", final["folder_sync_enabled"])
	}
	if _, ok := final["last_sync_at"]; ok {
		t.Error("final report carries last_sync_at")
	}
	var folder string
	if err := json.Unmarshal(final["watched_folder"], &folder); err != nil || folder != dir {
		t.Errorf("watched_folder = %q, want %q", folder, dir)
	}
	if string(final["files_uploaded"]) != "1" {
		t.Errorf("files_uploaded = %s, want 1", final["files_uploaded"])
	}
}
