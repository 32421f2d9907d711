// Package poller drives the pull side of scan dispatch: it polls
// DocFlow for pending scan commands, executes them against local
// scanners and uploads the results.
package poller

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/docflow/scanner-bridge/internal/backend"
	"github.com/docflow/scanner-bridge/internal/clock"
	"github.com/docflow/scanner-bridge/internal/discovery"
	"github.com/docflow/scanner-bridge/internal/escl"
	"github.com/docflow/scanner-bridge/internal/events"
	"github.com/docflow/scanner-bridge/internal/logging"
	"github.com/docflow/scanner-bridge/internal/metrics"
)

// DefaultInterval is the pause between poll cycles.
const DefaultInterval = 2 * time.Second

// Registry resolves a scanner id to its connection details. The agent's
// scanner registry satisfies this.
type Registry interface {
	Find(id string) (discovery.Scanner, bool)
}

// Status is a snapshot of the poller loop for the shell.
type Status struct {
	Running       bool   `json:"running"`
	LastPoll      string `json:"last_poll,omitempty"`
	JobsProcessed int    `json:"jobs_processed"`
	LastError     string `json:"last_error,omitempty"`
}

// Poller is the long-lived scan dispatch loop. Create with New, launch
// with Start, end with Stop. A stopped Poller cannot be restarted; the
// agent builds a fresh one on re-pairing.
type Poller struct {
	log      *logging.Logger
	clk      clock.Clock
	backend  *backend.Client
	scanner  *escl.Client
	registry Registry
	bus      *events.Bus
	interval time.Duration

	mu     sync.Mutex
	status Status

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates a Poller bound to one backend client and scanner registry.
// An interval of zero means DefaultInterval.
func New(log *logging.Logger, clk clock.Clock, be *backend.Client, reg Registry, bus *events.Bus, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller{
		log:      log,
		clk:      clk,
		backend:  be,
		scanner:  escl.New(log, clk),
		registry: reg,
		bus:      bus,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the polling loop in its own goroutine.
func (p *Poller) Start() {
	p.mu.Lock()
	p.status.Running = true
	p.mu.Unlock()
	go p.run()
}

// Stop ends the loop and waits for the current iteration to drain. An
// in-flight scan or upload completes or times out on its own budget;
// there is no hard kill.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	<-p.done
}

// Status returns a copy of the loop's current state.
func (p *Poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Poller) run() {
	defer close(p.done)
	defer func() {
		p.mu.Lock()
		p.status.Running = false
		p.mu.Unlock()
		p.log.Info("scan poller stopped")
	}()

	p.log.Info("scan poller started", "interval", p.interval)
	for {
		select {
		case <-p.stop:
			return
		default:
		}

		p.cycle(context.Background())

		select {
		case <-p.stop:
			return
		case <-p.clk.After(p.interval):
		}
	}
}

// cycle is one poll: fetch pending commands and process them in order
// of arrival.
func (p *Poller) cycle(ctx context.Context) {
	jobs, err := p.backend.PendingScans(ctx)
	if err != nil {
		p.recordPollError(err)
		return
	}

	p.mu.Lock()
	p.status.LastPoll = p.clk.Now().UTC().Format(time.RFC3339)
	p.status.LastError = ""
	p.mu.Unlock()

	for _, job := range jobs {
		p.process(ctx, job)
	}
}

func (p *Poller) recordPollError(err error) {
	p.mu.Lock()
	p.status.LastError = err.Error()
	p.mu.Unlock()
	metrics.PollErrors.Inc()

	// 401 means the key is revoked or not yet propagated, usually
	// while the operator re-pairs. Expected, so kept out of the log.
	var se *backend.StatusError
	if errors.As(err, &se) && se.Code == http.StatusUnauthorized {
		return
	}
	p.log.Warn("poll failed", "error", err)
}

// process executes one command end to end. Failures turn into error
// reports; only a successful upload counts as processed.
func (p *Poller) process(ctx context.Context, job backend.ScanCommand) {
	p.log.Info("scan job received", "job_id", job.JobID, "scanner_id", job.ScannerID)
	p.publish(events.EventScanStarted, job, "")

	data, reason, err := p.executeScan(ctx, job)
	if err != nil {
		p.fail(ctx, job, reason, err)
		return
	}

	if err := p.backend.UploadScan(ctx, job.JobID, data); err != nil {
		p.fail(ctx, job, "upload", err)
		return
	}

	p.mu.Lock()
	p.status.JobsProcessed++
	p.mu.Unlock()
	metrics.JobsProcessed.Inc()
	p.log.Info("scan uploaded", "job_id", job.JobID, "bytes", len(data))
	p.publish(events.EventScanUploaded, job, "")
}

// executeScan resolves the scanner and runs the eSCL job. It returns
// the first page's bytes only; multi-page reassembly is the backend's
// job. The middle return value is the failure reason label.
func (p *Poller) executeScan(ctx context.Context, job backend.ScanCommand) ([]byte, string, error) {
	sc, ok := p.registry.Find(job.ScannerID)
	if !ok {
		return nil, "scanner_not_found", fmt.Errorf("Scanner '%s' nicht gefunden", job.ScannerID)
	}

	target := escl.Target{IP: sc.IP, Port: sc.Port, UseTLS: sc.UseTLS, RSPath: sc.RSPath}
	settings := escl.Settings{
		Resolution: job.Resolution,
		ColorMode:  job.ColorMode,
		Source:     job.Source,
		Duplex:     job.Duplex,
		Format:     job.Format,
	}

	p.log.Info("scan starting", "scanner", sc.Name, "ip", sc.IP)
	result, err := p.scanner.Scan(ctx, target, settings)
	if err != nil {
		return nil, "escl", err
	}
	if len(result.Pages) == 0 {
		return nil, "no_pages", errors.New("Keine Seiten gescannt")
	}

	first := result.Pages[0]
	p.log.Info("scan finished", "pages", len(result.Pages), "bytes", first.SizeBytes)
	return first.Data, "", nil
}

func (p *Poller) fail(ctx context.Context, job backend.ScanCommand, reason string, err error) {
	metrics.ScanFailures.WithLabelValues(reason).Inc()
	p.log.Error("scan job failed", "job_id", job.JobID, "error", err)
	if rerr := p.backend.ReportScanError(ctx, job.JobID, err.Error()); rerr != nil {
		p.log.Debug("error report not delivered", "job_id", job.JobID, "error", rerr)
	}
	p.publish(events.EventScanFailed, job, err.Error())
}

func (p *Poller) publish(typ events.EventType, job backend.ScanCommand, message string) {
	p.bus.Publish(events.Event{
		Type:      typ,
		Scanner:   job.ScannerID,
		JobID:     job.JobID,
		Message:   message,
		Timestamp: p.clk.Now(),
	})
}
