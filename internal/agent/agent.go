// Package agent owns the bridge's state and supervises the long-lived
// subsystems: one scan poller and at most one folder watcher. All shell
// and API operations go through it.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/docflow/scanner-bridge/internal/backend"
	"github.com/docflow/scanner-bridge/internal/clock"
	"github.com/docflow/scanner-bridge/internal/discovery"
	"github.com/docflow/scanner-bridge/internal/events"
	"github.com/docflow/scanner-bridge/internal/logging"
	"github.com/docflow/scanner-bridge/internal/pairing"
	"github.com/docflow/scanner-bridge/internal/poller"
	"github.com/docflow/scanner-bridge/internal/vault"
	"github.com/docflow/scanner-bridge/internal/watcher"
)

// ErrNotConnected is returned by operations that need a paired bridge.
// The message is operator-facing.
var ErrNotConnected = errors.New("Nicht mit DocFlow verbunden")

// Discoverer runs one discovery pass. *discovery.Engine satisfies it.
type Discoverer interface {
	DiscoverAll(ctx context.Context) []discovery.Scanner
}

// Options wires an Agent. Zero durations fall back to the subsystem
// defaults.
type Options struct {
	Version      string
	PollInterval time.Duration
	Watcher      watcher.Options
}

// Agent is the supervisor behind the shell API.
type Agent struct {
	log    *logging.Logger
	clk    clock.Clock
	store  vault.Store
	bus    *events.Bus
	finder Discoverer
	pairer *pairing.Client

	pollInterval time.Duration
	watchOpts    watcher.Options

	mu    sync.RWMutex
	st    state
	be    *backend.Client
	poll  *poller.Poller
	watch *watcher.Watcher

	// discoverMu serialises discovery runs; concurrent shell clicks
	// queue up instead of racing the registry.
	discoverMu sync.Mutex
}

// New creates an Agent. Call Boot afterwards to restore a previous
// session from the vault.
func New(log *logging.Logger, clk clock.Clock, store vault.Store, bus *events.Bus, finder Discoverer, opts Options) *Agent {
	a := &Agent{
		log:          log,
		clk:          clk,
		store:        store,
		bus:          bus,
		finder:       finder,
		pairer:       pairing.New(log, store, opts.Version),
		pollInterval: opts.PollInterval,
		watchOpts:    opts.Watcher,
	}
	a.st.status.Version = opts.Version
	return a
}

// Boot restores a previous session: stored credentials bring the poller
// back, a stored folder config brings the watcher back. A vault miss is
// a fresh install, not an error.
func (a *Agent) Boot() {
	key, err := a.store.Get(vault.NameAPIKey)
	if err != nil {
		if !errors.Is(err, vault.ErrNotFound) {
			a.log.Warn("vault read failed", "name", vault.NameAPIKey, "error", err)
		}
		return
	}
	url, err := a.store.Get(vault.NameDocFlowURL)
	if err != nil {
		if !errors.Is(err, vault.ErrNotFound) {
			a.log.Warn("vault read failed", "name", vault.NameDocFlowURL, "error", err)
		}
		return
	}

	a.connect(key, url)
	a.log.Info("connection restored", "docflow_url", url)

	a.mu.RLock()
	be := a.be
	a.mu.RUnlock()
	go func() {
		// Rejections can be transient, so a failed check only warns.
		if !be.CheckStatus(context.Background()) {
			a.log.Warn("stored api key not accepted, re-pairing may be required")
		}
	}()

	raw, err := a.store.Get(vault.NameFolderConfig)
	if err != nil {
		if !errors.Is(err, vault.ErrNotFound) {
			a.log.Warn("vault read failed", "name", vault.NameFolderConfig, "error", err)
		}
		return
	}
	var cfg watcher.Config
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		a.log.Warn("stored folder config unreadable", "error", err)
		return
	}
	if !cfg.Enabled {
		return
	}
	if info, err := os.Stat(cfg.WatchPath); err != nil || !info.IsDir() {
		a.log.Warn("stored watch folder missing, sync not restored", "path", cfg.WatchPath)
		return
	}
	a.startWatcher(cfg)
	a.log.Info("folder sync restored", "path", cfg.WatchPath)
}

// Pair exchanges a pairing code for credentials and starts a fresh scan
// poller. userURL is only consulted for manual codes.
func (a *Agent) Pair(ctx context.Context, code, userURL string) error {
	creds, err := a.pairer.Pair(ctx, code, userURL)
	if err != nil {
		return err
	}

	a.mu.Lock()
	prev := a.poll
	a.poll = nil
	a.mu.Unlock()
	if prev != nil {
		prev.Stop()
	}

	a.connect(creds.APIKey, creds.DocFlowURL)

	a.bus.Publish(events.Event{
		Type:      events.EventPaired,
		Message:   creds.TenantName,
		Timestamp: a.clk.Now(),
	})
	return nil
}

// Disconnect stops both subsystems, clears the in-memory credentials
// and removes them from the vault. The folder config stays so a later
// pairing can pick the sync back up.
func (a *Agent) Disconnect() {
	a.stopSubsystems()

	a.mu.Lock()
	a.st = disconnected(a.st)
	a.be = nil
	a.mu.Unlock()

	if err := a.store.Delete(vault.NameAPIKey); err != nil && !errors.Is(err, vault.ErrNotFound) {
		a.log.Warn("deleting api key failed", "error", err)
	}
	if err := a.store.Delete(vault.NameDocFlowURL); err != nil && !errors.Is(err, vault.ErrNotFound) {
		a.log.Debug("deleting docflow url failed", "error", err)
	}

	a.bus.Publish(events.Event{Type: events.EventDisconnected, Timestamp: a.clk.Now()})
	a.log.Info("disconnected from docflow")
}

// Discover runs one discovery, replaces the registry and, when
// connected, advertises the result to the backend.
func (a *Agent) Discover(ctx context.Context) []discovery.Scanner {
	a.discoverMu.Lock()
	defer a.discoverMu.Unlock()

	scanners := a.finder.DiscoverAll(ctx)

	a.mu.Lock()
	a.st = discovered(a.st, scanners, a.clk.Now().UTC().Format(time.RFC3339))
	be := a.be
	a.mu.Unlock()

	if be != nil {
		if err := be.PushScanners(ctx, scanners); err != nil {
			a.log.Warn("pushing scanners to docflow failed", "error", err)
		}
	}

	a.bus.Publish(events.Event{
		Type:      events.EventScannerDiscovery,
		Message:   fmt.Sprintf("found %d scanners", len(scanners)),
		Timestamp: a.clk.Now(),
	})
	return scanners
}

// ConfigureFolderSync validates, persists and starts folder sync,
// replacing any running watcher. Shell action strings are forgiving:
// "delete" and "keep" select those actions, anything else means
// move-to-subfolder.
func (a *Agent) ConfigureFolderSync(watchPath, postAction string) error {
	a.mu.RLock()
	connected := a.st.status.Connected
	a.mu.RUnlock()
	if !connected {
		return ErrNotConnected
	}

	if info, err := os.Stat(watchPath); err != nil || !info.IsDir() {
		return fmt.Errorf("Ordner existiert nicht: %s", watchPath)
	}

	a.stopWatcher()

	action := watcher.ActionMove
	switch postAction {
	case "delete":
		action = watcher.ActionDelete
	case "keep":
		action = watcher.ActionKeep
	}

	cfg := watcher.Config{Enabled: true, WatchPath: watchPath, PostUploadAction: action}
	a.persistFolderConfig(cfg)
	a.startWatcher(cfg)
	a.log.Info("folder sync configured", "path", watchPath, "action", action)
	return nil
}

// StopFolderSync stops the watcher and flips the persisted config to
// disabled so the next boot does not resurrect it.
func (a *Agent) StopFolderSync() {
	a.stopWatcher()

	raw, err := a.store.Get(vault.NameFolderConfig)
	if err != nil {
		return
	}
	var cfg watcher.Config
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return
	}
	cfg.Enabled = false
	a.persistFolderConfig(cfg)
	a.log.Info("folder sync stopped")
}

// FolderSyncStatus returns the watcher's live counters, or a zero
// status when no watcher exists.
func (a *Agent) FolderSyncStatus() watcher.Status {
	a.mu.RLock()
	w := a.watch
	a.mu.RUnlock()
	if w == nil {
		return watcher.Status{}
	}
	return w.Status()
}

// Status composes the shell-visible snapshot. The live counters come
// from the poller rather than a stale copy.
func (a *Agent) Status() BridgeStatus {
	a.mu.RLock()
	st := a.st.status
	p := a.poll
	a.mu.RUnlock()

	if p != nil {
		ps := p.Status()
		st.PollerActive = ps.Running
		st.JobsProcessed = ps.JobsProcessed
	}
	return st
}

// Scanners returns the current registry.
func (a *Agent) Scanners() []discovery.Scanner {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]discovery.Scanner(nil), a.st.scanners...)
}

// Find looks a scanner up by ID; the poller uses this view of the
// registry.
func (a *Agent) Find(id string) (discovery.Scanner, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, s := range a.st.scanners {
		if s.ID == id {
			return s, true
		}
	}
	return discovery.Scanner{}, false
}

// Shutdown stops the subsystems and waits for them to drain. State and
// vault are left alone; the next boot restores the session.
func (a *Agent) Shutdown() {
	a.stopSubsystems()
	a.log.Info("agent stopped")
}

// connect installs credentials and starts a poller against them.
func (a *Agent) connect(apiKey, docflowURL string) {
	be := backend.New(docflowURL, apiKey)
	p := poller.New(a.log, a.clk, be, a, a.bus, a.pollInterval)

	a.mu.Lock()
	a.st = paired(a.st, apiKey, docflowURL)
	a.be = be
	a.poll = p
	a.mu.Unlock()

	p.Start()
}

func (a *Agent) startWatcher(cfg watcher.Config) {
	a.mu.Lock()
	w := watcher.New(a.log, a.clk, a.be, a.bus, cfg, a.watchOpts)
	a.watch = w
	a.st = folderSyncStarted(a.st, cfg.WatchPath)
	a.mu.Unlock()

	w.Start()
}

func (a *Agent) stopWatcher() {
	a.mu.Lock()
	w := a.watch
	a.watch = nil
	a.st = folderSyncStopped(a.st)
	a.mu.Unlock()

	if w != nil {
		w.Stop()
	}
}

// stopSubsystems takes both handles and stops them outside the lock;
// draining an in-flight upload must not block Status readers.
func (a *Agent) stopSubsystems() {
	a.mu.Lock()
	p, w := a.poll, a.watch
	a.poll, a.watch = nil, nil
	a.mu.Unlock()

	if p != nil {
		p.Stop()
	}
	if w != nil {
		w.Stop()
	}
}

func (a *Agent) persistFolderConfig(cfg watcher.Config) {
	b, err := json.Marshal(cfg)
	if err != nil {
		return
	}
	if err := a.store.Put(vault.NameFolderConfig, string(b)); err != nil {
		a.log.Warn("storing folder config failed", "error", err)
	}
}
