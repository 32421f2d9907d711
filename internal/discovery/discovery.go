// Package discovery finds eSCL-capable scanners on the local network.
// mDNS/Bonjour is the primary method; a subnet probe sweep is the
// fallback when mDNS finds nothing.
package discovery

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/docflow/scanner-bridge/internal/clock"
	"github.com/docflow/scanner-bridge/internal/logging"
	"github.com/docflow/scanner-bridge/internal/metrics"
)

// Scanner is a discovered scanning device.
type Scanner struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	Manufacturer    string       `json:"manufacturer"`
	Model           string       `json:"model"`
	IP              string       `json:"ip"`
	Port            int          `json:"port"`
	UseTLS          bool         `json:"use_tls"`
	Protocols       []string     `json:"protocols"`
	Capabilities    Capabilities `json:"capabilities"`
	DiscoveryMethod string       `json:"discovery_method"`
	// RSPath is the eSCL resource path from the mDNS "rs" TXT record
	// (e.g. "eSCL", "eSCL2").
	RSPath string `json:"rs_path"`
}

// Capabilities describes what a scanner can do, as far as discovery can
// tell without asking the device.
type Capabilities struct {
	Duplex        bool     `json:"duplex"`
	ADF           bool     `json:"adf"`
	Flatbed       bool     `json:"flatbed"`
	MaxResolution int      `json:"max_resolution"`
	ColorModes    []string `json:"color_modes"`
	Formats       []string `json:"formats"`
}

// Observation is a single raw mDNS sighting, before arbitration.
type Observation struct {
	Scanner Scanner
	// ESCL marks sightings from the _uscan/_uscans service types as
	// opposed to the generic _scanner type.
	ESCL bool
}

// Options tunes the discovery engine. Zero values fall back to the
// defaults below.
type Options struct {
	Window       time.Duration // per-service mDNS browse window
	ProbeTimeout time.Duration // per host/port probe during the sweep
	SweepTimeout time.Duration // whole subnet sweep
}

// Engine runs discoveries. Safe for sequential reuse; the agent
// serialises runs.
type Engine struct {
	log *logging.Logger
	clk clock.Clock

	window       time.Duration
	sweepTimeout time.Duration

	browse      browseFunc
	sweepFn     func(ctx context.Context) []Scanner
	probeClient *http.Client

	// Native supplies platform scanners (USB etc.) to merge into the
	// result. Nil means none.
	Native func() []Scanner
}

// New creates an Engine with the given options.
func New(log *logging.Logger, clk clock.Clock, opts Options) *Engine {
	if opts.Window <= 0 {
		opts.Window = 5 * time.Second
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 2 * time.Second
	}
	if opts.SweepTimeout <= 0 {
		opts.SweepTimeout = 30 * time.Second
	}
	e := &Engine{
		log:          log,
		clk:          clk,
		window:       opts.Window,
		sweepTimeout: opts.SweepTimeout,
		browse:       zeroconfBrowse,
		probeClient: &http.Client{
			Timeout:   opts.ProbeTimeout,
			Transport: insecureTransport(),
		},
	}
	e.sweepFn = e.sweep
	return e
}

// DiscoverAll runs mDNS discovery and, when that finds nothing, the
// subnet probe sweep. Per-phase failures are logged, not fatal: the
// worst case is an empty result.
func (e *Engine) DiscoverAll(ctx context.Context) []Scanner {
	start := e.clk.Now()

	scanners := Arbitrate(e.browseAll(ctx))
	if len(scanners) == 0 {
		e.log.Info("mdns found no scanners, probing subnet")
		scanners = e.sweepFn(ctx)
	}
	if e.Native != nil {
		scanners = append(scanners, e.Native()...)
	}
	scanners = mergeByIP(scanners)

	elapsed := e.clk.Since(start)
	metrics.DiscoveryDuration.Observe(elapsed.Seconds())
	metrics.ScannersDiscovered.Set(float64(len(scanners)))
	e.log.Info("discovery complete", "scanners", len(scanners), "elapsed", elapsed)
	return scanners
}

// Arbitrate reduces raw mDNS observations to one Scanner per device.
// It is a pure function over the complete observation list, so the
// result does not depend on event arrival order: generic sightings of
// hosts that also appeared via eSCL are dropped, then sightings are
// deduplicated by scanner ID keeping the better-scored endpoint.
func Arbitrate(obs []Observation) []Scanner {
	esclIPs := make(map[string]bool)
	for _, o := range obs {
		if o.ESCL {
			esclIPs[o.Scanner.IP] = true
		}
	}

	byID := make(map[string]Scanner)
	for _, o := range obs {
		if !o.ESCL && esclIPs[o.Scanner.IP] {
			continue
		}
		s := o.Scanner
		existing, ok := byID[s.ID]
		if !ok || better(s, existing) {
			byID[s.ID] = s
		}
	}

	out := make([]Scanner, 0, len(byID))
	for _, s := range byID {
		out = append(out, s)
	}
	sortScanners(out)
	return out
}

// Score rates how attractive a scanner endpoint is: TLS over plaintext,
// well-known ports over exotic ones, IPv4 over link-local IPv6.
func Score(s Scanner) int {
	score := 0
	if s.UseTLS {
		score += 20
	}
	switch s.Port {
	case 443:
		score += 15
	case 80:
		score += 10
	case 8080:
		score += 5
	}
	if !strings.Contains(s.IP, ":") {
		score += 3
	} else if strings.HasPrefix(strings.ToLower(s.IP), "fe80:") {
		score -= 3
	}
	return score
}

// better is a total order so that arbitration stays deterministic even
// between equally scored endpoints.
func better(a, b Scanner) bool {
	sa, sb := Score(a), Score(b)
	if sa != sb {
		return sa > sb
	}
	if a.IP != b.IP {
		return a.IP < b.IP
	}
	if a.Port != b.Port {
		return a.Port < b.Port
	}
	return a.RSPath < b.RSPath
}

// mergeByIP collapses scanners sharing a host to the better endpoint.
func mergeByIP(scanners []Scanner) []Scanner {
	byIP := make(map[string]Scanner, len(scanners))
	for _, s := range scanners {
		existing, ok := byIP[s.IP]
		if !ok || better(s, existing) {
			byIP[s.IP] = s
		}
	}
	out := make([]Scanner, 0, len(byIP))
	for _, s := range byIP {
		out = append(out, s)
	}
	sortScanners(out)
	return out
}

func sortScanners(scanners []Scanner) {
	sort.Slice(scanners, func(i, j int) bool {
		if scanners[i].Name != scanners[j].Name {
			return scanners[i].Name < scanners[j].Name
		}
		return scanners[i].ID < scanners[j].ID
	})
}

// manufacturerFromModel guesses the vendor from a model string.
func manufacturerFromModel(model string) string {
	lower := strings.ToLower(model)
	known := []struct{ key, name string }{
		{"hp", "HP"},
		{"hewlett", "HP"},
		{"canon", "Canon"},
		{"brother", "Brother"},
		{"epson", "Epson"},
		{"samsung", "Samsung"},
		{"xerox", "Xerox"},
		{"lexmark", "Lexmark"},
		{"ricoh", "Ricoh"},
		{"kyocera", "Kyocera"},
		{"konica", "Konica Minolta"},
	}
	for _, m := range known {
		if strings.Contains(lower, m.key) {
			return m.name
		}
	}
	return "Unknown"
}
