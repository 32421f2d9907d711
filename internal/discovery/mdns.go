package discovery

import (
	"context"
	"fmt"
	"strings"

	"github.com/grandcat/zeroconf"
)

const mdnsDomain = "local."

// serviceType is one mDNS service we browse for. Order is priority:
// eSCL over the generic scanner type.
type serviceType struct {
	name string
	escl bool
	tls  bool
}

var mdnsServiceTypes = []serviceType{
	{name: "_uscan._tcp", escl: true},             // eSCL over HTTP
	{name: "_uscans._tcp", escl: true, tls: true}, // eSCL over HTTPS
	{name: "_scanner._tcp"},                       // generic scanner
}

// mdnsEntry is a resolved mDNS service stripped down to what discovery
// needs. Keeping zeroconf types out of the arbitration path makes the
// engine testable with fabricated entries.
type mdnsEntry struct {
	Instance string
	IP       string
	Port     int
	Text     []string
}

type browseFunc func(ctx context.Context, service string) ([]mdnsEntry, error)

// browseAll browses every service type for one window each and returns
// the raw observations for arbitration.
func (e *Engine) browseAll(ctx context.Context) []Observation {
	var obs []Observation
	for _, st := range mdnsServiceTypes {
		if ctx.Err() != nil {
			break
		}
		bctx, cancel := context.WithTimeout(ctx, e.window)
		entries, err := e.browse(bctx, st.name)
		cancel()
		if err != nil {
			e.log.Warn("mdns browse failed", "service", st.name, "error", err)
			continue
		}
		for _, en := range entries {
			s := e.scannerFromEntry(en, st)
			obs = append(obs, Observation{Scanner: s, ESCL: st.escl})
		}
	}
	return obs
}

// zeroconfBrowse browses one service type until ctx expires and
// collects every resolved entry that carries an address.
func zeroconfBrowse(ctx context.Context, service string) ([]mdnsEntry, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("create mdns resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry, 32)
	var out []mdnsEntry
	done := make(chan struct{})
	go func() {
		defer close(done)
		for en := range entries {
			ip := firstAddr(en)
			if ip == "" {
				continue
			}
			out = append(out, mdnsEntry{
				Instance: en.Instance,
				IP:       ip,
				Port:     en.Port,
				Text:     en.Text,
			})
		}
	}()

	if err := resolver.Browse(ctx, service, mdnsDomain, entries); err != nil {
		return nil, fmt.Errorf("browse %s: %w", service, err)
	}
	// zeroconf closes the entries channel once ctx is done.
	<-done
	return out, nil
}

func firstAddr(en *zeroconf.ServiceEntry) string {
	if len(en.AddrIPv4) > 0 {
		return en.AddrIPv4[0].String()
	}
	if len(en.AddrIPv6) > 0 {
		return en.AddrIPv6[0].String()
	}
	return ""
}

// scannerFromEntry builds a Scanner from one resolved mDNS service.
func (e *Engine) scannerFromEntry(en mdnsEntry, st serviceType) Scanner {
	txt := parseTXT(en.Text)

	model, ok := txt["ty"]
	if !ok {
		model, ok = txt["product"]
	}
	if !ok {
		model = en.Instance
	}

	id, ok := txt["uuid"]
	if !ok {
		id = fmt.Sprintf("%s:%d", en.IP, en.Port)
	}

	duplex := false
	if v, ok := txt["duplex"]; ok {
		switch strings.ToLower(v) {
		case "t", "true", "1":
			duplex = true
		}
	}

	// "is" lists input sources, e.g. "adf,platen". An absent or empty
	// value still means a flatbed in practice.
	sources := strings.ToLower(txt["is"])
	adf := strings.Contains(sources, "adf") || strings.Contains(sources, "feeder")
	flatbed := strings.Contains(sources, "platen") || sources == ""

	rsPath := "eSCL"
	if v, ok := txt["rs"]; ok {
		rsPath = strings.TrimLeft(v, "/")
	}

	e.log.Debug("scanner discovered", "model", model, "ip", en.IP, "port", en.Port, "rs", rsPath)

	return Scanner{
		ID:           id,
		Name:         model,
		Manufacturer: manufacturerFromModel(model),
		Model:        model,
		IP:           en.IP,
		Port:         en.Port,
		UseTLS:       st.tls,
		Protocols:    []string{"escl"},
		Capabilities: Capabilities{
			Duplex:        duplex,
			ADF:           adf,
			Flatbed:       flatbed,
			MaxResolution: 600,
			ColorModes:    []string{"RGB24", "Grayscale8"},
			Formats:       []string{"application/pdf", "image/jpeg"},
		},
		DiscoveryMethod: "mdns",
		RSPath:          rsPath,
	}
}

// parseTXT turns DNS-SD TXT records into a key/value map. Keys are
// case-insensitive; the first occurrence of a key wins.
func parseTXT(text []string) map[string]string {
	m := make(map[string]string, len(text))
	for _, kv := range text {
		k, v, _ := strings.Cut(kv, "=")
		if k == "" {
			continue
		}
		k = strings.ToLower(k)
		if _, ok := m[k]; !ok {
			m[k] = v
		}
	}
	return m
}
