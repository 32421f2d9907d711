package discovery

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/hashicorp/go-cleanhttp"
	"golang.org/x/sync/errgroup"
)

// Ports worth probing for an eSCL endpoint.
var probePorts = []int{80, 443, 8080, 9100}

// probeConcurrency caps the sweep at one in-flight probe per host/port
// pair of a /24 (254 hosts x 4 ports).
const probeConcurrency = 254 * 4

// sweep probes the local /24 for eSCL endpoints. It never fails hard:
// a host without a usable local address just yields no scanners.
func (e *Engine) sweep(ctx context.Context) []Scanner {
	prefix, err := localSubnetPrefix()
	if err != nil {
		e.log.Warn("subnet sweep skipped, no local address", "error", err)
		return nil
	}
	return e.probeSubnet(ctx, prefix)
}

// probeSubnet probes prefix.1 through prefix.254 on all probe ports,
// bounded by the sweep timeout.
func (e *Engine) probeSubnet(ctx context.Context, prefix string) []Scanner {
	sctx, cancel := context.WithTimeout(ctx, e.sweepTimeout)
	defer cancel()

	var (
		mu    sync.Mutex
		found []Scanner
	)
	g := new(errgroup.Group)
	g.SetLimit(probeConcurrency)
	for i := 1; i <= 254; i++ {
		ip := fmt.Sprintf("%s.%d", prefix, i)
		for _, port := range probePorts {
			g.Go(func() error {
				if sc, ok := e.probe(sctx, ip, port); ok {
					mu.Lock()
					found = append(found, sc)
					mu.Unlock()
				}
				return nil
			})
		}
	}
	g.Wait()
	return found
}

// probe checks a single host/port for an eSCL capabilities document.
func (e *Engine) probe(ctx context.Context, ip string, port int) (Scanner, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL(ip, port), nil)
	if err != nil {
		return Scanner{}, false
	}
	resp, err := e.probeClient.Do(req)
	if err != nil {
		return Scanner{}, false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Scanner{}, false
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil || !strings.Contains(string(body), "ScannerCapabilities") {
		return Scanner{}, false
	}

	return Scanner{
		ID:              fmt.Sprintf("%s:%d", ip, port),
		Name:            "Scanner at " + ip,
		Manufacturer:    "Unknown",
		Model:           fmt.Sprintf("eSCL Scanner (%s)", ip),
		IP:              ip,
		Port:            port,
		UseTLS:          port == 443,
		Protocols:       []string{"escl"},
		DiscoveryMethod: "ip_scan",
		RSPath:          "eSCL",
	}, true
}

// probeURL builds the capabilities URL for a probe target. Port 443
// implies HTTPS, everything else is probed over HTTP.
func probeURL(ip string, port int) string {
	scheme := "http"
	if port == 443 {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/eSCL/ScannerCapabilities", scheme, net.JoinHostPort(ip, strconv.Itoa(port)))
}

// localSubnetPrefix returns the first three octets of the host's
// primary IPv4 address. IPv6-only hosts fall back to 192.168.1.
func localSubnetPrefix() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", fmt.Errorf("list interface addresses: %w", err)
	}
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil {
			return fmt.Sprintf("%d.%d.%d", ip4[0], ip4[1], ip4[2]), nil
		}
	}
	return "192.168.1", nil
}

// insecureTransport returns a clean transport that accepts the
// self-signed certificates scanners ship with.
func insecureTransport() *http.Transport {
	t := cleanhttp.DefaultTransport()
	t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	return t
}
