// Package pairing redeems a pairing code against a DocFlow server and
// registers this bridge in exchange for long-lived credentials. It is
// the only part of the bridge that talks to the backend without a
// bearer key.
package pairing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"

	"github.com/docflow/scanner-bridge/internal/logging"
	"github.com/docflow/scanner-bridge/internal/vault"
)

const requestTimeout = 10 * time.Second

// Code is the decoded pairing code, either parsed straight from a
// QR-code JSON blob or resolved from a manual code by the server.
type Code struct {
	DocFlowURL   string `json:"docflow_url"`
	TenantID     *int64 `json:"tenant_id"`
	PairingToken string `json:"pairing_token"`
	BridgeName   string `json:"bridge_name"`
}

// Credentials is what a successful registration yields. DocFlowURL is
// the effective URL, not necessarily the one the server reported.
type Credentials struct {
	BridgeID     string `json:"bridge_id"`
	APIKey       string `json:"api_key"`
	RefreshToken string `json:"refresh_token"`
	DocFlowURL   string `json:"docflow_url"`
	TenantName   string `json:"tenant_name"`
}

type registerRequest struct {
	PairingToken  string `json:"pairing_token"`
	BridgeName    string `json:"bridge_name"`
	BridgeVersion string `json:"bridge_version"`
	OS            string `json:"os"`
	Hostname      string `json:"hostname"`
}

// Client performs the pairing handshake and persists the result.
type Client struct {
	log     *logging.Logger
	store   vault.Store
	httpc   *http.Client
	version string
}

// New creates a pairing client. The version string travels in the
// register request so the backend can track bridge rollouts.
func New(log *logging.Logger, store vault.Store, version string) *Client {
	return &Client{
		log:     log,
		store:   store,
		httpc:   cleanhttp.DefaultClient(),
		version: version,
	}
}

// Pair decodes the pairing code, registers the bridge and stores the
// credentials. userURL is only consulted for manual codes; for those it
// also wins over whatever URL the server answers with, because behind a
// reverse proxy the server does not know its own externally visible
// port.
func (c *Client) Pair(ctx context.Context, codeString, userURL string) (*Credentials, error) {
	code, effectiveURL, err := c.decode(ctx, codeString, userURL)
	if err != nil {
		return nil, err
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "Unknown"
	}
	name := code.BridgeName
	if name == "" {
		name = "Bridge auf " + hostname
	}

	req := registerRequest{
		PairingToken:  code.PairingToken,
		BridgeName:    name,
		BridgeVersion: c.version,
		OS:            runtime.GOOS,
		Hostname:      hostname,
	}

	creds, err := c.register(ctx, effectiveURL, req)
	if err != nil {
		return nil, err
	}
	creds.DocFlowURL = effectiveURL

	// Vault failures are logged, never fatal; the shell still gets
	// working in-memory credentials.
	if err := c.store.Put(vault.NameAPIKey, creds.APIKey); err != nil {
		c.log.Warn("storing api key failed", "error", err)
	}
	if err := c.store.Put(vault.NameDocFlowURL, effectiveURL); err != nil {
		c.log.Warn("storing docflow url failed", "error", err)
	}

	c.log.Info("bridge registered", "bridge_id", creds.BridgeID, "tenant", creds.TenantName, "url", effectiveURL)
	return creds, nil
}

// decode classifies the code string and returns the parsed code plus
// the effective base URL for registration.
func (c *Client) decode(ctx context.Context, codeString, userURL string) (*Code, string, error) {
	switch {
	case strings.HasPrefix(codeString, "{"):
		var code Code
		if err := json.Unmarshal([]byte(codeString), &code); err != nil {
			return nil, "", fmt.Errorf("Pairing-Code parsen: %w", err)
		}
		if code.DocFlowURL == "" || code.PairingToken == "" {
			return nil, "", errors.New("Ungültiger Pairing-Code")
		}
		return &code, strings.TrimRight(code.DocFlowURL, "/"), nil

	case strings.Contains(codeString, "-"):
		if userURL == "" {
			return nil, "", errors.New("DocFlow-URL wird für manuelle Codes benötigt")
		}
		code, err := c.resolveManualCode(ctx, codeString, userURL)
		if err != nil {
			return nil, "", err
		}
		return code, strings.TrimRight(userURL, "/"), nil

	default:
		return nil, "", errors.New("Ungültiger Pairing-Code")
	}
}

// resolveManualCode exchanges a short manual code for the full pairing
// code via the server named by the user.
func (c *Client) resolveManualCode(ctx context.Context, codeString, userURL string) (*Code, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	resolveURL := strings.TrimRight(userURL, "/") + "/api/scanner/bridge/resolve-code"
	body, err := json.Marshal(map[string]string{"code": codeString})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, resolveURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("Verbindung zu %s fehlgeschlagen: %w", resolveURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("Code-Auflösung fehlgeschlagen: %s", readBody(resp))
	}

	var code Code
	if err := json.NewDecoder(resp.Body).Decode(&code); err != nil {
		return nil, fmt.Errorf("Code-Auflösung fehlgeschlagen: %w", err)
	}
	return &code, nil
}

func (c *Client) register(ctx context.Context, baseURL string, reg registerRequest) (*Credentials, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	body, err := json.Marshal(reg)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/scanner/bridge/register", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("Registrierung fehlgeschlagen: %s", readBody(resp))
	}

	var creds Credentials
	if err := json.NewDecoder(resp.Body).Decode(&creds); err != nil {
		return nil, fmt.Errorf("Registrierung fehlgeschlagen: %w", err)
	}
	return &creds, nil
}

func readBody(resp *http.Response) string {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	return strings.TrimSpace(string(b))
}
