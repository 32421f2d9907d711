// Package backend talks to the DocFlow server on behalf of the bridge.
// Every endpoint here carries the bridge's bearer key; the pairing
// endpoints live in the pairing package because they run before a key
// exists.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"

	"github.com/docflow/scanner-bridge/internal/discovery"
)

// Per-call budgets. The two uploads move real payloads and get the long
// budget; everything else is a quick JSON exchange.
const (
	pollTimeout   = 10 * time.Second
	uploadTimeout = 60 * time.Second
	reportTimeout = 10 * time.Second
)

// StatusError is a non-2xx backend response. The poller inspects Code
// to keep 401s out of the log while the operator is re-pairing.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return e.Op + ": " + e.Body
}

// Client is a DocFlow API client bound to one base URL and API key.
type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
}

// New creates a Client. The key goes out as a bearer token on every
// call; per-call deadlines are set by the methods themselves.
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpc:   cleanhttp.DefaultPooledClient(),
	}
}

// PendingScans pulls the queue of scan commands waiting for this bridge.
func (c *Client) PendingScans(ctx context.Context) ([]ScanCommand, error) {
	ctx, cancel := context.WithTimeout(ctx, pollTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/scanner/bridge/pending-scans", nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Op: "Polling fehlgeschlagen", Code: resp.StatusCode, Body: readBody(resp.Body)}
	}

	var out struct {
		Jobs []ScanCommand `json:"jobs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode pending scans: %w", err)
	}
	return out.Jobs, nil
}

// UploadScan posts scanned page data as the result of jobID. The file
// always travels under the name scan.pdf; the backend renames it.
func (c *Client) UploadScan(ctx context.Context, jobID string, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	fw, err := formFile(form, "file", "scan.pdf", "application/pdf")
	if err != nil {
		return err
	}
	if _, err := fw.Write(data); err != nil {
		return err
	}
	if err := form.WriteField("success", "true"); err != nil {
		return err
	}
	if err := form.Close(); err != nil {
		return err
	}

	resp, err := c.postForm(ctx, "/api/scanner/bridge/scan-upload/"+jobID, form, &buf)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Op: "Upload fehlgeschlagen", Code: resp.StatusCode, Body: readBody(resp.Body)}
	}
	return nil
}

// ReportScanError tells the backend a job failed. The payload mimics a
// result upload with an empty file so the endpoint stays uniform. The
// response status is not checked; a lost error report is acceptable.
func (c *Client) ReportScanError(ctx context.Context, jobID, message string) error {
	ctx, cancel := context.WithTimeout(ctx, reportTimeout)
	defer cancel()

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	if _, err := formFile(form, "file", "error.txt", "text/plain"); err != nil {
		return err
	}
	if err := form.WriteField("success", "false"); err != nil {
		return err
	}
	if err := form.WriteField("error_message", message); err != nil {
		return err
	}
	if err := form.Close(); err != nil {
		return err
	}

	resp, err := c.postForm(ctx, "/api/scanner/bridge/scan-upload/"+jobID, form, &buf)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// FolderUpload sends one watched file. This is a single attempt; the
// retry loop belongs to the watcher, which re-reads the file each time.
func (c *Client) FolderUpload(ctx context.Context, f FolderFile) (*FolderUploadResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	fw, err := formFile(form, "file", f.Name, f.MIME)
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(f.Data); err != nil {
		return nil, err
	}
	if err := form.WriteField("file_hash", f.Hash); err != nil {
		return nil, err
	}
	if err := form.WriteField("original_path", f.Path); err != nil {
		return nil, err
	}
	if err := form.Close(); err != nil {
		return nil, err
	}

	resp, err := c.postForm(ctx, "/api/scanner/bridge/folder-upload", form, &buf)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Op: "Upload fehlgeschlagen", Code: resp.StatusCode, Body: readBody(resp.Body)}
	}

	var out FolderUploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode folder upload response: %w", err)
	}
	return &out, nil
}

// ReportFolderStatus pushes folder-sync telemetry. Callers needing a
// tighter budget than the default pass a context with a deadline.
func (c *Client) ReportFolderStatus(ctx context.Context, report SyncReport) error {
	ctx, cancel := context.WithTimeout(ctx, reportTimeout)
	defer cancel()
	return c.postJSON(ctx, "/api/scanner/bridge/folder-sync-status", report, "Statusmeldung fehlgeschlagen")
}

type scannerPayload struct {
	ID              string                 `json:"id"`
	Name            string                 `json:"name"`
	Manufacturer    string                 `json:"manufacturer"`
	Model           string                 `json:"model"`
	IP              string                 `json:"ip"`
	Port            int                    `json:"port"`
	Protocols       []string               `json:"protocols"`
	DiscoveryMethod string                 `json:"discovery_method"`
	Capabilities    discovery.Capabilities `json:"capabilities"`
}

// PushScanners advertises the current registry to the backend so
// operators can target scanners from the web UI. Connection details the
// backend has no use for (TLS flag, resource path) stay local.
func (c *Client) PushScanners(ctx context.Context, scanners []discovery.Scanner) error {
	ctx, cancel := context.WithTimeout(ctx, reportTimeout)
	defer cancel()

	payload := struct {
		Scanners []scannerPayload `json:"scanners"`
	}{Scanners: make([]scannerPayload, 0, len(scanners))}
	for _, s := range scanners {
		payload.Scanners = append(payload.Scanners, scannerPayload{
			ID:              s.ID,
			Name:            s.Name,
			Manufacturer:    s.Manufacturer,
			Model:           s.Model,
			IP:              s.IP,
			Port:            s.Port,
			Protocols:       s.Protocols,
			DiscoveryMethod: s.DiscoveryMethod,
			Capabilities:    s.Capabilities,
		})
	}
	return c.postJSON(ctx, "/api/scanner/bridge/scanners", payload, "DocFlow-Fehler")
}

// CheckStatus reports whether the stored key is still accepted.
func (c *Client) CheckStatus(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, reportTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/scanner/bridge/status", nil)
	if err != nil {
		return false
	}
	c.authorize(req)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
}

func (c *Client) postForm(ctx context.Context, path string, form *multipart.Writer, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	c.authorize(req)
	req.Header.Set("Content-Type", form.FormDataContentType())
	return c.httpc.Do(req)
}

func (c *Client) postJSON(ctx context.Context, path string, body any, op string) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	c.authorize(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Op: op, Code: resp.StatusCode, Body: readBody(resp.Body)}
	}
	return nil
}

// formFile opens a file part with an explicit content type, which the
// stock CreateFormFile helper cannot set.
func formFile(form *multipart.Writer, field, filename, mime string) (io.Writer, error) {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filename))
	h.Set("Content-Type", mime)
	return form.CreatePart(h)
}

func readBody(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 64<<10))
	return strings.TrimSpace(string(b))
}
