package pairing

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/docflow/scanner-bridge/internal/logging"
	"github.com/docflow/scanner-bridge/internal/vault"
)

type memStore struct {
	m      map[string]string
	putErr error
}

func newMemStore() *memStore { return &memStore{m: make(map[string]string)} }

func (s *memStore) Get(name string) (string, error) {
	v, ok := s.m[name]
	if !ok {
		return "", vault.ErrNotFound
	}
	return v, nil
}

func (s *memStore) Put(name, value string) error {
	if s.putErr != nil {
		return s.putErr
	}
	s.m[name] = value
	return nil
}

func (s *memStore) Delete(name string) error {
	delete(s.m, name)
	return nil
}

func testClient(store vault.Store) *Client {
	return New(logging.New(false, "error"), store, "1.2.3")
}

func TestPairStructuredCode(t *testing.T) {
	var reg map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/scanner/bridge/register" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
			t.Fatalf("decode register body: %v", err)
		}
		io.WriteString(w, `{"bridge_id":"b-1","api_key":"key-xyz","refresh_token":"r-1","docflow_url":"https://ignored","tenant_name":"ACME"}`)
	}))
	defer srv.Close()

	store := newMemStore()
	code := `{"docflow_url":"` + srv.URL + `/","tenant_id":7,"pairing_token":"tok-1","bridge_name":"Empfang"}`
	creds, err := testClient(store).Pair(context.Background(), code, "")
	if err != nil {
		t.Fatalf("Pair: %v", err)
	}

	if reg["pairing_token"] != "tok-1" {
		t.Errorf("pairing_token = %v", reg["pairing_token"])
	}
	if reg["bridge_name"] != "Empfang" {
		t.Errorf("bridge_name = %v", reg["bridge_name"])
	}
	if reg["bridge_version"] != "1.2.3" {
		t.Errorf("bridge_version = %v", reg["bridge_version"])
	}

	if creds.APIKey != "key-xyz" {
		t.Errorf("api key = %q", creds.APIKey)
	}
	// The effective URL wins over the one the server echoes back.
	if creds.DocFlowURL != srv.URL {
		t.Errorf("docflow url = %q, want %q", creds.DocFlowURL, srv.URL)
	}

	if got, _ := store.Get(vault.NameAPIKey); got != "key-xyz" {
		t.Errorf("vault api_key = %q", got)
	}
	if got, _ := store.Get(vault.NameDocFlowURL); got != srv.URL {
		t.Errorf("vault docflow_url = %q", got)
	}
}

func TestPairManualCodeUserURLWins(t *testing.T) {
	var resolved string
	var reg map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/scanner/bridge/resolve-code":
			var body map[string]string
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Fatalf("decode resolve body: %v", err)
			}
			resolved = body["code"]
			io.WriteString(w, `{"docflow_url":"https://other:443","pairing_token":"tok","bridge_name":null}`)
		case "/api/scanner/bridge/register":
			if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
				t.Fatalf("decode register body: %v", err)
			}
			io.WriteString(w, `{"bridge_id":"b-2","api_key":"key-manual","refresh_token":"r-2","docflow_url":"https://other:443","tenant_name":"ACME"}`)
		default:
			t.Errorf("unexpected path %q", r.URL.Path)
		}
	}))
	defer srv.Close()

	store := newMemStore()
	creds, err := testClient(store).Pair(context.Background(), "AB12-CD34-EF56", srv.URL+"/")
	if err != nil {
		t.Fatalf("Pair: %v", err)
	}

	if resolved != "AB12-CD34-EF56" {
		t.Errorf("resolved code = %q", resolved)
	}
	if creds.DocFlowURL != srv.URL {
		t.Errorf("docflow url = %q, want user URL %q", creds.DocFlowURL, srv.URL)
	}
	if got, _ := store.Get(vault.NameDocFlowURL); got != srv.URL {
		t.Errorf("vault docflow_url = %q, want user URL", got)
	}
	if creds.APIKey != "key-manual" {
		t.Errorf("api key = %q", creds.APIKey)
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "Unknown"
	}
	if reg["bridge_name"] != "Bridge auf "+hostname {
		t.Errorf("bridge_name = %v", reg["bridge_name"])
	}
}

func TestPairManualCodeRequiresURL(t *testing.T) {
	_, err := testClient(newMemStore()).Pair(context.Background(), "AB12-CD34-EF56", "")
	if err == nil || err.Error() != "DocFlow-URL wird für manuelle Codes benötigt" {
		t.Errorf("err = %v", err)
	}
}

func TestPairRejectsGarbage(t *testing.T) {
	_, err := testClient(newMemStore()).Pair(context.Background(), "nonsense", "")
	if err == nil || err.Error() != "Ungültiger Pairing-Code" {
		t.Errorf("err = %v", err)
	}
}

func TestPairStructuredCodeMissingToken(t *testing.T) {
	_, err := testClient(newMemStore()).Pair(context.Background(), `{"docflow_url":"http://x"}`, "")
	if err == nil || err.Error() != "Ungültiger Pairing-Code" {
		t.Errorf("err = %v", err)
	}
}

func TestPairResolveFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unbekannter Code", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := testClient(newMemStore()).Pair(context.Background(), "AB12-CD34-EF56", srv.URL)
	if err == nil || err.Error() != "Code-Auflösung fehlgeschlagen: unbekannter Code" {
		t.Errorf("err = %v", err)
	}
}

func TestPairRegisterFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Token abgelaufen", http.StatusForbidden)
	}))
	defer srv.Close()

	code := `{"docflow_url":"` + srv.URL + `","pairing_token":"tok"}`
	_, err := testClient(newMemStore()).Pair(context.Background(), code, "")
	if err == nil || err.Error() != "Registrierung fehlgeschlagen: Token abgelaufen" {
		t.Errorf("err = %v", err)
	}
}

func TestPairSurvivesVaultFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"bridge_id":"b-1","api_key":"k","refresh_token":"r","docflow_url":"x","tenant_name":"t"}`)
	}))
	defer srv.Close()

	store := newMemStore()
	store.putErr = errors.New("keyring locked")
	code := `{"docflow_url":"` + srv.URL + `","pairing_token":"tok"}`
	creds, err := testClient(store).Pair(context.Background(), code, "")
	if err != nil {
		t.Fatalf("Pair: %v", err)
	}
	if creds.APIKey != "k" {
		t.Errorf("api key = %q", creds.APIKey)
	}
}
