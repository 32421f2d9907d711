// Package api is the local HTTP surface for the desktop shell: status,
// pairing, discovery, folder sync control and an SSE event stream. The
// server binds to localhost; the shell authenticates every call with a
// generated key shared through the vault.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/docflow/scanner-bridge/internal/agent"
	"github.com/docflow/scanner-bridge/internal/discovery"
	"github.com/docflow/scanner-bridge/internal/events"
	"github.com/docflow/scanner-bridge/internal/logging"
	"github.com/docflow/scanner-bridge/internal/vault"
	"github.com/docflow/scanner-bridge/internal/watcher"
)

// Bridge is the agent surface the API exposes. *agent.Agent satisfies
// it; tests substitute a fake.
type Bridge interface {
	Status() agent.BridgeStatus
	Scanners() []discovery.Scanner
	Discover(ctx context.Context) []discovery.Scanner
	Pair(ctx context.Context, code, userURL string) error
	Disconnect()
	ConfigureFolderSync(watchPath, postAction string) error
	StopFolderSync()
	FolderSyncStatus() watcher.Status
}

// Deps holds dependencies for the shell API server.
type Deps struct {
	Bridge Bridge
	Bus    *events.Bus
	Store  vault.Store
	Log    *logging.Logger
	// AuthDisabled turns off shell key validation. Debug aid for
	// curling the API; never set in production.
	AuthDisabled bool
}

// Server is the shell-facing HTTP server.
type Server struct {
	deps     Deps
	mux      *http.ServeMux
	server   *http.Server
	shellKey string
}

// NewServer creates a Server, minting the shell API key when none is
// stored yet.
func NewServer(deps Deps) (*Server, error) {
	key, err := ensureShellKey(deps.Store)
	if err != nil {
		return nil, err
	}
	s := &Server{
		deps:     deps,
		mux:      http.NewServeMux(),
		shellKey: key,
	}
	if deps.AuthDisabled {
		deps.Log.Warn("shell api authentication is disabled")
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	// Open routes: liveness and scrape endpoint.
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	s.mux.Handle("GET /metrics", promhttp.Handler())

	// Everything else needs the shell key.
	s.mux.HandleFunc("GET /api/status", s.keyed(s.apiStatus))
	s.mux.HandleFunc("GET /api/scanners", s.keyed(s.apiScanners))
	s.mux.HandleFunc("POST /api/discover", s.keyed(s.apiDiscover))
	s.mux.HandleFunc("POST /api/pair", s.keyed(s.apiPair))
	s.mux.HandleFunc("POST /api/disconnect", s.keyed(s.apiDisconnect))
	s.mux.HandleFunc("GET /api/folder-sync", s.keyed(s.apiFolderSyncStatus))
	s.mux.HandleFunc("POST /api/folder-sync", s.keyed(s.apiConfigureFolderSync))
	s.mux.HandleFunc("DELETE /api/folder-sync", s.keyed(s.apiStopFolderSync))
	s.mux.HandleFunc("POST /api/pick-folder", s.keyed(s.apiPickFolder))
	s.mux.HandleFunc("GET /api/events", s.keyed(s.apiEvents))
}

// keyed wraps a handler with shell key validation. EventSource cannot
// set headers, so the key is also accepted as a query parameter.
func (s *Server) keyed(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.deps.AuthDisabled {
			h(w, r)
			return
		}
		key := r.Header.Get("X-Api-Key")
		if key == "" {
			key = r.URL.Query().Get("api_key")
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.shellKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		h(w, r)
	}
}

// ListenAndServe starts the server on addr and blocks until shutdown.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE connections are long-lived.
		IdleTimeout:  120 * time.Second,
	}
	s.deps.Log.Info("shell api listening", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// ensureShellKey loads the shell API key, minting one on first boot.
// The desktop shell reads the same vault entry to authenticate.
func ensureShellKey(store vault.Store) (string, error) {
	key, err := store.Get(vault.NameShellAPIKey)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, vault.ErrNotFound) {
		return "", err
	}
	key = uuid.NewString()
	if err := store.Put(vault.NameShellAPIKey, key); err != nil {
		return "", fmt.Errorf("store shell api key: %w", err)
	}
	return key, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
