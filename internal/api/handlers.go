package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/docflow/scanner-bridge/internal/agent"
)

func (s *Server) apiStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Bridge.Status())
}

func (s *Server) apiScanners(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"scanners": s.deps.Bridge.Scanners()})
}

// apiDiscover blocks for the length of a discovery run; the shell shows
// a spinner off the scanner_discovery event instead of polling.
func (s *Server) apiDiscover(w http.ResponseWriter, r *http.Request) {
	scanners := s.deps.Bridge.Discover(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"scanners": scanners})
}

func (s *Server) apiPair(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Code       string `json:"code"`
		DocFlowURL string `json:"docflow_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.deps.Bridge.Pair(r.Context(), body.Code, body.DocFlowURL); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Bridge.Status())
}

func (s *Server) apiDisconnect(w http.ResponseWriter, r *http.Request) {
	s.deps.Bridge.Disconnect()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) apiFolderSyncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Bridge.FolderSyncStatus())
}

func (s *Server) apiConfigureFolderSync(w http.ResponseWriter, r *http.Request) {
	var body struct {
		WatchPath  string `json:"watch_path"`
		PostAction string `json:"post_upload_action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.deps.Bridge.ConfigureFolderSync(body.WatchPath, body.PostAction); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, agent.ErrNotConnected) {
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Bridge.FolderSyncStatus())
}

func (s *Server) apiStopFolderSync(w http.ResponseWriter, r *http.Request) {
	s.deps.Bridge.StopFolderSync()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// apiPickFolder exists for shell parity. A native folder dialog needs
// the desktop shell; it runs its own picker and posts the chosen path
// to the folder-sync endpoint.
func (s *Server) apiPickFolder(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotImplemented, "Ordnerauswahl ist nur in der Desktop-Shell verfügbar")
}

// apiEvents streams bridge events to the client. The connection stays
// open until the client disconnects or the server shuts down.
func (s *Server) apiEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ch, cancel := s.deps.Bus.Subscribe()
	defer cancel()

	// An initial event tells the client the stream is live.
	fmt.Fprint(w, "event: connected\ndata: {}\n\n")
	flusher.Flush()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				s.deps.Log.Warn("marshalling sse event failed", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
