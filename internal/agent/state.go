package agent

import "github.com/docflow/scanner-bridge/internal/discovery"

// BridgeStatus is the shell-visible summary of the bridge.
type BridgeStatus struct {
	Connected        bool   `json:"connected"`
	DocFlowURL       string `json:"docflow_url,omitempty"`
	ScannerCount     int    `json:"scanner_count"`
	LastDiscovery    string `json:"last_discovery,omitempty"`
	Version          string `json:"version"`
	PollerActive     bool   `json:"poller_active"`
	JobsProcessed    int    `json:"jobs_processed"`
	FolderSyncActive bool   `json:"folder_sync_active"`
	FolderSyncPath   string `json:"folder_sync_path,omitempty"`
}

// state is everything behind the agent's lock. The transition functions
// below are pure, value-in value-out, so the lock is held only for the
// swap and every state change is testable without an Agent.
type state struct {
	apiKey     string
	docflowURL string
	status     BridgeStatus
	scanners   []discovery.Scanner
}

func paired(s state, apiKey, docflowURL string) state {
	s.apiKey = apiKey
	s.docflowURL = docflowURL
	s.status.Connected = true
	s.status.DocFlowURL = docflowURL
	s.status.PollerActive = true
	return s
}

func disconnected(s state) state {
	s.apiKey = ""
	s.docflowURL = ""
	s.status.Connected = false
	s.status.DocFlowURL = ""
	s.status.PollerActive = false
	s.status.FolderSyncActive = false
	s.status.FolderSyncPath = ""
	return s
}

func discovered(s state, scanners []discovery.Scanner, at string) state {
	s.scanners = scanners
	s.status.ScannerCount = len(scanners)
	s.status.LastDiscovery = at
	return s
}

func folderSyncStarted(s state, path string) state {
	s.status.FolderSyncActive = true
	s.status.FolderSyncPath = path
	return s
}

func folderSyncStopped(s state) state {
	s.status.FolderSyncActive = false
	s.status.FolderSyncPath = ""
	return s
}
