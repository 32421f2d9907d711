// Package vault stores the bridge's secrets: the DocFlow API key, the
// server URL and the folder sync configuration. Entries are addressed
// by name and sealed at rest.
package vault

import "errors"

// Well-known entry names.
const (
	NameAPIKey       = "api_key"
	NameDocFlowURL   = "docflow_url"
	NameFolderConfig = "folder_sync_config"
	NameShellAPIKey  = "shell_api_key"
)

// ErrNotFound is returned when a named entry does not exist. Callers
// distinguish it from storage failures with errors.Is.
var ErrNotFound = errors.New("vault: entry not found")

// Store is the secret storage the agent runs against.
type Store interface {
	Get(name string) (string, error)
	Put(name, value string) error
	Delete(name string) error
}
