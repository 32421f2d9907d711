package backend

// ScanCommand is one pending scan job pulled from the backend queue.
// Format is the short name the backend uses ("pdf", "jpeg"), not a MIME
// type; the poller maps it before talking to the scanner.
type ScanCommand struct {
	JobID      string `json:"job_id"`
	ScannerID  string `json:"scanner_id"`
	Resolution int    `json:"resolution"`
	ColorMode  string `json:"color_mode"`
	Source     string `json:"source"`
	Duplex     bool   `json:"duplex"`
	Format     string `json:"format"`
	CreatedAt  string `json:"created_at"`
	ExpiresAt  string `json:"expires_at"`
}

// FolderUploadResponse is the backend's verdict on a folder upload.
// Duplicate means the server already knew the hash and filed no new
// document.
type FolderUploadResponse struct {
	Success    bool    `json:"success"`
	JobID      int64   `json:"job_id"`
	Filename   string  `json:"filename"`
	FileSizeMB float64 `json:"file_size_mb"`
	Duplicate  bool    `json:"duplicate"`
	Message    string  `json:"message"`
}

// FolderFile is one watched file staged for upload.
type FolderFile struct {
	Path string // absolute path on disk, reported as original_path
	Name string // base name, used as the multipart filename
	MIME string
	Hash string // lowercase hex SHA-256 of Data
	Data []byte
}

// SyncReport is the folder-sync telemetry pushed to the backend.
// LastSyncAt is RFC 3339 and omitted until the first upload succeeds.
type SyncReport struct {
	FolderSyncEnabled bool   `json:"folder_sync_enabled"`
	WatchedFolder     string `json:"watched_folder"`
	FilesUploaded     int    `json:"files_uploaded"`
	Errors            int    `json:"errors"`
	LastSyncAt        string `json:"last_sync_at,omitempty"`
}
