// Package native reserves the per-platform scanner integrations
// (WIA on Windows, SANE on Linux, ImageCaptureCore on macOS). The
// stubs return nothing; network discovery carries the product until
// the platform backends land.
package native
