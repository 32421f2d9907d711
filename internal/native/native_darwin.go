//go:build darwin

package native

import "github.com/docflow/scanner-bridge/internal/discovery"

// Scanners will enumerate ImageCaptureCore devices once the macOS
// backend exists.
func Scanners() []discovery.Scanner { return nil }
