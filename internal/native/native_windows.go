//go:build windows

package native

import "github.com/docflow/scanner-bridge/internal/discovery"

// Scanners will enumerate WIA devices once the Windows backend exists.
func Scanners() []discovery.Scanner { return nil }
