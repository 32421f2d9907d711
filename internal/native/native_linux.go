//go:build linux

package native

import "github.com/docflow/scanner-bridge/internal/discovery"

// Scanners will enumerate SANE devices once the Linux backend exists.
func Scanners() []discovery.Scanner { return nil }
