//go:build !windows && !linux && !darwin

package native

import "github.com/docflow/scanner-bridge/internal/discovery"

func Scanners() []discovery.Scanner { return nil }
