// Package pkg provides shared utilities for the gcpusb firmware stack.
//
// This package contains common functionality used across the device
// stack, the host client, and the daemons, including:
//
//   - Leveled structured logging via [github.com/go-kit/log]
//   - Sentinel error values built with [github.com/efficientgo/core/errors]
//   - Component identifiers for log filtering
//   - Transfer status classification and URB errno mapping
//
// # Logging
//
// The logging helpers tag every record with its component:
//
//	_ = pkg.SetLogLevel(pkg.LogLevelDebug)
//	pkg.LogInfo(pkg.ComponentControl, "device configured", "config", 1)
//
// # Errors
//
// Common USB errors are defined as sentinel values:
//
//	if errors.Is(err, pkg.ErrStall) {
//	    // Handle endpoint stall
//	}
package pkg
