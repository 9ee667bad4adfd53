// Package pkg provides shared utilities for the cdcnet USB host stack.
//
// This package contains common functionality used by the host, CDC and
// RNDIS layers, including:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel error kinds returned by every layer
//   - Transfer completion status and its mapping to errors
//
// # Logging
//
// The logging subsystem wraps [log/slog] with a component attribute:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentRNDIS, "link up", "speed", 4250000)
//
// # Errors
//
// Error kinds are sentinel values. Higher layers attach context with
// github.com/efficientgo/core/errors, so callers test with [errors.Is]:
//
//	if errors.Is(err, pkg.ErrInvalidState) {
//	    // port already closed
//	}
package pkg
