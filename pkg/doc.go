// Package pkg provides shared utilities for the usbdc firmware engine.
//
// This package contains common functionality used across the register,
// event, and control-transfer layers, including:
//
//   - Component-tagged leveled logging via [github.com/sirupsen/logrus]
//   - Sentinel error types for the engine's error taxonomy
//
// The error taxonomy distinguishes three classes of failure:
//
//   - Fatal: the event queue overflowed; the firmware aborts rather than
//     silently drop events and desynchronize the protocol.
//   - Recoverable: truncated SETUP packets, FIFO overflow, stale-FIFO
//     resets, flush timeouts; counted and logged, never fatal.
//   - Protocol rejection: unsupported requests; resolved by stalling
//     endpoint zero, never by returning an error to the host.
//
// Common errors are defined as sentinel values:
//
//	if errors.Is(err, pkg.ErrFlushTimeout) {
//	    // IN FIFO failed to drain within the retry budget
//	}
package pkg
