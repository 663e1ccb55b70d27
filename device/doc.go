// Package device implements the device-side USB engine: per-port
// register sequences, the interrupt dispatcher that translates pending
// register state into queued events, endpoint FIFO I/O primitives, and
// the control transfer state machine with standard request dispatch.
//
// The engine is split along the interrupt boundary. The Dispatcher
// runs in interrupt (or interrupt-emulating) context and does only
// register acknowledgement, immediate bus-reset response, and event
// queueing. Everything else, including all protocol decisions, runs in
// the event loop via Device.HandleEvent.
package device
