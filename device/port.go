package device

import (
	"sync/atomic"

	"github.com/celadyne/usbdc/hal"
	"github.com/celadyne/usbdc/pkg"
	"github.com/celadyne/usbdc/usb"
)

// Port is one USB device port: its four register groups plus the
// engine state that must be shared across the interrupt boundary.
type Port struct {
	// Number identifies the port in events and logs.
	Number uint8

	regs  hal.Registers
	speed usb.Speed

	// txAckActive is set by the control engine before transmitting a
	// status packet whose acknowledgement gates a deferred register
	// write, and cleared by the dispatcher when the transmit-complete
	// interrupt fires.
	txAckActive atomic.Bool

	// Shadow of the stall registers, which the hardware exposes
	// write-only. Touched only from the event loop.
	haltIn  [16]bool
	haltOut [16]bool

	counters Counters
}

// NewPort wraps a port's register groups.
func NewPort(number uint8, regs hal.Registers) *Port {
	return &Port{Number: number, regs: regs}
}

// Counters returns the port's statistics counters.
func (p *Port) Counters() *Counters { return &p.counters }

// Speed returns the speed negotiated at the last Connect.
func (p *Port) Speed() usb.Speed { return p.speed }

// Connect attaches the port to the bus. The controller is quiesced
// first: all interrupt sources disabled and all FIFOs reset, so no
// stale state from a previous session leaks into the new one. Returns
// the negotiated speed.
func (p *Port) Connect() usb.Speed {
	p.DisableEvents()
	p.ResetFIFOs()

	p.speed = p.regs.Controller.Connect()
	p.SetAddress(0)
	p.EnableEvents()

	pkg.LogInfo(pkg.ComponentPort, "connected", "port", p.Number, "speed", p.speed)
	return p.speed
}

// Disconnect detaches the port from the bus and quiesces the
// controller.
func (p *Port) Disconnect() {
	p.DisableEvents()
	p.ResetFIFOs()
	p.regs.Controller.Disconnect()
	pkg.LogInfo(pkg.ComponentPort, "disconnected", "port", p.Number)
}

// Reset clears all three FIFOs and any pending interrupts without
// touching the bus connection.
func (p *Port) Reset() {
	p.ResetFIFOs()
	p.regs.Controller.ClearPendingEvents()
	p.regs.Control.ClearPendingEvents()
	p.regs.In.ClearPendingEvents()
	p.regs.Out.ClearPendingEvents()
}

// BusReset performs the immediate register response to a host-initiated
// bus reset: the controller, control, and IN interrupt sources are
// disabled while the device address drops to zero and the FIFOs are
// cleared, then re-enabled. The OUT source stays armed throughout so
// no reception window is lost.
func (p *Port) BusReset() {
	p.regs.Controller.DisableEvents()
	p.regs.Control.DisableEvents()
	p.regs.In.DisableEvents()

	p.SetAddress(0)
	p.ResetFIFOs()

	p.regs.Controller.EnableEvents()
	p.regs.Control.EnableEvents()
	p.regs.In.EnableEvents()

	p.counters.BusResets.Add(1)
	pkg.LogDebug(pkg.ComponentPort, "bus reset", "port", p.Number)
}

// EnableEvents enables all four interrupt sources.
func (p *Port) EnableEvents() {
	p.regs.Controller.EnableEvents()
	p.regs.Control.EnableEvents()
	p.regs.In.EnableEvents()
	p.regs.Out.EnableEvents()
}

// DisableEvents disables all four interrupt sources.
func (p *Port) DisableEvents() {
	p.regs.Controller.DisableEvents()
	p.regs.Control.DisableEvents()
	p.regs.In.DisableEvents()
	p.regs.Out.DisableEvents()
}

// MaskTransmitComplete disables the transmit-complete interrupt
// source. Used around bulk transmit bursts whose per-packet
// completions would otherwise flood the event queue faster than the
// event loop, busy transmitting, can drain it.
func (p *Port) MaskTransmitComplete() {
	p.regs.In.DisableEvents()
}

// UnmaskTransmitComplete re-enables the transmit-complete interrupt
// source, discarding any completion that fired while masked.
func (p *Port) UnmaskTransmitComplete() {
	p.regs.In.ClearPendingEvents()
	p.regs.In.EnableEvents()
}

// ResetFIFOs clears the control, IN, and OUT FIFOs.
func (p *Port) ResetFIFOs() {
	p.regs.Control.Reset()
	p.regs.In.Reset()
	p.regs.Out.Reset()
}

// SetAddress programs the device address into both register groups
// that filter on it. Only the low seven bits are significant.
func (p *Port) SetAddress(address uint8) {
	address &= 0x7F
	p.regs.Control.SetAddress(address)
	p.regs.Out.SetAddress(address)
}

// Address returns the currently programmed device address.
func (p *Port) Address() uint8 {
	return p.regs.Control.Address()
}

// StallControlRequest rejects the in-progress control transfer by
// stalling both directions of endpoint zero. The stall clears itself
// on the next SETUP packet.
func (p *Port) StallControlRequest() {
	p.SetStall(0, usb.DeviceToHost, true)
	p.SetStall(0, usb.HostToDevice, true)
	p.counters.ControlStalls.Add(1)
}

// SetStall sets or clears the stall condition on one endpoint
// direction.
func (p *Port) SetStall(endpoint uint8, dir usb.Direction, stalled bool) {
	if dir == usb.DeviceToHost {
		p.regs.In.SetStall(endpoint, stalled)
		p.haltIn[endpoint&0x0F] = stalled
	} else {
		p.regs.Out.SetStall(endpoint, stalled)
		p.haltOut[endpoint&0x0F] = stalled
	}
	pkg.LogTrace(pkg.ComponentPort, "stall", "port", p.Number,
		"endpoint", endpoint, "dir", dir, "stalled", stalled)
}

// ClearFeatureEndpointHalt unstalls the endpoint named by a
// CLEAR_FEATURE(ENDPOINT_HALT) request and resets its data PID toggle
// to DATA0, as the standard requires.
func (p *Port) ClearFeatureEndpointHalt(endpointAddress uint8) {
	ep := endpointAddress & 0x0F
	if usb.DirectionFromEndpointAddress(endpointAddress) == usb.DeviceToHost {
		p.regs.In.SetStall(ep, false)
		p.regs.In.ClearPIDToggle(ep)
		p.haltIn[ep] = false
	} else {
		p.regs.Out.SetStall(ep, false)
		p.regs.Out.ClearPIDToggle(ep)
		p.haltOut[ep] = false
	}
}

// Halted reports the shadowed stall state of an endpoint address, for
// GET_STATUS(ENDPOINT) responses.
func (p *Port) Halted(endpointAddress uint8) bool {
	ep := endpointAddress & 0x0F
	if usb.DirectionFromEndpointAddress(endpointAddress) == usb.DeviceToHost {
		return p.haltIn[ep]
	}
	return p.haltOut[ep]
}

// clearControlHaltShadow drops the endpoint-zero stall shadow. The
// hardware clears the stall itself when a SETUP packet arrives.
func (p *Port) clearControlHaltShadow(endpoint uint8) {
	p.haltIn[endpoint&0x0F] = false
	p.haltOut[endpoint&0x0F] = false
}

// setTxAck arms the transmit-acknowledge flag. Paired with the
// dispatcher's clear on the transmit-complete interrupt.
func (p *Port) setTxAck() { p.txAckActive.Store(true) }

// clearTxAck drops the transmit-acknowledge flag. Called from
// interrupt context.
func (p *Port) clearTxAck() { p.txAckActive.Store(false) }

// txAckPending reports whether a gated status packet is still awaiting
// host acknowledgement.
func (p *Port) txAckPending() bool { return p.txAckActive.Load() }
