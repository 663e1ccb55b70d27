package hal

import "github.com/celadyne/usbdc/usb"

// EventSource is the per-group interrupt surface shared by all four
// register groups. PendingEvents reports whether the group has an
// unserviced interrupt; ClearPendingEvents acknowledges it.
// EnableEvents and DisableEvents are idempotent.
type EventSource interface {
	EnableEvents()
	DisableEvents()
	PendingEvents() bool
	ClearPendingEvents()
}

// Controller is the top-level device controller register group. Its
// interrupt fires on bus reset.
type Controller interface {
	EventSource

	// Connect attaches the device to the bus and returns the
	// negotiated speed as reported by the controller.
	Connect() usb.Speed

	// Disconnect detaches the device from the bus.
	Disconnect()

	// Speed returns the current connection speed.
	Speed() usb.Speed
}

// ControlRegisters is the SETUP-receive register group. Its interrupt
// fires when a SETUP packet has been received; the packet bytes are
// then available through Have and ReadByte, and Number reports which
// endpoint the packet arrived on.
type ControlRegisters interface {
	EventSource

	// Reset clears the SETUP receive FIFO.
	Reset()

	// Number returns the endpoint number latched for the most
	// recently received SETUP packet.
	Number() uint8

	// Have reports whether the FIFO holds at least one byte.
	Have() bool

	// ReadByte pops one byte from the FIFO. Undefined when Have is
	// false.
	ReadByte() uint8

	// SetAddress sets the device address the control endpoint
	// responds to. Only the low seven bits are significant.
	SetAddress(address uint8)

	// Address returns the currently programmed device address.
	Address() uint8
}

// InRegisters is the transmit register group. Bytes staged with
// WriteByte become a packet when Prime commits them to an endpoint.
// Its interrupt fires when a primed packet has been acknowledged by
// the host.
type InRegisters interface {
	EventSource

	// Reset clears the staging FIFO, discarding unprimed bytes.
	Reset()

	// Number returns the endpoint number of the most recently primed
	// packet.
	Number() uint8

	// Have reports whether unprimed bytes remain in the staging
	// FIFO.
	Have() bool

	// Idle reports whether the transmit path is idle, meaning no
	// primed packet is awaiting the host.
	Idle() bool

	// WriteByte stages one byte.
	WriteByte(b uint8)

	// Prime commits the staged bytes as a packet on the given
	// endpoint. Priming with an empty FIFO sends a zero-length
	// packet.
	Prime(endpoint uint8)

	// SetStall sets or clears the stall condition on the given IN
	// endpoint.
	SetStall(endpoint uint8, stalled bool)

	// ClearPIDToggle resets the data PID toggle for the given IN
	// endpoint to DATA0.
	ClearPIDToggle(endpoint uint8)
}

// OutRegisters is the receive register group. Its interrupt fires when
// a data packet has been received; Number reports the endpoint it
// arrived on. An endpoint only receives while primed, and priming is
// consumed by each packet.
type OutRegisters interface {
	EventSource

	// Reset clears the receive FIFO.
	Reset()

	// Number returns the endpoint number latched for the most
	// recently received packet.
	Number() uint8

	// Have reports whether the FIFO holds at least one byte.
	Have() bool

	// ReadByte pops one byte from the FIFO. Undefined when Have is
	// false.
	ReadByte() uint8

	// Prime resets the FIFO, selects the given endpoint, arms it to
	// receive one packet, and enables reception.
	Prime(endpoint uint8)

	// SetStall sets or clears the stall condition on the given OUT
	// endpoint.
	SetStall(endpoint uint8, stalled bool)

	// ClearPIDToggle resets the data PID toggle for the given OUT
	// endpoint to DATA0.
	ClearPIDToggle(endpoint uint8)

	// SetAddress sets the device address the OUT bank responds to.
	// Kept in step with ControlRegisters.SetAddress. Only the low
	// seven bits are significant.
	SetAddress(address uint8)
}

// Registers bundles the four register groups of one port.
type Registers struct {
	Controller Controller
	Control    ControlRegisters
	In         InRegisters
	Out        OutRegisters
}
