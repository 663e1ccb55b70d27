package device

import (
	"context"
	"runtime"

	"github.com/celadyne/usbdc/event"
	"github.com/celadyne/usbdc/pkg"
	"github.com/celadyne/usbdc/usb"
)

type controlState uint8

const (
	// stateIdle: no control transfer in progress.
	stateIdle controlState = iota

	// stateAwaitStatusOut: an IN data stage was transmitted and the
	// host's zero-length status packet is expected on the primed OUT
	// endpoint.
	stateAwaitStatusOut
)

// Device drives one port's USB protocol: the control transfer state
// machine, standard request dispatch against its descriptor table, and
// delegation of class, vendor, and bulk traffic to application
// callbacks. It is the event queue's single consumer.
type Device struct {
	Port        *Port
	Descriptors *Descriptors

	// InlinePackets must mirror the dispatcher's ReadOnReceive flag:
	// when set, received packet bytes arrive inside the event and the
	// FIFO is not touched here.
	InlinePackets bool

	// OnClassVendor handles class- and vendor-specific control
	// requests. Returning true means the callback completed the
	// transfer itself, including the status stage; returning false
	// requests the generic status acknowledgement. A nil callback
	// stalls such requests.
	OnClassVendor func(d *Device, setup *usb.SetupPacket) bool

	// OnString resolves string descriptor indices beyond the static
	// table.
	OnString func(index uint8) (string, bool)

	// OnReceive is called with each packet received on a non-control
	// endpoint. The data slice is only valid during the call.
	OnReceive func(d *Device, endpoint uint8, data []byte)

	// OnSendComplete is called after a primed packet was acknowledged
	// by the host.
	OnSendComplete func(d *Device, endpoint uint8)

	// OnBusReset is called after the engine state has been cleared in
	// response to a bus reset.
	OnBusReset func(d *Device)

	state          controlState
	configuration  uint8
	remoteWakeup   bool
	pendingAddress int16 // -1 when no address change is in flight

	scratch [1024]byte
	readBuf [event.MaxPayload]byte
}

// New binds a device engine to a port and its descriptor table.
func New(port *Port, descriptors *Descriptors) *Device {
	return &Device{
		Port:           port,
		Descriptors:    descriptors,
		pendingAddress: -1,
	}
}

// Connect attaches the port to the bus and returns the negotiated
// speed.
func (d *Device) Connect() usb.Speed {
	d.resetEngine()
	return d.Port.Connect()
}

// Disconnect detaches the port from the bus.
func (d *Device) Disconnect() {
	d.Port.Disconnect()
	d.resetEngine()
}

// Configuration returns the active configuration value, zero when
// unconfigured.
func (d *Device) Configuration() uint8 { return d.configuration }

func (d *Device) resetEngine() {
	d.state = stateIdle
	d.configuration = 0
	d.remoteWakeup = false
	d.pendingAddress = -1
}

// HandleEvent advances the engine by one queued event. Events for
// other ports are ignored.
func (d *Device) HandleEvent(e *event.Event) {
	if e.Port != d.Port.Number {
		return
	}

	switch e.Kind {
	case event.KindBusReset:
		// Registers were already handled in interrupt context.
		d.resetEngine()
		pkg.LogDebug(pkg.ComponentControl, "engine reset", "port", d.Port.Number)
		if d.OnBusReset != nil {
			d.OnBusReset(d)
		}

	case event.KindReceiveControl:
		d.handleSetup(e.Endpoint)

	case event.KindReceivePacket:
		d.handlePacket(e)

	case event.KindSendComplete:
		d.handleSendComplete(e.Endpoint)

	case event.KindUnknown, event.KindError:
		pkg.LogWarn(pkg.ComponentControl, "unhandled interrupt",
			"port", e.Port, "event", e.String())
	}
}

// Run pops and handles events until ctx is cancelled.
func (d *Device) Run(ctx context.Context, q *event.Queue) error {
	var e event.Event
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if q.Pop(&e) {
			d.HandleEvent(&e)
		} else {
			runtime.Gosched()
		}
	}
}

func (d *Device) handlePacket(e *event.Event) {
	data := e.Payload()
	if !d.InlinePackets {
		n, _ := d.Port.Read(e.Endpoint, d.readBuf[:])
		data = d.readBuf[:n]
	}

	if e.Endpoint == 0 {
		if d.state == stateAwaitStatusOut {
			// The host's zero-length status packet completes the
			// transfer.
			d.state = stateIdle
			pkg.LogTrace(pkg.ComponentControl, "status stage complete", "port", d.Port.Number)
			return
		}
	}

	if d.OnReceive != nil {
		d.OnReceive(d, e.Endpoint, data)
	}
}

func (d *Device) handleSendComplete(endpoint uint8) {
	if endpoint == 0 && d.pendingAddress >= 0 && !d.Port.txAckPending() {
		addr := uint8(d.pendingAddress)
		d.pendingAddress = -1
		d.Port.SetAddress(addr)
		pkg.LogInfo(pkg.ComponentControl, "address committed",
			"port", d.Port.Number, "address", addr)
	}
	if d.OnSendComplete != nil {
		d.OnSendComplete(d, endpoint)
	}
}
