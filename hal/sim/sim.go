package sim

import (
	"sync"

	"github.com/celadyne/usbdc/hal"
	"github.com/celadyne/usbdc/usb"
)

// TxPacket is one packet transmitted by the device, as observed by the
// simulated host.
type TxPacket struct {
	Endpoint uint8
	Data     []byte
}

// Port models one USB device port's register file. All methods are
// safe for concurrent use; the engine and a test's host side may drive
// it from different goroutines.
type Port struct {
	mu sync.Mutex

	connected bool
	speed     usb.Speed

	controllerEnabled bool
	controllerPending bool

	controlEnabled bool
	controlPending bool
	controlFIFO    []byte
	controlNumber  uint8
	address        uint8

	inEnabled   bool
	inPending   bool
	inStaging   []byte
	inFlight    []byte
	inFlightEP  uint8
	inHasFlight bool
	autoAck     bool

	outEnabled bool
	outPending bool
	outFIFO    []byte
	outNumber  uint8
	outArmed   [16]bool
	outAddress uint8

	inStall  [16]bool
	outStall [16]bool
	inPID    [16]bool
	outPID   [16]bool

	transmitted []TxPacket
	droppedOut  int
}

// New returns a simulated port that reports the given speed when
// connected. Transmitted packets are acknowledged immediately unless
// SetAutoAck(false) is called.
func New(speed usb.Speed) *Port {
	return &Port{speed: speed, autoAck: true}
}

// SetAutoAck controls whether primed IN packets are collected by the
// simulated host immediately. When disabled, packets stay in flight
// until CompleteIn is called, which lets tests exercise transmit
// flush timeouts and deferred acknowledgement ordering.
func (p *Port) SetAutoAck(ack bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.autoAck = ack
}

// --- host-side helpers ---

// SubmitSetup delivers a SETUP packet from the host to the given
// endpoint. Receiving SETUP clears any stall on both directions of the
// endpoint, as the hardware does.
func (p *Port) SubmitSetup(endpoint uint8, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.controlFIFO = append(p.controlFIFO[:0], data...)
	p.controlNumber = endpoint & 0x0F
	p.controlPending = true
	p.inStall[endpoint&0x0F] = false
	p.outStall[endpoint&0x0F] = false
}

// SubmitOut delivers a data packet from the host to the given OUT
// endpoint. The packet is dropped, and false returned, unless the
// endpoint is primed to receive. Priming is consumed by the packet.
func (p *Port) SubmitOut(endpoint uint8, data []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	ep := endpoint & 0x0F
	if !p.outEnabled || !p.outArmed[ep] {
		p.droppedOut++
		return false
	}
	p.outFIFO = append(p.outFIFO[:0], data...)
	p.outNumber = ep
	p.outArmed[ep] = false
	p.outPending = true
	return true
}

// CompleteIn collects the in-flight packet, as a host IN token would,
// and raises the transmit-complete interrupt. Returns false if nothing
// is in flight.
func (p *Port) CompleteIn() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.inHasFlight {
		return false
	}
	p.deliverInLocked()
	return true
}

// RaiseBusReset raises the controller's bus-reset interrupt.
func (p *Port) RaiseBusReset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.controllerPending = true
}

// TransmittedPackets returns a copy of every packet the device has
// sent since the last call to ClearTransmitted.
func (p *Port) TransmittedPackets() []TxPacket {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]TxPacket, len(p.transmitted))
	copy(out, p.transmitted)
	return out
}

// ClearTransmitted discards the transmitted-packet log.
func (p *Port) ClearTransmitted() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transmitted = p.transmitted[:0]
}

// Stalled reports the stall state of an endpoint in the given
// direction.
func (p *Port) Stalled(endpoint uint8, dir usb.Direction) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if dir == usb.DeviceToHost {
		return p.inStall[endpoint&0x0F]
	}
	return p.outStall[endpoint&0x0F]
}

// Address returns the device address programmed into the control
// register group.
func (p *Port) Address() uint8 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.address
}

// Connected reports whether the device is attached to the bus.
func (p *Port) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// OutPrimed reports whether the given OUT endpoint is armed to
// receive.
func (p *Port) OutPrimed(endpoint uint8) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outEnabled && p.outArmed[endpoint&0x0F]
}

// DroppedOutPackets returns the number of host packets discarded
// because no endpoint was primed.
func (p *Port) DroppedOutPackets() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.droppedOut
}

func (p *Port) deliverInLocked() {
	data := make([]byte, len(p.inFlight))
	copy(data, p.inFlight)
	p.transmitted = append(p.transmitted, TxPacket{Endpoint: p.inFlightEP, Data: data})
	p.inFlight = p.inFlight[:0]
	p.inHasFlight = false
	p.inPending = true
}

// --- register group views ---

type controllerView struct{ p *Port }
type controlView struct{ p *Port }
type inView struct{ p *Port }
type outView struct{ p *Port }

// Registers returns the port's four register groups bundled for the
// engine.
func (p *Port) Registers() hal.Registers {
	return hal.Registers{
		Controller: controllerView{p},
		Control:    controlView{p},
		In:         inView{p},
		Out:        outView{p},
	}
}

func (v controllerView) EnableEvents() {
	v.p.mu.Lock()
	defer v.p.mu.Unlock()
	v.p.controllerEnabled = true
}

func (v controllerView) DisableEvents() {
	v.p.mu.Lock()
	defer v.p.mu.Unlock()
	v.p.controllerEnabled = false
}

func (v controllerView) PendingEvents() bool {
	v.p.mu.Lock()
	defer v.p.mu.Unlock()
	return v.p.controllerEnabled && v.p.controllerPending
}

func (v controllerView) ClearPendingEvents() {
	v.p.mu.Lock()
	defer v.p.mu.Unlock()
	v.p.controllerPending = false
}

func (v controllerView) Connect() usb.Speed {
	v.p.mu.Lock()
	defer v.p.mu.Unlock()
	v.p.connected = true
	return v.p.speed
}

func (v controllerView) Disconnect() {
	v.p.mu.Lock()
	defer v.p.mu.Unlock()
	v.p.connected = false
}

func (v controllerView) Speed() usb.Speed {
	v.p.mu.Lock()
	defer v.p.mu.Unlock()
	return v.p.speed
}

func (v controlView) EnableEvents() {
	v.p.mu.Lock()
	defer v.p.mu.Unlock()
	v.p.controlEnabled = true
}

func (v controlView) DisableEvents() {
	v.p.mu.Lock()
	defer v.p.mu.Unlock()
	v.p.controlEnabled = false
}

func (v controlView) PendingEvents() bool {
	v.p.mu.Lock()
	defer v.p.mu.Unlock()
	return v.p.controlEnabled && v.p.controlPending
}

func (v controlView) ClearPendingEvents() {
	v.p.mu.Lock()
	defer v.p.mu.Unlock()
	v.p.controlPending = false
}

func (v controlView) Reset() {
	v.p.mu.Lock()
	defer v.p.mu.Unlock()
	v.p.controlFIFO = v.p.controlFIFO[:0]
}

func (v controlView) Number() uint8 {
	v.p.mu.Lock()
	defer v.p.mu.Unlock()
	return v.p.controlNumber
}

func (v controlView) Have() bool {
	v.p.mu.Lock()
	defer v.p.mu.Unlock()
	return len(v.p.controlFIFO) > 0
}

func (v controlView) ReadByte() uint8 {
	v.p.mu.Lock()
	defer v.p.mu.Unlock()
	if len(v.p.controlFIFO) == 0 {
		return 0
	}
	b := v.p.controlFIFO[0]
	v.p.controlFIFO = v.p.controlFIFO[1:]
	return b
}

func (v controlView) SetAddress(address uint8) {
	v.p.mu.Lock()
	defer v.p.mu.Unlock()
	v.p.address = address & 0x7F
}

func (v controlView) Address() uint8 {
	v.p.mu.Lock()
	defer v.p.mu.Unlock()
	return v.p.address
}

func (v inView) EnableEvents() {
	v.p.mu.Lock()
	defer v.p.mu.Unlock()
	v.p.inEnabled = true
}

func (v inView) DisableEvents() {
	v.p.mu.Lock()
	defer v.p.mu.Unlock()
	v.p.inEnabled = false
}

func (v inView) PendingEvents() bool {
	v.p.mu.Lock()
	defer v.p.mu.Unlock()
	return v.p.inEnabled && v.p.inPending
}

func (v inView) ClearPendingEvents() {
	v.p.mu.Lock()
	defer v.p.mu.Unlock()
	v.p.inPending = false
}

func (v inView) Number() uint8 {
	v.p.mu.Lock()
	defer v.p.mu.Unlock()
	return v.p.inFlightEP
}

func (v inView) Reset() {
	v.p.mu.Lock()
	defer v.p.mu.Unlock()
	v.p.inStaging = v.p.inStaging[:0]
	v.p.inFlight = v.p.inFlight[:0]
	v.p.inHasFlight = false
}

func (v inView) Have() bool {
	v.p.mu.Lock()
	defer v.p.mu.Unlock()
	return len(v.p.inStaging) > 0 || v.p.inHasFlight
}

func (v inView) Idle() bool {
	v.p.mu.Lock()
	defer v.p.mu.Unlock()
	return !v.p.inHasFlight
}

func (v inView) WriteByte(b uint8) {
	v.p.mu.Lock()
	defer v.p.mu.Unlock()
	v.p.inStaging = append(v.p.inStaging, b)
}

func (v inView) Prime(endpoint uint8) {
	v.p.mu.Lock()
	defer v.p.mu.Unlock()
	v.p.inFlight = append(v.p.inFlight[:0], v.p.inStaging...)
	v.p.inStaging = v.p.inStaging[:0]
	v.p.inFlightEP = endpoint & 0x0F
	v.p.inHasFlight = true
	if v.p.autoAck {
		v.p.deliverInLocked()
	}
}

func (v inView) SetStall(endpoint uint8, stalled bool) {
	v.p.mu.Lock()
	defer v.p.mu.Unlock()
	v.p.inStall[endpoint&0x0F] = stalled
}

func (v inView) ClearPIDToggle(endpoint uint8) {
	v.p.mu.Lock()
	defer v.p.mu.Unlock()
	v.p.inPID[endpoint&0x0F] = false
}

func (v outView) EnableEvents() {
	v.p.mu.Lock()
	defer v.p.mu.Unlock()
	v.p.outEnabled = true
}

func (v outView) DisableEvents() {
	v.p.mu.Lock()
	defer v.p.mu.Unlock()
	v.p.outEnabled = false
}

func (v outView) PendingEvents() bool {
	v.p.mu.Lock()
	defer v.p.mu.Unlock()
	return v.p.outEnabled && v.p.outPending
}

func (v outView) ClearPendingEvents() {
	v.p.mu.Lock()
	defer v.p.mu.Unlock()
	v.p.outPending = false
}

func (v outView) Reset() {
	v.p.mu.Lock()
	defer v.p.mu.Unlock()
	v.p.outFIFO = v.p.outFIFO[:0]
}

func (v outView) Number() uint8 {
	v.p.mu.Lock()
	defer v.p.mu.Unlock()
	return v.p.outNumber
}

func (v outView) Have() bool {
	v.p.mu.Lock()
	defer v.p.mu.Unlock()
	return len(v.p.outFIFO) > 0
}

func (v outView) ReadByte() uint8 {
	v.p.mu.Lock()
	defer v.p.mu.Unlock()
	if len(v.p.outFIFO) == 0 {
		return 0
	}
	b := v.p.outFIFO[0]
	v.p.outFIFO = v.p.outFIFO[1:]
	return b
}

func (v outView) Prime(endpoint uint8) {
	v.p.mu.Lock()
	defer v.p.mu.Unlock()
	v.p.outFIFO = v.p.outFIFO[:0]
	v.p.outArmed[endpoint&0x0F] = true
	v.p.outEnabled = true
}

func (v outView) SetStall(endpoint uint8, stalled bool) {
	v.p.mu.Lock()
	defer v.p.mu.Unlock()
	v.p.outStall[endpoint&0x0F] = stalled
}

func (v outView) ClearPIDToggle(endpoint uint8) {
	v.p.mu.Lock()
	defer v.p.mu.Unlock()
	v.p.outPID[endpoint&0x0F] = false
}

func (v outView) SetAddress(address uint8) {
	v.p.mu.Lock()
	defer v.p.mu.Unlock()
	v.p.outAddress = address & 0x7F
}
