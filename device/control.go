package device

import (
	"github.com/celadyne/usbdc/pkg"
	"github.com/celadyne/usbdc/usb"
)

// handleSetup drains the control FIFO, decodes the SETUP packet, and
// dispatches it. A reception shorter than eight bytes is dropped: the
// bytes cannot be a SETUP packet, and stalling on garbage would fight
// the hardware, which has already discarded the transaction.
func (d *Device) handleSetup(endpoint uint8) {
	var buf [usb.SetupPacketSize]byte
	n, _ := d.Port.ReadControl(buf[:])
	if n < usb.SetupPacketSize {
		d.Port.counters.ShortSetupDrops.Add(1)
		d.state = stateIdle
		pkg.LogWarn(pkg.ComponentControl, "short setup dropped",
			"port", d.Port.Number, "bytes", n)
		return
	}

	var setup usb.SetupPacket
	if err := usb.DecodeSetupPacket(buf[:], &setup); err != nil {
		// Unreachable with n validated above.
		d.state = stateIdle
		return
	}
	d.Port.counters.SetupPackets.Add(1)
	d.Port.clearControlHaltShadow(endpoint)
	d.state = stateIdle
	pkg.LogDebug(pkg.ComponentControl, "setup", "port", d.Port.Number, "packet", setup.String())

	switch setup.Type() {
	case usb.RequestTypeStandard:
		d.handleStandard(&setup)

	case usb.RequestTypeClass, usb.RequestTypeVendor:
		if d.OnClassVendor == nil {
			d.stall()
			return
		}
		if !d.OnClassVendor(d, &setup) {
			d.Port.AckStatusStage(&setup)
		}

	default:
		d.stall()
	}
}

// stall rejects the in-progress control transfer and returns the
// engine to idle.
func (d *Device) stall() {
	d.Port.StallControlRequest()
	d.state = stateIdle
}

// sendControlResponse transmits data on endpoint zero, truncated to
// the host's requested length, and arms the status stage.
func (d *Device) sendControlResponse(setup *usb.SetupPacket, data []byte) {
	if int(setup.Length) < len(data) {
		data = data[:setup.Length]
	}
	packetSize := int(d.Port.Speed().MaxPacketSize0())
	if err := d.Port.WritePackets(0, data, packetSize); err != nil {
		d.stall()
		return
	}
	d.Port.Ack(0, usb.DeviceToHost)
	d.state = stateAwaitStatusOut
}
