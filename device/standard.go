package device

import (
	"github.com/celadyne/usbdc/pkg"
	"github.com/celadyne/usbdc/usb"
)

// handleStandard dispatches a standard control request. Anything the
// engine cannot satisfy stalls; no request, however malformed, may
// take the engine down.
func (d *Device) handleStandard(setup *usb.SetupPacket) {
	switch setup.StandardRequest() {
	case usb.RequestGetDescriptor:
		d.getDescriptor(setup)
	case usb.RequestSetAddress:
		d.setAddress(setup)
	case usb.RequestGetStatus:
		d.getStatus(setup)
	case usb.RequestSetConfiguration:
		d.setConfiguration(setup)
	case usb.RequestGetConfiguration:
		d.sendControlResponse(setup, []byte{d.configuration})
	case usb.RequestSetInterface:
		d.setInterface(setup)
	case usb.RequestGetInterface:
		d.sendControlResponse(setup, []byte{0})
	case usb.RequestClearFeature:
		d.clearFeature(setup)
	case usb.RequestSetFeature:
		d.setFeature(setup)
	case usb.RequestSynchronizeFrame:
		d.sendControlResponse(setup, []byte{0, 0})
	default:
		// SET_DESCRIPTOR, the reserved codes, and class or vendor
		// codes sent with a standard type byte.
		pkg.LogDebug(pkg.ComponentControl, "unsupported standard request",
			"port", d.Port.Number, "request", setup.StandardRequest())
		d.stall()
	}
}

func (d *Device) getDescriptor(setup *usb.SetupPacket) {
	n, ok := d.Descriptors.marshal(setup.DescriptorType(), setup.DescriptorIndex(), d.scratch[:])
	if !ok && setup.DescriptorType() == usb.DescriptorTypeString && d.OnString != nil {
		if s, found := d.OnString(setup.DescriptorIndex()); found {
			n, ok = usb.StringDescriptorTo(d.scratch[:], s), true
		}
	}
	if !ok || n == 0 {
		pkg.LogDebug(pkg.ComponentControl, "descriptor not available",
			"port", d.Port.Number, "type", setup.DescriptorType(),
			"index", setup.DescriptorIndex())
		d.stall()
		return
	}
	d.sendControlResponse(setup, d.scratch[:n])
}

// setAddress records the new address and arms the transmit-acknowledge
// flag before sending the status packet. The hardware address register
// is written only after the host acknowledges that packet; writing it
// earlier would make the device deaf to the status stage itself, which
// the host still sends to address zero.
func (d *Device) setAddress(setup *usb.SetupPacket) {
	d.pendingAddress = int16(setup.Value & 0x7F)
	d.Port.setTxAck()
	d.Port.AckStatusStage(setup)
	pkg.LogDebug(pkg.ComponentControl, "address pending",
		"port", d.Port.Number, "address", d.pendingAddress)
}

func (d *Device) getStatus(setup *usb.SetupPacket) {
	var status [2]byte
	switch setup.Recipient() {
	case usb.RecipientDevice:
		if d.Descriptors.Configuration.Attributes&usb.ConfigAttrSelfPowered != 0 {
			status[0] |= 0x01
		}
		if d.remoteWakeup {
			status[0] |= 0x02
		}
	case usb.RecipientInterface:
		// Both bytes reserved as zero.
	case usb.RecipientEndpoint:
		if d.Port.Halted(setup.EndpointAddress()) {
			status[0] |= 0x01
		}
	default:
		d.stall()
		return
	}
	d.sendControlResponse(setup, status[:])
}

func (d *Device) setConfiguration(setup *usb.SetupPacket) {
	value := uint8(setup.Value)
	if value != 0 && value != d.Descriptors.Configuration.ConfigurationValue {
		pkg.LogWarn(pkg.ComponentControl, "unknown configuration",
			"port", d.Port.Number, "value", value)
		d.stall()
		return
	}
	d.configuration = value
	d.Port.AckStatusStage(setup)
}

func (d *Device) setInterface(setup *usb.SetupPacket) {
	// No alternate settings are exposed.
	if setup.Value != 0 {
		d.stall()
		return
	}
	d.Port.AckStatusStage(setup)
}

func (d *Device) clearFeature(setup *usb.SetupPacket) {
	feature, ok := usb.FeatureFrom(setup.Value)
	if !ok {
		d.stall()
		return
	}
	switch {
	case setup.Recipient() == usb.RecipientDevice && feature == usb.FeatureDeviceRemoteWakeup:
		d.remoteWakeup = false
	case setup.Recipient() == usb.RecipientEndpoint && feature == usb.FeatureEndpointHalt:
		d.Port.ClearFeatureEndpointHalt(setup.EndpointAddress())
	default:
		d.stall()
		return
	}
	d.Port.AckStatusStage(setup)
}

func (d *Device) setFeature(setup *usb.SetupPacket) {
	feature, ok := usb.FeatureFrom(setup.Value)
	if !ok {
		d.stall()
		return
	}
	switch {
	case setup.Recipient() == usb.RecipientDevice && feature == usb.FeatureDeviceRemoteWakeup:
		d.remoteWakeup = true
	case setup.Recipient() == usb.RecipientEndpoint && feature == usb.FeatureEndpointHalt:
		addr := setup.EndpointAddress()
		d.Port.SetStall(addr&0x0F, usb.DirectionFromEndpointAddress(addr), true)
	default:
		d.stall()
		return
	}
	d.Port.AckStatusStage(setup)
}
