package device

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/celadyne/usbdc/event"
	"github.com/celadyne/usbdc/hal/sim"
	"github.com/celadyne/usbdc/usb"
)

func testDescriptors() *Descriptors {
	return &Descriptors{
		Device: usb.DeviceDescriptor{
			USBVersion:        0x0200,
			MaxPacketSize0:    64,
			VendorID:          0x16D0,
			ProductID:         0x0F3B,
			DeviceVersion:     0x0100,
			ManufacturerIndex: 1,
			ProductIndex:      2,
			NumConfigurations: 1,
		},
		Qualifier: &usb.DeviceQualifierDescriptor{
			USBVersion:        0x0200,
			MaxPacketSize0:    64,
			NumConfigurations: 1,
		},
		Configuration: usb.ConfigurationDescriptor{
			ConfigurationValue: 1,
			Attributes:         usb.ConfigAttrBusPowered,
			MaxPower:           50,
			Interfaces: []usb.InterfaceDescriptor{{
				Endpoints: []usb.EndpointDescriptor{
					{EndpointAddress: 0x01, Attributes: usb.EndpointTypeBulk, MaxPacketSize: 512},
					{EndpointAddress: 0x81, Attributes: usb.EndpointTypeBulk, MaxPacketSize: 512},
				},
			}},
		},
		Strings: []string{"usbdc", "engine test"},
	}
}

type rig struct {
	sim    *sim.Port
	port   *Port
	disp   *Dispatcher
	queue  *event.Queue
	device *Device
}

func newRig(t *testing.T) *rig {
	t.Helper()
	s := sim.New(usb.SpeedHigh)
	p := NewPort(0, s.Registers())
	q := &event.Queue{}
	d := New(p, testDescriptors())
	r := &rig{
		sim:    s,
		port:   p,
		disp:   &Dispatcher{Ports: []*Port{p}, Queue: q},
		queue:  q,
		device: d,
	}
	d.Connect()
	return r
}

// pump alternates interrupt servicing and event handling until both
// sides go quiet.
func (r *rig) pump(t *testing.T) {
	t.Helper()
	for i := 0; ; i++ {
		progressed := false
		for r.disp.ServiceIRQ() {
			progressed = true
		}
		var e event.Event
		for r.queue.Pop(&e) {
			r.device.HandleEvent(&e)
			progressed = true
		}
		if !progressed {
			return
		}
		if i > 100 {
			t.Fatal("engine did not settle")
		}
	}
}

func (r *rig) setup(t *testing.T, s usb.SetupPacket) {
	t.Helper()
	var buf [usb.SetupPacketSize]byte
	s.Encode(buf[:])
	r.sim.SubmitSetup(0, buf[:])
	r.pump(t)
}

func getDescriptorSetup(descType, index uint8, length uint16) usb.SetupPacket {
	return usb.SetupPacket{
		RequestType: 0x80,
		Request:     uint8(usb.RequestGetDescriptor),
		Value:       uint16(descType)<<8 | uint16(index),
		Length:      length,
	}
}

func TestGetDeviceDescriptor(t *testing.T) {
	r := newRig(t)
	r.setup(t, getDescriptorSetup(usb.DescriptorTypeDevice, 0, 18))

	tx := r.sim.TransmittedPackets()
	if len(tx) != 1 {
		t.Fatalf("transmitted %d packets, want 1", len(tx))
	}
	var want [18]byte
	testDescriptors().Device.MarshalTo(want[:])
	if !bytes.Equal(tx[0].Data, want[:]) {
		t.Errorf("descriptor = % X, want % X", tx[0].Data, want)
	}

	// Status stage: the OUT side must be primed for the host's
	// zero-length packet, and receiving it returns the engine to
	// idle without a stall.
	if !r.sim.OutPrimed(0) {
		t.Fatal("OUT endpoint 0 not primed for status stage")
	}
	r.sim.SubmitOut(0, nil)
	r.pump(t)
	if r.sim.Stalled(0, usb.DeviceToHost) || r.sim.Stalled(0, usb.HostToDevice) {
		t.Error("control endpoint stalled after a successful transfer")
	}
}

func TestGetDescriptorTruncatedToRequestedLength(t *testing.T) {
	r := newRig(t)
	// Hosts fetch the first 8 bytes of the device descriptor before
	// knowing the full length.
	r.setup(t, getDescriptorSetup(usb.DescriptorTypeDevice, 0, 8))

	tx := r.sim.TransmittedPackets()
	if len(tx) != 1 || len(tx[0].Data) != 8 {
		t.Fatalf("transmitted %+v, want one 8-byte packet", tx)
	}
}

func TestGetConfigurationDescriptorHierarchy(t *testing.T) {
	r := newRig(t)
	desc := testDescriptors()
	total := desc.Configuration.TotalLength()
	r.setup(t, getDescriptorSetup(usb.DescriptorTypeConfiguration, 0, uint16(total)))

	tx := r.sim.TransmittedPackets()
	if len(tx) != 1 {
		t.Fatalf("transmitted %d packets, want 1", len(tx))
	}
	want := make([]byte, total)
	desc.Configuration.MarshalTo(want)
	if !bytes.Equal(tx[0].Data, want) {
		t.Errorf("configuration = % X, want % X", tx[0].Data, want)
	}
}

func TestGetStringDescriptors(t *testing.T) {
	r := newRig(t)

	r.setup(t, getDescriptorSetup(usb.DescriptorTypeString, 0, 255))
	tx := r.sim.TransmittedPackets()
	if len(tx) != 1 || !bytes.Equal(tx[0].Data, []byte{4, usb.DescriptorTypeString, 0x09, 0x04}) {
		t.Fatalf("language table = %+v", tx)
	}
	r.sim.ClearTransmitted()

	r.setup(t, getDescriptorSetup(usb.DescriptorTypeString, 1, 255))
	tx = r.sim.TransmittedPackets()
	var want [64]byte
	n := usb.StringDescriptorTo(want[:], "usbdc")
	if len(tx) != 1 || !bytes.Equal(tx[0].Data, want[:n]) {
		t.Fatalf("string 1 = %+v", tx)
	}
}

func TestStringCallbackFallback(t *testing.T) {
	r := newRig(t)
	r.device.OnString = func(index uint8) (string, bool) {
		if index == 0xEE {
			return "dynamic", true
		}
		return "", false
	}

	r.setup(t, getDescriptorSetup(usb.DescriptorTypeString, 0xEE, 255))
	tx := r.sim.TransmittedPackets()
	var want [64]byte
	n := usb.StringDescriptorTo(want[:], "dynamic")
	if len(tx) != 1 || !bytes.Equal(tx[0].Data, want[:n]) {
		t.Fatalf("callback string = %+v", tx)
	}
	r.sim.ClearTransmitted()

	// Unresolvable index stalls.
	r.setup(t, getDescriptorSetup(usb.DescriptorTypeString, 0x7E, 255))
	if !r.sim.Stalled(0, usb.DeviceToHost) {
		t.Error("missing string descriptor did not stall")
	}
}

func TestUnknownDescriptorStalls(t *testing.T) {
	r := newRig(t)
	r.setup(t, getDescriptorSetup(0x3F, 0, 255))
	if !r.sim.Stalled(0, usb.DeviceToHost) || !r.sim.Stalled(0, usb.HostToDevice) {
		t.Error("unknown descriptor type did not stall both directions")
	}
}

// The hardware address register may only change after the status
// packet of SET_ADDRESS is acknowledged; the host sends that packet to
// address zero.
func TestSetAddressDeferredUntilStatusAck(t *testing.T) {
	r := newRig(t)
	r.sim.SetAutoAck(false) // hold the status packet in flight

	r.setup(t, usb.SetupPacket{
		Request: uint8(usb.RequestSetAddress),
		Value:   0x29,
	})

	if got := r.sim.Address(); got != 0 {
		t.Fatalf("address = 0x%02X before status ack, want 0", got)
	}

	// Host collects the status packet; only now may the register
	// change.
	if !r.sim.CompleteIn() {
		t.Fatal("no status packet in flight")
	}
	r.pump(t)
	if got := r.sim.Address(); got != 0x29 {
		t.Errorf("address = 0x%02X after status ack, want 0x29", got)
	}
}

func TestSetAddressImmediateWithFastAck(t *testing.T) {
	r := newRig(t)
	r.setup(t, usb.SetupPacket{
		Request: uint8(usb.RequestSetAddress),
		Value:   0x11,
	})
	if got := r.sim.Address(); got != 0x11 {
		t.Errorf("address = 0x%02X, want 0x11", got)
	}
}

func TestSetAndGetConfiguration(t *testing.T) {
	r := newRig(t)

	r.setup(t, usb.SetupPacket{
		Request: uint8(usb.RequestSetConfiguration),
		Value:   1,
	})
	if r.device.Configuration() != 1 {
		t.Fatalf("Configuration() = %d, want 1", r.device.Configuration())
	}
	r.sim.ClearTransmitted()

	r.setup(t, usb.SetupPacket{
		RequestType: 0x80,
		Request:     uint8(usb.RequestGetConfiguration),
		Length:      1,
	})
	tx := r.sim.TransmittedPackets()
	if len(tx) != 1 || !bytes.Equal(tx[0].Data, []byte{1}) {
		t.Errorf("GET_CONFIGURATION response = %+v", tx)
	}
}

func TestSetConfigurationUnknownValueStalls(t *testing.T) {
	r := newRig(t)
	r.setup(t, usb.SetupPacket{
		Request: uint8(usb.RequestSetConfiguration),
		Value:   7,
	})
	if !r.sim.Stalled(0, usb.DeviceToHost) {
		t.Error("unknown configuration value did not stall")
	}
	if r.device.Configuration() != 0 {
		t.Errorf("Configuration() = %d, want 0", r.device.Configuration())
	}
}

func TestEndpointHaltFeature(t *testing.T) {
	r := newRig(t)

	// SET_FEATURE(ENDPOINT_HALT) on IN endpoint 1.
	r.setup(t, usb.SetupPacket{
		RequestType: 0x02,
		Request:     uint8(usb.RequestSetFeature),
		Value:       uint16(usb.FeatureEndpointHalt),
		Index:       0x81,
	})
	if !r.sim.Stalled(1, usb.DeviceToHost) {
		t.Fatal("endpoint not halted after SET_FEATURE")
	}
	r.sim.ClearTransmitted()

	// GET_STATUS(endpoint) reports the halt.
	r.setup(t, usb.SetupPacket{
		RequestType: 0x82,
		Request:     uint8(usb.RequestGetStatus),
		Index:       0x81,
		Length:      2,
	})
	tx := r.sim.TransmittedPackets()
	if len(tx) != 1 || !bytes.Equal(tx[0].Data, []byte{0x01, 0x00}) {
		t.Fatalf("GET_STATUS = %+v, want halt bit set", tx)
	}

	// CLEAR_FEATURE(ENDPOINT_HALT) unstalls and resets the toggle.
	r.setup(t, usb.SetupPacket{
		RequestType: 0x02,
		Request:     uint8(usb.RequestClearFeature),
		Value:       uint16(usb.FeatureEndpointHalt),
		Index:       0x81,
	})
	if r.sim.Stalled(1, usb.DeviceToHost) {
		t.Error("endpoint still halted after CLEAR_FEATURE")
	}
}

func TestGetStatusDevice(t *testing.T) {
	r := newRig(t)
	r.setup(t, usb.SetupPacket{
		RequestType: 0x80,
		Request:     uint8(usb.RequestGetStatus),
		Length:      2,
	})
	tx := r.sim.TransmittedPackets()
	if len(tx) != 1 || !bytes.Equal(tx[0].Data, []byte{0x00, 0x00}) {
		t.Errorf("GET_STATUS(device) = %+v, want 00 00", tx)
	}
}

func TestUnsupportedVendorRequestStalls(t *testing.T) {
	r := newRig(t)
	r.setup(t, usb.SetupPacket{
		RequestType: 0x40, // vendor, host-to-device
		Request:     0x99,
	})

	if !r.sim.Stalled(0, usb.DeviceToHost) || !r.sim.Stalled(0, usb.HostToDevice) {
		t.Fatal("vendor request without a handler did not stall both directions")
	}
	if got := r.port.Counters().ControlStalls.Load(); got != 1 {
		t.Errorf("ControlStalls = %d, want 1", got)
	}

	// The engine is back at idle: the next SETUP clears the stall
	// and completes normally.
	r.setup(t, getDescriptorSetup(usb.DescriptorTypeDevice, 0, 18))
	if r.sim.Stalled(0, usb.DeviceToHost) {
		t.Error("stall persisted past the next SETUP")
	}
	if len(r.sim.TransmittedPackets()) != 1 {
		t.Error("engine did not recover after the stall")
	}
}

func TestVendorCallbackConsumed(t *testing.T) {
	r := newRig(t)
	var seen usb.SetupPacket
	r.device.OnClassVendor = func(d *Device, setup *usb.SetupPacket) bool {
		seen = *setup
		d.Port.AckStatusStage(setup)
		return true
	}

	r.setup(t, usb.SetupPacket{RequestType: 0x40, Request: 0x42, Value: 0x1234})
	if seen.Request != 0x42 || seen.Value != 0x1234 {
		t.Fatalf("callback saw %+v", seen)
	}
	// Exactly one status packet, from the callback, not a second
	// generic ack.
	tx := r.sim.TransmittedPackets()
	if len(tx) != 1 || len(tx[0].Data) != 0 {
		t.Errorf("transmitted %+v, want one zero-length packet", tx)
	}
}

func TestVendorCallbackGenericAck(t *testing.T) {
	r := newRig(t)
	r.device.OnClassVendor = func(d *Device, setup *usb.SetupPacket) bool {
		return false // observed, not consumed
	}
	r.setup(t, usb.SetupPacket{RequestType: 0x40, Request: 0x23})

	tx := r.sim.TransmittedPackets()
	if len(tx) != 1 || len(tx[0].Data) != 0 {
		t.Errorf("transmitted %+v, want the generic status ack", tx)
	}
}

func TestShortSetupDropped(t *testing.T) {
	r := newRig(t)
	r.sim.SubmitSetup(0, []byte{0x80, 0x06, 0x00})
	r.pump(t)

	if got := r.port.Counters().ShortSetupDrops.Load(); got != 1 {
		t.Errorf("ShortSetupDrops = %d, want 1", got)
	}
	if r.sim.Stalled(0, usb.DeviceToHost) {
		t.Error("short setup caused a stall")
	}
	if len(r.sim.TransmittedPackets()) != 0 {
		t.Error("short setup produced a response")
	}

	// Engine still accepts the next request.
	r.setup(t, getDescriptorSetup(usb.DescriptorTypeDevice, 0, 18))
	if len(r.sim.TransmittedPackets()) != 1 {
		t.Error("engine did not recover after a short setup")
	}
}

func TestBusResetMidTransfer(t *testing.T) {
	r := newRig(t)
	r.setup(t, usb.SetupPacket{
		Request: uint8(usb.RequestSetConfiguration),
		Value:   1,
	})
	r.setup(t, usb.SetupPacket{
		Request: uint8(usb.RequestSetAddress),
		Value:   0x33,
	})
	if r.sim.Address() != 0x33 || r.device.Configuration() != 1 {
		t.Fatal("precondition: device not configured and addressed")
	}

	// Start a transfer, then reset the bus before its status stage.
	r.sim.SetAutoAck(false)
	r.setup(t, usb.SetupPacket{
		Request: uint8(usb.RequestSetAddress),
		Value:   0x44,
	})
	r.sim.RaiseBusReset()
	r.sim.SetAutoAck(true)
	r.pump(t)

	if got := r.sim.Address(); got != 0 {
		t.Errorf("address = 0x%02X after bus reset, want 0", got)
	}
	if r.device.Configuration() != 0 {
		t.Errorf("configuration = %d after bus reset, want 0", r.device.Configuration())
	}

	// Enumeration can start over.
	r.sim.ClearTransmitted()
	r.setup(t, getDescriptorSetup(usb.DescriptorTypeDevice, 0, 18))
	if len(r.sim.TransmittedPackets()) != 1 {
		t.Error("device did not answer after bus reset")
	}
}

func TestBusResetCallback(t *testing.T) {
	r := newRig(t)
	called := 0
	r.device.OnBusReset = func(d *Device) { called++ }
	r.sim.RaiseBusReset()
	r.pump(t)
	if called != 1 {
		t.Errorf("OnBusReset called %d times, want 1", called)
	}
}

func TestDeviceQualifierServed(t *testing.T) {
	r := newRig(t)
	r.setup(t, getDescriptorSetup(usb.DescriptorTypeDeviceQualifier, 0, 10))
	tx := r.sim.TransmittedPackets()
	if len(tx) != 1 || len(tx[0].Data) != 10 {
		t.Fatalf("qualifier response = %+v", tx)
	}

	// A device without a qualifier stalls the request.
	r2 := newRig(t)
	r2.device.Descriptors.Qualifier = nil
	r2.setup(t, getDescriptorSetup(usb.DescriptorTypeDeviceQualifier, 0, 10))
	if !r2.sim.Stalled(0, usb.DeviceToHost) {
		t.Error("qualifier request did not stall without a qualifier descriptor")
	}
}

func TestBulkReceiveDelivery(t *testing.T) {
	r := newRig(t)
	var gotEP uint8
	var gotData []byte
	r.device.OnReceive = func(d *Device, ep uint8, data []byte) {
		gotEP = ep
		gotData = append([]byte(nil), data...)
		d.Port.PrimeReceive(ep)
	}

	r.port.PrimeReceive(1)
	if !r.sim.SubmitOut(1, []byte{0xDE, 0xAD}) {
		t.Fatal("SubmitOut rejected")
	}
	r.pump(t)

	if gotEP != 1 || !bytes.Equal(gotData, []byte{0xDE, 0xAD}) {
		t.Fatalf("OnReceive got ep=%d data=% X", gotEP, gotData)
	}
	// The callback re-primed, so the next packet is accepted.
	if !r.sim.SubmitOut(1, []byte{0x01}) {
		t.Error("endpoint not re-primed by callback")
	}
}

func TestInlinePacketDelivery(t *testing.T) {
	r := newRig(t)
	r.disp.ReadOnReceive = true
	r.device.InlinePackets = true

	var gotData []byte
	r.device.OnReceive = func(d *Device, ep uint8, data []byte) {
		gotData = append([]byte(nil), data...)
	}

	r.port.PrimeReceive(2)
	r.sim.SubmitOut(2, []byte{1, 2, 3})
	r.pump(t)

	if !bytes.Equal(gotData, []byte{1, 2, 3}) {
		t.Errorf("OnReceive got % X, want 01 02 03", gotData)
	}
}

func TestSetInterface(t *testing.T) {
	r := newRig(t)
	r.setup(t, usb.SetupPacket{
		RequestType: 0x01,
		Request:     uint8(usb.RequestSetInterface),
		Value:       0,
	})
	if r.sim.Stalled(0, usb.DeviceToHost) {
		t.Error("SET_INTERFACE(0) stalled")
	}

	r.setup(t, usb.SetupPacket{
		RequestType: 0x01,
		Request:     uint8(usb.RequestSetInterface),
		Value:       1,
	})
	if !r.sim.Stalled(0, usb.DeviceToHost) {
		t.Error("SET_INTERFACE with unknown alternate did not stall")
	}
}

func TestSetDescriptorStalls(t *testing.T) {
	r := newRig(t)
	r.setup(t, usb.SetupPacket{
		Request: uint8(usb.RequestSetDescriptor),
		Value:   uint16(usb.DescriptorTypeDevice) << 8,
		Length:  18,
	})
	if !r.sim.Stalled(0, usb.DeviceToHost) {
		t.Error("SET_DESCRIPTOR did not stall")
	}
}

// Run must yield while the queue is empty, still handle events pushed
// from the interrupt side, and exit when its context is cancelled.
func TestDeviceRunHandlesEventsAndStops(t *testing.T) {
	r := newRig(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.device.Run(ctx, r.queue) }()

	var buf [usb.SetupPacketSize]byte
	setup := getDescriptorSetup(usb.DescriptorTypeDevice, 0, 18)
	setup.Encode(buf[:])
	r.sim.SubmitSetup(0, buf[:])
	for r.disp.ServiceIRQ() {
	}

	deadline := time.After(5 * time.Second)
	for len(r.sim.TransmittedPackets()) == 0 {
		select {
		case <-deadline:
			t.Fatal("descriptor never transmitted")
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
