package usb

import (
	"encoding/binary"
	"fmt"

	"github.com/celadyne/usbdc/pkg"
)

// SetupPacket represents an 8-byte USB SETUP packet.
type SetupPacket struct {
	RequestType uint8  // bmRequestType: direction, type, recipient
	Request     uint8  // bRequest: specific request code
	Value       uint16 // wValue: request-specific parameter
	Index       uint16 // wIndex: request-specific index
	Length      uint16 // wLength: number of bytes to transfer
}

// SetupPacketSize is the size of a USB SETUP packet in bytes.
const SetupPacketSize = 8

// DecodeSetupPacket decodes a SETUP packet from 8 bytes into out.
// Returns an error if the data is too short; any 8-byte pattern
// decodes successfully.
func DecodeSetupPacket(data []byte, out *SetupPacket) error {
	if len(data) < SetupPacketSize {
		return pkg.ErrSetupTooShort
	}
	out.RequestType = data[0]
	out.Request = data[1]
	out.Value = binary.LittleEndian.Uint16(data[2:4])
	out.Index = binary.LittleEndian.Uint16(data[4:6])
	out.Length = binary.LittleEndian.Uint16(data[6:8])
	return nil
}

// Encode serializes the setup packet to buf.
// Returns the number of bytes written (always 8 if buf is large enough).
func (s *SetupPacket) Encode(buf []byte) int {
	if len(buf) < SetupPacketSize {
		return 0
	}
	buf[0] = s.RequestType
	buf[1] = s.Request
	binary.LittleEndian.PutUint16(buf[2:4], s.Value)
	binary.LittleEndian.PutUint16(buf[4:6], s.Index)
	binary.LittleEndian.PutUint16(buf[6:8], s.Length)
	return SetupPacketSize
}

// Recipient represents bits 0..4 of the request_type field.
type Recipient uint8

// Request recipients (USB 2.0 Spec Table 9-2).
const (
	RecipientDevice    Recipient = 0
	RecipientInterface Recipient = 1
	RecipientEndpoint  Recipient = 2
	RecipientOther     Recipient = 3
	RecipientReserved  Recipient = 4 // 4..31 are reserved
)

// RecipientFrom decodes the recipient from a raw request_type byte.
// Total: every value maps to a variant.
func RecipientFrom(requestType uint8) Recipient {
	r := requestType & 0x1F
	if r > 3 {
		return RecipientReserved
	}
	return Recipient(r)
}

// String returns a human-readable recipient name.
func (r Recipient) String() string {
	switch r {
	case RecipientDevice:
		return "Device"
	case RecipientInterface:
		return "Interface"
	case RecipientEndpoint:
		return "Endpoint"
	case RecipientOther:
		return "Other"
	default:
		return "Reserved"
	}
}

// RequestType represents bits 5..6 of the request_type field.
type RequestType uint8

// Request type classes (USB 2.0 Spec Table 9-2).
const (
	RequestTypeStandard RequestType = 0
	RequestTypeClass    RequestType = 1
	RequestTypeVendor   RequestType = 2
	RequestTypeReserved RequestType = 3
)

// RequestTypeFrom decodes the request type class from a raw
// request_type byte. Total: every value maps to a variant.
func RequestTypeFrom(requestType uint8) RequestType {
	return RequestType((requestType >> 5) & 0x03)
}

// String returns a human-readable request type name.
func (t RequestType) String() string {
	switch t {
	case RequestTypeStandard:
		return "Standard"
	case RequestTypeClass:
		return "Class"
	case RequestTypeVendor:
		return "Vendor"
	default:
		return "Reserved"
	}
}

// Direction represents bit 7 of the request_type field.
type Direction uint8

// Transfer directions.
const (
	HostToDevice Direction = 0x00 // OUT
	DeviceToHost Direction = 0x80 // IN
)

// DirectionFrom decodes the data-phase direction from a raw
// request_type byte.
func DirectionFrom(requestType uint8) Direction {
	return Direction(requestType & 0x80)
}

// DirectionFromEndpointAddress decodes the direction encoded in the
// top bit of an endpoint address.
func DirectionFromEndpointAddress(endpointAddress uint8) Direction {
	return Direction(endpointAddress & 0x80)
}

// Invert returns the opposite direction. The status stage of a
// control transfer is acknowledged in the inverse of the data
// direction.
func (d Direction) Invert() Direction {
	return d ^ 0x80
}

// String returns a human-readable direction name.
func (d Direction) String() string {
	if d == DeviceToHost {
		return "IN"
	}
	return "OUT"
}

// Request represents the request field of a SETUP packet.
// Values 0..12 excluding 2 and 4 are standard requests, 2 and 4 are
// reserved, and 13..255 are class- or vendor-specific.
type Request uint8

// Standard USB request codes (USB 2.0 Spec Table 9-4).
const (
	RequestGetStatus        Request = 0
	RequestClearFeature     Request = 1
	RequestSetFeature       Request = 3
	RequestSetAddress       Request = 5
	RequestGetDescriptor    Request = 6
	RequestSetDescriptor    Request = 7
	RequestGetConfiguration Request = 8
	RequestSetConfiguration Request = 9
	RequestGetInterface     Request = 10
	RequestSetInterface     Request = 11
	RequestSynchronizeFrame Request = 12
)

// IsStandard returns true if this is a standard request code.
func (r Request) IsStandard() bool {
	return r <= RequestSynchronizeFrame && r != 2 && r != 4
}

// IsReserved returns true if this is a reserved request code.
func (r Request) IsReserved() bool {
	return r == 2 || r == 4
}

// IsClassOrVendor returns true if this is a class- or vendor-specific
// request code.
func (r Request) IsClassOrVendor() bool {
	return r > RequestSynchronizeFrame
}

// String returns a human-readable request name.
func (r Request) String() string {
	switch r {
	case RequestGetStatus:
		return "GetStatus"
	case RequestClearFeature:
		return "ClearFeature"
	case RequestSetFeature:
		return "SetFeature"
	case RequestSetAddress:
		return "SetAddress"
	case RequestGetDescriptor:
		return "GetDescriptor"
	case RequestSetDescriptor:
		return "SetDescriptor"
	case RequestGetConfiguration:
		return "GetConfiguration"
	case RequestSetConfiguration:
		return "SetConfiguration"
	case RequestGetInterface:
		return "GetInterface"
	case RequestSetInterface:
		return "SetInterface"
	case RequestSynchronizeFrame:
		return "SynchronizeFrame"
	}
	if r.IsReserved() {
		return fmt.Sprintf("Reserved(%d)", uint8(r))
	}
	return fmt.Sprintf("ClassOrVendor(0x%02X)", uint8(r))
}

// Direction returns the data-phase transfer direction.
func (s *SetupPacket) Direction() Direction {
	return DirectionFrom(s.RequestType)
}

// Type returns the request type class.
func (s *SetupPacket) Type() RequestType {
	return RequestTypeFrom(s.RequestType)
}

// Recipient returns the request recipient.
func (s *SetupPacket) Recipient() Recipient {
	return RecipientFrom(s.RequestType)
}

// StandardRequest returns the typed request code.
func (s *SetupPacket) StandardRequest() Request {
	return Request(s.Request)
}

// DescriptorType returns the descriptor type from the wValue high byte.
func (s *SetupPacket) DescriptorType() uint8 {
	return uint8(s.Value >> 8)
}

// DescriptorIndex returns the descriptor index from the wValue low byte.
func (s *SetupPacket) DescriptorIndex() uint8 {
	return uint8(s.Value & 0xFF)
}

// InterfaceNumber returns the interface number from wIndex.
func (s *SetupPacket) InterfaceNumber() uint8 {
	return uint8(s.Index & 0xFF)
}

// EndpointAddress returns the endpoint address from wIndex.
func (s *SetupPacket) EndpointAddress() uint8 {
	return uint8(s.Index & 0xFF)
}

// String returns a human-readable representation of the setup packet.
func (s *SetupPacket) String() string {
	return fmt.Sprintf("SETUP[%s %s %s] Request=%s Value=0x%04X Index=0x%04X Length=%d",
		s.Direction(), s.Type(), s.Recipient(), s.StandardRequest(), s.Value, s.Index, s.Length)
}

// Feature represents standard wValue selectors for SetFeature and
// ClearFeature requests.
type Feature uint16

// Feature selectors (USB 2.0 Spec Table 9-6).
const (
	FeatureEndpointHalt       Feature = 0
	FeatureDeviceRemoteWakeup Feature = 1
	FeatureTestMode           Feature = 2
)

// FeatureFrom decodes a feature selector from a raw wValue.
// The second return value is false for selectors with no standard
// meaning.
func FeatureFrom(value uint16) (Feature, bool) {
	switch value {
	case 0:
		return FeatureEndpointHalt, true
	case 1:
		return FeatureDeviceRemoteWakeup, true
	case 2:
		return FeatureTestMode, true
	default:
		return 0, false
	}
}
