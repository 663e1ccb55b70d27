package usb

import (
	"encoding/binary"

	"github.com/celadyne/usbdc/pkg"
)

// USB Descriptor Types (USB 2.0 Spec Table 9-5).
const (
	DescriptorTypeDevice           = 0x01
	DescriptorTypeConfiguration    = 0x02
	DescriptorTypeString           = 0x03
	DescriptorTypeInterface        = 0x04
	DescriptorTypeEndpoint         = 0x05
	DescriptorTypeDeviceQualifier  = 0x06
	DescriptorTypeOtherSpeedConfig = 0x07
	DescriptorTypeInterfacePower   = 0x08
)

// Endpoint transfer types (USB 2.0 Spec Table 9-13).
const (
	EndpointTypeControl     = 0x00
	EndpointTypeIsochronous = 0x01
	EndpointTypeBulk        = 0x02
	EndpointTypeInterrupt   = 0x03
)

// DeviceDescriptor represents a USB device descriptor (18 bytes).
type DeviceDescriptor struct {
	USBVersion        uint16 // USB specification version (BCD)
	DeviceClass       uint8  // Class code
	DeviceSubClass    uint8  // Subclass code
	DeviceProtocol    uint8  // Protocol code
	MaxPacketSize0    uint8  // Max packet size for EP0
	VendorID          uint16 // Vendor ID
	ProductID         uint16 // Product ID
	DeviceVersion     uint16 // Device release number (BCD)
	ManufacturerIndex uint8  // Index of manufacturer string
	ProductIndex      uint8  // Index of product string
	SerialNumberIndex uint8  // Index of serial number string
	NumConfigurations uint8  // Number of configurations
}

// DeviceDescriptorSize is the size of a device descriptor in bytes.
const DeviceDescriptorSize = 18

// MarshalTo serializes the device descriptor to buf.
// Returns the number of bytes written (always 18 if buf is large enough).
func (d *DeviceDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < DeviceDescriptorSize {
		return 0
	}
	buf[0] = DeviceDescriptorSize
	buf[1] = DescriptorTypeDevice
	binary.LittleEndian.PutUint16(buf[2:4], d.USBVersion)
	buf[4] = d.DeviceClass
	buf[5] = d.DeviceSubClass
	buf[6] = d.DeviceProtocol
	buf[7] = d.MaxPacketSize0
	binary.LittleEndian.PutUint16(buf[8:10], d.VendorID)
	binary.LittleEndian.PutUint16(buf[10:12], d.ProductID)
	binary.LittleEndian.PutUint16(buf[12:14], d.DeviceVersion)
	buf[14] = d.ManufacturerIndex
	buf[15] = d.ProductIndex
	buf[16] = d.SerialNumberIndex
	buf[17] = d.NumConfigurations
	return DeviceDescriptorSize
}

// DeviceQualifierDescriptor describes the device's behavior at the
// speed it is not currently operating at (10 bytes).
type DeviceQualifierDescriptor struct {
	USBVersion        uint16
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize0    uint8
	NumConfigurations uint8
}

// DeviceQualifierDescriptorSize is the size of a device qualifier
// descriptor in bytes.
const DeviceQualifierDescriptorSize = 10

// MarshalTo serializes the device qualifier descriptor to buf.
func (d *DeviceQualifierDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < DeviceQualifierDescriptorSize {
		return 0
	}
	buf[0] = DeviceQualifierDescriptorSize
	buf[1] = DescriptorTypeDeviceQualifier
	binary.LittleEndian.PutUint16(buf[2:4], d.USBVersion)
	buf[4] = d.DeviceClass
	buf[5] = d.DeviceSubClass
	buf[6] = d.DeviceProtocol
	buf[7] = d.MaxPacketSize0
	buf[8] = d.NumConfigurations
	buf[9] = 0 // reserved
	return DeviceQualifierDescriptorSize
}

// EndpointDescriptor represents a USB endpoint descriptor (7 bytes).
type EndpointDescriptor struct {
	EndpointAddress uint8  // Endpoint address including direction bit
	Attributes      uint8  // Transfer type and sync/usage flags
	MaxPacketSize   uint16 // Maximum packet size
	Interval        uint8  // Polling interval (interrupt/isochronous)
}

// EndpointDescriptorSize is the size of an endpoint descriptor in bytes.
const EndpointDescriptorSize = 7

// MarshalTo serializes the endpoint descriptor to buf.
func (e *EndpointDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < EndpointDescriptorSize {
		return 0
	}
	buf[0] = EndpointDescriptorSize
	buf[1] = DescriptorTypeEndpoint
	buf[2] = e.EndpointAddress
	buf[3] = e.Attributes
	binary.LittleEndian.PutUint16(buf[4:6], e.MaxPacketSize)
	buf[6] = e.Interval
	return EndpointDescriptorSize
}

// Number returns the endpoint number (0-15).
func (e *EndpointDescriptor) Number() uint8 {
	return e.EndpointAddress & 0x0F
}

// Direction returns the endpoint direction.
func (e *EndpointDescriptor) Direction() Direction {
	return DirectionFromEndpointAddress(e.EndpointAddress)
}

// InterfaceDescriptor represents a USB interface descriptor (9 bytes)
// together with its endpoint descriptors.
type InterfaceDescriptor struct {
	InterfaceNumber   uint8
	AlternateSetting  uint8
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
	InterfaceIndex    uint8 // Index of string descriptor
	Endpoints         []EndpointDescriptor
}

// InterfaceDescriptorSize is the size of the interface descriptor
// header in bytes, excluding its endpoint descriptors.
const InterfaceDescriptorSize = 9

// MarshalTo serializes the interface descriptor and its endpoint
// descriptors to buf. Returns the number of bytes written, or 0 if buf
// is too small.
func (i *InterfaceDescriptor) MarshalTo(buf []byte) int {
	total := InterfaceDescriptorSize + len(i.Endpoints)*EndpointDescriptorSize
	if len(buf) < total {
		return 0
	}
	buf[0] = InterfaceDescriptorSize
	buf[1] = DescriptorTypeInterface
	buf[2] = i.InterfaceNumber
	buf[3] = i.AlternateSetting
	buf[4] = uint8(len(i.Endpoints))
	buf[5] = i.InterfaceClass
	buf[6] = i.InterfaceSubClass
	buf[7] = i.InterfaceProtocol
	buf[8] = i.InterfaceIndex
	n := InterfaceDescriptorSize
	for idx := range i.Endpoints {
		n += i.Endpoints[idx].MarshalTo(buf[n:])
	}
	return n
}

// ConfigurationDescriptor represents a USB configuration descriptor
// (9-byte header) together with its interface descriptors.
type ConfigurationDescriptor struct {
	DescriptorType     uint8 // Configuration or OtherSpeedConfig; zero means Configuration
	ConfigurationValue uint8 // Value for SET_CONFIGURATION
	ConfigurationIndex uint8 // Index of string descriptor
	Attributes         uint8 // Bus-powered, self-powered, remote wakeup
	MaxPower           uint8 // Maximum power consumption (2 mA units)
	Interfaces         []InterfaceDescriptor
}

// Configuration attribute bits.
const (
	ConfigAttrBusPowered   = 0x80 // Always set
	ConfigAttrSelfPowered  = 0x40
	ConfigAttrRemoteWakeup = 0x20
)

// ConfigurationDescriptorSize is the size of the configuration
// descriptor header in bytes.
const ConfigurationDescriptorSize = 9

// TotalLength returns the total length of the configuration descriptor
// including all interface and endpoint descriptors.
func (c *ConfigurationDescriptor) TotalLength() int {
	total := ConfigurationDescriptorSize
	for idx := range c.Interfaces {
		total += InterfaceDescriptorSize
		total += len(c.Interfaces[idx].Endpoints) * EndpointDescriptorSize
	}
	return total
}

// MarshalTo serializes the full configuration hierarchy to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (c *ConfigurationDescriptor) MarshalTo(buf []byte) int {
	total := c.TotalLength()
	if len(buf) < total {
		return 0
	}
	descriptorType := c.DescriptorType
	if descriptorType == 0 {
		descriptorType = DescriptorTypeConfiguration
	}
	buf[0] = ConfigurationDescriptorSize
	buf[1] = descriptorType
	binary.LittleEndian.PutUint16(buf[2:4], uint16(total))
	buf[4] = uint8(len(c.Interfaces))
	buf[5] = c.ConfigurationValue
	buf[6] = c.ConfigurationIndex
	buf[7] = c.Attributes
	buf[8] = c.MaxPower
	n := ConfigurationDescriptorSize
	for idx := range c.Interfaces {
		n += c.Interfaces[idx].MarshalTo(buf[n:])
	}
	return n
}

// StringDescriptorTo writes a USB string descriptor encoding s as
// UTF-16LE to buf. Returns the number of bytes written, or 0 if buf is
// too small.
func StringDescriptorTo(buf []byte, s string) int {
	runes := []rune(s)
	length := 2 + len(runes)*2
	if length > 255 {
		length = 255
		runes = runes[:(length-2)/2]
	}
	if len(buf) < length {
		return 0
	}
	buf[0] = uint8(length)
	buf[1] = DescriptorTypeString
	for i, r := range runes {
		binary.LittleEndian.PutUint16(buf[2+i*2:], uint16(r))
	}
	return length
}

// LanguageDescriptorTo writes the language ID string descriptor
// (index 0) to buf. Returns the number of bytes written, or 0 if buf
// is too small.
func LanguageDescriptorTo(buf []byte, langIDs ...uint16) int {
	length := 2 + len(langIDs)*2
	if len(buf) < length {
		return 0
	}
	buf[0] = uint8(length)
	buf[1] = DescriptorTypeString
	for i, id := range langIDs {
		binary.LittleEndian.PutUint16(buf[2+i*2:], id)
	}
	return length
}

// LangIDUSEnglish is the language ID for US English.
const LangIDUSEnglish = 0x0409

// ValidateStringDescriptor checks that data is a plausible pre-encoded
// string descriptor.
func ValidateStringDescriptor(data []byte) error {
	if len(data) < 2 {
		return pkg.ErrDescriptorTooShort
	}
	if data[1] != DescriptorTypeString {
		return pkg.ErrDescriptorTypeMismatch
	}
	if int(data[0]) > len(data) {
		return pkg.ErrDescriptorTooShort
	}
	return nil
}
