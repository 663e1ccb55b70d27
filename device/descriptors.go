package device

import "github.com/celadyne/usbdc/usb"

// Descriptors is the construction-time descriptor table a Device
// serves standard GET_DESCRIPTOR requests from. Qualifier and
// OtherSpeedConfiguration are optional; a device that leaves them nil
// stalls those requests, which is the correct response for a device
// with no alternate-speed behavior.
type Descriptors struct {
	Device                  usb.DeviceDescriptor
	Qualifier               *usb.DeviceQualifierDescriptor
	Configuration           usb.ConfigurationDescriptor
	OtherSpeedConfiguration *usb.ConfigurationDescriptor

	// Strings holds string descriptors by index starting at 1; index
	// 0 is always the language table.
	Strings []string
}

// marshal writes the requested descriptor into buf. Returns the
// descriptor length and whether the table can serve the request.
func (t *Descriptors) marshal(descriptorType, index uint8, buf []byte) (int, bool) {
	switch descriptorType {
	case usb.DescriptorTypeDevice:
		if index != 0 {
			return 0, false
		}
		return t.Device.MarshalTo(buf), true

	case usb.DescriptorTypeConfiguration:
		if index != 0 {
			return 0, false
		}
		return t.Configuration.MarshalTo(buf), true

	case usb.DescriptorTypeDeviceQualifier:
		if t.Qualifier == nil {
			return 0, false
		}
		return t.Qualifier.MarshalTo(buf), true

	case usb.DescriptorTypeOtherSpeedConfig:
		if t.OtherSpeedConfiguration == nil || index != 0 {
			return 0, false
		}
		return t.OtherSpeedConfiguration.MarshalTo(buf), true

	case usb.DescriptorTypeString:
		if index == 0 {
			return usb.LanguageDescriptorTo(buf, usb.LangIDUSEnglish), true
		}
		if int(index) <= len(t.Strings) {
			return usb.StringDescriptorTo(buf, t.Strings[index-1]), true
		}
		return 0, false

	default:
		return 0, false
	}
}
