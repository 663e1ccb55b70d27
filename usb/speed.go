package usb

import "fmt"

// Speed represents the USB connection speed as reported by the device
// controller's speed register at connect or bus-reset time.
type Speed uint8

// Speed codes. These match the controller's encoding, not the USB
// specification's descriptor ordering.
const (
	SpeedHigh  Speed = 0 // 480 Mbps
	SpeedFull  Speed = 1 // 12 Mbps
	SpeedLow   Speed = 2 // 1.5 Mbps
	SpeedSuper Speed = 3 // 5 Gbps, including SuperSpeed+
)

// String returns a human-readable speed description.
func (s Speed) String() string {
	switch s {
	case SpeedHigh:
		return "High Speed (480 Mbps)"
	case SpeedFull:
		return "Full Speed (12 Mbps)"
	case SpeedLow:
		return "Low Speed (1.5 Mbps)"
	case SpeedSuper:
		return "Super Speed (5 Gbps)"
	default:
		return fmt.Sprintf("Unknown Speed (%d)", uint8(s))
	}
}

// MaxPacketSize0 returns the maximum packet size for endpoint 0 at
// this speed.
func (s Speed) MaxPacketSize0() uint16 {
	switch s {
	case SpeedLow:
		return 8
	case SpeedSuper:
		return 512
	default:
		return 64
	}
}

// MaxPacketSizeBulk returns the maximum bulk packet size at this
// speed.
func (s Speed) MaxPacketSizeBulk() uint16 {
	switch s {
	case SpeedHigh, SpeedSuper:
		return 512
	case SpeedFull:
		return 64
	default:
		return 8
	}
}
