// Package hal defines the register capability contract between the
// usbdc engine and a USB device controller. The controller exposes
// four register groups per port: the controller itself plus one group
// each for the control, IN, and OUT endpoint banks. Every group
// carries its own interrupt enable, pending, and clear surface.
//
// The engine never touches raw register bit layouts. Implementations
// translate these operations to their hardware (or, for hal/sim, to an
// in-memory model).
package hal
