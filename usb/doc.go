// Package usb defines the wire-level USB types shared by the usbdc
// engine: the 8-byte SETUP packet with its total, allocation-free
// decode accessors, standard request and feature selectors, connection
// speeds as reported by the device controller, and descriptor
// marshalling helpers.
//
// Decode functions in this package are defined for every possible bit
// pattern. Malformed input maps to the Reserved variants rather than
// an error, matching USB 2.0 chapter 9 semantics.
package usb
