// Package event defines the interrupt events exchanged between the
// interrupt dispatcher and the engine's event loop, and the bounded
// lock-free queue that carries them. The dispatcher is the only
// producer and the event loop the only consumer; the queue is safe for
// exactly that pairing.
package event

import "fmt"

// MaxPayload is the largest packet payload an event can carry inline,
// sized for a high-speed bulk packet.
const MaxPayload = 512

// Kind discriminates interrupt events.
type Kind uint8

// Event kinds, in dispatch priority order.
const (
	// KindUnknown carries the raw pending bitmap of an interrupt no
	// dispatch entry claimed.
	KindUnknown Kind = iota

	// KindBusReset reports a host-initiated bus reset. The immediate
	// register response has already been performed by the dispatcher.
	KindBusReset

	// KindReceiveControl reports a SETUP packet waiting on the
	// control endpoint.
	KindReceiveControl

	// KindReceivePacket reports a data packet on an OUT endpoint.
	// When the dispatcher reads FIFOs in interrupt context the
	// packet bytes ride along in Data.
	KindReceivePacket

	// KindSendComplete reports that a primed IN packet was
	// acknowledged by the host.
	KindSendComplete

	// KindError reports an interrupt the dispatcher classified as an
	// error condition.
	KindError
)

// String returns the event kind name.
func (k Kind) String() string {
	switch k {
	case KindUnknown:
		return "Unknown"
	case KindBusReset:
		return "BusReset"
	case KindReceiveControl:
		return "ReceiveControl"
	case KindReceivePacket:
		return "ReceivePacket"
	case KindSendComplete:
		return "SendComplete"
	case KindError:
		return "Error"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Event is one interrupt occurrence. Events are plain values; the
// queue copies them whole, so no allocation happens on the interrupt
// path.
type Event struct {
	Port     uint8
	Kind     Kind
	Endpoint uint8
	Pending  uint32 // raw pending bitmap, meaningful for Unknown and Error
	Length   uint16 // payload bytes valid in Data
	Data     [MaxPayload]byte
}

// Payload returns the packet bytes carried by a data-bearing event.
func (e *Event) Payload() []byte {
	return e.Data[:e.Length]
}

// String returns a short description for logging.
func (e *Event) String() string {
	switch e.Kind {
	case KindReceivePacket:
		return fmt.Sprintf("%s(port=%d ep=%d len=%d)", e.Kind, e.Port, e.Endpoint, e.Length)
	case KindUnknown, KindError:
		return fmt.Sprintf("%s(port=%d pending=0x%08X)", e.Kind, e.Port, e.Pending)
	default:
		return fmt.Sprintf("%s(port=%d ep=%d)", e.Kind, e.Port, e.Endpoint)
	}
}
