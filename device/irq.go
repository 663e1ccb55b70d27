package device

import (
	"context"
	"runtime"

	"github.com/celadyne/usbdc/event"
	"github.com/celadyne/usbdc/pkg"
)

// Bit positions in the pending bitmap carried by Unknown and Error
// events.
const (
	PendingController = 1 << 0
	PendingControl    = 1 << 1
	PendingOut        = 1 << 2
	PendingIn         = 1 << 3
)

// Dispatcher translates pending register state into queued events. It
// is the queue's single producer; everything it does must be safe in
// interrupt context: acknowledge registers, perform the immediate bus
// reset response, optionally drain a received packet, and push.
type Dispatcher struct {
	// Ports are serviced in slice order; within a port, sources are
	// serviced controller first, then control, OUT, and IN.
	Ports []*Port

	// Queue receives the translated events.
	Queue *event.Queue

	// ReadOnReceive makes OUT servicing drain the packet into the
	// event itself before acknowledging the interrupt. This closes
	// the window where a re-primed endpoint overwrites a packet the
	// event loop has not read yet, at the cost of copying in
	// interrupt context.
	ReadOnReceive bool
}

// dispatchEntry pairs an interrupt source predicate with its service
// routine. Order in the table is dispatch priority.
type dispatchEntry struct {
	pending func(*Port) bool
	service func(*Dispatcher, *Port)
}

var dispatchTable = []dispatchEntry{
	{
		pending: func(p *Port) bool { return p.regs.Controller.PendingEvents() },
		service: (*Dispatcher).serviceBusReset,
	},
	{
		pending: func(p *Port) bool { return p.regs.Control.PendingEvents() },
		service: (*Dispatcher).serviceControl,
	},
	{
		pending: func(p *Port) bool { return p.regs.Out.PendingEvents() },
		service: (*Dispatcher).serviceOut,
	},
	{
		pending: func(p *Port) bool { return p.regs.In.PendingEvents() },
		service: (*Dispatcher).serviceIn,
	},
}

// ServiceIRQ scans the ports in priority order and services the first
// pending interrupt source found. Returns false when nothing was
// pending.
func (d *Dispatcher) ServiceIRQ() bool {
	for _, p := range d.Ports {
		for _, entry := range dispatchTable {
			if entry.pending(p) {
				entry.service(d, p)
				return true
			}
		}
	}
	return false
}

// ReportUnknown queues an Unknown event for an interrupt assertion no
// dispatch entry claimed, carrying the raw pending bitmap.
func (d *Dispatcher) ReportUnknown(p *Port, pending uint32) {
	p.counters.UnknownEvents.Add(1)
	d.push(p, &event.Event{Port: p.Number, Kind: event.KindUnknown, Pending: pending})
}

// Run polls ServiceIRQ until ctx is cancelled. It stands in for a
// hardware interrupt line when the registers are simulated.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if !d.ServiceIRQ() {
			runtime.Gosched()
		}
	}
}

// serviceBusReset performs the port's immediate bus reset response
// before queueing, so the deadline for re-arming reception does not
// depend on event loop latency.
func (d *Dispatcher) serviceBusReset(p *Port) {
	p.regs.Controller.ClearPendingEvents()
	p.BusReset()
	d.push(p, &event.Event{Port: p.Number, Kind: event.KindBusReset})
}

func (d *Dispatcher) serviceControl(p *Port) {
	ep := p.regs.Control.Number()
	p.regs.Control.ClearPendingEvents()
	d.push(p, &event.Event{Port: p.Number, Kind: event.KindReceiveControl, Endpoint: ep})
}

// serviceOut reads the packet before acknowledging when ReadOnReceive
// is set; the FIFO must be empty by the time a re-prime can race in.
func (d *Dispatcher) serviceOut(p *Port) {
	ep := p.regs.Out.Number()
	e := event.Event{Port: p.Number, Kind: event.KindReceivePacket, Endpoint: ep}
	if d.ReadOnReceive {
		n, _ := p.Read(ep, e.Data[:])
		e.Length = uint16(n)
	}
	p.regs.Out.ClearPendingEvents()
	d.push(p, &e)
}

// serviceIn clears the transmit-acknowledge flag before queueing so
// the event loop observes the acknowledgement no later than the event
// itself.
func (d *Dispatcher) serviceIn(p *Port) {
	ep := p.regs.In.Number()
	p.regs.In.ClearPendingEvents()
	if ep == 0 {
		p.clearTxAck()
	}
	d.push(p, &event.Event{Port: p.Number, Kind: event.KindSendComplete, Endpoint: ep})
}

// push queues an event. Overflow means the event loop has fallen
// unrecoverably behind and protocol state can no longer be trusted;
// that is fatal.
func (d *Dispatcher) push(p *Port, e *event.Event) {
	if !d.Queue.Push(e) {
		pkg.LogError(pkg.ComponentDispatcher, "event queue overflow",
			"port", p.Number, "event", e.String())
		panic(pkg.ErrQueueOverflow)
	}
	p.counters.EventsDispatched.Add(1)
	p.counters.noteQueueDepth(d.Queue.Len())
}
