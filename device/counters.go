package device

import "sync/atomic"

// Counters accumulates per-port engine statistics. All fields are
// atomics; the dispatcher and the event loop increment them from
// different goroutines and the metrics package reads them at scrape
// time.
type Counters struct {
	BusResets        atomic.Uint64 // host-initiated bus resets serviced
	SetupPackets     atomic.Uint64 // SETUP packets decoded
	ShortSetupDrops  atomic.Uint64 // SETUP receptions under 8 bytes, dropped
	ControlStalls    atomic.Uint64 // control requests rejected by stalling
	ReadOverflow     atomic.Uint64 // received bytes discarded for lack of buffer room
	StaleWriteResets atomic.Uint64 // transmit FIFOs reset due to stale bytes
	FlushTimeouts    atomic.Uint64 // transmit flushes abandoned at the retry limit
	PacketsSent      atomic.Uint64 // IN packets primed
	PacketsReceived  atomic.Uint64 // OUT packets drained
	BytesWritten     atomic.Uint64 // bytes staged to transmit FIFOs
	BytesRead        atomic.Uint64 // bytes read out of receive FIFOs
	EventsDispatched atomic.Uint64 // events pushed by the dispatcher
	UnknownEvents    atomic.Uint64 // interrupts no dispatch entry claimed
	QueueHighWater   atomic.Uint64 // deepest observed event queue depth
}

// noteQueueDepth records depth if it exceeds the current high-water
// mark.
func (c *Counters) noteQueueDepth(depth int) {
	d := uint64(depth)
	for {
		cur := c.QueueHighWater.Load()
		if d <= cur || c.QueueHighWater.CompareAndSwap(cur, d) {
			return
		}
	}
}
