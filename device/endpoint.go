package device

import (
	"github.com/celadyne/usbdc/pkg"
	"github.com/celadyne/usbdc/usb"
)

// WriteIdleRetryLimit bounds the busy-wait for a transmit FIFO to
// drain between packets of a multi-packet write. Exceeding it fails
// the write with ErrFlushTimeout instead of hanging the event loop.
const WriteIdleRetryLimit = 1_000_000

// ReadControl drains the control FIFO into buf. Returns the number of
// bytes stored and the number of bytes that arrived beyond buf's
// capacity; those are read and discarded so the FIFO is always left
// empty. Never blocks.
func (p *Port) ReadControl(buf []byte) (n, overflow int) {
	return p.drain(p.regs.Control.Have, p.regs.Control.ReadByte, buf)
}

// Read drains the OUT FIFO into buf after a packet was received on
// the given endpoint. Returns the bytes stored and the bytes
// discarded as overflow. Never blocks.
func (p *Port) Read(endpoint uint8, buf []byte) (n, overflow int) {
	n, overflow = p.drain(p.regs.Out.Have, p.regs.Out.ReadByte, buf)
	p.counters.PacketsReceived.Add(1)
	if overflow > 0 {
		pkg.LogWarn(pkg.ComponentEndpoint, "receive overflow", "port", p.Number,
			"endpoint", endpoint, "stored", n, "discarded", overflow)
	}
	return n, overflow
}

func (p *Port) drain(have func() bool, readByte func() uint8, buf []byte) (n, overflow int) {
	for have() && n < len(buf) {
		buf[n] = readByte()
		n++
	}
	for have() {
		readByte()
		overflow++
	}
	p.counters.BytesRead.Add(uint64(n))
	if overflow > 0 {
		p.counters.ReadOverflow.Add(uint64(overflow))
	}
	return n, overflow
}

// Write stages data into the transmit FIFO and primes it as a single
// packet on the given endpoint. Stale bytes left from an abandoned
// transmission are cleared first. A zero-length write primes exactly
// once, sending a zero-length packet.
func (p *Port) Write(endpoint uint8, data []byte) {
	p.clearStale(endpoint)
	for _, b := range data {
		p.regs.In.WriteByte(b)
	}
	p.regs.In.Prime(endpoint)
	p.counters.PacketsSent.Add(1)
	p.counters.BytesWritten.Add(uint64(len(data)))
}

// WritePackets stages data on the given endpoint, splitting it into
// packets of packetSize bytes. Each full interior packet is primed at
// its boundary and the FIFO is waited on, bounded by
// WriteIdleRetryLimit, before the next packet is staged. The final
// prime is unconditional: data whose length is an exact multiple of
// packetSize produces exactly len(data)/packetSize packets, and empty
// data produces a single zero-length packet.
func (p *Port) WritePackets(endpoint uint8, data []byte, packetSize int) error {
	p.clearStale(endpoint)

	for i, b := range data {
		p.regs.In.WriteByte(b)
		if (i+1)%packetSize == 0 && i+1 != len(data) {
			p.regs.In.Prime(endpoint)
			p.counters.PacketsSent.Add(1)
			if err := p.waitDrained(endpoint); err != nil {
				return err
			}
		}
	}

	p.regs.In.Prime(endpoint)
	p.counters.PacketsSent.Add(1)
	p.counters.BytesWritten.Add(uint64(len(data)))
	return nil
}

func (p *Port) clearStale(endpoint uint8) {
	if p.regs.In.Have() {
		pkg.LogDebug(pkg.ComponentEndpoint, "clearing stale transmit FIFO",
			"port", p.Number, "endpoint", endpoint)
		p.regs.In.Reset()
		p.counters.StaleWriteResets.Add(1)
	}
}

func (p *Port) waitDrained(endpoint uint8) error {
	for retries := 0; p.regs.In.Have(); retries++ {
		if retries >= WriteIdleRetryLimit {
			p.counters.FlushTimeouts.Add(1)
			pkg.LogError(pkg.ComponentEndpoint, "transmit flush timeout",
				"port", p.Number, "endpoint", endpoint)
			return pkg.ErrFlushTimeout
		}
	}
	return nil
}

// PrimeReceive arms the given OUT endpoint to receive one packet.
func (p *Port) PrimeReceive(endpoint uint8) {
	p.regs.Out.Prime(endpoint)
}

// Ack performs the status stage handshake for a control transfer whose
// data stage ran in the given direction: a zero-length packet is
// transmitted after an OUT data stage, and the OUT endpoint is primed
// to receive the host's zero-length packet after an IN data stage.
func (p *Port) Ack(endpoint uint8, dir usb.Direction) {
	if dir == usb.DeviceToHost {
		p.PrimeReceive(endpoint)
	} else {
		p.Write(endpoint, nil)
	}
}

// AckStatusStage acknowledges the status stage of the given control
// transfer on endpoint zero. A transfer without a data stage is
// acknowledged like an OUT transfer, with a zero-length packet.
func (p *Port) AckStatusStage(setup *usb.SetupPacket) {
	dir := setup.Direction()
	if setup.Length == 0 {
		dir = usb.HostToDevice
	}
	p.Ack(0, dir)
}
