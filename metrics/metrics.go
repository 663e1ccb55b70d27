// Package metrics exports the engine's per-port counters as Prometheus
// collectors. The engine itself only increments atomics; everything
// Prometheus-shaped lives here and is read at scrape time.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/celadyne/usbdc/device"
)

type counterSpec struct {
	name  string
	help  string
	gauge bool
	read  func(*device.Counters) uint64
}

var specs = []counterSpec{
	{"usbdc_bus_resets_total", "Host-initiated bus resets serviced.", false,
		func(c *device.Counters) uint64 { return c.BusResets.Load() }},
	{"usbdc_setup_packets_total", "SETUP packets decoded.", false,
		func(c *device.Counters) uint64 { return c.SetupPackets.Load() }},
	{"usbdc_short_setup_drops_total", "SETUP receptions under 8 bytes, dropped.", false,
		func(c *device.Counters) uint64 { return c.ShortSetupDrops.Load() }},
	{"usbdc_control_stalls_total", "Control requests rejected by stalling.", false,
		func(c *device.Counters) uint64 { return c.ControlStalls.Load() }},
	{"usbdc_read_overflow_bytes_total", "Received bytes discarded for lack of buffer room.", false,
		func(c *device.Counters) uint64 { return c.ReadOverflow.Load() }},
	{"usbdc_stale_write_resets_total", "Transmit FIFOs reset due to stale bytes.", false,
		func(c *device.Counters) uint64 { return c.StaleWriteResets.Load() }},
	{"usbdc_flush_timeouts_total", "Transmit flushes abandoned at the retry limit.", false,
		func(c *device.Counters) uint64 { return c.FlushTimeouts.Load() }},
	{"usbdc_packets_sent_total", "IN packets primed.", false,
		func(c *device.Counters) uint64 { return c.PacketsSent.Load() }},
	{"usbdc_packets_received_total", "OUT packets drained.", false,
		func(c *device.Counters) uint64 { return c.PacketsReceived.Load() }},
	{"usbdc_bytes_written_total", "Bytes staged to transmit FIFOs.", false,
		func(c *device.Counters) uint64 { return c.BytesWritten.Load() }},
	{"usbdc_bytes_read_total", "Bytes read out of receive FIFOs.", false,
		func(c *device.Counters) uint64 { return c.BytesRead.Load() }},
	{"usbdc_events_dispatched_total", "Events pushed by the interrupt dispatcher.", false,
		func(c *device.Counters) uint64 { return c.EventsDispatched.Load() }},
	{"usbdc_unknown_events_total", "Interrupts no dispatch entry claimed.", false,
		func(c *device.Counters) uint64 { return c.UnknownEvents.Load() }},
	{"usbdc_event_queue_high_water", "Deepest observed event queue depth.", true,
		func(c *device.Counters) uint64 { return c.QueueHighWater.Load() }},
}

// Collector exposes the counters of one or more ports, labelled by
// port number.
type Collector struct {
	ports []*device.Port
	descs []*prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector builds a collector over the given ports.
func NewCollector(ports ...*device.Port) *Collector {
	c := &Collector{ports: ports}
	for _, s := range specs {
		c.descs = append(c.descs,
			prometheus.NewDesc(s.name, s.help, []string{"port"}, nil))
	}
	return c
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, p := range c.ports {
		label := strconv.Itoa(int(p.Number))
		counters := p.Counters()
		for i, s := range specs {
			kind := prometheus.CounterValue
			if s.gauge {
				kind = prometheus.GaugeValue
			}
			ch <- prometheus.MustNewConstMetric(
				c.descs[i], kind, float64(s.read(counters)), label)
		}
	}
}
