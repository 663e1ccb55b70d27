package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/celadyne/usbdc/device"
	"github.com/celadyne/usbdc/hal/sim"
	"github.com/celadyne/usbdc/usb"
)

func TestCollectorRegisters(t *testing.T) {
	s := sim.New(usb.SpeedHigh)
	p := device.NewPort(0, s.Registers())
	reg := prometheus.NewRegistry()
	if err := reg.Register(NewCollector(p)); err != nil {
		t.Fatalf("Register: %v", err)
	}
}

func TestCollectorValues(t *testing.T) {
	s := sim.New(usb.SpeedHigh)
	p := device.NewPort(3, s.Registers())

	p.Counters().BusResets.Add(2)
	p.Counters().SetupPackets.Add(7)

	expected := `
# HELP usbdc_bus_resets_total Host-initiated bus resets serviced.
# TYPE usbdc_bus_resets_total counter
usbdc_bus_resets_total{port="3"} 2
# HELP usbdc_setup_packets_total SETUP packets decoded.
# TYPE usbdc_setup_packets_total counter
usbdc_setup_packets_total{port="3"} 7
`
	err := testutil.CollectAndCompare(NewCollector(p), strings.NewReader(expected),
		"usbdc_bus_resets_total", "usbdc_setup_packets_total")
	if err != nil {
		t.Errorf("CollectAndCompare: %v", err)
	}
}

func TestCollectorTracksLiveCounters(t *testing.T) {
	s := sim.New(usb.SpeedHigh)
	p := device.NewPort(0, s.Registers())
	c := NewCollector(p)

	if got := testutil.CollectAndCount(c); got == 0 {
		t.Fatal("collector produced no metrics")
	}

	before := testutil.ToFloat64(filtered(c, "usbdc_packets_sent_total"))
	p.Write(1, []byte{1, 2, 3})
	after := testutil.ToFloat64(filtered(c, "usbdc_packets_sent_total"))
	if after != before+1 {
		t.Errorf("usbdc_packets_sent_total went %v -> %v, want +1", before, after)
	}
}

// filtered wraps a collector to expose only the named metric, for
// testutil.ToFloat64 which requires exactly one.
func filtered(c prometheus.Collector, name string) prometheus.Collector {
	return filterCollector{c: c, name: name}
}

type filterCollector struct {
	c    prometheus.Collector
	name string
}

func (f filterCollector) Describe(ch chan<- *prometheus.Desc) {
	f.c.Describe(ch)
}

func (f filterCollector) Collect(ch chan<- prometheus.Metric) {
	inner := make(chan prometheus.Metric, 64)
	go func() {
		f.c.Collect(inner)
		close(inner)
	}()
	for m := range inner {
		if strings.Contains(m.Desc().String(), f.name) {
			ch <- m
		}
	}
}
