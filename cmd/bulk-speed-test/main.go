// Command bulk-speed-test runs a bulk throughput test device against
// the in-memory register model. A simulated host enumerates the
// device, then drives its command endpoint: one command makes the
// device blast a payload out its IN endpoint, the other makes it sink
// host data on its OUT endpoint. Transfer statistics are printed at
// the end and exported as Prometheus metrics while running.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/celadyne/usbdc/config"
	"github.com/celadyne/usbdc/device"
	"github.com/celadyne/usbdc/event"
	"github.com/celadyne/usbdc/hal/sim"
	"github.com/celadyne/usbdc/metrics"
	"github.com/celadyne/usbdc/pkg"
	"github.com/celadyne/usbdc/usb"
)

// Test commands, received as the first byte of a packet on the
// command endpoint.
const (
	cmdIn    = 0x23 // device transmits testPayloadSize bytes on epBulkIn
	cmdOut   = 0x42 // device sinks the next host packets on epBulkOut
	cmdError = 0xFF // host-reported error, logged only
)

const (
	epBulkOut = 0x01
	epCommand = 0x02
	epBulkIn  = 0x81

	testPayloadSize = 512 * 64
)

func main() {
	fs := pflag.NewFlagSet("bulk-speed-test", pflag.ExitOnError)
	config.RegisterFlags(fs)
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.Load(fs)
	if err != nil {
		fmt.Fprintln(os.Stderr, "bulk-speed-test:", err)
		os.Exit(1)
	}
	level, _ := cfg.LogrusLevel()
	pkg.SetLogLevel(level)

	if err := runTest(cfg); err != nil && err != context.Canceled {
		fmt.Fprintln(os.Stderr, "bulk-speed-test:", err)
		os.Exit(1)
	}
}

func runTest(cfg *config.Config) error {
	speed, _ := cfg.DeviceSpeed()
	simPort := sim.New(speed)
	port := device.NewPort(0, simPort.Registers())
	queue := &event.Queue{}
	dispatcher := &device.Dispatcher{
		Ports:         []*device.Port{port},
		Queue:         queue,
		ReadOnReceive: cfg.ReadOnReceive,
	}

	dev := device.New(port, descriptors(cfg))
	dev.InlinePackets = cfg.ReadOnReceive
	dev.OnBusReset = func(d *device.Device) {
		d.Port.PrimeReceive(epCommand)
		d.Port.PrimeReceive(epBulkOut)
	}
	dev.OnReceive = func(d *device.Device, ep uint8, data []byte) {
		switch {
		case ep == epCommand && len(data) > 0:
			handleCommand(d, data[0])
			d.Port.PrimeReceive(epCommand)
		case ep == epBulkOut:
			d.Port.PrimeReceive(epBulkOut)
		default:
			d.Port.PrimeReceive(ep)
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(metrics.NewCollector(port))

	var g run.Group
	ctx, cancel := context.WithCancel(context.Background())

	g.Add(func() error {
		return dispatcher.Run(ctx)
	}, func(error) {
		cancel()
	})

	g.Add(func() error {
		return dev.Run(ctx, queue)
	}, func(error) {
		cancel()
	})

	if cfg.MetricsListen != "" {
		srv := &http.Server{
			Addr:    cfg.MetricsListen,
			Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		}
		g.Add(func() error {
			return srv.ListenAndServe()
		}, func(error) {
			shutdownCtx, done := context.WithTimeout(context.Background(), time.Second)
			defer done()
			_ = srv.Shutdown(shutdownCtx)
		})
	}

	g.Add(func() error {
		return hostSide(ctx, simPort, dev, port)
	}, func(error) {
		cancel()
	})

	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

	return g.Run()
}

func handleCommand(d *device.Device, command uint8) {
	switch command {
	case cmdIn:
		payload := make([]byte, testPayloadSize)
		for i := range payload {
			payload[i] = byte(i)
		}
		packetSize := int(d.Port.Speed().MaxPacketSizeBulk())
		d.Port.MaskTransmitComplete()
		defer d.Port.UnmaskTransmitComplete()
		start := time.Now()
		if err := d.Port.WritePackets(epBulkIn&0x0F, payload, packetSize); err != nil {
			pkg.LogError(pkg.ComponentApp, "test write failed", "err", err)
			return
		}
		pkg.LogInfo(pkg.ComponentApp, "test payload written",
			"bytes", testPayloadSize, "elapsed", time.Since(start))
	case cmdOut:
		// Nothing to arm: the OUT endpoint is kept primed and every
		// received packet is counted by the port already.
	case cmdError:
		pkg.LogError(pkg.ComponentApp, "host reported error")
	default:
		pkg.LogWarn(pkg.ComponentApp, "unknown test command", "command", command)
	}
}

// hostSide plays the host: enumerate, run the IN test, run the OUT
// test, print stats, and shut the group down.
func hostSide(ctx context.Context, simPort *sim.Port, dev *device.Device, port *device.Port) error {
	dev.Connect()
	dev.Port.PrimeReceive(epCommand)
	dev.Port.PrimeReceive(epBulkOut)

	h := host{ctx: ctx, sim: simPort}
	if err := h.enumerate(); err != nil {
		return err
	}

	// IN throughput: request the payload and count what arrives.
	simPort.ClearTransmitted()
	if err := h.sendCommand(cmdIn); err != nil {
		return err
	}
	received, err := h.collect(testPayloadSize)
	if err != nil {
		return err
	}

	// OUT throughput: push packets at the device.
	if err := h.sendCommand(cmdOut); err != nil {
		return err
	}
	packet := make([]byte, 512)
	sent := 0
	for i := 0; i < 64; i++ {
		if err := h.submit(epBulkOut, packet); err != nil {
			return err
		}
		sent += len(packet)
	}

	h.settle()
	c := port.Counters()
	fmt.Printf("bulk-speed-test: IN %d bytes, OUT %d bytes\n", received, sent)
	fmt.Printf("  packets sent=%d received=%d queue high-water=%d stale resets=%d\n",
		c.PacketsSent.Load(), c.PacketsReceived.Load(),
		c.QueueHighWater.Load(), c.StaleWriteResets.Load())
	return context.Canceled
}

// host drives the simulated bus with retries, since the device side
// runs asynchronously in the dispatcher and event loop goroutines.
type host struct {
	ctx context.Context
	sim *sim.Port
}

func (h *host) enumerate() error {
	getDevice := usb.SetupPacket{
		RequestType: 0x80,
		Request:     uint8(usb.RequestGetDescriptor),
		Value:       usb.DescriptorTypeDevice << 8,
		Length:      usb.DeviceDescriptorSize,
	}
	var buf [8]byte
	getDevice.Encode(buf[:])
	h.sim.SubmitSetup(0, buf[:])
	if _, err := h.collect(usb.DeviceDescriptorSize); err != nil {
		return fmt.Errorf("enumeration: %w", err)
	}
	if err := h.submit(0, nil); err != nil { // status stage
		return err
	}

	setAddress := usb.SetupPacket{Request: uint8(usb.RequestSetAddress), Value: 0x2A}
	setAddress.Encode(buf[:])
	h.sim.SubmitSetup(0, buf[:])
	if err := h.await(func() bool { return h.sim.Address() == 0x2A }); err != nil {
		return fmt.Errorf("address never committed: %w", err)
	}

	setConfig := usb.SetupPacket{Request: uint8(usb.RequestSetConfiguration), Value: 1}
	setConfig.Encode(buf[:])
	h.sim.ClearTransmitted()
	h.sim.SubmitSetup(0, buf[:])
	if _, err := h.collect(0); err != nil { // status ZLP
		return fmt.Errorf("set configuration: %w", err)
	}
	return nil
}

func (h *host) sendCommand(command uint8) error {
	return h.submit(epCommand, []byte{command})
}

// submit retries until the device has the endpoint primed.
func (h *host) submit(endpoint uint8, data []byte) error {
	return h.await(func() bool { return h.sim.SubmitOut(endpoint, data) })
}

// collect waits until at least n payload bytes have been transmitted,
// then returns the total.
func (h *host) collect(n int) (int, error) {
	total := 0
	err := h.await(func() bool {
		total = 0
		for _, p := range h.sim.TransmittedPackets() {
			total += len(p.Data)
		}
		return total >= n && len(h.sim.TransmittedPackets()) > 0
	})
	return total, err
}

func (h *host) settle() {
	time.Sleep(50 * time.Millisecond)
}

func (h *host) await(done func() bool) error {
	deadline := time.After(5 * time.Second)
	for {
		if done() {
			return nil
		}
		select {
		case <-h.ctx.Done():
			return h.ctx.Err()
		case <-deadline:
			return fmt.Errorf("timed out waiting for device")
		case <-time.After(time.Millisecond):
		}
	}
}

func descriptors(cfg *config.Config) *device.Descriptors {
	return &device.Descriptors{
		Device: usb.DeviceDescriptor{
			USBVersion:        0x0200,
			MaxPacketSize0:    64,
			VendorID:          cfg.Identity.VendorID,
			ProductID:         cfg.Identity.ProductID,
			DeviceVersion:     0x0100,
			ManufacturerIndex: 1,
			ProductIndex:      2,
			SerialNumberIndex: 3,
			NumConfigurations: 1,
		},
		Qualifier: &usb.DeviceQualifierDescriptor{
			USBVersion:        0x0200,
			MaxPacketSize0:    64,
			NumConfigurations: 1,
		},
		Configuration: usb.ConfigurationDescriptor{
			ConfigurationValue: 1,
			Attributes:         usb.ConfigAttrBusPowered,
			MaxPower:           50,
			Interfaces: []usb.InterfaceDescriptor{{
				InterfaceClass:    0xFF, // vendor specific
				InterfaceSubClass: 0xFF,
				InterfaceProtocol: 0xFF,
				Endpoints: []usb.EndpointDescriptor{
					{EndpointAddress: epBulkOut, Attributes: usb.EndpointTypeBulk, MaxPacketSize: 512},
					{EndpointAddress: epCommand, Attributes: usb.EndpointTypeBulk, MaxPacketSize: 512},
					{EndpointAddress: epBulkIn, Attributes: usb.EndpointTypeBulk, MaxPacketSize: 512},
				},
			}},
		},
		OtherSpeedConfiguration: &usb.ConfigurationDescriptor{
			DescriptorType:     usb.DescriptorTypeOtherSpeedConfig,
			ConfigurationValue: 1,
			Attributes:         usb.ConfigAttrBusPowered,
			MaxPower:           50,
			Interfaces: []usb.InterfaceDescriptor{{
				InterfaceClass:    0xFF,
				InterfaceSubClass: 0xFF,
				InterfaceProtocol: 0xFF,
				Endpoints: []usb.EndpointDescriptor{
					{EndpointAddress: epBulkOut, Attributes: usb.EndpointTypeBulk, MaxPacketSize: 64},
					{EndpointAddress: epCommand, Attributes: usb.EndpointTypeBulk, MaxPacketSize: 64},
					{EndpointAddress: epBulkIn, Attributes: usb.EndpointTypeBulk, MaxPacketSize: 64},
				},
			}},
		},
		Strings: cfg.StringDescriptors(),
	}
}
