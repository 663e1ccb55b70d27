// Command cdc-loopback runs a serial loopback device against the
// in-memory register model: every byte received on its bulk OUT
// endpoint is transmitted straight back on its bulk IN endpoint. The
// device answers the CDC line-coding requests so a host serial stack
// would accept it. A simulated host enumerates it, configures the
// line, pushes data through the loop, and verifies the echo.
package main

import (
	"bytes"
	"context"
	"encoding/binary"
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

// CDC class request codes (CDC 1.2 §6.2.1).
const (
	reqSetLineCoding       = 0x20
	reqGetLineCoding       = 0x21
	reqSetControlLineState = 0x22
)

const (
	epSerialOut = 0x01
	epSerialIn  = 0x81

	// Served through the string callback rather than the static
	// table, the way dynamic build identifiers are.
	buildStringIndex = 0xEE
)

// lineCoding is the 7-byte CDC line coding structure.
type lineCoding struct {
	BaudRate uint32
	StopBits uint8
	Parity   uint8
	DataBits uint8
}

func (l *lineCoding) unmarshal(data []byte) bool {
	if len(data) < 7 {
		return false
	}
	l.BaudRate = binary.LittleEndian.Uint32(data[0:4])
	l.StopBits = data[4]
	l.Parity = data[5]
	l.DataBits = data[6]
	return true
}

func (l *lineCoding) marshal(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], l.BaudRate)
	buf[4] = l.StopBits
	buf[5] = l.Parity
	buf[6] = l.DataBits
}

type loopback struct {
	coding         lineCoding
	awaitingCoding bool
}

func main() {
	fs := pflag.NewFlagSet("cdc-loopback", pflag.ExitOnError)
	config.RegisterFlags(fs)
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.Load(fs)
	if err != nil {
		fmt.Fprintln(os.Stderr, "cdc-loopback:", err)
		os.Exit(1)
	}
	level, _ := cfg.LogrusLevel()
	pkg.SetLogLevel(level)

	if err := runLoopback(cfg); err != nil && err != context.Canceled {
		fmt.Fprintln(os.Stderr, "cdc-loopback:", err)
		os.Exit(1)
	}
}

func runLoopback(cfg *config.Config) error {
	speed, _ := cfg.DeviceSpeed()
	simPort := sim.New(speed)
	port := device.NewPort(0, simPort.Registers())
	queue := &event.Queue{}
	dispatcher := &device.Dispatcher{
		Ports: []*device.Port{port},
		Queue: queue,
		// The loopback re-primes from the event loop; reading in
		// interrupt context keeps a fast host from overwriting a
		// packet before the echo went out.
		ReadOnReceive: true,
	}

	lb := &loopback{coding: lineCoding{BaudRate: 115200, StopBits: 0, Parity: 0, DataBits: 8}}
	dev := device.New(port, descriptors(cfg))
	dev.InlinePackets = true
	dev.OnClassVendor = lb.handleClassRequest
	dev.OnString = func(index uint8) (string, bool) {
		if index == buildStringIndex {
			return "cdc-loopback " + cfg.Identity.SerialNumber, true
		}
		return "", false
	}
	dev.OnBusReset = func(d *device.Device) {
		d.Port.PrimeReceive(epSerialOut)
	}
	dev.OnReceive = func(d *device.Device, ep uint8, data []byte) {
		switch ep {
		case 0:
			if lb.awaitingCoding && lb.coding.unmarshal(data) {
				lb.awaitingCoding = false
				pkg.LogInfo(pkg.ComponentApp, "line coding set",
					"baud", lb.coding.BaudRate, "data_bits", lb.coding.DataBits)
				d.Port.Write(0, nil) // status stage
			}
		case epSerialOut:
			d.Port.Write(epSerialIn&0x0F, data)
			d.Port.PrimeReceive(epSerialOut)
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
		return hostSide(ctx, simPort, dev)
	}, func(error) {
		cancel()
	})

	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

	return g.Run()
}

// handleClassRequest answers the CDC requests a serial host issues.
func (lb *loopback) handleClassRequest(d *device.Device, setup *usb.SetupPacket) bool {
	if setup.Type() != usb.RequestTypeClass {
		return false
	}
	switch setup.Request {
	case reqSetLineCoding:
		// The 7-byte coding follows in the data stage; status is
		// acknowledged after it arrives.
		lb.awaitingCoding = true
		d.Port.PrimeReceive(0)
		return true
	case reqGetLineCoding:
		var buf [7]byte
		lb.coding.marshal(buf[:])
		d.Port.Write(0, buf[:])
		d.Port.Ack(0, usb.DeviceToHost)
		return true
	case reqSetControlLineState:
		pkg.LogDebug(pkg.ComponentApp, "control line state", "value", setup.Value)
		return false // generic ack
	default:
		return false
	}
}

func hostSide(ctx context.Context, simPort *sim.Port, dev *device.Device) error {
	dev.Connect()
	dev.Port.PrimeReceive(epSerialOut)

	h := host{ctx: ctx, sim: simPort}
	if err := h.enumerate(); err != nil {
		return err
	}
	if err := h.setLineCoding(9600); err != nil {
		return err
	}

	message := []byte("the quick brown fox jumps over the lazy dog")
	simPort.ClearTransmitted()
	if err := h.submit(epSerialOut, message); err != nil {
		return err
	}

	echo, err := h.collectFrom(epSerialIn&0x0F, len(message))
	if err != nil {
		return err
	}
	if !bytes.Equal(echo, message) {
		return fmt.Errorf("echo mismatch: sent %q, got %q", message, echo)
	}
	fmt.Printf("cdc-loopback: %d bytes echoed intact\n", len(echo))
	return context.Canceled
}

type host struct {
	ctx context.Context
	sim *sim.Port
}

func (h *host) enumerate() error {
	var buf [8]byte

	setAddress := usb.SetupPacket{Request: uint8(usb.RequestSetAddress), Value: 0x07}
	setAddress.Encode(buf[:])
	h.sim.SubmitSetup(0, buf[:])
	if err := h.await(func() bool { return h.sim.Address() == 0x07 }); err != nil {
		return fmt.Errorf("address never committed: %w", err)
	}

	setConfig := usb.SetupPacket{Request: uint8(usb.RequestSetConfiguration), Value: 1}
	setConfig.Encode(buf[:])
	h.sim.ClearTransmitted()
	h.sim.SubmitSetup(0, buf[:])
	return h.await(func() bool { return len(h.sim.TransmittedPackets()) > 0 })
}

func (h *host) setLineCoding(baud uint32) error {
	setup := usb.SetupPacket{
		RequestType: 0x21, // class, interface, host-to-device
		Request:     reqSetLineCoding,
		Length:      7,
	}
	var buf [8]byte
	setup.Encode(buf[:])
	h.sim.SubmitSetup(0, buf[:])

	coding := lineCoding{BaudRate: baud, DataBits: 8}
	var payload [7]byte
	coding.marshal(payload[:])
	h.sim.ClearTransmitted()
	if err := h.submit(0, payload[:]); err != nil {
		return err
	}
	// Device acknowledges with the status zero-length packet.
	return h.await(func() bool { return len(h.sim.TransmittedPackets()) > 0 })
}

func (h *host) submit(endpoint uint8, data []byte) error {
	return h.await(func() bool { return h.sim.SubmitOut(endpoint, data) })
}

// collectFrom waits for n bytes on the given IN endpoint number.
func (h *host) collectFrom(endpoint uint8, n int) ([]byte, error) {
	var got []byte
	err := h.await(func() bool {
		got = got[:0]
		for _, p := range h.sim.TransmittedPackets() {
			if p.Endpoint == endpoint {
				got = append(got, p.Data...)
			}
		}
		return len(got) >= n
	})
	return got, err
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
			DeviceClass:       0x02, // CDC
			MaxPacketSize0:    64,
			VendorID:          cfg.Identity.VendorID,
			ProductID:         cfg.Identity.ProductID,
			DeviceVersion:     0x0100,
			ManufacturerIndex: 1,
			ProductIndex:      2,
			SerialNumberIndex: 3,
			NumConfigurations: 1,
		},
		Configuration: usb.ConfigurationDescriptor{
			ConfigurationValue: 1,
			Attributes:         usb.ConfigAttrBusPowered,
			MaxPower:           50,
			Interfaces: []usb.InterfaceDescriptor{{
				InterfaceClass: 0x0A, // CDC data
				Endpoints: []usb.EndpointDescriptor{
					{EndpointAddress: epSerialOut, Attributes: usb.EndpointTypeBulk, MaxPacketSize: 512},
					{EndpointAddress: epSerialIn, Attributes: usb.EndpointTypeBulk, MaxPacketSize: 512},
				},
			}},
		},
		Strings: cfg.StringDescriptors(),
	}
}
