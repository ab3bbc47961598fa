// Command gcpd runs the GCP firmware on a simulated USB controller and
// exports the device over USB/IP.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ardnew/gcpusb/device/class/gcp"
	"github.com/ardnew/gcpusb/device/hal"
	"github.com/ardnew/gcpusb/device/hal/sim"
	"github.com/ardnew/gcpusb/firmware"
	"github.com/ardnew/gcpusb/pkg"
	"github.com/ardnew/gcpusb/pkg/prof"
	"github.com/ardnew/gcpusb/pkg/trace"
	"github.com/ardnew/gcpusb/usbip"
)

func configureLogging(lvl, format string) error {
	var logger log.Logger
	switch format {
	case "logfmt":
		logger = pkg.NewLogger(os.Stderr)
	case "json":
		logger = pkg.NewJSONLogger(os.Stdout)
	default:
		return fmt.Errorf("log format %v unknown; possible values are: logfmt, json", format)
	}
	if err := pkg.SetLogLevel(lvl); err != nil {
		return err
	}
	pkg.SetLogger(log.With(logger, "ts", log.DefaultTimestampUTC))
	return nil
}

// startProfiling applies the profile rates and starts the CPU profile. The
// returned function stops the CPU profile and writes the heap snapshot.
func startProfiling(v *viper.Viper) (func(), error) {
	prof.SetBlockProfileRate(v.GetInt("block-profile-rate"))
	prof.SetMutexProfileFraction(v.GetInt("mutex-profile-fraction"))

	cpu := v.GetString("cpu-profile")
	if cpu != "" {
		if err := prof.StartCPU(cpu); err != nil {
			return nil, err
		}
	}
	return func() {
		if prof.IsCPUActive() {
			prof.StopCPU()
			pkg.LogInfo(pkg.ComponentFirmware, "wrote cpu profile", "path", cpu)
		}
		if heap := v.GetString("heap-profile"); heap != "" {
			if err := prof.Write(prof.ProfileHeap, heap); err != nil {
				pkg.LogError(pkg.ComponentFirmware, "failed to write heap profile", "err", err)
				return
			}
			pkg.LogInfo(pkg.ComponentFirmware, "wrote heap profile", "path", heap)
		}
	}, nil
}

func tracer(v *viper.Viper) trace.Analyzer {
	if v.GetBool("trace") {
		return trace.Logger{}
	}
	return trace.Nop{}
}

// listen opens the HTTP and USB/IP listeners. Neither is left open on error.
func listen(v *viper.Viper) (httpL, usbipL net.Listener, err error) {
	addr := v.GetString("listen")
	httpL, err = net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to listen on %s: %v", addr, err)
	}
	addr = v.GetString("usbip-listen")
	usbipL, err = net.Listen("tcp", addr)
	if err != nil {
		_ = httpL.Close()
		return nil, nil, fmt.Errorf("failed to listen on %s: %v", addr, err)
	}
	return httpL, usbipL, nil
}

// simDevice is the firmware running on a simulated controller.
type simDevice struct {
	fw *firmware.Firmware
}

func newSimDevice(v *viper.Viper, r prometheus.Registerer) (*simDevice, *usbip.ExportedDevice, error) {
	cfg, err := getDeviceConfig(v)
	if err != nil {
		return nil, nil, err
	}
	descriptors, err := cfg.descriptors()
	if err != nil {
		return nil, nil, errors.Wrap(err, "invalid device descriptors")
	}
	info, err := cfg.board()
	if err != nil {
		return nil, nil, errors.Wrap(err, "invalid board information")
	}
	legacy, err := legacyRequests(v)
	if err != nil {
		return nil, nil, err
	}

	classes := gcp.NewClasses()
	for _, c := range []gcp.Class{gcp.CoreClass(info, classes), gcp.SelftestClass()} {
		if err := classes.Register(c); err != nil {
			return nil, nil, errors.Wrapf(err, "failed to register class %s", c.Name)
		}
	}

	analyzer := tracer(v)
	regs := sim.NewRegisters()
	ctrl, err := hal.NewController(hal.NewPeripheral("control", regs), hal.WithTracer(analyzer))
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to set up controller")
	}
	fw, err := firmware.New(ctrl, descriptors, classes,
		firmware.WithQueueSize(v.GetInt("queue-size")),
		firmware.WithMetrics(firmware.NewMetrics(r)),
		firmware.WithTracer(analyzer),
		firmware.WithVendorOptions(
			gcp.WithLegacyRequests(legacy...),
			gcp.WithClaimHandler(func() {
				pkg.LogInfo(pkg.ComponentVendor, "control port released to the on-board debugger")
			}),
		),
	)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to set up firmware")
	}
	regs.SetInterruptHandler(func(irq hal.Interrupt) {
		fw.HandleInterrupt(firmware.InterfaceControl, irq)
	})
	if err := fw.Initialize(); err != nil {
		return nil, nil, errors.Wrap(err, "failed to initialize firmware")
	}

	host := sim.NewHost(regs, sim.WithTimeout(v.GetDuration("nak-timeout")))
	if err := host.Reset(); err != nil {
		return nil, nil, errors.Wrap(err, "bus reset")
	}
	exported := &usbip.ExportedDevice{
		BusID:       v.GetString("bus-id"),
		BusNum:      1,
		DevNum:      1,
		Descriptors: &descriptors,
		Transport:   host,
	}
	return &simDevice{fw: fw}, exported, nil
}

// Main is the principal function for the binary, wrapped only by `main` for convenience.
func Main(args []string) error {
	if err := initConfig(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	v := viper.GetViper()
	if err := configureLogging(v.GetString("log-level"), v.GetString("log-format")); err != nil {
		return err
	}

	stopProfiling, err := startProfiling(v)
	if err != nil {
		return err
	}
	defer stopProfiling()

	r := prometheus.NewRegistry()
	r.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	dev, exported, err := newSimDevice(v, r)
	if err != nil {
		return err
	}
	defer dev.fw.Close()

	srv, err := usbip.NewServer([]*usbip.ExportedDevice{exported}, usbip.WithRegisterer(r))
	if err != nil {
		return err
	}
	httpL, usbipL, err := listen(v)
	if err != nil {
		return err
	}

	var g run.Group
	{
		// Run the HTTP server.
		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			if dev.fw.Halted() {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		})
		mux.Handle("/metrics", promhttp.HandlerFor(r, promhttp.HandlerOpts{}))
		prof.Register(mux)
		g.Add(func() error {
			if err := http.Serve(httpL, mux); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("server exited unexpectedly: %v", err)
			}
			return nil
		}, func(error) {
			_ = httpL.Close()
		})
	}

	{
		// Export the device over USB/IP.
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			pkg.LogInfo(pkg.ComponentUSBIP, "exporting device", "busid", exported.BusID, "listen", usbipL.Addr())
			return srv.Serve(ctx, usbipL)
		}, func(error) {
			cancel()
		})
	}

	{
		// Run the firmware main loop.
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			err := dev.fw.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}, func(error) {
			cancel()
			dev.fw.Close()
		})
	}

	{
		// Exit gracefully on SIGINT and SIGTERM.
		term := make(chan os.Signal, 1)
		signal.Notify(term, syscall.SIGINT, syscall.SIGTERM)
		cancel := make(chan struct{})
		g.Add(func() error {
			select {
			case <-term:
				pkg.LogInfo(pkg.ComponentFirmware, "caught interrupt; gracefully cleaning up")
				return nil
			case <-cancel:
				return nil
			}
		}, func(error) {
			signal.Stop(term)
			close(cancel)
		})
	}

	return g.Run()
}

func main() {
	if err := Main(os.Args[1:]); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Execution failed: %v\n", err)
		os.Exit(1)
	}
}
