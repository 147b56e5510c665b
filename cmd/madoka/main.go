// Command madoka reads and changes the settings of a Daikin Madoka BRC1H
// thermostat over BLE. Every command prints its result as JSON.
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"madoka-go-home/internal/ble"
	"madoka-go-home/internal/controller"
	"madoka-go-home/internal/frame"
	"madoka-go-home/internal/simulator"
	"madoka-go-home/internal/trace"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

// app holds the global flags and the resources opened for one invocation.
type app struct {
	address          string
	adapter          string
	forceDisconnect  bool
	discoveryTimeout time.Duration
	logOutput        string
	debug            bool
	verbose          bool
	gateway          string
	baud             int
	simulate         bool
	tracePath        string
	checksum         string

	logger  *slog.Logger
	closers []func() error
}

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:          "madoka",
		Short:        "Control a Daikin Madoka BRC1H thermostat over BLE",
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setupLogger(cmd.ErrOrStderr())
		},
	}

	f := root.PersistentFlags()
	f.StringVarP(&a.address, "address", "a", "", "Bluetooth MAC address of the thermostat")
	f.StringVarP(&a.adapter, "adapter", "d", "hci0", "Bluetooth adapter used for the connection")
	f.BoolVar(&a.forceDisconnect, "force-disconnect", true, "disconnect the unit from other peers first so it advertises")
	a.discoveryTimeout = 5 * time.Second
	f.VarP((*seconds)(&a.discoveryTimeout), "device-discovery-timeout", "t", "timeout for the device scan, in seconds or as a duration (5, 2500ms)")
	f.StringVarP(&a.logOutput, "log-output", "o", "", "path to the log output file")
	f.BoolVar(&a.debug, "debug", false, "enable debug logging")
	f.BoolVar(&a.verbose, "verbose", false, "enable verbose logging")
	f.StringVar(&a.gateway, "gateway", "", "serial port of a BLE gateway to use instead of the local adapter")
	f.IntVar(&a.baud, "baud", 115200, "baud rate of the serial gateway")
	f.BoolVar(&a.simulate, "simulate", false, "talk to a simulated unit")
	f.StringVar(&a.tracePath, "trace", "", "append a CBOR protocol trace to this file")
	f.StringVar(&a.checksum, "checksum", "none", "message checksum: none or crc8")

	for _, uc := range unitCommands {
		root.AddCommand(a.newUnitCmd(uc))
	}
	root.AddCommand(a.newShellCmd(), newTraceDumpCmd())
	return root
}

// setupLogger maps --verbose and --debug to a level. Without either only
// warnings are logged, to stderr unless -o is given.
func (a *app) setupLogger(stderr io.Writer) error {
	level := slog.LevelWarn
	switch {
	case a.debug:
		level = slog.LevelDebug
	case a.verbose:
		level = slog.LevelInfo
	}

	out := stderr
	if a.logOutput != "" {
		f, err := os.OpenFile(a.logOutput, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open log output: %w", err)
		}
		a.closers = append(a.closers, f.Close)
		out = f
	}
	a.logger = slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
	return nil
}

// open builds the controller for the configured link. It does not connect.
func (a *app) open() (*controller.Controller, error) {
	if a.address == "" {
		return nil, errors.New(`required flag "address" not set`)
	}
	sum, err := frame.ChecksumByName(a.checksum)
	if err != nil {
		return nil, err
	}
	codec := frame.NewCodec(sum)

	var (
		link    ble.Link
		evictor ble.Evictor = ble.NoopEvictor{}
	)
	switch {
	case a.simulate:
		link = simulator.New(codec, a.logger)
	case a.gateway != "":
		l, err := ble.OpenSerialLink(a.gateway, a.baud, a.logger)
		if err != nil {
			return nil, fmt.Errorf("open gateway: %w", err)
		}
		a.closers = append(a.closers, l.Close)
		link = l
	default:
		link = ble.NewTinygoLink(a.adapter, a.logger)
		evictor = ble.Bluetoothctl{}
	}

	opts := []controller.Option{controller.WithCodec(codec)}
	if a.tracePath != "" {
		tw, err := trace.Create(a.tracePath)
		if err != nil {
			return nil, fmt.Errorf("open trace: %w", err)
		}
		a.closers = append(a.closers, tw.Close)
		opts = append(opts, controller.WithTracer(tw))
	}

	ctrl := controller.New(link, evictor, controller.Config{
		Address:          a.address,
		ForceDisconnect:  a.forceDisconnect,
		DiscoveryTimeout: a.discoveryTimeout,
	}, a.logger, opts...)
	a.closers = append(a.closers, func() error {
		ctrl.Stop()
		return nil
	})
	return ctrl, nil
}

// close releases everything in reverse order of opening.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && a.logger != nil {
			a.logger.Warn("close", "err", err)
		}
	}
	a.closers = nil
}

// seconds is a duration flag that also takes a bare number of seconds.
type seconds time.Duration

func (s *seconds) String() string { return time.Duration(*s).String() }

func (s *seconds) Set(v string) error {
	if n, err := strconv.ParseFloat(v, 64); err == nil {
		if n < 0 {
			return fmt.Errorf("negative timeout %q", v)
		}
		*s = seconds(n * float64(time.Second))
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%q is neither seconds nor a duration", v)
	}
	if d < 0 {
		return fmt.Errorf("negative timeout %q", v)
	}
	*s = seconds(d)
	return nil
}

func (s *seconds) Type() string { return "seconds" }
