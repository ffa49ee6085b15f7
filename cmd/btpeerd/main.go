//go:build linux

// btpeerd tracks nearby Bluetooth devices through BlueZ and runs a duplex
// byte-stream session on every connection BlueZ hands over.
//
// Prerequisites
//   - Linux with bluetoothd running and access to the system D-Bus.
//   - A powered adapter: `bluetoothctl power on`.
//   - RegisterProfile usually needs root.
//
// Modes
//
//	btpeerd --mode=serve --config=configs/btpeerd.yaml
//	    Register the profile, track devices and run sessions until SIGINT.
//	btpeerd --mode=scan --timeout=15s
//	    Run discovery and list every device with its class verdict.
//	btpeerd --mode=connect --device=/org/bluez/hci0/dev_XX_XX_XX_XX_XX_XX
//	    Serve, then ask BlueZ to connect the device. Without --device the
//	    known devices are listed and one is chosen interactively.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"bluetooth-peer/internal/config"
	"bluetooth-peer/internal/connmgr"
	"bluetooth-peer/internal/devclass"
	"bluetooth-peer/internal/device"
	"bluetooth-peer/internal/logging"
	"bluetooth-peer/internal/mqtt"
	"bluetooth-peer/internal/service"
	"bluetooth-peer/internal/session"
)

// Set at build time via -ldflags "-X main.version=...".
var version = "dev"

type flags struct {
	config  string
	mode    string
	device  string
	timeout time.Duration
}

func parseFlags(args []string) (flags, error) {
	var f flags
	fs := pflag.NewFlagSet("btpeerd", pflag.ContinueOnError)
	fs.StringVarP(&f.config, "config", "c", "", "path to the YAML config file (defaults only when empty)")
	fs.StringVarP(&f.mode, "mode", "m", "serve", "mode: serve|scan|connect")
	fs.StringVarP(&f.device, "device", "d", "", "device object path for connect mode")
	fs.DurationVarP(&f.timeout, "timeout", "t", 15*time.Second, "discovery time for scan, call timeout for connect")
	if err := fs.Parse(args); err != nil {
		return flags{}, err
	}
	f.mode = strings.ToLower(f.mode)
	switch f.mode {
	case "serve", "scan", "connect":
	default:
		return flags{}, fmt.Errorf("unknown mode %q", f.mode)
	}
	return f, nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	f, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	if err := run(ctx, f); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, f flags) error {
	log := logging.Default()

	cfg, err := config.Load(f.config)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log = logging.New(cfg.Logging, version)
	log.Info("starting btpeerd", "version", version, "mode", f.mode, "adapter", cfg.Bluetooth.Adapter)

	m := connmgr.New(connmgr.Options{Adapter: cfg.Bluetooth.Adapter, Logger: log.With("component", "connmgr")})
	defer func() {
		if err := m.Close(); err != nil && !errors.Is(err, connmgr.ErrClosed) {
			log.Error("closing bluetooth manager", "error", err)
		}
	}()

	if f.mode == "scan" {
		return runScan(ctx, m, cfg, f.timeout)
	}
	return runServe(ctx, m, cfg, f, log)
}

func runScan(ctx context.Context, m connmgr.Mgr, cfg *config.Config, timeout time.Duration) error {
	filter, err := devclass.FilterFromNames(cfg.Bluetooth.AllowedClasses)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	objs, err := m.Discover(ctx)
	if err != nil {
		return fmt.Errorf("discovery: %w", err)
	}
	if len(objs) == 0 {
		fmt.Println("no devices found")
		return nil
	}
	printDevices(objs, filter)
	return nil
}

func printDevices(objs []device.AnnouncedObject, filter *devclass.Filter) {
	for i, obj := range objs {
		p := device.PropertiesFromAttributes(obj.Attributes)
		verdict := "ignored"
		if filter.Accept(obj.Attributes) {
			verdict = "tracked"
		}
		fmt.Printf("[%d] Path=%s MAC=%s Name=%s Alias=%s Class=%s %s\n",
			i, obj.Path, device.IdentityFromPath(obj.Path), p.Name, p.Alias, devclass.Class(p.Class), verdict)
	}
}

func runServe(ctx context.Context, m connmgr.Mgr, cfg *config.Config, f flags, log *logging.Logger) error {
	filter, err := devclass.FilterFromNames(cfg.Bluetooth.AllowedClasses)
	if err != nil {
		return err
	}

	var events service.EventSink
	if cfg.MQTT.Enabled {
		client, err := mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			if err := client.Close(); err != nil {
				log.Error("closing MQTT client", "error", err)
			}
		}()
		pub := mqtt.NewPublisher(client, client.Topics(), client.QoS(), log.With("component", "mqtt"))
		defer func() {
			pub.Close()
			if n := pub.Dropped(); n > 0 {
				log.Warn("MQTT events dropped", "count", n)
			}
		}()
		events = pub
		log.Info("MQTT connected", "host", cfg.MQTT.Broker.Host, "port", cfg.MQTT.Broker.Port)
	}

	svc, err := service.New(service.Options{
		Controllers: m,
		Filter:      filter,
		Session: session.Options{
			BufferSize:    cfg.Session.BufferSize,
			WriteInterval: cfg.GetWriteInterval(),
			Payload:       session.PrefixPayload(cfg.Session.PayloadPrefix),
		},
		Events:          events,
		Logger:          log.With("component", "service"),
		TeardownTimeout: cfg.GetTeardownTimeout(),
	})
	if err != nil {
		return err
	}
	if err := svc.Start(); err != nil {
		return err
	}
	// The manager closes before the service so no callbacks arrive during
	// teardown; deferred calls run in reverse.
	defer svc.Close()
	defer func() {
		if err := m.Close(); err != nil && !errors.Is(err, connmgr.ErrClosed) {
			log.Error("closing bluetooth manager", "error", err)
		}
	}()

	if err := m.Watch(ctx, svc); err != nil {
		return fmt.Errorf("watching bluetoothd: %w", err)
	}
	log.Info("watching devices", "tracked", len(svc.ListIdentities()), "filter", filter.String())

	if cfg.Profile.Enabled {
		opts := connmgr.ProfileOptions{
			Name:                  cfg.Profile.Name,
			UUID:                  cfg.Profile.UUID,
			Role:                  cfg.Profile.Role,
			Channel:               cfg.Profile.Channel,
			PSM:                   cfg.Profile.PSM,
			RequireAuthentication: cfg.Profile.RequireAuthentication,
			RequireAuthorization:  cfg.Profile.RequireAuthorization,
		}
		if err := m.RegisterProfile(ctx, opts); err != nil {
			return fmt.Errorf("registering profile: %w", err)
		}
	}

	if f.mode == "connect" {
		if err := connect(ctx, m, f, filter); err != nil {
			return err
		}
	}

	<-ctx.Done()
	log.Info("shutting down", "sessions", len(svc.Sessions()), "devices", len(svc.ListIdentities()))
	return nil
}

func connect(ctx context.Context, m connmgr.Mgr, f flags, filter *devclass.Filter) error {
	path := f.device
	if path == "" {
		objs, err := m.Snapshot(ctx)
		if err != nil {
			return fmt.Errorf("listing devices: %w", err)
		}
		if len(objs) == 0 {
			return errors.New("no known devices; run scan mode first")
		}
		printDevices(objs, filter)
		fmt.Print("Choose index: ")
		idx, err := readIndex(ctx, os.Stdin, len(objs))
		if err != nil {
			return err
		}
		path = objs[idx].Path
	}

	callCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	if err := m.Device(path).Connect(callCtx); err != nil {
		return fmt.Errorf("connecting %s: %w", path, err)
	}
	fmt.Printf("CONNECTED: %s\n", path)
	return nil
}

// readIndex prompts on r until it reads an index in [0, n). It fails when r
// is exhausted or ctx is done.
func readIndex(ctx context.Context, r io.Reader, n int) (int, error) {
	type line struct {
		text string
		err  error
	}
	lines := make(chan line)
	go func() {
		br := bufio.NewReader(r)
		for {
			text, err := br.ReadString('\n')
			select {
			case lines <- line{text, err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case l := <-lines:
			if text := strings.TrimSpace(l.text); text != "" {
				if i, err := strconv.Atoi(text); err == nil && i >= 0 && i < n {
					return i, nil
				}
			}
			if l.err != nil {
				if errors.Is(l.err, io.EOF) {
					return 0, errors.New("no device chosen: input closed")
				}
				return 0, fmt.Errorf("reading choice: %w", l.err)
			}
			fmt.Printf("enter 0..%d: ", n-1)
		}
	}
}
