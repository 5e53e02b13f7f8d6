package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chaz8081/uvscctl/internal/ble"
	"github.com/chaz8081/uvscctl/internal/config"
	"github.com/chaz8081/uvscctl/internal/console"
)

const usage = `usage: uvscctl [-config path] <command> [flags] [args]

commands:
  scan  [-timeout d]                     list nearby controllers
  run   [-address a] [-wait d] [cmd ...] connect, then run one console command
                                         or an interactive shell
  init                                   write the default config file
`

func main() {
	configPath := flag.String("config", "", "path to config file (default: ~/.config/uvscctl/config.yaml)")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	if flag.Arg(0) == "init" {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("init: %v", err)
		}
		if path == "" {
			fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
			return
		}
		fmt.Printf("Wrote default config to %s\n", path)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	adapter := ble.NewTinyGoAdapter()

	var status int
	switch cmd, args := flag.Arg(0), flag.Args()[1:]; cmd {
	case "scan":
		status = runScan(ctx, adapter, cfg, args)
	case "run":
		status = runSession(ctx, adapter, cfg, args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		flag.Usage()
		status = 2
	}
	stop()
	os.Exit(status)
}

func runScan(ctx context.Context, adapter ble.Adapter, cfg *config.Config, args []string) int {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	timeout := fs.Duration("timeout", 5*time.Second, "how long to scan")
	_ = fs.Parse(args)

	devices, err := ble.ScanForDevices(ctx, adapter, scanFilter(cfg), *timeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "scan: %v\n", err)
		return 1
	}
	if len(devices) == 0 {
		fmt.Println("No devices found")
		return 0
	}
	for _, d := range devices {
		fmt.Printf("%s  %4d dBm  %s\n", d.Address, d.RSSI, d.Name)
	}
	return 0
}

func runSession(ctx context.Context, adapter ble.Adapter, cfg *config.Config, args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	address := fs.String("address", cfg.Device.Address, "device address (default: device.address from config, else scan)")
	wait := fs.Duration("wait", 30*time.Second, "how long to wait for the first connection")
	scanTimeout := fs.Duration("scan-timeout", 5*time.Second, "how long to scan when no address is given")
	_ = fs.Parse(args)

	dev := ble.Device{Address: *address}
	if dev.Address == "" {
		found, err := pickDevice(ctx, adapter, cfg, *scanTimeout)
		if err != nil {
			fmt.Fprintf(os.Stderr, "run: %v\n", err)
			return 1
		}
		dev = found
	}

	printBanner(cfg, dev)

	sess := ble.NewSession(adapter, sessionOptions(cfg))
	defer sess.Close()

	if err := sess.Connect(ctx, dev); err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		return 1
	}
	if err := waitConnected(ctx, sess, *wait); err != nil {
		fmt.Fprintf(os.Stderr, "connect %s: %v\n", dev.Address, err)
		return 1
	}
	slog.Info("Connected", "address", dev.Address)

	sh := console.New(sess, os.Stdout, 0)
	if fs.NArg() > 0 {
		if err := sh.Exec(ctx, fs.Args()); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		return 0
	}

	if err := sh.Run(ctx, os.Stdin, console.IsInteractive(os.Stdin)); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	return 0
}

// pickDevice scans and returns the single matching device.
func pickDevice(ctx context.Context, adapter ble.Adapter, cfg *config.Config, timeout time.Duration) (ble.Device, error) {
	slog.Info("No address given, scanning", "timeout", timeout)
	devices, err := ble.ScanForDevices(ctx, adapter, scanFilter(cfg), timeout)
	if err != nil {
		return ble.Device{}, err
	}
	switch len(devices) {
	case 0:
		return ble.Device{}, errors.New("no matching device found")
	case 1:
		return devices[0], nil
	default:
		for _, d := range devices {
			fmt.Fprintf(os.Stderr, "  %s  %s\n", d.Address, d.Name)
		}
		return ble.Device{}, fmt.Errorf("%d matching devices found, pick one with -address", len(devices))
	}
}

// waitConnected blocks until sess reports Connected or timeout elapses.
func waitConnected(ctx context.Context, sess *ble.Session, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for state := range sess.WatchState(ctx) {
		if state == ble.Connected {
			return nil
		}
	}
	return ctx.Err()
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	return config.Default(), nil
}

func scanFilter(cfg *config.Config) ble.ScanFilter {
	return ble.ScanFilter{
		ServiceUUID:  cfg.Device.ServiceUUID,
		NameContains: cfg.Device.NameFilter,
	}
}

// sessionOptions maps the config onto the session engine's options.
func sessionOptions(cfg *config.Config) ble.SessionOptions {
	opts := ble.DefaultSessionOptions()
	opts.ServiceUUID = cfg.Device.ServiceUUID
	opts.CharUUID = cfg.Device.CharacteristicUUID
	if cfg.Session.Reconnect == config.ReconnectNever {
		opts.Reconnect = ble.ReconnectNever
	}
	if cfg.Session.ConnectFailure == config.ConnectFailureManual {
		opts.OnConnectFailure = ble.FailureManual
	}
	opts.ReconnectMax = cfg.Session.ReconnectMax
	opts.ConnectTimeout = cfg.Session.ConnectTimeout
	opts.PollInterval = cfg.Session.PollInterval
	opts.SyncClock = cfg.Session.SyncClockOnConnect
	opts.Retry = ble.RetryOptions{
		MaxAttempts:  cfg.Send.MaxAttempts,
		AckTimeout:   cfg.Send.AckTimeout,
		WriteBackoff: cfg.Send.WriteBackoff,
	}
	return opts
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// printBanner displays the session configuration summary.
func printBanner(cfg *config.Config, dev ble.Device) {
	fmt.Fprintln(os.Stderr, "=== uvscctl ===")
	fmt.Fprintf(os.Stderr, "  Device:    %s %s\n", dev.Address, dev.Name)
	fmt.Fprintf(os.Stderr, "  Reconnect: %s (max %s)\n", cfg.Session.Reconnect, cfg.Session.ReconnectMax)
	fmt.Fprintf(os.Stderr, "  Send:      %d attempts, %s ack timeout\n", cfg.Send.MaxAttempts, cfg.Send.AckTimeout)
	fmt.Fprintf(os.Stderr, "  Log:       %s\n", cfg.LogLevel)
	fmt.Fprintln(os.Stderr, "===============")
}
