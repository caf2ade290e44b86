// Command easytouchd polls Micro-Air EasyTouch thermostats over BLE and
// exposes their state over HTTP and NATS.
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

	"github.com/chaz8081/easytouch-ble/internal/api"
	"github.com/chaz8081/easytouch-ble/internal/ble"
	"github.com/chaz8081/easytouch-ble/internal/config"
	"github.com/chaz8081/easytouch-ble/internal/logging"
	"github.com/chaz8081/easytouch-ble/internal/monitor"
	"github.com/chaz8081/easytouch-ble/internal/publish"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: ~/.config/easytouch-ble/config.yaml)")
	initConfig := flag.Bool("init", false, "write a default config file and exit")
	flag.Parse()

	if *initConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("config: %v", err)
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

	closer, err := logging.Setup(cfg)
	if err != nil {
		log.Fatalf("logging: %v", err)
	}
	defer closer.Close()

	printBanner(cfg)

	if err := run(cfg); err != nil {
		slog.Error("fatal", "error", err)
		closer.Close()
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	if len(cfg.Devices) == 0 {
		return errors.New("no devices configured; add one under devices: in the config file")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	adapter := ble.NewTinyGoAdapter(cfg.BLE.ConnectTimeout)
	if err := adapter.Enable(); err != nil {
		return fmt.Errorf("enable bluetooth adapter: %w", err)
	}

	var pub monitor.Publisher
	var bridge *publish.NATSPublisher
	if cfg.NATS.Enabled {
		var err error
		bridge, err = publish.Connect(cfg.NATS)
		if err != nil {
			return err
		}
		defer bridge.Close()
		pub = bridge
	}

	devices := make([]monitor.Device, 0, len(cfg.Devices))
	addresses := make([]string, 0, len(cfg.Devices))
	for _, d := range cfg.Devices {
		devices = append(devices, monitor.Device{
			Address:  d.Address,
			Name:     d.Name,
			Password: d.Password,
			Email:    d.Email,
		})
		addresses = append(addresses, d.Address)
		if d.Password == "" {
			slog.Warn("no password configured, polls will be skipped", "addr", d.Address)
		}
	}

	mon := monitor.New(adapter, devices, monitor.Options{
		Session:       cfg.SessionOptions(),
		PollInterval:  cfg.Poll.Interval,
		PollTimeout:   cfg.Poll.Timeout,
		CheckInterval: cfg.Poll.CheckInterval,
		Scan: monitor.ScanOptions{
			Enabled:           cfg.Scan.Enabled,
			Window:            cfg.Scan.Window,
			Interval:          cfg.Scan.Interval,
			ConnectableWindow: cfg.Scan.ConnectableWindow,
		},
	}, pub)

	errCh := make(chan error, 3)
	monDone := make(chan struct{})
	go func() {
		defer close(monDone)
		errCh <- mon.Run(ctx)
	}()

	if bridge != nil {
		go func() { errCh <- bridge.ServeCommands(ctx, addresses, mon.SendCommand) }()
	}

	var server *api.Server
	if cfg.API.Enabled {
		server = api.NewServer(mon)
		go func() { errCh <- server.ListenAndServe(cfg.API.Listen) }()
	}

	slog.Info("Ready. Ctrl+C to quit.")

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case runErr = <-errCh:
		stop()
	}

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("api shutdown", "error", err)
		}
	}
	select {
	case <-monDone:
	case <-time.After(10 * time.Second):
		slog.Warn("monitor did not stop in time")
	}
	slog.Info("Goodbye!")
	return runErr
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

	log.Println("No config file found, using defaults")
	return config.Default(), nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Println("=== easytouchd ===")
	for _, d := range cfg.Devices {
		name := d.Name
		if name == "" {
			name = ble.DisplayName("", d.Address)
		}
		fmt.Printf("  Device:  %s (%s)\n", name, d.Address)
	}
	fmt.Printf("  Poll:    every %s, %s mode\n", cfg.Poll.Interval, cfg.Poll.StatusMode)
	fmt.Printf("  Scan:    %v\n", cfg.Scan.Enabled)
	if cfg.API.Enabled {
		fmt.Printf("  API:     http://%s/api/v1\n", cfg.API.Listen)
	}
	if cfg.NATS.Enabled {
		fmt.Printf("  NATS:    %s (%s.*)\n", cfg.NATS.URL, cfg.NATS.SubjectPrefix)
	}
	fmt.Printf("  Log:     %s\n", cfg.LogLevel)
	fmt.Println("==================")
}
