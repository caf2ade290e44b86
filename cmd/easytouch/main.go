// Command easytouch talks to a single EasyTouch thermostat from the shell.
// It reads device passwords from the easytouchd config file.
//
// Usage:
//
//	go run ./cmd/easytouch [--config path] [--device addr] <command> [args]
//
// Commands:
//
//	scan                     list nearby thermostats
//	status                   poll and print the current status as JSON
//	mode <off|fan|cool|heat|auto>
//	temp <degrees>           set the setpoint of the active mode
//	auto <low> <high>        set the auto mode range
//	fan <off|low|high|auto>
//	location <lat> <lon>
//	reboot
//	raw <json>               send a raw command document
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/chaz8081/easytouch-ble/internal/ble"
	"github.com/chaz8081/easytouch-ble/internal/ble/protocol"
	"github.com/chaz8081/easytouch-ble/internal/config"
	"github.com/chaz8081/easytouch-ble/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: ~/.config/easytouch-ble/config.yaml)")
	device := flag.String("device", "", "device address (default: the only configured device)")
	verbose := flag.Bool("v", false, "debug logging")
	timeout := flag.Duration("timeout", 2*time.Minute, "overall operation timeout")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: easytouch [flags] <scan|status|mode|temp|auto|fan|location|reboot|raw> [args]\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(*configPath, *device, *verbose, *timeout, flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if stage := ble.FailedStage(err); stage != "" {
			fmt.Fprintf(os.Stderr, "Failed stage: %s\n", stage)
		}
		os.Exit(1)
	}
}

func run(configPath, device string, verbose bool, timeout time.Duration, args []string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if verbose {
		cfg.LogLevel = "debug"
	}
	cfg.Log.File = ""
	closer, err := logging.Setup(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	adapter := ble.NewTinyGoAdapter(cfg.BLE.ConnectTimeout)
	if err := adapter.Enable(); err != nil {
		return fmt.Errorf("enable bluetooth adapter: %w", err)
	}

	cmd, rest := args[0], args[1:]
	if cmd == "scan" {
		return scan(ctx, adapter, cfg.Scan.Window)
	}

	dev, err := pickDevice(cfg, device)
	if err != nil {
		return err
	}
	session := ble.NewSession(adapter, dev.Address, ble.Credentials{
		Password: dev.Password,
		Email:    dev.Email,
	}, nil, cfg.SessionOptions())
	defer session.Close()

	switch cmd {
	case "status":
		status, err := poll(ctx, session)
		if err != nil {
			return err
		}
		return printJSON(status)

	case "mode":
		if err := wantArgs(cmd, rest, 1); err != nil {
			return err
		}
		c, err := protocol.SetMode(protocol.Mode(rest[0]))
		if err != nil {
			return err
		}
		return send(ctx, session, c)

	case "temp":
		if err := wantArgs(cmd, rest, 1); err != nil {
			return err
		}
		temp, err := strconv.ParseFloat(rest[0], 64)
		if err != nil {
			return fmt.Errorf("temp: %w", err)
		}
		status, err := poll(ctx, session)
		if err != nil {
			return err
		}
		c, err := protocol.SetSetpoint(status.Mode, temp)
		if err != nil {
			return err
		}
		return send(ctx, session, c)

	case "auto":
		if err := wantArgs(cmd, rest, 2); err != nil {
			return err
		}
		low, err := strconv.ParseFloat(rest[0], 64)
		if err != nil {
			return fmt.Errorf("auto low: %w", err)
		}
		high, err := strconv.ParseFloat(rest[1], 64)
		if err != nil {
			return fmt.Errorf("auto high: %w", err)
		}
		c, err := protocol.SetAutoRange(low, high)
		if err != nil {
			return err
		}
		return send(ctx, session, c)

	case "fan":
		if err := wantArgs(cmd, rest, 1); err != nil {
			return err
		}
		c, err := protocol.SetFan(protocol.FanMode(rest[0]))
		if err != nil {
			return err
		}
		return send(ctx, session, c)

	case "location":
		if err := wantArgs(cmd, rest, 2); err != nil {
			return err
		}
		lat, err := strconv.ParseFloat(rest[0], 64)
		if err != nil {
			return fmt.Errorf("latitude: %w", err)
		}
		lon, err := strconv.ParseFloat(rest[1], 64)
		if err != nil {
			return fmt.Errorf("longitude: %w", err)
		}
		c, err := protocol.SetLocation(lat, lon, time.Now())
		if err != nil {
			return err
		}
		return send(ctx, session, c)

	case "reboot":
		outcome, err := session.Reboot(ctx)
		fmt.Printf("Reboot: %s\n", outcome)
		return err

	case "raw":
		if err := wantArgs(cmd, rest, 1); err != nil {
			return err
		}
		c, err := protocol.ParseCommand([]byte(rest[0]))
		if err != nil {
			return err
		}
		return send(ctx, session, c)
	}

	flag.Usage()
	return fmt.Errorf("unknown command %q", cmd)
}

func scan(ctx context.Context, adapter ble.Adapter, window time.Duration) error {
	fmt.Printf("Scanning for %s...\n", window)
	devices, err := ble.ScanForDevices(ctx, adapter, window)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Println("No thermostats found.")
		return nil
	}
	for _, d := range devices {
		fmt.Printf("  %-24s %s  RSSI %d\n", ble.DisplayName(d.Name, d.Address), d.Address, d.RSSI)
	}
	return nil
}

func poll(ctx context.Context, session *ble.Session) (*protocol.Status, error) {
	res, err := session.Poll(ctx)
	if err != nil {
		return nil, err
	}
	if res.Outcome == ble.PollSkipped {
		return nil, errors.New("no password configured for this device")
	}
	return res.Status, nil
}

func send(ctx context.Context, session *ble.Session, c protocol.Command) error {
	if err := session.SendCommand(ctx, c); err != nil {
		return err
	}
	slog.Debug("command sent", "type", c.Type)
	fmt.Println("OK")
	return nil
}

func pickDevice(cfg *config.Config, address string) (config.DeviceConfig, error) {
	if address != "" {
		if d, ok := cfg.Device(address); ok {
			return d, nil
		}
		return config.DeviceConfig{Address: ble.NormalizeAddress(address)}, nil
	}
	switch len(cfg.Devices) {
	case 0:
		return config.DeviceConfig{}, errors.New("no devices configured; pass --device")
	case 1:
		return cfg.Devices[0], nil
	default:
		return config.DeviceConfig{}, fmt.Errorf("%d devices configured; pass --device", len(cfg.Devices))
	}
}

func wantArgs(cmd string, args []string, n int) error {
	if len(args) != n {
		return fmt.Errorf("%s: expected %d argument(s), got %d", cmd, n, len(args))
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	if _, err := os.Stat(config.DefaultConfigPath()); err == nil {
		return config.Load(config.DefaultConfigPath())
	}
	return config.Default(), nil
}
