package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chaz8081/glucose-racp/internal/ble"
	"github.com/chaz8081/glucose-racp/internal/config"
	"github.com/chaz8081/glucose-racp/internal/glucose"
	"github.com/chaz8081/glucose-racp/internal/logging"
	"github.com/chaz8081/glucose-racp/internal/metrics"
	"github.com/chaz8081/glucose-racp/internal/publish"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/glucose-racp/config.yaml)")
	address := flag.String("address", "", "meter address, overrides device.address")
	timeout := flag.Duration("timeout", 0, "retrieval timeout, overrides retrieval.timeout")
	scanOnly := flag.Bool("scan", false, "list nearby glucose meters and exit")
	initConfig := flag.Bool("init-config", false, "write a starter config file and exit")
	flag.Parse()

	if *initConfig {
		path, err := config.WriteDefault(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "init-config: %v\n", err)
			os.Exit(1)
		}
		if path == "" {
			fmt.Println("Config file already exists, leaving it untouched")
			return
		}
		fmt.Printf("Wrote starter config to %s\n", path)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *address != "" {
		cfg.Device.Address = *address
	}
	if *timeout > 0 {
		cfg.Retrieval.Timeout = *timeout
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config validation: %v\n", err)
		os.Exit(1)
	}

	slog.SetDefault(logging.New(os.Stderr, cfg.LogFormat, config.ParseLogLevel(cfg.LogLevel), false))

	// Ctrl+C aborts an in-flight retrieval; the meter is told to stop.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	adapter := ble.NewTinyGoAdapter(cfg.Device.Adapter)

	if *scanOnly {
		err = listMeters(ctx, adapter, cfg.Scan.Timeout)
	} else {
		err = retrieve(ctx, adapter, cfg)
	}
	if err != nil {
		slog.Error("glucose-racp failed", "error", err)
		os.Exit(1)
	}
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	cfg, err := config.LoadOrDefault(defaultPath)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
	}
	return cfg, nil
}

func listMeters(ctx context.Context, adapter ble.Adapter, timeout time.Duration) error {
	fmt.Printf("Scanning %s for glucose meters...\n", timeout)
	devices, err := ble.ScanForDevices(ctx, adapter, timeout)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Println("No glucose meters found. Put the meter in Bluetooth transfer mode and retry.")
		return nil
	}
	for i, d := range devices {
		name := d.Name
		if name == "" {
			name = "Unknown"
		}
		fmt.Printf("%d. %s (%s) RSSI %d\n", i+1, name, d.Address, d.RSSI)
	}
	return nil
}

// retrieve locates the meter, connects, downloads its records and hands the
// outcome to the configured sinks.
func retrieve(ctx context.Context, adapter ble.Adapter, cfg *config.Config) error {
	target := ble.Target{Address: cfg.Device.Address, Name: cfg.Device.Name}
	if target.Address == "" && target.Name == "" {
		return errors.New("no meter configured: set device.address or device.name, or pass -address")
	}

	addr, err := resolveAddress(ctx, adapter, target, cfg.Scan)
	if err != nil {
		return err
	}

	opts, err := retrievalOptions(cfg.Retrieval)
	if err != nil {
		return err
	}

	transport, err := ble.Connect(ctx, adapter, addr, connectOptions(cfg.Connect))
	if err != nil {
		return err
	}
	defer func() {
		if err := transport.Close(); err != nil {
			slog.Warn("[BLE] close", "error", err)
		}
	}()

	out, retrieveErr := glucose.NewClient(transport, opts).RetrieveAllRecords(ctx)
	finished := time.Now()
	printSummary(os.Stdout, addr, out)

	// Sinks run even after Ctrl+C so partial results are kept.
	sinkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()

	if cfg.Metrics.Textfile != "" {
		rec := metrics.NewRecorder()
		rec.Observe(out, float64(finished.Unix()))
		if err := rec.WriteTextfile(cfg.Metrics.Textfile); err != nil {
			slog.Error("metrics: textfile not written", "path", cfg.Metrics.Textfile, "error", err)
		}
	}

	if cfg.MQTT.Enabled {
		if err := publishOutcome(sinkCtx, cfg.MQTT, addr, out); err != nil {
			slog.Error("publish: outcome not published", "error", err)
		}
	}

	return retrieveErr
}

// resolveAddress waits for the meter to advertise. When the scan never sees
// it but an address is configured, the connection is attempted anyway.
func resolveAddress(ctx context.Context, adapter ble.Adapter, target ble.Target, cfg config.ScanConfig) (string, error) {
	if !cfg.Enabled {
		if target.Address == "" {
			return "", errors.New("scan.enabled is false and no device.address is set")
		}
		return target.Address, nil
	}

	d, err := ble.WaitForDevice(ctx, adapter, target, scanOptions(cfg))
	if err == nil {
		return d.Address, nil
	}
	if errors.Is(err, ble.ErrDeviceNotFound) && target.Address != "" {
		slog.Warn("[BLE] device not found in scan, attempting direct connection", "address", target.Address)
		return target.Address, nil
	}
	return "", err
}

func publishOutcome(ctx context.Context, cfg config.MQTTConfig, device string, out *glucose.Outcome) error {
	client := publish.NewMQTTClient(publish.MQTTOptions{
		Broker:   cfg.Broker,
		Port:     cfg.Port,
		ClientID: cfg.ClientID,
	})
	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Disconnect()

	return publish.NewPublisher(client, cfg.TopicPrefix, cfg.QoS).PublishOutcome(device, out)
}
