// Command gatewayd runs the serial sensor gateway daemon: it owns one
// or more serial ports, enrolling and then reading from devices on each,
// and forwards validated readings into a sink while persisting device
// identity and ban state to a registry.
//
// Grounded on cmd/agsys-controller/main.go's cobra root/run command
// shape, nested YAML config struct, and signal-driven graceful
// shutdown.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
	"hermannm.dev/devlog"

	"github.com/rustythermostat/sensor-gateway/internal/gateway"
	"github.com/rustythermostat/sensor-gateway/internal/reading"
	"github.com/rustythermostat/sensor-gateway/internal/registry"
	"github.com/rustythermostat/sensor-gateway/internal/serialport"
	"github.com/rustythermostat/sensor-gateway/internal/sink"
)

// Config is the daemon's on-disk configuration.
type Config struct {
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	Ports []PortConfig `yaml:"ports"`

	Sink struct {
		BufferSize int `yaml:"buffer_size"`
	} `yaml:"sink"`

	Logging struct {
		Debug bool `yaml:"debug"`
	} `yaml:"logging"`
}

// PortConfig names one serial device to manage and its handshake step
// timeout. Line parameters are not configurable: every port opens with
// serialport.DefaultParams (9600 8N1).
type PortConfig struct {
	Name        string `yaml:"name"`
	Device      string `yaml:"device"`
	StepTimeout int    `yaml:"step_timeout_seconds"`
}

func defaultConfig() Config {
	var c Config
	c.Database.Path = "gateway.db"
	c.Sink.BufferSize = 64
	return c
}

func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if len(cfg.Ports) == 0 {
		return cfg, fmt.Errorf("config declares no serial ports")
	}
	return cfg, nil
}

var (
	configPath string
	logLevel   slog.LevelVar
)

var rootCmd = &cobra.Command{
	Use:   "gatewayd",
	Short: "Serial sensor gateway daemon",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the gateway, owning every configured serial port",
	RunE:  runDaemon,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the gateway version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("gatewayd dev")
	},
}

func init() {
	slog.SetDefault(slog.New(devlog.NewHandler(os.Stdout, &devlog.Options{Level: &logLevel})))

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "gatewayd.yaml", "path to the YAML config file")
	rootCmd.AddCommand(runCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.Logging.Debug {
		logLevel.Set(slog.LevelDebug)
	}

	reg, err := registry.OpenSQLite(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}
	defer reg.Close()

	readings := sink.NewChannel(cfg.Sink.BufferSize)
	readingSink := sink.NewCounting(readings)

	// Downstream persistence consumes from the sink channel. This
	// daemon's consumer logs each reading; a storage writer would range
	// over the same channel.
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for r := range readings.Readings() {
			logReading(r)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutdown signal received")
		cancel()
	}()

	var wg sync.WaitGroup
	for _, pc := range cfg.Ports {
		wg.Add(1)
		go func(pc PortConfig) {
			defer wg.Done()
			supervisePort(ctx, pc, reg, readingSink)
		}(pc)
	}

	wg.Wait()
	readings.Close()
	<-drained
	slog.Info("gatewayd shut down cleanly",
		"readings_accepted", readingSink.Accepted(), "readings_rejected", readingSink.Rejected())
	return nil
}

func logReading(r reading.Reading) {
	attrs := []any{"device", r.Device}
	if r.Humidity != nil {
		attrs = append(attrs, "humidity", *r.Humidity)
	}
	if r.TempC != nil {
		attrs = append(attrs, "temp_c", *r.TempC)
	}
	if r.TempF != nil {
		attrs = append(attrs, "temp_f", *r.TempF)
	}
	if r.Presence != nil {
		attrs = append(attrs, "presence", *r.Presence)
	}
	if r.ThresholdOpen != nil {
		attrs = append(attrs, "threshold_open", *r.ThresholdOpen)
	}
	slog.Info("reading", attrs...)
}

// supervisePort keeps one serial port's gateway.Port alive, reopening
// the underlying transport after an I/O failure with a short backoff,
// as the error-handling design calls for.
func supervisePort(ctx context.Context, pc PortConfig, reg registry.Registry, snk sink.Sink) {
	backoff := time.Second
	for ctx.Err() == nil {
		transport, err := serialport.Open(serialport.DefaultParams(pc.Device))
		if err != nil {
			slog.Error("failed to open serial port", "port", pc.Name, "device", pc.Device, "err", err)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		gwCfg := gateway.DefaultConfig()
		if pc.StepTimeout > 0 {
			gwCfg.StepTimeout = time.Duration(pc.StepTimeout) * time.Second
		}

		port := gateway.NewPort(pc.Name, transport, reg, snk, gwCfg, slog.Default())
		err = port.Run(ctx)
		transport.Close()
		if err != nil {
			slog.Error("port run ended with error, reopening", "port", pc.Name, "err", err)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			continue
		}
		return
	}
}
