// Command registryd runs the GoBeacon service registry: the HTTP API,
// the health monitor, and the power allocator in one process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	cli "github.com/jawher/mow.cli"

	"github.com/gobeacon/gobeacon/core"
	"github.com/gobeacon/gobeacon/logger"
	"github.com/gobeacon/gobeacon/telemetry"
)

func main() {
	app := cli.App("registryd", "Service registry with health-aware discovery.")

	port := app.Int(cli.IntOpt{
		Name:   "port",
		Value:  9000,
		Desc:   "HTTP listen port",
		EnvVar: "BEACON_PORT",
	})
	address := app.String(cli.StringOpt{
		Name:   "address",
		Value:  "0.0.0.0",
		Desc:   "HTTP listen address",
		EnvVar: "BEACON_ADDRESS",
	})
	configFile := app.String(cli.StringOpt{
		Name:   "config",
		Value:  "",
		Desc:   "Path to a YAML configuration file",
		EnvVar: "BEACON_CONFIG_FILE",
	})
	logLevel := app.String(cli.StringOpt{
		Name:   "log-level",
		Value:  "INFO",
		Desc:   "Log level (DEBUG, INFO, WARN, ERROR)",
		EnvVar: "LOG_LEVEL",
	})
	otlpEndpoint := app.String(cli.StringOpt{
		Name:   "otlp-endpoint",
		Value:  "",
		Desc:   "OTLP/gRPC endpoint for traces (empty disables export)",
		EnvVar: "OTEL_EXPORTER_OTLP_ENDPOINT",
	})

	app.Action = func() {
		if err := run(*port, *address, *configFile, *logLevel, *otlpEndpoint); err != nil {
			fmt.Fprintf(os.Stderr, "registryd: %v\n", err)
			os.Exit(1)
		}
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "registryd: %v\n", err)
		os.Exit(1)
	}
}

func run(port int, address, configFile, logLevel, otlpEndpoint string) error {
	opts := []core.Option{
		core.WithName("registryd"),
		core.WithPort(port),
		core.WithAddress(address),
		core.WithLogLevel(logLevel),
	}
	if configFile != "" {
		opts = append(opts, core.WithConfigFile(configFile))
	}
	if otlpEndpoint != "" {
		opts = append(opts, core.WithTelemetry(true, otlpEndpoint))
	}

	config, err := core.NewConfig(opts...)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log := logger.NewSimpleLogger()
	log.SetLevel(config.Logging.Level)

	var tel core.Telemetry = &core.NoOpTelemetry{}
	var telProvider *telemetry.Provider
	if config.Telemetry.Enabled {
		telProvider, err = telemetry.New(config.Telemetry.ServiceName, config.Telemetry.Endpoint)
		if err != nil {
			log.Warn("Telemetry initialization failed, continuing without it", map[string]interface{}{
				"error": err.Error(),
			})
		} else {
			tel = telProvider
		}
	}

	registry := core.NewRegistry(config, log)
	defense := core.NewDefenseSystem(config.Defense.MaxActiveThreats)
	status := core.NewSystemStatus()
	assessor := core.NewRandomAssessor(config.Defense.SampleRate)
	monitor := core.NewHealthMonitor(registry, defense, status, assessor, config, log, tel)
	allocator := core.NewPowerAllocator(registry, status, config, log, tel)
	server := core.NewServer(registry, defense, status, allocator, config, log, tel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go monitor.Run(ctx)
	go allocator.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(ctx)
	}()

	log.Info("Registry started", map[string]interface{}{
		"address": config.Address,
		"port":    config.Port,
	})

	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received", nil)
	case err := <-errCh:
		if err != nil {
			return err
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.HTTP.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP shutdown failed", map[string]interface{}{"error": err.Error()})
	}
	if telProvider != nil {
		if err := telProvider.Shutdown(shutdownCtx); err != nil {
			log.Error("Telemetry shutdown failed", map[string]interface{}{"error": err.Error()})
		}
	}
	return nil
}
