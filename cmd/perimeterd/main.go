// perimeterd is the perimeter geofence evaluation daemon. It exposes the
// location pipeline over HTTP and optionally persists per-device state and
// publishes trigger events over MQTT.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/perimeterhq/perimeter/pkg/advisor"
	"github.com/perimeterhq/perimeter/pkg/api"
	"github.com/perimeterhq/perimeter/pkg/config"
	"github.com/perimeterhq/perimeter/pkg/history"
	"github.com/perimeterhq/perimeter/pkg/logx"
	"github.com/perimeterhq/perimeter/pkg/metrics"
	"github.com/perimeterhq/perimeter/pkg/mqtt"
	"github.com/perimeterhq/perimeter/pkg/store"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
)

var (
	configPath  = flag.String("config", "", "path to JSON configuration file")
	logLevel    = flag.String("log-level", "", "override configured log level (trace|debug|info|warn|error)")
	showVersion = flag.Bool("version", false, "print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("perimeterd %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logx.NewLogger(cfg.LogLevel, "perimeterd")
	logger.Info("perimeterd starting", "version", version, "config", *configPath)

	m := metrics.New()

	var states *store.StateStore
	if cfg.StatePersistence {
		states, err = store.NewStateStore(cfg.Store, logger)
		if err != nil {
			logger.Error("Failed to open state store", "error", err.Error())
			os.Exit(1)
		}
		defer states.Close()
	}

	readings, err := history.NewStore(cfg.History, logger)
	if err != nil {
		logger.Error("Failed to open history store", "error", err.Error())
		os.Exit(1)
	}
	defer readings.Close()

	var publisher *mqtt.Client
	if cfg.MQTT != nil && cfg.MQTT.Enabled {
		publisher = mqtt.NewClient(cfg.MQTT, logger)
		if err := publisher.Connect(); err != nil {
			// The client keeps retrying in the background; startup proceeds
			logger.Warn("MQTT connect failed, will retry", "error", err.Error())
		}
		defer publisher.Disconnect()
	}

	guard := buildAdvisor(cfg, m, logger)

	server := api.NewServer(cfg, logger, m, guard, states, readings, publisher)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	pruneDone := make(chan struct{})
	go pruneLoop(readings, logger, pruneDone)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("Received signal, shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			logger.Error("Server failed", "error", err.Error())
		}
	}

	close(pruneDone)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown failed", "error", err.Error())
	}

	logger.Info("perimeterd stopped")
}

// buildAdvisor assembles the advisory layer from configuration. Without an
// API key the pipeline runs on a no-op advisor.
func buildAdvisor(cfg *config.Config, m *metrics.Metrics, logger *logx.Logger) *advisor.Guard {
	onError := func() { m.AdvisoryFailures.Inc() }
	timeout := time.Duration(cfg.Advisor.TimeoutSeconds * float64(time.Second))

	if !cfg.Advisor.Enabled || cfg.Advisor.AnthropicAPIKey == "" {
		return advisor.NewGuard(nil, timeout, logger, onError)
	}

	var geocoder advisor.Geocoder
	if cfg.Advisor.GoogleMapsAPIKey != "" {
		g, err := advisor.NewGoogleGeocoder(cfg.Advisor.GoogleMapsAPIKey, logger)
		if err != nil {
			logger.Warn("Geocoder unavailable, advisory runs without area context", "error", err.Error())
		} else {
			geocoder = g
		}
	}

	claude := advisor.NewClaudeAdvisor(&advisor.ClaudeConfig{
		APIKey: cfg.Advisor.AnthropicAPIKey,
		Model:  cfg.Advisor.Model,
	}, geocoder, logger)

	logger.Info("Advisory layer enabled", "model", cfg.Advisor.Model)
	return advisor.NewGuard(claude, timeout, logger, onError)
}

// pruneLoop expires old history rows on a fixed interval
func pruneLoop(readings *history.Store, logger *logx.Logger, done <-chan struct{}) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			removed, err := readings.Prune(time.Now())
			if err != nil {
				logger.Warn("History prune failed", "error", err.Error())
				continue
			}
			if removed > 0 {
				logger.Debug("History pruned", "rows_removed", removed)
			}
		}
	}
}
