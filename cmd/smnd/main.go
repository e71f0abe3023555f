// Command smnd runs the System Management Node: it loads a
// SystemConfig, wires the selected transport backend, runs the
// coordinator to completion, and reports the run's outcome through the
// process exit status, matching the teacher's main.go shape (flags ->
// setup -> run -> report) generalized away from its WASM/credits demo
// content.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/openbuildnet/smn/internal/config"
	"github.com/openbuildnet/smn/internal/coordinator"
	"github.com/openbuildnet/smn/internal/report"
	"github.com/openbuildnet/smn/internal/transport"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "smn.yaml", "path to the SystemConfig YAML document")
	backend := flag.String("backend", "broker", "transport backend: broker | nameserver")
	brokerURL := flag.String("broker-url", "ws://localhost:8765", "pub/sub broker websocket URL (backend=broker)")
	jsonLogs := flag.Bool("json-logs", false, "emit logs as JSON instead of text")
	flag.Parse()

	logger := newLogger(*jsonLogs)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return 1
	}

	tr, err := newTransport(*backend, *brokerURL)
	if err != nil {
		logger.Error("failed to construct transport", "error", err)
		return 1
	}

	sink := report.NewFanout(
		report.NewSlogSink(logger),
	)

	c, err := coordinator.New(cfg, tr, sink, logger)
	if err != nil {
		logger.Error("setup failed", "error", err)
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := c.Run(ctx); err != nil {
		logger.Error("run ended in error", "error", err, "state", c.State().String())
		return 1
	}

	logger.Info("run complete", "state", c.State().String(), "final_t", c.T())
	return 0
}

func newLogger(jsonLogs bool) *slog.Logger {
	var handler slog.Handler
	if jsonLogs {
		handler = slog.NewJSONHandler(os.Stdout, nil)
	} else {
		handler = slog.NewTextHandler(os.Stdout, nil)
	}
	return slog.New(handler)
}

func newTransport(backend, brokerURL string) (transport.Transport, error) {
	switch backend {
	case "broker":
		return transport.NewBrokerTransport(transport.DefaultBrokerConfig(brokerURL))
	case "nameserver":
		return transport.NewNameServerTransport(transport.DefaultNameServerConfig())
	default:
		return nil, fmt.Errorf("unknown transport backend %q", backend)
	}
}
