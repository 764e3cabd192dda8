// Command callservice runs the call media service: it negotiates audio
// sessions for a signaling client over a local JSON RPC surface and exits
// when that client stops sending heartbeats.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/siproxylin/drunk-call-service/agents"
	"github.com/siproxylin/drunk-call-service/audio"
	"github.com/siproxylin/drunk-call-service/config"
	"github.com/siproxylin/drunk-call-service/connectivity"
	"github.com/siproxylin/drunk-call-service/shared"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Diagnostics printer configuration
const (
	printerIndentString string = "│  "
)

func main() {
	if err := run(); err != nil {
		fmt.Printf("❌ %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "YAML config file")
	listen := flag.String("listen", "", "RPC listen address, overrides the config")
	port := flag.Int("port", 0, "RPC port on the configured host")
	logLevel := flag.String("log-level", "", "log level (DEBUG, INFO, WARN, ERROR)")
	logPath := flag.String("log-path", "", "log file path; empty logs to stdout")
	testDevices := flag.Bool("test-devices", false, "run device and relay diagnostics, then exit")
	micCheck := flag.Duration("mic-check", 0, "with -test-devices, capture the microphone for this long")
	proxyType := flag.String("proxy-type", "SOCKS5", "with -test-devices, proxy type for relay probes (SOCKS5, HTTP)")
	proxyHost := flag.String("proxy-host", "", "with -test-devices, probe relays through this proxy host")
	proxyPort := flag.Int("proxy-port", 0, "with -test-devices, proxy port")
	proxyUser := flag.String("proxy-user", "", "with -test-devices, proxy username")
	proxyPass := flag.String("proxy-pass", "", "with -test-devices, proxy password")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *port > 0 {
		host, _, err := net.SplitHostPort(cfg.Listen)
		if err != nil {
			return fmt.Errorf("parsing listen address: %w", err)
		}
		cfg.Listen = net.JoinHostPort(host, strconv.Itoa(*port))
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logPath != "" {
		cfg.Log.Path = *logPath
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	logger = logger.With(zap.String("version", shared.Version))

	if *testDevices {
		p, err := diagnosticsProxy(*proxyType, *proxyHost, *proxyPort, *proxyUser, *proxyPass)
		if err != nil {
			return err
		}
		return runDiagnostics(logger, cfg, p, *micCheck)
	}

	logger.Info(
		"call service starting",
		zap.String("listen", cfg.Listen),
		zap.String("log_level", cfg.Log.Level),
		zap.String("log_path", cfg.Log.Path),
		zap.Bool("liveness", !cfg.Liveness.Disabled),
	)
	app := fx.New(module(cfg, logger))
	if err := app.Err(); err != nil {
		return fmt.Errorf("wiring application: %w", err)
	}
	app.Run()
	return nil
}

func newLogger(cfg config.Log) (shared.LoggerAdapter, error) {
	level, err := shared.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	if cfg.Path == "" {
		return shared.NewStdLogger(level), nil
	}
	return shared.NewFileLogger(cfg.Path, cfg.MaxSizeMB, cfg.MaxBackups, cfg.MaxAgeDays, cfg.Compress, level), nil
}

// diagnosticsProxy returns nil unless both host and port are set, matching
// how a session treats its proxy settings.
func diagnosticsProxy(kind, host string, port int, user, pass string) (*connectivity.Proxy, error) {
	if host == "" || port <= 0 {
		return nil, nil
	}
	k, err := connectivity.ParseProxyKind(kind)
	if err != nil {
		return nil, err
	}
	return &connectivity.Proxy{Kind: k, Host: host, Port: port, Username: user, Password: pass}, nil
}

func runDiagnostics(logger shared.LoggerAdapter, cfg config.Config, p *connectivity.Proxy, micCheck time.Duration) error {
	stdoutHook := shared.NewWriteCloser(os.Stdout)
	printer, err := shared.NewPrinter(printerIndentString, stdoutHook)
	if err != nil {
		return fmt.Errorf("creating printer: %w", err)
	}
	bridge, err := audio.NewHardware(logger)
	if err != nil {
		return fmt.Errorf("opening audio backend: %w", err)
	}
	diag, err := agents.NewDiagnostics(logger, printer, bridge)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return diag.Run(ctx, agents.DiagnosticsConfig{
		Relays:       cfg.Relay.URLs,
		Proxy:        p,
		ProbeTimeout: 5 * time.Second,
		MicCheck:     micCheck,
	})
}
