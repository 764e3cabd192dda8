package main

import (
	"context"
	"errors"
	"net"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	call "github.com/siproxylin/drunk-call-service"
	"github.com/siproxylin/drunk-call-service/audio"
	"github.com/siproxylin/drunk-call-service/config"
	"github.com/siproxylin/drunk-call-service/connectivity"
	"github.com/siproxylin/drunk-call-service/rpc"
	"github.com/siproxylin/drunk-call-service/shared"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

// module wires the process. The RPC listener starts before the call server
// and stops after it, so closing sessions ends open event streams before
// the listener drains.
func module(cfg config.Config, logger shared.LoggerAdapter) fx.Option {
	return fx.Options(
		fx.Supply(cfg),
		fx.Provide(func() shared.LoggerAdapter { return logger }),
		fx.WithLogger(func() fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger.Zap().Named("fx")}
		}),
		fx.Provide(
			newRegistry,
			newBridge,
			newCallServer,
			newRPCServer,
		),
		fx.Invoke(startRPC, startCallServer, probeRelays),
	)
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func newBridge(logger shared.LoggerAdapter) (audio.Bridge, error) {
	hw, err := audio.NewHardware(logger)
	if err != nil {
		return nil, err
	}
	return hw, nil
}

// newCallServer routes the server's exit path through fx so that stop
// hooks run before the process ends.
func newCallServer(
	logger shared.LoggerAdapter,
	cfg config.Config,
	bridge audio.Bridge,
	reg *prometheus.Registry,
	sd fx.Shutdowner,
) (*call.Server, error) {
	exit := func(code int) {
		if err := sd.Shutdown(fx.ExitCode(code)); err != nil {
			logger.Error("requesting shutdown", err, zap.Int("code", code))
			os.Exit(code)
		}
	}
	return call.NewServer(
		logger,
		cfg,
		call.WithBridge(bridge),
		call.WithMetrics(call.NewMetrics(reg)),
		call.WithExitFunc(exit),
	)
}

func newRPCServer(logger shared.LoggerAdapter, srv *call.Server, reg *prometheus.Registry) (*rpc.Server, error) {
	return rpc.NewServer(logger, srv, reg)
}

func startRPC(lc fx.Lifecycle, srv *rpc.Server, cfg config.Config, logger shared.LoggerAdapter, sd fx.Shutdowner) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", cfg.Listen)
			if err != nil {
				return err
			}
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, net.ErrClosed) {
					logger.Error("rpc server stopped", err)
					_ = sd.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}

func startCallServer(lc fx.Lifecycle, srv *call.Server) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			// The start context ends once startup completes.
			return srv.Start(context.Background())
		},
		OnStop: func(ctx context.Context) error {
			return srv.Stop(ctx)
		},
	})
}

// probeRelays checks the default relays in the background and logs what it
// finds. A failed probe only warns.
func probeRelays(lc fx.Lifecycle, cfg config.Config, logger shared.LoggerAdapter) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				logger.Info("testing relay connectivity", zap.Strings("urls", cfg.Relay.URLs))
				for _, r := range connectivity.Probe(ctx, nil, cfg.Relay.URLs, 5*time.Second) {
					if !r.OK() {
						logger.Warn("relay unreachable", zap.String("url", r.URL), zap.String("network", r.Network), zap.Error(r.Err))
						continue
					}
					logger.Info(
						"relay reachable",
						zap.String("url", r.URL),
						zap.String("network", r.Network),
						zap.Duration("rtt", r.RTT),
						zap.String("mapped", r.Mapped),
					)
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			return nil
		},
	})
}
