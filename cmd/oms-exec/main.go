package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/execms/oms/internal/adapter/binance"
	"github.com/execms/oms/internal/adapter/mock"
	"github.com/execms/oms/internal/config"
	"github.com/execms/oms/internal/executor"
	"github.com/execms/oms/internal/failover"
	"github.com/execms/oms/internal/quality"
	"github.com/execms/oms/internal/reconciler"
	"github.com/execms/oms/pkg/bus"
	natsbridge "github.com/execms/oms/pkg/nats"
	"github.com/execms/oms/pkg/types"
)

// primarySource narrows the failover controller to what the reconciler
// needs: the current primary's adapter, or nil when none is usable.
type primarySource struct {
	controller *failover.Controller
}

func (s primarySource) PrimaryAdapter() types.ExchangeAdapter {
	_, adapter, err := s.controller.PrimaryAdapter()
	if err != nil {
		return nil
	}
	return adapter
}

func main() {
	configPath := flag.String("config", "", "path to config file")
	logLevel := flag.String("log-level", "info", "logrus level")
	flag.Parse()

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if err := run(*configPath); err != nil {
		logrus.Fatalf("oms-exec: %v", err)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if len(cfg.Endpoints) == 0 {
		return fmt.Errorf("no endpoints configured")
	}

	eventBus := bus.New()

	controller := failover.NewController(cfg.Failover, eventBus)
	for _, ep := range cfg.Endpoints {
		adapter, err := buildAdapter(ep)
		if err != nil {
			return fmt.Errorf("endpoint %s: %w", ep.ID, err)
		}
		if err := controller.Register(failover.Registration{
			ID:        ep.ID,
			Adapter:   adapter,
			Priority:  ep.Priority,
			IsPrimary: ep.IsPrimary,
		}); err != nil {
			return fmt.Errorf("register %s: %w", ep.ID, err)
		}
		logrus.Infof("registered endpoint %s (%s, priority %d)", ep.ID, ep.Exchange, ep.Priority)
	}

	exec := executor.New(cfg.Executor, controller, eventBus)

	monitor := quality.NewMonitor(cfg.Quality, eventBus)
	monitor.Bind(eventBus)
	monitor.Start()

	recon := reconciler.New(cfg.Reconciler, primarySource{controller: controller}, eventBus)
	recon.Bind(eventBus)

	var bridge *natsbridge.Bridge
	if cfg.NATS.Enabled {
		bridge, err = natsbridge.NewBridge(cfg.NATS.URL, cfg.NATS.SubjectPrefix)
		if err != nil {
			return err
		}
		bridge.Bind(eventBus)
		logrus.Infof("nats bridge connected to %s", cfg.NATS.URL)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	anchorClocks(ctx, cfg.Endpoints, controller, exec)
	controller.Start(ctx)
	recon.Start(ctx)

	logrus.Infof("execution core up, primary endpoint %s", controller.Primary())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logrus.Infof("received %s, shutting down", sig)

	// ordered shutdown: stop taking orders, then the loops, then drain
	exec.Stop()
	recon.Stop()
	monitor.Stop()
	controller.Stop()
	cancel()
	if bridge != nil {
		bridge.Close()
	}
	return nil
}

func buildAdapter(ep config.Endpoint) (types.ExchangeAdapter, error) {
	switch ep.Exchange {
	case "binance":
		return binance.New(binance.Config{
			APIKey:            ep.APIKey(),
			APISecret:         ep.APISecret(),
			Testnet:           ep.Testnet,
			RequestsPerSecond: ep.RequestsPerSecond,
			Burst:             ep.Burst,
		}), nil
	case "mock":
		return mock.NewAdapter(ep.ID), nil
	default:
		return nil, fmt.Errorf("unknown exchange %q", ep.Exchange)
	}
}

// anchorClocks seeds the nonce coordinator's skew from each venue's
// server time so the first signed requests do not drift.
func anchorClocks(ctx context.Context, endpoints []config.Endpoint, controller *failover.Controller, exec *executor.Executor) {
	for _, ep := range endpoints {
		adapter, err := controller.Adapter(ep.ID)
		if err != nil {
			continue
		}
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		serverTime, err := adapter.FetchTime(probeCtx)
		cancel()
		if err != nil {
			logrus.Warnf("clock anchor for %s failed: %v", ep.ID, err)
			continue
		}
		exec.Nonces().SyncClock(ep.ID, serverTime)
	}
}
