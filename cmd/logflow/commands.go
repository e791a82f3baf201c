package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/coffersTech/logflow/internal/broker"
	"github.com/coffersTech/logflow/internal/config"
	"github.com/coffersTech/logflow/internal/engine"
	"github.com/coffersTech/logflow/internal/ingress"
	"github.com/coffersTech/logflow/internal/metric"
	"github.com/coffersTech/logflow/internal/processor"
	"github.com/coffersTech/logflow/internal/server"
)

const shutdownTimeout = 5 * time.Second

// loadConfig reads the config file, applies flags that were set explicitly
// and validates the result.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}

	setString(c, "broker-url", &cfg.Broker.URL)
	setString(c, "queue", &cfg.Broker.Queue)
	setInt(c, "connect-attempts", &cfg.Broker.ConnectAttempts)
	setDuration(c, "connect-delay", &cfg.Broker.ConnectDelay)
	setInt(c, "prefetch", &cfg.Broker.Prefetch)

	setString(c, "id", &cfg.Processor.ID)
	setString(c, "storage-url", &cfg.Processor.StorageURL)
	setDuration(c, "storage-timeout", &cfg.Processor.StorageTimeout)
	setInt(c, "max-deliveries", &cfg.Processor.MaxDeliveries)
	setString(c, "metrics-addr", &cfg.Processor.MetricsAddr)

	setString(c, "dir", &cfg.Storage.Dir)
	setDuration(c, "retention", &cfg.Storage.Retention)
	setDuration(c, "clean-interval", &cfg.Storage.CleanInterval)
	if c.IsSet("recover") {
		cfg.Storage.Recover = c.Bool("recover")
	}

	// "addr" belongs to whichever service the command runs.
	switch c.Command.Name {
	case "ingress":
		setString(c, "addr", &cfg.Ingress.Addr)
	case "storage", "standalone":
		setString(c, "addr", &cfg.Storage.Addr)
		setString(c, "ingress-addr", &cfg.Ingress.Addr)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setString(c *cli.Context, name string, dst *string) {
	if c.IsSet(name) {
		*dst = c.String(name)
	}
}

func setInt(c *cli.Context, name string, dst *int) {
	if c.IsSet(name) {
		*dst = c.Int(name)
	}
}

func setDuration(c *cli.Context, name string, dst *time.Duration) {
	if c.IsSet(name) {
		*dst = c.Duration(name)
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

type httpService interface {
	Start(addr string) error
	Shutdown(ctx context.Context) error
}

// serveUntilDone runs srv on addr inside g and shuts it down once ctx ends.
func serveUntilDone(ctx context.Context, g *errgroup.Group, srv httpService, addr string) {
	g.Go(func() error {
		return srv.Start(addr)
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}
		return nil
	})
}

func ingressCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	ctx, stop := signalContext(c.Context)
	defer stop()

	b, err := broker.DialJetStream(ctx, cfg.Broker.URL,
		broker.WithClientName("logflow-ingress"),
		broker.WithQueues(cfg.Broker.Queue),
		broker.WithConnectRetry(cfg.Broker.Attempts(config.IngressConnectAttempts), cfg.Broker.ConnectDelay),
		broker.WithLogger(slog.Default()),
	)
	if err != nil {
		return err
	}
	defer closeBroker(b)

	m := metric.New()
	svc := ingress.New(b,
		ingress.WithQueue(cfg.Broker.Queue),
		ingress.WithMetrics(m),
	)
	srv := server.NewIngressServer(svc, server.WithMetrics(m))

	g, gctx := errgroup.WithContext(ctx)
	serveUntilDone(gctx, g, srv, cfg.Ingress.Addr)
	return wait(g)
}

func processorCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	ctx, stop := signalContext(c.Context)
	defer stop()

	b, err := broker.DialJetStream(ctx, cfg.Broker.URL,
		broker.WithClientName("logflow-processor"),
		broker.WithQueues(cfg.Broker.Queue),
		broker.WithConsumerName(cfg.Broker.ConsumerName),
		broker.WithAckWait(cfg.Broker.AckWait),
		broker.WithConnectRetry(cfg.Broker.Attempts(config.ProcessorConnectAttempts), cfg.Broker.ConnectDelay),
		broker.WithLogger(slog.Default()),
	)
	if err != nil {
		return err
	}
	defer closeBroker(b)

	m := metric.New()
	p := processor.New(b, processor.NewStorageClient(cfg.Processor.StorageURL, cfg.Processor.StorageTimeout),
		processor.WithID(cfg.Processor.ID),
		processor.WithQueue(cfg.Broker.Queue),
		processor.WithPrefetch(cfg.Broker.Prefetch),
		processor.WithMaxDeliveries(cfg.Processor.MaxDeliveries),
		processor.WithMetrics(m),
	)

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Processor.MetricsAddr != "" {
		serveUntilDone(gctx, g, server.NewProcessorServer(p.ID(), server.WithMetrics(m)), cfg.Processor.MetricsAddr)
	}
	g.Go(func() error {
		return p.Run(gctx)
	})
	return wait(g)
}

// openStore opens the storage engine, recovering existing records when
// configured.
func openStore(cfg *config.Config, m *metric.Metrics) (*engine.Store, error) {
	store, err := engine.Open(cfg.Storage.Dir,
		engine.WithMetrics(m),
		engine.WithRetention(cfg.Storage.Retention),
	)
	if err != nil {
		return nil, err
	}

	if cfg.Storage.Recover {
		n, err := store.Recover()
		if err != nil {
			return nil, err
		}
		slog.Info("Recovered stored logs", "count", n, "dir", cfg.Storage.Dir)
	}
	return store, nil
}

func storageCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	ctx, stop := signalContext(c.Context)
	defer stop()

	m := metric.New()
	store, err := openStore(cfg, m)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		store.RunCleaner(gctx, cfg.Storage.CleanInterval)
		return nil
	})
	serveUntilDone(gctx, g, server.NewStorageServer(store, server.WithMetrics(m)), cfg.Storage.Addr)
	return wait(g)
}

// standaloneCommand runs the whole pipeline in one process. The queue is
// in memory, so queued entries do not survive a restart.
func standaloneCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	ctx, stop := signalContext(c.Context)
	defer stop()

	m := metric.New()
	store, err := openStore(cfg, m)
	if err != nil {
		return err
	}

	b := broker.NewMemory()
	defer closeBroker(b)

	svc := ingress.New(b,
		ingress.WithQueue(cfg.Broker.Queue),
		ingress.WithMetrics(m),
	)
	p := processor.New(b, processor.LocalStore{Engine: store},
		processor.WithID(cfg.Processor.ID),
		processor.WithQueue(cfg.Broker.Queue),
		processor.WithPrefetch(cfg.Broker.Prefetch),
		processor.WithMaxDeliveries(cfg.Processor.MaxDeliveries),
		processor.WithMetrics(m),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.Run(gctx)
	})
	g.Go(func() error {
		store.RunCleaner(gctx, cfg.Storage.CleanInterval)
		return nil
	})
	serveUntilDone(gctx, g, server.NewIngressServer(svc, server.WithMetrics(m)), cfg.Ingress.Addr)
	serveUntilDone(gctx, g, server.NewStorageServer(store, server.WithMetrics(m)), cfg.Storage.Addr)
	return wait(g)
}

func wait(g *errgroup.Group) error {
	err := g.Wait()
	slog.Info("Shutdown complete")
	return err
}

func closeBroker(b broker.Broker) {
	if err := b.Close(); err != nil {
		slog.Warn("Broker close failed", "error", err)
	}
}
