package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/chassis-systems/piv-recovery-backend/archive"
	"github.com/chassis-systems/piv-recovery-backend/bucket"
	"github.com/chassis-systems/piv-recovery-backend/common"
	"github.com/chassis-systems/piv-recovery-backend/httpserver"
	"github.com/chassis-systems/piv-recovery-backend/metrics"
	"github.com/chassis-systems/piv-recovery-backend/model"
	"github.com/chassis-systems/piv-recovery-backend/transition"
)

var flags []cli.Flag = []cli.Flag{
	&cli.StringFlag{
		Name:  "listen-addr",
		Value: "127.0.0.1:8080",
		Usage: "address to listen on for API",
	},
	&cli.StringFlag{
		Name:  "metrics-addr",
		Value: "127.0.0.1:8090",
		Usage: "address to listen on for Prometheus metrics (empty disables)",
	},
	&cli.StringFlag{
		Name:  "store-uri",
		Value: "mem://",
		Usage: "backing store: mem://, file:///path, or vault://host:port/mount/base?token=...",
	},
	&cli.StringFlag{
		Name:  "bucket-prefix",
		Value: "",
		Usage: "prefix for all bucket names (test isolation)",
	},
	&cli.StringSliceFlag{
		Name:  "archive-uri",
		Usage: "additional history sinks: s3://bucket/prefix or ipfs://host:port (repeatable)",
	},
	&cli.StringFlag{
		Name:  "locator-template",
		Value: "http://%s.cn.internal:8901",
		Usage: "node agent URL template with one %s verb for the compute-node UUID",
	},
	&cli.StringFlag{
		Name:  "dns-server",
		Value: "",
		Usage: "DNS server for SRV-based node location (overrides locator-template)",
	},
	&cli.StringFlag{
		Name:  "dns-domain",
		Value: "",
		Usage: "zone the node agent SRV records live under",
	},
	&cli.IntFlag{
		Name:  "concurrency",
		Value: transition.DefaultConcurrency,
		Usage: "default transition fanout concurrency",
	},
	&cli.DurationFlag{
		Name:  "target-timeout",
		Value: transition.DefaultTargetTimeout,
		Usage: "per-target transition timeout",
	},
	&cli.DurationFlag{
		Name:  "expire-interval",
		Value: time.Minute,
		Usage: "how often to expire overdue configurations (0 disables the sweep)",
	},
	&cli.BoolFlag{
		Name:  "log-json",
		Value: false,
		Usage: "log in JSON format",
	},
	&cli.BoolFlag{
		Name:  "log-debug",
		Value: false,
		Usage: "log debug messages",
	},
	&cli.BoolFlag{
		Name:  "log-uid",
		Value: false,
		Usage: "generate a uuid and add to all log messages",
	},
	&cli.StringFlag{
		Name:  "log-service",
		Value: "pivd",
		Usage: "add 'service' tag to logs",
	},
	&cli.BoolFlag{
		Name:  "pprof",
		Value: false,
		Usage: "enable pprof debug endpoint",
	},
	&cli.Int64Flag{
		Name:  "drain-seconds",
		Value: 45,
		Usage: "seconds to wait in drain HTTP request",
	},
}

func main() {
	app := &cli.App{
		Name:   "pivd",
		Usage:  "Serve the PIV token and recovery configuration API",
		Flags:  flags,
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(cCtx *cli.Context) error {
	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   cCtx.Bool("log-debug"),
		JSON:    cCtx.Bool("log-json"),
		Service: cCtx.String("log-service"),
		Version: common.Version,
	})
	if cCtx.Bool("log-uid") {
		logger = logger.With("uid", uuid.NewString())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := bucket.NewFromURI(cCtx.String("store-uri"), logger)
	if err != nil {
		logger.Error("Failed to create store", "err", err)
		return err
	}
	if prefix := cCtx.String("bucket-prefix"); prefix != "" {
		store = bucket.WithPrefix(store, prefix)
	}
	if err := model.InitBuckets(ctx, store); err != nil {
		logger.Error("Failed to initialize buckets", "err", err)
		return err
	}

	sink, err := archive.NewFromURIs(ctx, store, cCtx.StringSlice("archive-uri"), logger)
	if err != nil {
		logger.Error("Failed to create archive sink", "err", err)
		return err
	}

	tokens := model.NewPivTokens(store, sink, logger)
	configs := model.NewRecoveryConfigurations(store, sink, logger)
	recovery := model.NewRecoveryTokens(store, sink, logger)
	transitions := model.NewTransitions(store, logger)

	var locator transition.Locator
	if server := cCtx.String("dns-server"); server != "" {
		locator = transition.DNSLocator{Server: server, Domain: cCtx.String("dns-domain")}
	} else {
		locator = transition.StaticLocator{Template: cCtx.String("locator-template")}
	}

	engine := transition.New(transition.Config{
		Configurations: configs,
		Tokens:         tokens,
		Transitions:    transitions,
		Runner:         transition.NewHTTPRunner(locator),
		Log:            logger,
		Concurrency:    cCtx.Int("concurrency"),
		TargetTimeout:  cCtx.Duration("target-timeout"),
	})

	// Finish rollouts a previous process left behind before accepting new
	// requests for them.
	if err := engine.Resume(ctx); err != nil {
		logger.Error("Failed to resume unfinished transitions", "err", err)
		return err
	}

	if interval := cCtx.Duration("expire-interval"); interval > 0 {
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case now := <-ticker.C:
					if err := engine.ExpireDue(ctx, now); err != nil {
						logger.Error("Expiry sweep failed", "err", err)
					}
				}
			}
		}()
	}

	m := metrics.New("pivd")
	handler := httpserver.NewHandler(tokens, configs, recovery, engine, m, logger)
	server, err := httpserver.New(&httpserver.HTTPServerConfig{
		ListenAddr:               cCtx.String("listen-addr"),
		MetricsAddr:              cCtx.String("metrics-addr"),
		Log:                      logger,
		EnablePprof:              cCtx.Bool("pprof"),
		DrainDuration:            time.Duration(cCtx.Int64("drain-seconds")) * time.Second,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}, handler, m)
	if err != nil {
		logger.Error("Failed to create server", "err", err)
		return err
	}

	logger.Info("Starting server")
	server.RunInBackground()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

	logger.Info("Server is running, press Ctrl+C to stop")
	<-exit
	logger.Info("Shutdown signal received")

	cancel()
	server.Shutdown()
	logger.Info("Server shutdown complete")
	return nil
}
