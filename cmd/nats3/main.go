// Package main wires the bus<->object-store bridge's dependencies together.
// It dispatches on an operator subcommand: "serve" (the default) runs the
// HTTP control surface and background workers until signaled to stop;
// "reconcile" runs a single orphan-object sweep over every store job's
// prefix and exits, for cron-driven or ad-hoc invocation outside the
// daemon's own periodic reconciler.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nats3bridge/nats3/bus"
	"github.com/nats3bridge/nats3/catalog"
	"github.com/nats3bridge/nats3/config"
	"github.com/nats3bridge/nats3/httpapi"
	"github.com/nats3bridge/nats3/logging"
	"github.com/nats3bridge/nats3/metrics"
	"github.com/nats3bridge/nats3/migrations"
	"github.com/nats3bridge/nats3/objectstore"
	"github.com/nats3bridge/nats3/storeworker"
	"github.com/nats3bridge/nats3/supervisor"
)

func main() {
	cmd := "serve"
	args := os.Args[1:]
	if len(args) > 0 && !isFlag(args[0]) {
		cmd = args[0]
		args = args[1:]
	}

	var err error
	switch cmd {
	case "serve":
		err = runServe(args)
	case "reconcile":
		err = runReconcile(args)
	default:
		err = fmt.Errorf("unknown subcommand %q (want \"serve\" or \"reconcile\")", cmd)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func isFlag(arg string) bool {
	return len(arg) > 0 && arg[0] == '-'
}

// newDeps builds the S3 client, object store adapter, and catalog shared by
// both subcommands.
func newDeps(ctx context.Context, cfg *config.Config) (*objectstore.Store, *catalog.PostgresStore, error) {
	awsOpts := []func(*awsconfig.LoadOptions) error{}
	if cfg.S3Region != "" {
		awsOpts = append(awsOpts, awsconfig.WithRegion(cfg.S3Region))
	}
	if cfg.S3AccessKey != "" {
		awsOpts = append(awsOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = &cfg.S3Endpoint
		}
		o.UsePathStyle = cfg.S3Endpoint != ""
	})

	objects := objectstore.New(s3Client, objectstore.RetryPolicy{
		MaxAttempts: cfg.S3RetryMaxAttempts,
		BaseDelay:   cfg.S3RetryBaseDelay,
		MaxDelay:    cfg.S3RetryMaxDelay,
	})

	db, err := catalog.OpenPostgres(ctx, cfg.DBURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open catalog database: %w", err)
	}
	if err := migrations.Apply(ctx, db.DB()); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to apply catalog migrations: %w", err)
	}
	return objects, db, nil
}

// runReconcile implements the `nats3 reconcile` operator command described
// in section 4.2's [ADDED] note: a one-shot sweep of every store job's
// bucket/prefix for orphaned objects, for operators who want to trigger a
// sweep outside the daemon's own periodic schedule (e.g. from cron, or
// right after a suspected crash during a flush).
func runReconcile(args []string) error {
	fs := flag.NewFlagSet("reconcile", flag.ExitOnError)
	safetyWindow := fs.Duration("safety-window", 0, "minimum object age before it is eligible for deletion (defaults to 2x RECONCILER_INTERVAL)")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}

	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	log := logging.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	objects, db, err := newDeps(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	window := *safetyWindow
	if window <= 0 {
		window = cfg.ReconcilerInterval * 2
	}
	reconciler := storeworker.NewReconciler(objects, db, window, cfg.ReconcilerInterval, log)

	log.Info().Dur("safety_window", window).Msg("running one-shot reconciliation sweep")
	if err := reconciler.SweepAll(ctx); err != nil {
		return fmt.Errorf("reconciliation sweep failed: %w", err)
	}
	log.Info().Msg("reconciliation sweep complete")
	return nil
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}
	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	log := logging.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	objects, db, err := newDeps(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	b, err := bus.Connect(cfg.BusURL)
	if err != nil {
		return fmt.Errorf("failed to connect to message bus: %w", err)
	}
	defer b.Close()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	super := supervisor.New(db, b, objects, m, log)
	if err := super.Boot(ctx); err != nil {
		return fmt.Errorf("failed to recover running jobs: %w", err)
	}
	go super.RunReconcileLoop(ctx, cfg.ReconcilerInterval)

	reconciler := storeworker.NewReconciler(objects, db, cfg.ReconcilerInterval*2, cfg.ReconcilerInterval, log)
	go reconciler.Run(ctx)

	degraded := func() bool { return false }
	api := httpapi.New(super, db, log, degraded)
	srv := &http.Server{Addr: cfg.HTTPListen, Handler: api}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTPListen).Msg("starting http api")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
