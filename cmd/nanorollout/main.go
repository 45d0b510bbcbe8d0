// Package main starts a NanoRollout server.
package main

import (
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/micromdm/nanorollout/activity"
	"github.com/micromdm/nanorollout/campaign"
	"github.com/micromdm/nanorollout/channel"
	"github.com/micromdm/nanorollout/channel/gateway"
	channelredis "github.com/micromdm/nanorollout/channel/redis"
	"github.com/micromdm/nanorollout/engine"
	enginehttp "github.com/micromdm/nanorollout/engine/http"
	httprollout "github.com/micromdm/nanorollout/http"
	"github.com/micromdm/nanorollout/log/logkeys"
	"github.com/micromdm/nanorollout/metrics"
	"github.com/micromdm/nanorollout/subsystem/firmware"
	fwhttp "github.com/micromdm/nanorollout/subsystem/firmware/http"
	"github.com/micromdm/nanorollout/subsystem/registry"
	reghttp "github.com/micromdm/nanorollout/subsystem/registry/http"
	"github.com/micromdm/nanorollout/workflow"

	"github.com/alexedwards/flow"
	"github.com/micromdm/nanolib/envflag"
	nanohttp "github.com/micromdm/nanolib/http"
	"github.com/micromdm/nanolib/http/trace"
	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/stdlogfmt"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// overridden by -ldflags -X
var version = "unknown"

const (
	apiUsername = "nanorollout"
	apiRealm    = "nanorollout"
)

func main() {
	var (
		flDebug    = flag.Bool("debug", false, "log debug messages")
		flListen   = flag.String("listen", ":9005", "HTTP listen address")
		flMetrics  = flag.String("metrics-listen", "", "metrics HTTP listen address (disabled if empty)")
		flVersion  = flag.Bool("version", false, "print version and exit")
		flDumpWH   = flag.Bool("dump-webhook", false, "dump webhook input")
		flAPIKey   = flag.String("api", "", "API key for API endpoints")
		flStorage  = flag.String("storage", "file", "name of storage backend")
		flDSN      = flag.String("storage-dsn", "", "data source name (e.g. connection string or path)")
		flOptions  = flag.String("storage-options", "", "storage backend options")
		flCatalog  = flag.String("firmware-catalog", "", "path to YAML firmware catalog to seed at startup")
		flGwURL    = flag.String("gateway-url", "", "URL of device gateway command endpoint")
		flGwAPI    = flag.String("gateway-api", "", "device gateway API key")
		flRedis    = flag.String("redis-addr", "", "Redis address for the Redis command channel (instead of the gateway)")
		flRedisPW  = flag.String("redis-password", "", "Redis password")
		flRedisDB  = flag.Int("redis-db", 0, "Redis database number")
		flWorkers  = flag.Int("worker-concurrency", engine.DefaultConcurrency, "number of workflows advanced concurrently")
		flRescan   = flag.Duration("worker-rescan", engine.DefaultRescan, "interval for rescanning storage for active workflows")
		flPollTO   = flag.Duration("poll-timeout", engine.DefaultPollTimeout, "how long to wait for a device report per verification cycle")
		flCycles   = flag.Int("verify-cycles", engine.DefaultVerifyCycles, "verification cycles before a workflow fails")
		flRbTO     = flag.Duration("rollback-timeout", engine.DefaultRollbackTimeout, "how long to wait for a rollback acknowledgement")
		flActTO    = flag.Duration("activity-timeout", engine.DefaultActivityTimeout, "timeout for a single activity attempt")
		flFresh    = flag.Duration("freshness", activity.DefaultFreshness, "how recently a device must have been seen to be updated")
		flRetryInt = flag.Duration("retry-interval", workflow.DefaultInitialInterval, "initial retry interval")
		flRetryMax = flag.Int("retry-attempts", workflow.DefaultMaximumAttempts, "maximum attempts per activity")
		flJitter   = flag.Float64("retry-jitter", 0, "fraction of retry intervals randomized")
		flTRate    = flag.Float64("tenant-rate", 0, "commands per second per tenant (unlimited if zero)")
		flTBurst   = flag.Int("tenant-burst", 1, "command burst per tenant")
		flTConc    = flag.Int("tenant-concurrency", 0, "concurrent commands per tenant (unlimited if zero)")
		flMaxBody  = flag.Int64("max-body", httprollout.DefaultMaxBodySize, "maximum HTTP request body size in bytes")
	)
	envflag.Parse("NANOROLLOUT_", []string{"version"})

	if *flVersion {
		fmt.Println(version)
		return
	}

	logger := stdlogfmt.New(stdlogfmt.WithDebugFlag(*flDebug))

	if *flRedis == "" && *flGwURL == "" {
		logger.Info(logkeys.Error, "gateway URL or Redis address required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// configure storage
	storage, err := parseStorage(ctx, *flStorage, *flDSN, *flOptions)
	if err != nil {
		logger.Info(logkeys.Message, "parse storage", logkeys.Error, err)
		os.Exit(1)
	}
	if storage.close != nil {
		defer storage.close()
	}

	if *flCatalog != "" {
		n, err := firmware.SeedFile(ctx, storage.firmware, *flCatalog)
		if err != nil {
			logger.Info(logkeys.Message, "seed firmware catalog", logkeys.Error, err)
			os.Exit(1)
		}
		logger.Debug(logkeys.Message, "seeded firmware catalog", logkeys.GenericCount, n)
	}

	// configure the command channel i.e. how we talk to devices
	var (
		sender channel.Sender
		redisC *channelredis.Channel
	)
	if *flRedis != "" {
		client, err := channelredis.NewClient(*flRedis, *flRedisPW, *flRedisDB)
		if err != nil {
			logger.Info(logkeys.Message, "creating redis client", logkeys.Error, err)
			os.Exit(1)
		}
		defer client.Close()
		redisC = channelredis.New(client, channelredis.WithLogger(logger.With("service", "redis channel")))
		sender = redisC
	} else {
		gw, err := gateway.New(*flGwURL, *flGwAPI, gateway.WithLogger(logger.With("service", "gateway")))
		if err != nil {
			logger.Info(logkeys.Message, "creating gateway", logkeys.Error, err)
			os.Exit(1)
		}
		sender = gw
	}
	fOpts := []channel.FairOption{channel.WithTenantConcurrency(*flTConc)}
	if *flTRate > 0 {
		fOpts = append(fOpts, channel.WithTenantRate(rate.Limit(*flTRate), *flTBurst))
	}
	sender = channel.NewFairSender(sender, fOpts...)

	reg := registry.New(storage.registry)

	acts := activity.New(
		reg,
		storage.firmware,
		sender,
		storage.engine,
		storage.engine,
		activity.WithFreshness(*flFresh),
	)

	// configure the rollout engine
	recorder := metrics.NewRecorder(prometheus.DefaultRegisterer)
	e := engine.New(
		storage.engine,
		acts,
		engine.WithLogger(logger.With("service", "engine")),
		engine.WithRecorder(recorder),
		engine.WithRetryPolicy(workflow.RetryPolicy{
			InitialInterval:    *flRetryInt,
			BackoffCoefficient: workflow.DefaultBackoffCoefficient,
			MaximumAttempts:    *flRetryMax,
			Jitter:             *flJitter,
		}),
		engine.WithPollTimeout(*flPollTO),
		engine.WithVerifyCycles(*flCycles),
		engine.WithRollbackTimeout(*flRbTO),
		engine.WithActivityTimeout(*flActTO),
	)

	worker := engine.NewWorker(
		e,
		storage.engine,
		engine.WithWorkerLogger(logger.With("service", "engine worker")),
		engine.WithWorkerConcurrency(*flWorkers),
		engine.WithWorkerRescan(*flRescan),
	)
	metrics.RegisterQueue(prometheus.DefaultRegisterer, worker)
	if storage.pool != nil {
		metrics.RegisterPgxPool(prometheus.DefaultRegisterer, storage.pool)
	}

	mgr := campaign.New(
		storage.engine,
		storage.firmware,
		reg,
		worker,
		campaign.WithLogger(logger.With("service", "campaign")),
	)
	e.RegisterSettler(mgr)

	var recv channel.Receiver = engine.NewReceiver(
		storage.engine,
		worker,
		engine.WithReceiverLogger(logger.With("service", "receiver")),
		engine.WithToucher(reg),
	)
	if *flDumpWH {
		recv = channel.NewReportDumper(recv, os.Stdout)
	}

	mux := flow.New()

	mux.Handle("/version", nanohttp.NewJSONVersionHandler(version))

	var h http.Handler = gateway.WebhookHandler(recv, logger.With("handler", "webhook"))
	if *flDumpWH {
		h = httprollout.DumpHandler(h, os.Stdout)
	}

	mux.Handle("/webhook", httprollout.MaxBodyHandler(h, *flMaxBody), "POST")

	if *flAPIKey != "" {
		mux.Group(func(mux *flow.Mux) {
			mux.Use(func(h http.Handler) http.Handler {
				return nanohttp.NewSimpleBasicAuthHandler(h, apiUsername, *flAPIKey, apiRealm)
			})
			mux.Use(func(h http.Handler) http.Handler {
				return httprollout.MaxBodyHandler(h, *flMaxBody)
			})

			enginehttp.HandleAPIv1("/v1", mux, logger, mgr, storage.engine, recv)
			fwhttp.HandleAPIv1("/v1", mux, logger, storage.firmware)
			reghttp.HandleAPIv1("/v1", mux, logger, storage.registry)
		})
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return run(ctx, logger, "engine worker", worker.Run)
	})

	if redisC != nil {
		g.Go(func() error {
			return run(ctx, logger, "redis subscriber", func(ctx context.Context) error {
				return redisC.Run(ctx, recv)
			})
		})
	}

	if *flMetrics != "" {
		srv := metrics.NewServer(*flMetrics, prometheus.DefaultGatherer)
		g.Go(func() error {
			logger.Info(logkeys.Message, "starting metrics server", "listen", *flMetrics)
			return serve(ctx, srv)
		})
	}

	srv := &http.Server{
		Addr:              *flListen,
		Handler:           trace.NewTraceLoggingHandler(mux, logger.With("handler", "log"), newTraceID),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		logger.Info(logkeys.Message, "starting server", "listen", *flListen)
		return serve(ctx, srv)
	})

	err = g.Wait()
	logs := []interface{}{logkeys.Message, "server shutdown"}
	if err != nil && !errors.Is(err, context.Canceled) {
		logs = append(logs, logkeys.Error, err)
	}
	logger.Info(logs...)
}

// run runs f until ctx is done and logs when it stopped.
func run(ctx context.Context, logger log.Logger, name string, f func(context.Context) error) error {
	err := f(ctx)
	logs := []interface{}{logkeys.Message, name + " stopped"}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Info(append(logs, logkeys.Error, err)...)
		return err
	}
	logger.Debug(logs...)
	return nil
}

// serve runs srv until ctx is done and then shuts it down.
func serve(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// newTraceID generates a new HTTP trace ID for context logging.
// Currently this just makes a random string.
func newTraceID(_ *http.Request) string {
	b := make([]byte, 8)
	rand.Read(b)
	return fmt.Sprintf("%x", b)
}
