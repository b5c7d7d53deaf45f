/*
 *    Copyright 2023 iFood
 *
 *    Licensed under the Apache License, Version 2.0 (the "License");
 *    you may not use this file except in compliance with the License.
 *    You may obtain a copy of the License at
 *
 *      http://www.apache.org/licenses/LICENSE-2.0
 *
 *    Unless required by applicable law or agreed to in writing, software
 *    distributed under the License is distributed on an "AS IS" BASIS,
 *    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *    See the License for the specific language governing permissions and
 *    limitations under the License.
 */

package app

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"

	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"github.com/uber-go/tally/v4"
	"google.golang.org/grpc"

	adaptersin "gatescan/adapters/in"
	adaptersout "gatescan/adapters/out"
	"gatescan/common"
	"gatescan/config"
	portsout "gatescan/domain/ports/out"
	"gatescan/domain/services/coordinator"
	"gatescan/domain/services/pipeline"
	"gatescan/domain/services/policy"
	"gatescan/domain/services/scan"
	gatehttp "gatescan/http"
	"gatescan/logging"
	"gatescan/metrics"
	"gatescan/pkg/redisutils"
)

const (
	startupProbeTimeout = 10 * time.Second
	engineHealthWindow  = 30 * time.Second
	icapPreviewSize     = 4096
)

// StartupError carries the process exit code alongside the cause:
// 1 for configuration problems, 2 for unreachable dependencies.
type StartupError struct {
	Code int
	Err  error
}

func (e *StartupError) Error() string {
	return e.Err.Error()
}

func (e *StartupError) Unwrap() error {
	return e.Err
}

func configError(err error) error {
	return &StartupError{Code: 1, Err: err}
}

func dependencyError(err error) error {
	return &StartupError{Code: 2, Err: err}
}

type runtimeDeps struct {
	cfg      config.AppConfig
	logger   logging.Logger
	scope    tally.Scope
	handler  http.Handler
	closer   io.Closer
	recorder *metrics.Recorder
	store    *redisutils.Store
	queue    *adaptersout.RedisQueue
	factory  *adaptersout.ProviderFactory
}

func initRuntime(ctx context.Context, service string, fs *pflag.FlagSet) (*runtimeDeps, error) {
	cfg, err := config.LoadConfig(fs)
	if err != nil {
		return nil, configError(err)
	}

	logger, err := logging.NewZapLogger(service, cfg.HTTPServer.DebugLog)
	if err != nil {
		return nil, configError(err)
	}

	var scope tally.Scope
	var handler http.Handler
	var closer io.Closer

	if cfg.HTTPServer.Metrics {
		scope, handler, closer = metrics.NewPrometheusScope()
	} else {
		scope, handler, closer = metrics.NewNoopScope()
	}

	store := redisutils.NewStore(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.UseTLS)

	probeCtx, cancel := context.WithTimeout(ctx, startupProbeTimeout)
	defer cancel()

	if err := store.Ping(probeCtx); err != nil {
		return nil, dependencyError(fmt.Errorf("redis not reachable at %s:%d. %w", cfg.Redis.Host, cfg.Redis.Port, err))
	}

	queue := adaptersout.NewRedisQueue(store.Client(), cfg.Redis.Prefix)
	factory := adaptersout.NewProviderFactory(store.Client(), afero.NewOsFs(), cfg.Redis.Prefix, cfg.Scan.TmpDir, cfg.Scan.ChunkSizeBytes)

	return &runtimeDeps{
		cfg:      cfg,
		logger:   logger,
		scope:    scope,
		handler:  handler,
		closer:   closer,
		recorder: metrics.NewRecorder(scope),
		store:    store,
		queue:    queue,
		factory:  factory,
	}, nil
}

func (d *runtimeDeps) newOrchestrator() *pipeline.Orchestrator {
	cfg := d.cfg

	var limiter common.RateLimiter
	if cfg.Producer.EnqueuePerMinute > 0 {
		limiter = common.NewRateLimiter(
			fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
			cfg.Redis.Password,
			cfg.Redis.UseTLS,
			common.RateLimitConfig{Minute: cfg.Producer.EnqueuePerMinute, Key: "enqueue"},
		)
	}

	limits := pipeline.Limits{
		InlineThresholdBytes: cfg.Scan.InlineThresholdBytes,
		FileThresholdBytes:   int64(cfg.Scan.FileThresholdMB) * 1024 * 1024,
		MaxBodyBytes:         cfg.Scan.MaxBodyBytes,
		ChunkSizeBytes:       cfg.Scan.ChunkSizeBytes,
		SharedMount:          cfg.Scan.SharedMount,
	}

	return pipeline.NewOrchestrator(
		d.queue,
		d.factory,
		limiter,
		d.recorder,
		limits,
		time.Duration(cfg.Producer.ProcessingTimeoutMS)*time.Millisecond,
		cfg.Producer.FailureModeAllow,
		cfg.Producer.BlockStatusCode,
		d.logger,
	)
}

func (d *runtimeDeps) serveObservability(ctx context.Context, health fiber.Handler) error {
	fiberConfig := gatehttp.FiberConfig{
		Profiler: d.cfg.HTTPServer.Profiler,
		Metrics:  adaptor.HTTPHandler(d.handler),
		RequestLogger: func(c *fiber.Ctx) error {
			if !strings.HasPrefix(c.Path(), "/health") && !strings.HasPrefix(c.Path(), "/metrics") {
				d.logger.Infow("Received webapi request", "ip", c.IP(), "method", c.Method(), "path", c.Path())
			}
			return c.Next()
		},
		Health:    health,
		Readiness: health,
		Liveness: func(c *fiber.Ctx) error {
			return c.SendStatus(fiber.StatusOK)
		},
	}

	fiberApp, err := gatehttp.CreateFiberApp(fiberConfig, d.logger)
	if err != nil {
		return configError(fmt.Errorf("failed to initialize fiber framework. %w", err))
	}

	go func() {
		<-ctx.Done()
		_ = fiberApp.Shutdown()
	}()

	go func() {
		if err := fiberApp.Listen(fmt.Sprintf(":%d", d.cfg.HTTPServer.Port)); err != nil {
			d.logger.Errorw("observability server stopped", "error", err)
		}
	}()

	return nil
}

func (d *runtimeDeps) redisHealth(c *fiber.Ctx) error {
	if err := d.store.Ping(c.Context()); err != nil {
		d.logger.Errorw("Failed to connect to redis in readiness.", "error", err)
		return c.Status(fiber.StatusServiceUnavailable).SendString(fmt.Sprintf("redis not connectable. %s", err))
	}

	return c.SendStatus(fiber.StatusOK)
}

// StartProducer runs the ext_proc (and optionally ICAP) front until ctx is
// cancelled.
func StartProducer(ctx context.Context, fs *pflag.FlagSet) error {
	deps, err := initRuntime(ctx, "producer", fs)
	if err != nil {
		return err
	}
	defer deps.closer.Close()

	cfg := deps.cfg
	orchestrator := deps.newOrchestrator()
	bypassPolicy := policy.NewBypassPolicy(cfg.Cache.TrustedHosts, cfg.Cache.BypassHosts)
	verdicts := adaptersout.NewVerdictCache(deps.store, cfg.Redis.Prefix, time.Duration(cfg.Cache.TTLSeconds)*time.Second)

	extprocServer := adaptersin.NewExtProcServer(orchestrator, bypassPolicy, verdicts, deps.recorder,
		cfg.Producer.ScanResponseHeaders, true, deps.logger)

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Producer.Port))
	if err != nil {
		return dependencyError(fmt.Errorf("failed to bind producer port %d. %w", cfg.Producer.Port, err))
	}

	grpcServer := grpc.NewServer()
	extprocv3.RegisterExternalProcessorServer(grpcServer, extprocServer)

	if cfg.Producer.ICAPEnabled {
		icapServer := adaptersin.NewIcapServer(orchestrator, bypassPolicy, verdicts, deps.recorder, icapPreviewSize, deps.logger)

		go func() {
			if err := icapServer.ListenAndServe(fmt.Sprintf(":%d", cfg.Producer.ICAPPort)); err != nil {
				deps.logger.Errorw("icap listener stopped", "error", err)
			}
		}()
	}

	if err := deps.serveObservability(ctx, deps.redisHealth); err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		grpcServer.GracefulStop()
	}()

	deps.logger.Infow("starting producer", "grpc_port", cfg.Producer.Port, "icap_enabled", cfg.Producer.ICAPEnabled)

	if err := grpcServer.Serve(listener); err != nil {
		return fmt.Errorf("grpc server stopped. %w", err)
	}

	return nil
}

// StartConsumer runs the scanning worker pool and the HA coordinator
// until ctx is cancelled, then drains.
func StartConsumer(ctx context.Context, fs *pflag.FlagSet) error {
	deps, err := initRuntime(ctx, "consumer", fs)
	if err != nil {
		return err
	}
	defer deps.closer.Close()

	cfg := deps.cfg

	scanner, err := adaptersout.NewClamdScanner(cfg.Clamd.URL)
	if err != nil {
		return configError(err)
	}

	probeCtx, cancel := context.WithTimeout(ctx, startupProbeTimeout)
	defer cancel()

	if err := scanner.Ping(probeCtx); err != nil {
		return dependencyError(fmt.Errorf("clamd not reachable at %s. %w", cfg.Clamd.URL, err))
	}

	if version, err := scanner.Version(probeCtx); err == nil {
		deps.logger.Infow("connected to clamd", "version", version)
	}

	nodeID := cfg.Consumer.NodeID
	if nodeID == "" {
		nodeID, _ = os.Hostname()
	}

	var notifier portsout.Notifier
	if cfg.Notification.Slack.Webhook != "" {
		notifier = adaptersout.NewSlackViewer(cfg.Notification.Slack.Webhook, cfg.Notification.Slack.ChannelID)
	}

	scanService := scan.NewScanService(deps.queue, deps.factory, scanner, notifier, deps.recorder, deps.logger)

	haCoordinator := coordinator.NewCoordinator(deps.store, deps.store, scanner, deps.recorder,
		cfg.Redis.Prefix, nodeID, time.Duration(cfg.Consumer.ReloadTimeoutSec)*time.Second, deps.logger)

	go haCoordinator.Run(ctx)

	health := func(c *fiber.Ctx) error {
		if err := deps.store.Ping(c.Context()); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).SendString(fmt.Sprintf("redis not connectable. %s", err))
		}

		if !haCoordinator.EngineHealthy(engineHealthWindow) {
			return c.Status(fiber.StatusServiceUnavailable).SendString("clamd not responding")
		}

		return c.SendStatus(fiber.StatusOK)
	}

	if err := deps.serveObservability(ctx, health); err != nil {
		return err
	}

	workers := cfg.Consumer.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	controller := adaptersin.NewQueueController(deps.queue, scanService, workers,
		time.Duration(cfg.Consumer.DrainTimeoutSec)*time.Second, deps.recorder, deps.logger)

	deps.logger.Infow("starting consumer", "node_id", nodeID, "workers", workers, "clamd", cfg.Clamd.URL)

	controller.Run(ctx)

	return nil
}
