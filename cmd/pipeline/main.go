package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	v1 "lora_pipeline/api/v1"
	"lora_pipeline/internal/asset"
	"lora_pipeline/internal/cache"
	"lora_pipeline/internal/config"
	"lora_pipeline/internal/db"
	"lora_pipeline/internal/events"
	"lora_pipeline/internal/execution"
	"lora_pipeline/internal/logger"
	"lora_pipeline/internal/metrics"
	"lora_pipeline/internal/model"
	"lora_pipeline/internal/monitor"
	"lora_pipeline/internal/scheduler"
	"lora_pipeline/internal/sshpool"
	"lora_pipeline/internal/taskstate"
)

func main() {
	configPath := flag.String("config", "", "path to INI config file (env vars override it)")
	flag.Parse()

	// 1. Load configuration
	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.LoadFromINI(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	root := logger.New(cfg.Log.Level, cfg.Log.Format)
	log := logger.Component(root, "main")
	log.Info("✓ Configuration loaded")

	// 2. Initialize MySQL
	gdb, err := db.Open(cfg.MySQL.DSN, log)
	if err != nil {
		log.Fatalf("Failed to initialize MySQL: %v", err)
	}
	if sqlDB, err := gdb.DB(); err == nil {
		defer sqlDB.Close()
	}
	if cfg.Migrate {
		if err := db.Migrate(gdb, log); err != nil {
			log.Fatalf("Failed to migrate database: %v", err)
		}
	}

	// 3. Initialize Redis (status events)
	var publisher events.Publisher = events.Nop{}
	if cfg.Redis.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		client, err := cache.NewRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, log)
		cancel()
		if err != nil {
			log.Fatalf("Failed to initialize Redis: %v", err)
		}
		defer client.Close()
		publisher = events.NewRedisPublisher(client, cfg.Redis.Channel)
	}

	// 4. Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// 5. SSH connection pool
	pool := sshpool.New(sshpool.Options{
		DialTimeout:         seconds(cfg.SSH.DialTimeoutSec),
		CommandTimeout:      seconds(cfg.SSH.CommandTimeoutSec),
		Keepalive:           seconds(cfg.SSH.KeepaliveSec),
		IdleTimeout:         seconds(cfg.SSH.IdleTimeoutSec),
		SweepInterval:       seconds(cfg.SSH.SweepIntervalSec),
		TransferConcurrency: cfg.SSH.TransferConcurrency,
	}, logrus.NewEntry(root), sshpool.WithMetrics(m))
	pool.Start()
	defer pool.Close()

	// 6. Assets, state machine and stage handlers
	httpClient := &http.Client{Timeout: seconds(cfg.Engine.HTTPTimeoutSec)}
	verifier := asset.NewVerifier(&asset.VerifierConfig{
		DB:     gdb,
		Pinger: pool,
		Client: httpClient,
		Engine: cfg.Engine,
		Logger: logrus.NewEntry(root),
	})
	tracker := asset.NewTracker(gdb, verifier, logrus.NewEntry(root))
	machine := taskstate.NewMachine(gdb, publisher, logrus.NewEntry(root))

	deps := execution.NewDeps(machine, tracker, pool, cfg, httpClient, logrus.NewEntry(root))
	marking := execution.NewMarking(deps)
	training := execution.NewTraining(deps)
	dispatcher := execution.NewDispatcher(marking, training)
	tasks := taskstate.NewService(machine, cfg.Paths.MarkedDir, cfg.Training, dispatcher, logrus.NewEntry(root))

	// 7. Monitor pool and scheduler
	monitors := monitor.New(&monitor.Config{
		DB:       gdb,
		Handlers: []execution.Handler{marking, training},
		Policies: map[model.Stage]monitor.Policy{
			model.StageMarking: {
				Interval:   seconds(cfg.Monitor.MarkPollIntervalSec),
				ErrorDelay: seconds(cfg.Monitor.ErrorDelaySec),
				MaxErrors:  cfg.Monitor.MarkMaxErrors,
			},
			model.StageTraining: {
				Interval:   seconds(cfg.Monitor.TrainPollIntervalSec),
				ErrorDelay: seconds(cfg.Monitor.ErrorDelaySec),
				MaxErrors:  cfg.Monitor.TrainMaxErrors,
			},
		},
		Workers: cfg.Monitor.Workers,
		Metrics: m,
		Logger:  logrus.NewEntry(root),
	})
	monitors.Start()

	sched := scheduler.New(&scheduler.Config{
		DB:           gdb,
		Machine:      machine,
		Tracker:      tracker,
		Handlers:     []execution.Handler{marking, training},
		Monitor:      monitors,
		Training:     cfg.Training,
		Interval:     seconds(cfg.Scheduler.IntervalSec),
		ErrorBackoff: seconds(cfg.Scheduler.ErrorBackoffSec),
		Metrics:      m,
		Logger:       logrus.NewEntry(root),
	})
	if cfg.Local.Enabled {
		if _, err := tracker.EnsureLocal(context.Background(), cfg.Local.Name); err != nil {
			log.Fatalf("Failed to register local asset: %v", err)
		}
	}
	if cfg.Scheduler.Enabled {
		if err := sched.Init(context.Background()); err != nil {
			log.Fatalf("Failed to start scheduler: %v", err)
		}
	} else {
		log.Warn("Scheduler disabled, tasks will only move on manual run-once")
	}

	// 8. Initialize Gin router
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	v1.SetupRouter(r, v1.Deps{
		DB:        gdb,
		Tasks:     tasks,
		Tracker:   tracker,
		Scheduler: sched,
		Monitors:  monitors,
		Gatherer:  reg,
		UploadDir: cfg.Paths.UploadDir,
		Logger:    logrus.NewEntry(root),
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("✓ Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("HTTP server failed: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down")

	// 先停止接收请求，再停调度和监控
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnf("HTTP shutdown: %v", err)
	}
	sched.Stop()
	monitors.Stop()

	log.Info("✓ Stopped")
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
