package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/clients/redis"
	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/cloudbridge"
	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/db"
	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/engine"
	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/feed"
	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/handlers"
	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/heartbeat"
	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/inbox"
	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/localrunner"
	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/logger"
	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/media"
	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/middleware"
	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/observability"
	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/profiles"
	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/server"
	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/stall"
	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/store"
	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/types"
	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/utils"
)

// ErrBind marks a failure to claim the listen address, so main can exit with
// its dedicated code.
var ErrBind = errors.New("bind failed")

// App owns every long-lived component and their startup/shutdown order.
type App struct {
	Log    *logger.Logger
	Config Config

	Database *db.Service
	Jobs     *store.Store
	Hub      *feed.Hub
	Engine   *engine.Engine
	Watcher  *inbox.Watcher
	Stall    *stall.Detector

	httpServer    *http.Server
	apiHeartbeat  *heartbeat.Publisher
	listener      net.Listener
	traceShutdown func(context.Context) error
	busClose      func() error
	cancel        context.CancelFunc
}

// New builds the full component graph. Nothing starts running until Start.
func New(log *logger.Logger) (*App, error) {
	cfg := LoadConfig(log)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	database, err := db.New(log)
	if err != nil {
		return nil, err
	}
	if err := database.AutoMigrateAll(); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	jobs := store.New(database.DB(), log)
	hub := feed.NewHub(log)
	jobs.OnChange(hub.Publish)

	layout := engine.Layout{
		VaultSource: cfg.VaultSourceDir,
		VaultAudio:  cfg.VaultAudioDir,
		VaultData:   cfg.VaultDataDir,
		Translated:  cfg.TranslatedDir,
		Delivery:    cfg.DeliveryDir,
		Errors:      cfg.ErrorsDir,
	}
	if err := layout.EnsureDirs(); err != nil {
		return nil, err
	}

	tools := media.New(log, cfg.FFmpegPath, cfg.FFprobePath)
	runner := localrunner.New(log, cfg.MaxSubprocesses, cfg.GraceKill)

	var bridge *cloudbridge.Bridge
	if cfg.CloudEnabled {
		objects, err := buildObjectStore(context.Background(), log, cfg)
		if err != nil {
			return nil, err
		}
		bridge = cloudbridge.New(log, objects, cloudbridge.Options{
			Bucket:         cfg.JobsBucket,
			Prefix:         cfg.JobsPrefix,
			Trigger:        cfg.CloudTrigger,
			TriggerURL:     cfg.CloudTriggerURL,
			TriggerCommand: cfg.CloudTriggerCommand,
			HTTPTimeout:    cfg.CloudHTTPTimeout,
			RetryMax:       cfg.CloudRetryMax,
		})
	}

	hb := heartbeat.New(log, cfg.HeartbeatOrchestratorPath)
	apiHB := heartbeat.New(log, cfg.HeartbeatControlAPIPath)

	eng := engine.New(log, jobs, runner, bridge, tools, hb, layout, engine.Options{
		CloudEnabled:           cfg.CloudEnabled,
		PollInterval:           cfg.PollInterval,
		TickInterval:           cfg.TickInterval,
		ASRIdleTimeoutOverride: cfg.ASRIdleTimeout,
		StageConcurrency:       cfg.StageConcurrency,
		RetryBudget:            cfg.RetryBudget,
		HardTimeouts:           cfg.StallThresholds,
		Commands: engine.Commands{
			ASR:       cfg.ASRCommand,
			Translate: cfg.TranslateCommand,
			Finalize:  cfg.FinalizeCommand,
			Burn:      cfg.BurnCommand,
		},
	})

	catalog, err := profiles.Load(log, cfg.ProfilesPath, cfg.TargetLanguageDefault, cfg.ReviewRequiredDefault)
	if err != nil {
		return nil, err
	}

	watcher := inbox.NewWatcher(log, jobs, catalog, inbox.Options{
		Dirs:              cfg.InboxDirs,
		AllowedExtensions: cfg.AllowedExtensions,
		PollInterval:      cfg.InboxPollInterval,
		ProbeDelay:        cfg.InboxProbeDelay,
		StableProbes:      cfg.InboxStableProbes,
		MinAge:            cfg.InboxMinAge,
	})

	detector := stall.New(log, jobs, eng, bridge, stall.Options{
		ScanInterval:  cfg.StallScanInterval,
		Thresholds:    cfg.StallThresholds,
		MaxRecoveries: cfg.StallMax,
	})

	authMw := middleware.NewAuthMiddleware(log, cfg.AdminToken)
	router := server.NewRouter(server.RouterConfig{
		Mode:           utils.GetEnv("GIN_MODE", "release", log),
		AuthMiddleware: authMw,
		JobsHandler:    handlers.NewJobsHandler(log, jobs, eng, hub),
		UploadHandler:  handlers.NewUploadHandler(log, cfg.InboxDirs[0], cfg.AllowedExtensions),
		HealthHandler: handlers.NewHealthHandler(log, database, jobs, cfg.WorkRoot, map[string]string{
			"orchestrator": cfg.HeartbeatOrchestratorPath,
			"control-api":  cfg.HeartbeatControlAPIPath,
		}, 2*time.Minute, cfg.CloudEnabled),
		ProfilesHandler: handlers.NewProfilesHandler(catalog),
	})

	return &App{
		Log:      log,
		Config:   cfg,
		Database: database,
		Jobs:     jobs,
		Hub:      hub,
		Engine:   eng,
		Watcher:  watcher,
		Stall:    detector,
		httpServer: &http.Server{
			Addr:    cfg.BindAddr,
			Handler: router,
		},
		apiHeartbeat: apiHB,
	}, nil
}

func buildObjectStore(ctx context.Context, log *logger.Logger, cfg Config) (cloudbridge.ObjectStore, error) {
	if cfg.JobsBucket != "" {
		return cloudbridge.NewGCSStore(ctx, log, cfg.JobsBucket)
	}
	exchange := utils.GetEnv("JOBS_EXCHANGE_DIR", "", log)
	if exchange == "" {
		return nil, fmt.Errorf("cloud pipeline enabled but neither JOBS_BUCKET nor JOBS_EXCHANGE_DIR set")
	}
	return cloudbridge.NewFSStore(exchange)
}

// Start brings every component up and begins serving. The returned error is
// ErrBind-wrapped when the listen address cannot be claimed.
func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	a.traceShutdown = observability.InitTracing(ctx, a.Log, observability.TracingConfig{
		ServiceName: "subtitle-orchestrator",
		Environment: os.Getenv("APP_ENV"),
	})

	// Cross-process feed fan-out is optional; without REDIS_ADDR the feed
	// stays in-process.
	if os.Getenv("REDIS_ADDR") != "" {
		if bus, err := redis.NewFeedBus(a.Log); err == nil {
			a.busClose = bus.Close
			a.Jobs.OnChange(func(j *types.Job) {
				_ = bus.Publish(ctx, feed.EventFromJob(j))
			})
			if err := bus.StartForwarder(ctx, a.Hub.PublishEvent); err != nil {
				a.Log.Warn("feed bus forwarder failed to start", "error", err)
			}
		} else {
			a.Log.Warn("feed bus unavailable, continuing without it", "error", err)
		}
	}

	listener, err := net.Listen("tcp", a.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBind, err)
	}
	a.listener = listener

	a.Engine.Start(ctx)
	a.Watcher.Start(ctx)
	a.Stall.Start(ctx)

	go func() {
		if err := a.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Log.Error("http server stopped", "error", err)
		}
	}()
	// The control-api heartbeat runs as long as the HTTP surface is up.
	go func() {
		a.apiHeartbeat.Beat()
		ticker := time.NewTicker(a.Config.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.apiHeartbeat.Beat()
			}
		}
	}()
	a.Log.Info("orchestrator started", "bind_addr", a.httpServer.Addr, "cloud_enabled", a.Config.CloudEnabled)
	return nil
}

// Shutdown stops intake first, then the engine, then the HTTP surface, so
// no new work starts while running work gets its grace period.
func (a *App) Shutdown(ctx context.Context) {
	a.Log.Info("shutting down")
	if a.cancel != nil {
		a.cancel()
	}
	a.Stall.Stop()
	a.Engine.Stop()
	if a.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		_ = a.httpServer.Shutdown(shutdownCtx)
	}
	if a.busClose != nil {
		_ = a.busClose()
	}
	if a.traceShutdown != nil {
		flushCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_ = a.traceShutdown(flushCtx)
	}
	a.Log.Sync()
}
