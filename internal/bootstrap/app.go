package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	httpHandler "collaborative-mindmap/internal/handler/http"
	wsHandler "collaborative-mindmap/internal/handler/websocket"
	"collaborative-mindmap/internal/hub"
	"collaborative-mindmap/internal/metrics"
	gormpersistence "collaborative-mindmap/internal/infra/persistence/gorm"
	"collaborative-mindmap/internal/infra/setup"
	redisstate "collaborative-mindmap/internal/infra/state/redis"
	"collaborative-mindmap/internal/middleware"
	"collaborative-mindmap/internal/service"
	"collaborative-mindmap/internal/tasks"
	"collaborative-mindmap/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// App holds every component of the server.
type App struct {
	Config      *Config
	Log         *logrus.Logger
	Metrics     *metrics.Collector
	DB          *gorm.DB
	RedisClient *redis.Client
	AsynqClient *asynq.Client
	Worker      *worker.WorkerServer
	Scheduler   *asynq.Scheduler
	Hub         *hub.Hub
	Router      *gin.Engine
	HttpServer  *http.Server
}

// NewApp loads the configuration and builds the application.
func NewApp() (*App, error) {
	cfg, err := LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return nil, err
	}
	return NewAppWithConfig(cfg)
}

// NewAppWithConfig builds the application from cfg. With persistence
// disabled no external service is contacted.
func NewAppWithConfig(cfg *Config) (*App, error) {
	log := newLogger(cfg)
	log.Info("Configuration loaded successfully")

	app := &App{
		Config:  cfg,
		Log:     log,
		Metrics: metrics.NewCollector(),
	}

	hubOpts := hub.Options{
		QueueSize: cfg.RoomQueueSize,
		Metrics:   app.Metrics,
	}

	var snapshotService *service.SnapshotService
	if cfg.PersistenceEnabled {
		log.Info("Initializing infrastructure...")
		if err := app.initInfra(); err != nil {
			app.closeInfra()
			return nil, err
		}

		snapshotRepo := gormpersistence.NewGormSnapshotRepository(app.DB)
		stateRepo := redisstate.NewRedisStateRepository(app.RedisClient, cfg.KeyPrefix)
		snapshotService = service.NewSnapshotService(snapshotRepo, stateRepo, app.AsynqClient, service.SnapshotOptions{
			CacheTTL: cfg.SnapshotCacheTTL,
			Keep:     cfg.SnapshotKeep,
		})
		hubOpts.Snapshots = snapshotService
		log.Info("Snapshot persistence enabled")
	} else {
		log.Warn("Persistence disabled, rooms are kept in memory only")
	}

	app.Hub = hub.NewHub(hubOpts)
	log.Info("Hub initialized")

	if snapshotService != nil {
		redisOpt := app.redisClientOpt()
		app.Worker = worker.NewWorkerServer(redisOpt, snapshotService, app.Hub, snapshotService, log)
		app.Scheduler = asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{Location: time.UTC})
		if err := app.registerPeriodicTasks(); err != nil {
			app.closeInfra()
			return nil, err
		}
		log.Info("Worker server initialized")
	}

	app.Router = app.newRouter()
	app.HttpServer = &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           app.Router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	log.Info("Application assembled successfully")
	return app, nil
}

func newLogger(cfg *Config) *logrus.Logger {
	log := logrus.New()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	// Packages log through the standard logger; keep it in step.
	for _, l := range []*logrus.Logger{log, logrus.StandardLogger()} {
		if cfg.AppEnv == "production" {
			l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
		} else {
			l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		}
		l.SetLevel(level)
		l.SetOutput(os.Stdout)
	}
	log.Infof("Logger initialized (Level: %s)", level.String())
	return log
}

func (a *App) initInfra() error {
	cfg := a.Config
	db, err := setup.InitDB(cfg.DBUser, cfg.DBPassword, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		return fmt.Errorf("failed to init DB: %w", err)
	}
	a.DB = db
	if err := setup.MigrateDB(db); err != nil {
		return fmt.Errorf("failed to migrate DB: %w", err)
	}
	a.Log.Info("Database migrated")

	redisClient, err := setup.InitRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return fmt.Errorf("failed to init Redis: %w", err)
	}
	a.RedisClient = redisClient

	a.AsynqClient = asynq.NewClient(a.redisClientOpt())
	a.Log.Info("Infrastructure initialized successfully")
	return nil
}

func (a *App) redisClientOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     a.Config.RedisAddr,
		Password: a.Config.RedisPassword,
		DB:       a.Config.RedisDB,
	}
}

func (a *App) registerPeriodicTasks() error {
	payload, err := tasks.NewSnapshotPeriodicCheckTask()
	if err != nil {
		return fmt.Errorf("failed to create snapshot periodic check task payload: %w", err)
	}
	task := asynq.NewTask(tasks.TypeSnapshotPeriodicCheck, payload)
	schedule := a.Config.SnapshotCheckSchedule
	entryID, err := a.Scheduler.Register(schedule, task, asynq.Queue("default"))
	if err != nil {
		return fmt.Errorf("could not register periodic snapshot check with schedule %q: %w", schedule, err)
	}
	a.Log.Infof("Periodic snapshot check task registered with schedule '%s' (EntryID: %s)", schedule, entryID)
	return nil
}

func (a *App) newRouter() *gin.Engine {
	if a.Config.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware(a.Log, a.Metrics))
	router.Use(CORSMiddleware(a.Config.CORSAllowedOrigin))

	router.GET("/ping", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"message": "pong"}) })
	router.GET("/metrics", gin.WrapH(a.Metrics.Handler()))

	auth := middleware.Auth(a.Config.JWTSecret)
	limited := []gin.HandlerFunc{auth}
	if a.RedisClient != nil {
		limiter := redisstate.NewRedisStateRepository(a.RedisClient, a.Config.KeyPrefix)
		limited = append(limited, middleware.RateLimit(limiter, a.Config.RateLimitMax, a.Config.RateLimitWindow))
	}

	rooms := router.Group("/api/rooms", limited...)
	httpHandler.NewRoomHandler(a.Hub).Register(rooms)

	ws := wsHandler.NewWebSocketHandler(a.Hub, a.Config.CORSAllowedOrigin, a.Config.ClientSendBuffer)
	router.Group("/ws", limited...).GET("/rooms/:roomId", ws.HandleConnection)

	a.Log.Info("Router setup complete")
	return router
}

// Start launches the worker, the scheduler and the HTTP server and returns.
func (a *App) Start() error {
	if a.Worker != nil {
		if err := a.Worker.Start(); err != nil {
			return fmt.Errorf("failed to start worker server: %w", err)
		}
	}
	if a.Scheduler != nil {
		if err := a.Scheduler.Start(); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
		a.Log.Info("Asynq scheduler started")
	}

	go func() {
		a.Log.Infof("HTTP server starting to listen on %s", a.HttpServer.Addr)
		if err := a.HttpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Log.Fatalf("Failed to start HTTP server: %v", err)
		}
		a.Log.Info("HTTP server stopped listening.")
	}()
	return nil
}

// Shutdown stops accepting requests, closes every room (saving its
// snapshot), then stops the background workers and closes connections.
func (a *App) Shutdown() {
	a.Log.Info("Shutting down application...")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if a.HttpServer != nil {
		if err := a.HttpServer.Shutdown(ctx); err != nil {
			a.Log.Errorf("Error shutting down HTTP server: %v", err)
		} else {
			a.Log.Info("HTTP server shut down gracefully.")
		}
	}
	if a.Hub != nil {
		if err := a.Hub.Shutdown(ctx); err != nil {
			a.Log.Errorf("Hub did not stop in time: %v", err)
		}
	}
	if a.Scheduler != nil {
		a.Scheduler.Shutdown()
	}
	if a.Worker != nil {
		a.Worker.Shutdown()
	}
	a.closeInfra()
	a.Log.Info("Application shutdown complete.")
}

func (a *App) closeInfra() {
	if a.AsynqClient != nil {
		if err := a.AsynqClient.Close(); err != nil {
			a.Log.Errorf("Error closing Asynq client: %v", err)
		}
	}
	if a.RedisClient != nil {
		if err := a.RedisClient.Close(); err != nil {
			a.Log.Errorf("Error closing Redis connection: %v", err)
		}
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			if err := sqlDB.Close(); err != nil {
				a.Log.Errorf("Error closing database connection: %v", err)
			}
		}
	}
}

// CORSMiddleware answers preflight requests and sets the allow headers.
func CORSMiddleware(allowedOrigin string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With, X-User-ID, X-Request-ID")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// LoggerMiddleware logs every request and counts it by route and status.
func LoggerMiddleware(log *logrus.Logger, m *metrics.Collector) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()
		c.Next()
		latency := time.Since(startTime)
		statusCode := c.Writer.Status()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.HTTPRequest(c.Request.Method, route, strconv.Itoa(statusCode))

		entry := log.WithFields(logrus.Fields{
			"status_code": statusCode,
			"latency_ms":  latency.Milliseconds(),
			"client_ip":   c.ClientIP(),
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
		})

		if errorMessage := c.Errors.ByType(gin.ErrorTypePrivate).String(); errorMessage != "" {
			entry.Error(errorMessage)
			return
		}
		switch {
		case statusCode >= 500:
			entry.Error("Server error")
		case statusCode >= 400:
			entry.Warn("Client error")
		default:
			entry.Info("Request handled")
		}
	}
}
