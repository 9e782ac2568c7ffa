package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"

	"github.com/sheetflow/backend/internal/api"
	"github.com/sheetflow/backend/internal/config"
	"github.com/sheetflow/backend/internal/parser"
	"github.com/sheetflow/backend/internal/progress"
	"github.com/sheetflow/backend/internal/repository"
	"github.com/sheetflow/backend/internal/status"
	"github.com/sheetflow/backend/internal/storage"
	"github.com/sheetflow/backend/internal/upload"
	"github.com/sheetflow/backend/internal/worker"
)

// Version info (set during build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "sheetflow",
		Short:        "Tabular file ingestion service",
		Long:         "SheetFlow accepts CSV and Excel uploads, parses them in the background\nand serves their rows and processing progress over HTTP.",
		Version:      Version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, configPath, cmd.OutOrStdout())
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "path to the XML or YAML configuration file")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "sheetflow %s (built %s)\n", Version, BuildTime)
		},
	})
	return root
}

// defaultConfigPath places the config next to the executable.
func defaultConfigPath() string {
	exePath, err := os.Executable()
	if err != nil {
		return "sheetflow.config.xml"
	}
	return filepath.Join(filepath.Dir(exePath), "sheetflow.config.xml")
}

func runServer(ctx context.Context, configPath string, out io.Writer) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	// Ensure all data directories exist
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	level, _ := config.ParseLevel(cfg.Logging.Level)
	logger, closeLog := config.SetupLogger(cfg.Logging.File, level)
	defer closeLog()
	slog.SetDefault(logger)

	stage, err := storage.NewStage(cfg.GetUploadDir(), cfg.MaxUploadBytes())
	if err != nil {
		return err
	}
	if cfg.Storage.StaleUploadHours > 0 {
		n, err := stage.PurgeStale(time.Duration(cfg.Storage.StaleUploadHours) * time.Hour)
		if err != nil {
			logger.Warn("purging stale uploads", "error", err)
		} else if n > 0 {
			logger.Info("purged stale uploads", "count", n)
		}
	}

	repo, err := openRepository(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Database.Driver, err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			logger.Warn("closing record store", "error", err)
		}
	}()

	store := progress.NewStore(
		progress.WithRetention(cfg.Retention()),
		progress.WithLogger(logger),
	)
	sweeper := progress.NewSweeper(store, cfg.SweepInterval(), logger)
	sweeper.Start()
	defer sweeper.Stop()

	pool := worker.NewPool(cfg.Processing.Workers, cfg.Processing.QueueSize, logger)
	pool.Start()

	mgr := upload.NewManager(repo, store, stage, parser.NewRegistry(), pool,
		upload.WithThrottle(
			millis(cfg.Processing.ThrottleMinMs),
			millis(cfg.Processing.ThrottleMaxMs),
			cfg.Processing.ThrottleBytesPerMs,
		),
		upload.WithLogger(logger),
	)
	reconciler := status.NewReconciler(repo, store,
		status.WithNominalDuration(millis(cfg.Processing.NominalDurationMs)),
	)

	e := newEcho(cfg, logger, level)
	api.RegisterRoutes(e, api.NewHandlers(&api.Dependencies{
		Ingestor:      mgr,
		Reader:        reconciler,
		Stats:         store,
		Pipeline:      mgr,
		Workers:       pool,
		PublicBaseURL: cfg.Server.PublicBaseURL,
		PushInterval:  millis(cfg.Progress.PushIntervalMs),
		WSReadLimit:   int64(cfg.Advanced.WebSocketMaxMessageSizeKB) * 1024,
		Version:       Version,
		Logger:        logger,
	}))

	// Configure server with settings from config
	s := &http.Server{
		Addr:         cfg.GetServerAddr(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	printBanner(out, cfg, configPath)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- e.StartServer(s)
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			pool.Shutdown(context.Background())
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown requested")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if err := pool.Shutdown(shutdownCtx); err != nil {
		logger.Warn("pipelines cancelled before completion", "error", err, "in_flight", mgr.InFlight())
	}
	logger.Info("server stopped")
	return nil
}

func openRepository(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (repository.Repository, error) {
	switch cfg.Database.Driver {
	case config.DriverMemory:
		logger.Warn("using in-memory record store, records are lost on restart")
		return repository.NewMemoryStore(), nil
	case config.DriverMySQL:
		store, err := repository.NewMySQLStore(ctx, cfg.Database.MySQLDSN, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		store, err := repository.NewDuckDBStore(ctx, cfg.Database.DuckDBPath, repository.DuckDBOptions{
			MemoryLimit: cfg.Database.DuckDBMemoryLimit,
			Threads:     cfg.Database.DuckDBThreads,
		}, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
}

func newEcho(cfg *config.AppConfig, logger *slog.Logger, level slog.Level) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = api.NewErrorHandler(logger, level <= slog.LevelDebug)

	accessLog := logger.With("component", "http")
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		Skipper: func(c echo.Context) bool {
			return !cfg.Logging.EnableRequestLogging || api.IsPollingPath(c.Request().URL.Path)
		},
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"remote_ip", v.RemoteIP,
			}
			if v.Error != nil {
				accessLog.Warn("request", append(attrs, "error", v.Error)...)
				return nil
			}
			accessLog.Info("request", attrs...)
			return nil
		},
	}))

	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		StackSize: 1024 * 4,
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			logger.Error("handler panic", "path", c.Request().URL.Path, "error", err, "stack", string(stack))
			return err
		},
	}))

	e.Use(middleware.TimeoutWithConfig(middleware.TimeoutConfig{
		Timeout: time.Duration(cfg.Server.ReadTimeout) * time.Second,
		Skipper: func(c echo.Context) bool {
			path := c.Request().URL.Path
			return api.IsStreamPath(path) ||
				(c.Request().Method == http.MethodPost && strings.HasSuffix(path, "/files")) ||
				c.Request().Header.Get(echo.HeaderAccept) == "text/event-stream"
		},
		ErrorMessage: "Request timeout",
	}))

	// Compression middleware
	if cfg.Advanced.EnableCompression {
		e.Use(middleware.GzipWithConfig(middleware.GzipConfig{
			Level: cfg.Advanced.CompressionLevel,
			Skipper: func(c echo.Context) bool {
				return api.IsStreamPath(c.Request().URL.Path)
			},
		}))
	}

	// Body limit middleware
	e.Use(middleware.BodyLimit(cfg.Server.BodyLimit))

	// CORS configuration
	if cfg.Server.EnableCORS {
		origins := strings.Split(cfg.Server.AllowOrigins, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
		if len(origins) == 0 || (len(origins) == 1 && origins[0] == "") {
			origins = []string{"*"}
		}
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: origins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept},
		}))
	}

	return e
}

func millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

func printBanner(out io.Writer, cfg *config.AppConfig, configPath string) {
	fmt.Fprintf(out, "\n")
	fmt.Fprintf(out, "╔═══════════════════════════════════════════════════════════╗\n")
	fmt.Fprintf(out, "║           SheetFlow Ingestion Server                      ║\n")
	fmt.Fprintf(out, "╠═══════════════════════════════════════════════════════════╣\n")
	fmt.Fprintf(out, "║  Version:    %-45s║\n", Version)
	fmt.Fprintf(out, "║  Build Time: %-45s║\n", BuildTime)
	fmt.Fprintf(out, "║  Store:      %-45s║\n", cfg.Database.Driver)
	fmt.Fprintf(out, "║  Workers:    %-45d║\n", cfg.Processing.Workers)
	fmt.Fprintf(out, "╠═══════════════════════════════════════════════════════════╣\n")
	fmt.Fprintf(out, "║  Config:    %-46s║\n", configPath)
	fmt.Fprintf(out, "║  Listen:    http://%-38s║\n", cfg.GetServerAddr())
	fmt.Fprintf(out, "║  Data Dir:  %-46s║\n", cfg.GetDataDir())
	fmt.Fprintf(out, "╚═══════════════════════════════════════════════════════════╝\n")
	fmt.Fprintf(out, "\n")
}
