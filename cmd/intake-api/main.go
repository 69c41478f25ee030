package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/intake/internal/blobstore"
	"github.com/MarcoPoloResearchLab/intake/internal/candidates"
	"github.com/MarcoPoloResearchLab/intake/internal/config"
	"github.com/MarcoPoloResearchLab/intake/internal/database"
	"github.com/MarcoPoloResearchLab/intake/internal/intake"
	"github.com/MarcoPoloResearchLab/intake/internal/logging"
	"github.com/MarcoPoloResearchLab/intake/internal/metrics"
	"github.com/MarcoPoloResearchLab/intake/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "intake-api",
		Short: "Candidate intake service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
		SilenceUsage: true,
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newSweepCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("upload-dir", defaults.GetString("storage.upload_dir"), "Directory holding attachment blobs")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-encoding", defaults.GetString("log.encoding"), "Log encoding (json, console)")
	cmd.PersistentFlags().StringSlice("cors-allowed-origins", defaults.GetStringSlice("cors.allowed_origins"), "Allowed CORS origins")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "storage.upload_dir", "upload-dir")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.encoding", "log-encoding")
	bindFlag(cmd, "cors.allowed_origins", "cors-allowed-origins")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func newSweepCommand() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove attachment blobs that no committed candidate references",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(cmd, dryRun)
		},
	}
	cmd.Flags().Duration("grace", config.NewViper().GetDuration("sweep.grace_period"), "Skip blobs younger than this")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report orphans without deleting them")
	if err := viper.BindPFlag("sweep.grace_period", cmd.Flags().Lookup("grace")); err != nil {
		panic(err)
	}
	return cmd
}

// runtime holds the components shared by the server and the sweep command.
type runtime struct {
	config     config.AppConfig
	logger     *zap.Logger
	db         *gorm.DB
	blobs      *blobstore.Store
	candidates *candidates.Service
	metrics    *metrics.Pipeline
}

func openRuntime() (*runtime, func(), error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogEncoding)
	if err != nil {
		return nil, nil, err
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}
	closer := func() {
		if closeErr := sqlDB.Close(); closeErr != nil {
			logger.Warn("database close failed", zap.Error(closeErr))
		}
		_ = logger.Sync()
	}

	policy := blobstore.DefaultPolicy()
	policy.MaxFileBytes = appConfig.MaxFileBytes
	blobs, err := blobstore.NewOSStore(appConfig.UploadDir, policy, logger)
	if err != nil {
		closer()
		return nil, nil, err
	}

	candidateService, err := candidates.NewService(candidates.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		closer()
		return nil, nil, err
	}

	return &runtime{
		config:     appConfig,
		logger:     logger,
		db:         db,
		blobs:      blobs,
		candidates: candidateService,
		metrics:    metrics.NewPipeline(),
	}, closer, nil
}

func runServer(ctx context.Context) error {
	app, closer, err := openRuntime()
	if err != nil {
		return err
	}
	defer closer()

	registry, err := metrics.NewRegistry(app.metrics)
	if err != nil {
		return err
	}
	cleaner := intake.NewCleaner(app.blobs, app.logger, app.metrics)
	parser, err := intake.NewParser(intake.ParserConfig{
		Blobs:           app.blobs,
		MaxAttachments:  app.config.MaxAttachments,
		MaxPayloadBytes: app.config.MaxPayloadBytes,
		Logger:          app.logger,
	})
	if err != nil {
		return err
	}
	pipeline, err := intake.NewPipeline(intake.PipelineConfig{
		Parser:     parser,
		Candidates: app.candidates,
		Cleaner:    cleaner,
		Metrics:    app.metrics,
		Logger:     app.logger,
		Clock:      time.Now,
	})
	if err != nil {
		return err
	}

	sqlDB, err := app.db.DB()
	if err != nil {
		return err
	}
	handler, err := server.NewHTTPHandler(server.Dependencies{
		Submitter:       pipeline,
		Candidates:      app.candidates,
		Blobs:           app.blobs,
		Cleaner:         cleaner,
		HealthCheck:     sqlDB.PingContext,
		Metrics:         registry,
		AllowedOrigins:  app.config.CORSAllowedOrigins,
		MaxRequestBytes: app.config.MaxRequestBytes(),
		Logger:          app.logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              app.config.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		app.logger.Info("server starting",
			zap.String("address", app.config.HTTPAddress),
			zap.String("upload_dir", app.config.UploadDir))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runSweep(cmd *cobra.Command, dryRun bool) error {
	app, closer, err := openRuntime()
	if err != nil {
		return err
	}
	defer closer()

	sweeper, err := intake.NewSweeper(app.blobs, app.candidates, app.logger, app.metrics, time.Now)
	if err != nil {
		return err
	}
	report, err := sweeper.Sweep(cmd.Context(), app.config.SweepGracePeriod, dryRun)
	if err != nil {
		return err
	}

	verb := "removed"
	if dryRun {
		verb = "would remove"
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "scanned %d blobs, %d referenced, %d within grace period, %s %d, %d failed\n",
		report.Scanned, report.Referenced, report.Young, verb, len(report.Removed), len(report.Failed))
	if err != nil {
		return err
	}
	if len(report.Failed) > 0 {
		return fmt.Errorf("sweep: %d blobs could not be removed", len(report.Failed))
	}
	return nil
}
