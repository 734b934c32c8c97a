package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/smartdevs17/rsk-read-cache/internal/config"
	"github.com/smartdevs17/rsk-read-cache/internal/connection"
	"github.com/smartdevs17/rsk-read-cache/internal/driver"
	"github.com/smartdevs17/rsk-read-cache/internal/entities"
	"github.com/smartdevs17/rsk-read-cache/internal/metrics"
	"github.com/smartdevs17/rsk-read-cache/internal/multicall"
	"github.com/smartdevs17/rsk-read-cache/internal/reporter"
	"github.com/smartdevs17/rsk-read-cache/internal/server"
	"github.com/smartdevs17/rsk-read-cache/internal/storage"
	"github.com/smartdevs17/rsk-read-cache/internal/store"
	"github.com/smartdevs17/rsk-read-cache/pkg/utils"
)

// AppVersion contains the application version
const AppVersion = "1.0.0"

// Application wires every component of the read cache
type Application struct {
	config   *config.Config
	logger   *logrus.Entry
	metrics  *metrics.Manager
	conn     *connection.ConnectionManager
	reader   *connection.Reader
	blocks   *connection.BlockStream
	storage  storage.Storage
	reporter *reporter.Multi
	webhook  *reporter.WebhookReporter
	registry *multicall.Registry
	graph    *store.Graph
	entities *entities.Manager
	wallets  *driver.WalletBalances
	driver   *driver.Driver
	server   *server.HTTPServer
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewApplication creates a new application instance
func NewApplication(cfg *config.Config) (*Application, error) {
	ctx, cancel := context.WithCancel(context.Background())

	app := &Application{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := app.initializeLogger(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	if err := app.initializeComponents(); err != nil {
		app.Stop()
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}

	return app, nil
}

// initializeLogger initializes the application logger
func (app *Application) initializeLogger() error {
	logCfg := app.config.Logging

	if err := utils.InitLogger(logCfg.Level, logCfg.Format, logCfg.Output, logCfg.File); err != nil {
		return err
	}

	app.logger = utils.ComponentLogger("app")
	app.logger.WithFields(logrus.Fields{
		"level":  logCfg.Level,
		"format": logCfg.Format,
		"output": logCfg.Output,
	}).Info("Logger initialized")
	return nil
}

// initializeComponents initializes all application components
func (app *Application) initializeComponents() error {
	app.logger.Info("Initializing application components")
	app.metrics = metrics.NewManager()
	pm := app.metrics.GetPrometheusMetrics()

	if err := app.initializeConnection(pm); err != nil {
		return fmt.Errorf("failed to initialize connection: %w", err)
	}

	if err := app.initializeStorage(pm); err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	if err := app.initializeReporter(pm); err != nil {
		return fmt.Errorf("failed to initialize reporter: %w", err)
	}

	if err := app.initializeCache(pm); err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}

	app.initializeDriver(pm)

	if err := app.initializeServer(); err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}

	app.logger.Info("All components initialized successfully")
	return nil
}

// initializeConnection initializes the connection manager and the reader
func (app *Application) initializeConnection(pm *metrics.PrometheusMetrics) error {
	app.conn = connection.NewConnectionManager(app.config.Chain, pm)

	ctx, cancel := context.WithTimeout(app.ctx, app.config.Chain.RequestTimeout)
	defer cancel()
	if err := app.conn.HealthCheckWithContext(ctx); err != nil {
		// the driver keeps retrying, so a node that is down at boot is not fatal
		app.logger.WithError(err).Warn("Chain node is not reachable yet")
	}

	var err error
	app.reader, err = connection.NewReader(app.conn, app.config.Chain, pm)
	if err != nil {
		return err
	}
	app.blocks = connection.NewBlockStream(app.conn, app.config.Driver.PollInterval, app.config.Driver.EnableWebSocket)

	app.logger.WithFields(logrus.Fields{
		"network":   app.config.Chain.Name,
		"node":      app.config.Chain.NodeURL,
		"multicall": app.config.Chain.MulticallAddress,
	}).Info("Connection manager initialized")
	return nil
}

// initializeStorage initializes the storage layer
func (app *Application) initializeStorage(pm *metrics.PrometheusMetrics) error {
	st, err := storage.NewStorage(&app.config.Storage)
	if err != nil {
		return err
	}
	if err := st.Connect(); err != nil {
		return fmt.Errorf("failed to connect to storage: %w", err)
	}
	if err := st.Migrate(); err != nil {
		st.Close()
		return fmt.Errorf("failed to run storage migrations: %w", err)
	}
	app.storage = storage.NewStorageWithMetrics(st, pm)

	app.logger.WithField("type", app.config.Storage.Type).Info("Storage layer initialized")
	return nil
}

// initializeReporter sets up where decode failures are reported
func (app *Application) initializeReporter(pm *metrics.PrometheusMetrics) error {
	app.reporter = reporter.NewMulti(pm)
	app.reporter.Add("log", reporter.NewLogReporter())

	cfg := app.config.Reporter
	if cfg.Enabled && cfg.WebhookURL != "" {
		app.webhook = reporter.NewWebhookReporter(cfg)
		if err := app.webhook.Start(app.ctx); err != nil {
			return err
		}
		app.reporter.Add("webhook", app.webhook)
	}

	app.logger.WithField("channels", app.reporter.Channels()).Info("Reporter initialized")
	return nil
}

// initializeCache builds the registry, the graph and binds every entity
func (app *Application) initializeCache(pm *metrics.PrometheusMetrics) error {
	app.registry = multicall.NewRegistry()
	app.graph = store.NewGraph(app.registry, store.Options{
		ReadTimeout:   app.config.Cache.ReadTimeout,
		MaxIdleCycles: app.config.Cache.MaxIdleCycles,
		Reporter:      app.reporter,
		Metrics:       pm,
	})

	app.entities = entities.NewManager(app.graph, app.reader, app.storage)
	ctx, cancel := context.WithTimeout(app.ctx, 30*time.Second)
	defer cancel()
	return app.entities.Load(ctx, app.config.Entities)
}

// initializeDriver wires the executor, the driver and its refreshers
func (app *Application) initializeDriver(pm *metrics.PrometheusMetrics) {
	executor := multicall.NewExecutor(app.reader, app.graph, app.reporter, pm, app.config.Driver.MaxParallelReads)
	app.driver = driver.New(executor, app.graph, app.blocks, app.conn, app.storage, app.config.Driver, pm)

	app.wallets = driver.NewWalletBalances(app.reader, app.config.Driver.MaxParallelReads)
	for _, w := range app.config.Wallets {
		app.wallets.Add(common.HexToAddress(w))
	}
	app.driver.AddRefresher(app.wallets)
}

// initializeServer initializes the HTTP server
func (app *Application) initializeServer() error {
	if !app.config.Server.Enabled {
		return nil
	}

	var err error
	app.server, err = server.NewHTTPServer(&app.config.Server, server.Dependencies{
		Graph:    app.graph,
		Entities: app.entities,
		Driver:   app.driver,
		Wallets:  app.wallets,
		Storage:  app.storage,
		Reporter: app.reporter,
	}, app.metrics, AppVersion)
	return err
}

// Start starts the application
func (app *Application) Start() error {
	app.logger.WithFields(logrus.Fields{
		"version":     AppVersion,
		"environment": app.config.App.Environment,
	}).Info("Starting RSK read cache")

	if app.server != nil {
		if err := app.server.Start(); err != nil {
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
	}

	if err := app.driver.Start(app.ctx); err != nil {
		return fmt.Errorf("failed to start driver: %w", err)
	}

	if app.config.Storage.RetentionDays > 0 {
		go app.retentionLoop()
	}

	app.logger.WithFields(logrus.Fields{
		"server_address": fmt.Sprintf("%s:%d", app.config.Server.Host, app.config.Server.Port),
		"node":           app.config.Chain.NodeURL,
		"entities":       len(app.entities.List()),
		"wallets":        len(app.config.Wallets),
	}).Info("RSK read cache started successfully")
	return nil
}

// retentionLoop prunes the cycle journal once a day
func (app *Application) retentionLoop() {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		if err := app.storage.Cleanup(app.ctx, app.config.Storage.RetentionDays); err != nil {
			app.logger.WithError(err).Warn("Cycle journal cleanup failed")
		}
		select {
		case <-app.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stop stops the application gracefully
func (app *Application) Stop() error {
	app.logger.Info("Stopping RSK read cache")

	// Stop components in reverse order
	if app.server != nil {
		if err := app.server.Stop(); err != nil {
			app.logger.WithError(err).Error("Failed to stop HTTP server")
		}
	}

	if app.driver != nil {
		if err := app.driver.Stop(); err != nil {
			app.logger.WithError(err).Error("Failed to stop driver")
		}
	}

	app.cancel()

	if app.graph != nil {
		app.graph.Close()
	}

	if app.webhook != nil {
		if err := app.webhook.Stop(); err != nil {
			app.logger.WithError(err).Error("Failed to stop webhook reporter")
		}
	}

	if app.storage != nil {
		if err := app.storage.Close(); err != nil {
			app.logger.WithError(err).Error("Failed to close storage")
		}
	}

	if app.conn != nil {
		if err := app.conn.Close(); err != nil {
			app.logger.WithError(err).Error("Failed to close connection")
		}
	}

	app.logger.Info("RSK read cache stopped successfully")
	return nil
}

// CLI Commands

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:     "readcache",
	Short:   "RSK contract read cache",
	Long:    `A block driven cache for Rootstock (RSK) contract reads that batches every watched call into one Multicall3 round trip per block.`,
	Version: AppVersion,
}

// loadConfig loads the configuration and applies command line overrides
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return nil, err
	}
	if viper.GetBool("debug") {
		cfg.App.Debug = true
		cfg.Logging.Level = "debug"
	} else if level := viper.GetString("log-level"); level != "" && rootCmd.PersistentFlags().Changed("log-level") {
		cfg.Logging.Level = level
	}
	return cfg, nil
}

// runService is the main command to run the read cache service
func runService(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	app, err := NewApplication(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	// Set up signal handling for graceful shutdown
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)

	if err := app.Start(); err != nil {
		app.Stop()
		return fmt.Errorf("failed to start application: %w", err)
	}

	<-signalChan
	fmt.Println("\nReceived shutdown signal, stopping application...")

	return app.Stop()
}

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("RSK read cache %s\n", AppVersion)
	},
}

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
}

// validateConfigCmd validates the configuration
var validateConfigCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("configuration validation failed: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("configuration validation failed: %w", err)
		}

		fmt.Printf("Configuration is valid!\n")
		fmt.Printf("Environment: %s\n", cfg.App.Environment)
		fmt.Printf("Network: %s (%d)\n", cfg.Chain.Name, cfg.Chain.NetworkID)
		fmt.Printf("RSK Node: %s\n", cfg.Chain.NodeURL)
		fmt.Printf("Multicall: %s\n", cfg.Chain.MulticallAddress)
		fmt.Printf("Database: %s\n", cfg.Storage.Type)
		fmt.Printf("Entities: %d\n", len(cfg.Entities))
		fmt.Printf("Wallets: %d\n", len(cfg.Wallets))
		return nil
	},
}

// init initializes the CLI commands
func init() {
	rootCmd.RunE = runService

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringP("log-level", "l", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug mode")

	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(testCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(cyclesCmd)
	configCmd.AddCommand(validateConfigCmd)
}

// main is the entry point
func main() {
	// A missing .env file is fine; the environment may already be set
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
