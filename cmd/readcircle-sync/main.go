package main

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/readcircle/readcircle/internal/clubs"
	"github.com/readcircle/readcircle/internal/clubsync"
	"github.com/readcircle/readcircle/internal/config"
	"github.com/readcircle/readcircle/internal/database"
	"github.com/readcircle/readcircle/internal/logging"
	"github.com/readcircle/readcircle/internal/metrics"
	"github.com/readcircle/readcircle/internal/realtime"
	"github.com/readcircle/readcircle/internal/rowstore"
	"github.com/readcircle/readcircle/internal/server"
	"github.com/readcircle/readcircle/internal/session"
	"github.com/readcircle/readcircle/internal/signals"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "readcircle-sync",
		Short: "ReadCircle club synchronization daemon",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "Loopback HTTP listen address")
	cmd.PersistentFlags().String("remote-url", defaults.GetString("remote.url"), "Hosted backend base URL")
	cmd.PersistentFlags().String("remote-api-key", "", "Hosted backend API key (overrides env)")
	cmd.PersistentFlags().String("remote-access-token", "", "Hosted backend access token (overrides env)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite snapshot cache path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("ui-origin", defaults.GetString("ui.origin"), "Browser origin allowed to call the loopback surface")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "remote.url", "remote-url")
	bindFlag(cmd, "remote.api_key", "remote-api-key")
	bindFlag(cmd, "remote.access_token", "remote-access-token")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "ui.origin", "ui-origin")
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

func runDaemon(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	identity, err := session.NewParser(session.ParserConfig{}).Identify(appConfig.RemoteAccessToken)
	if err != nil {
		return err
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	cache, err := clubs.NewCache(clubs.CacheConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	restBase, err := joinRemotePath(appConfig.RemoteURL, "rest", "v1")
	if err != nil {
		return err
	}
	channelEndpoint, err := joinRemotePath(appConfig.RemoteURL, "realtime", "v1", "websocket")
	if err != nil {
		return err
	}

	rows, err := rowstore.NewClient(rowstore.ClientConfig{
		BaseURL:     restBase,
		APIKey:      appConfig.RemoteAPIKey,
		AccessToken: appConfig.RemoteAccessToken,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	persister, err := clubs.NewPersister(clubs.PersisterConfig{
		Cache:       cache,
		Rows:        rows,
		LocalUserID: identity.UserID,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	socket, err := realtime.NewSocket(realtime.SocketConfig{
		URL:         channelEndpoint,
		APIKey:      appConfig.RemoteAPIKey,
		AccessToken: appConfig.RemoteAccessToken,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := clubs.NewStore()
	warmStart(signalCtx, cache, store, logger)

	storeEvents, releaseWatch, err := store.Watch(signalCtx)
	if err != nil {
		return err
	}
	defer releaseWatch()
	go logStoreEvents(logger, storeEvents)

	hub := signals.NewHub()
	metricsSet := metrics.NewSet()

	engine, err := clubsync.NewEngine(clubsync.EngineConfig{
		Store:       store,
		Provider:    socket,
		Persistence: persister,
		Prober:      rows,
		Signals:     hub,
		Metrics:     metricsSet,
		Logger:      logger,
		LocalUserID: identity.UserID,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Store:    store,
		Engine:   engine,
		Hub:      hub,
		Metrics:  metricsSet.Handler(),
		Logger:   logger,
		UIOrigin: appConfig.UIOrigin,
	})
	if err != nil {
		return err
	}

	if err := socket.Start(signalCtx); err != nil {
		return err
	}
	defer socket.Close()

	if err := engine.Start(signalCtx); err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("daemon starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("user_id", identity.UserID))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}

	if err := engine.Close(); err != nil {
		logger.Warn("engine close failed", zap.Error(err))
	}

	// Final write-through so the last applied state survives the process.
	if err := persister.Flush(shutdownCtx, store.List()); err != nil {
		logger.Warn("final flush failed", zap.Error(err))
	}

	return nil
}

// warmStart seeds the store from the snapshot cache so the interface has
// last-known-good clubs before the first resync lands.
func warmStart(ctx context.Context, cache *clubs.Cache, store *clubs.Store, logger *zap.Logger) {
	cached, err := cache.LoadAll(ctx)
	if err != nil {
		logger.Warn("snapshot warm start failed", zap.Error(err))
		return
	}
	for _, club := range cached {
		if _, err := store.Set(club); err != nil {
			logger.Warn("skipping cached club", zap.String("club_id", club.ID), zap.Error(err))
		}
	}
}

// logStoreEvents mirrors applied store mutations at debug level until the
// watcher is released.
func logStoreEvents(logger *zap.Logger, events <-chan clubs.Event) {
	for event := range events {
		logger.Debug("club store mutation",
			zap.String("kind", string(event.Kind)),
			zap.String("club_id", event.ClubID))
	}
}

func joinRemotePath(base string, elems ...string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", err
	}
	return parsed.JoinPath(elems...).String(), nil
}
