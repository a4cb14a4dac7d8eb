package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/padsync/server/internal/config"
	"github.com/padsync/server/internal/demo"
	"github.com/padsync/server/internal/hub"
	"github.com/padsync/server/internal/metrics"
	"github.com/padsync/server/internal/session"
	"github.com/padsync/server/internal/store"
	"github.com/padsync/server/internal/store/memstore"
	"github.com/padsync/server/internal/store/mongostore"
	"github.com/padsync/server/internal/ws"
)

func main() {
	// a missing .env is fine
	_ = godotenv.Load()

	ctx := withSignalCancel(context.Background())
	if err := newRootCommand().ExecuteContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "padsync",
		Short:         "Real-time sync server for collaborative map pads",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringP("config", "c", "config.yaml", "path to the YAML config file")
	flags.String("host", "", "listen host")
	flags.IntP("port", "p", 0, "listen port")
	flags.String("store", "", "store driver (memory or mongo)")
	flags.String("mongo-uri", "", "MongoDB connection string")
	flags.String("database", "", "MongoDB database name")
	flags.String("auth-token", "", "token required on every request")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.Bool("dev", false, "human readable development logging")
	flags.Bool("demo", false, "seed a demo pad and keep its markers moving")

	bindFlags(flags, "config", "host", "port", "store", "mongo-uri", "database", "auth-token", "log-level", "dev", "demo")
	viper.SetEnvPrefix("PADSYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	cmd.AddCommand(newTokenCommand())
	return cmd
}

func bindFlags(flags *pflag.FlagSet, names ...string) {
	for _, name := range names {
		flag := flags.Lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}
}

func newTokenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Print a random value for server.auth_token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			token, err := config.GenerateToken()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
}

// loadConfig reads the config file and applies flags and PADSYNC_*
// environment variables on top.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOrDefault(viper.GetString("config"))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if viper.IsSet("host") {
		cfg.Server.Host = viper.GetString("host")
	}
	if viper.IsSet("port") {
		cfg.Server.Port = viper.GetInt("port")
	}
	if viper.IsSet("store") {
		cfg.Store.Driver = viper.GetString("store")
	}
	if viper.IsSet("mongo-uri") {
		cfg.Store.MongoURI = viper.GetString("mongo-uri")
	}
	if viper.IsSet("database") {
		cfg.Store.Database = viper.GetString("database")
	}
	if viper.IsSet("auth-token") {
		cfg.Server.AuthToken = viper.GetString("auth-token")
	}
	if viper.IsSet("log-level") {
		cfg.Log.Level = viper.GetString("log-level")
	}
	if viper.IsSet("dev") {
		cfg.Log.Development = viper.GetBool("dev")
	}
	if viper.IsSet("demo") {
		cfg.Demo.Enabled = viper.GetBool("demo")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// openStore returns the configured store and a function releasing it.
func openStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (store.Store, func(context.Context) error, error) {
	switch cfg.Driver {
	case config.DriverMongo:
		st, err := mongostore.Open(ctx, cfg.MongoURI, cfg.Database, logger.Named("store"))
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil
	default:
		return memstore.New(), func(context.Context) error { return nil }, nil
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	st, closeStore, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := closeStore(ctx); err != nil {
			logger.Warn("failed to close store", zap.Error(err))
		}
	}()

	var (
		m        *metrics.Metrics
		gatherer prometheus.Gatherer
	)
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		m = metrics.New(reg)
		gatherer = reg
	}

	h := hub.New(st, session.NewRegistry(), logger.Named("hub"), m, hub.Options{
		Strict:          cfg.Sync.StrictPayloads,
		StreamTimeout:   cfg.Sync.StreamTimeout,
		FlushTimeout:    cfg.Sync.WriteTimeout,
		MutationTimeout: cfg.Sync.MutationTimeout,
		Session: session.Options{
			SendBuffer:    cfg.Sync.SendBuffer,
			DeferredLimit: cfg.Sync.DeferredLimit,
		},
	})

	if cfg.Demo.Enabled {
		gen := demo.NewGenerator(st, h, cfg.Demo, logger.Named("demo"))
		if err := gen.Start(ctx); err != nil {
			return fmt.Errorf("start demo: %w", err)
		}
	}

	srv := ws.NewServer(cfg, h, logger.Named("ws"), gatherer)
	httpServer := &http.Server{
		Addr:    cfg.Addr(),
		Handler: srv.Routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening",
			zap.String("addr", httpServer.Addr),
			zap.String("store", cfg.Store.Driver),
			zap.Bool("auth", cfg.Server.AuthToken != ""),
		)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	// hijacked websocket connections are not covered by http.Server.Shutdown
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("websocket shutdown", zap.Error(err))
	}
	return nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
