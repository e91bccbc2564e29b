package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aiennonprofit/pumpkin-voting/internal/changebus"
	"github.com/aiennonprofit/pumpkin-voting/internal/database"
	"github.com/aiennonprofit/pumpkin-voting/internal/grpcserver"
	"github.com/aiennonprofit/pumpkin-voting/internal/httpapi"
	"github.com/aiennonprofit/pumpkin-voting/internal/metrics"
	"github.com/aiennonprofit/pumpkin-voting/internal/oplog"
	"github.com/aiennonprofit/pumpkin-voting/internal/store/gormstore"
	"github.com/aiennonprofit/pumpkin-voting/internal/store/pgstore"
	"github.com/aiennonprofit/pumpkin-voting/pkg/voting"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	envPrefix = "PUMPKIND"

	flagDatabaseURL        = "database-url"
	flagStoreDriver        = "store-driver"
	flagAutoMigrate        = "auto-migrate"
	flagListenAddr         = "listen-addr"
	flagGRPCListenAddr     = "grpc-listen-addr"
	flagHealthInterval     = "health-interval"
	flagAllowedOrigins     = "allowed-origins"
	flagSessionSigningKey  = "session-signing-key"
	flagSessionIssuer      = "session-issuer"
	flagSessionCookieName  = "session-cookie-name"
	flagAdminRole          = "admin-role"
	flagAdminEmails        = "admin-emails"
	flagRedisAddr          = "redis-addr"
	flagRedisPassword      = "redis-password"
	flagRedisDB            = "redis-db"
	flagRedisChannel       = "redis-channel"
	flagMaxAttempts        = "max-attempts"
	flagResetBatchSize     = "reset-batch-size"
	flagVoteRatePerSecond  = "vote-rate-per-second"
	flagVoteBurst          = "vote-burst"
	flagStreamPingInterval = "stream-ping-interval"
	flagActor              = "actor"

	storeDriverGorm = "gorm"
	storeDriverPgx  = "pgx"

	defaultDatabaseURL    = "sqlite:///tmp/pumpkins.db"
	defaultGRPCListenAddr = ":7000"
	defaultHealthInterval = 10 * time.Second
	defaultMaxAttempts    = 3
	defaultResetBatchSize = 400
)

type runtimeConfig struct {
	DatabaseURL    string
	StoreDriver    string
	AutoMigrate    bool
	GRPCListenAddr string
	HealthInterval time.Duration
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisChannel   string
	MaxAttempts    int
	ResetBatchSize int
	Actor          string
	HTTP           httpapi.Config
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "pumpkind: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	settings := newSettings()
	cmd := &cobra.Command{
		Use:           "pumpkind",
		Short:         "Pumpkin carving contest voting service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, settings, cfg)
		},
	}

	flags := cmd.PersistentFlags()
	flags.String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL URL or SQLite path")
	flags.Bool(flagAutoMigrate, true, "create or update tables before running a command")
	flags.String(flagStoreDriver, storeDriverGorm, "store implementation: gorm or pgx (postgres only)")
	flags.Int(flagMaxAttempts, defaultMaxAttempts, "attempts per transaction before reporting a transient failure")
	flags.Int(flagResetBatchSize, defaultResetBatchSize, "rows per reset transaction")
	flags.String(flagRedisAddr, "", "Redis address for the shared change stream (empty: in-process)")
	flags.String(flagRedisPassword, "", "Redis password")
	flags.Int(flagRedisDB, 0, "Redis database")
	flags.String(flagRedisChannel, changebus.DefaultChannel, "Redis pub/sub channel")

	cmd.AddCommand(newServeCommand(cfg), newMigrateCommand(cfg), newResetVotesCommand(cfg), newRebuildTalliesCommand(cfg))
	return cmd
}

func newServeCommand(cfg *runtimeConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API, the gallery stream and the gRPC read API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}
	flags := cmd.Flags()
	flags.String(flagListenAddr, ":8080", "HTTP listen address")
	flags.String(flagGRPCListenAddr, defaultGRPCListenAddr, "gRPC listen address (empty disables gRPC)")
	flags.Duration(flagHealthInterval, defaultHealthInterval, "store health check interval")
	flags.String(flagAllowedOrigins, "", "comma-separated CORS origins")
	flags.String(flagSessionSigningKey, "", "session JWT signing key")
	flags.String(flagSessionIssuer, "", "session JWT issuer")
	flags.String(flagSessionCookieName, "", "session cookie name")
	flags.String(flagAdminRole, "", "session role that grants moderation rights")
	flags.String(flagAdminEmails, "", "comma-separated administrator e-mails")
	flags.Float64(flagVoteRatePerSecond, 0, "sustained votes per second per user")
	flags.Int(flagVoteBurst, 0, "vote burst per user")
	flags.Duration(flagStreamPingInterval, 0, "websocket ping interval")
	return cmd
}

func newMigrateCommand(cfg *runtimeConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, cleanup, _, err := openDatabase(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = cleanup() }()
			if err := database.Migrate(db); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}

func newResetVotesCommand(cfg *runtimeConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset-votes",
		Short: "Delete every vote and zero every tally",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMaintenance(cmd, cfg, func(ctx context.Context, service *voting.Service, principal voting.Principal) (string, error) {
				summary, err := service.ResetAllVotes(ctx, principal)
				return fmt.Sprintf("votes deleted: %d, tallies reset: %d, pointers cleared: %d, batches: %d",
					summary.VotesDeleted, summary.TalliesSynced, summary.PointersCleared, summary.Batches), err
			})
		},
	}
	cmd.Flags().String(flagActor, "", "administrator user id recorded in the audit log")
	return cmd
}

func newRebuildTalliesCommand(cfg *runtimeConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rebuild-tallies",
		Short: "Recompute vote counts and voter pointers from the vote ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMaintenance(cmd, cfg, func(ctx context.Context, service *voting.Service, principal voting.Principal) (string, error) {
				summary, err := service.RebuildTallies(ctx, principal)
				return fmt.Sprintf("entries checked: %d, tallies corrected: %d, pointers assigned: %d",
					summary.EntriesChecked, summary.TalliesCorrected, summary.PointersAssigned), err
			})
		},
	}
	cmd.Flags().String(flagActor, "", "administrator user id recorded in the audit log")
	return cmd
}

func newSettings() *viper.Viper {
	settings := viper.New()
	settings.SetEnvPrefix(envPrefix)
	settings.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	settings.AutomaticEnv()
	return settings
}

func loadConfig(cmd *cobra.Command, settings *viper.Viper, cfg *runtimeConfig) error {
	if err := settings.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	cfg.DatabaseURL = settings.GetString(flagDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.StoreDriver = strings.ToLower(settings.GetString(flagStoreDriver))
	if cfg.StoreDriver == "" {
		cfg.StoreDriver = storeDriverGorm
	}
	if cfg.StoreDriver != storeDriverGorm && cfg.StoreDriver != storeDriverPgx {
		return fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
	cfg.AutoMigrate = settings.GetBool(flagAutoMigrate)
	cfg.GRPCListenAddr = settings.GetString(flagGRPCListenAddr)
	cfg.HealthInterval = settings.GetDuration(flagHealthInterval)
	cfg.RedisAddr = settings.GetString(flagRedisAddr)
	cfg.RedisPassword = settings.GetString(flagRedisPassword)
	cfg.RedisDB = settings.GetInt(flagRedisDB)
	cfg.RedisChannel = settings.GetString(flagRedisChannel)
	cfg.MaxAttempts = settings.GetInt(flagMaxAttempts)
	cfg.ResetBatchSize = settings.GetInt(flagResetBatchSize)
	cfg.Actor = settings.GetString(flagActor)
	cfg.HTTP = httpapi.Config{
		ListenAddr:         settings.GetString(flagListenAddr),
		AllowedOrigins:     httpapi.ParseList(settings.GetString(flagAllowedOrigins)),
		SessionSigningKey:  settings.GetString(flagSessionSigningKey),
		SessionIssuer:      settings.GetString(flagSessionIssuer),
		SessionCookieName:  settings.GetString(flagSessionCookieName),
		AdminRole:          settings.GetString(flagAdminRole),
		AdminEmails:        httpapi.ParseList(settings.GetString(flagAdminEmails)),
		VoteRatePerSecond:  settings.GetFloat64(flagVoteRatePerSecond),
		VoteBurst:          settings.GetInt(flagVoteBurst),
		StreamPingInterval: settings.GetDuration(flagStreamPingInterval),
	}
	return nil
}

// runtimeDeps is everything a command builds from the configuration.
type runtimeDeps struct {
	service  *voting.Service
	store    voting.Store
	changes  voting.ChangeSource
	cleanups []func() error
}

func (deps *runtimeDeps) close() {
	for index := len(deps.cleanups) - 1; index >= 0; index-- {
		_ = deps.cleanups[index]()
	}
}

func openDatabase(ctx context.Context, cfg *runtimeConfig) (*gorm.DB, func() error, database.Target, error) {
	target, err := database.Resolve(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, database.Target{}, err
	}
	db, cleanup, err := database.Open(ctx, target, &gorm.Config{Logger: gormlogger.Discard})
	if err != nil {
		return nil, nil, database.Target{}, fmt.Errorf("database open: %w", err)
	}
	return db, cleanup, target, nil
}

func buildRuntime(ctx context.Context, cfg *runtimeConfig, logger *zap.Logger, operationLogger voting.OperationLogger) (*runtimeDeps, error) {
	deps := &runtimeDeps{}
	db, cleanup, target, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	deps.cleanups = append(deps.cleanups, cleanup)
	if cfg.AutoMigrate {
		if err := database.Migrate(db); err != nil {
			deps.close()
			return nil, err
		}
	}

	switch cfg.StoreDriver {
	case storeDriverPgx:
		pool, err := database.OpenPool(ctx, target)
		if err != nil {
			deps.close()
			return nil, err
		}
		deps.cleanups = append(deps.cleanups, func() error { pool.Close(); return nil })
		deps.store = pgstore.New(pool)
	default:
		deps.store = gormstore.New(db)
	}

	var publisher voting.ChangePublisher
	if cfg.RedisAddr != "" {
		client := changebus.NewClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		deps.cleanups = append(deps.cleanups, client.Close)
		bus, err := changebus.New(client, changebus.WithChannel(cfg.RedisChannel), changebus.WithLogger(logger))
		if err != nil {
			deps.close()
			return nil, err
		}
		publisher, deps.changes = bus, bus
	} else {
		broadcaster := voting.NewBroadcaster()
		publisher, deps.changes = broadcaster, broadcaster
	}

	clock := func() int64 { return time.Now().UTC().UnixMilli() }
	deps.service, err = voting.NewService(deps.store, clock,
		voting.WithOperationLogger(operationLogger),
		voting.WithChangePublisher(publisher),
		voting.WithMaxAttempts(cfg.MaxAttempts),
		voting.WithResetBatchSize(cfg.ResetBatchSize),
	)
	if err != nil {
		deps.close()
		return nil, fmt.Errorf("voting service init: %w", err)
	}
	return deps, nil
}

func runMaintenance(cmd *cobra.Command, cfg *runtimeConfig, run func(ctx context.Context, service *voting.Service, principal voting.Principal) (string, error)) error {
	actorID, err := voting.NewUserID(cfg.Actor)
	if err != nil {
		return fmt.Errorf("--%s is required: %w", flagActor, err)
	}
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx := cmd.Context()
	deps, err := buildRuntime(ctx, cfg, logger, oplog.New(logger))
	if err != nil {
		return err
	}
	defer deps.close()

	report, err := run(ctx, deps.service, voting.NewPrincipal(actorID, true))
	fmt.Fprintln(cmd.OutOrStdout(), report)
	return err
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	gin.SetMode(gin.ReleaseMode)

	collectors := metrics.New()
	deps, err := buildRuntime(ctx, cfg, logger, voting.OperationLoggers{oplog.New(logger), collectors})
	if err != nil {
		return err
	}
	defer deps.close()

	feed, err := voting.NewFeed(deps.service, deps.changes,
		voting.WithFeedErrorHandler(func(err error) {
			logger.Warn("gallery reload failed", zap.Error(err))
		}),
		voting.WithSubscriberObserver(collectors.ObserveSubscribers),
	)
	if err != nil {
		return fmt.Errorf("feed init: %w", err)
	}
	defer feed.Close()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return httpapi.Run(groupCtx, cfg.HTTP, httpapi.Dependencies{
			Service: deps.service,
			Feed:    feed,
			Store:   deps.store,
			Metrics: collectors,
			Logger:  logger,
		})
	})
	if cfg.GRPCListenAddr != "" {
		monitor := grpcserver.NewHealthMonitor(deps.store, cfg.HealthInterval, logger)
		group.Go(func() error {
			monitor.Run(groupCtx)
			return nil
		})
		group.Go(func() error {
			return serveGRPC(groupCtx, cfg.GRPCListenAddr, grpcserver.NewServer(deps.service, monitor.Server()), logger)
		})
	}
	return group.Wait()
}

func serveGRPC(ctx context.Context, listenAddr string, grpcServer *grpc.Server, logger *zap.Logger) error {
	lis, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gRPC server starting", zap.String("listen_addr", listenAddr))
		errCh <- grpcServer.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
		grpcServer.GracefulStop()
		if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
			return serveErr
		}
		return nil
	case serveErr := <-errCh:
		if errors.Is(serveErr, grpc.ErrServerStopped) {
			return nil
		}
		return serveErr
	}
}
