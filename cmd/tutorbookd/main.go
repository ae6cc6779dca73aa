package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/tutorbook/internal/chapa"
	"github.com/MarkoPoloResearchLab/tutorbook/internal/config"
	"github.com/MarkoPoloResearchLab/tutorbook/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/tutorbook/internal/httpapi"
	"github.com/MarkoPoloResearchLab/tutorbook/internal/notify"
	"github.com/MarkoPoloResearchLab/tutorbook/internal/oplog"
	"github.com/MarkoPoloResearchLab/tutorbook/internal/regionlock"
	"github.com/MarkoPoloResearchLab/tutorbook/internal/sessiontoken"
	"github.com/MarkoPoloResearchLab/tutorbook/internal/settlement"
	"github.com/MarkoPoloResearchLab/tutorbook/pkg/booking"
	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	flagDatabaseURL            = "database-url"
	flagHTTPListenAddr         = "http-listen-addr"
	flagGRPCListenAddr         = "grpc-listen-addr"
	flagAllowedOrigins         = "allowed-origins"
	flagJWTSigningKey          = "jwt-signing-key"
	flagJWTIssuer              = "jwt-issuer"
	flagJWTCookieName          = "jwt-cookie-name"
	flagRedisAddr              = "redis-addr"
	flagRabbitURL              = "rabbitmq-url"
	flagRabbitExchange         = "rabbitmq-exchange"
	flagChapaBaseURL           = "chapa-base-url"
	flagChapaSecretKey         = "chapa-secret-key"
	flagChapaWebhookSecret     = "chapa-webhook-secret"
	flagChapaCallbackURL       = "chapa-callback-url"
	flagChapaReturnURL         = "chapa-return-url"
	flagSessionTokenAppID      = "session-token-app-id"
	flagSessionTokenSecret     = "session-token-secret"
	flagSessionTokenTTL        = "session-token-ttl"
	flagSchedule               = "scheduler-schedule"
	flagTransactionLimit       = "transaction-history-limit"
	flagLockTTL                = "lock-ttl"
	flagReleaseDelay           = "release-delay"
	flagPlatformFeePercent     = "platform-fee-percent"
	flagRefundFullThreshold    = "refund-full-threshold"
	flagRefundPartialThreshold = "refund-partial-threshold"
	flagRefundPartialPercent   = "refund-partial-percent"
	flagSessionWindowBefore    = "session-window-before"
	flagSessionWindowAfter     = "session-window-after"
	flagRescheduleNotice       = "reschedule-minimum-notice"
	flagReminder24Hours        = "reminder-24h"
	flagReminder1Hour          = "reminder-1h"
	flagReminder15Minutes      = "reminder-15m"
	flagCurrency               = "currency"
	flagTimezone               = "timezone"
	envPrefix                  = "TUTORBOOK"
	memoryDatabaseURL          = "memory://"
	redisPingTimeout           = 3 * time.Second
	schedulerStopTimeout       = 10 * time.Second
)

func main() {
	_ = godotenv.Load()
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "tutorbookd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := config.Config{}
	cmd := &cobra.Command{
		Use:           "tutorbookd",
		Short:         "Tutor booking and escrow settlement server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, &cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	defaults := config.Default()
	flags := cmd.Flags()
	flags.String(flagDatabaseURL, defaults.DatabaseURL, "postgres://, sqlite:// or memory:// database URL")
	flags.String(flagHTTPListenAddr, defaults.HTTPListenAddr, "HTTP listen address")
	flags.String(flagGRPCListenAddr, defaults.GRPCListenAddr, "gRPC health listen address")
	flags.String(flagAllowedOrigins, strings.Join(defaults.AllowedOrigins, ","), "comma-separated list of allowed CORS origins")
	flags.String(flagJWTSigningKey, "", "TAuth JWT signing key (required)")
	flags.String(flagJWTIssuer, defaults.SessionIssuer, "expected JWT issuer")
	flags.String(flagJWTCookieName, defaults.SessionCookieName, "JWT cookie name")
	flags.String(flagRedisAddr, "", "redis address for cross-instance slot locking (optional)")
	flags.String(flagRabbitURL, "", "RabbitMQ URL for notifications (optional)")
	flags.String(flagRabbitExchange, defaults.RabbitExchange, "RabbitMQ topic exchange")
	flags.String(flagChapaBaseURL, "", "Chapa API base URL")
	flags.String(flagChapaSecretKey, "", "Chapa secret key")
	flags.String(flagChapaWebhookSecret, "", "Chapa webhook signing secret")
	flags.String(flagChapaCallbackURL, "", "public URL of the payment webhook")
	flags.String(flagChapaReturnURL, "", "URL students return to after checkout")
	flags.String(flagSessionTokenAppID, defaults.SessionTokenAppID, "live-session application id")
	flags.String(flagSessionTokenSecret, "", "live-session token signing secret (required)")
	flags.Duration(flagSessionTokenTTL, 0, "live-session token lifetime")
	flags.String(flagSchedule, defaults.Schedule, "settlement scheduler cron spec")
	flags.Int(flagTransactionLimit, defaults.TransactionLimit, "maximum wallet transactions per page")
	flags.Duration(flagLockTTL, defaults.LockTTL, "checkout lock lifetime")
	flags.Duration(flagReleaseDelay, defaults.ReleaseDelay, "delay between session end and escrow release")
	flags.String(flagPlatformFeePercent, defaults.PlatformFeePercent, "platform fee percentage")
	flags.Duration(flagRefundFullThreshold, defaults.RefundFullThreshold, "notice needed for a full refund")
	flags.Duration(flagRefundPartialThreshold, defaults.RefundPartialThreshold, "notice needed for a partial refund")
	flags.Int(flagRefundPartialPercent, defaults.RefundPartialPercent, "partial refund percentage")
	flags.Duration(flagSessionWindowBefore, defaults.SessionWindowBefore, "how early a session may start")
	flags.Duration(flagSessionWindowAfter, defaults.SessionWindowAfter, "how late a session may start")
	flags.Duration(flagRescheduleNotice, defaults.RescheduleMinimumNotice, "minimum notice for a reschedule request")
	flags.Duration(flagReminder24Hours, defaults.Reminder24Hours, "first reminder offset, 0 disables")
	flags.Duration(flagReminder1Hour, defaults.Reminder1Hour, "second reminder offset, 0 disables")
	flags.Duration(flagReminder15Minutes, defaults.Reminder15Minutes, "last reminder offset, 0 disables")
	flags.String(flagCurrency, defaults.Currency, "booking currency")
	flags.String(flagTimezone, defaults.Timezone, "IANA timezone of calendar dates")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *config.Config) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	cfg.DatabaseURL = strings.TrimSpace(v.GetString(flagDatabaseURL))
	cfg.HTTPListenAddr = strings.TrimSpace(v.GetString(flagHTTPListenAddr))
	cfg.GRPCListenAddr = strings.TrimSpace(v.GetString(flagGRPCListenAddr))
	cfg.AllowedOrigins = config.ParseAllowedOrigins(v.GetString(flagAllowedOrigins))
	cfg.SessionSigningKey = v.GetString(flagJWTSigningKey)
	cfg.SessionIssuer = strings.TrimSpace(v.GetString(flagJWTIssuer))
	cfg.SessionCookieName = strings.TrimSpace(v.GetString(flagJWTCookieName))
	cfg.RedisAddr = strings.TrimSpace(v.GetString(flagRedisAddr))
	cfg.RabbitURL = strings.TrimSpace(v.GetString(flagRabbitURL))
	cfg.RabbitExchange = strings.TrimSpace(v.GetString(flagRabbitExchange))
	cfg.ChapaBaseURL = strings.TrimSpace(v.GetString(flagChapaBaseURL))
	cfg.ChapaSecretKey = v.GetString(flagChapaSecretKey)
	cfg.ChapaWebhookSecret = v.GetString(flagChapaWebhookSecret)
	cfg.ChapaCallbackURL = strings.TrimSpace(v.GetString(flagChapaCallbackURL))
	cfg.ChapaReturnURL = strings.TrimSpace(v.GetString(flagChapaReturnURL))
	cfg.SessionTokenAppID = strings.TrimSpace(v.GetString(flagSessionTokenAppID))
	cfg.SessionTokenSecret = v.GetString(flagSessionTokenSecret)
	cfg.SessionTokenTTL = v.GetDuration(flagSessionTokenTTL)
	cfg.Schedule = strings.TrimSpace(v.GetString(flagSchedule))
	cfg.TransactionLimit = v.GetInt(flagTransactionLimit)
	cfg.LockTTL = v.GetDuration(flagLockTTL)
	cfg.ReleaseDelay = v.GetDuration(flagReleaseDelay)
	cfg.PlatformFeePercent = strings.TrimSpace(v.GetString(flagPlatformFeePercent))
	cfg.RefundFullThreshold = v.GetDuration(flagRefundFullThreshold)
	cfg.RefundPartialThreshold = v.GetDuration(flagRefundPartialThreshold)
	cfg.RefundPartialPercent = v.GetInt(flagRefundPartialPercent)
	cfg.SessionWindowBefore = v.GetDuration(flagSessionWindowBefore)
	cfg.SessionWindowAfter = v.GetDuration(flagSessionWindowAfter)
	cfg.RescheduleMinimumNotice = v.GetDuration(flagRescheduleNotice)
	cfg.Reminder24Hours = v.GetDuration(flagReminder24Hours)
	cfg.Reminder1Hour = v.GetDuration(flagReminder1Hour)
	cfg.Reminder15Minutes = v.GetDuration(flagReminder15Minutes)
	cfg.Currency = strings.TrimSpace(v.GetString(flagCurrency))
	cfg.Timezone = strings.TrimSpace(v.GetString(flagTimezone))

	return cfg.Validate()
}

func runServer(ctx context.Context, cfg config.Config) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	policy, err := cfg.Policy()
	if err != nil {
		return err
	}

	store, databaseCheck, cleanup, err := openStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()

	checks := map[string]grpcserver.Check{"database": databaseCheck}

	locker, redisCheck, closeLocker, err := openRegionLocker(ctx, cfg.RedisAddr, cfg.DatabaseURL, logger)
	if err != nil {
		return err
	}
	defer func() { _ = closeLocker() }()
	if redisCheck != nil {
		checks["redis"] = redisCheck
	}

	notifier, closeNotifier, err := openNotifier(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = closeNotifier() }()

	options := []booking.Option{
		booking.WithOperationLogger(oplog.New(logger)),
		booking.WithNotifier(notifier),
		booking.WithRegionLocker(locker),
	}
	clock := func() time.Time { return time.Now().UTC() }

	slots, err := booking.NewSlotManager(store, clock, policy, options...)
	if err != nil {
		return fmt.Errorf("slot manager init: %w", err)
	}
	escrow, err := booking.NewEscrowLedger(store, clock, policy.Fees, options...)
	if err != nil {
		return fmt.Errorf("escrow ledger init: %w", err)
	}
	tokens, err := sessiontoken.New(sessiontoken.Config{
		AppID:      cfg.SessionTokenAppID,
		SigningKey: cfg.SessionTokenSecret,
		TTL:        cfg.SessionTokenTTL,
	})
	if err != nil {
		return fmt.Errorf("session token issuer init: %w", err)
	}
	var gateway booking.PaymentGateway
	if cfg.PaymentsEnabled() {
		chapaClient, err := chapa.New(chapa.Config{
			BaseURL:       cfg.ChapaBaseURL,
			SecretKey:     cfg.ChapaSecretKey,
			WebhookSecret: cfg.ChapaWebhookSecret,
			CallbackURL:   cfg.ChapaCallbackURL,
			ReturnURL:     cfg.ChapaReturnURL,
		})
		if err != nil {
			return fmt.Errorf("payment gateway init: %w", err)
		}
		gateway = chapaClient
	} else {
		logger.Warn("payment gateway not configured; only wallet payments are available")
	}
	service, err := booking.NewService(booking.Dependencies{
		Store:   store,
		Clock:   clock,
		Policy:  policy,
		Slots:   slots,
		Escrow:  escrow,
		Gateway: gateway,
		Tokens:  tokens,
	}, options...)
	if err != nil {
		return fmt.Errorf("booking service init: %w", err)
	}

	scheduler, err := settlement.New(settlement.Config{Schedule: cfg.Schedule}, slots, escrow, service, logger)
	if err != nil {
		return fmt.Errorf("scheduler init: %w", err)
	}
	if err := scheduler.Start(); err != nil {
		return fmt.Errorf("scheduler start: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), schedulerStopTimeout)
		defer cancel()
		if stopErr := scheduler.Stop(stopCtx); stopErr != nil {
			logger.Warn("scheduler stop", zap.Error(stopErr))
		}
	}()

	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return fmt.Errorf("session validator: %w", err)
	}
	handler := httpapi.NewHandler(logger, slots, escrow, service, httpapi.RouterConfig{
		AllowedOrigins:   cfg.AllowedOrigins,
		SignatureHeader:  chapa.SignatureHeader,
		TransactionLimit: cfg.TransactionLimit,
	})
	httpServer := &http.Server{
		Addr:              cfg.HTTPListenAddr,
		Handler:           httpapi.NewRouter(handler, sessionValidator),
		ReadHeaderTimeout: 10 * time.Second,
	}

	listener, err := net.Listen("tcp", cfg.GRPCListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	healthServer := grpcserver.New(grpcserver.Config{Checks: checks}, logger)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return httpapi.Serve(groupCtx, httpServer, logger)
	})
	group.Go(func() error {
		return healthServer.Serve(groupCtx, listener)
	})
	return group.Wait()
}

// openRegionLocker prefers Redis, falls back to Postgres advisory locks when the
// store is Postgres, and otherwise locks inside the process.
func openRegionLocker(ctx context.Context, redisAddr string, databaseURL string, logger *zap.Logger) (booking.RegionLocker, grpcserver.Check, func() error, error) {
	if redisAddr == "" {
		driver, _, err := resolveDriver(databaseURL)
		if err != nil {
			return nil, nil, nil, err
		}
		if driver != driverPostgres {
			return regionlock.NewLocal(), nil, func() error { return nil }, nil
		}
		pool, err := pgxpool.New(ctx, databaseURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("advisory lock pool: %w", err)
		}
		locker, err := regionlock.NewPostgres(pool, logger)
		if err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		return locker, nil, func() error { pool.Close(); return nil }, nil
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{redisAddr}})
	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, nil, fmt.Errorf("redis ping: %w", err)
	}
	locker, err := regionlock.NewRedis(client, regionlock.RedisConfig{Logger: logger})
	if err != nil {
		_ = client.Close()
		return nil, nil, nil, err
	}
	check := func(ctx context.Context) error { return client.Ping(ctx).Err() }
	return locker, check, client.Close, nil
}

func openNotifier(cfg config.Config, logger *zap.Logger) (booking.Notifier, func() error, error) {
	if cfg.RabbitURL == "" {
		return notify.NewLogNotifier(logger), func() error { return nil }, nil
	}
	publisher, err := notify.NewPublisher(cfg.RabbitURL, cfg.RabbitExchange)
	if err != nil {
		return nil, nil, fmt.Errorf("notification publisher: %w", err)
	}
	return publisher, publisher.Close, nil
}
