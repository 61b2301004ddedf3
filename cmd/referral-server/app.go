package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/vitalred/referral/internal/config"
	"github.com/vitalred/referral/internal/domain/escalation"
	"github.com/vitalred/referral/internal/domain/referral"
	"github.com/vitalred/referral/internal/platform/auth"
	"github.com/vitalred/referral/internal/platform/clock"
	"github.com/vitalred/referral/internal/platform/db"
	"github.com/vitalred/referral/internal/platform/notification"
	"github.com/vitalred/referral/internal/platform/telemetry"
)

// app holds the wired components shared by serve, tick and consume.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger

	metrics *telemetry.Provider

	pool  *pgxpool.Pool
	redis *redis.Client
	nats  *nats.Conn

	directory   *notification.StaticDirectory
	dispatcher  *notification.Dispatcher
	referrals   *referral.Service
	escalations *escalation.Service
	scheduler   *escalation.Scheduler
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.metrics, err = telemetry.New(ctx, telemetry.Config{
		ServiceName:    "referral-server",
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Insecure:       cfg.OTLPInsecure,
		ExportInterval: cfg.MetricsExportInterval,
	})
	if err != nil {
		return nil, err
	}

	rules, engine, err := config.LoadRules(cfg.RulesFile)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}

	var (
		referralRepo   referral.Repository
		escalationRepo escalation.Repository
	)
	switch cfg.Storage {
	case "postgres":
		a.pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		referralRepo = referral.NewRepoPG(a.pool)
		escalationRepo = escalation.NewRepoPG(a.pool)
		logger.Info().Msg("connected to database")
	default:
		referralRepo = referral.NewMemoryRepository()
		escalationRepo = escalation.NewMemoryRepository()
		logger.Warn().Msg("using in-memory storage; state is lost on restart")
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		a.redis = redis.NewClient(opts)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
	}

	a.directory = notification.NewStaticDirectory()
	if cfg.DirectoryFile != "" {
		if err := a.directory.ReloadFile(cfg.DirectoryFile); err != nil {
			return nil, err
		}
	}
	if a.directory.Len() == 0 {
		logger.Warn().Msg("recipient directory is empty; notifications will reach no one")
	}

	channels, err := a.channels(ctx)
	if err != nil {
		return nil, err
	}
	var ledger notification.DeliveryLedger = notification.NewMemoryLedger()
	if a.redis != nil {
		ledger = notification.NewRedisLedger(a.redis, "", cfg.DeliveryLedgerTTL)
	}
	a.dispatcher = notification.NewDispatcher(a.directory, ledger, notification.DefaultDispatcherConfig(), logger, channels...)
	notifier := meteredNotifier{next: a.dispatcher, metrics: a.metrics}

	a.escalations = escalation.NewService(escalationRepo, clock.Real{}, logger)

	opts := []referral.Option{
		referral.WithNotifier(notifier),
		referral.WithEscalationCloser(a.escalations),
		referral.WithAuditor(meteredAuditor{next: referral.NewLogAuditor(logger), metrics: a.metrics}),
		referral.WithAutoResponder(referral.NewAutoResponder(rules.Templates)),
	}
	if cfg.ClassifierURL != "" {
		opts = append(opts, referral.WithClassifier(referral.NewHTTPClassifier(cfg.ClassifierURL, cfg.ClassifierTimeout)))
	}
	a.referrals = referral.NewService(referralRepo, engine, referral.Config{
		CriticalSLA:       cfg.CriticalSLA,
		RoutineSLA:        cfg.RoutineSLA,
		ReopenGrace:       cfg.ReopenGrace,
		ClassifierTimeout: cfg.ClassifierTimeout,
		ReviewerRole:      auth.RoleReviewer,
	}, logger, opts...)

	schedOpts := []escalation.SchedulerOption{escalation.WithTickObserver(observeTick(a.metrics))}
	if a.redis != nil {
		schedOpts = append(schedOpts, escalation.WithLeader(escalation.NewRedisLeader(a.redis, "", cfg.EscalationLeaderTTL)))
	}
	a.scheduler, err = escalation.NewScheduler(a.referrals, escalationRepo, notifier, escalation.SchedulerConfig{
		Interval:          cfg.EscalationInterval,
		FirstWarningAfter: cfg.EscalationFirstWarning,
		BreachAfter:       cfg.EscalationBreach,
		BatchSize:         cfg.EscalationBatchSize,
		ReviewerRole:      auth.RoleReviewer,
		SupervisorRole:    auth.RoleSupervisor,
	}, logger, schedOpts...)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// channels builds the delivery channels that are configured. Without NATS,
// in-app notifications go to the log.
func (a *app) channels(ctx context.Context) ([]notification.Channel, error) {
	var out []notification.Channel
	if a.cfg.NATSURL != "" {
		conn, js, err := notification.ConnectNATS(notification.NATSConfig{URL: a.cfg.NATSURL, Name: "referral-server"})
		if err != nil {
			return nil, err
		}
		a.nats = conn
		out = append(out, notification.NewInAppChannel(js, a.cfg.NATSSubjectPrefix))
	} else {
		out = append(out, notification.NewLogChannel(notification.ChannelInApp, a.logger))
	}
	if a.cfg.SQSQueueURL != "" {
		client, err := notification.NewSQSClient(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, notification.NewMessageChannel(client, a.cfg.SQSQueueURL))
	}
	if a.cfg.UrgentWebhookURL != "" {
		out = append(out, notification.NewWebhookChannel(a.cfg.UrgentWebhookURL, a.cfg.UrgentWebhookSecret))
	}
	names := make([]string, 0, len(out))
	for _, ch := range out {
		names = append(names, string(ch.Name()))
	}
	a.logger.Info().Strs("channels", names).Msg("notification channels ready")
	return out, nil
}

// reload re-reads the rules and directory files. A file that fails to load
// leaves the running configuration untouched.
func (a *app) reload() {
	rules, engine, err := config.LoadRules(a.cfg.RulesFile)
	if err != nil {
		a.logger.Error().Err(err).Msg("rules reload failed, keeping current rules")
	} else {
		a.referrals.ReplaceScorer(engine)
		a.referrals.ReplaceAutoResponder(referral.NewAutoResponder(rules.Templates))
	}
	if a.cfg.DirectoryFile != "" {
		if err := a.directory.ReloadFile(a.cfg.DirectoryFile); err != nil {
			a.logger.Error().Err(err).Msg("directory reload failed, keeping current recipients")
		} else {
			a.logger.Info().Int("recipients", a.directory.Len()).Msg("directory reloaded")
		}
	}
}

func (a *app) healthChecks() map[string]db.Check {
	checks := map[string]db.Check{}
	if a.pool != nil {
		checks["postgres"] = db.PoolCheck(a.pool)
	}
	if a.redis != nil {
		checks["redis"] = func(ctx context.Context) error { return a.redis.Ping(ctx).Err() }
	}
	if a.nats != nil {
		checks["nats"] = func(context.Context) error {
			if !a.nats.IsConnected() {
				return fmt.Errorf("nats status %s", a.nats.Status())
			}
			return nil
		}
	}
	return checks
}

func (a *app) Close() {
	if a.nats != nil {
		if err := a.nats.Drain(); err != nil {
			a.nats.Close()
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.metrics.Shutdown(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("metrics shutdown failed")
		}
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "referral-server").Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger.Level(level)
}
