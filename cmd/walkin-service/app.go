package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"qms/walkin-service/internal/cancellation"
	"qms/walkin-service/internal/config"
	"qms/walkin-service/internal/events"
	"qms/walkin-service/internal/notify"
	"qms/walkin-service/internal/queue"
	"qms/walkin-service/internal/scheduler"
	"qms/walkin-service/internal/store"
	"qms/walkin-service/internal/store/memory"
	"qms/walkin-service/internal/store/postgres"
)

// app holds the wired components shared by the serve and run-once commands.
type app struct {
	cfg       config.Config
	logger    *zap.Logger
	store     store.QueueStore
	publisher events.Publisher
	tokens    *cancellation.Tokens
	authority *cancellation.Authority
	scheduler *scheduler.Scheduler
	recaller  *queue.Recaller
	closers   []func()
}

func newApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	for _, problem := range cfg.Validate() {
		if problem.Fatal() {
			return nil, problem
		}
		logger.Warn("feature disabled", zap.String("feature", problem.Feature), zap.String("reason", problem.Reason))
	}

	st, err := a.openStore(ctx)
	if err != nil {
		a.close()
		return nil, err
	}
	a.store = st

	notifier, err := notify.NewProvider(notify.ProviderConfig{
		Kind:            cfg.PushProvider,
		WebhookURL:      cfg.PushWebhookURL,
		WebhookToken:    cfg.PushWebhookToken,
		VAPIDPublicKey:  cfg.VAPIDPublicKey,
		VAPIDPrivateKey: cfg.VAPIDPrivateKey,
		VAPIDSubject:    cfg.VAPIDSubject,
		TTL:             cfg.PushTTL,
	}, logger.With(zap.String("component", "push")))
	if err != nil {
		logger.Warn("push provider fallback", zap.Error(err))
	}

	a.publisher = events.NewNoopPublisher()
	if brokers := events.ParseBrokers(cfg.KafkaBrokers); len(brokers) > 0 {
		a.publisher = events.NewKafkaPublisher(brokers, cfg.KafkaTopic)
		a.closers = append(a.closers, func() {
			if err := a.publisher.Close(); err != nil {
				logger.Warn("close event publisher", zap.Error(err))
			}
		})
		logger.Info("publishing lifecycle events", zap.Strings("brokers", brokers), zap.String("topic", cfg.KafkaTopic))
	}

	gate := notify.NewGate(st, notifier, a.openCache(ctx), logger.With(zap.String("component", "gate")))
	engine := queue.NewEngine(st, gate, a.publisher, logger.With(zap.String("component", "engine")))
	a.recaller = queue.NewRecaller(st, gate, logger.With(zap.String("component", "recall")))
	a.scheduler = scheduler.New(st, engine, scheduler.Options{
		TickTimeout: cfg.TickTimeout,
		Logger:      logger.With(zap.String("component", "autocaller")),
	})

	if cfg.CancelTokenSecret != "" {
		a.tokens, err = cancellation.NewTokens(cfg.CancelTokenSecret, cfg.CancelTokenTTL)
		if err != nil {
			a.close()
			return nil, err
		}
	}
	a.authority = cancellation.NewAuthority(st, a.tokens, a.publisher, logger.With(zap.String("component", "cancellation")))
	return a, nil
}

func (a *app) openStore(ctx context.Context) (store.QueueStore, error) {
	if a.cfg.StoreDriver == "memory" {
		st := memory.NewStore()
		if err := seedMemoryStore(st, a.cfg.MemorySeedFile); err != nil {
			return nil, err
		}
		a.logger.Warn("using in-memory store; state is lost on restart")
		return st, nil
	}

	pool, err := pgxpool.New(ctx, a.cfg.DatabaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "db connect")
	}
	a.closers = append(a.closers, pool.Close)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		return nil, errors.Wrap(err, "db ping")
	}
	return postgres.NewStore(pool, postgres.Options{
		OnInvalidSettings: func(locationID string, err error) {
			a.logger.Warn("skipping location with invalid settings", zap.String("location_id", locationID), zap.Error(err))
		},
	}), nil
}

// openCache prefers Redis when configured and reachable.
func (a *app) openCache(ctx context.Context) notify.MilestoneCache {
	if a.cfg.RedisAddr == "" {
		return notify.NewMemoryCache(a.cfg.MilestoneCacheTTL)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     a.cfg.RedisAddr,
		Password: a.cfg.RedisPassword,
		DB:       a.cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		a.logger.Warn("redis unavailable, using in-process milestone cache", zap.Error(err))
		_ = client.Close()
		return notify.NewMemoryCache(a.cfg.MilestoneCacheTTL)
	}
	a.closers = append(a.closers, func() { _ = client.Close() })
	return notify.NewRedisCache(client, a.cfg.MilestoneCacheTTL, a.logger.With(zap.String("component", "cache")))
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

type seedLocation struct {
	LocationID string          `json:"location_id"`
	Name       string          `json:"name"`
	Settings   json.RawMessage `json:"settings"`
}

// seedMemoryStore loads locations from a JSON array file. An empty path is a
// no-op.
func seedMemoryStore(st *memory.Store, path string) error {
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read memory seed")
	}
	var locations []seedLocation
	if err := json.Unmarshal(raw, &locations); err != nil {
		return errors.Wrap(err, "parse memory seed")
	}
	for _, location := range locations {
		if err := st.PutLocationSettings(location.LocationID, location.Name, location.Settings); err != nil {
			return errors.Wrapf(err, "seed location %s", location.LocationID)
		}
	}
	return nil
}
