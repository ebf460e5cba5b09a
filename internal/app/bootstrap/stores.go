package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	cacheadapter "github.com/viralforge/authcore/internal/adapters/cache"
	"github.com/viralforge/authcore/internal/adapters/memory"
	"github.com/viralforge/authcore/internal/adapters/postgres"
	"github.com/viralforge/authcore/internal/ports"
)

// storeSet is the persistence chosen for this process. Postgres and Redis are
// optional; whatever is not configured falls back to process memory.
type storeSet struct {
	users       ports.UserCredentialStore
	enrollments ports.EnrollmentRepository
	lockouts    ports.LockoutStore
	challenges  ports.ChallengeStore
	revocations ports.SessionRevocationStore
	oidcState   ports.OIDCStateStore
	bus         ports.SyncBus

	db    *gorm.DB
	redis *redis.Client
}

func openStores(ctx context.Context, cfg Config, logger *slog.Logger, nowFn func() time.Time) (*storeSet, error) {
	s := &storeSet{}

	if cfg.DatabaseURL != "" {
		db, err := postgres.Connect(ctx, cfg.DatabaseURL, postgres.PoolConfig{
			MaxOpenConns:    cfg.MaxDBConns,
			ConnMaxIdleTime: 5 * time.Minute,
			ConnMaxLifetime: time.Hour,
		})
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := postgres.RunMigrations(ctx, db); err != nil {
			_ = postgres.Close(db)
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		s.db = db
		s.users = postgres.NewUserRepository(db, nowFn)
		s.enrollments = postgres.NewEnrollmentRepository(db, nowFn)
	} else {
		logger.Warn("DB_URL not set; users and MFA enrollments are kept in memory",
			"module", "bootstrap", "layer", "bootstrap", "operation", "open_stores")
		s.users = memory.NewUserCredentialStore()
		s.enrollments = memory.NewEnrollmentRepository()
	}

	if cfg.RedisURL != "" {
		client, err := cacheadapter.Connect(ctx, cfg.RedisURL)
		if err != nil {
			_ = s.close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		s.redis = client
		s.lockouts = cacheadapter.NewLockoutStore(client)
		s.challenges = cacheadapter.NewChallengeStore(client)
		s.revocations = cacheadapter.NewRevocationStore(client, nowFn)
		s.oidcState = cacheadapter.NewOIDCStateStore(client)
		s.bus = cacheadapter.NewSyncBus(client, logger)
	} else {
		logger.Warn("REDIS_URL not set; lockouts, challenges and session sync are process local",
			"module", "bootstrap", "layer", "bootstrap", "operation", "open_stores")
		s.lockouts = memory.NewLockoutStore()
		s.challenges = memory.NewChallengeStore(nowFn)
		s.revocations = memory.NewRevocationStore(nowFn)
		s.oidcState = memory.NewOIDCStateStore(nowFn)
		s.bus = memory.NewBus()
	}
	return s, nil
}

// ready pings the backing services that are configured.
func (s *storeSet) ready(ctx context.Context) error {
	var errs []error
	if s.db != nil {
		sqlDB, err := s.db.DB()
		if err == nil {
			err = sqlDB.PingContext(ctx)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("postgres: %w", err))
		}
	}
	if s.redis != nil {
		if err := s.redis.Ping(ctx).Err(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (s *storeSet) close() error {
	var errs []error
	if s.redis != nil {
		errs = append(errs, s.redis.Close())
	}
	if s.db != nil {
		errs = append(errs, postgres.Close(s.db))
	}
	return errors.Join(errs...)
}
