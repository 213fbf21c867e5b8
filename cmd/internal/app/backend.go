package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"parley/cmd/identity"
	"parley/cmd/internal/chat"
)

// Store is a small app-level lifecycle abstraction.
// It exists to allow DB-backed resources to be closed gracefully.
type Store interface {
	Close(ctx context.Context) error
}

// nopStore is used for in-memory store mode.
type nopStore struct{}

func (nopStore) Close(_ context.Context) error { return nil }

// backend is the storage selected by Config.Store.
type backend struct {
	name     string
	messages chat.MessageStore
	users    identity.Directory
	store    Store

	// ping reports database reachability; nil when there is no database.
	ping func(ctx context.Context) error
}

func newBackend(ctx context.Context, cfg Config, log Logger) (backend, error) {
	switch cfg.Store {
	case StorePostgres:
		return newPostgresBackend(ctx, cfg, log)
	case StoreSQLite:
		return newSQLiteBackend(ctx, cfg, log)
	case StoreMemory, "":
		log.Info("db.disabled.inmemory_store")
		return backend{
			name:     StoreMemory,
			messages: chat.NewInMemoryStore(),
			users:    identity.NewInMemoryDirectory(),
			store:    nopStore{},
		}, nil
	default:
		return backend{}, fmt.Errorf("app: unknown store %q", cfg.Store)
	}
}

func newPostgresBackend(ctx context.Context, cfg Config, log Logger) (backend, error) {
	if cfg.DatabaseURL == "" {
		return backend{}, fmt.Errorf("app: store %q requires PARLEY_DATABASE_URL", StorePostgres)
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return backend{}, err
	}

	// Ownership model:
	// - app owns pool lifecycle
	// - PostgresStore.Close() is a no-op
	msgs, err := chat.NewPostgresStore(pool, chat.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return backend{}, err
	}
	users, err := identity.NewPostgresStore(pool, identity.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return backend{}, err
	}

	log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)
	return backend{
		name:     StorePostgres,
		messages: msgs,
		users:    users,
		store:    dbStore{pool: pool, msgStore: msgs},
		ping: func(ctx context.Context) error {
			return PingDB(ctx, pool, 2*time.Second)
		},
	}, nil
}

func newSQLiteBackend(ctx context.Context, cfg Config, log Logger) (backend, error) {
	db, sqlDB, err := OpenSQLite(cfg.SQLitePath)
	if err != nil {
		return backend{}, err
	}

	msgs, err := chat.NewGormStore(db)
	if err != nil {
		_ = sqlDB.Close()
		return backend{}, err
	}
	users, err := identity.NewGormStore(db)
	if err != nil {
		_ = sqlDB.Close()
		return backend{}, err
	}
	if err := users.Migrate(ctx); err != nil {
		_ = sqlDB.Close()
		return backend{}, fmt.Errorf("app: migrate users: %w", err)
	}
	if err := msgs.Migrate(ctx); err != nil {
		_ = sqlDB.Close()
		return backend{}, fmt.Errorf("app: migrate messages: %w", err)
	}

	log.Info("db.enabled.sqlite_store", "path", cfg.SQLitePath)
	return backend{
		name:     StoreSQLite,
		messages: msgs,
		users:    users,
		store:    sqlStore{db: sqlDB, msgStore: msgs},
		ping: func(ctx context.Context) error {
			pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			return sqlDB.PingContext(pingCtx)
		},
	}, nil
}

type dbStore struct {
	pool     *pgxpool.Pool
	msgStore chat.MessageStore
}

func (s dbStore) Close(_ context.Context) error {
	if s.msgStore != nil {
		_ = s.msgStore.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

type sqlStore struct {
	db       *sql.DB
	msgStore chat.MessageStore
}

func (s sqlStore) Close(_ context.Context) error {
	if s.msgStore != nil {
		_ = s.msgStore.Close()
	}
	return s.db.Close()
}

// newThrottle returns nil when throttling is disabled. The returned close
// func is never nil.
func newThrottle(ctx context.Context, cfg Config, log Logger) (chat.SendThrottle, func() error, error) {
	noop := func() error { return nil }
	if cfg.SendMinInterval <= 0 {
		return nil, noop, nil
	}
	if cfg.RedisAddr == "" {
		log.Info("chat.throttle.memory", "interval", cfg.SendMinInterval.String())
		return chat.NewMemoryThrottle(cfg.SendMinInterval), noop, nil
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, noop, fmt.Errorf("app: redis ping: %w", err)
	}
	th, err := chat.NewRedisThrottle(rdb, cfg.SendMinInterval)
	if err != nil {
		_ = rdb.Close()
		return nil, noop, err
	}
	log.Info("chat.throttle.redis", "addr", cfg.RedisAddr, "interval", cfg.SendMinInterval.String())
	return th, rdb.Close, nil
}
