// Package redis registers the "redis" module, a data driver for seeding and
// checking Redis state from scripts.
package redis

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rlch/drover"
)

// Name is the module's registry name.
const Name = "redis"

const pingTimeout = 5 * time.Second

//nolint:gochecknoinits // Module self-registration pattern
func init() {
	drover.RegisterModule(Name, func(cfg drover.ModuleConfig) (drover.Module, error) {
		return New(cfg)
	})
}

// Module wraps a go-redis client. It connects on init.
type Module struct {
	opts   *redis.Options
	client *redis.Client
}

// New creates a redis module from either a url option or addr, password and
// db options.
func New(cfg drover.ModuleConfig) (*Module, error) {
	if raw := cfg.String("url", ""); raw != "" {
		opts, err := redis.ParseURL(raw)
		if err != nil {
			return nil, drover.WrapError(drover.KindInvalidArgument, fmt.Errorf("redis: url: %w", err))
		}

		return &Module{opts: opts}, nil
	}

	return &Module{opts: &redis.Options{
		Addr:     cfg.String("addr", "localhost:6379"),
		Password: cfg.String("password", ""),
		DB:       cfg.Int("db", 0),
	}}, nil
}

func (m *Module) Name() string        { return Name }
func (m *Module) IsInitialized() bool { return m.client != nil }

func (m *Module) Operations() map[string]drover.Operation {
	return map[string]drover.Operation{
		drover.OpInit: drover.Lifecycle("init()", m.connect),
		"get": drover.Public("get(key)", m.withKey(func(ctx context.Context, key string, _ []any) (any, error) {
			v, err := m.client.Get(ctx, key).Result()
			if errors.Is(err, redis.Nil) {
				return nil, nil
			}

			return v, err
		})),
		"set": drover.Public("set(key, value, ttlMs?)", m.withKey(func(ctx context.Context, key string, args []any) (any, error) {
			if len(args) < 2 {
				return nil, drover.Errorf(drover.KindInvalidArgument, "missing argument 2 (value)")
			}

			var ttl time.Duration
			if len(args) > 2 {
				ms, err := drover.IntArg(args, 2, "ttlMs")
				if err != nil {
					return nil, err
				}

				ttl = time.Duration(ms) * time.Millisecond
			}

			return m.client.Set(ctx, key, args[1], ttl).Result()
		})),
		"del": drover.Public("del(key)", m.withKey(func(ctx context.Context, key string, _ []any) (any, error) {
			return m.client.Del(ctx, key).Result()
		})),
		"exists": drover.Public("exists(key)", m.withKey(func(ctx context.Context, key string, _ []any) (any, error) {
			n, err := m.client.Exists(ctx, key).Result()

			return n > 0, err
		})),
		"incr": drover.Public("incr(key)", m.withKey(func(ctx context.Context, key string, _ []any) (any, error) {
			return m.client.Incr(ctx, key).Result()
		})),
		"ttl": drover.Public("ttl(key)", m.withKey(func(ctx context.Context, key string, _ []any) (any, error) {
			d, err := m.client.PTTL(ctx, key).Result()

			return d.Milliseconds(), err
		})),
		"hget": drover.Public("hget(key, field)", m.withKey(func(ctx context.Context, key string, args []any) (any, error) {
			field, err := drover.Arg[string](args, 1, "field")
			if err != nil {
				return nil, err
			}

			v, err := m.client.HGet(ctx, key, field).Result()
			if errors.Is(err, redis.Nil) {
				return nil, nil
			}

			return v, err
		})),
		"hset": drover.Public("hset(key, fields)", m.withKey(func(ctx context.Context, key string, args []any) (any, error) {
			fields, err := drover.Arg[map[string]any](args, 1, "fields")
			if err != nil {
				return nil, err
			}

			var added int64

			for _, field := range slices.Sorted(maps.Keys(fields)) {
				n, err := m.client.HSet(ctx, key, field, fields[field]).Result()
				if err != nil {
					return nil, err
				}

				added += n
			}

			return added, nil
		})),
		"hgetall": drover.Public("hgetall(key)", m.withKey(func(ctx context.Context, key string, _ []any) (any, error) {
			return m.client.HGetAll(ctx, key).Result()
		})),
		"flush": drover.Public("flush()", func(ctx context.Context, _ []any) (any, error) {
			return wrap(m.client.FlushDB(ctx).Result())
		}),
	}
}

func (m *Module) connect(ctx context.Context, _ []any) (any, error) {
	if m.client != nil {
		return nil, nil
	}

	client := redis.NewClient(m.opts)

	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	err := client.Ping(pctx).Err()
	if err != nil {
		_ = client.Close()

		return nil, drover.WrapError(drover.KindConnection, fmt.Errorf("redis: error connecting to %s: %w", m.opts.Addr, err))
	}

	m.client = client

	return nil, nil
}

func (m *Module) withKey(fn func(ctx context.Context, key string, args []any) (any, error)) drover.OperationFunc {
	return func(ctx context.Context, args []any) (any, error) {
		key, err := drover.Arg[string](args, 0, "key")
		if err != nil {
			return nil, err
		}

		return wrap(fn(ctx, key, args))
	}
}

// wrap places command failures under DB_ERROR. Argument errors keep their kind.
func wrap(v any, err error) (any, error) {
	if err == nil {
		return v, nil
	}

	var de *drover.Error
	if errors.As(err, &de) {
		return nil, err
	}

	return nil, drover.WrapError(drover.KindDB, fmt.Errorf("redis: %w", err))
}

// Dispose closes the client.
func (m *Module) Dispose(context.Context) error {
	if m.client == nil {
		return nil
	}

	err := m.client.Close()
	m.client = nil

	return err
}

var (
	_ drover.Module   = (*Module)(nil)
	_ drover.Disposer = (*Module)(nil)
)
