package ops

import (
	"context"
	"time"

	"github.com/yanun0323/logs"

	errs "dexadapter/internal/errors"
	"dexadapter/internal/registry"
	"dexadapter/pkg/conn"
)

// OpenCache builds the registry cache c names. The returned closer releases
// whatever connection the cache holds and is never nil.
func OpenCache(ctx context.Context, c CacheConfig) (registry.Cache, func(), error) {
	nop := func() {}
	switch c.Kind {
	case "", CacheNone:
		return registry.NopCache{}, nop, nil
	case CacheFile:
		return registry.NewFileCache(c.Path), nop, nil
	case CacheRedis:
		client, err := conn.NewRedis(ctx, conn.RedisOption{Addr: c.RedisAddr})
		if err != nil {
			return nil, nop, errs.WithKind(errs.KindTransientNetwork, errs.Wrap(err, "connect redis "+c.RedisAddr))
		}
		closer := func() {
			if err := client.Close(); err != nil {
				logs.Errorf("close redis, err: %+v", err)
			}
		}
		return registry.NewRedisCache(client, c.RedisKey, time.Duration(c.RedisTTLSec)*time.Second), closer, nil
	case CachePostgres:
		pg, err := conn.NewPostgres(ctx, conn.PostgresOption{DSN: c.PostgresDSN, MaxConns: 2})
		if err != nil {
			return nil, nop, errs.WithKind(errs.KindTransientNetwork, errs.Wrap(err, "connect postgres"))
		}
		closer := func() {
			if err := pg.Close(); err != nil {
				logs.Errorf("close postgres, err: %+v", err)
			}
		}
		cache, err := registry.NewPostgresCache(ctx, pg.DB())
		if err != nil {
			closer()
			return nil, nop, err
		}
		return cache, closer, nil
	default:
		return nil, nop, invalid("cache.kind", c.Kind)
	}
}
