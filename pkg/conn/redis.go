package conn

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisDialTimeout = 5 * time.Second

// RedisOption defines connection options for Redis.
type RedisOption struct {
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration
}

// NewRedis opens a Redis client and pings it once.
func NewRedis(ctx context.Context, option RedisOption) (*redis.Client, error) {
	dialTimeout := option.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultRedisDialTimeout
	}

	client := redis.NewClient(&redis.Options{
		Addr:        option.Addr,
		Password:    option.Password,
		DB:          option.DB,
		DialTimeout: dialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	return client, nil
}
