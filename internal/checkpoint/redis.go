package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisConfig holds the connection settings of a RedisStore
type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	PoolSize    int
	MaxRetries  int
	DialTimeout time.Duration
	KeyPrefix   string
}

// RedisStore keeps checkpoint artifacts as plain string values. SET replaces a
// value atomically, which is all the Store contract asks for.
type RedisStore struct {
	Logger    *zap.Logger
	KeyPrefix string
	client    *redis.Client
}

// NewRedisStore connects and pings the server
func NewRedisStore(ctx context.Context, config RedisConfig, logger *zap.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Addr == "" {
		return nil, errors.New("redis address cannot be empty")
	}

	client := redis.NewClient(&redis.Options{
		Addr:        config.Addr,
		Password:    config.Password,
		DB:          config.DB,
		PoolSize:    config.PoolSize,
		MaxRetries:  config.MaxRetries,
		DialTimeout: config.DialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", config.Addr, err)
	}

	logger.Info("Connected to redis checkpoint store",
		zap.String("addr", config.Addr),
		zap.Int("db", config.DB),
		zap.String("key_prefix", config.KeyPrefix))

	return &RedisStore{
		Logger:    logger,
		KeyPrefix: config.KeyPrefix,
		client:    client,
	}, nil
}

func (s *RedisStore) Save(ctx context.Context, key string, data []byte) error {
	if err := s.client.Set(ctx, s.KeyPrefix+key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to store %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.KeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", key, err)
	}
	return data, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
