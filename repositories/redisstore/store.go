// Package redisstore keeps each collection in one Redis hash
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/upb/funding-control-plane/config"
	"github.com/upb/funding-control-plane/repositories"
	"go.uber.org/zap"
)

type pipelineContextKey struct{}

// Store implements repositories.Store on Redis hashes named prefix:collection
type Store struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// Open connects to Redis and verifies the connection
func Open(ctx context.Context, cfg config.RedisConfig, prefix string, logger *zap.Logger) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("redis connection established", zap.String("addr", cfg.Addr), zap.Int("db", cfg.DB))
	return New(client, prefix, logger), nil
}

// New wraps an existing client
func New(client *redis.Client, prefix string, logger *zap.Logger) *Store {
	return &Store{client: client, prefix: prefix, logger: logger}
}

func (s *Store) hash(collection string) string {
	if s.prefix == "" {
		return collection
	}
	return s.prefix + ":" + collection
}

// writer returns the MULTI pipeline of an enclosing batch, or the client
func (s *Store) writer(ctx context.Context) redis.Cmdable {
	if pipe, ok := ctx.Value(pipelineContextKey{}).(redis.Pipeliner); ok {
		return pipe
	}
	return s.client
}

// Get implements repositories.Store
func (s *Store) Get(ctx context.Context, collection, key string) ([]byte, error) {
	value, err := s.client.HGet(ctx, s.hash(collection), key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, repositories.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get %s/%s: %w", collection, key, err)
	}
	return value, nil
}

// Put implements repositories.Store. Inside a batch the write is queued and
// its error surfaces when the batch executes.
func (s *Store) Put(ctx context.Context, collection, key string, value []byte) error {
	if err := s.writer(ctx).HSet(ctx, s.hash(collection), key, value).Err(); err != nil {
		return fmt.Errorf("failed to put %s/%s: %w", collection, key, err)
	}
	return nil
}

// Delete implements repositories.Store
func (s *Store) Delete(ctx context.Context, collection, key string) error {
	if err := s.writer(ctx).HDel(ctx, s.hash(collection), key).Err(); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", collection, key, err)
	}
	return nil
}

// Scan implements repositories.Store. Hash fields are unordered in Redis, so
// keys are sorted before fn is called.
func (s *Store) Scan(ctx context.Context, collection string, fn func(key string, value []byte) error) error {
	all, err := s.client.HGetAll(ctx, s.hash(collection)).Result()
	if err != nil {
		return fmt.Errorf("failed to scan %s: %w", collection, err)
	}

	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if err := fn(k, []byte(all[k])); err != nil {
			return err
		}
	}
	return nil
}

// Batch queues the writes made by fn in a MULTI/EXEC transaction
func (s *Store) Batch(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(pipelineContextKey{}).(redis.Pipeliner); ok {
		return fn(ctx)
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		return fn(context.WithValue(ctx, pipelineContextKey{}, pipe))
	})
	if err != nil {
		return fmt.Errorf("redis batch failed: %w", err)
	}
	return nil
}

// HealthCheck implements repositories.HealthChecker
func (s *Store) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

// Close implements repositories.Store
func (s *Store) Close() error {
	s.logger.Info("closing redis connection")
	return s.client.Close()
}
