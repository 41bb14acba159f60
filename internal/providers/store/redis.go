package store

import (
	"context"
	"fmt"
	"slices"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "relay:running:"

// RedisOptions selects the Redis server
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// Redis keeps one set of package names per user
type Redis struct {
	client *redis.Client
	log    *zap.Logger
}

// NewRedis connects to Redis. The connection is checked lazily; a down
// server surfaces as errors from the store methods.
func NewRedis(opts RedisOptions, log *zap.Logger) (*Redis, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("redis store: empty address")
	}
	if log == nil {
		log = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return &Redis{client: client, log: log.Named("store")}, nil
}

// Ping checks the server is reachable
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Add(ctx context.Context, userID, packageName string) error {
	if err := r.client.SAdd(ctx, userKey(userID), packageName).Err(); err != nil {
		return fmt.Errorf("add running app: %w", err)
	}
	return nil
}

func (r *Redis) Remove(ctx context.Context, userID, packageName string) error {
	if err := r.client.SRem(ctx, userKey(userID), packageName).Err(); err != nil {
		return fmt.Errorf("remove running app: %w", err)
	}
	return nil
}

func (r *Redis) List(ctx context.Context, userID string) ([]string, error) {
	members, err := r.client.SMembers(ctx, userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list running apps: %w", err)
	}
	slices.Sort(members)
	return members, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func userKey(userID string) string {
	return keyPrefix + userID
}
