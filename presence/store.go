package presence

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"

	"github.com/wailbentafat/solar-hub/config"
)

const onlineClientsSetKey = "solar:online_clients"

// Store keeps the cluster-wide set of connected dashboard clients in Redis.
type Store struct {
	rdb *redis.Client
}

// Connect opens and pings a Redis client for a store that does not share
// the broker's connection.
func Connect(cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "redis connection to %s failed", cfg.Addr)
	}
	return client, nil
}

func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func (s *Store) AddOnlineClient(ctx context.Context, clientID string) error {
	return s.rdb.SAdd(ctx, onlineClientsSetKey, clientID).Err()
}

func (s *Store) RemoveOnlineClient(ctx context.Context, clientID string) error {
	return s.rdb.SRem(ctx, onlineClientsSetKey, clientID).Err()
}

func (s *Store) GetOnlineClients(ctx context.Context) ([]string, error) {
	return s.rdb.SMembers(ctx, onlineClientsSetKey).Result()
}
