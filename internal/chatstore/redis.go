package chatstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKey          = "batcher:chats"
	redisQueryTimeout = 2 * time.Second
)

// RedisStore keeps history as a Redis list of JSON entries. Append pushes
// each entry with RPUSH so order matches completion order; List reads the
// whole list back.
type RedisStore struct {
	client *redis.Client
	log    *slog.Logger
}

// NewRedisStoreFromClient wraps an existing Redis client. The store owns the
// client and closes it on Close.
func NewRedisStoreFromClient(cli *redis.Client, log *slog.Logger) *RedisStore {
	if log == nil {
		log = slog.Default()
	}
	return &RedisStore{client: cli, log: log}
}

// NewRedisStoreFromURL parses redisURL, creates a client, and verifies the
// connection with a PING.
func NewRedisStoreFromURL(ctx context.Context, redisURL string, log *slog.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("chatstore: parse redis url: %w", err)
	}

	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("chatstore: redis ping: %w", err)
	}

	return NewRedisStoreFromClient(cli, log), nil
}

func (s *RedisStore) Append(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	vals := make([]interface{}, 0, len(entries))
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("chatstore: marshal entry: %w", err)
		}
		vals = append(vals, data)
	}

	ctx, cancel := context.WithTimeout(ctx, redisQueryTimeout)
	defer cancel()
	if err := s.client.RPush(ctx, redisKey, vals...).Err(); err != nil {
		return fmt.Errorf("chatstore: rpush: %w", err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context) ([]Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, redisQueryTimeout)
	defer cancel()

	raw, err := s.client.LRange(ctx, redisKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("chatstore: lrange: %w", err)
	}

	entries := make([]Entry, 0, len(raw))
	for _, item := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			s.log.Warn("chat history entry corrupt, skipped", slog.String("error", err.Error()))
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *RedisStore) Close() error { return s.client.Close() }
