package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opencode-ai/turnstream/pkg/types"
)

const redisMaxTxRetries = 5

// RedisStore keeps each turn as a JSON string and indexes scopes with a sorted
// set scored by creation time.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisStore connects using cfg.DSN (a redis:// URL) and verifies the connection.
func NewRedisStore(ctx context.Context, cfg types.StoreConfig) (*RedisStore, error) {
	dsn := cfg.DSN
	if dsn == "" {
		dsn = "redis://localhost:6379/0"
	}
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse redis dsn: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisStoreWithClient(client, cfg.Prefix, cfg.TTL.Std()), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "turnstream"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) turnKey(id string) string {
	return s.prefix + ":turn:" + id
}

func (s *RedisStore) scopeKey(scope string) string {
	return s.prefix + ":scope:" + scope
}

// UpsertTurn writes the record inside an optimistic transaction on the turn key
// so the original creation time survives concurrent writers.
func (s *RedisStore) UpsertTurn(ctx context.Context, rec types.TurnRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	key := s.turnKey(rec.ID)

	txf := func(tx *redis.Tx) error {
		now := time.Now().UTC()
		if raw, err := tx.Get(ctx, key).Bytes(); err == nil {
			var existing types.TurnRecord
			if json.Unmarshal(raw, &existing) == nil && !existing.CreatedAt.IsZero() {
				rec.CreatedAt = existing.CreatedAt
			}
		} else if !errors.Is(err, redis.Nil) {
			return err
		}
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
		if rec.UpdatedAt.IsZero() {
			rec.UpdatedAt = now
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			if rec.ConversationScope != "" {
				pipe.ZAddNX(ctx, s.scopeKey(rec.ConversationScope), redis.Z{
					Score:  float64(rec.CreatedAt.UnixNano()),
					Member: rec.ID,
				})
			}
			return nil
		})
		return err
	}

	for i := 0; i < redisMaxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("upsert turn: %w", err)
		}
		return nil
	}
	return fmt.Errorf("upsert turn: %w", redis.TxFailedErr)
}

func (s *RedisStore) GetTurn(ctx context.Context, id string) (types.TurnRecord, error) {
	raw, err := s.client.Get(ctx, s.turnKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return types.TurnRecord{}, ErrNotFound
		}
		return types.TurnRecord{}, fmt.Errorf("get turn: %w", err)
	}
	var rec types.TurnRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return types.TurnRecord{}, fmt.Errorf("decode turn: %w", err)
	}
	return rec, nil
}

// ListTurns skips index entries whose record has expired.
func (s *RedisStore) ListTurns(ctx context.Context, scope string) ([]types.TurnRecord, error) {
	ids, err := s.client.ZRange(ctx, s.scopeKey(scope), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	if len(ids) == 0 {
		return []types.TurnRecord{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.turnKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}

	records := make([]types.TurnRecord, 0, len(values))
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var rec types.TurnRecord
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			return nil, fmt.Errorf("decode turn: %w", err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
