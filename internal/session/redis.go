package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
)

const (
	redisIndexKey     = "edumentor:sessions"
	redisSessionKey   = "edumentor:session:%s"
	redisMaxTxRetries = 5
)

// RedisStore keeps each session as a JSON string and indexes ids in a sorted
// set scored by LastUpdated. Upsert and Delete touch both keys in one
// MULTI/EXEC transaction.
type RedisStore struct {
	client *redis.Client
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore parses a redis:// URL, connects, and pings the server.
func NewRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func sessionKey(id string) string {
	return fmt.Sprintf(redisSessionKey, id)
}

func (r *RedisStore) Upsert(ctx context.Context, s ChatSession) error {
	if err := validate(s); err != nil {
		return persistErr("upsert", s.ID, err)
	}
	data, err := json.Marshal(s)
	if err != nil {
		return persistErr("upsert", s.ID, fmt.Errorf("marshal session: %w", err))
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, sessionKey(s.ID), data, 0)
		pipe.ZAdd(ctx, redisIndexKey, &redis.Z{Score: float64(s.LastUpdated), Member: s.ID})
		return nil
	})
	return persistErr("upsert", s.ID, err)
}

func (r *RedisStore) Get(ctx context.Context, id string) (ChatSession, error) {
	data, err := r.client.Get(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return ChatSession{}, ErrNotFound
	}
	if err != nil {
		return ChatSession{}, persistErr("get", id, err)
	}
	var s ChatSession
	if err := json.Unmarshal(data, &s); err != nil {
		return ChatSession{}, persistErr("get", id, fmt.Errorf("unmarshal session: %w", err))
	}
	return s, nil
}

func (r *RedisStore) ListAll(ctx context.Context) ([]ChatSession, error) {
	ids, err := r.client.ZRevRange(ctx, redisIndexKey, 0, -1).Result()
	if err != nil {
		return nil, persistErr("list", "", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = sessionKey(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, persistErr("list", "", err)
	}
	out := make([]ChatSession, 0, len(values))
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			// index entry without a value: deleted between ZREVRANGE and MGET
			continue
		}
		var s ChatSession
		if err := json.Unmarshal([]byte(str), &s); err != nil {
			return nil, persistErr("list", ids[i], fmt.Errorf("unmarshal session: %w", err))
		}
		out = append(out, s)
	}
	SortByRecent(out)
	return out, nil
}

func (r *RedisStore) Delete(ctx context.Context, id string) error {
	var del *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, sessionKey(id))
		pipe.ZRem(ctx, redisIndexKey, id)
		return nil
	})
	if err != nil {
		return persistErr("delete", id, err)
	}
	if del.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *RedisStore) UpdateTitle(ctx context.Context, id, title string) error {
	key := sessionKey(id)
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var s ChatSession
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("unmarshal session: %w", err)
		}
		s.Title = title
		updated, err := json.Marshal(s)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			return nil
		})
		return err
	}

	for range redisMaxTxRetries {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return persistErr("update_title", id, err)
	}
	return persistErr("update_title", id, errors.New("too many concurrent writers"))
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
