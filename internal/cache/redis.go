package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	metaID        = "_id"
	metaUUID      = "_uuid"
	metaYardID    = "_yard_id"
	metaUpdatedAt = "_updated_at"

	drainBatch = 512
)

// Redis is a Store shared by all replicas. Each entry is a hash whose
// fields hold JSON values, so concurrent merges of different fields do not
// overwrite each other. Touched keys live in a set drained with SPOP.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis wraps a client. Entries expire after ttl without updates; zero
// keeps them forever.
func NewRedis(client *redis.Client, prefix string, ttl time.Duration) *Redis {
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

func (r *Redis) entryKey(kind Kind, key string) string {
	return r.prefix + "cache:" + string(kind) + ":" + key
}

func (r *Redis) touchedKey(kind Kind) string {
	return r.prefix + "cache:touched:" + string(kind)
}

// Touch implements Store.
func (r *Redis) Touch(ctx context.Context, e Entry) error {
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now()
	}
	values, err := encodeHash(e)
	if err != nil {
		return err
	}
	key := r.entryKey(e.Kind, e.Key())
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, values)
		if r.ttl > 0 {
			pipe.Expire(ctx, key, r.ttl)
		}
		pipe.SAdd(ctx, r.touchedKey(e.Kind), e.Key())
		return nil
	})
	return err
}

// Get implements Store.
func (r *Redis) Get(ctx context.Context, kind Kind, key string) (Entry, bool, error) {
	h, err := r.client.HGetAll(ctx, r.entryKey(kind, key)).Result()
	if err != nil {
		return Entry{}, false, err
	}
	if len(h) == 0 {
		return Entry{}, false, nil
	}
	e, err := decodeHash(kind, h)
	return e, err == nil, err
}

// Drain implements Store.
func (r *Redis) Drain(ctx context.Context, kind Kind) ([]Entry, error) {
	var keys []string
	for {
		batch, err := r.client.SPopN(ctx, r.touchedKey(kind), drainBatch).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, err
		}
		keys = append(keys, batch...)
		if len(batch) < drainBatch {
			break
		}
	}
	if len(keys) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(keys))
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = pipe.HGetAll(ctx, r.entryKey(kind, k))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(keys))
	for _, c := range cmds {
		h := c.Val()
		if len(h) == 0 {
			continue
		}
		e, err := decodeHash(kind, h)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *Redis) blockedKey() string { return r.prefix + "blocked_agents" }

// Block records uuid in the shared block list with the time it was cut off.
func (r *Redis) Block(ctx context.Context, uuid string) error {
	return r.client.HSet(ctx, r.blockedKey(), uuid, time.Now().UTC().Format(time.RFC3339Nano)).Err()
}

// Unblock removes uuid from the shared block list.
func (r *Redis) Unblock(ctx context.Context, uuid string) error {
	return r.client.HDel(ctx, r.blockedKey(), uuid).Err()
}

// IsBlocked reports whether uuid is in the shared block list.
func (r *Redis) IsBlocked(ctx context.Context, uuid string) (bool, error) {
	return r.client.HExists(ctx, r.blockedKey(), uuid).Result()
}

// Close implements Store.
func (r *Redis) Close() error { return r.client.Close() }

func encodeHash(e Entry) (map[string]any, error) {
	values := map[string]any{
		metaID:        strconv.FormatInt(e.ID, 10),
		metaYardID:    strconv.FormatInt(e.YardID, 10),
		metaUpdatedAt: e.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if e.UUID != "" {
		values[metaUUID] = e.UUID
	}
	if e.ID == 0 {
		delete(values, metaID)
	}
	if e.YardID == 0 {
		delete(values, metaYardID)
	}
	for k, v := range e.Fields {
		if strings.HasPrefix(k, "_") {
			return nil, fmt.Errorf("cache field %q: leading underscore is reserved", k)
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("cache field %q: %w", k, err)
		}
		values[k] = string(b)
	}
	return values, nil
}

func decodeHash(kind Kind, h map[string]string) (Entry, error) {
	e := Entry{Kind: kind, Fields: map[string]any{}}
	for k, v := range h {
		var err error
		switch k {
		case metaID:
			e.ID, err = strconv.ParseInt(v, 10, 64)
		case metaYardID:
			e.YardID, err = strconv.ParseInt(v, 10, 64)
		case metaUUID:
			e.UUID = v
		case metaUpdatedAt:
			e.UpdatedAt, err = time.Parse(time.RFC3339Nano, v)
		default:
			var val any
			err = json.Unmarshal([]byte(v), &val)
			e.Fields[k] = val
		}
		if err != nil {
			return Entry{}, fmt.Errorf("decode cache field %q: %w", k, err)
		}
	}
	return e, nil
}
