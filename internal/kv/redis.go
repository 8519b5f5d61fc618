package kv

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisValueField   = "v"
	redisVersionField = "ver"
	redisScanCount    = 200
	redisBlindRetries = 3
)

// RedisStore keeps each entry in a hash holding the value and its version.
// Batches use WATCH/MULTI so a concurrent write to any touched key aborts the commit.
type RedisStore struct {
	client    *redis.Client
	namespace string
}

// NewRedisStore wraps a client. namespace prefixes every key, e.g. "relay:".
func NewRedisStore(client *redis.Client, namespace string) *RedisStore {
	return &RedisStore{client: client, namespace: namespace}
}

// OpenRedis parses a redis:// or rediss:// URL and pings the server.
func OpenRedis(ctx context.Context, url, namespace string) (*RedisStore, error) {
	opt, errParse := redis.ParseURL(url)
	if errParse != nil {
		return nil, fmt.Errorf("kv: parse redis url: %w", errParse)
	}
	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if errPing := client.Ping(pingCtx).Err(); errPing != nil {
		_ = client.Close()
		return nil, fmt.Errorf("kv: ping redis: %w", errPing)
	}
	return NewRedisStore(client, namespace), nil
}

func (s *RedisStore) redisKey(key string) string { return s.namespace + key }

func (s *RedisStore) Get(ctx context.Context, key string) (Entry, error) {
	if key == "" {
		return Entry{}, ErrEmptyKey
	}
	return s.get(ctx, s.client, key)
}

func (s *RedisStore) get(ctx context.Context, cmd redis.Cmdable, key string) (Entry, error) {
	vals, errGet := cmd.HMGet(ctx, s.redisKey(key), redisValueField, redisVersionField).Result()
	if errGet != nil {
		return Entry{}, fmt.Errorf("kv: get %s: %w", key, errGet)
	}
	return decodeRedisEntry(key, vals)
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	_, errCommit := s.Atomic().Set(key, value).Commit(ctx)
	return errCommit
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	_, errCommit := s.Atomic().Delete(key).Commit(ctx)
	return errCommit
}

func (s *RedisStore) List(ctx context.Context, prefix string) ([]Entry, error) {
	pattern := escapeGlob(s.redisKey(prefix)) + "*"
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, redisScanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), s.namespace))
	}
	if errIter := iter.Err(); errIter != nil {
		return nil, fmt.Errorf("kv: list %s: %w", prefix, errIter)
	}
	sort.Strings(keys)

	pipe := s.client.Pipeline()
	cmds := make([]*redis.SliceCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.HMGet(ctx, s.redisKey(key), redisValueField, redisVersionField)
	}
	if len(keys) > 0 {
		if _, errExec := pipe.Exec(ctx); errExec != nil {
			return nil, fmt.Errorf("kv: list %s: %w", prefix, errExec)
		}
	}
	out := make([]Entry, 0, len(keys))
	for i, key := range keys {
		entry, errDecode := decodeRedisEntry(key, cmds[i].Val())
		if errDecode != nil {
			return nil, errDecode
		}
		// Deleted between SCAN and HMGET.
		if !entry.Found() {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

func (s *RedisStore) Atomic() *Batch { return newBatch(s) }

func (s *RedisStore) Close() error { return s.client.Close() }

func (s *RedisStore) commit(ctx context.Context, checks []Check, mutations []Mutation) (bool, error) {
	watched := make([]string, 0, len(checks)+len(mutations))
	seen := make(map[string]struct{}, cap(watched))
	for _, check := range checks {
		if _, ok := seen[check.Key]; !ok {
			seen[check.Key] = struct{}{}
			watched = append(watched, s.redisKey(check.Key))
		}
	}
	for _, m := range mutations {
		if _, ok := seen[m.Key]; !ok {
			seen[m.Key] = struct{}{}
			watched = append(watched, s.redisKey(m.Key))
		}
	}

	for attempt := 0; ; attempt++ {
		ok, errCommit := s.commitOnce(ctx, watched, checks, mutations)
		// Without checks a lost race only means another writer touched the key first.
		if errors.Is(errCommit, redis.TxFailedErr) && len(checks) == 0 && attempt < redisBlindRetries {
			continue
		}
		if errors.Is(errCommit, redis.TxFailedErr) {
			return false, nil
		}
		if errCommit != nil {
			return false, fmt.Errorf("kv: commit: %w", errCommit)
		}
		return ok, nil
	}
}

func (s *RedisStore) commitOnce(ctx context.Context, watched []string, checks []Check, mutations []Mutation) (bool, error) {
	checkFailed := false
	errWatch := s.client.Watch(ctx, func(tx *redis.Tx) error {
		for _, check := range checks {
			entry, errGet := s.get(ctx, tx, check.Key)
			if errGet != nil {
				return errGet
			}
			if entry.Version != check.Version {
				checkFailed = true
				return nil
			}
		}
		previous := make(map[string]int64, len(mutations))
		for _, m := range mutations {
			if m.Delete {
				continue
			}
			if _, ok := previous[m.Key]; ok {
				continue
			}
			entry, errGet := s.get(ctx, tx, m.Key)
			if errGet != nil {
				return errGet
			}
			previous[m.Key] = entry.Version
		}
		now := time.Now().UnixNano()
		_, errExec := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, m := range mutations {
				if m.Delete {
					pipe.Del(ctx, s.redisKey(m.Key))
					continue
				}
				version := nextVersion(previous[m.Key], now)
				previous[m.Key] = version
				pipe.HSet(ctx, s.redisKey(m.Key), redisValueField, m.Value, redisVersionField, version)
			}
			return nil
		})
		return errExec
	}, watched...)
	if errWatch != nil {
		return false, errWatch
	}
	return !checkFailed, nil
}

func decodeRedisEntry(key string, vals []any) (Entry, error) {
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return Entry{Key: key}, nil
	}
	value, _ := vals[0].(string)
	rawVersion, _ := vals[1].(string)
	version, errParse := strconv.ParseInt(rawVersion, 10, 64)
	if errParse != nil {
		return Entry{}, fmt.Errorf("kv: decode version of %s: %w", key, errParse)
	}
	return Entry{Key: key, Value: []byte(value), Version: version}, nil
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
