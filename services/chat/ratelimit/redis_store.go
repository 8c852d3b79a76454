// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKeyPrefix matches the key layout used by the hosted
// deployment: rate-limit:<identifier>:<YYYY-MM-DD>.
const DefaultRedisKeyPrefix = "rate-limit:"

const dayLayout = "2006-01-02"

// consumeScript reads the current count and only increments while it is
// below the limit. The expiry is set once, on the write that creates the
// key, to the window end in unix milliseconds.
var consumeScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local max = tonumber(ARGV[1])
if current >= max then
  return {current, 0}
end
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('PEXPIREAT', KEYS[1], ARGV[2])
end
return {count, 1}
`)

// RedisStore keeps counters in Redis with native per-key expiry.
//
// Description:
//
//	Consume runs as a single Lua script, so concurrent requests from any
//	number of processes never lose an update. Keys expire at window end,
//	which makes Sweep unnecessary.
//
// Thread Safety: Safe for concurrent use.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	owned  bool
}

// NewRedisStore wraps an existing client. The caller keeps ownership of
// client; Close does not close it.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

// NewRedisStoreFromURL dials the redis:// or rediss:// URL. Close closes
// the client.
func NewRedisStoreFromURL(ctx context.Context, url, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis store: invalid url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis store: ping %s: %w", opts.Addr, err)
	}
	s := NewRedisStore(client, prefix)
	s.owned = true
	return s, nil
}

// Key returns the redis key for identifier in the window starting at
// windowStart. Day-long windows use the calendar date.
func (s *RedisStore) Key(identifier string, windowStart, windowEnd time.Time) string {
	if windowEnd.Sub(windowStart) == 24*time.Hour {
		return s.prefix + identifier + ":" + windowStart.UTC().Format(dayLayout)
	}
	return s.prefix + identifier + ":" + strconv.FormatInt(windowStart.Unix(), 10)
}

// Consume implements Store.
func (s *RedisStore) Consume(ctx context.Context, identifier string, windowStart, windowEnd time.Time, max int) (int, bool, error) {
	res, err := consumeScript.Run(ctx, s.client,
		[]string{s.Key(identifier, windowStart, windowEnd)},
		max, windowEnd.UnixMilli(),
	).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("redis store: consume: %w", err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("redis store: consume returned %d values", len(res))
	}
	return int(res[0]), res[1] == 1, nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, identifier string, windowStart, windowEnd time.Time) (Record, bool, error) {
	count, err := s.client.Get(ctx, s.Key(identifier, windowStart, windowEnd)).Int()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("redis store: get: %w", err)
	}
	return Record{
		Identifier:  identifier,
		Count:       count,
		WindowStart: windowStart,
		WindowEnd:   windowEnd,
	}, true, nil
}

// List implements Store using SCAN, so it is safe against a live server.
func (s *RedisStore) List(ctx context.Context) ([]Record, error) {
	var out []Record
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		rec, ok := s.parseKey(key)
		if !ok {
			continue
		}
		count, err := s.client.Get(ctx, key).Int()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("redis store: get %s: %w", key, err)
		}
		rec.Count = count
		if rec.WindowEnd.IsZero() {
			if ttl, err := s.client.PTTL(ctx, key).Result(); err == nil && ttl > 0 {
				rec.WindowEnd = time.Now().Add(ttl).Truncate(time.Second)
			}
		}
		out = append(out, rec)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis store: scan: %w", err)
	}
	return out, nil
}

// parseKey splits prefix<identifier>:<suffix>. Identifiers may contain
// colons (IPv6), so the suffix is taken after the last one.
func (s *RedisStore) parseKey(key string) (Record, bool) {
	rest := strings.TrimPrefix(key, s.prefix)
	i := strings.LastIndexByte(rest, ':')
	if i <= 0 {
		return Record{}, false
	}
	rec := Record{Identifier: rest[:i]}
	suffix := rest[i+1:]
	if day, err := time.Parse(dayLayout, suffix); err == nil {
		rec.WindowStart = day
		rec.WindowEnd = day.Add(24 * time.Hour)
		return rec, true
	}
	if unix, err := strconv.ParseInt(suffix, 10, 64); err == nil {
		rec.WindowStart = time.Unix(unix, 0).UTC()
		return rec, true
	}
	return Record{}, false
}

// Sweep implements Store. Keys expire on their own.
func (s *RedisStore) Sweep(context.Context, time.Time) (int, error) {
	return 0, nil
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close implements Store.
func (s *RedisStore) Close() error {
	if s.owned {
		return s.client.Close()
	}
	return nil
}
