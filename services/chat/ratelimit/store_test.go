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
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisStore_KeyLayoutAndExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	now := time.Date(2025, 6, 1, 18, 0, 0, 0, time.UTC)
	mr.SetTime(now)

	store := NewRedisStore(client, "")
	l := New(store, Config{Now: func() time.Time { return now }})

	_, err := l.CheckAndConsume(context.Background(), "2001:db8::1")
	require.NoError(t, err)

	key := "rate-limit:2001:db8::1:2025-06-01"
	assert.True(t, mr.Exists(key))
	got, err := mr.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "1", got)
	assert.Equal(t, 6*time.Hour, mr.TTL(key), "expires at next UTC midnight")

	recs, err := store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "2001:db8::1", recs[0].Identifier)
	assert.Equal(t, 1, recs[0].Count)
	assert.Equal(t, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), recs[0].WindowStart)

	// Past the expiry the key is gone.
	mr.FastForward(6*time.Hour + time.Second)
	assert.False(t, mr.Exists(key))
}

func TestRedisStore_DeniedDoesNotIncrement(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	store := NewRedisStore(client, "test:")

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	mr.SetTime(start)
	end := start.Add(time.Hour)
	for i := 0; i < 3; i++ {
		_, _, err := store.Consume(context.Background(), "id", start, end, 2)
		require.NoError(t, err)
	}
	got, err := mr.Get(store.Key("id", start, end))
	require.NoError(t, err)
	assert.Equal(t, "2", got)
	assert.Equal(t, "test:id:1735689600", store.Key("id", start, end))
}

func TestRedisStore_Ping(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := NewRedisStoreFromURL(context.Background(), "redis://"+mr.Addr(), "")
	require.NoError(t, err)
	defer store.Close()
	assert.NoError(t, store.Ping(context.Background()))

	_, err = NewRedisStoreFromURL(context.Background(), "not a url", "")
	assert.Error(t, err)
}

func TestFileStore_PersistsAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "limits.json")
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	s1, err := NewFileStore(path)
	require.NoError(t, err)
	_, _, err = s1.Consume(context.Background(), "a", start, end, 10)
	require.NoError(t, err)
	_, _, err = s1.Consume(context.Background(), "a", start, end, 10)
	require.NoError(t, err)

	s2, err := NewFileStore(path)
	require.NoError(t, err)
	rec, found, err := s2.Get(context.Background(), "a", start, end)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 2, rec.Count)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc fileDocument
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Contains(t, doc.Records, "a")

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestFileStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "limits.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o600))
	s, err := NewFileStore(path)
	require.NoError(t, err)

	_, _, err = s.Consume(context.Background(), "a", time.Now(), time.Now().Add(time.Hour), 1)
	assert.Error(t, err)
}

func TestApplyConsume(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	rec, allowed, write := applyConsume(Record{}, false, "x", start, end, 3)
	assert.True(t, allowed)
	assert.True(t, write)
	assert.Equal(t, 1, rec.Count)

	rec.Count = 3
	same, allowed, write := applyConsume(rec, true, "x", start, end, 3)
	assert.False(t, allowed)
	assert.False(t, write)
	assert.Equal(t, rec, same)

	next, allowed, write := applyConsume(rec, true, "x", end, end.Add(24*time.Hour), 3)
	assert.True(t, allowed)
	assert.True(t, write)
	assert.Equal(t, 1, next.Count)
	assert.Equal(t, end, next.WindowStart)
}
