// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cache

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ nanos atomic.Int64 }

func newClock() *clock {
	c := &clock{}
	c.nanos.Store(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC).UnixNano())
	return c
}

func (c *clock) Now() time.Time          { return time.Unix(0, c.nanos.Load()) }
func (c *clock) Advance(d time.Duration) { c.nanos.Add(int64(d)) }

func openCache(t *testing.T, path string, clk *clock) *Cache {
	t.Helper()
	c, err := Open(context.Background(), Config{Path: path, TTL: time.Hour, Now: clk.Now})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestSetSharesArtifactAcrossTokens(t *testing.T) {
	ctx := context.Background()
	c := openCache(t, "", newClock())
	params := map[string]any{"driver": "csv.extract", "path": "orders.csv"}

	a, err := c.Set(ctx, params, "run-1", []byte("rows"))
	require.NoError(t, err)
	b, err := c.Set(ctx, params, "run-2", []byte("rows"))
	require.NoError(t, err)

	assert.Equal(t, a.ArtifactID, b.ArtifactID)
	assert.NotEqual(t, a.Key, b.Key)

	artifacts, lookups, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, artifacts)
	assert.Equal(t, 2, lookups)

	other, err := c.Set(ctx, map[string]any{"driver": "csv.extract", "path": "users.csv"}, "run-1", []byte("users"))
	require.NoError(t, err)
	assert.NotEqual(t, a.ArtifactID, other.ArtifactID)

	got, ok, err := c.Get(ctx, params, "run-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("rows"), got.Value)

	_, ok, err = c.Get(ctx, params, "run-3")
	require.NoError(t, err)
	assert.False(t, ok, "an unknown token is a miss")
}

func TestArtifactIDIgnoresMapOrder(t *testing.T) {
	a, err := ArtifactID(map[string]any{"a": 1, "b": "x"})
	require.NoError(t, err)
	b, err := ArtifactID(map[string]any{"b": "x", "a": 1})
	require.NoError(t, err)
	assert.Equal(t, a, b)

	k1, err := LookupKey(map[string]any{"a": 1}, "t1")
	require.NoError(t, err)
	k2, err := LookupKey(map[string]any{"a": 1}, "t2")
	require.NoError(t, err)
	assert.NotEqual(t, k1, k2)
}

func TestExpiryAndPurge(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	path := filepath.Join(t.TempDir(), "cache.db")
	c := openCache(t, path, clk)

	_, err := c.Set(ctx, "old", "t", []byte("1"))
	require.NoError(t, err)
	clk.Advance(30 * time.Minute)
	_, err = c.Set(ctx, "new", "t", []byte("2"))
	require.NoError(t, err)

	clk.Advance(45 * time.Minute)
	_, ok, err := c.Get(ctx, "old", "t")
	require.NoError(t, err)
	assert.False(t, ok, "expired entries are misses before purge")

	removed, err := c.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	artifacts, lookups, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, artifacts)
	assert.Equal(t, 1, lookups)

	// Turning the clock back does not resurrect a purged entry.
	clk.Advance(-2 * time.Hour)
	_, ok, err = c.Get(ctx, "old", "t")
	require.NoError(t, err)
	assert.False(t, ok)

	// Neither does reopening the persisted index.
	require.NoError(t, c.Close())
	reopened := openCache(t, path, clk)
	_, ok, err = reopened.Get(ctx, "old", "t")
	require.NoError(t, err)
	assert.False(t, ok)
	got, ok, err := reopened.Get(ctx, "new", "t")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("2"), got.Value)
}

func TestRefreshFromAnotherProcessIsSeen(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	path := filepath.Join(t.TempDir(), "cache.db")
	writer := openCache(t, path, clk)
	reader := openCache(t, path, clk)

	_, err := writer.Set(ctx, "params", "t", []byte("v1"))
	require.NoError(t, err)
	first, ok, err := reader.Get(ctx, "params", "t")
	require.NoError(t, err)
	require.True(t, ok)

	clk.Advance(50 * time.Minute)
	refreshed, err := writer.Set(ctx, "params", "t", []byte("v2"))
	require.NoError(t, err)
	require.True(t, refreshed.ExpiresAt.After(first.ExpiresAt))

	// Past the expiry the reader loaded, before the refreshed one.
	clk.Advance(20 * time.Minute)
	removed, err := reader.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)

	got, ok, err := reader.Get(ctx, "params", "t")
	require.NoError(t, err)
	require.True(t, ok, "refreshed entry must not be treated as expired")
	assert.Equal(t, []byte("v2"), got.Value)
	assert.Equal(t, refreshed.ExpiresAt.UnixNano(), got.ExpiresAt.UnixNano())

	artifacts, lookups, err := writer.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, artifacts)
	assert.Equal(t, 1, lookups)
}

func TestPurgeAll(t *testing.T) {
	ctx := context.Background()
	c := openCache(t, filepath.Join(t.TempDir(), "cache.db"), newClock())
	for i := 0; i < 5; i++ {
		_, err := c.Set(ctx, i, "t", []byte{byte(i)})
		require.NoError(t, err)
	}
	removed, err := c.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, removed)

	_, ok, err := c.Get(ctx, 3, "t")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConcurrentCallersStayCoherent(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	c := openCache(t, filepath.Join(t.TempDir(), "cache.db"), clk)

	const callers = 64
	const keys = 8
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				params := map[string]int{"k": (i + j) % keys}
				token := fmt.Sprintf("caller-%d", i)
				switch j % 4 {
				case 0, 1:
					_, err := c.Set(ctx, params, token, []byte(fmt.Sprint(params["k"])))
					assert.NoError(t, err)
				case 2:
					e, ok, err := c.Get(ctx, params, token)
					assert.NoError(t, err)
					if ok {
						assert.Equal(t, fmt.Sprint(params["k"]), string(e.Value))
					}
				case 3:
					_, err := c.PurgeExpired(ctx)
					assert.NoError(t, err)
					if i%8 == 0 {
						clk.Advance(time.Minute)
					}
				}
			}
		}(i)
	}
	wg.Wait()

	artifacts, _, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.LessOrEqual(t, artifacts, keys, "at most one artifact per logical key")

	clk.Advance(2 * time.Hour)
	_, err = c.PurgeExpired(ctx)
	require.NoError(t, err)

	artifacts, lookups, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, artifacts)
	assert.Zero(t, lookups)
	for i := 0; i < callers; i++ {
		for k := 0; k < keys; k++ {
			_, ok, err := c.Get(ctx, map[string]int{"k": k}, fmt.Sprintf("caller-%d", i))
			require.NoError(t, err)
			assert.False(t, ok)
		}
	}
	c.mu.Lock()
	assert.Empty(t, c.artifacts)
	assert.Empty(t, c.lookups)
	c.mu.Unlock()
}

func TestOpenRejectsZeroTTL(t *testing.T) {
	_, err := Open(context.Background(), Config{})
	assert.Error(t, err)
}
