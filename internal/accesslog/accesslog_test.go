// SPDX-License-Identifier: MIT

package accesslog

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vstreamlab/hlsgate/internal/kv"
)

func newTestWriter(t *testing.T) (*Writer, *Reader, *kv.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := kv.NewFromClient(client, true)
	w := NewWriter(store, 64)
	return w, NewReader(store), store
}

func TestLogAccessRouting(t *testing.T) {
	w, r, _ := newTestWriter(t)
	ctx := context.Background()

	w.LogAccess("315", "1.2.3.4", "ua", "/a.m3u8", true, "", false)
	w.LogAccess("", "1.2.3.4", "ua", "/b.m3u8", false, "whitelist_miss", false)
	w.Close()

	recent, err := r.Entries(ctx, RingRecent, 0)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "315", recent[0]["uid"])
	assert.Equal(t, true, recent[0]["allowed"])

	denied, err := r.Entries(ctx, RingDenied, 0)
	require.NoError(t, err)
	require.Len(t, denied, 1)
	assert.Equal(t, "unknown", denied[0]["uid"])
	assert.Equal(t, "whitelist_miss", denied[0]["reason"])
}

func TestRingTrimAndTTL(t *testing.T) {
	w, r, store := newTestWriter(t)
	ctx := context.Background()

	for i := 0; i < AccessRingCap+20; i++ {
		w.LogAccess("u", "1.1.1.1", "ua", fmt.Sprintf("/p%d", i), true, "", false)
	}
	w.Close()

	n, err := store.LLen(ctx, RingRecent)
	require.NoError(t, err)
	assert.Equal(t, int64(AccessRingCap), n)

	ttl, err := store.TTL(ctx, RingRecent)
	require.NoError(t, err)
	assert.Greater(t, ttl, 6*24*time.Hour)

	// Newest first.
	entries, err := r.Entries(ctx, RingRecent, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, fmt.Sprintf("/p%d", AccessRingCap+19), entries[0]["path"])
}

func TestEventFieldBounds(t *testing.T) {
	w, r, _ := newTestWriter(t)
	ctx := context.Background()

	longUA := make([]byte, 900)
	longURL := make([]byte, 900)
	for i := range longUA {
		longUA[i] = 'u'
		longURL[i] = 'x'
	}
	w.LogEvent(RingReplay, EventRecord{
		UID:     "315",
		Path:    "/v/index.m3u8",
		FullURL: string(longURL),
		IP:      "1.2.3.4",
		UA:      string(longUA),
		Count:   2,
		MaxUses: 1,
		Blocked: true,
	})
	w.Close()

	entries, err := r.Entries(ctx, RingReplay, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Len(t, entries[0]["ua"], 200)
	assert.Len(t, entries[0]["full_url"], 500)
	assert.Equal(t, true, entries[0]["blocked"])
}

func TestSummaries(t *testing.T) {
	w, r, _ := newTestWriter(t)
	ctx := context.Background()

	w.LogAccess("u", "1.1.1.1", "ua", "/ok", true, "", false)
	w.LogAccess("u", "1.1.1.1", "ua", "/no", false, "denied", false)
	w.LogEvent(RingReplay, EventRecord{UID: "u", Path: "/p", IP: "1.1.1.1", Count: 3, MaxUses: 1, Blocked: true})
	w.LogEvent(RingReplay, EventRecord{UID: "u", Path: "/p", IP: "1.1.1.1", Count: 2, MaxUses: 3, Blocked: false})
	w.Close()

	access, err := r.AccessSummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), access["denied_count"])
	assert.Equal(t, int64(1), access["recent_count"])

	events, err := r.EventSummary(ctx, RingReplay)
	require.NoError(t, err)
	assert.Equal(t, int64(2), events["total_count"])
	assert.Equal(t, 1, events["recent_blocked_count"])
}
