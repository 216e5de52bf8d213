package supervisor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExpiryTracker_UpsertThenPopExpired(t *testing.T) {
	tr := newExpiryTracker()
	now := time.Now()

	k1 := channelEventKey{channelID: 1, eventType: "VMD"}
	k2 := channelEventKey{channelID: 2, eventType: "tamperdetection"}

	tr.upsert(k1, now.Add(10*time.Millisecond))
	tr.upsert(k2, now.Add(50*time.Millisecond))

	assert.True(t, tr.contains(k1))
	assert.True(t, tr.contains(k2))

	expired := tr.popExpired(now.Add(20 * time.Millisecond))
	assert.Equal(t, []channelEventKey{k1}, expired)
	assert.False(t, tr.contains(k1))
	assert.True(t, tr.contains(k2))

	expired2 := tr.popExpired(now.Add(60 * time.Millisecond))
	assert.Equal(t, []channelEventKey{k2}, expired2)
}

func TestExpiryTracker_RefreshDelaysExpiry(t *testing.T) {
	tr := newExpiryTracker()
	now := time.Now()
	k := channelEventKey{channelID: 1, eventType: "VMD"}

	tr.upsert(k, now.Add(10*time.Millisecond))
	tr.upsert(k, now.Add(100*time.Millisecond)) // refresh, not a new entry

	next, ok := tr.nextExpiry()
	assert.True(t, ok)
	assert.WithinDuration(t, now.Add(100*time.Millisecond), next, 5*time.Millisecond)

	assert.Empty(t, tr.popExpired(now.Add(20 * time.Millisecond)))
}

func TestExpiryTracker_RemoveDropsEntry(t *testing.T) {
	tr := newExpiryTracker()
	k := channelEventKey{channelID: 1, eventType: "VMD"}
	tr.upsert(k, time.Now().Add(time.Second))
	tr.remove(k)
	assert.False(t, tr.contains(k))
	_, ok := tr.nextExpiry()
	assert.False(t, ok)
}

func TestExpiryTracker_ClearEmptiesHeapAndIndex(t *testing.T) {
	tr := newExpiryTracker()
	tr.upsert(channelEventKey{channelID: 1, eventType: "VMD"}, time.Now().Add(time.Second))
	tr.upsert(channelEventKey{channelID: 2, eventType: "VMD"}, time.Now().Add(time.Second))
	tr.clear()
	assert.Empty(t, tr.keys())
	_, ok := tr.nextExpiry()
	assert.False(t, ok)
}
