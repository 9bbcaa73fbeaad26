package models

import (
	"testing"
	"time"

	"gotest.tools/assert"
)

func sighting(id PeerIdentity, rssi int, ts time.Time) Advertisement {
	return Advertisement{Identity: id, RSSI: rssi, Timestamp: ts}
}

func TestSetter(t *testing.T) {
	x := NewRssiMap()
	id := NewPeerIdentity()
	now := time.Now()
	assert.Assert(t, x.Set(sighting(id, -60, now)))
	assert.Assert(t, !x.Set(sighting(id, -40, now.Add(time.Second))))
	a, ok := x.Get(id)
	assert.Assert(t, ok)
	assert.Equal(t, a.RSSI, -40)
	assert.Equal(t, x.Len(), 1)
}

func TestMostRecentWins(t *testing.T) {
	x := NewRssiMap()
	id := NewPeerIdentity()
	now := time.Now()
	x.Set(sighting(id, -90, now))
	// stronger but older
	x.Set(sighting(id, -30, now.Add(-time.Second)))
	a, _ := x.Get(id)
	assert.Equal(t, a.RSSI, -90)
}

func TestExpire(t *testing.T) {
	x := NewRssiMap()
	stale, fresh := NewPeerIdentity(), NewPeerIdentity()
	now := time.Now()
	x.Set(sighting(stale, -70, now.Add(-time.Minute)))
	x.Set(sighting(fresh, -70, now))
	lost := x.Expire(now.Add(-time.Second))
	assert.Equal(t, len(lost), 1)
	assert.Equal(t, lost[0].Identity, stale)
	_, ok := x.Get(stale)
	assert.Assert(t, !ok)
	_, ok = x.Get(fresh)
	assert.Assert(t, ok)
	assert.Assert(t, x.Set(sighting(stale, -70, now)))
}
