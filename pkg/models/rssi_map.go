package models

import (
	"encoding/json"
	"sync"
	"time"
)

// RssiMap keeps the most recent advertisement of every peer in range
type RssiMap struct {
	data  map[PeerIdentity]Advertisement
	mutex sync.RWMutex
}

// NewRssiMap will return newly init struct
func NewRssiMap() *RssiMap {
	return &RssiMap{data: map[PeerIdentity]Advertisement{}}
}

// Set records a sighting. The most recent advertisement wins regardless of signal strength;
// an older one is ignored. Returns true when the peer was not present before.
func (rm *RssiMap) Set(a Advertisement) bool {
	rm.mutex.Lock()
	defer rm.mutex.Unlock()
	prev, ok := rm.data[a.Identity]
	if ok && a.Timestamp.Before(prev.Timestamp) {
		return false
	}
	rm.data[a.Identity] = a
	return !ok
}

// Get will get from map
func (rm *RssiMap) Get(id PeerIdentity) (Advertisement, bool) {
	rm.mutex.RLock()
	defer rm.mutex.RUnlock()
	a, ok := rm.data[id]
	return a, ok
}

// Remove forgets a peer
func (rm *RssiMap) Remove(id PeerIdentity) {
	rm.mutex.Lock()
	delete(rm.data, id)
	rm.mutex.Unlock()
}

// Expire removes and returns every peer last seen before the given time
func (rm *RssiMap) Expire(before time.Time) []Advertisement {
	rm.mutex.Lock()
	defer rm.mutex.Unlock()
	lost := []Advertisement{}
	for id, a := range rm.data {
		if a.Timestamp.Before(before) {
			lost = append(lost, a)
			delete(rm.data, id)
		}
	}
	return lost
}

// GetAll will get a copy of all data from map
func (rm *RssiMap) GetAll() map[PeerIdentity]Advertisement {
	rm.mutex.RLock()
	defer rm.mutex.RUnlock()
	ret := make(map[PeerIdentity]Advertisement, len(rm.data))
	for k, v := range rm.data {
		ret[k] = v
	}
	return ret
}

func (rm *RssiMap) Len() int {
	rm.mutex.RLock()
	defer rm.mutex.RUnlock()
	return len(rm.data)
}

// String returns json string of identity to rssi
func (rm *RssiMap) String() string {
	out := map[string]int{}
	for id, a := range rm.GetAll() {
		out[id.String()] = a.RSSI
	}
	b, _ := json.Marshal(out)
	return string(b)
}
