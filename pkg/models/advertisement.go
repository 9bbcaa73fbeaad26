package models

import "time"

// Advertisement is a single sighting of a remote peer
type Advertisement struct {
	Identity    PeerIdentity
	ServiceUUID string
	Addr        string
	RSSI        int
	Timestamp   time.Time
}

// AdvertisingPacket is what a node asks the radio to broadcast
type AdvertisingPacket struct {
	Identity    PeerIdentity
	ServiceUUID string
	Interval    time.Duration
}

// LocalName is the name carried by the packet
func (p AdvertisingPacket) LocalName() string { return p.Identity.LocalName() }

// DiscoveryEventKind is an enum for scanner events
type DiscoveryEventKind int

const (
	// PeerDiscovered is emitted on the first sighting of a peer
	PeerDiscovered DiscoveryEventKind = iota
	// PeerLost is emitted when a peer has not been seen for the discovery timeout
	PeerLost
)

func (k DiscoveryEventKind) String() string {
	switch k {
	case PeerDiscovered:
		return "PeerDiscovered"
	case PeerLost:
		return "PeerLost"
	}
	return "Unknown"
}

// DiscoveryEvent carries the advertisement that caused it; for PeerLost it is the last one seen
type DiscoveryEvent struct {
	Kind          DiscoveryEventKind
	Advertisement Advertisement
}
