package util

import "time"

const (
	// MTU is the ATT MTU requested from the remote side when a connection is established
	MTU = 256
	// MinMTU is the default and smallest ATT MTU of a LE link
	MinMTU = 23
	// ATTWriteOverhead is the number of bytes of every ATT write used by opcode and handle
	ATTWriteOverhead = 3
	// MainServiceUUID represents UUID for the ble service every peer advertises and hosts
	MainServiceUUID = "BE92D831-6750-4EBF-B83F-E42801AB1A13"
	// MessageCharUUID represents UUID for ble characteristic which carries message chunks in both directions
	MessageCharUUID = "FFD50BE8-082C-45BC-87D9-E46B4C0F31F6"
	// LocalNamePrefix marks advertised local names that carry a peer identity
	LocalNamePrefix = "BK"
)

const (
	// DiscoveryTimeout is how long a peer may stay silent before it is reported lost
	DiscoveryTimeout = 12 * time.Second
	// ConnectTimeout bounds a single connection attempt
	ConnectTimeout = 5 * time.Second
	// HandshakeTimeout bounds the wait for the hello chunk on an inbound connection
	HandshakeTimeout = 3 * time.Second
	// IdleTimeout is the inactivity period after which a session is pruned
	IdleTimeout = 30 * time.Second
	// ReassemblyTimeout is the quiet period after which a partial message is discarded
	ReassemblyTimeout = 3 * time.Second
	// AdvertiseInterval is the default advertising interval
	AdvertiseInterval = 100 * time.Millisecond
	// MaxMessageSize bounds the payload of a single message
	MaxMessageSize = 256 * 1024
	// MaxConnections bounds concurrently initiated connections
	MaxConnections = 5
	// SeenMessagesLimit bounds the cache of message ids already handled
	SeenMessagesLimit = 1024
	// TimeToLiveDefault is the number of relays a broadcast message may take
	TimeToLiveDefault = 15
)
