package models

// SessionState is an enum for all possible states of a session
type SessionState int

const (
	// Idle indicates nothing has been attempted yet
	Idle SessionState = iota
	// Connecting indicates a connection attempt is in progress
	Connecting
	// Connected indicates the link is up and chunks can flow
	Connected
	// Disconnected indicates the link is gone or the attempt failed
	Disconnected
)

func (s SessionState) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Disconnected:
		return "Disconnected"
	}
	return "Unknown"
}

// Role is the GATT role the local node plays in a session
type Role int

const (
	// Central opened the connection and writes to the characteristic
	Central Role = iota
	// Peripheral accepted the connection and indicates on the characteristic
	Peripheral
)

func (r Role) String() string {
	if r == Central {
		return "central"
	}
	return "peripheral"
}
