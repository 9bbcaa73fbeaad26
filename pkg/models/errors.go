package models

import "github.com/pkg/errors"

var (
	ErrRadioUnavailable  = errors.New("radio unavailable")
	ErrAdvertiseFailed   = errors.New("advertise failed")
	ErrConnectFailed     = errors.New("connect failed")
	ErrDuplicateSession  = errors.New("duplicate session")
	ErrReassemblyTimeout = errors.New("reassembly timeout")
	ErrMalformedChunk    = errors.New("malformed chunk")
	ErrMessageTooLarge   = errors.New("message too large")
	ErrNotConnected      = errors.New("not connected")
	ErrUnknownPeer       = errors.New("unknown peer")
	ErrIdleTimeout       = errors.New("idle timeout")
	ErrStopped           = errors.New("stopped")
	ErrDisconnected      = errors.New("disconnected")
)
