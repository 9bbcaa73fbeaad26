package models

// NodeListener receives everything a node reports asynchronously
type NodeListener interface {
	OnConnected(PeerIdentity, Role)
	OnDisconnected(PeerIdentity)
	OnConnectFailed(PeerIdentity, error)
	OnMessageReceived(PeerIdentity, []byte)
	OnMessageDiscarded(PeerIdentity, error)
	OnInternalError(error)
}

// NopListener ignores every event
type NopListener struct{}

func (NopListener) OnConnected(PeerIdentity, Role)         {}
func (NopListener) OnDisconnected(PeerIdentity)            {}
func (NopListener) OnConnectFailed(PeerIdentity, error)    {}
func (NopListener) OnMessageReceived(PeerIdentity, []byte) {}
func (NopListener) OnMessageDiscarded(PeerIdentity, error) {}
func (NopListener) OnInternalError(error)                  {}
