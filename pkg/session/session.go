package session

import (
	"context"
	"sync"
	"time"

	"github.com/Krajiyah/ble-p2p/pkg/framer"
	"github.com/Krajiyah/ble-p2p/pkg/models"
	"github.com/Krajiyah/ble-p2p/pkg/radio"
	"github.com/pkg/errors"
)

// Session is the state of the connection to one peer
type Session struct {
	identity    models.PeerIdentity
	role        models.Role
	maxSize     int
	reassembler *framer.Reassembler

	mutex        sync.Mutex
	state        models.SessionState
	link         radio.Link
	lastActivity time.Time
	cancel       context.CancelFunc

	writeMutex sync.Mutex
	ready      chan struct{}
	readyOnce  sync.Once
	done       chan struct{}
	closeOnce  sync.Once
}

func newSession(id models.PeerIdentity, role models.Role, config Config) *Session {
	s := &Session{
		identity:     id,
		role:         role,
		maxSize:      config.MaxMessageSize,
		state:        models.Idle,
		lastActivity: time.Now(),
		ready:        make(chan struct{}),
		done:         make(chan struct{}),
	}
	s.reassembler = framer.NewReassembler(config.MaxMessageSize, config.ReassemblyTimeout, func(_ uint32, err error) {
		if config.OnReassemblyTimeout != nil {
			config.OnReassemblyTimeout(id, err)
		}
	})
	return s
}

func (s *Session) Identity() models.PeerIdentity { return s.identity }
func (s *Session) Role() models.Role             { return s.role }

func (s *Session) State() models.SessionState {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.state
}

// SetState is used by the negotiator to walk an outbound attempt through Connecting and Disconnected
func (s *Session) SetState(state models.SessionState) {
	s.mutex.Lock()
	s.state = state
	s.mutex.Unlock()
}

func (s *Session) Link() radio.Link {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.link
}

func (s *Session) LastActivity() time.Time {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.lastActivity
}

// Touch records activity on the session
func (s *Session) Touch() {
	s.mutex.Lock()
	s.lastActivity = time.Now()
	s.mutex.Unlock()
}

// Ready is closed once the session is connected
func (s *Session) Ready() <-chan struct{} { return s.ready }

// Done is closed once the session is released
func (s *Session) Done() <-chan struct{} { return s.done }

// PendingTransfers is the number of partially received messages
func (s *Session) PendingTransfers() int { return s.reassembler.Pending() }

func (s *Session) connected(link radio.Link) {
	s.mutex.Lock()
	s.link = link
	s.state = models.Connected
	s.lastActivity = time.Now()
	s.cancel = nil
	s.mutex.Unlock()
	s.readyOnce.Do(func() { close(s.ready) })
}

// close tears the session down exactly once
func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.mutex.Lock()
		link, cancel := s.link, s.cancel
		s.state = models.Disconnected
		s.mutex.Unlock()
		if cancel != nil {
			cancel()
		}
		s.reassembler.Reset()
		if link != nil {
			link.Disconnect()
		}
		close(s.done)
	})
}

// WriteChunk writes a single chunk, waiting for the acknowledgement
func (s *Session) WriteChunk(ctx context.Context, c framer.Chunk) error {
	link := s.Link()
	if link == nil || s.State() != models.Connected {
		return models.ErrNotConnected
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	if err := link.Write(ctx, c.Encode()); err != nil {
		return err
	}
	s.Touch()
	return nil
}

// Send splits payload to the link's mtu and writes the chunks in order, one acknowledged write at a time.
// Writes of concurrent Sends on the same session never interleave.
func (s *Session) Send(ctx context.Context, payload []byte) error {
	link := s.Link()
	if link == nil || s.State() != models.Connected {
		return models.ErrNotConnected
	}
	if len(payload) > s.maxSize {
		return errors.Wrapf(models.ErrMessageTooLarge, "%d bytes", len(payload))
	}
	chunks, err := framer.Split(framer.NewTransferID(), payload, link.MTU())
	if err != nil {
		return err
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	for _, c := range chunks {
		select {
		case <-s.done:
			return models.ErrDisconnected
		default:
		}
		if err := link.Write(ctx, c.Encode()); err != nil {
			return errors.Wrapf(err, "chunk %d of %d", c.Seq+1, c.Total)
		}
		s.Touch()
	}
	return nil
}

// Receive handles a value written by the peer. It returns the decoded chunk and, when the chunk
// completes a transfer, the reassembled payload.
func (s *Session) Receive(b []byte) (framer.Chunk, []byte, error) {
	s.Touch()
	c, err := framer.DecodeChunk(b)
	if err != nil {
		return c, nil, err
	}
	if c.Kind != framer.Data {
		return c, nil, nil
	}
	payload, err := s.reassembler.Add(c)
	return c, payload, err
}

// Info is a point in time view of a session
type Info struct {
	Identity     models.PeerIdentity
	Role         models.Role
	State        models.SessionState
	RemoteAddr   string
	LastActivity time.Time
}

func (s *Session) Info() Info {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	info := Info{Identity: s.identity, Role: s.role, State: s.state, LastActivity: s.lastActivity}
	if s.link != nil {
		info.RemoteAddr = s.link.RemoteAddr()
	}
	return info
}
