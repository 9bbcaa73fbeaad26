package session

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/Krajiyah/ble-p2p/pkg/models"
	"github.com/Krajiyah/ble-p2p/pkg/radio"
	"github.com/Krajiyah/ble-p2p/pkg/util"
	"github.com/bradfitz/slice"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Config of a Registry
type Config struct {
	IdleTimeout         time.Duration
	ReassemblyTimeout   time.Duration
	// MaxMessageSize bounds a single transfer in either direction
	MaxMessageSize      int
	OnReassemblyTimeout func(models.PeerIdentity, error)
	// OnRelease is called once for every session leaving the registry
	OnRelease func(*Session, error)
	Logger    logrus.FieldLogger
}

// DefaultConfig returns the registry defaults
func DefaultConfig() Config {
	return Config{
		IdleTimeout:       util.IdleTimeout,
		ReassemblyTimeout: util.ReassemblyTimeout,
		MaxMessageSize:    util.MaxMessageSize,
		Logger:            logrus.StandardLogger(),
	}
}

// Registry owns every session and guarantees at most one per peer
type Registry struct {
	config   Config
	logger   logrus.FieldLogger
	mutex    sync.Mutex
	sessions map[models.PeerIdentity]*Session
}

func NewRegistry(config Config) *Registry {
	if config.Logger == nil {
		config.Logger = logrus.StandardLogger()
	}
	return &Registry{
		config:   config,
		logger:   config.Logger.WithField("component", "registry"),
		sessions: map[models.PeerIdentity]*Session{},
	}
}

func (r *Registry) insert(id models.PeerIdentity, s *Session) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if existing, ok := r.sessions[id]; ok {
		return errors.Wrapf(models.ErrDuplicateSession, "%s is %s", id, existing.State())
	}
	r.sessions[id] = s
	return nil
}

// Begin registers an outbound attempt as a Connecting central session. cancel aborts the attempt on release.
func (r *Registry) Begin(id models.PeerIdentity, cancel context.CancelFunc) (*Session, error) {
	s := newSession(id, models.Central, r.config)
	s.state = models.Connecting
	s.cancel = cancel
	if err := r.insert(id, s); err != nil {
		return nil, err
	}
	r.logger.WithField("peer", id).Debug("Connecting")
	return s, nil
}

// Attach completes an attempt started with Begin
func (r *Registry) Attach(s *Session, link radio.Link) error {
	r.mutex.Lock()
	current, ok := r.sessions[s.identity]
	if !ok || current != s {
		r.mutex.Unlock()
		return errors.Wrapf(models.ErrUnknownPeer, "%s was released", s.identity)
	}
	s.connected(link)
	r.mutex.Unlock()
	r.logger.WithFields(logrus.Fields{"peer": s.identity, "role": s.role}).Info("Connected")
	return nil
}

// Accept registers an inbound connection whose central announced the given identity
func (r *Registry) Accept(id models.PeerIdentity, link radio.Link) (*Session, error) {
	s := newSession(id, models.Peripheral, r.config)
	if err := r.insert(id, s); err != nil {
		return nil, err
	}
	s.connected(link)
	r.logger.WithFields(logrus.Fields{"peer": id, "role": s.role}).Info("Connected")
	return s, nil
}

func (r *Registry) Get(id models.PeerIdentity) (*Session, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *Registry) Len() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return len(r.sessions)
}

// Release removes s, clears its partial messages and disconnects its link.
// Returns false when s was not the registered session.
func (r *Registry) Release(s *Session, reason error) bool {
	return r.ReleaseIf(s, reason, nil)
}

// ReleaseIf is Release guarded by cond, which is evaluated atomically with Attach and Accept
func (r *Registry) ReleaseIf(s *Session, reason error, cond func(*Session) bool) bool {
	r.mutex.Lock()
	current, ok := r.sessions[s.identity]
	if !ok || current != s || (cond != nil && !cond(s)) {
		r.mutex.Unlock()
		return false
	}
	delete(r.sessions, s.identity)
	r.mutex.Unlock()
	s.close()
	entry := r.logger.WithFields(logrus.Fields{"peer": s.identity, "role": s.role})
	if reason != nil {
		entry = entry.WithError(reason)
	}
	entry.Info("Released")
	if r.config.OnRelease != nil {
		r.config.OnRelease(s, reason)
	}
	return true
}

// Prune releases connected sessions idle since before now minus the idle timeout
func (r *Registry) Prune(now time.Time) []models.PeerIdentity {
	cutoff := now.Add(-r.config.IdleTimeout)
	r.mutex.Lock()
	idle := []*Session{}
	for _, s := range r.sessions {
		if s.State() == models.Connected && s.LastActivity().Before(cutoff) {
			idle = append(idle, s)
		}
	}
	r.mutex.Unlock()
	pruned := []models.PeerIdentity{}
	stillIdle := func(s *Session) bool { return s.LastActivity().Before(cutoff) }
	for _, s := range idle {
		if r.ReleaseIf(s, models.ErrIdleTimeout, stillIdle) {
			pruned = append(pruned, s.identity)
		}
	}
	return pruned
}

// Connected returns the connected sessions
func (r *Registry) Connected() []*Session {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	ret := []*Session{}
	for _, s := range r.sessions {
		if s.State() == models.Connected {
			ret = append(ret, s)
		}
	}
	return ret
}

// Snapshot returns the state of every session ordered by identity
func (r *Registry) Snapshot() []Info {
	r.mutex.Lock()
	infos := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		infos = append(infos, s.Info())
	}
	r.mutex.Unlock()
	slice.Sort(infos, func(i, j int) bool {
		return bytes.Compare(infos[i].Identity[:], infos[j].Identity[:]) < 0
	})
	return infos
}

// Close releases every session
func (r *Registry) Close(reason error) {
	r.mutex.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mutex.Unlock()
	for _, s := range all {
		r.Release(s, reason)
	}
}
