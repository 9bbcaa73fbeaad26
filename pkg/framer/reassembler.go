package framer

import (
	"sync"
	"time"

	"github.com/Krajiyah/ble-p2p/pkg/models"
	"github.com/pkg/errors"
)

// completedLimit bounds how many finished transfer ids are remembered
const completedLimit = 1024

type transfer struct {
	total uint16
	parts map[uint16][]byte
	size  int
	gen   int
	timer *time.Timer
}

// Reassembler collects data chunks per transfer until every sequence number is present
type Reassembler struct {
	mutex     sync.Mutex
	maxSize   int
	quiet     time.Duration
	transfers map[uint32]*transfer
	completed map[uint32]time.Time
	onTimeout func(uint32, error)
}

// NewReassembler returns a reassembler discarding transfers that exceed maxSize bytes or make
// no progress for the quiet period; onTimeout is called with ErrReassemblyTimeout for the latter.
func NewReassembler(maxSize int, quiet time.Duration, onTimeout func(transferID uint32, err error)) *Reassembler {
	return &Reassembler{
		maxSize:   maxSize,
		quiet:     quiet,
		transfers: map[uint32]*transfer{},
		completed: map[uint32]time.Time{},
		onTimeout: onTimeout,
	}
}

// Add stores a data chunk. It returns the complete payload once all chunks of the transfer are present,
// nil when more are needed. Duplicates are ignored, also when they arrive within the quiet period
// after the transfer completed. An error means the transfer was discarded.
func (r *Reassembler) Add(c Chunk) ([]byte, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if c.Kind != Data {
		return nil, errors.Wrapf(models.ErrMalformedChunk, "kind %d is not data", c.Kind)
	}
	if done, ok := r.completed[c.TransferID]; ok && time.Since(done) < r.quiet {
		return nil, nil
	}
	t, ok := r.transfers[c.TransferID]
	if !ok {
		t = &transfer{total: c.Total, parts: map[uint16][]byte{}}
		r.transfers[c.TransferID] = t
	}
	if c.Total != t.total {
		r.discard(c.TransferID, t)
		return nil, errors.Wrapf(models.ErrMalformedChunk, "transfer %d: total changed from %d to %d", c.TransferID, t.total, c.Total)
	}
	if c.Total == 0 || c.Seq >= c.Total {
		r.discard(c.TransferID, t)
		return nil, errors.Wrapf(models.ErrMalformedChunk, "transfer %d: sequence %d of %d", c.TransferID, c.Seq, c.Total)
	}
	if _, dup := t.parts[c.Seq]; dup {
		return nil, nil
	}
	t.size += len(c.Payload)
	if t.size > r.maxSize {
		r.discard(c.TransferID, t)
		return nil, errors.Wrapf(models.ErrMessageTooLarge, "transfer %d: more than %d bytes", c.TransferID, r.maxSize)
	}
	t.parts[c.Seq] = append([]byte(nil), c.Payload...)
	if len(t.parts) < int(t.total) {
		r.arm(c.TransferID, t)
		return nil, nil
	}
	r.discard(c.TransferID, t)
	r.complete(c.TransferID)
	payload := make([]byte, 0, t.size)
	for i := uint16(0); i < t.total; i++ {
		payload = append(payload, t.parts[i]...)
	}
	return payload, nil
}

func (r *Reassembler) arm(id uint32, t *transfer) {
	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.timer = time.AfterFunc(r.quiet, func() { r.expire(id, t, gen) })
}

func (r *Reassembler) expire(id uint32, t *transfer, gen int) {
	r.mutex.Lock()
	if r.transfers[id] != t || t.gen != gen {
		r.mutex.Unlock()
		return
	}
	delete(r.transfers, id)
	received := len(t.parts)
	r.mutex.Unlock()
	if r.onTimeout != nil {
		r.onTimeout(id, errors.Wrapf(models.ErrReassemblyTimeout, "transfer %d: %d of %d chunks", id, received, t.total))
	}
}

func (r *Reassembler) discard(id uint32, t *transfer) {
	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	delete(r.transfers, id)
}

func (r *Reassembler) complete(id uint32) {
	now := time.Now()
	var oldest uint32
	var oldestAt time.Time
	for k, at := range r.completed {
		if now.Sub(at) >= r.quiet {
			delete(r.completed, k)
			continue
		}
		if oldestAt.IsZero() || at.Before(oldestAt) {
			oldest, oldestAt = k, at
		}
	}
	if len(r.completed) >= completedLimit {
		delete(r.completed, oldest)
	}
	r.completed[id] = now
}

// Pending is the number of incomplete transfers
func (r *Reassembler) Pending() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return len(r.transfers)
}

// Reset drops every partial transfer without reporting
func (r *Reassembler) Reset() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	for id, t := range r.transfers {
		r.discard(id, t)
	}
	r.completed = map[uint32]time.Time{}
}
