package node

import (
	"sync"

	mapset "github.com/deckarep/golang-set"
	"github.com/google/uuid"
)

// seenCache remembers the most recent message ids, evicting the oldest past its limit
type seenCache struct {
	mutex sync.Mutex
	ids   mapset.Set
	order []uuid.UUID
	limit int
}

func newSeenCache(limit int) *seenCache {
	return &seenCache{ids: mapset.NewThreadUnsafeSet(), limit: limit}
}

// Add returns false when id was already seen
func (c *seenCache) Add(id uuid.UUID) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if !c.ids.Add(id) {
		return false
	}
	c.order = append(c.order, id)
	if len(c.order) > c.limit {
		c.ids.Remove(c.order[0])
		c.order = c.order[1:]
	}
	return true
}

func (c *seenCache) Len() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.ids.Cardinality()
}
