package change

import "sync"

// PatchCache is an identity-keyed container for Changes that additionally
// supports lookup by any of a change's aliases. Insertion is idempotent:
// re-inserting a change already present (by identity) is a no-op, so the
// first-seen instance for a given identity always wins.
type PatchCache struct {
	mu         sync.RWMutex
	byIdentity map[Identity]*Change
	byAlias    map[string]*Change
}

// New returns an empty PatchCache.
func New() *PatchCache {
	return &PatchCache{
		byIdentity: map[Identity]*Change{},
		byAlias:    map[string]*Change{},
	}
}

// NewFromChanges returns a PatchCache pre-seeded with changes.
func NewFromChanges(changes []*Change) *PatchCache {
	c := New()
	c.InsertAll(changes...)
	return c
}

// Insert adds change, registering its default aliases. No-op if a change
// with the same identity is already present.
func (c *PatchCache) Insert(ch *Change) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.insertLocked(ch)
}

// InsertAll inserts each of changes.
func (c *PatchCache) InsertAll(changes ...*Change) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range changes {
		c.insertLocked(ch)
	}
}

// InsertAliases inserts change (if not already present) and additionally
// registers every key in keys as an alias for it, even if that key isn't
// one of the default aliases (e.g. a server-supplied sha alias).
func (c *PatchCache) InsertAliases(keys []Key, ch *Change) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.insertLocked(ch)
	for _, k := range keys {
		c.byAlias[k.aliasKey()] = ch
	}
}

func (c *PatchCache) insertLocked(ch *Change) {
	id := ch.Identity()
	if _, ok := c.byIdentity[id]; ok {
		return
	}
	c.byIdentity[id] = ch
	for _, k := range defaultAliases(ch) {
		c.byAlias[k.aliasKey()] = ch
	}
}

// Get resolves a Key to the Change it was registered for.
func (c *PatchCache) Get(k Key) (*Change, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ch, ok := c.byAlias[k.aliasKey()]
	return ch, ok
}

// Contains reports whether ch (by identity) is already present.
func (c *PatchCache) Contains(ch *Change) bool {
	if ch == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.byIdentity[ch.Identity()]
	return ok
}

// Copy returns an independent snapshot of c.
func (c *PatchCache) Copy() *PatchCache {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := New()
	for k, v := range c.byIdentity {
		out.byIdentity[k] = v
	}
	for k, v := range c.byAlias {
		out.byAlias[k] = v
	}
	return out
}

// Restore replaces c's contents in place with a copy of other's. Used to
// roll a committed-cache back to a pre-transaction snapshot without
// invalidating pointers held elsewhere to c itself.
func (c *PatchCache) Restore(other *PatchCache) {
	other.mu.RLock()
	byIdentity := make(map[Identity]*Change, len(other.byIdentity))
	for k, v := range other.byIdentity {
		byIdentity[k] = v
	}
	byAlias := make(map[string]*Change, len(other.byAlias))
	for k, v := range other.byAlias {
		byAlias[k] = v
	}
	other.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.byIdentity = byIdentity
	c.byAlias = byAlias
}

// Len returns the number of distinct changes (by identity) in the cache.
func (c *PatchCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byIdentity)
}

// All returns every change in the cache, in no particular order.
func (c *PatchCache) All() []*Change {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Change, 0, len(c.byIdentity))
	for _, v := range c.byIdentity {
		out = append(out, v)
	}
	return out
}
