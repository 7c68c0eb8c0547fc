package inventory

import "sync"

// FileSet is a frozen collection of a block's files, keyed by logical file
// name.
type FileSet map[string]*File

// fileCache is the bounded FIFO mapping Block → FileSet described in the
// data model: it lets a Block "forget" its materialized files while
// retaining a cheap handle that transparently reloads on the next access.
// Protected by a mutex per the concurrency model's defensive-locking note:
// the scheduler process is single-threaded against this cache today, but a
// future multi-worker-in-process layout could change that.
type fileCache struct {
	mu       sync.Mutex
	capacity int
	order    []*Block
	entries  map[*Block]FileSet
}

// newFileCache returns a cache bounded to the given capacity (the
// FileCacheSize configuration value; spec default is 100).
func newFileCache(capacity int) *fileCache {
	if capacity <= 0 {
		capacity = 100
	}
	return &fileCache{
		capacity: capacity,
		entries:  make(map[*Block]FileSet),
	}
}

func (c *fileCache) get(b *Block) (FileSet, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fs, ok := c.entries[b]
	return fs, ok
}

func (c *fileCache) put(b *Block, fs FileSet) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[b]; !exists {
		for len(c.order) >= c.capacity {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, oldest)
		}
		c.order = append(c.order, b)
	}
	c.entries[b] = fs
}

func (c *fileCache) evict(b *Block) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[b]; !ok {
		return
	}
	delete(c.entries, b)
	for i, entry := range c.order {
		if entry == b {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// Len reports the current cache occupancy, for tests asserting the ≤K
// invariant.
func (c *fileCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}
