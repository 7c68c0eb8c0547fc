package inventory

import (
	"math/big"
	"sync"

	"dynamo.dev/internal/dynerr"
)

// Persister is the subset of store.InventoryStore the in-memory Inventory
// needs to persist a write-handle mutation. Kept narrow so tests can fake
// it without pulling in a database driver.
type Persister interface {
	SaveDataset(*Dataset) error
	SaveBlock(*Block) error
	SaveSite(*Site) error
	SaveDatasetReplica(*DatasetReplica) error
	SaveBlockReplica(*BlockReplica) error
	DeleteBlock(*Block) error
}

// Inventory is the root aggregate: the in-memory object graph over the
// persistent store, plus the bounded file-set cache shared by every Block.
type Inventory struct {
	mu       sync.RWMutex
	datasets map[string]*Dataset
	sites    map[string]*Site
	loader   FileLoader
	store    Persister
	cache    *fileCache
}

// New constructs an empty Inventory backed by loader (for lazy file loads)
// and store (for write-handle persistence), with a file-set cache of the
// given capacity.
func New(loader FileLoader, store Persister, cacheCapacity int) *Inventory {
	return &Inventory{
		datasets: make(map[string]*Dataset),
		sites:    make(map[string]*Site),
		loader:   loader,
		store:    store,
		cache:    newFileCache(cacheCapacity),
	}
}

// Handle is a view onto the Inventory: read-only handles (given to
// workers) reject mutating calls; the scheduler's single write handle
// applies and persists them. A journal handle (JournalHandle) additionally
// records the objects passed to Update/Delete; the scheduler applies a
// worker's drained mutation channel through one.
type Handle struct {
	inv      *Inventory
	writable bool
	journal  *journal
}

type journal struct {
	mu      sync.Mutex
	updated []any
	deleted []any
}

// ReadHandle returns a handle that shares the object graph but refuses
// mutation.
func (inv *Inventory) ReadHandle() *Handle {
	return &Handle{inv: inv, writable: false}
}

// WriteHandle returns the scheduler's direct write handle: mutations are
// applied to the graph and persisted immediately, with no journal.
func (inv *Inventory) WriteHandle() *Handle {
	return &Handle{inv: inv, writable: true}
}

// JournalHandle returns a write handle that behaves exactly like
// WriteHandle (embed then persist) but additionally records every object
// passed to Update/Delete, readable through Updated and Deleted. The
// scheduler's channel-drain step applies records through such a handle but
// does not read the journal back.
func (inv *Inventory) JournalHandle() *Handle {
	return &Handle{inv: inv, writable: true, journal: &journal{}}
}

// Dataset returns the dataset named name, or nil.
func (inv *Inventory) Dataset(name string) *Dataset {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return inv.datasets[name]
}

// Site returns the site named name, or nil.
func (inv *Inventory) Site(name string) *Site {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return inv.sites[name]
}

// Update applies a mutation to the in-memory graph via embed-style
// reconciliation and persists it through the store (write=true in the
// source terminology — every Handle returned to a writer is write-enabled;
// read-only handles reject the call above). When the handle carries a
// journal (JournalHandle, used while draining a worker's mutation channel)
// the object is additionally recorded for inspection/testing.
func (h *Handle) Update(obj any) error {
	if !h.writable {
		return dynerr.New(dynerr.KindObject, "update called on a read-only inventory handle")
	}
	if err := h.embed(obj); err != nil {
		return err
	}
	if err := h.persist(obj); err != nil {
		return err
	}
	if h.journal != nil {
		h.journal.mu.Lock()
		h.journal.updated = append(h.journal.updated, obj)
		h.journal.mu.Unlock()
	}
	return nil
}

// Delete removes obj from the in-memory graph and persists the deletion.
// Only *Block is supported (Block.Unlink cascades to its replicas); any
// other kind returns an ObjectError.
func (h *Handle) Delete(obj any) error {
	if !h.writable {
		return dynerr.New(dynerr.KindObject, "delete called on a read-only inventory handle")
	}
	switch v := obj.(type) {
	case *Block:
		v.Unlink()
		if err := h.inv.store.DeleteBlock(v); err != nil {
			return err
		}
	default:
		return dynerr.New(dynerr.KindObject, "delete: unsupported object kind")
	}
	if h.journal != nil {
		h.journal.mu.Lock()
		h.journal.deleted = append(h.journal.deleted, obj)
		h.journal.mu.Unlock()
	}
	return nil
}

// Updated returns the objects appended to this handle's journal via
// Update, in order.
func (h *Handle) Updated() []any {
	if h.journal == nil {
		return nil
	}
	h.journal.mu.Lock()
	defer h.journal.mu.Unlock()
	return append([]any(nil), h.journal.updated...)
}

// Deleted returns the objects appended to this handle's journal via
// Delete, in order.
func (h *Handle) Deleted() []any {
	if h.journal == nil {
		return nil
	}
	h.journal.mu.Lock()
	defer h.journal.mu.Unlock()
	return append([]any(nil), h.journal.deleted...)
}

// embed finds-or-creates the canonical in-graph object matching obj by
// name and reconciles its fields in place.
func (h *Handle) embed(obj any) error {
	inv := h.inv
	inv.mu.Lock()
	defer inv.mu.Unlock()

	switch v := obj.(type) {
	case *Dataset:
		existing, ok := inv.datasets[v.Name]
		if !ok {
			inv.datasets[v.Name] = v
			return nil
		}
		// Only overwrite block membership when the incoming record actually
		// carries blocks: the wire decoder (scheduler.decodeObject) never
		// populates wireDataset.Blocks, so a dataset-kind UPDATE received
		// over the real mutation channel must not null out the dataset's
		// existing blocks.
		if len(v.Blocks) > 0 {
			existing.Blocks = v.Blocks
		}
		return nil
	case *Site:
		existing, ok := inv.sites[v.Name]
		if !ok {
			inv.sites[v.Name] = v
			return nil
		}
		*existing = *v
		return nil
	case *Block:
		dataset, ok := inv.datasets[v.Dataset.Name]
		if !ok {
			return dynerr.New(dynerr.KindObject, "embed: unknown dataset "+v.Dataset.Name)
		}
		if existing := dataset.FindBlock(v.RealName()); existing != nil {
			existing.size = v.size
			existing.numFiles = v.numFiles
			existing.IsOpen = v.IsOpen
			existing.LastUpdate = v.LastUpdate
			return nil
		}
		v.Dataset = dataset
		dataset.addBlock(v)
		return nil
	case *DatasetReplica:
		dataset, ok := inv.datasets[v.Dataset.Name]
		if !ok {
			return dynerr.New(dynerr.KindObject, "embed: unknown dataset "+v.Dataset.Name)
		}
		site, ok := inv.sites[v.Site.Name]
		if !ok {
			return dynerr.New(dynerr.KindObject, "embed: unknown site "+v.Site.Name)
		}
		if existing := dataset.FindReplica(site); existing != nil {
			return nil
		}
		dataset.addReplica(&DatasetReplica{Dataset: dataset, Site: site})
		return nil
	case *BlockReplica:
		dataset, ok := inv.datasets[v.Block.Dataset.Name]
		if !ok {
			return dynerr.New(dynerr.KindObject, "embed: unknown dataset "+v.Block.Dataset.Name)
		}
		block := dataset.FindBlock(v.Block.RealName())
		if block == nil {
			return dynerr.New(dynerr.KindObject, "embed: unknown block "+v.Block.FullName())
		}
		site, ok := inv.sites[v.Site.Name]
		if !ok {
			return dynerr.New(dynerr.KindObject, "embed: unknown site "+v.Site.Name)
		}
		for _, existing := range block.Replicas {
			if existing.Site == site {
				return nil
			}
		}
		dr := dataset.FindReplica(site)
		if dr == nil {
			dr = &DatasetReplica{Dataset: dataset, Site: site}
			dataset.addReplica(dr)
		}
		br := NewBlockReplica(block, site, dr)
		block.Replicas = append(block.Replicas, br)
		dr.BlockReplicas = append(dr.BlockReplicas, br)
		return nil
	default:
		return dynerr.New(dynerr.KindObject, "embed: unsupported object kind")
	}
}

func (h *Handle) persist(obj any) error {
	switch v := obj.(type) {
	case *Dataset:
		return h.inv.store.SaveDataset(v)
	case *Site:
		return h.inv.store.SaveSite(v)
	case *Block:
		return h.inv.store.SaveBlock(v)
	case *DatasetReplica:
		return h.inv.store.SaveDatasetReplica(v)
	case *BlockReplica:
		return h.inv.store.SaveBlockReplica(v)
	default:
		return dynerr.New(dynerr.KindObject, "persist: unsupported object kind")
	}
}

// BlockFactory constructs a Block bound to an Inventory's loader and
// file-set cache; NewManagedBlock satisfies this type. store.InventoryStore
// implementations accept one of these so blocks they hydrate come out
// already wired for lazy file access.
type BlockFactory func(dataset *Dataset, internalName *big.Int) *Block

// storeLoader is the subset of store.InventoryStore that Load needs;
// defined here (rather than imported) to avoid a dependency cycle between
// inventory and store.
type storeLoader interface {
	LoadAll(newBlock BlockFactory) (map[string]*Dataset, map[string]*Site, error)
}

// Load bulk-populates the inventory from the store. This does not by
// itself load any block's file set, which stays lazy per the cache
// contract.
func (inv *Inventory) Load(s storeLoader) error {
	datasets, sites, err := s.LoadAll(inv.NewManagedBlock)
	if err != nil {
		return err
	}
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.datasets = datasets
	inv.sites = sites
	return nil
}

// CacheLen reports the file-set cache's current occupancy (for tests of
// the ≤K invariant).
func (inv *Inventory) CacheLen() int { return inv.cache.Len() }

// NewManagedBlock constructs a Block bound to this inventory's loader and
// shared file cache, for use by store-layer hydration code.
func (inv *Inventory) NewManagedBlock(dataset *Dataset, internalName *big.Int) *Block {
	return NewBlock(dataset, internalName, inv.loader, inv.cache)
}
