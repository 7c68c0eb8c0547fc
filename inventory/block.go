package inventory

import (
	"fmt"
	"math/big"
	"strings"
	"sync"

	"dynamo.dev/internal/dynerr"
)

// loadState is the three-state lifecycle of a Block's file set described in
// the design notes: a block either has never loaded its files, holds a
// handle into the shared bounded cache that may have been evicted, or owns
// a materialized set that survives independent of the cache.
type loadState int

const (
	stateUnloaded loadState = iota
	stateCached
	stateOwned
)

// FileLoader fetches the authoritative file set for a block from the
// persistent store. Implemented by store.InventoryStore.
type FileLoader interface {
	LoadFiles(b *Block) (FileSet, error)
}

// Block is the smallest inventory management unit: a named, sized member
// of a Dataset with a lazily-loaded, cache-backed set of Files.
type Block struct {
	mu sync.Mutex

	ID           uint64
	internalName *big.Int
	Dataset      *Dataset
	size         int64
	numFiles     int
	IsOpen       bool
	LastUpdate   int64
	Replicas     []*BlockReplica

	state  loadState
	owned  FileSet
	loader FileLoader
	cache  *fileCache
}

// NewBlock constructs a Block bound to the given dataset, internal name,
// loader, and shared file-set cache.
func NewBlock(dataset *Dataset, internalName *big.Int, loader FileLoader, cache *fileCache) *Block {
	return &Block{
		Dataset:      dataset,
		internalName: internalName,
		loader:       loader,
		cache:        cache,
	}
}

// InternalName returns the 128-bit integer identifier.
func (b *Block) InternalName() *big.Int { return b.internalName }

// RealName returns the canonical 8-4-4-4-12 hex textual form.
func (b *Block) RealName() string { return ToRealName(b.internalName) }

// FullName returns "<dataset>#<real-name>".
func (b *Block) FullName() string { return ToFullName(b.Dataset.Name, b.RealName()) }

// Size returns the block's recorded byte size.
func (b *Block) Size() int64 { return b.size }

// NumFiles returns the block's recorded file count.
func (b *Block) NumFiles() int { return b.numFiles }

// SetSize updates the recorded size. Any change requires the file set to be
// promoted to Owned first, per the design notes: a cached proxy must not be
// silently invalidated by a metadata write it didn't cause.
func (b *Block) SetSize(size int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if size != b.size {
		if _, err := b.checkAndLoad(false); err != nil {
			return err
		}
	}
	b.size = size
	return nil
}

// SetNumFiles updates the recorded file count, with the same promotion
// requirement as SetSize.
func (b *Block) SetNumFiles(n int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n != b.numFiles {
		if _, err := b.checkAndLoad(false); err != nil {
			return err
		}
	}
	b.numFiles = n
	return nil
}

// HydrateMeta sets size/num_files/open/last-update directly, without
// triggering a file-set load or promotion. Used only by store
// implementations populating a freshly constructed Block from persisted
// rows, where the file set should stay Unloaded until actually accessed.
func (b *Block) HydrateMeta(size int64, numFiles int, isOpen bool, lastUpdate int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.size = size
	b.numFiles = numFiles
	b.IsOpen = isOpen
	b.LastUpdate = lastUpdate
}

// Files returns the block's file set, loading and caching it if necessary.
func (b *Block) Files() (FileSet, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.checkAndLoad(true)
}

// checkAndLoad implements the lazy-load/cache/promote state machine. When
// cache is true a miss is reloaded and stored back into the shared bounded
// cache (state becomes Cached). When cache is false the file set is
// promoted out of the cache into an owned, private copy (state becomes
// Owned) so that subsequent mutation cannot be silently evicted.
func (b *Block) checkAndLoad(cache bool) (FileSet, error) {
	if b.state == stateOwned {
		return b.owned, nil
	}

	if cache {
		if b.state == stateCached {
			if fs, ok := b.cache.get(b); ok {
				return fs, nil
			}
		}
		fs, err := b.load()
		if err != nil {
			return nil, err
		}
		b.cache.put(b, fs)
		b.state = stateCached
		return fs, nil
	}

	// Promotion to Owned: take the cached copy if still live, otherwise
	// reload, then remove it from the shared cache entirely.
	var fs FileSet
	if b.state == stateCached {
		if cached, ok := b.cache.get(b); ok {
			fs = cached
		}
	}
	if fs == nil {
		loaded, err := b.load()
		if err != nil {
			return nil, err
		}
		fs = loaded
	}
	b.cache.evict(b)
	b.owned = fs
	b.state = stateOwned
	return fs, nil
}

func (b *Block) load() (FileSet, error) {
	if b.ID == 0 {
		return FileSet{}, nil
	}
	files, err := b.loader.LoadFiles(b)
	if err != nil {
		return nil, err
	}
	if len(files) != b.numFiles {
		return nil, dynerr.New(dynerr.KindIntegrity,
			fmt.Sprintf("number of files mismatch for block %s: have %d, expected %d", b.FullName(), len(files), b.numFiles))
	}
	var total int64
	for _, f := range files {
		total += f.Size
	}
	if total != b.size {
		return nil, dynerr.New(dynerr.KindIntegrity,
			fmt.Sprintf("size mismatch for block %s: have %d, expected %d", b.FullName(), total, b.size))
	}
	return files, nil
}

// Copy returns a detached copy of the block's metadata (not its file set or
// replicas; the copy starts Unloaded but keeps the same loader and shared
// cache) for use by embed-style reconciliation.
func (b *Block) Copy() *Block {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &Block{
		ID:           b.ID,
		internalName: b.internalName,
		Dataset:      b.Dataset,
		size:         b.size,
		numFiles:     b.numFiles,
		IsOpen:       b.IsOpen,
		LastUpdate:   b.LastUpdate,
		loader:       b.loader,
		cache:        b.cache,
	}
}

// Unlink detaches the block from its dataset and every replica, and drops
// it from the shared file-set cache.
func (b *Block) Unlink() {
	for _, r := range append([]*BlockReplica(nil), b.Replicas...) {
		r.unlink()
	}
	b.Dataset.removeBlock(b)
	b.cache.evict(b)
}

// ToInternalName converts a canonical hex-with-dashes name into its 128-bit
// integer representation.
func ToInternalName(name string) (*big.Int, error) {
	stripped := strings.ReplaceAll(name, "-", "")
	n, ok := new(big.Int).SetString(stripped, 16)
	if !ok {
		return nil, dynerr.New(dynerr.KindObject, fmt.Sprintf("invalid block name %q", name))
	}
	return n, nil
}

// ToRealName converts a 128-bit integer identifier into the canonical
// 8-4-4-4-12 hex-with-dashes textual form, zero-padded to 32 digits.
func ToRealName(name *big.Int) string {
	full := name.Text(16)
	if len(full) < 32 {
		full = strings.Repeat("0", 32-len(full)) + full
	}
	return full[0:8] + "-" + full[8:12] + "-" + full[12:16] + "-" + full[16:20] + "-" + full[20:]
}

// ToFullName joins a dataset name and a block's real name into the wire
// full-name form "<dataset>#<real-name>".
func ToFullName(datasetName, blockRealName string) string {
	return datasetName + "#" + blockRealName
}

// FromFullName splits a full block name into its dataset name and internal
// (128-bit integer) block name. Returns an ObjectError if full does not
// contain the "#" separator.
func FromFullName(full string) (datasetName string, internalName *big.Int, err error) {
	idx := strings.LastIndex(full, "#")
	if idx < 0 {
		return "", nil, dynerr.New(dynerr.KindObject, fmt.Sprintf("malformed full block name %q: missing '#'", full))
	}
	datasetName = full[:idx]
	internalName, err = ToInternalName(full[idx+1:])
	if err != nil {
		return "", nil, err
	}
	return datasetName, internalName, nil
}
