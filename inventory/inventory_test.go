package inventory

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dynamo.dev/internal/dynerr"
)

type fakePersister struct {
	datasets        []*Dataset
	blocks          []*Block
	sites           []*Site
	datasetReplicas []*DatasetReplica
	blockReplicas   []*BlockReplica
	deletedBlocks   []*Block
}

func (p *fakePersister) SaveDataset(d *Dataset) error { p.datasets = append(p.datasets, d); return nil }
func (p *fakePersister) SaveBlock(b *Block) error      { p.blocks = append(p.blocks, b); return nil }
func (p *fakePersister) SaveSite(s *Site) error        { p.sites = append(p.sites, s); return nil }
func (p *fakePersister) SaveDatasetReplica(dr *DatasetReplica) error {
	p.datasetReplicas = append(p.datasetReplicas, dr)
	return nil
}
func (p *fakePersister) SaveBlockReplica(br *BlockReplica) error {
	p.blockReplicas = append(p.blockReplicas, br)
	return nil
}
func (p *fakePersister) DeleteBlock(b *Block) error {
	p.deletedBlocks = append(p.deletedBlocks, b)
	return nil
}

func TestReadHandleRejectsMutation(t *testing.T) {
	inv := New(nil, &fakePersister{}, 10)
	h := inv.ReadHandle()

	err := h.Update(&Site{Name: "T1_site"})
	require.Error(t, err)
	assert.True(t, dynerr.Is(err, dynerr.KindObject))
}

func TestWriteHandleUpdateCreatesAndPersistsDataset(t *testing.T) {
	store := &fakePersister{}
	inv := New(nil, store, 10)
	h := inv.WriteHandle()

	ds := &Dataset{Name: "/MyDataset"}
	require.NoError(t, h.Update(ds))

	assert.Same(t, ds, inv.Dataset("/MyDataset"))
	assert.Len(t, store.datasets, 1)
}

func TestWriteHandleUpdateReconcilesExistingDataset(t *testing.T) {
	store := &fakePersister{}
	inv := New(nil, store, 10)
	h := inv.WriteHandle()

	require.NoError(t, h.Update(&Dataset{Name: "/ds"}))
	cache := newFileCache(10)
	newBlock := NewBlock(&Dataset{Name: "/ds"}, big.NewInt(1), nil, cache)
	require.NoError(t, h.Update(&Dataset{Name: "/ds", Blocks: []*Block{newBlock}}))

	got := inv.Dataset("/ds")
	require.Len(t, got.Blocks, 1)
}

func TestWriteHandleUpdateBlockRequiresKnownDataset(t *testing.T) {
	inv := New(nil, &fakePersister{}, 10)
	h := inv.WriteHandle()

	cache := newFileCache(10)
	b := NewBlock(&Dataset{Name: "/missing"}, big.NewInt(1), nil, cache)
	err := h.Update(b)
	require.Error(t, err)
	assert.True(t, dynerr.Is(err, dynerr.KindObject))
}

func TestWriteHandleUpdateBlockAddsToDataset(t *testing.T) {
	store := &fakePersister{}
	inv := New(nil, store, 10)
	h := inv.WriteHandle()

	require.NoError(t, h.Update(&Dataset{Name: "/ds"}))
	ds := inv.Dataset("/ds")

	cache := newFileCache(10)
	b := NewBlock(&Dataset{Name: "/ds"}, big.NewInt(99), nil, cache)
	b.size = 10
	b.numFiles = 1
	require.NoError(t, h.Update(b))

	assert.Same(t, ds, b.Dataset)
	assert.NotNil(t, ds.FindBlock(b.RealName()))
}

func TestJournalHandleRecordsUpdatesAndDeletes(t *testing.T) {
	store := &fakePersister{}
	inv := New(nil, store, 10)
	h := inv.JournalHandle()

	ds := &Dataset{Name: "/ds"}
	require.NoError(t, h.Update(ds))

	cache := newFileCache(10)
	b := NewBlock(&Dataset{Name: "/ds"}, big.NewInt(1), nil, cache)
	require.NoError(t, h.Update(b))
	require.NoError(t, h.Delete(b))

	assert.Len(t, h.Updated(), 2)
	assert.Len(t, h.Deleted(), 1)
}

func TestHandleDeleteRejectsUnsupportedKind(t *testing.T) {
	inv := New(nil, &fakePersister{}, 10)
	h := inv.WriteHandle()

	err := h.Delete(&Site{Name: "site"})
	require.Error(t, err)
	assert.True(t, dynerr.Is(err, dynerr.KindObject))
}

func TestReadHandleDeleteRejected(t *testing.T) {
	inv := New(nil, &fakePersister{}, 10)
	h := inv.ReadHandle()

	err := h.Delete(&Site{Name: "site"})
	require.Error(t, err)
}

type fakeStoreLoader struct {
	datasets map[string]*Dataset
	sites    map[string]*Site
}

func (f *fakeStoreLoader) LoadAll(newBlock BlockFactory) (map[string]*Dataset, map[string]*Site, error) {
	return f.datasets, f.sites, nil
}

func TestInventoryLoadPopulatesGraph(t *testing.T) {
	inv := New(nil, &fakePersister{}, 10)
	loader := &fakeStoreLoader{
		datasets: map[string]*Dataset{"/ds": {Name: "/ds"}},
		sites:    map[string]*Site{"T1_site": {Name: "T1_site"}},
	}

	require.NoError(t, inv.Load(loader))
	assert.NotNil(t, inv.Dataset("/ds"))
	assert.NotNil(t, inv.Site("T1_site"))
}

func TestWriteHandleUpdateDatasetReplicaRequiresKnownDatasetAndSite(t *testing.T) {
	inv := New(nil, &fakePersister{}, 10)
	h := inv.WriteHandle()

	err := h.Update(&DatasetReplica{Dataset: &Dataset{Name: "/missing"}, Site: &Site{Name: "T1_site"}})
	require.Error(t, err)
	assert.True(t, dynerr.Is(err, dynerr.KindObject))
}

func TestWriteHandleUpdateDatasetReplicaCreatesAndPersists(t *testing.T) {
	store := &fakePersister{}
	inv := New(nil, store, 10)
	h := inv.WriteHandle()

	require.NoError(t, h.Update(&Dataset{Name: "/ds"}))
	require.NoError(t, h.Update(&Site{Name: "T1_site"}))
	require.NoError(t, h.Update(&DatasetReplica{Dataset: &Dataset{Name: "/ds"}, Site: &Site{Name: "T1_site"}}))

	ds := inv.Dataset("/ds")
	site := inv.Site("T1_site")
	require.Len(t, ds.Replicas, 1)
	assert.Same(t, site, ds.Replicas[0].Site)
	assert.Len(t, store.datasetReplicas, 1)

	// A second identical replica record is idempotent.
	require.NoError(t, h.Update(&DatasetReplica{Dataset: &Dataset{Name: "/ds"}, Site: &Site{Name: "T1_site"}}))
	assert.Len(t, ds.Replicas, 1)
}

func TestWriteHandleUpdateBlockReplicaLinksDatasetReplica(t *testing.T) {
	store := &fakePersister{}
	inv := New(nil, store, 10)
	h := inv.WriteHandle()

	require.NoError(t, h.Update(&Dataset{Name: "/ds"}))
	require.NoError(t, h.Update(&Site{Name: "T1_site"}))
	cache := newFileCache(10)
	b := NewBlock(&Dataset{Name: "/ds"}, big.NewInt(1), nil, cache)
	require.NoError(t, h.Update(b))

	br := &BlockReplica{Block: NewBlock(&Dataset{Name: "/ds"}, big.NewInt(1), nil, nil), Site: &Site{Name: "T1_site"}}
	require.NoError(t, h.Update(br))

	ds := inv.Dataset("/ds")
	block := ds.FindBlock(b.RealName())
	require.Len(t, block.Replicas, 1)
	require.Len(t, ds.Replicas, 1)
	assert.Same(t, block.Replicas[0], ds.Replicas[0].FindBlockReplica(block))
	assert.Len(t, store.blockReplicas, 1)
}

func TestWriteHandleUpdateBlockReplicaRequiresKnownBlock(t *testing.T) {
	inv := New(nil, &fakePersister{}, 10)
	h := inv.WriteHandle()

	require.NoError(t, h.Update(&Dataset{Name: "/ds"}))
	require.NoError(t, h.Update(&Site{Name: "T1_site"}))

	br := &BlockReplica{Block: NewBlock(&Dataset{Name: "/ds"}, big.NewInt(99), nil, nil), Site: &Site{Name: "T1_site"}}
	err := h.Update(br)
	require.Error(t, err)
	assert.True(t, dynerr.Is(err, dynerr.KindObject))
}

func TestNewManagedBlockIsWiredToInventoryCache(t *testing.T) {
	inv := New(&fakeLoader{files: FileSet{"a": {LFN: "a", Size: 5}}}, &fakePersister{}, 10)
	ds := &Dataset{Name: "/ds"}
	b := inv.NewManagedBlock(ds, big.NewInt(1))
	b.size = 5
	b.numFiles = 1
	b.ID = 1

	_, err := b.Files()
	require.NoError(t, err)
	assert.Equal(t, 1, inv.CacheLen())
}
