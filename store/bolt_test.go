package store

import (
	"math/big"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dynamo.dev/inventory"
)

func openTestBoltStore(t *testing.T) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dynamo.bolt")
	s, err := OpenBoltStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Migrate())
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBoltStoreSaveAndLoadAll(t *testing.T) {
	s := openTestBoltStore(t)

	ds := &inventory.Dataset{Name: "/MyDataset"}
	require.NoError(t, s.SaveDataset(ds))

	site := &inventory.Site{Name: "T2_site", Host: "host.example", Backend: "xrootd"}
	require.NoError(t, s.SaveSite(site))

	block := inventory.NewBlock(ds, big.NewInt(42), s, nil)
	block.ID = 7
	block.HydrateMeta(100, 2, true, 12345)
	require.NoError(t, s.SaveBlock(block))

	datasets, sites, err := s.LoadAll(func(d *inventory.Dataset, n *big.Int) *inventory.Block {
		return inventory.NewBlock(d, n, s, nil)
	})
	require.NoError(t, err)

	require.Contains(t, datasets, "/MyDataset")
	require.Contains(t, sites, "T2_site")
	assert.Equal(t, "host.example", sites["T2_site"].Host)

	require.Len(t, datasets["/MyDataset"].Blocks, 1)
	loaded := datasets["/MyDataset"].Blocks[0]
	assert.Equal(t, uint64(7), loaded.ID)
	assert.Equal(t, int64(100), loaded.Size())
	assert.Equal(t, 2, loaded.NumFiles())
	assert.True(t, loaded.IsOpen)
}

func TestBoltStoreLoadFiles(t *testing.T) {
	s := openTestBoltStore(t)

	require.NoError(t, s.put(bucketFiles, "7:a.root", boltFileRow{BlockID: 7, LFN: "a.root", Size: 10}))
	require.NoError(t, s.put(bucketFiles, "7:b.root", boltFileRow{BlockID: 7, LFN: "b.root", Size: 20}))
	require.NoError(t, s.put(bucketFiles, "8:c.root", boltFileRow{BlockID: 8, LFN: "c.root", Size: 30}))

	ds := &inventory.Dataset{Name: "/ds"}
	b := inventory.NewBlock(ds, big.NewInt(1), s, nil)
	b.ID = 7

	fs, err := s.LoadFiles(b)
	require.NoError(t, err)
	require.Len(t, fs, 2)
	assert.Equal(t, int64(10), fs["a.root"].Size)
	assert.Equal(t, int64(20), fs["b.root"].Size)
}

func TestBoltStoreDeleteBlockCascadesFiles(t *testing.T) {
	s := openTestBoltStore(t)

	ds := &inventory.Dataset{Name: "/ds"}
	block := inventory.NewBlock(ds, big.NewInt(1), s, nil)
	block.ID = 7
	require.NoError(t, s.SaveBlock(block))
	require.NoError(t, s.put(bucketFiles, "7:a.root", boltFileRow{BlockID: 7, LFN: "a.root", Size: 10}))

	require.NoError(t, s.DeleteBlock(block))

	fs, err := s.LoadFiles(block)
	require.NoError(t, err)
	assert.Empty(t, fs)
}

func TestBoltStoreSaveDatasetAndBlockReplicaRoundTripThroughLoadAll(t *testing.T) {
	s := openTestBoltStore(t)

	ds := &inventory.Dataset{Name: "/ds"}
	require.NoError(t, s.SaveDataset(ds))
	site := &inventory.Site{Name: "T1_site"}
	require.NoError(t, s.SaveSite(site))

	dr := &inventory.DatasetReplica{Dataset: ds, Site: site}
	require.NoError(t, s.SaveDatasetReplica(dr))

	block := inventory.NewBlock(ds, big.NewInt(5), s, nil)
	block.ID = 5
	require.NoError(t, s.SaveBlock(block))
	br := &inventory.BlockReplica{Block: block, Site: site}
	require.NoError(t, s.SaveBlockReplica(br))

	datasets, _, err := s.LoadAll(func(d *inventory.Dataset, n *big.Int) *inventory.Block {
		return inventory.NewBlock(d, n, s, nil)
	})
	require.NoError(t, err)

	loadedDS := datasets["/ds"]
	require.Len(t, loadedDS.Replicas, 1)
	assert.Equal(t, "T1_site", loadedDS.Replicas[0].Site.Name)

	require.Len(t, loadedDS.Blocks, 1)
	loadedBlock := loadedDS.Blocks[0]
	require.Len(t, loadedBlock.Replicas, 1)
	assert.Equal(t, "T1_site", loadedBlock.Replicas[0].Site.Name)
	assert.Same(t, loadedBlock.Replicas[0], loadedDS.Replicas[0].FindBlockReplica(loadedBlock))
}
