package inventory

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dynamo.dev/internal/dynerr"
)

func TestNameConversionsRoundTrip(t *testing.T) {
	real := "0123abcd-0001-0002-0003-0004050607ff"
	n, err := ToInternalName(real)
	require.NoError(t, err)
	assert.Equal(t, real, ToRealName(n))
}

func TestToInternalNameInvalid(t *testing.T) {
	_, err := ToInternalName("not-hex-zzzz")
	require.Error(t, err)
	assert.True(t, dynerr.Is(err, dynerr.KindObject))
}

func TestFullNameRoundTrip(t *testing.T) {
	ds, n, err := FromFullName("MyDataset#0123abcd-0001-0002-0003-0004050607ff")
	require.NoError(t, err)
	assert.Equal(t, "MyDataset", ds)
	assert.Equal(t, "0123abcd-0001-0002-0003-0004050607ff", ToRealName(n))
}

func TestFromFullNameMissingSeparator(t *testing.T) {
	_, _, err := FromFullName("no-hash-here")
	require.Error(t, err)
	assert.True(t, dynerr.Is(err, dynerr.KindObject))
}

type fakeLoader struct {
	files FileSet
	err   error
	calls int
}

func (l *fakeLoader) LoadFiles(b *Block) (FileSet, error) {
	l.calls++
	if l.err != nil {
		return nil, l.err
	}
	return l.files, nil
}

func newTestBlock(t *testing.T, loader FileLoader, cache *fileCache, size int64, numFiles int) *Block {
	t.Helper()
	ds := &Dataset{Name: "ds"}
	n := big.NewInt(42)
	b := NewBlock(ds, n, loader, cache)
	b.ID = 1
	b.size = size
	b.numFiles = numFiles
	ds.addBlock(b)
	return b
}

func TestBlockFilesLazyLoadsAndCaches(t *testing.T) {
	loader := &fakeLoader{files: FileSet{"a.root": {LFN: "a.root", Size: 10}}}
	cache := newFileCache(10)
	b := newTestBlock(t, loader, cache, 10, 1)

	fs, err := b.Files()
	require.NoError(t, err)
	assert.Len(t, fs, 1)
	assert.Equal(t, 1, loader.calls)
	assert.Equal(t, 1, cache.Len())

	// Second call hits the cache, not the loader.
	_, err = b.Files()
	require.NoError(t, err)
	assert.Equal(t, 1, loader.calls)
}

func TestBlockFilesIntegrityMismatch(t *testing.T) {
	loader := &fakeLoader{files: FileSet{"a.root": {LFN: "a.root", Size: 999}}}
	cache := newFileCache(10)
	b := newTestBlock(t, loader, cache, 10, 1)

	_, err := b.Files()
	require.Error(t, err)
	assert.True(t, dynerr.Is(err, dynerr.KindIntegrity))
}

func TestBlockFilesNumFilesMismatch(t *testing.T) {
	loader := &fakeLoader{files: FileSet{}}
	cache := newFileCache(10)
	b := newTestBlock(t, loader, cache, 0, 1)

	_, err := b.Files()
	require.Error(t, err)
	assert.True(t, dynerr.Is(err, dynerr.KindIntegrity))
}

func TestSetSizePromotesToOwned(t *testing.T) {
	loader := &fakeLoader{files: FileSet{"a.root": {LFN: "a.root", Size: 10}}}
	cache := newFileCache(10)
	b := newTestBlock(t, loader, cache, 10, 1)

	// Load into the cache first.
	_, err := b.Files()
	require.NoError(t, err)
	assert.Equal(t, 1, cache.Len())

	require.NoError(t, b.SetSize(20))
	assert.Equal(t, int64(20), b.Size())
	// Promotion evicts the shared cache entry.
	assert.Equal(t, 0, cache.Len())
	assert.Equal(t, stateOwned, b.state)
}

func TestSetSizeNoChangeSkipsPromotion(t *testing.T) {
	loader := &fakeLoader{files: FileSet{"a.root": {LFN: "a.root", Size: 10}}}
	cache := newFileCache(10)
	b := newTestBlock(t, loader, cache, 10, 1)

	require.NoError(t, b.SetSize(10))
	assert.Equal(t, stateUnloaded, b.state)
	assert.Equal(t, 0, loader.calls)
}

func TestHydrateMetaDoesNotLoad(t *testing.T) {
	loader := &fakeLoader{files: FileSet{"a.root": {LFN: "a.root", Size: 10}}}
	cache := newFileCache(10)
	b := NewBlock(&Dataset{Name: "ds"}, big.NewInt(1), loader, cache)

	b.HydrateMeta(10, 1, true, 12345)
	assert.Equal(t, int64(10), b.Size())
	assert.Equal(t, 1, b.NumFiles())
	assert.True(t, b.IsOpen)
	assert.Equal(t, stateUnloaded, b.state)
	assert.Equal(t, 0, loader.calls)
}

func TestCopyPreservesMetadataNotCache(t *testing.T) {
	loader := &fakeLoader{files: FileSet{"a.root": {LFN: "a.root", Size: 10}}}
	cache := newFileCache(10)
	b := newTestBlock(t, loader, cache, 10, 1)
	_, err := b.Files()
	require.NoError(t, err)

	c := b.Copy()
	assert.Equal(t, b.ID, c.ID)
	assert.Equal(t, b.Size(), c.Size())
	assert.Equal(t, stateUnloaded, c.state)
}

func TestUnlinkRemovesFromDatasetAndCache(t *testing.T) {
	loader := &fakeLoader{files: FileSet{"a.root": {LFN: "a.root", Size: 10}}}
	cache := newFileCache(10)
	b := newTestBlock(t, loader, cache, 10, 1)
	_, err := b.Files()
	require.NoError(t, err)
	require.Equal(t, 1, cache.Len())

	b.Unlink()
	assert.Nil(t, b.Dataset.FindBlock(b.RealName()))
	assert.Equal(t, 0, cache.Len())
}

func TestZeroIDBlockSkipsLoad(t *testing.T) {
	loader := &fakeLoader{}
	cache := newFileCache(10)
	b := NewBlock(&Dataset{Name: "ds"}, big.NewInt(1), loader, cache)

	fs, err := b.Files()
	require.NoError(t, err)
	assert.Empty(t, fs)
	assert.Equal(t, 0, loader.calls)
}
