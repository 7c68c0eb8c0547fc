package store

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"

	bolt "go.etcd.io/bbolt"

	"dynamo.dev/inventory"
)

// BoltStore is the embedded single-file InventoryStore backend, used by
// `dynamod migrate --embedded` and by tests that want a real persistence
// layer without a Postgres server.
type BoltStore struct {
	db *bolt.DB
}

const (
	bucketDatasets        = "datasets"
	bucketSites           = "sites"
	bucketBlocks          = "blocks"
	bucketFiles           = "files" // keyed by "<blockID>:<lfn>"
	bucketDatasetReplicas = "dataset_replicas"
	bucketBlockReplicas   = "block_replicas"
)

var boltBuckets = []string{
	bucketDatasets, bucketSites, bucketBlocks, bucketFiles,
	bucketDatasetReplicas, bucketBlockReplicas,
}

// OpenBoltStore opens (creating if absent) a bbolt database at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("opening embedded store at %s: %w", path, err)
	}
	return &BoltStore{db: db}, nil
}

// Migrate creates every bucket this store owns.
func (s *BoltStore) Migrate() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range boltBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close releases the underlying file handle.
func (s *BoltStore) Close() error { return s.db.Close() }

type boltFileRow struct {
	BlockID uint64 `json:"block_id"`
	LFN     string `json:"lfn"`
	Size    int64  `json:"size"`
}

type boltBlockRow struct {
	ID          uint64 `json:"id"`
	DatasetName string `json:"dataset_name"`
	InternalHex string `json:"internal_hex"`
	Size        int64  `json:"size"`
	NumFiles    int    `json:"num_files"`
	IsOpen      bool   `json:"is_open"`
	LastUpdate  int64  `json:"last_update"`
}

type boltSiteRow struct {
	Name        string `json:"name"`
	Host        string `json:"host"`
	StorageType int    `json:"storage_type"`
	Status      int    `json:"status"`
	Backend     string `json:"backend"`
	X509Proxy   string `json:"x509proxy"`
}

// LoadFiles implements inventory.FileLoader.
func (s *BoltStore) LoadFiles(b *inventory.Block) (inventory.FileSet, error) {
	fs := make(inventory.FileSet)
	err := s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(bucketFiles))
		if bkt == nil {
			return nil
		}
		prefix := []byte(strconv.FormatUint(b.ID, 10) + ":")
		c := bkt.Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var row boltFileRow
			if err := json.Unmarshal(v, &row); err != nil {
				return err
			}
			fs[row.LFN] = &inventory.File{LFN: row.LFN, Size: row.Size}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("loading files for block %d: %w", b.ID, err)
	}
	return fs, nil
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

// SaveDataset implements inventory.Persister.
func (s *BoltStore) SaveDataset(d *inventory.Dataset) error {
	return s.put(bucketDatasets, d.Name, map[string]string{"name": d.Name})
}

// SaveSite implements inventory.Persister.
func (s *BoltStore) SaveSite(site *inventory.Site) error {
	return s.put(bucketSites, site.Name, boltSiteRow{
		Name: site.Name, Host: site.Host, StorageType: int(site.StorageType),
		Status: int(site.Status), Backend: site.Backend, X509Proxy: site.X509Proxy,
	})
}

// SaveBlock implements inventory.Persister.
func (s *BoltStore) SaveBlock(b *inventory.Block) error {
	row := boltBlockRow{
		ID: b.ID, DatasetName: b.Dataset.Name, InternalHex: b.InternalName().Text(16),
		Size: b.Size(), NumFiles: b.NumFiles(), IsOpen: b.IsOpen, LastUpdate: b.LastUpdate,
	}
	return s.put(bucketBlocks, strconv.FormatUint(b.ID, 10), row)
}

// SaveDatasetReplica implements inventory.Persister.
func (s *BoltStore) SaveDatasetReplica(dr *inventory.DatasetReplica) error {
	key := dr.Dataset.Name + "@" + dr.Site.Name
	return s.put(bucketDatasetReplicas, key, map[string]string{"dataset": dr.Dataset.Name, "site": dr.Site.Name})
}

// SaveBlockReplica implements inventory.Persister.
func (s *BoltStore) SaveBlockReplica(br *inventory.BlockReplica) error {
	key := strconv.FormatUint(br.Block.ID, 10) + "@" + br.Site.Name
	return s.put(bucketBlockReplicas, key, map[string]string{"block_id": strconv.FormatUint(br.Block.ID, 10), "site": br.Site.Name})
}

// DeleteBlock implements inventory.Persister.
func (s *BoltStore) DeleteBlock(b *inventory.Block) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket([]byte(bucketBlocks)).Delete([]byte(strconv.FormatUint(b.ID, 10))); err != nil {
			return err
		}
		files := tx.Bucket([]byte(bucketFiles))
		prefix := []byte(strconv.FormatUint(b.ID, 10) + ":")
		c := files.Cursor()
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			if err := files.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) put(bucket, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshaling %s/%s: %w", bucket, key, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return err
		}
		return bkt.Put([]byte(key), data)
	})
}

// LoadAll implements InventoryStore.LoadAll.
func (s *BoltStore) LoadAll(newBlock BlockFactory) (map[string]*inventory.Dataset, map[string]*inventory.Site, error) {
	datasets := make(map[string]*inventory.Dataset)
	sites := make(map[string]*inventory.Site)

	err := s.db.View(func(tx *bolt.Tx) error {
		if bkt := tx.Bucket([]byte(bucketDatasets)); bkt != nil {
			if err := bkt.ForEach(func(k, v []byte) error {
				datasets[string(k)] = &inventory.Dataset{Name: string(k)}
				return nil
			}); err != nil {
				return err
			}
		}
		if bkt := tx.Bucket([]byte(bucketSites)); bkt != nil {
			if err := bkt.ForEach(func(k, v []byte) error {
				var row boltSiteRow
				if err := json.Unmarshal(v, &row); err != nil {
					return err
				}
				sites[row.Name] = &inventory.Site{
					Name: row.Name, Host: row.Host,
					StorageType: inventory.SiteStorageType(row.StorageType),
					Status:      inventory.SiteStatus(row.Status),
					Backend:     row.Backend, X509Proxy: row.X509Proxy,
				}
				return nil
			}); err != nil {
				return err
			}
		}
		blocksByID := make(map[uint64]*inventory.Block)
		if bkt := tx.Bucket([]byte(bucketBlocks)); bkt != nil {
			if err := bkt.ForEach(func(k, v []byte) error {
				var row boltBlockRow
				if err := json.Unmarshal(v, &row); err != nil {
					return err
				}
				dataset, ok := datasets[row.DatasetName]
				if !ok {
					return nil
				}
				internal, ok := new(big.Int).SetString(row.InternalHex, 16)
				if !ok {
					return fmt.Errorf("corrupt internal name for block %d", row.ID)
				}
				block := newBlock(dataset, internal)
				block.ID = row.ID
				block.HydrateMeta(row.Size, row.NumFiles, row.IsOpen, row.LastUpdate)
				dataset.Blocks = append(dataset.Blocks, block)
				blocksByID[row.ID] = block
				return nil
			}); err != nil {
				return err
			}
		}

		if bkt := tx.Bucket([]byte(bucketDatasetReplicas)); bkt != nil {
			if err := bkt.ForEach(func(k, v []byte) error {
				var row struct {
					Dataset string `json:"dataset"`
					Site    string `json:"site"`
				}
				if err := json.Unmarshal(v, &row); err != nil {
					return err
				}
				dataset, ok := datasets[row.Dataset]
				if !ok {
					return nil
				}
				site, ok := sites[row.Site]
				if !ok {
					return nil
				}
				dataset.Replicas = append(dataset.Replicas, &inventory.DatasetReplica{Dataset: dataset, Site: site})
				return nil
			}); err != nil {
				return err
			}
		}

		if bkt := tx.Bucket([]byte(bucketBlockReplicas)); bkt != nil {
			if err := bkt.ForEach(func(k, v []byte) error {
				var row struct {
					BlockID string `json:"block_id"`
					Site    string `json:"site"`
				}
				if err := json.Unmarshal(v, &row); err != nil {
					return err
				}
				id, err := strconv.ParseUint(row.BlockID, 10, 64)
				if err != nil {
					return nil
				}
				block, ok := blocksByID[id]
				if !ok {
					return nil
				}
				site, ok := sites[row.Site]
				if !ok {
					return nil
				}
				dr := block.Dataset.FindReplica(site)
				if dr == nil {
					dr = &inventory.DatasetReplica{Dataset: block.Dataset, Site: site}
					block.Dataset.Replicas = append(block.Dataset.Replicas, dr)
				}
				br := inventory.NewBlockReplica(block, site, dr)
				block.Replicas = append(block.Replicas, br)
				dr.BlockReplicas = append(dr.BlockReplicas, br)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("loading embedded inventory: %w", err)
	}
	return datasets, sites, nil
}
