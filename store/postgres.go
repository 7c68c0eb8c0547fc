package store

import (
	"fmt"
	"math/big"
	"time"

	"gorm.io/gorm"

	"dynamo.dev/inventory"
)

// PostgresStore is the gorm/Postgres-backed InventoryStore, the primary
// backend for production deployments (the embedded bbolt backend in
// bolt.go serves single-node/test deployments).
type PostgresStore struct {
	db *gorm.DB
}

// NewPostgresStore wraps an already-connected gorm handle, configured per
// the pooling conventions used elsewhere in this codebase (bounded idle/
// open connections, bounded connection lifetime).
func NewPostgresStore(db *gorm.DB) (*PostgresStore, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("obtaining sql.DB from gorm: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)
	return &PostgresStore{db: db}, nil
}

// datasetRow, siteRow, blockRow, fileRow, and the two replica rows are the
// flattened SQL tables backing the in-memory object graph.
type datasetRow struct {
	Name string `gorm:"primaryKey;size:512"`
}

func (datasetRow) TableName() string { return "dataset" }

type siteRow struct {
	Name        string `gorm:"primaryKey;size:256"`
	Host        string
	StorageType int
	Status      int
	Backend     string
	X509Proxy   string
}

func (siteRow) TableName() string { return "site" }

type blockRow struct {
	ID          uint64 `gorm:"primaryKey"`
	DatasetName string `gorm:"index;size:512"`
	InternalLo  uint64 // low 64 bits of the 128-bit internal name
	InternalHi  uint64 // high 64 bits
	Size        int64
	NumFiles    int
	IsOpen      bool
	LastUpdate  int64
}

func (blockRow) TableName() string { return "block" }

type fileRow struct {
	ID      uint64 `gorm:"primaryKey;autoIncrement"`
	BlockID uint64 `gorm:"index"`
	LFN     string `gorm:"size:1024"`
	Size    int64
}

func (fileRow) TableName() string { return "file" }

type datasetReplicaRow struct {
	DatasetName string `gorm:"primaryKey;size:512"`
	SiteName    string `gorm:"primaryKey;size:256"`
}

func (datasetReplicaRow) TableName() string { return "dataset_replica" }

type blockReplicaRow struct {
	BlockID  uint64 `gorm:"primaryKey"`
	SiteName string `gorm:"primaryKey;size:256"`
}

func (blockReplicaRow) TableName() string { return "block_replica" }

// Migrate creates every table this store owns.
func (s *PostgresStore) Migrate() error {
	return s.db.AutoMigrate(
		&datasetRow{}, &siteRow{}, &blockRow{}, &fileRow{},
		&datasetReplicaRow{}, &blockReplicaRow{},
	)
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// LoadFiles implements inventory.FileLoader.
func (s *PostgresStore) LoadFiles(b *inventory.Block) (inventory.FileSet, error) {
	var rows []fileRow
	if err := s.db.Where("block_id = ?", b.ID).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("loading files for block %d: %w", b.ID, err)
	}
	fs := make(inventory.FileSet, len(rows))
	for _, r := range rows {
		fs[r.LFN] = &inventory.File{LFN: r.LFN, Size: r.Size}
	}
	return fs, nil
}

// SaveDataset implements inventory.Persister.
func (s *PostgresStore) SaveDataset(d *inventory.Dataset) error {
	row := datasetRow{Name: d.Name}
	if err := s.db.Save(&row).Error; err != nil {
		return fmt.Errorf("saving dataset %q: %w", d.Name, err)
	}
	return nil
}

// SaveSite implements inventory.Persister.
func (s *PostgresStore) SaveSite(site *inventory.Site) error {
	row := siteRow{
		Name:        site.Name,
		Host:        site.Host,
		StorageType: int(site.StorageType),
		Status:      int(site.Status),
		Backend:     site.Backend,
		X509Proxy:   site.X509Proxy,
	}
	if err := s.db.Save(&row).Error; err != nil {
		return fmt.Errorf("saving site %q: %w", site.Name, err)
	}
	return nil
}

// SaveBlock implements inventory.Persister.
func (s *PostgresStore) SaveBlock(b *inventory.Block) error {
	lo, hi := splitName(b.InternalName())
	row := blockRow{
		ID:          b.ID,
		DatasetName: b.Dataset.Name,
		InternalLo:  lo,
		InternalHi:  hi,
		Size:        b.Size(),
		NumFiles:    b.NumFiles(),
		IsOpen:      b.IsOpen,
		LastUpdate:  b.LastUpdate,
	}
	if err := s.db.Save(&row).Error; err != nil {
		return fmt.Errorf("saving block %s: %w", b.FullName(), err)
	}
	return nil
}

// SaveDatasetReplica implements inventory.Persister.
func (s *PostgresStore) SaveDatasetReplica(dr *inventory.DatasetReplica) error {
	row := datasetReplicaRow{DatasetName: dr.Dataset.Name, SiteName: dr.Site.Name}
	if err := s.db.Save(&row).Error; err != nil {
		return fmt.Errorf("saving dataset replica %s@%s: %w", dr.Dataset.Name, dr.Site.Name, err)
	}
	return nil
}

// SaveBlockReplica implements inventory.Persister.
func (s *PostgresStore) SaveBlockReplica(br *inventory.BlockReplica) error {
	row := blockReplicaRow{BlockID: br.Block.ID, SiteName: br.Site.Name}
	if err := s.db.Save(&row).Error; err != nil {
		return fmt.Errorf("saving block replica %s@%s: %w", br.Block.FullName(), br.Site.Name, err)
	}
	return nil
}

// DeleteBlock implements inventory.Persister.
func (s *PostgresStore) DeleteBlock(b *inventory.Block) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("block_id = ?", b.ID).Delete(&fileRow{}).Error; err != nil {
			return err
		}
		if err := tx.Where("block_id = ?", b.ID).Delete(&blockReplicaRow{}).Error; err != nil {
			return err
		}
		return tx.Delete(&blockRow{ID: b.ID}).Error
	})
}

// LoadAll implements InventoryStore.LoadAll.
func (s *PostgresStore) LoadAll(newBlock BlockFactory) (map[string]*inventory.Dataset, map[string]*inventory.Site, error) {
	var datasetRows []datasetRow
	if err := s.db.Find(&datasetRows).Error; err != nil {
		return nil, nil, fmt.Errorf("loading datasets: %w", err)
	}
	datasets := make(map[string]*inventory.Dataset, len(datasetRows))
	for _, dr := range datasetRows {
		datasets[dr.Name] = &inventory.Dataset{Name: dr.Name}
	}

	var siteRows []siteRow
	if err := s.db.Find(&siteRows).Error; err != nil {
		return nil, nil, fmt.Errorf("loading sites: %w", err)
	}
	sites := make(map[string]*inventory.Site, len(siteRows))
	for _, sr := range siteRows {
		sites[sr.Name] = &inventory.Site{
			Name:        sr.Name,
			Host:        sr.Host,
			StorageType: inventory.SiteStorageType(sr.StorageType),
			Status:      inventory.SiteStatus(sr.Status),
			Backend:     sr.Backend,
			X509Proxy:   sr.X509Proxy,
		}
	}

	var blockRows []blockRow
	if err := s.db.Find(&blockRows).Error; err != nil {
		return nil, nil, fmt.Errorf("loading blocks: %w", err)
	}
	blocksByID := make(map[uint64]*inventory.Block, len(blockRows))
	for _, br := range blockRows {
		dataset, ok := datasets[br.DatasetName]
		if !ok {
			continue
		}
		internal := joinName(br.InternalLo, br.InternalHi)
		block := newBlock(dataset, internal)
		block.ID = br.ID
		block.HydrateMeta(br.Size, br.NumFiles, br.IsOpen, br.LastUpdate)
		dataset.Blocks = append(dataset.Blocks, block)
		blocksByID[br.ID] = block
	}

	var datasetReplicaRows []datasetReplicaRow
	if err := s.db.Find(&datasetReplicaRows).Error; err != nil {
		return nil, nil, fmt.Errorf("loading dataset replicas: %w", err)
	}
	for _, row := range datasetReplicaRows {
		dataset, ok := datasets[row.DatasetName]
		if !ok {
			continue
		}
		site, ok := sites[row.SiteName]
		if !ok {
			continue
		}
		dataset.Replicas = append(dataset.Replicas, &inventory.DatasetReplica{Dataset: dataset, Site: site})
	}

	var blockReplicaRows []blockReplicaRow
	if err := s.db.Find(&blockReplicaRows).Error; err != nil {
		return nil, nil, fmt.Errorf("loading block replicas: %w", err)
	}
	for _, row := range blockReplicaRows {
		block, ok := blocksByID[row.BlockID]
		if !ok {
			continue
		}
		site, ok := sites[row.SiteName]
		if !ok {
			continue
		}
		dr := block.Dataset.FindReplica(site)
		if dr == nil {
			dr = &inventory.DatasetReplica{Dataset: block.Dataset, Site: site}
			block.Dataset.Replicas = append(block.Dataset.Replicas, dr)
		}
		br := inventory.NewBlockReplica(block, site, dr)
		block.Replicas = append(block.Replicas, br)
		dr.BlockReplicas = append(dr.BlockReplicas, br)
	}

	return datasets, sites, nil
}

func splitName(n *big.Int) (lo, hi uint64) {
	mask := new(big.Int).SetUint64(^uint64(0))
	loBig := new(big.Int).And(n, mask)
	hiBig := new(big.Int).Rsh(n, 64)
	return loBig.Uint64(), hiBig.Uint64()
}

func joinName(lo, hi uint64) *big.Int {
	n := new(big.Int).SetUint64(hi)
	n.Lsh(n, 64)
	n.Or(n, new(big.Int).SetUint64(lo))
	return n
}
