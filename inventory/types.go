package inventory

// SiteStorageType enumerates the kind of backend a Site exposes.
type SiteStorageType int

const (
	StorageDisk SiteStorageType = iota
	StorageTape
	StorageBuffer
)

// SiteStatus enumerates a Site's operational status.
type SiteStatus int

const (
	SiteReady SiteStatus = iota
	SiteWaiting
	SiteMorgue
)

// Site is a named storage endpoint.
type Site struct {
	Name        string
	Host        string
	StorageType SiteStorageType
	Status      SiteStatus
	Backend     string
	X509Proxy   string // optional credential path; empty if none
}

// Dataset is a named collection of Blocks. It owns its blocks;
// Block.Unlink removes a block from this list. There is no dataset-level
// unlink.
type Dataset struct {
	Name     string
	Blocks   []*Block
	Replicas []*DatasetReplica
}

func (d *Dataset) addReplica(dr *DatasetReplica) {
	d.Replicas = append(d.Replicas, dr)
}

// FindReplica returns this dataset's replica at site, if present.
func (d *Dataset) FindReplica(site *Site) *DatasetReplica {
	for _, dr := range d.Replicas {
		if dr.Site == site {
			return dr
		}
	}
	return nil
}

func (d *Dataset) addBlock(b *Block) {
	d.Blocks = append(d.Blocks, b)
}

func (d *Dataset) removeBlock(b *Block) {
	for i, existing := range d.Blocks {
		if existing == b {
			d.Blocks = append(d.Blocks[:i], d.Blocks[i+1:]...)
			return
		}
	}
}

// FindBlock looks up a block of this dataset by its real (hex-with-dashes)
// name.
func (d *Dataset) FindBlock(realName string) *Block {
	for _, b := range d.Blocks {
		if b.RealName() == realName {
			return b
		}
	}
	return nil
}

// DatasetReplica is the presence of a Dataset at a Site.
type DatasetReplica struct {
	Dataset       *Dataset
	Site          *Site
	BlockReplicas []*BlockReplica
}

// FindBlockReplica returns the BlockReplica of b at this dataset replica's
// site, if present.
func (dr *DatasetReplica) FindBlockReplica(b *Block) *BlockReplica {
	for _, br := range dr.BlockReplicas {
		if br.Block == b {
			return br
		}
	}
	return nil
}

// BlockReplica is the presence of a Block at a Site. Unlinking its owning
// block cascades to unlink the replica.
type BlockReplica struct {
	Block *Block
	Site  *Site

	datasetReplica *DatasetReplica
}

// NewBlockReplica constructs a BlockReplica linked to its owning dataset
// replica, so that unlinking the block also cascades out of dr's
// BlockReplicas slice. Used by store implementations hydrating the graph
// from persisted rows, where embed's find-or-create logic doesn't run.
func NewBlockReplica(block *Block, site *Site, dr *DatasetReplica) *BlockReplica {
	return &BlockReplica{Block: block, Site: site, datasetReplica: dr}
}

func (br *BlockReplica) unlink() {
	if br.datasetReplica != nil {
		for i, existing := range br.datasetReplica.BlockReplicas {
			if existing == br {
				br.datasetReplica.BlockReplicas = append(
					br.datasetReplica.BlockReplicas[:i], br.datasetReplica.BlockReplicas[i+1:]...)
				break
			}
		}
	}
	for i, existing := range br.Block.Replicas {
		if existing == br {
			br.Block.Replicas = append(br.Block.Replicas[:i], br.Block.Replicas[i+1:]...)
			break
		}
	}
}
