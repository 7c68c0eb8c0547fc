// Package store implements the InventoryStore (C1): the authoritative
// persistent copy of datasets, blocks, files, sites, and replicas. A store
// has no read-only mode of its own; read-only access is enforced by
// inventory.Handle.
package store

import (
	"dynamo.dev/inventory"
)

// BlockFactory is an alias of inventory.BlockFactory: InventoryStore.LoadAll
// uses it so blocks a store hydrates come out already wired for lazy file
// access. inventory.Inventory's NewManagedBlock method satisfies it.
type BlockFactory = inventory.BlockFactory

// InventoryStore is the C1 contract: it satisfies inventory.Persister for
// the write path and inventory.FileLoader for lazy file-set loads, plus a
// bulk LoadAll used to hydrate a fresh Inventory at startup.
type InventoryStore interface {
	inventory.Persister
	inventory.FileLoader

	// LoadAll returns every dataset and site known to the store, with
	// blocks attached to their owning dataset (via newBlock) but files
	// left unloaded.
	LoadAll(newBlock BlockFactory) (datasets map[string]*inventory.Dataset, sites map[string]*inventory.Site, err error)

	// Migrate creates the backend's schema if it does not already exist.
	Migrate() error

	// Close releases the store's connection(s).
	Close() error
}
