// Package auth implements the AuthorizationTable (C4): a mapping from
// (action title, script checksum) to the set of user ids permitted to run
// it, with 0 meaning "any user".
package auth

import (
	"crypto/md5" //nolint:gosec // retained for wire compatibility with existing authorization rows, not a security primitive
	"encoding/hex"
	"fmt"

	"gorm.io/gorm"
)

// AuthorizedExecutable is one authorization-table row.
type AuthorizedExecutable struct {
	Title    string `gorm:"primaryKey;size:256"`
	Checksum string `gorm:"primaryKey;size:32"` // hex-encoded MD5
	UserID   uint64 `gorm:"primaryKey"`
}

// TableName pins the gorm table name.
func (AuthorizedExecutable) TableName() string { return "authorized_executable" }

// Table is the C4 contract.
type Table interface {
	// IsAuthorized hashes scriptBytes with MD5 and reports whether any row
	// matching (title, checksum) permits userID (directly, or via a
	// user_id=0 wildcard row).
	IsAuthorized(title string, scriptBytes []byte, userID uint64) (bool, error)
}

// PostgresTable is the gorm/Postgres-backed Table.
type PostgresTable struct {
	db *gorm.DB
}

// NewPostgresTable wraps an already-connected gorm handle.
func NewPostgresTable(db *gorm.DB) *PostgresTable {
	return &PostgresTable{db: db}
}

// Migrate creates the authorized_executable table if absent.
func (t *PostgresTable) Migrate() error {
	return t.db.AutoMigrate(&AuthorizedExecutable{})
}

// IsAuthorized implements the C4 contract as a single scalar-column query
// compared per row, resolving the open question in the design notes about
// the original's tuple-vs-scalar comparison bug: we select only user_id and
// compare it directly.
func (t *PostgresTable) IsAuthorized(title string, scriptBytes []byte, userID uint64) (bool, error) {
	sum := md5.Sum(scriptBytes) //nolint:gosec
	checksum := hex.EncodeToString(sum[:])

	var userIDs []uint64
	err := t.db.Model(&AuthorizedExecutable{}).
		Where("title = ? AND checksum = ?", title, checksum).
		Pluck("user_id", &userIDs).Error
	if err != nil {
		return false, fmt.Errorf("querying authorization for %q: %w", title, err)
	}

	for _, id := range userIDs {
		if id == 0 || id == userID {
			return true, nil
		}
	}
	return false, nil
}

// Grant inserts an authorization row, for use by migration/seed tooling and
// tests.
func (t *PostgresTable) Grant(title string, scriptBytes []byte, userID uint64) error {
	sum := md5.Sum(scriptBytes) //nolint:gosec
	row := AuthorizedExecutable{
		Title:    title,
		Checksum: hex.EncodeToString(sum[:]),
		UserID:   userID,
	}
	if err := t.db.Create(&row).Error; err != nil {
		return fmt.Errorf("granting authorization for %q: %w", title, err)
	}
	return nil
}
