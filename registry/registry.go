package registry

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"dynamo.dev/internal/dlog"
)

// ActionRegistry is the C3 contract: an atomic, timestamp-ordered queue of
// submitted actions.
type ActionRegistry interface {
	// ClaimNext atomically selects the oldest action in state new
	// (excluding write_request rows when allowWrite is false), transitions
	// it to run, and returns it. Returns (nil, nil) when the queue has no
	// eligible row.
	ClaimNext(allowWrite bool) (*Action, error)
	// SetStatus performs an unconditional status transition.
	SetStatus(id uint64, status Status) error
	// QueryStatus returns the current status of an action, used by the
	// reaper to detect external aborts.
	QueryStatus(id uint64) (Status, error)
	// LockTable acquires the exclusive table lock the claim step requires.
	LockTable() error
	// ReleaseLock releases any table lock the caller might still be
	// holding; safe to call when no lock is held.
	ReleaseLock() error
}

var log = dlog.WithComponent("registry")

// PostgresRegistry is the gorm/Postgres-backed ActionRegistry. It serializes
// claims with an explicit table-level lock, matching the "exclusive table
// lock around the claim step" contract in the component design.
type PostgresRegistry struct {
	db *gorm.DB
	tx *gorm.DB // non-nil while a table lock transaction is open
}

// NewPostgresRegistry wraps an already-connected gorm handle. Migrate
// should be called once at startup (or via `dynamod migrate`).
func NewPostgresRegistry(db *gorm.DB) *PostgresRegistry {
	return &PostgresRegistry{db: db}
}

// Migrate creates the action table if it does not already exist.
func (r *PostgresRegistry) Migrate() error {
	return r.db.AutoMigrate(&Action{})
}

// ClaimNext implements the select / update part of the claim sequence; it
// takes no lock itself. The caller is expected to have already taken the
// table lock via LockTable and to release it with ReleaseLock (Scheduler
// does both around the whole claim step, matching §4.5 step 4).
func (r *PostgresRegistry) ClaimNext(allowWrite bool) (*Action, error) {
	tx := r.activeTx()

	q := tx.Model(&Action{}).Where("status = ?", StatusNew)
	if !allowWrite {
		q = q.Where("write_request = ?", false)
	}

	var action Action
	err := q.Order("timestamp ASC, id ASC").Limit(1).Take(&action).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claiming next action: %w", err)
	}

	if err := tx.Model(&Action{}).Where("id = ?", action.ID).Update("status", StatusRun).Error; err != nil {
		return nil, fmt.Errorf("marking action %d run: %w", action.ID, err)
	}
	action.Status = StatusRun
	return &action, nil
}

// SetStatus performs an unconditional transition, outside of the claim
// transaction (called by the reaper, not under the table lock).
func (r *PostgresRegistry) SetStatus(id uint64, status Status) error {
	if err := r.db.Model(&Action{}).Where("id = ?", id).Update("status", status).Error; err != nil {
		return fmt.Errorf("setting action %d status to %s: %w", id, status, err)
	}
	return nil
}

// QueryStatus returns the action's current status.
func (r *PostgresRegistry) QueryStatus(id uint64) (Status, error) {
	var action Action
	if err := r.db.Select("status").Where("id = ?", id).Take(&action).Error; err != nil {
		return "", fmt.Errorf("querying status of action %d: %w", id, err)
	}
	return action.Status, nil
}

// LockTable opens a transaction holding an exclusive lock on the action
// table, used by the scheduler to serialize claims across daemon
// instances. Must be paired with ReleaseLock.
func (r *PostgresRegistry) LockTable() error {
	tx := r.db.Begin()
	if tx.Error != nil {
		return fmt.Errorf("beginning claim transaction: %w", tx.Error)
	}
	if err := tx.Exec(fmt.Sprintf("LOCK TABLE %s IN EXCLUSIVE MODE", (Action{}).TableName())).Error; err != nil {
		tx.Rollback()
		return fmt.Errorf("locking action table: %w", err)
	}
	r.tx = tx
	return nil
}

// ReleaseLock commits (releasing the lock) the open claim transaction, if
// any. Safe to call when no lock is held.
func (r *PostgresRegistry) ReleaseLock() error {
	if r.tx == nil {
		return nil
	}
	tx := r.tx
	r.tx = nil
	if err := tx.Commit().Error; err != nil {
		return fmt.Errorf("releasing action table lock: %w", err)
	}
	return nil
}

func (r *PostgresRegistry) activeTx() *gorm.DB {
	if r.tx != nil {
		return r.tx
	}
	return r.db
}

// Insert records a new action in state new, for use by submitters (outside
// the scheduler's own scope but needed by tests).
func (r *PostgresRegistry) Insert(a *Action) error {
	if a.Status == "" {
		a.Status = StatusNew
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}
	if err := r.db.Create(a).Error; err != nil {
		return fmt.Errorf("inserting action %q: %w", a.Title, err)
	}
	return nil
}
