// Package registry implements the SQL-backed action queue (ActionRegistry):
// the persistent state machine that external submitters insert rows into,
// and that the scheduler claims, advances, and queries.
package registry

import "time"

// Status is one of an Action's lifecycle states.
type Status string

const (
	StatusNew    Status = "new"
	StatusRun    Status = "run"
	StatusDone   Status = "done"
	StatusFailed Status = "failed"
	StatusKilled Status = "killed"
)

// Action is one action-queue row.
type Action struct {
	ID           uint64    `gorm:"primaryKey"`
	Title        string    `gorm:"index"`
	Path         string
	Args         string
	UserID       uint64 `gorm:"index"`
	UserName     string
	WriteRequest bool
	Timestamp    time.Time `gorm:"index"`
	Status       Status    `gorm:"index;size:16"`
}

// TableName pins the gorm table name regardless of package/struct naming.
func (Action) TableName() string { return "action" }
