// Package scheduler implements the daemon loop (C6): it polls the action
// registry, enforces write-exclusivity, spawns workers, reaps completed
// ones, drains their mutation channels, and applies the results to the
// inventory.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"dynamo.dev/auth"
	"dynamo.dev/internal/alert"
	"dynamo.dev/internal/dlog"
	"dynamo.dev/internal/dynerr"
	"dynamo.dev/internal/statusapi"
	"dynamo.dev/inventory"
	"dynamo.dev/registry"
	"dynamo.dev/signalguard"
	"dynamo.dev/worker"
)

var log = dlog.WithComponent("scheduler")

// Config holds the scheduler's tunable timings.
type Config struct {
	IdleBackoff           time.Duration
	DrainPerMessageBudget time.Duration
	KillGrace             time.Duration
	ReadOnlyRegistryDSN   string
	ReadOnlyInventoryDSN  string
}

// DefaultConfig returns the spec's stated defaults (0.5s idle backoff, 30s
// drain budget, 5s kill grace).
func DefaultConfig() Config {
	return Config{
		IdleBackoff:           500 * time.Millisecond,
		DrainPerMessageBudget: 30 * time.Second,
		KillGrace:             5 * time.Second,
	}
}

// liveWorker tracks one spawned child across ticks.
type liveWorker struct {
	action       *registry.Action
	handle       *worker.Handle
	writeEnabled bool
	runID        string
}

// Scheduler is the C6 main loop.
type Scheduler struct {
	cfg      Config
	registry registry.ActionRegistry
	authTbl  auth.Table
	inv      *inventory.Inventory
	alerter  alert.Alerter
	guard    *signalguard.Guard

	writing bool
	idle    bool // first_wait log throttle
	backoff time.Duration
	live    []*liveWorker
}

// New constructs a Scheduler wired to its collaborators.
func New(cfg Config, reg registry.ActionRegistry, authTbl auth.Table, inv *inventory.Inventory, alerter alert.Alerter) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		registry: reg,
		authTbl:  authTbl,
		inv:      inv,
		alerter:  alerter,
		guard:    signalguard.New(syscall.SIGINT, syscall.SIGTERM),
		backoff:  cfg.IdleBackoff,
	}
}

// Run executes the main loop until ctx is cancelled, at which point it
// performs the fatal-shutdown teardown (§4.5.2) and returns.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return ctx.Err()
		default:
		}

		if err := s.tick(ctx); err != nil {
			if dynerr.Is(err, dynerr.KindFatalLoop) {
				log.WithError(err).Error("fatal scheduler error, shutting down")
				s.shutdown()
				return err
			}
			log.WithError(err).Warn("tick error, retrying next iteration")
		}
	}
}

// tick implements one iteration of §4.5's per-tick procedure.
func (s *Scheduler) tick(ctx context.Context) error {
	// 1. Release any held table lock (defensive).
	if err := s.registry.ReleaseLock(); err != nil {
		log.WithError(err).Warn("releasing stale table lock")
	}

	// 2. Reap.
	s.reap()

	// 3. Sleep for the computed backoff.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.backoff):
	}

	// 4. Acquire table lock.
	if err := s.registry.LockTable(); err != nil {
		return dynerr.Wrap(dynerr.KindFatalLoop, "acquiring action table lock", err)
	}
	defer s.registry.ReleaseLock() //nolint:errcheck

	// 5. Claim.
	action, err := s.registry.ClaimNext(!s.writing)
	if err != nil {
		return dynerr.Wrap(dynerr.KindFatalLoop, "claiming next action", err)
	}

	// 6. None available.
	if action == nil {
		s.backoff = s.cfg.IdleBackoff
		if !s.idle {
			log.Info("waiting for actions")
			s.idle = true
		}
		return nil
	}
	s.backoff = 0
	s.idle = false

	// 7. Verify exec.py exists.
	if _, err := os.Stat(filepath.Join(action.Path, "exec.py")); err != nil {
		log.WithField("action_id", action.ID).Warn("script missing, failing action")
		return s.registry.SetStatus(action.ID, registry.StatusFailed)
	}

	// 8. Authorize write actions.
	if action.WriteRequest {
		scriptBytes, err := os.ReadFile(filepath.Join(action.Path, "exec.py"))
		if err != nil {
			return s.registry.SetStatus(action.ID, registry.StatusFailed)
		}
		ok, err := s.authTbl.IsAuthorized(action.Title, scriptBytes, action.UserID)
		if err != nil {
			log.WithError(err).Error("authorization check failed")
			return s.registry.SetStatus(action.ID, registry.StatusFailed)
		}
		if !ok {
			log.WithField("action_id", action.ID).Warn("unauthorized write action")
			return s.registry.SetStatus(action.ID, registry.StatusFailed)
		}
	}

	// 9. Spawn.
	spec := worker.Spec{
		ActionID:             action.ID,
		Path:                 action.Path,
		Args:                 action.Args,
		WriteEnabled:         action.WriteRequest,
		ReadOnlyRegistryDSN:  s.cfg.ReadOnlyRegistryDSN,
		ReadOnlyInventoryDSN: s.cfg.ReadOnlyInventoryDSN,
	}
	handle, err := worker.Start(spec)
	if err != nil {
		log.WithError(err).Error("failed to start worker")
		return s.registry.SetStatus(action.ID, registry.StatusFailed)
	}

	// writing is set strictly after a successful spawn, per the
	// fragile-ordering note in the design decisions.
	if action.WriteRequest {
		s.writing = true
	}

	s.live = append(s.live, &liveWorker{
		action:       action,
		handle:       handle,
		writeEnabled: action.WriteRequest,
		runID:        uuid.NewString(),
	})

	return nil
}

// reap implements §4.5.1: finalize any worker whose process has exited or
// whose row was externally flipped out of run, in live-worker insertion
// order.
func (s *Scheduler) reap() {
	remaining := s.live[:0]

	for _, lw := range s.live {
		status, err := s.registry.QueryStatus(lw.action.ID)
		if err == nil && status != registry.StatusRun {
			// Externally aborted.
			log.WithField("action_id", lw.action.ID).Warn("action externally aborted, terminating worker")
			_ = lw.handle.Terminate(s.cfg.KillGrace)
			_ = s.registry.SetStatus(lw.action.ID, registry.StatusKilled)
			if s.alerter != nil {
				s.alerter.Publish(alert.Event{Kind: dynerr.KindExternalAbort.String(), Message: "action externally aborted", ActionID: lw.action.ID, Timestamp: time.Now()})
			}
			if lw.writeEnabled {
				s.writing = false
			}
			continue
		}

		done, exitCode, err := lw.handle.TryWait()
		if err != nil {
			log.WithError(err).WithField("action_id", lw.action.ID).Error("polling worker liveness")
			remaining = append(remaining, lw)
			continue
		}
		if !done {
			remaining = append(remaining, lw)
			continue
		}

		finalStatus := registry.StatusDone
		if exitCode != 0 || lw.handle.Killed() {
			finalStatus = registry.StatusFailed
		}
		_ = s.registry.SetStatus(lw.action.ID, finalStatus)
		log.WithFields(logrus.Fields{"action_id": lw.action.ID, "status": finalStatus}).Info("worker finished")

		if lw.writeEnabled {
			if finalStatus == registry.StatusDone {
				s.drain(lw)
			}
			s.writing = false
		}
	}

	s.live = remaining
}

// drain implements the channel-drain-and-apply half of §4.5.1, run under a
// signal mask so a Ctrl-C during commit cannot leave the inventory
// half-applied.
func (s *Scheduler) drain(lw *liveWorker) {
	s.guard.Do(func() {
		h := s.inv.JournalHandle()
		for {
			select {
			case rec, ok := <-lw.handle.Records:
				if !ok {
					return
				}
				switch rec.Tag {
				case worker.TagUpdate:
					obj, err := decodeObject(rec)
					if err != nil {
						log.WithError(err).Error("decoding UPDATE record")
						continue
					}
					if err := h.Update(obj); err != nil {
						log.WithError(err).Error("applying UPDATE")
						s.alertIntegrityError(lw.action.ID, err)
					}
				case worker.TagDelete:
					obj, err := decodeObject(rec)
					if err != nil {
						log.WithError(err).Error("decoding DELETE record")
						continue
					}
					if err := h.Delete(obj); err != nil {
						log.WithError(err).Error("applying DELETE")
						s.alertIntegrityError(lw.action.ID, err)
					}
				case worker.TagEOM:
					return
				}
			case <-time.After(s.cfg.DrainPerMessageBudget):
				log.WithField("action_id", lw.action.ID).Warn("channel drain timed out, applying partial mutations")
				return
			}
		}
	})
}

// alertIntegrityError publishes an operator alert for an IntegrityError
// surfaced while applying a worker's mutation, per spec.md §7. Other error
// kinds from a failed Update/Delete (unknown dataset, unsupported kind) are
// left to the log line above; they indicate a malformed worker payload, not
// the on-disk/catalog divergence an operator needs paging for.
func (s *Scheduler) alertIntegrityError(actionID uint64, err error) {
	if s.alerter == nil || !dynerr.Is(err, dynerr.KindIntegrity) {
		return
	}
	s.alerter.Publish(alert.Event{
		Kind:      dynerr.KindIntegrity.String(),
		Message:   err.Error(),
		ActionID:  actionID,
		Timestamp: time.Now(),
	})
}

// Snapshot reports the scheduler's current state for the read-only status
// API. Safe to call concurrently with Run; reads are not atomic with the
// loop's own bookkeeping but never block it.
func (s *Scheduler) Snapshot() statusapi.Snapshot {
	return statusapi.Snapshot{
		Writing:     s.writing,
		LiveWorkers: len(s.live),
	}
}

// shutdown implements §4.5.2: terminate every live worker in order, mark
// each killed, release any held lock.
func (s *Scheduler) shutdown() {
	for _, lw := range s.live {
		_ = lw.handle.Terminate(s.cfg.KillGrace)
		_ = s.registry.SetStatus(lw.action.ID, registry.StatusKilled)
	}
	s.live = nil
	_ = s.registry.ReleaseLock()
}

// wireDataset, wireSite, and wireBlock are the JSON shapes carried in a
// mutation-channel Record's Payload, matching the teacher's JSON-based
// object transfer convention rather than a binary/gob format, since the
// channel crosses an arbitrary-language child process boundary.
type wireDataset struct {
	Name string `json:"name"`
}

type wireSite struct {
	Name        string `json:"name"`
	Host        string `json:"host"`
	StorageType int    `json:"storage_type"`
	Status      int    `json:"status"`
	Backend     string `json:"backend"`
	X509Proxy   string `json:"x509proxy"`
}

type wireBlock struct {
	DatasetName string `json:"dataset_name"`
	InternalHex string `json:"internal_hex"`
	Size        int64  `json:"size"`
	NumFiles    int    `json:"num_files"`
	IsOpen      bool   `json:"is_open"`
	LastUpdate  int64  `json:"last_update"`
}

// wireReplica carries either a dataset replica or a block replica, per
// spec.md §6's "payload is a serialized ... replica object": BlockHex
// present selects a block replica, absent selects a dataset replica.
type wireReplica struct {
	DatasetName string `json:"dataset_name"`
	SiteName    string `json:"site_name"`
	BlockHex    string `json:"block_hex,omitempty"`
}

func decodeObject(rec worker.Record) (any, error) {
	switch rec.ObjectKind {
	case "dataset":
		var w wireDataset
		if err := json.Unmarshal(rec.Payload, &w); err != nil {
			return nil, fmt.Errorf("decoding dataset payload: %w", err)
		}
		return &inventory.Dataset{Name: w.Name}, nil
	case "site":
		var w wireSite
		if err := json.Unmarshal(rec.Payload, &w); err != nil {
			return nil, fmt.Errorf("decoding site payload: %w", err)
		}
		return &inventory.Site{
			Name: w.Name, Host: w.Host,
			StorageType: inventory.SiteStorageType(w.StorageType),
			Status:      inventory.SiteStatus(w.Status),
			Backend:     w.Backend, X509Proxy: w.X509Proxy,
		}, nil
	case "block":
		var w wireBlock
		if err := json.Unmarshal(rec.Payload, &w); err != nil {
			return nil, fmt.Errorf("decoding block payload: %w", err)
		}
		internal, ok := new(big.Int).SetString(w.InternalHex, 16)
		if !ok {
			return nil, fmt.Errorf("corrupt internal block name %q", w.InternalHex)
		}
		b := inventory.NewBlock(&inventory.Dataset{Name: w.DatasetName}, internal, nil, nil)
		b.HydrateMeta(w.Size, w.NumFiles, w.IsOpen, w.LastUpdate)
		return b, nil
	case "replica":
		var w wireReplica
		if err := json.Unmarshal(rec.Payload, &w); err != nil {
			return nil, fmt.Errorf("decoding replica payload: %w", err)
		}
		site := &inventory.Site{Name: w.SiteName}
		if w.BlockHex == "" {
			return &inventory.DatasetReplica{Dataset: &inventory.Dataset{Name: w.DatasetName}, Site: site}, nil
		}
		internal, ok := new(big.Int).SetString(w.BlockHex, 16)
		if !ok {
			return nil, fmt.Errorf("corrupt internal block name %q", w.BlockHex)
		}
		block := inventory.NewBlock(&inventory.Dataset{Name: w.DatasetName}, internal, nil, nil)
		return &inventory.BlockReplica{Block: block, Site: site}, nil
	default:
		return nil, fmt.Errorf("unsupported mutation object kind %q", rec.ObjectKind)
	}
}
