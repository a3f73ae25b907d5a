// Package syncengine reconciles the local queue store with the central
// database: pull refreshes local reference data (remote wins), push
// uploads pending attendance records and locally authored reference
// entries. Both directions are single-flight.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"eduvision/internal/clock"
	"eduvision/internal/localstore"
	"eduvision/internal/model"
)

// ErrInFlight is returned when a sync of the same direction is already
// running, typically a manual trigger racing the periodic loop.
var ErrInFlight = errors.New("sync already in progress")

// Local is the engine's view of the local queue store.
type Local interface {
	UpsertIdentity(model.Identity) error
	UpsertSchedule(model.ScheduleEntry) error
	UpsertRoom(model.Room) error
	UpsertTerm(model.Term) error
	UnsyncedIdentities() ([]model.Identity, error)
	MarkIdentitySynced(id string) error
	UnsyncedSchedules() ([]model.ScheduleEntry, error)
	MarkScheduleSynced(id string) error
	UnsyncedRecords(limit int) ([]model.AttendanceRecord, error)
	MarkRecordSynced(id string, at time.Time) error
	PurgeSyncedBefore(cutoff time.Time) (int64, error)
	Stats() (localstore.Stats, error)
}

// Remote is the engine's view of the central database.
type Remote interface {
	Identities(ctx context.Context) ([]model.Identity, error)
	Schedules(ctx context.Context) ([]model.ScheduleEntry, error)
	Rooms(ctx context.Context) ([]model.Room, error)
	Terms(ctx context.Context) ([]model.Term, error)
	UpsertRecord(ctx context.Context, rec model.AttendanceRecord) error
	EnsureIdentity(ctx context.Context, ident model.Identity) (bool, error)
	EnsureSchedule(ctx context.Context, entry model.ScheduleEntry) (bool, error)
}

// Refresher is notified after a successful pull, normally the refcache.
type Refresher interface {
	Refresh() error
}

// Config carries the engine's tunables.
type Config struct {
	Batch         int
	RetentionDays int
}

// Result summarizes one sync pass. Errors are collected per item so a
// single bad record never blocks the rest of the batch.
type Result struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Identities int `json:"identities,omitempty"`
	Schedules  int `json:"schedules,omitempty"`
	Rooms      int `json:"rooms,omitempty"`
	Terms      int `json:"terms,omitempty"`

	RecordsSynced    int   `json:"records_synced,omitempty"`
	IdentitiesPushed int   `json:"identities_pushed,omitempty"`
	SchedulesPushed  int   `json:"schedules_pushed,omitempty"`
	Purged           int64 `json:"purged,omitempty"`

	Errors []string `json:"errors,omitempty"`
}

// Failed reports whether the pass recorded any per-item errors.
func (r Result) Failed() bool { return len(r.Errors) > 0 }

// Status is the report behind the sync status endpoint.
type Status struct {
	PullRunning bool             `json:"pull_running"`
	PushRunning bool             `json:"push_running"`
	LastPull    *Result          `json:"last_pull,omitempty"`
	LastPush    *Result          `json:"last_push,omitempty"`
	Local       localstore.Stats `json:"local"`
}

// Engine runs the two reconciliation directions.
type Engine struct {
	local     Local
	remote    Remote
	refresher Refresher
	clk       clock.Clock
	cfg       Config

	// OnResult, when set, observes every finished pass. Used by the
	// binary to feed metrics. Set before the first sync.
	OnResult func(direction string, res Result, err error)

	pullMu sync.Mutex
	pushMu sync.Mutex

	mu          sync.Mutex
	pullRunning bool
	pushRunning bool
	lastPull    *Result
	lastPush    *Result
}

// New wires an engine.
func New(local Local, remote Remote, refresher Refresher, clk clock.Clock, cfg Config) *Engine {
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}
	return &Engine{local: local, remote: remote, refresher: refresher, clk: clk, cfg: cfg}
}

// Pull refreshes local reference data from the central database. The
// remote copy wins for every entity it has.
func (e *Engine) Pull(ctx context.Context) (Result, error) {
	if !e.pullMu.TryLock() {
		return Result{}, ErrInFlight
	}
	defer e.pullMu.Unlock()
	e.setRunning(&e.pullRunning, true)
	defer e.setRunning(&e.pullRunning, false)

	res := Result{StartedAt: e.clk.Now()}

	ids, err := e.remote.Identities(ctx)
	if err != nil {
		return e.finishPull(res, fmt.Errorf("fetch identities: %w", err))
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return e.finishPull(res, err)
		}
		if err := e.local.UpsertIdentity(id); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("identity %s: %v", id.ID, err))
			continue
		}
		res.Identities++
	}

	scheds, err := e.remote.Schedules(ctx)
	if err != nil {
		return e.finishPull(res, fmt.Errorf("fetch schedules: %w", err))
	}
	for _, entry := range scheds {
		if err := ctx.Err(); err != nil {
			return e.finishPull(res, err)
		}
		if err := e.local.UpsertSchedule(entry); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("schedule %s: %v", entry.ID, err))
			continue
		}
		res.Schedules++
	}

	rooms, err := e.remote.Rooms(ctx)
	if err != nil {
		return e.finishPull(res, fmt.Errorf("fetch rooms: %w", err))
	}
	for _, r := range rooms {
		if err := e.local.UpsertRoom(r); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("room %s: %v", r.ID, err))
			continue
		}
		res.Rooms++
	}

	terms, err := e.remote.Terms(ctx)
	if err != nil {
		return e.finishPull(res, fmt.Errorf("fetch terms: %w", err))
	}
	for _, t := range terms {
		if err := e.local.UpsertTerm(t); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("term %s: %v", t.ID, err))
			continue
		}
		res.Terms++
	}

	if e.refresher != nil {
		if err := e.refresher.Refresh(); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("cache refresh: %v", err))
		}
	}
	return e.finishPull(res, nil)
}

// Push uploads pending attendance records and locally authored reference
// entries. Each failure is recorded and skipped; the affected rows stay
// pending for the next pass.
func (e *Engine) Push(ctx context.Context) (Result, error) {
	if !e.pushMu.TryLock() {
		return Result{}, ErrInFlight
	}
	defer e.pushMu.Unlock()
	e.setRunning(&e.pushRunning, true)
	defer e.setRunning(&e.pushRunning, false)

	res := Result{StartedAt: e.clk.Now()}

	// Locally authored reference data first so record foreign keys resolve.
	// The central copy wins whenever it already has the row.
	pendingIDs, err := e.local.UnsyncedIdentities()
	if err != nil {
		return e.finishPush(res, fmt.Errorf("list pending identities: %w", err))
	}
	for _, id := range pendingIDs {
		if err := ctx.Err(); err != nil {
			return e.finishPush(res, err)
		}
		inserted, err := e.remote.EnsureIdentity(ctx, id)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("identity %s: %v", id.ID, err))
			continue
		}
		if err := e.local.MarkIdentitySynced(id.ID); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("identity %s: mark synced: %v", id.ID, err))
			continue
		}
		if inserted {
			res.IdentitiesPushed++
		}
	}

	pendingScheds, err := e.local.UnsyncedSchedules()
	if err != nil {
		return e.finishPush(res, fmt.Errorf("list pending schedules: %w", err))
	}
	for _, entry := range pendingScheds {
		if err := ctx.Err(); err != nil {
			return e.finishPush(res, err)
		}
		inserted, err := e.remote.EnsureSchedule(ctx, entry)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("schedule %s: %v", entry.ID, err))
			continue
		}
		if err := e.local.MarkScheduleSynced(entry.ID); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("schedule %s: mark synced: %v", entry.ID, err))
			continue
		}
		if inserted {
			res.SchedulesPushed++
		}
	}

	records, err := e.local.UnsyncedRecords(e.cfg.Batch)
	if err != nil {
		return e.finishPush(res, fmt.Errorf("list pending records: %w", err))
	}
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return e.finishPush(res, err)
		}
		if err := e.remote.UpsertRecord(ctx, rec); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("record %s (%s %s): %v", rec.ID, rec.IdentityID, rec.Date, err))
			continue
		}
		if err := e.local.MarkRecordSynced(rec.ID, e.clk.Now()); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("record %s: mark synced: %v", rec.ID, err))
			continue
		}
		res.RecordsSynced++
	}

	cutoff := e.clk.Now().AddDate(0, 0, -e.cfg.RetentionDays)
	purged, err := e.local.PurgeSyncedBefore(cutoff)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("purge: %v", err))
	}
	res.Purged = purged

	return e.finishPush(res, nil)
}

// Status reports the engine and local store state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	st := Status{
		PullRunning: e.pullRunning,
		PushRunning: e.pushRunning,
		LastPull:    e.lastPull,
		LastPush:    e.lastPush,
	}
	e.mu.Unlock()

	stats, err := e.local.Stats()
	if err != nil {
		log.Printf("sync: local stats: %v", err)
	}
	st.Local = stats
	return st
}

// Run drives the periodic loop: pull then push, every interval, until the
// context is cancelled. The first pass runs immediately so a fresh node
// has reference data before its first observation.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	tick := time.NewTicker(interval)
	defer tick.Stop()

	for {
		e.runOnce(ctx)
		select {
		case <-tick.C:
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) runOnce(ctx context.Context) {
	if res, err := e.Pull(ctx); err != nil && !errors.Is(err, ErrInFlight) {
		log.Printf("sync: pull failed: %v", err)
	} else if err == nil && res.Failed() {
		log.Printf("sync: pull finished with %d errors", len(res.Errors))
	}
	if ctx.Err() != nil {
		return
	}
	if res, err := e.Push(ctx); err != nil && !errors.Is(err, ErrInFlight) {
		log.Printf("sync: push failed: %v", err)
	} else if err == nil && (res.RecordsSynced > 0 || res.Failed()) {
		log.Printf("sync: pushed %d records, %d errors", res.RecordsSynced, len(res.Errors))
	}
}

func (e *Engine) setRunning(flag *bool, v bool) {
	e.mu.Lock()
	*flag = v
	e.mu.Unlock()
}

func (e *Engine) finishPull(res Result, err error) (Result, error) {
	res.FinishedAt = e.clk.Now()
	e.mu.Lock()
	e.lastPull = &res
	e.mu.Unlock()
	if e.OnResult != nil {
		e.OnResult("pull", res, err)
	}
	return res, err
}

func (e *Engine) finishPush(res Result, err error) (Result, error) {
	res.FinishedAt = e.clk.Now()
	e.mu.Lock()
	e.lastPush = &res
	e.mu.Unlock()
	if e.OnResult != nil {
		e.OnResult("push", res, err)
	}
	return res, err
}
