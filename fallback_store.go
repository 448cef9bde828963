package retry

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"

	"github.com/TimKotowski/pg-payment-retry/internal/breaker"
)

var (
	_ Store = &FallbackStore{}
)

// Lock owners handed out by the fallback carry this prefix, so ReleaseLock
// knows which backend issued them.
const fallbackOwnerPrefix = "fallback:"

// FallbackStore serves every request from the primary store and absorbs primary
// failures by using an in-memory store instead. After threshold consecutive
// failures the primary is skipped until the breaker resets.
//
// A memory copy only exists when it was written while the primary failed, so it
// is always newer than the primary's and wins on reads. The exception is a job
// inserted while the primary could not be asked whether the transaction already
// had one: it stays pending, and once the primary answers its row wins, so a
// repeated enqueue never resets the attempts already made. Deletes always reach
// for the primary, even with an open breaker; a delete the primary missed is kept
// as a tombstone that hides the stale row and is replayed by Resync, otherwise a
// finished payment could come back and be charged again.
type FallbackStore struct {
	primary  Store
	fallback *MemoryStore
	breaker  *breaker.Breaker
	logger   *slog.Logger

	mu         sync.Mutex
	tombstones map[string]struct{}
	pending    map[string]struct{}
}

func NewFallbackStore(primary Store, fallback *MemoryStore, conf *Config, clock clockwork.Clock) *FallbackStore {
	return &FallbackStore{
		primary:    primary,
		fallback:   fallback,
		breaker:    breaker.New(clock, conf.BreakerThreshold, conf.BreakerReset),
		logger:     conf.Logger,
		tombstones: make(map[string]struct{}),
		pending:    make(map[string]struct{}),
	}
}

func (f *FallbackStore) tombstoned(transactionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.tombstones[transactionID]
	return ok
}

func (f *FallbackStore) setTombstone(transactionID string, dead bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	mark(f.tombstones, transactionID, dead)
}

func (f *FallbackStore) isPending(transactionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.pending[transactionID]
	return ok
}

func (f *FallbackStore) setPending(transactionID string, pending bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	mark(f.pending, transactionID, pending)
}

func mark(set map[string]struct{}, transactionID string, on bool) {
	if on {
		set[transactionID] = struct{}{}
	} else {
		delete(set, transactionID)
	}
}

func (f *FallbackStore) pendingDeletes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.tombstones))
	for id := range f.tombstones {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (f *FallbackStore) live(jobs []RetryJob) []RetryJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.tombstones) == 0 {
		return jobs
	}
	out := jobs[:0:0]
	for _, j := range jobs {
		if _, dead := f.tombstones[j.TransactionID]; !dead {
			out = append(out, j)
		}
	}
	return out
}

func (f *FallbackStore) primaryUsable() bool {
	return !f.breaker.IsOpen()
}

func (f *FallbackStore) primaryFailed(op string, err error) {
	StoreFallbacks.WithLabelValues(op).Inc()
	if f.breaker.RecordFailure() {
		f.logger.Warn("primary retry store unavailable, serving from memory", "operation", op, "error", err)
		return
	}
	f.logger.Warn("primary retry store operation failed, serving from memory", "operation", op, "error", err)
}

func unavailable(primaryErr, fallbackErr error) error {
	return errors.Mark(errors.CombineErrors(primaryErr, fallbackErr), ErrStoreUnavailable)
}

func (f *FallbackStore) Put(ctx context.Context, job RetryJob) error {
	var primaryErr error
	if f.primaryUsable() {
		if primaryErr = f.primary.Put(ctx, job); primaryErr == nil {
			f.breaker.RecordSuccess()
			f.setTombstone(job.TransactionID, false)
			f.setPending(job.TransactionID, false)
			// Drop any copy written during an outage so reads dont see a stale version.
			_, _ = f.fallback.Delete(ctx, job.TransactionID)
			return nil
		}
		f.primaryFailed("put", primaryErr)
	}

	if err := f.fallback.Put(ctx, job); err != nil {
		return unavailable(primaryErr, err)
	}
	return nil
}

func (f *FallbackStore) Insert(ctx context.Context, job RetryJob) (bool, error) {
	if _, err := f.fallback.Get(ctx, job.TransactionID); err == nil {
		return false, nil
	}

	var primaryErr error
	// The primary still holds a dead row for a tombstoned transaction, so the new
	// job lives in memory until Resync has replayed the delete.
	tombstoned := f.tombstoned(job.TransactionID)
	if f.primaryUsable() && !tombstoned {
		inserted, err := f.primary.Insert(ctx, job)
		if err == nil {
			f.breaker.RecordSuccess()
			return inserted, nil
		}
		primaryErr = err
		f.primaryFailed("insert", err)
	}

	inserted, err := f.fallback.Insert(ctx, job)
	if err != nil {
		return false, unavailable(primaryErr, err)
	}
	if inserted && !tombstoned {
		f.setPending(job.TransactionID, true)
	}
	return inserted, nil
}

func (f *FallbackStore) Get(ctx context.Context, transactionID string) (RetryJob, error) {
	memJob, memErr := f.fallback.Get(ctx, transactionID)
	inMemory := memErr == nil
	if inMemory && !f.isPending(transactionID) {
		return memJob, nil
	}

	if f.primaryUsable() && !f.tombstoned(transactionID) {
		job, err := f.primary.Get(ctx, transactionID)
		switch {
		case err == nil:
			f.breaker.RecordSuccess()
			if inMemory {
				return reconcile(memJob, job), nil
			}
			return job, nil
		case errors.Is(err, ErrJobNotFound):
			f.breaker.RecordSuccess()
		default:
			f.primaryFailed("get", err)
		}
	}

	if inMemory {
		return memJob, nil
	}
	return RetryJob{}, ErrJobNotFound
}

// Delete reports true when the primary could not be reached: the tombstone
// already hides whatever row it holds, and callers check for the job first.
func (f *FallbackStore) Delete(ctx context.Context, transactionID string) (bool, error) {
	removedFallback, _ := f.fallback.Delete(ctx, transactionID)
	f.setPending(transactionID, false)

	removedPrimary, err := f.primary.Delete(ctx, transactionID)
	if err != nil {
		f.primaryFailed("delete", err)
		f.setTombstone(transactionID, true)
		return true, nil
	}
	f.breaker.RecordSuccess()
	f.setTombstone(transactionID, false)

	return removedPrimary || removedFallback, nil
}

func (f *FallbackStore) ListDue(ctx context.Context, now time.Time, limit int) ([]RetryJob, error) {
	memJobs, _ := f.fallback.ListDue(ctx, now, 0)

	var primaryJobs []RetryJob
	if f.primaryUsable() {
		jobs, err := f.primary.ListDue(ctx, now, limit)
		if err != nil {
			f.primaryFailed("list_due", err)
		} else {
			f.breaker.RecordSuccess()
			primaryJobs = f.live(jobs)
		}
	}

	return orderDue(f.merge(memJobs, primaryJobs), limit), nil
}

func (f *FallbackStore) ListByUser(ctx context.Context, userID string) ([]RetryJob, error) {
	memJobs, _ := f.fallback.ListByUser(ctx, userID)

	var primaryJobs []RetryJob
	if f.primaryUsable() {
		jobs, err := f.primary.ListByUser(ctx, userID)
		if err != nil {
			f.primaryFailed("list_by_user", err)
		} else {
			f.breaker.RecordSuccess()
			primaryJobs = f.live(jobs)
		}
	}

	jobs := f.merge(memJobs, primaryJobs)
	sortByCreated(jobs)
	return jobs, nil
}

// Count adds both backends. A transaction held in both during recovery counts twice.
func (f *FallbackStore) Count(ctx context.Context) (int, error) {
	n, _ := f.fallback.Count(ctx)
	if !f.primaryUsable() {
		return n, nil
	}

	p, err := f.primary.Count(ctx)
	if err != nil {
		f.primaryFailed("count", err)
		return n, nil
	}
	f.breaker.RecordSuccess()
	return n + p, nil
}

func (f *FallbackStore) AcquireLock(ctx context.Context, transactionID string, ttl time.Duration) (string, bool, error) {
	var primaryErr error
	if f.primaryUsable() {
		owner, ok, err := f.primary.AcquireLock(ctx, transactionID, ttl)
		if err == nil {
			f.breaker.RecordSuccess()
			return owner, ok, nil
		}
		primaryErr = err
		f.primaryFailed("acquire_lock", err)
	}

	owner, ok, err := f.fallback.AcquireLock(ctx, transactionID, ttl)
	if err != nil {
		return "", false, unavailable(primaryErr, err)
	}
	if !ok {
		return "", false, nil
	}
	return fallbackOwnerPrefix + owner, true, nil
}

func (f *FallbackStore) ReleaseLock(ctx context.Context, transactionID string, owner string) error {
	if memOwner, ok := strings.CutPrefix(owner, fallbackOwnerPrefix); ok {
		return f.fallback.ReleaseLock(ctx, transactionID, memOwner)
	}

	if err := f.primary.ReleaseLock(ctx, transactionID, owner); err != nil {
		f.primaryFailed("release_lock", err)
		return errors.Wrapf(err, "releasing lock for %s, it expires on its own", transactionID)
	}
	return nil
}

func (f *FallbackStore) SweepExpiredLocks(ctx context.Context) (int, error) {
	swept, _ := f.fallback.SweepExpiredLocks(ctx)
	if !f.primaryUsable() {
		return swept, nil
	}

	n, err := f.primary.SweepExpiredLocks(ctx)
	if err != nil {
		f.primaryFailed("sweep_locks", err)
		return swept, nil
	}
	return swept + n, nil
}

// Resync replays deletes the primary missed, then moves jobs written to memory
// during an outage back into the primary, overwriting any older primary row.
// Jobs locked by an in-flight attempt are left for the next run.
func (f *FallbackStore) Resync(ctx context.Context, lockTTL time.Duration) (int, error) {
	if !f.primaryUsable() {
		return 0, nil
	}

	for _, txn := range f.pendingDeletes() {
		if _, err := f.primary.Delete(ctx, txn); err != nil {
			f.primaryFailed("resync", err)
			return 0, errors.Wrap(err, "replaying deferred deletes")
		}
		f.setTombstone(txn, false)
	}

	moved := 0
	for _, job := range f.fallback.All() {
		owner, ok, _ := f.fallback.AcquireLock(ctx, job.TransactionID, lockTTL)
		if !ok {
			continue
		}

		var err error
		if f.isPending(job.TransactionID) {
			err = f.resyncPending(ctx, job)
		} else {
			err = f.primary.Put(ctx, job)
		}
		if err != nil {
			_ = f.fallback.ReleaseLock(ctx, job.TransactionID, owner)
			f.primaryFailed("resync", err)
			return moved, errors.Wrap(err, "resyncing fallback jobs")
		}

		_, _ = f.fallback.Delete(ctx, job.TransactionID)
		f.setPending(job.TransactionID, false)
		_ = f.fallback.ReleaseLock(ctx, job.TransactionID, owner)
		moved++
	}

	f.breaker.RecordSuccess()
	if moved > 0 {
		f.logger.Info("moved fallback retry jobs to primary store", "count", moved)
	}
	return moved, nil
}

// resyncPending inserts a job queued during an outage. When the primary turns
// out to hold a job for the transaction already, that row is kept.
func (f *FallbackStore) resyncPending(ctx context.Context, job RetryJob) error {
	inserted, err := f.primary.Insert(ctx, job)
	if err != nil || inserted {
		return err
	}

	stored, err := f.primary.Get(ctx, job.TransactionID)
	if errors.Is(err, ErrJobNotFound) {
		return f.primary.Put(ctx, job)
	}
	if err != nil {
		return err
	}
	if merged := reconcile(job, stored); merged.AttemptCount != stored.AttemptCount {
		return f.primary.Put(ctx, merged)
	}
	return nil
}

// reconcile folds a pending memory job into the primary's row for the same
// transaction. The row keeps its identity and schedule unless the pending copy
// was attempted more often, in which case those attempts carry over.
func reconcile(pending, stored RetryJob) RetryJob {
	if pending.AttemptCount <= stored.AttemptCount {
		return stored
	}

	stored.AttemptCount = min(pending.AttemptCount, max(stored.MaxAttempts-1, stored.AttemptCount))
	stored.ErrorCode = pending.ErrorCode
	stored.ErrorMessage = pending.ErrorMessage
	stored.UpdatedAt = pending.UpdatedAt
	if pending.NextRetryAt.After(stored.NextRetryAt) {
		stored.NextRetryAt = pending.NextRetryAt
	}
	return stored
}

// merge combines memory and primary listings, one job per transaction. Memory
// copies win, except pending ones which are reconciled with the primary row.
func (f *FallbackStore) merge(memJobs, primaryJobs []RetryJob) []RetryJob {
	stored := make(map[string]RetryJob, len(primaryJobs))
	for _, j := range primaryJobs {
		stored[j.TransactionID] = j
	}

	seen := make(map[string]bool, len(memJobs))
	merged := make([]RetryJob, 0, len(memJobs)+len(primaryJobs))
	for _, j := range memJobs {
		seen[j.TransactionID] = true
		if p, ok := stored[j.TransactionID]; ok && f.isPending(j.TransactionID) {
			j = reconcile(j, p)
		}
		merged = append(merged, j)
	}
	for _, j := range primaryJobs {
		if !seen[j.TransactionID] {
			merged = append(merged, j)
		}
	}
	return merged
}
