package retry

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

var (
	_ Store = &MemoryStore{}
)

type memoryLock struct {
	owner     string
	expiresAt time.Time
}

// MemoryStore keeps jobs and locks in process memory. It is the fallback
// behind FallbackStore and the only store when no DSN is configured.
// Locks only exclude workers sharing the same MemoryStore.
type MemoryStore struct {
	clock clockwork.Clock

	mu    sync.Mutex
	jobs  map[string]RetryJob
	locks map[string]memoryLock
}

func NewMemoryStore(clock clockwork.Clock) *MemoryStore {
	return &MemoryStore{
		clock: clock,
		jobs:  make(map[string]RetryJob),
		locks: make(map[string]memoryLock),
	}
}

func (m *MemoryStore) Put(_ context.Context, job RetryJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.jobs[job.TransactionID] = cloneJob(job)
	return nil
}

func (m *MemoryStore) Insert(_ context.Context, job RetryJob) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[job.TransactionID]; ok {
		return false, nil
	}
	m.jobs[job.TransactionID] = cloneJob(job)
	return true, nil
}

func (m *MemoryStore) Get(_ context.Context, transactionID string) (RetryJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[transactionID]
	if !ok {
		return RetryJob{}, ErrJobNotFound
	}
	return cloneJob(job), nil
}

func (m *MemoryStore) Delete(_ context.Context, transactionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[transactionID]; !ok {
		return false, nil
	}
	delete(m.jobs, transactionID)
	return true, nil
}

func (m *MemoryStore) ListDue(_ context.Context, now time.Time, limit int) ([]RetryJob, error) {
	m.mu.Lock()
	due := make([]RetryJob, 0)
	for _, job := range m.jobs {
		if job.IsDue(now) {
			due = append(due, cloneJob(job))
		}
	}
	m.mu.Unlock()

	return orderDue(due, limit), nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string) ([]RetryJob, error) {
	m.mu.Lock()
	jobs := make([]RetryJob, 0)
	for _, job := range m.jobs {
		if job.UserID == userID {
			jobs = append(jobs, cloneJob(job))
		}
	}
	m.mu.Unlock()

	sortByCreated(jobs)
	return jobs, nil
}

func (m *MemoryStore) Count(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.jobs), nil
}

// All returns every job regardless of due time.
func (m *MemoryStore) All() []RetryJob {
	m.mu.Lock()
	jobs := make([]RetryJob, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, cloneJob(job))
	}
	m.mu.Unlock()

	sortByCreated(jobs)
	return jobs
}

func (m *MemoryStore) AcquireLock(_ context.Context, transactionID string, ttl time.Duration) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if l, ok := m.locks[transactionID]; ok && now.Before(l.expiresAt) {
		return "", false, nil
	}

	owner := uuid.NewString()
	m.locks[transactionID] = memoryLock{owner: owner, expiresAt: now.Add(ttl)}
	return owner, true, nil
}

func (m *MemoryStore) ReleaseLock(_ context.Context, transactionID string, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.locks[transactionID]; ok && l.owner == owner {
		delete(m.locks, transactionID)
	}
	return nil
}

func (m *MemoryStore) SweepExpiredLocks(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	swept := 0
	for txn, l := range m.locks {
		if !now.Before(l.expiresAt) {
			delete(m.locks, txn)
			swept++
		}
	}
	return swept, nil
}

func cloneJob(job RetryJob) RetryJob {
	job.Metadata = copyMetadata(job.Metadata)
	return job
}

func sortByCreated(jobs []RetryJob) {
	slices.SortStableFunc(jobs, func(a, b RetryJob) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.TransactionID < b.TransactionID {
			return -1
		}
		if a.TransactionID > b.TransactionID {
			return 1
		}
		return 0
	})
}
