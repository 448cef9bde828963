package retry

import (
	"context"
	"time"
)

var (
	_ JobHandler = &lockSweepJobHandler{}
	_ JobHandler = &resyncJobHandler{}
	_ JobHandler = &queueGaugeJobHandler{}
)

type HandleFunc = func(ctx context.Context) error

type JobRegister interface {
	Register(handle JobHandler)
}

type JobHandler interface {
	JobMeta
	Handle(ctx context.Context) error
}

type JobMeta interface {
	PeriodicSchedule() string
	Name() string
}

type baseJobHandler struct {
	store Store
	conf  *Config
}

type lockSweepJobHandler struct {
	baseJobHandler
}

func newLockSweepJob(conf *Config, store Store) *lockSweepJobHandler {
	return &lockSweepJobHandler{
		baseJobHandler: baseJobHandler{
			store: store,
			conf:  conf,
		},
	}
}

// Handle drops lock rows left behind by schedulers that crashed mid attempt.
// Expired locks are already ignored by AcquireLock, this only keeps the table small.
func (l *lockSweepJobHandler) Handle(ctx context.Context) error {
	swept, err := l.store.SweepExpiredLocks(ctx)
	if err != nil {
		return err
	}
	if swept > 0 {
		l.conf.Logger.Info("swept expired transaction locks", "count", swept)
	}
	return nil
}

func (l *lockSweepJobHandler) PeriodicSchedule() string {
	return l.conf.LockSweepSchedule
}

func (l *lockSweepJobHandler) Name() string {
	return "Lock Sweep Job"
}

type resyncJobHandler struct {
	conf     *Config
	fallback *FallbackStore
}

func newResyncJob(conf *Config, fallback *FallbackStore) *resyncJobHandler {
	return &resyncJobHandler{
		conf:     conf,
		fallback: fallback,
	}
}

func (r *resyncJobHandler) Handle(ctx context.Context) error {
	_, err := r.fallback.Resync(ctx, r.conf.LockTTL)
	return err
}

func (r *resyncJobHandler) PeriodicSchedule() string {
	return r.conf.ResyncSchedule
}

func (r *resyncJobHandler) Name() string {
	return "Fallback Resync Job"
}

type queueGaugeJobHandler struct {
	baseJobHandler
}

func newQueueGaugeJob(conf *Config, store Store) *queueGaugeJobHandler {
	return &queueGaugeJobHandler{
		baseJobHandler: baseJobHandler{
			store: store,
			conf:  conf,
		},
	}
}

func (q *queueGaugeJobHandler) Handle(ctx context.Context) error {
	n, err := q.store.Count(ctx)
	if err != nil {
		return err
	}
	RetryQueueSize.Set(float64(n))
	return nil
}

func (q *queueGaugeJobHandler) PeriodicSchedule() string {
	return q.conf.QueueGaugeSchedule
}

func (q *queueGaugeJobHandler) Name() string {
	return "Queue Gauge Job"
}

// maintenance jobs are short, a stuck store call should not hold an executor.
const maintenanceJobTimeout = time.Second * 15
