package retry

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
)

type JobScheduler interface {
	SetUp()
	Start(ctx context.Context)
	Close()
}

var (
	_ JobRegister  = &BackgroundJobProcessor{}
	_ JobScheduler = &BackgroundJobProcessor{}
)

const cronExecutors = 3

// BackgroundJobProcessor runs registered maintenance jobs on their cron
// schedules. One orchestrator goroutine tracks the next run of every job and
// hands ready jobs to a small pool of executors.
type BackgroundJobProcessor struct {
	baseJobHandler
	registeredJobs map[string]HandleFunc
	jobMetas       []JobMeta
	jobsChan       chan string
	clock          clockwork.Clock

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type cronJobScheduler struct {
	meta             JobMeta
	schedule         cron.Schedule
	nextScheduleTime time.Time
}

func NewBackgroundJobProcessor(conf *Config, store Store, clock clockwork.Clock) *BackgroundJobProcessor {
	b := baseJobHandler{conf: conf, store: store}
	bgJobProcessor := &BackgroundJobProcessor{
		baseJobHandler: b,
		registeredJobs: make(map[string]HandleFunc),
		clock:          clock,
		jobMetas:       make([]JobMeta, 0),
		jobsChan:       make(chan string),
	}

	return bgJobProcessor
}

func (b *BackgroundJobProcessor) SetUp() {
	handlers := []JobHandler{
		newLockSweepJob(b.conf, b.store),
		newQueueGaugeJob(b.conf, b.store),
	}

	for _, j := range handlers {
		b.Register(j)
	}
}

func (b *BackgroundJobProcessor) Register(handle JobHandler) {
	handleFunc := func(ctx context.Context) error {
		return handle.Handle(ctx)
	}
	b.registeredJobs[handle.Name()] = handleFunc
	b.jobMetas = append(b.jobMetas, handle)
}

func (b *BackgroundJobProcessor) Start(ctx context.Context) {
	ctx, b.cancel = context.WithCancel(ctx)

	b.wg.Add(1 + cronExecutors)
	go func() {
		defer b.wg.Done()
		b.cronJobOrchestrator(ctx)
	}()

	for range cronExecutors {
		go func() {
			defer b.wg.Done()
			b.cronJobExecutor(ctx)
		}()
	}
}

// Close stops the orchestrator and executors and waits for running jobs to return.
func (b *BackgroundJobProcessor) Close() {
	if b.cancel == nil {
		return
	}
	b.cancel()
	b.wg.Wait()
}

func (b *BackgroundJobProcessor) cronJobOrchestrator(ctx context.Context) {
	cronJobs := make([]cronJobScheduler, 0, len(b.jobMetas))
	for _, j := range b.jobMetas {
		schedule, err := cron.ParseStandard(j.PeriodicSchedule())
		if err != nil {
			b.conf.Logger.Error("unable to parse crontab schedule", "job", j.Name(), "schedule", j.PeriodicSchedule(), "error", err)
			continue
		}
		cronJobs = append(cronJobs, cronJobScheduler{
			meta:             j,
			schedule:         schedule,
			nextScheduleTime: schedule.Next(b.clock.Now()),
		})
	}
	if len(cronJobs) == 0 {
		return
	}

	for {
		slices.SortFunc(cronJobs, func(a, b cronJobScheduler) int {
			return a.nextScheduleTime.Compare(b.nextScheduleTime)
		})

		dur := cronJobs[0].nextScheduleTime.Sub(b.clock.Now())
		// in case of negative make sure timer just fires right away, the cron is already ready for a next run.
		if dur < 0 {
			dur = time.Millisecond * 100
		}
		wait := b.clock.NewTimer(dur)
		select {
		case <-ctx.Done():
			wait.Stop()
			return
		case <-wait.Chan():
		}

		// in case more than one cron is overdue/ready. This can happen due to more frequent running jobs that
		// eventually overlap with other longer waiting jobs that are ready.
		now := b.clock.Now()
		var ready []string
		for i := range cronJobs {
			if !cronJobs[i].nextScheduleTime.After(now) {
				cronJobs[i].nextScheduleTime = cronJobs[i].schedule.Next(now)
				ready = append(ready, cronJobs[i].meta.Name())
			}
		}

		// Every process sharing the store runs these jobs too. They are safe to
		// run concurrently: sweeps and resyncs only touch expired or unlocked rows.
		for _, name := range ready {
			select {
			case <-ctx.Done():
				return
			case b.jobsChan <- name:
			}
		}
	}
}

func (b *BackgroundJobProcessor) cronJobExecutor(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cronName := <-b.jobsChan:
			jobCtx, cancel := context.WithTimeout(ctx, maintenanceJobTimeout)
			handler := b.registeredJobs[cronName]
			if err := handler(jobCtx); err != nil {
				b.conf.Logger.Error("failed to execute maintenance job", "job", cronName, "error", err)
			}
			cancel()
		}
	}
}
