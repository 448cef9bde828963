package retry

// Outcome is what one scheduler attempt did with a due job.
type Outcome struct {
	Status OutcomeStatus
}

type OutcomeStatus = string

var (
	succeeded   OutcomeStatus = "succeeded"
	rescheduled OutcomeStatus = "rescheduled"
	exhausted   OutcomeStatus = "exhausted"
	skipped     OutcomeStatus = "skipped"
)

var (
	Succeeded   = Outcome{succeeded}
	Rescheduled = Outcome{rescheduled}
	Exhausted   = Outcome{exhausted}
	// Skipped covers lock contention and jobs that vanished or were rescheduled by someone else.
	Skipped = Outcome{skipped}
)

func (o Outcome) String() string {
	return o.Status
}

// CycleStats counts outcomes for one scheduler cycle.
type CycleStats struct {
	Due         int
	Succeeded   int
	Rescheduled int
	Exhausted   int
	Skipped     int
	Failed      int
}

func (s *CycleStats) record(o Outcome) {
	switch o {
	case Succeeded:
		s.Succeeded++
	case Rescheduled:
		s.Rescheduled++
	case Exhausted:
		s.Exhausted++
	case Skipped:
		s.Skipped++
	}
}
