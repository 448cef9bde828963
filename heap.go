package retry

import (
	"container/heap"
)

// DueJobHeap pops the most urgent job first: highest priority, then oldest, then
// lowest transaction id so equal jobs still come out in a deterministic order.
type DueJobHeap []RetryJob

func (d DueJobHeap) Len() int           { return len(d) }
func (d DueJobHeap) Less(i, j int) bool { return dueBefore(d[i], d[j]) }
func (d DueJobHeap) Swap(i, j int)      { d[i], d[j] = d[j], d[i] }

func (d *DueJobHeap) Push(x any) {
	// Push and Pop use pointer receivers because they modify the slice's length,
	// not just its contents.
	*d = append(*d, x.(RetryJob))
}

func (d *DueJobHeap) Pop() any {
	old := *d
	n := len(old)
	x := old[n-1]
	*d = old[0 : n-1]
	return x
}

func dueBefore(a, b RetryJob) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.TransactionID < b.TransactionID
}

var (
	_ JobQueue[RetryJob] = &dueJobQueue{}
)

type JobQueue[T any] interface {
	Push(x T)
	Pop() T
	Len() int
}

type dueJobQueue struct {
	dueJobHeap *DueJobHeap
}

func NewDueJobQueue() JobQueue[RetryJob] {
	dueJobHeap := &DueJobHeap{}
	heap.Init(dueJobHeap)
	return &dueJobQueue{
		dueJobHeap: dueJobHeap,
	}
}

func (q *dueJobQueue) Push(x RetryJob) {
	heap.Push(q.dueJobHeap, x)
}

func (q *dueJobQueue) Pop() RetryJob {
	return heap.Pop(q.dueJobHeap).(RetryJob)
}

func (q *dueJobQueue) Len() int {
	return q.dueJobHeap.Len()
}

// orderDue returns jobs in processing order and truncates to limit (limit <= 0 keeps all).
func orderDue(jobs []RetryJob, limit int) []RetryJob {
	q := NewDueJobQueue()
	for _, j := range jobs {
		q.Push(j)
	}

	n := q.Len()
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]RetryJob, 0, n)
	for len(out) < n {
		out = append(out, q.Pop())
	}
	return out
}
