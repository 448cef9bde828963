package retrydb

import (
	"context"
)

type RetryMaintenanceDB interface {
	// DeleteExpiredLocks removes lock rows whose owner crashed or never released them.
	// Expired rows never block acquisition, this only keeps the table small.
	DeleteExpiredLocks(ctx context.Context) (int, error)

	// CountJobs returns the number of active retry jobs.
	CountJobs(ctx context.Context) (int, error)
}
