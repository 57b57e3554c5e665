// Package dispatcher drains the job table on the elected replica and hands
// each job to the executor registered for its type.
package dispatcher

import (
	"context"

	"github.com/obot-platform/leadqueue/server/internal/jobs"
	"github.com/obot-platform/leadqueue/server/internal/model"
)

// JobExecutor runs jobs of one type. A returned error schedules a retry
// until the job's MaxAttempts is spent.
type JobExecutor interface {
	Type() jobs.JobType
	Execute(ctx context.Context, job *model.Job) error
}

// Limits caps how many jobs of a type run at once on the leader.
var Limits = map[jobs.JobType]int{
	// pushes for different log entries do not interact
	jobs.JobTypeAssignmentSync: 4,
}

// DefaultLimit applies to job types missing from Limits.
const DefaultLimit = 1

// Limit returns the concurrency cap for jobType.
func Limit(jobType jobs.JobType) int {
	if n, ok := Limits[jobType]; ok && n > 0 {
		return n
	}
	return DefaultLimit
}
