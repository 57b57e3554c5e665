package dispatcher

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/obot-platform/leadqueue/server/internal/config"
	"github.com/obot-platform/leadqueue/server/internal/jobs"
	"github.com/obot-platform/leadqueue/server/internal/model"
	"github.com/obot-platform/leadqueue/server/internal/store"
)

// staleSweepInterval is how often the leader resets jobs whose worker died.
const staleSweepInterval = time.Minute

// Service runs queued jobs on the elected leader. Followers only take part
// in the election, so each CRM push has one worker across the fleet.
type Service struct {
	store    *store.Store
	cfg      *config.Config
	serverID string
	log      *zap.Logger

	executors map[jobs.JobType]JobExecutor
	// slots bounds in-flight jobs per type; a send takes a slot
	slots map[jobs.JobType]chan struct{}

	leader   atomic.Bool
	notifyCh chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates a new dispatcher service.
func NewService(s *store.Store, cfg *config.Config, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	serverID := uuid.New().String()
	return &Service{
		store:     s,
		cfg:       cfg,
		serverID:  serverID,
		log:       log.Named("dispatcher").With(zap.String("server_id", serverID)),
		executors: make(map[jobs.JobType]JobExecutor),
		slots:     make(map[jobs.JobType]chan struct{}),
		notifyCh:  make(chan struct{}, 1),
	}
}

// RegisterExecutor registers an executor for a job type. Call before Start.
func (d *Service) RegisterExecutor(executor JobExecutor) {
	jt := executor.Type()
	d.executors[jt] = executor
	d.slots[jt] = make(chan struct{}, Limit(jt))
}

// ServerID returns this server's unique ID.
func (d *Service) ServerID() string {
	return d.serverID
}

// IsLeader returns whether this server currently holds the leader lease.
func (d *Service) IsLeader() bool {
	return d.leader.Load()
}

// NotifyNewJob wakes the processing loop after an enqueue, when immediate
// execution is enabled. Otherwise the job waits for the next poll.
func (d *Service) NotifyNewJob() {
	if !d.cfg.DispatcherImmediateExecution {
		return
	}
	select {
	case d.notifyCh <- struct{}{}:
	default:
	}
}

// Start begins the election, processing and stale-sweep loops.
func (d *Service) Start(parentCtx context.Context) {
	d.ctx, d.cancel = context.WithCancel(parentCtx)
	d.log.Info("dispatcher starting", zap.Int("executors", len(d.executors)))

	d.wg.Add(3)
	go d.electionLoop()
	go d.processLoop()
	go d.staleSweepLoop()
}

// Stop cancels the loops, waits up to 30s for in-flight jobs and gives up
// the lease so another server can take over at once.
func (d *Service) Stop() {
	d.log.Info("dispatcher stopping")
	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		d.log.Warn("timeout waiting for in-flight jobs")
	}

	if d.leader.Swap(false) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.store.ReleaseLeadership(ctx, d.serverID); err != nil {
			d.log.Warn("failed to release leadership", zap.Error(err))
		}
	}
}

func (d *Service) processLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.DispatcherPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
		case <-d.notifyCh:
		}
		d.drain()
	}
}

// drain claims and starts jobs until the queue is empty or every type with
// work is at its concurrency limit.
func (d *Service) drain() {
	if !d.IsLeader() {
		return
	}

	for {
		free := d.freeTypes()
		if len(free) == 0 {
			return
		}

		job, err := d.store.ClaimJobOfTypes(d.ctx, free, d.serverID)
		if err != nil {
			if d.ctx.Err() == nil {
				d.log.Warn("failed to claim job", zap.Error(err))
			}
			return
		}
		if job == nil {
			return
		}

		// Only this goroutine takes slots, so a type listed as free has one
		slot := d.slots[jobs.JobType(job.Type)]
		slot <- struct{}{}

		d.wg.Add(1)
		go func(j *model.Job) {
			defer d.wg.Done()
			defer func() { <-slot }()
			d.run(j)
		}(job)
	}
}

func (d *Service) freeTypes() []string {
	var free []string
	for jt, slot := range d.slots {
		if len(slot) < cap(slot) {
			free = append(free, string(jt))
		}
	}
	return free
}

// run executes one claimed job and records the outcome. Bookkeeping uses a
// context detached from shutdown so the row never stays running.
func (d *Service) run(job *model.Job) {
	log := d.log.With(zap.String("job_id", job.ID), zap.String("type", job.Type), zap.Int("attempt", job.Attempts))
	bookkeeping := context.WithoutCancel(d.ctx)

	executor, ok := d.executors[jobs.JobType(job.Type)]
	if !ok {
		d.fail(bookkeeping, log, job, "no executor registered for job type")
		return
	}

	ctx, cancel := context.WithTimeout(d.ctx, d.cfg.DispatcherJobTimeout)
	defer cancel()

	if err := executor.Execute(ctx, job); err != nil {
		d.fail(bookkeeping, log, job, err.Error())
		return
	}

	if err := d.store.CompleteJob(bookkeeping, job.ID); err != nil {
		log.Warn("failed to mark job as completed", zap.Error(err))
		return
	}
	log.Debug("job completed")
}

func (d *Service) fail(ctx context.Context, log *zap.Logger, job *model.Job, msg string) {
	if job.Attempts >= job.MaxAttempts {
		log.Error("job abandoned after final attempt", zap.String("error", msg))
	} else {
		log.Warn("job failed, will retry", zap.String("error", msg))
	}
	if err := d.store.FailJob(ctx, job.ID, msg); err != nil {
		log.Warn("failed to record job failure", zap.Error(err))
	}
}

func (d *Service) staleSweepLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(staleSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
		}
		if !d.IsLeader() {
			continue
		}
		count, err := d.store.CleanupStaleJobs(d.ctx, d.cfg.DispatcherStaleJobTimeout)
		switch {
		case err != nil:
			d.log.Warn("stale job sweep failed", zap.Error(err))
		case count > 0:
			d.log.Info("reset stale jobs", zap.Int64("count", count))
		}
	}
}
