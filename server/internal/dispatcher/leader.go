package dispatcher

import (
	"time"

	"go.uber.org/zap"
)

// electionLoop renews or takes the leader lease every heartbeat interval.
func (d *Service) electionLoop() {
	defer d.wg.Done()

	d.heartbeat()

	ticker := time.NewTicker(d.cfg.DispatcherHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.heartbeat()
		}
	}
}

// heartbeat runs one election round. An error drops leadership, since the
// lease can no longer be confirmed.
func (d *Service) heartbeat() {
	acquired, err := d.store.TryAcquireLeadership(d.ctx, d.serverID, d.cfg.DispatcherHeartbeatTimeout)
	if err != nil {
		if d.ctx.Err() == nil {
			d.log.Warn("leader election error", zap.Error(err))
		}
		acquired = false
	}

	was := d.leader.Swap(acquired)
	switch {
	case acquired && !was:
		d.log.Info("became leader")
		d.NotifyNewJob()
	case !acquired && was:
		d.log.Info("lost leadership")
	}
}
