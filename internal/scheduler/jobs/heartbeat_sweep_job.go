package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/tensorgrid/tensorgrid-backend/internal/engine"
	"github.com/tensorgrid/tensorgrid-backend/pkg/log"
)

const (
	heartbeatSweepJobName            = "heartbeat_sweep_job"
	DefaultHeartbeatSweepJobInterval = 30
)

// heartbeatSweepJob fails subtasks whose provider went silent past the
// heartbeat deadline, returning them to the queue when another provider can
// pick them up.
type heartbeatSweepJob struct {
	lifecycleEngine *engine.LifecycleEngine
	jobInterval     time.Duration
}

func (j heartbeatSweepJob) GetName() string {
	return heartbeatSweepJobName
}

func (j heartbeatSweepJob) GetInterval() time.Duration {
	return j.jobInterval
}

func (j heartbeatSweepJob) Execute(ctx context.Context) error {
	failedCount, err := j.lifecycleEngine.SweepOverdueHeartbeats(ctx)
	if err != nil {
		err = fmt.Errorf("error sweeping overdue heartbeats: %w", err)
		log.Ctx(ctx).Error(err)
		return err
	}
	if failedCount > 0 {
		log.Ctx(ctx).Infof("heartbeat sweep failed %d overdue subtasks", failedCount)
	}
	return nil
}

func NewHeartbeatSweepJob(jobIntervalSeconds int, lifecycleEngine *engine.LifecycleEngine) Job {
	if jobIntervalSeconds < DefaultMinimumJobIntervalSeconds {
		log.Fatalf("job interval is not set for %s. Instantiation failed", heartbeatSweepJobName)
	}
	return &heartbeatSweepJob{
		lifecycleEngine: lifecycleEngine,
		jobInterval:     time.Duration(jobIntervalSeconds) * time.Second,
	}
}

var _ Job = new(heartbeatSweepJob)
