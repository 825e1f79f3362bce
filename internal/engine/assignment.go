package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tensorgrid/tensorgrid-backend/db"
	"github.com/tensorgrid/tensorgrid-backend/internal/data"
	"github.com/tensorgrid/tensorgrid-backend/internal/monitor"
	"github.com/tensorgrid/tensorgrid-backend/pkg/log"
)

// Assignment is what a successful claim hands to the dispatch channel: the
// claimed subtask plus its parent task, which carries the model URI the
// device needs to download.
type Assignment struct {
	Subtask *data.Subtask
	Task    *data.Task

	// Reassignment reports whether this claim picked up previously failed
	// work rather than a first-time pending subtask.
	Reassignment bool
}

// AssignmentEngine turns pending subtasks into executing assignments. It is
// the only component that transitions a subtask out of PENDING.
type AssignmentEngine struct {
	models              *data.Models
	monitorService      monitor.MonitorServiceInterface
	heartbeatInterval   time.Duration
	maxClaimAttempts    uint
	allowSelfAssignment bool
}

type AssignmentEngineOptions struct {
	Models              *data.Models
	MonitorService      monitor.MonitorServiceInterface
	HeartbeatInterval   time.Duration
	MaxClaimAttempts    uint
	AllowSelfAssignment bool
}

func NewAssignmentEngine(opts AssignmentEngineOptions) (*AssignmentEngine, error) {
	if opts.Models == nil {
		return nil, fmt.Errorf("models is required for NewAssignmentEngine")
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 5 * time.Minute
	}
	if opts.MaxClaimAttempts == 0 {
		opts.MaxClaimAttempts = db.DefaultSerializableMaxAttempts
	}
	return &AssignmentEngine{
		models:              opts.Models,
		monitorService:      opts.MonitorService,
		heartbeatInterval:   opts.HeartbeatInterval,
		maxClaimAttempts:    opts.MaxClaimAttempts,
		allowSelfAssignment: opts.AllowSelfAssignment,
	}, nil
}

// TryOfferNext picks the next claimable subtask for the provider and applies
// the claim in one serializable transaction. It returns nil without error
// when no eligible work exists or the provider may not receive any.
//
// Reassignments are offered first, then the oldest pending subtask. When two
// providers race for the same row, the row lock plus SKIP LOCKED gives each
// row to exactly one of them.
func (e *AssignmentEngine) TryOfferNext(ctx context.Context, providerUserID, deviceID string) (*Assignment, error) {
	if providerUserID == "" || deviceID == "" {
		return nil, fmt.Errorf("provider and device IDs are required")
	}

	provider, err := e.models.Users.Get(ctx, e.models.DBConnectionPool, providerUserID)
	if err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			log.Ctx(ctx).Warnf("provider %s requested work but does not exist", providerUserID)
			return nil, nil
		}
		return nil, fmt.Errorf("loading provider %s: %w", providerUserID, err)
	}
	if !provider.IsActive {
		log.Ctx(ctx).Warnf("provider %s requested work but is inactive", providerUserID)
		return nil, nil
	}

	started := time.Now()
	assignment, err := db.RunInSerializableTransactionWithResult(ctx, e.models.DBConnectionPool, e.maxClaimAttempts, func(dbTx db.DBTransaction) (*Assignment, error) {
		subtask, innerErr := e.models.Subtasks.GetNextForClaim(ctx, dbTx, providerUserID, e.allowSelfAssignment)
		if innerErr != nil {
			if errors.Is(innerErr, data.ErrRecordNotFound) {
				return nil, nil
			}
			return nil, innerErr
		}

		return e.claim(ctx, dbTx, subtask, provider, deviceID)
	})
	if err != nil {
		return nil, fmt.Errorf("claiming next subtask for provider %s: %w", providerUserID, mapDBError(err))
	}

	if assignment != nil {
		e.monitorClaim(ctx, time.Since(started), assignment.Reassignment)
		log.Ctx(ctx).Infof("subtask %s assigned to provider %s on device %s", assignment.Subtask.ID, providerUserID, deviceID)
	}

	return assignment, nil
}

// Accept applies the same claim transition to a caller-named subtask. Unlike
// TryOfferNext it reports why the claim was refused: ErrRecordNotFound when
// the subtask is missing, ErrForbidden on a self-assignment, ErrInvalidState
// when the subtask is not claimable.
func (e *AssignmentEngine) Accept(ctx context.Context, subtaskID, providerUserID, deviceID string) (*Assignment, error) {
	if subtaskID == "" || providerUserID == "" || deviceID == "" {
		return nil, fmt.Errorf("subtask, provider and device IDs are required")
	}

	provider, err := e.models.Users.Get(ctx, e.models.DBConnectionPool, providerUserID)
	if err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			return nil, fmt.Errorf("provider %s does not exist: %w", providerUserID, ErrForbidden)
		}
		return nil, fmt.Errorf("loading provider %s: %w", providerUserID, err)
	}
	if !provider.IsActive {
		return nil, fmt.Errorf("provider %s is inactive: %w", providerUserID, ErrForbidden)
	}

	started := time.Now()
	assignment, err := db.RunInSerializableTransactionWithResult(ctx, e.models.DBConnectionPool, e.maxClaimAttempts, func(dbTx db.DBTransaction) (*Assignment, error) {
		subtask, innerErr := e.models.Subtasks.GetForUpdate(ctx, dbTx, subtaskID)
		if innerErr != nil {
			return nil, innerErr
		}

		task, innerErr := e.models.Tasks.Get(ctx, dbTx, subtask.TaskID)
		if innerErr != nil {
			return nil, fmt.Errorf("loading parent task %s: %w", subtask.TaskID, innerErr)
		}
		if task.UserID == "" {
			return nil, fmt.Errorf("task %s has no owner: %w", task.ID, ErrInvalidState)
		}
		if task.UserID == providerUserID && !e.allowSelfAssignment {
			return nil, fmt.Errorf("provider %s owns task %s: %w", providerUserID, task.ID, ErrForbidden)
		}
		if !isClaimable(subtask) {
			return nil, fmt.Errorf("subtask %s is %s: %w", subtask.ID, subtask.Status, ErrInvalidState)
		}

		return e.claim(ctx, dbTx, subtask, provider, deviceID)
	})
	if err != nil {
		return nil, fmt.Errorf("accepting subtask %s for provider %s: %w", subtaskID, providerUserID, mapDBError(err))
	}

	e.monitorClaim(ctx, time.Since(started), assignment.Reassignment)
	log.Ctx(ctx).Infof("subtask %s accepted by provider %s on device %s", subtaskID, providerUserID, deviceID)

	return assignment, nil
}

// isClaimable mirrors the eligibility filter of the claim query: pending
// work, or failed work waiting for a new provider.
func isClaimable(subtask *data.Subtask) bool {
	return subtask.Status == data.PendingSubtaskStatus ||
		(subtask.Status == data.FailedSubtaskStatus && subtask.RequiresReassignment)
}

// claim applies the full claim transition inside the caller's transaction.
func (e *AssignmentEngine) claim(ctx context.Context, dbTx db.DBTransaction, subtask *data.Subtask, provider *data.User, deviceID string) (*Assignment, error) {
	now := time.Now().UTC()
	reassignment := subtask.RequiresReassignment
	webGpuPreferred := provider.HasGPUCapability()

	executionState := data.ExecutionState{
		Phase:           data.ExecutingExecutionPhase,
		ProviderUserID:  &provider.ID,
		WebGpuPreferred: &webGpuPreferred,
	}

	err := e.models.Subtasks.Claim(ctx, dbTx, subtask.ID, data.SubtaskClaim{
		ProviderUserID:   provider.ID,
		DeviceID:         deviceID,
		Now:              now,
		NextHeartbeatDue: now.Add(e.heartbeatInterval),
		ExecutionState:   executionState,
	})
	if err != nil {
		return nil, fmt.Errorf("applying claim of subtask %s: %w", subtask.ID, err)
	}

	if err = e.models.Tasks.PromoteToInProgress(ctx, dbTx, subtask.TaskID); err != nil {
		return nil, err
	}

	_, err = e.models.TimelineEvents.Insert(ctx, dbTx, subtask.ID, data.AssignmentTimelineEvent,
		fmt.Sprintf("Subtask assigned to provider %s", provider.ID),
		map[string]interface{}{
			"providerUserId":  provider.ID,
			"deviceId":        deviceID,
			"webGpuPreferred": webGpuPreferred,
		})
	if err != nil {
		return nil, fmt.Errorf("recording assignment event of subtask %s: %w", subtask.ID, err)
	}

	claimed, err := e.models.Subtasks.Get(ctx, dbTx, subtask.ID)
	if err != nil {
		return nil, fmt.Errorf("reloading claimed subtask %s: %w", subtask.ID, err)
	}
	task, err := e.models.Tasks.Get(ctx, dbTx, subtask.TaskID)
	if err != nil {
		return nil, fmt.Errorf("reloading parent task %s: %w", subtask.TaskID, err)
	}

	return &Assignment{Subtask: claimed, Task: task, Reassignment: reassignment}, nil
}

func (e *AssignmentEngine) monitorClaim(ctx context.Context, duration time.Duration, reassignment bool) {
	if e.monitorService == nil {
		return
	}
	if err := e.monitorService.MonitorCounters(monitor.SubtaskAssignmentsCounterTag, map[string]string{"reassignment": fmt.Sprintf("%t", reassignment)}); err != nil {
		log.Ctx(ctx).Errorf("monitoring assignment counter: %v", err)
	}
	if err := e.monitorService.MonitorDuration(duration, monitor.SubtaskClaimDurationTag, map[string]string{"outcome": "claimed"}); err != nil {
		log.Ctx(ctx).Errorf("monitoring claim duration: %v", err)
	}
}
