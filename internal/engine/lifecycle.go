package engine

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx/types"

	"github.com/tensorgrid/tensorgrid-backend/db"
	"github.com/tensorgrid/tensorgrid-backend/internal/data"
	"github.com/tensorgrid/tensorgrid-backend/internal/monitor"
	"github.com/tensorgrid/tensorgrid-backend/pkg/log"
)

const (
	// DisconnectFailureReason is the synthetic failure reason recorded when a
	// device's dispatch session is lost while it holds work.
	DisconnectFailureReason = "Device disconnected unexpectedly"

	// HeartbeatTimeoutReason is the synthetic failure reason recorded when a
	// subtask's heartbeat deadline passes.
	HeartbeatTimeoutReason = "Heartbeat timeout"

	executionAcknowledgedMessage = "Execution acknowledged by provider"
)

// LifecycleEngine drives every subtask transition after the claim: execution
// acknowledgement, progress, completion and failure with reassignment. It is
// the only mutator of subtask terminal states and of the ledger.
type LifecycleEngine struct {
	models            *data.Models
	ledger            *Ledger
	monitorService    monitor.MonitorServiceInterface
	heartbeatInterval time.Duration
	maxTxAttempts     uint
}

type LifecycleEngineOptions struct {
	Models            *data.Models
	Ledger            *Ledger
	MonitorService    monitor.MonitorServiceInterface
	HeartbeatInterval time.Duration
	MaxTxAttempts     uint
}

func NewLifecycleEngine(opts LifecycleEngineOptions) (*LifecycleEngine, error) {
	if opts.Models == nil {
		return nil, fmt.Errorf("models is required for NewLifecycleEngine")
	}
	if opts.Ledger == nil {
		return nil, fmt.Errorf("ledger is required for NewLifecycleEngine")
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 5 * time.Minute
	}
	if opts.MaxTxAttempts == 0 {
		opts.MaxTxAttempts = db.DefaultSerializableMaxAttempts
	}
	return &LifecycleEngine{
		models:            opts.Models,
		ledger:            opts.Ledger,
		monitorService:    opts.MonitorService,
		heartbeatInterval: opts.HeartbeatInterval,
		maxTxAttempts:     opts.MaxTxAttempts,
	}, nil
}

// verifyHeldBy checks that the subtask is currently held by the calling
// provider. The comparison is constant-time so response timing does not
// reveal how much of a guessed provider ID matched.
func verifyHeldBy(subtask *data.Subtask, providerUserID string) error {
	if subtask.ProviderUserID == nil ||
		subtle.ConstantTimeCompare([]byte(*subtask.ProviderUserID), []byte(providerUserID)) != 1 {
		return fmt.Errorf("subtask %s is not held by the calling provider: %w", subtask.ID, ErrForbidden)
	}
	return nil
}

func verifyExecutable(subtask *data.Subtask) error {
	if !subtask.Status.IsExecutable() {
		return fmt.Errorf("subtask %s is %s: %w", subtask.ID, subtask.Status, ErrInvalidState)
	}
	return nil
}

// AcknowledgeExecutionStart records that the device began running the
// subtask. Every acknowledgement counts as a heartbeat, but only the first
// one appends a timeline event.
func (e *LifecycleEngine) AcknowledgeExecutionStart(ctx context.Context, subtaskID, providerUserID string) error {
	err := db.RunInSerializableTransaction(ctx, e.models.DBConnectionPool, e.maxTxAttempts, func(dbTx db.DBTransaction) error {
		subtask, innerErr := e.models.Subtasks.GetForUpdate(ctx, dbTx, subtaskID)
		if innerErr != nil {
			return innerErr
		}
		if innerErr = verifyHeldBy(subtask, providerUserID); innerErr != nil {
			return innerErr
		}
		if innerErr = verifyExecutable(subtask); innerErr != nil {
			return innerErr
		}

		alreadyAcknowledged := subtask.Status == data.ExecutingSubtaskStatus &&
			subtask.ExecutionState.Message != nil &&
			*subtask.ExecutionState.Message == executionAcknowledgedMessage

		now := time.Now().UTC()
		message := executionAcknowledgedMessage
		executionState := subtask.ExecutionState
		executionState.Phase = data.ExecutingExecutionPhase
		executionState.Message = &message

		innerErr = e.models.Subtasks.RecordExecutionStart(ctx, dbTx, subtask.ID, now, now.Add(e.heartbeatInterval), executionState)
		if innerErr != nil {
			return innerErr
		}

		if alreadyAcknowledged {
			return nil
		}
		_, innerErr = e.models.TimelineEvents.Insert(ctx, dbTx, subtask.ID, data.ExecutionAcknowledgedTimelineEvent,
			executionAcknowledgedMessage, map[string]interface{}{"providerUserId": providerUserID})
		return innerErr
	})
	if err != nil {
		return fmt.Errorf("acknowledging execution start of subtask %s: %w", subtaskID, mapDBError(err))
	}

	return nil
}

// UpdateProgress stores a progress report and refreshes the heartbeat clock.
// The percentage is clamped to [0, 100] and never moves backwards within one
// assignment; a stale lower report keeps the stored value.
func (e *LifecycleEngine) UpdateProgress(ctx context.Context, subtaskID, providerUserID string, percent int) error {
	if percent < 0 {
		percent = 0
	} else if percent > 100 {
		percent = 100
	}

	err := db.RunInSerializableTransaction(ctx, e.models.DBConnectionPool, e.maxTxAttempts, func(dbTx db.DBTransaction) error {
		subtask, innerErr := e.models.Subtasks.GetForUpdate(ctx, dbTx, subtaskID)
		if innerErr != nil {
			return innerErr
		}
		if innerErr = verifyHeldBy(subtask, providerUserID); innerErr != nil {
			return innerErr
		}
		if innerErr = verifyExecutable(subtask); innerErr != nil {
			return innerErr
		}

		if percent < subtask.ProgressPercentage {
			percent = subtask.ProgressPercentage
		}

		now := time.Now().UTC()
		executionState := subtask.ExecutionState
		executionState.Phase = data.ExecutingExecutionPhase
		executionState = executionState.WithMetadata(map[string]interface{}{
			"progressPercentage": percent,
			"heartbeatAtUtc":     now.Format(time.RFC3339),
		})

		innerErr = e.models.Subtasks.RecordProgress(ctx, dbTx, subtask.ID, percent, now, now.Add(e.heartbeatInterval), executionState)
		if innerErr != nil {
			return innerErr
		}

		_, innerErr = e.models.TimelineEvents.Insert(ctx, dbTx, subtask.ID, data.ProgressTimelineEvent,
			fmt.Sprintf("Progress reported: %d%%", percent),
			map[string]interface{}{"progressPercentage": percent})
		return innerErr
	})
	if err != nil {
		return fmt.Errorf("updating progress of subtask %s: %w", subtaskID, mapDBError(err))
	}

	return nil
}

// Complete applies the terminal completion of a subtask and settles its
// ledger entries, all in one transaction. It reports whether this completion
// also finished the parent task. A second call for the same subtask fails
// with ErrInvalidState and leaves the ledger untouched.
func (e *LifecycleEngine) Complete(ctx context.Context, subtaskID, providerUserID string, resultsJSON []byte) (taskCompleted bool, err error) {
	metrics, err := parseResultMetrics(resultsJSON)
	if err != nil {
		return false, fmt.Errorf("completing subtask %s: %w", subtaskID, err)
	}

	taskCompleted, err = db.RunInSerializableTransactionWithResult(ctx, e.models.DBConnectionPool, e.maxTxAttempts, func(dbTx db.DBTransaction) (bool, error) {
		subtask, innerErr := e.models.Subtasks.GetForUpdate(ctx, dbTx, subtaskID)
		if innerErr != nil {
			return false, innerErr
		}
		if innerErr = verifyHeldBy(subtask, providerUserID); innerErr != nil {
			return false, innerErr
		}
		if innerErr = verifyExecutable(subtask); innerErr != nil {
			return false, innerErr
		}

		task, innerErr := e.models.Tasks.Get(ctx, dbTx, subtask.TaskID)
		if innerErr != nil {
			return false, fmt.Errorf("loading parent task %s: %w", subtask.TaskID, innerErr)
		}

		now := time.Now().UTC()
		executionState := subtask.ExecutionState
		executionState.Phase = data.CompletedExecutionPhase
		if metrics.Device != "" {
			executionState = executionState.WithMetadata(map[string]interface{}{"device": metrics.Device})
		}

		innerErr = e.models.Subtasks.RecordCompletion(ctx, dbTx, subtask.ID, data.SubtaskCompletion{
			Results:         types.JSONText(resultsJSON),
			Now:             now,
			DurationSeconds: metrics.DurationSeconds,
			CostUSD:         metrics.CostUSD,
			ExecutionState:  executionState,
		})
		if innerErr != nil {
			return false, innerErr
		}

		_, innerErr = e.models.TimelineEvents.Insert(ctx, dbTx, subtask.ID, data.CompletionTimelineEvent,
			"Subtask completed", map[string]interface{}{"providerUserId": providerUserID})
		if innerErr != nil {
			return false, innerErr
		}

		unfinished, innerErr := e.models.Subtasks.CountUnfinishedByTaskID(ctx, dbTx, subtask.TaskID)
		if innerErr != nil {
			return false, innerErr
		}
		allSiblingsCompleted := unfinished == 0
		if allSiblingsCompleted {
			if innerErr = e.models.Tasks.Complete(ctx, dbTx, subtask.TaskID, now); innerErr != nil {
				return false, innerErr
			}
		} else {
			if innerErr = e.models.Tasks.PromoteToInProgress(ctx, dbTx, subtask.TaskID); innerErr != nil {
				return false, innerErr
			}
		}

		// Settle with the effective cost: the submitted metrics override the
		// value stored at creation.
		settled := *subtask
		if metrics.CostUSD.Valid {
			settled.CostUSD = metrics.CostUSD
		}
		if innerErr = e.ledger.Settle(ctx, dbTx, &settled, task); innerErr != nil {
			return false, innerErr
		}

		return allSiblingsCompleted, nil
	})
	if err != nil {
		return false, fmt.Errorf("completing subtask %s: %w", subtaskID, mapDBError(err))
	}

	e.monitorCompletion(ctx, taskCompleted, len(resultsJSON))
	log.Ctx(ctx).Infof("subtask %s completed by provider %s (task completed: %t)", subtaskID, providerUserID, taskCompleted)

	return taskCompleted, nil
}

// Fail applies the terminal failure of a subtask and decides what happens
// next: with at least one alternative active peer the subtask returns to the
// queue for reassignment, otherwise the parent task fails unless its
// bindings are filled via the API. It reports whether the subtask was queued
// for reassignment.
func (e *LifecycleEngine) Fail(ctx context.Context, subtaskID, providerUserID, reason string) (reassigned bool, err error) {
	outcome, err := db.RunInSerializableTransactionWithResult(ctx, e.models.DBConnectionPool, e.maxTxAttempts, func(dbTx db.DBTransaction) (failureOutcome, error) {
		subtask, innerErr := e.models.Subtasks.GetForUpdate(ctx, dbTx, subtaskID)
		if innerErr != nil {
			return failureOutcome{}, innerErr
		}
		if innerErr = verifyHeldBy(subtask, providerUserID); innerErr != nil {
			return failureOutcome{}, innerErr
		}
		if innerErr = verifyExecutable(subtask); innerErr != nil {
			return failureOutcome{}, innerErr
		}

		return e.failInTx(ctx, dbTx, subtask, providerUserID, reason, data.FailureTimelineEvent)
	})
	if err != nil {
		return false, fmt.Errorf("failing subtask %s: %w", subtaskID, mapDBError(err))
	}

	e.monitorFailure(ctx, "provider", outcome)
	log.Ctx(ctx).Infof("subtask %s failed (reassigned: %t): %s", subtaskID, outcome.reassigned, reason)

	return outcome.reassigned, nil
}

// FailAllForDevice fails every subtask the given device still holds. It is
// the disconnect path: each subtask traverses the regular failure flow, with
// its own transaction, a synthetic reason and a device-disconnection event
// type. Subtasks that reach a terminal state concurrently are skipped.
func (e *LifecycleEngine) FailAllForDevice(ctx context.Context, deviceID, providerUserID string) (failedCount int, err error) {
	subtasks, err := e.models.Subtasks.GetAllActiveByDeviceID(ctx, e.models.DBConnectionPool, deviceID)
	if err != nil {
		return 0, fmt.Errorf("listing active subtasks of device %s: %w", deviceID, err)
	}

	for _, subtask := range subtasks {
		outcome, failErr := db.RunInSerializableTransactionWithResult(ctx, e.models.DBConnectionPool, e.maxTxAttempts, func(dbTx db.DBTransaction) (failureOutcome, error) {
			locked, innerErr := e.models.Subtasks.GetForUpdate(ctx, dbTx, subtask.ID)
			if innerErr != nil {
				return failureOutcome{}, innerErr
			}
			if innerErr = verifyHeldBy(locked, providerUserID); innerErr != nil {
				return failureOutcome{}, innerErr
			}
			if innerErr = verifyExecutable(locked); innerErr != nil {
				return failureOutcome{}, innerErr
			}

			return e.failInTx(ctx, dbTx, locked, providerUserID, DisconnectFailureReason, data.DeviceDisconnectionFailureTimelineEvent)
		})
		if failErr != nil {
			// A subtask completed or moved in the race window is left alone.
			if errors.Is(failErr, ErrInvalidState) || errors.Is(failErr, ErrForbidden) {
				log.Ctx(ctx).Warnf("skipping disconnect failure of subtask %s: %v", subtask.ID, failErr)
				continue
			}
			return failedCount, fmt.Errorf("failing subtask %s of disconnected device %s: %w", subtask.ID, deviceID, mapDBError(failErr))
		}

		failedCount++
		e.monitorFailure(ctx, "device-disconnect", outcome)
	}

	if failedCount > 0 {
		log.Ctx(ctx).Infof("failed %d subtask(s) after device %s disconnected", failedCount, deviceID)
	}

	return failedCount, nil
}

// SweepOverdueHeartbeats fails every subtask whose heartbeat deadline passed
// while still assigned or executing. Called periodically by the heartbeat
// monitor job.
func (e *LifecycleEngine) SweepOverdueHeartbeats(ctx context.Context) (failedCount int, err error) {
	now := time.Now().UTC()
	subtasks, err := e.models.Subtasks.GetAllWithOverdueHeartbeat(ctx, e.models.DBConnectionPool, now)
	if err != nil {
		return 0, fmt.Errorf("listing subtasks with overdue heartbeats: %w", err)
	}

	for _, subtask := range subtasks {
		outcome, failErr := db.RunInSerializableTransactionWithResult(ctx, e.models.DBConnectionPool, e.maxTxAttempts, func(dbTx db.DBTransaction) (failureOutcome, error) {
			locked, innerErr := e.models.Subtasks.GetForUpdate(ctx, dbTx, subtask.ID)
			if innerErr != nil {
				return failureOutcome{}, innerErr
			}
			if innerErr = verifyExecutable(locked); innerErr != nil {
				return failureOutcome{}, innerErr
			}
			// A heartbeat may have landed between the sweep query and the
			// row lock; only a deadline still in the past counts as missed.
			if locked.NextHeartbeatDueAt == nil || locked.NextHeartbeatDueAt.After(now) {
				return failureOutcome{}, fmt.Errorf("subtask %s heartbeat recovered: %w", locked.ID, ErrInvalidState)
			}
			if locked.ProviderUserID == nil {
				return failureOutcome{}, fmt.Errorf("subtask %s has no provider: %w", locked.ID, ErrInvalidState)
			}

			return e.failInTx(ctx, dbTx, locked, *locked.ProviderUserID, HeartbeatTimeoutReason, data.FailureTimelineEvent)
		})
		if failErr != nil {
			if errors.Is(failErr, ErrInvalidState) {
				continue
			}
			return failedCount, fmt.Errorf("failing subtask %s on heartbeat timeout: %w", subtask.ID, mapDBError(failErr))
		}

		failedCount++
		e.monitorFailure(ctx, "heartbeat-timeout", outcome)
		log.Ctx(ctx).Warnf("subtask %s failed on heartbeat timeout (reassigned: %t)", subtask.ID, outcome.reassigned)
	}

	return failedCount, nil
}

// failureOutcome reports what the failure flow decided inside its
// transaction, so the monitoring after the commit counts the right thing.
type failureOutcome struct {
	reassigned bool
	taskFailed bool
}

// failInTx applies the failure flow to an already locked and verified
// subtask. The failure write always happens; whether the subtask then
// returns to the queue depends on whether any alternative active peer
// exists. With nobody to reassign to, the parent task fails too, unless its
// bindings are filled through the API and clients may retry externally.
func (e *LifecycleEngine) failInTx(ctx context.Context, dbTx db.DBTransaction, subtask *data.Subtask, providerUserID, reason string, eventType data.TimelineEventType) (failureOutcome, error) {
	if strings.TrimSpace(reason) == "" {
		return failureOutcome{}, fmt.Errorf("failure reason is required: %w", ErrInvalidState)
	}

	now := time.Now().UTC()
	executionState := subtask.ExecutionState
	executionState.Phase = data.FailedExecutionPhase
	executionState = executionState.WithMetadata(map[string]interface{}{
		"failureReason": reason,
		"failedAtUtc":   now.Format(time.RFC3339),
	})

	if err := e.models.Subtasks.RecordFailure(ctx, dbTx, subtask.ID, reason, now, executionState); err != nil {
		return failureOutcome{}, err
	}

	if _, err := e.models.TimelineEvents.Insert(ctx, dbTx, subtask.ID, eventType, reason,
		map[string]interface{}{"providerUserId": providerUserID, "failureReason": reason}); err != nil {
		return failureOutcome{}, err
	}

	otherActiveUsers, err := e.models.Users.CountOtherActiveUsers(ctx, dbTx, providerUserID)
	if err != nil {
		return failureOutcome{}, err
	}
	canReassign := otherActiveUsers > 1

	if canReassign {
		if err = e.models.Subtasks.ClearForReassignment(ctx, dbTx, subtask.ID, now); err != nil {
			return failureOutcome{}, err
		}
		_, err = e.models.TimelineEvents.Insert(ctx, dbTx, subtask.ID, data.ReassignmentRequestedTimelineEvent,
			"Subtask queued for reassignment", map[string]interface{}{"previousProviderUserId": providerUserID})
		if err != nil {
			return failureOutcome{}, err
		}
		return failureOutcome{reassigned: true}, nil
	}

	task, err := e.models.Tasks.Get(ctx, dbTx, subtask.TaskID)
	if err != nil {
		return failureOutcome{}, fmt.Errorf("loading parent task %s: %w", subtask.TaskID, err)
	}
	if task.FillBindingsViaAPI {
		// API-filled tasks stay alive: the owner may rebind inputs and retry
		// through the intake API.
		return failureOutcome{}, nil
	}

	if err = e.models.Tasks.Fail(ctx, dbTx, task.ID); err != nil {
		return failureOutcome{}, err
	}
	_, err = e.models.TimelineEvents.Insert(ctx, dbTx, subtask.ID, data.TaskFailedTimelineEvent,
		"Task failed: no providers available for reassignment", nil)
	if err != nil {
		return failureOutcome{}, err
	}

	return failureOutcome{taskFailed: true}, nil
}

func (e *LifecycleEngine) monitorCompletion(ctx context.Context, taskCompleted bool, resultPayloadBytes int) {
	if e.monitorService == nil {
		return
	}
	if err := e.monitorService.MonitorCounters(monitor.SubtaskCompletionsCounterTag, nil); err != nil {
		log.Ctx(ctx).Errorf("monitoring completion counter: %v", err)
	}
	if taskCompleted {
		if err := e.monitorService.MonitorCounters(monitor.TaskCompletionsCounterTag, nil); err != nil {
			log.Ctx(ctx).Errorf("monitoring task completion counter: %v", err)
		}
	}
	if err := e.monitorService.MonitorHistogram(float64(resultPayloadBytes), monitor.ResultPayloadBytesTag, map[string]string{"outcome": "completed"}); err != nil {
		log.Ctx(ctx).Errorf("monitoring result payload size: %v", err)
	}
}

func (e *LifecycleEngine) monitorFailure(ctx context.Context, source string, outcome failureOutcome) {
	if e.monitorService == nil {
		return
	}
	if err := e.monitorService.MonitorCounters(monitor.SubtaskFailuresCounterTag, map[string]string{"source": source}); err != nil {
		log.Ctx(ctx).Errorf("monitoring failure counter: %v", err)
	}
	if outcome.taskFailed {
		if err := e.monitorService.MonitorCounters(monitor.TaskFailuresCounterTag, nil); err != nil {
			log.Ctx(ctx).Errorf("monitoring task failure counter: %v", err)
		}
	}
}
