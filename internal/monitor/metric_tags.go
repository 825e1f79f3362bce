package monitor

// DefaultNamespace is the prometheus namespace shared by every metric the
// server exposes.
const DefaultNamespace = "tensorgrid"

type Subservice string

const (
	DBSubservice       Subservice = "db"
	EngineSubservice   Subservice = "engine"
	DispatchSubservice Subservice = "dispatch"
)

type MetricTag string

const (
	SuccessfulQueryDurationTag MetricTag = "successful_queries_duration"
	FailureQueryDurationTag    MetricTag = "failure_queries_duration"
	HttpRequestDurationTag     MetricTag = "requests_duration_seconds"
	// Subtask lifecycle:
	SubtaskClaimDurationTag      MetricTag = "subtask_claim_duration_seconds"
	SubtaskAssignmentsCounterTag MetricTag = "subtask_assignments_counter"
	SubtaskCompletionsCounterTag MetricTag = "subtask_completions_counter"
	SubtaskFailuresCounterTag    MetricTag = "subtask_failures_counter"
	TaskCompletionsCounterTag    MetricTag = "task_completions_counter"
	TaskFailuresCounterTag       MetricTag = "task_failures_counter"
	ResultPayloadBytesTag        MetricTag = "result_payload_bytes"
	// Device sessions:
	DeviceConnectionsCounterTag    MetricTag = "device_connections_counter"
	DeviceDisconnectionsCounterTag MetricTag = "device_disconnections_counter"
)

// Function metric tags are not part of ListAll: they are registered at
// runtime through RegisterFunctionMetric, against a live *sql.DB or a
// dispatch hub.
const (
	DBOpenConnectionsTag          MetricTag = "open_connections"
	DBMaxOpenConnectionsTag       MetricTag = "max_open_connections"
	DBInUseConnectionsTag         MetricTag = "in_use_connections"
	DBIdleConnectionsTag          MetricTag = "idle_connections"
	DBWaitCountTotalTag           MetricTag = "wait_count_total"
	DBWaitDurationSecondsTotalTag MetricTag = "wait_duration_seconds_total"
	DBMaxIdleClosedTotalTag       MetricTag = "max_idle_closed_total"
	DBMaxIdleTimeClosedTotalTag   MetricTag = "max_idle_time_closed_total"
	DBMaxLifetimeClosedTotalTag   MetricTag = "max_lifetime_closed_total"

	ConnectedDevicesTag MetricTag = "connected_devices"
)

func (m MetricTag) ListAll() []MetricTag {
	return []MetricTag{
		SuccessfulQueryDurationTag,
		FailureQueryDurationTag,
		HttpRequestDurationTag,
		SubtaskClaimDurationTag,
		SubtaskAssignmentsCounterTag,
		SubtaskCompletionsCounterTag,
		SubtaskFailuresCounterTag,
		TaskCompletionsCounterTag,
		TaskFailuresCounterTag,
		ResultPayloadBytesTag,
		DeviceConnectionsCounterTag,
		DeviceDisconnectionsCounterTag,
	}
}
