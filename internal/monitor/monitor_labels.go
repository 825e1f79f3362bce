package monitor

import "strconv"

type HttpRequestLabels struct {
	Status string
	Route  string
	Method string
}

type DBQueryLabels struct {
	QueryType string
}

// Claim outcomes reported on SubtaskClaimDurationTag.
const (
	ClaimOutcomeAssigned     = "assigned"
	ClaimOutcomeNoneEligible = "none_eligible"
	ClaimOutcomeConflict     = "conflict"
)

type ClaimLabels struct {
	Outcome string
}

func (c ClaimLabels) ToMap() map[string]string {
	return map[string]string{
		"outcome": c.Outcome,
	}
}

type AssignmentLabels struct {
	Reassignment bool
}

func (a AssignmentLabels) ToMap() map[string]string {
	return map[string]string{
		"reassignment": strconv.FormatBool(a.Reassignment),
	}
}

// Failure sources reported on SubtaskFailuresCounterTag.
const (
	FailureSourceDeviceReport        = "device_report"
	FailureSourceDeviceDisconnection = "device_disconnection"
	FailureSourceHeartbeatTimeout    = "heartbeat_timeout"
)

type SubtaskFailureLabels struct {
	Source string
}

func (f SubtaskFailureLabels) ToMap() map[string]string {
	return map[string]string{
		"source": f.Source,
	}
}

type ResultLabels struct {
	Outcome string
}

func (r ResultLabels) ToMap() map[string]string {
	return map[string]string{
		"outcome": r.Outcome,
	}
}
