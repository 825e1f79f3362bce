package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

func PrometheusMetrics() map[MetricTag]prometheus.Collector {
	metrics := make(map[MetricTag]prometheus.Collector)

	for tag, summaryVec := range SummaryVecMetrics {
		metrics[tag] = summaryVec
	}

	for tag, counter := range CounterMetrics {
		metrics[tag] = counter
	}

	for tag, histogramVec := range HistogramVecMetrics {
		metrics[tag] = histogramVec
	}

	for tag, counterVec := range CounterVecMetrics {
		metrics[tag] = counterVec
	}

	return metrics
}

var SummaryVecMetrics = map[MetricTag]*prometheus.SummaryVec{
	HttpRequestDurationTag: prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Namespace: DefaultNamespace, Subsystem: "http", Name: string(HttpRequestDurationTag),
		Help: "HTTP requests durations, sliding window = 10m",
	},
		[]string{"status", "route", "method"},
	),
	SuccessfulQueryDurationTag: prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Namespace: DefaultNamespace, Subsystem: "db", Name: string(SuccessfulQueryDurationTag),
		Help: "Successful DB query durations",
	},
		[]string{"query_type"},
	),
	FailureQueryDurationTag: prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Namespace: DefaultNamespace, Subsystem: "db", Name: string(FailureQueryDurationTag),
		Help: "Failure DB query durations",
	},
		[]string{"query_type"},
	),
	SubtaskClaimDurationTag: prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Namespace: DefaultNamespace, Subsystem: "engine", Name: string(SubtaskClaimDurationTag),
		Help: "Durations of the transactional subtask claim, by outcome",
	},
		[]string{"outcome"},
	),
}

var CounterMetrics = map[MetricTag]prometheus.Counter{
	SubtaskCompletionsCounterTag: prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: DefaultNamespace, Subsystem: "engine", Name: string(SubtaskCompletionsCounterTag),
		Help: "A counter of subtasks reported completed by providers",
	}),
	TaskCompletionsCounterTag: prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: DefaultNamespace, Subsystem: "engine", Name: string(TaskCompletionsCounterTag),
		Help: "A counter of tasks whose subtasks all completed",
	}),
	TaskFailuresCounterTag: prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: DefaultNamespace, Subsystem: "engine", Name: string(TaskFailuresCounterTag),
		Help: "A counter of tasks failed because no reassignment was possible",
	}),
	DeviceConnectionsCounterTag: prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: DefaultNamespace, Subsystem: "dispatch", Name: string(DeviceConnectionsCounterTag),
		Help: "A counter of device socket connections accepted",
	}),
	DeviceDisconnectionsCounterTag: prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: DefaultNamespace, Subsystem: "dispatch", Name: string(DeviceDisconnectionsCounterTag),
		Help: "A counter of device socket disconnections",
	}),
}

var HistogramVecMetrics = map[MetricTag]*prometheus.HistogramVec{
	ResultPayloadBytesTag: prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: DefaultNamespace, Subsystem: "engine", Name: string(ResultPayloadBytesTag),
		Help: "A histogram of submitted result payload sizes",
	},
		[]string{"outcome"},
	),
}

var CounterVecMetrics = map[MetricTag]*prometheus.CounterVec{
	SubtaskAssignmentsCounterTag: prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: DefaultNamespace, Subsystem: "engine", Name: string(SubtaskAssignmentsCounterTag),
		Help: "A counter of subtask assignments, split by first assignment vs reassignment",
	},
		[]string{"reassignment"},
	),
	SubtaskFailuresCounterTag: prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: DefaultNamespace, Subsystem: "engine", Name: string(SubtaskFailuresCounterTag),
		Help: "A counter of subtask failures, split by failure source",
	},
		[]string{"source"},
	),
}
