package monitor

import (
	"net/http"
	"time"
)

type FuncMetricType string

const (
	FuncGaugeType   FuncMetricType = "gauge"
	FuncCounterType FuncMetricType = "counter"
)

// FuncMetricOptions describes a metric whose value is pulled from a callback
// at scrape time, such as sql.DBStats fields or the connected-device count.
type FuncMetricOptions struct {
	Namespace  string
	Subservice string
	Name       string
	Help       string
	Labels     map[string]string
	Function   func() float64
}

type MonitorClient interface {
	GetMetricHttpHandler() http.Handler
	GetMetricType() MetricType
	MonitorHttpRequestDuration(duration time.Duration, labels HttpRequestLabels)
	MonitorDBQueryDuration(duration time.Duration, tag MetricTag, labels DBQueryLabels)
	MonitorCounters(tag MetricTag, labels map[string]string)
	MonitorDuration(duration time.Duration, tag MetricTag, labels map[string]string)
	MonitorHistogram(value float64, tag MetricTag, labels map[string]string)
	RegisterFunctionMetric(metricType FuncMetricType, opts FuncMetricOptions)
}
