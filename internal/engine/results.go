package engine

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// ResultMetrics is the metrics block a device may attach to a submitted
// result. Both fields are optional; when present they override the values
// stored at subtask creation.
type ResultMetrics struct {
	DurationSeconds sql.NullFloat64
	CostUSD         decimal.NullDecimal
	Device          string
}

type resultEnvelope struct {
	Metrics *struct {
		DurationSeconds *json.Number `json:"durationSeconds"`
		CostUSD         *json.Number `json:"costUsd"`
		Device          string       `json:"device"`
	} `json:"metrics"`
}

// parseResultMetrics extracts the optional metrics from a submitted result
// payload. Numbers are decoded as json.Number so the cost keeps its decimal
// precision; a cost that does not parse as a decimal falls back to its
// float64 reading.
func parseResultMetrics(resultsJSON []byte) (ResultMetrics, error) {
	var metrics ResultMetrics
	if len(resultsJSON) == 0 {
		return metrics, nil
	}

	var envelope resultEnvelope
	decoder := json.NewDecoder(bytes.NewReader(resultsJSON))
	decoder.UseNumber()
	if err := decoder.Decode(&envelope); err != nil {
		return metrics, fmt.Errorf("parsing result payload: %w", err)
	}
	if envelope.Metrics == nil {
		return metrics, nil
	}

	if envelope.Metrics.DurationSeconds != nil {
		duration, err := envelope.Metrics.DurationSeconds.Float64()
		if err != nil {
			return metrics, fmt.Errorf("parsing metrics.durationSeconds: %w", err)
		}
		metrics.DurationSeconds = sql.NullFloat64{Float64: duration, Valid: true}
	}

	if envelope.Metrics.CostUSD != nil {
		cost, err := decimal.NewFromString(envelope.Metrics.CostUSD.String())
		if err != nil {
			costFloat, floatErr := envelope.Metrics.CostUSD.Float64()
			if floatErr != nil {
				return metrics, fmt.Errorf("parsing metrics.costUsd: %w", err)
			}
			cost = decimal.NewFromFloat(costFloat)
		}
		metrics.CostUSD = decimal.NullDecimal{Decimal: cost, Valid: true}
	}

	metrics.Device = envelope.Metrics.Device

	return metrics, nil
}
