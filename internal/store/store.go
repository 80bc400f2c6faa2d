// Package store persists run records. Every backend upserts by run id, lists
// newest first and skips rows it cannot decode.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/scriptgym/api/schemas"
)

// ErrRunNotFound is returned by Get and Delete for an unknown run id.
var ErrRunNotFound = errors.New("run not found")

// Store is the run history repository.
type Store interface {
	Save(ctx context.Context, rec *schemas.RunRecord) error
	Load(ctx context.Context) ([]schemas.RunRecord, error)
	Get(ctx context.Context, id string) (*schemas.RunRecord, error)
	Delete(ctx context.Context, id string) error
	Clear(ctx context.Context) error
	Close() error
}

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// timestampLayout is fixed-width so text columns sort chronologically.
const timestampLayout = "2006-01-02T15:04:05.000000Z"

const localTimestampLayout = "2006-01-02T15:04:05.999999999"

// row is the column layout shared by the SQL backends: scalar summary columns
// plus JSON documents for the nested parts.
type row struct {
	ID            string
	Timestamp     time.Time
	SuccessRate   float64
	TotalCycles   int
	Converged     bool
	Error         string
	Config        []byte
	Results       []byte
	Optimizations []byte
}

func encodeRow(rec *schemas.RunRecord) (row, error) {
	if rec == nil || rec.ID == "" {
		return row{}, fmt.Errorf("run record must have an id")
	}
	results := rec.Results
	if results == nil {
		results = []schemas.ScenarioResult{}
	}
	history := rec.OptimizationHistory
	if history == nil {
		history = []schemas.OptimizationEvent{}
	}

	r := row{
		ID:          rec.ID,
		Timestamp:   rec.Timestamp.UTC(),
		SuccessRate: rec.SuccessRate,
		TotalCycles: rec.TotalCycles,
		Converged:   rec.Converged,
		Error:       rec.Error,
	}
	var err error
	// The api key never reaches storage.
	if r.Config, err = json.Marshal(rec.Config.Redacted()); err != nil {
		return row{}, fmt.Errorf("failed to encode config: %w", err)
	}
	if r.Results, err = json.Marshal(results); err != nil {
		return row{}, fmt.Errorf("failed to encode results: %w", err)
	}
	if r.Optimizations, err = json.Marshal(history); err != nil {
		return row{}, fmt.Errorf("failed to encode optimization history: %w", err)
	}
	return r, nil
}

func (r row) decode() (schemas.RunRecord, error) {
	rec := schemas.RunRecord{
		ID:          r.ID,
		Timestamp:   r.Timestamp,
		SuccessRate: r.SuccessRate,
		TotalCycles: r.TotalCycles,
		Converged:   r.Converged,
		Error:       r.Error,
	}
	if err := json.Unmarshal(r.Config, &rec.Config); err != nil {
		return rec, fmt.Errorf("run %s: corrupt config: %w", r.ID, err)
	}
	if err := json.Unmarshal(r.Results, &rec.Results); err != nil {
		return rec, fmt.Errorf("run %s: corrupt results: %w", r.ID, err)
	}
	if err := json.Unmarshal(r.Optimizations, &rec.OptimizationHistory); err != nil {
		return rec, fmt.Errorf("run %s: corrupt optimization history: %w", r.ID, err)
	}
	return rec, nil
}

func formatTimestamp(t time.Time) string { return t.UTC().Format(timestampLayout) }

func parseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(timestampLayout, s); err == nil {
		return t, nil
	}
	// Rows written by other tools may carry any RFC 3339 value, or a zoneless
	// ISO 8601 local time.
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	return time.ParseInLocation(localTimestampLayout, s, time.Local)
}
