package models

import (
	"time"

	"github.com/kjstillabower/climatescope/internal/analysis"
	"github.com/kjstillabower/climatescope/internal/cleaning"
)

// Every response carries the dataset version it was computed from so clients
// can detect a replaced dataset between chart refreshes.

type ColumnsResponse struct {
	DatasetVersion string                `json:"datasetVersion"`
	Columns        []analysis.ColumnInfo `json:"columns"`
}

type SummaryResponse struct {
	DatasetVersion string `json:"datasetVersion"`
	analysis.Summary
}

type ObservationsResponse struct {
	DatasetVersion string           `json:"datasetVersion"`
	Total          int              `json:"total"`
	Offset         int              `json:"offset"`
	Limit          int              `json:"limit"`
	Rows           []map[string]any `json:"rows"`
}

// GroupResponse backs the per-country choropleth.
type GroupResponse struct {
	DatasetVersion string                `json:"datasetVersion"`
	Metric         string                `json:"metric"`
	GroupBy        string                `json:"groupBy"`
	Groups         []analysis.GroupValue `json:"groups"`
}

type MonthlyResponse struct {
	DatasetVersion string                `json:"datasetVersion"`
	Metric         string                `json:"metric"`
	Points         []analysis.MonthPoint `json:"points"`
}

type HistogramResponse struct {
	DatasetVersion string         `json:"datasetVersion"`
	Metric         string         `json:"metric"`
	Bins           []analysis.Bin `json:"bins"`
	Stats          analysis.Stats `json:"stats"`
}

type CorrelationResponse struct {
	DatasetVersion string `json:"datasetVersion"`
	analysis.CorrMatrix
}

// ExtremesResponse lists flagged rows, most extreme first. Rows is truncated
// to the requested limit; Flagged is the full count.
type ExtremesResponse struct {
	DatasetVersion string `json:"datasetVersion"`
	analysis.Extremes
	Flagged int              `json:"flagged"`
	Rows    []map[string]any `json:"rows"`
}

// DatasetResponse describes the active dataset after a load or upload.
type DatasetResponse struct {
	Version  string           `json:"version"`
	Source   string           `json:"source"`
	Rows     int              `json:"rows"`
	Columns  []string         `json:"columns"`
	LoadedAt time.Time        `json:"loadedAt"`
	Cleaning *cleaning.Report `json:"cleaning,omitempty"`
}
