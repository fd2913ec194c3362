// Package report defines the canonical usage report payload exchanged
// between upload clients, the ingestion server, and the remote accounting
// service, plus the server-held snapshot and submission-state documents.
package report

import (
	"math"
	"time"
)

// FormatVersion is stamped into report metadata on every merge.
const FormatVersion = "1"

// DateLayout is the calendar-date key format used throughout the system.
// Keys in this layout sort chronologically as plain strings.
const DateLayout = "2006-01-02"

// TokenCounts is a field-wise summable token breakdown.
type TokenCounts struct {
	Input      int64 `json:"input"`
	Output     int64 `json:"output"`
	CacheRead  int64 `json:"cacheRead"`
	CacheWrite int64 `json:"cacheWrite"`
	Reasoning  int64 `json:"reasoning"`
}

// Normalize clamps negative counts to zero.
func (t *TokenCounts) Normalize() {
	if t.Input < 0 {
		t.Input = 0
	}
	if t.Output < 0 {
		t.Output = 0
	}
	if t.CacheRead < 0 {
		t.CacheRead = 0
	}
	if t.CacheWrite < 0 {
		t.CacheWrite = 0
	}
	if t.Reasoning < 0 {
		t.Reasoning = 0
	}
}

// Add accumulates other into t field-wise.
func (t *TokenCounts) Add(other TokenCounts) {
	t.Input += other.Input
	t.Output += other.Output
	t.CacheRead += other.CacheRead
	t.CacheWrite += other.CacheWrite
	t.Reasoning += other.Reasoning
}

// Total is the sum across all five fields.
func (t TokenCounts) Total() int64 {
	return t.Input + t.Output + t.CacheRead + t.CacheWrite + t.Reasoning
}

// SourceRow is one (source, modelId, providerId) attribution bucket within a
// single day. At most one row per key exists in a canonical report.
type SourceRow struct {
	Source     string      `json:"source"`
	ModelID    string      `json:"modelId"`
	ProviderID string      `json:"providerId"`
	Tokens     TokenCounts `json:"tokens"`
	Cost       float64     `json:"cost"`
	Messages   int64       `json:"messages"`
}

// Key returns the row's identity within its day.
func (r SourceRow) Key() RowKey {
	return RowKey{Source: r.Source, ModelID: r.ModelID, ProviderID: r.ProviderID}
}

// RowKey identifies a SourceRow within one day.
type RowKey struct {
	Source     string
	ModelID    string
	ProviderID string
}

// Less orders keys lexicographically by (source, modelId, providerId).
func (k RowKey) Less(other RowKey) bool {
	if k.Source != other.Source {
		return k.Source < other.Source
	}
	if k.ModelID != other.ModelID {
		return k.ModelID < other.ModelID
	}
	return k.ProviderID < other.ProviderID
}

// DayTotals aggregates one day's rows.
type DayTotals struct {
	Tokens   int64   `json:"tokens"`
	Cost     float64 `json:"cost"`
	Messages int64   `json:"messages"`
}

// DailyContribution is one calendar date's usage: totals, a derived 0-4
// intensity bucket, a token breakdown, and the day's rows sorted by key.
type DailyContribution struct {
	Date      string      `json:"date"`
	Totals    DayTotals   `json:"totals"`
	Intensity int         `json:"intensity"`
	Breakdown TokenCounts `json:"breakdown"`
	Rows      []SourceRow `json:"rows"`
}

// DateRange bounds the contributions in a report.
type DateRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Metadata describes when and how a report was generated.
type Metadata struct {
	GeneratedAt time.Time `json:"generatedAt"`
	Version     string    `json:"version"`
	DateRange   DateRange `json:"dateRange"`
}

// Summary holds aggregate rollups recomputed from the contributions.
type Summary struct {
	TotalTokens        int64    `json:"totalTokens"`
	TotalCost          float64  `json:"totalCost"`
	TotalMessages      int64    `json:"totalMessages"`
	ActiveDays         int      `json:"activeDays"`
	TotalDays          int      `json:"totalDays"`
	AveragePerDay      float64  `json:"averagePerDay"`
	MaxCostInSingleDay float64  `json:"maxCostInSingleDay"`
	Sources            []string `json:"sources"`
	Models             []string `json:"models"`
}

// YearSummary rolls up one 4-digit year present in the report.
type YearSummary struct {
	Year        string  `json:"year"`
	TotalTokens int64   `json:"totalTokens"`
	TotalCost   float64 `json:"totalCost"`
	FirstDate   string  `json:"firstDate"`
	LastDate    string  `json:"lastDate"`
}

// Report is the canonical payload: metadata, recomputed summary, per-year
// rollups, and contributions sorted ascending by date.
type Report struct {
	Metadata Metadata            `json:"metadata"`
	Summary  Summary             `json:"summary"`
	Years    []YearSummary       `json:"years"`
	Days     []DailyContribution `json:"days"`
}

// Normalize clamps every numeric field decoded from an untrusted boundary:
// negative counts go to zero, non-finite costs go to zero.
func (r *Report) Normalize() {
	for i := range r.Days {
		day := &r.Days[i]
		day.Breakdown.Normalize()
		day.Totals.Cost = sanitizeCost(day.Totals.Cost)
		if day.Totals.Tokens < 0 {
			day.Totals.Tokens = 0
		}
		if day.Totals.Messages < 0 {
			day.Totals.Messages = 0
		}
		for j := range day.Rows {
			row := &day.Rows[j]
			row.Tokens.Normalize()
			row.Cost = sanitizeCost(row.Cost)
			if row.Messages < 0 {
				row.Messages = 0
			}
		}
	}
	r.Summary.TotalCost = sanitizeCost(r.Summary.TotalCost)
	r.Summary.AveragePerDay = sanitizeCost(r.Summary.AveragePerDay)
	r.Summary.MaxCostInSingleDay = sanitizeCost(r.Summary.MaxCostInSingleDay)
}

func sanitizeCost(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return v
}
