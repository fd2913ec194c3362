// Package merge combines any number of per-host usage reports into one
// canonical report with recomputed rollups. The result depends only on the
// set of (date, row-key) buckets and their field-wise sums, never on input
// order.
package merge

import (
	"errors"
	"math"
	"sort"
	"time"

	"github.com/vnmchuo/usage-relay/internal/report"
)

var (
	// ErrEmptyInput means Combine was called with no reports at all.
	ErrEmptyInput = errors.New("merge: no reports to combine")
	// ErrNoContributionRows means every input report had zero contributions.
	ErrNoContributionRows = errors.New("merge: no contribution rows in any report")
)

// Combine merges reports into one canonical report. Rows sharing a
// (date, source, modelId, providerId) key are summed field-wise; summaries,
// year rollups, and intensity buckets are recomputed from the merged rows
// only; input summaries are treated as stale and ignored. GeneratedAt is
// the merge time.
func Combine(reports []*report.Report) (*report.Report, error) {
	return CombineAt(reports, time.Now().UTC())
}

// CombineAt is Combine with an explicit generation timestamp.
func CombineAt(reports []*report.Report, now time.Time) (*report.Report, error) {
	if len(reports) == 0 {
		return nil, ErrEmptyInput
	}

	byDate := make(map[string]map[report.RowKey]*report.SourceRow)
	for _, in := range reports {
		if in == nil {
			continue
		}
		for _, day := range in.Days {
			rows := byDate[day.Date]
			if rows == nil {
				rows = make(map[report.RowKey]*report.SourceRow)
				byDate[day.Date] = rows
			}
			for _, src := range day.Rows {
				src.Tokens.Normalize()
				if src.Cost < 0 || math.IsNaN(src.Cost) || math.IsInf(src.Cost, 0) {
					src.Cost = 0
				}
				if src.Messages < 0 {
					src.Messages = 0
				}
				key := src.Key()
				acc := rows[key]
				if acc == nil {
					acc = &report.SourceRow{
						Source:     key.Source,
						ModelID:    key.ModelID,
						ProviderID: key.ProviderID,
					}
					rows[key] = acc
				}
				acc.Tokens.Add(src.Tokens)
				acc.Cost += src.Cost
				acc.Messages += src.Messages
			}
		}
	}
	if len(byDate) == 0 {
		return nil, ErrNoContributionRows
	}

	dates := make([]string, 0, len(byDate))
	for d := range byDate {
		dates = append(dates, d)
	}
	sort.Strings(dates)

	out := &report.Report{
		Metadata: report.Metadata{
			GeneratedAt: now,
			Version:     report.FormatVersion,
			DateRange:   report.DateRange{Start: dates[0], End: dates[len(dates)-1]},
		},
		Days: make([]report.DailyContribution, 0, len(dates)),
	}

	sourceSet := make(map[string]struct{})
	modelSet := make(map[string]struct{})
	yearAgg := make(map[string]*report.YearSummary)
	var maxDayCost float64

	for _, date := range dates {
		rows := byDate[date]
		keys := make([]report.RowKey, 0, len(rows))
		for k := range rows {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })

		day := report.DailyContribution{Date: date, Rows: make([]report.SourceRow, 0, len(keys))}
		for _, k := range keys {
			row := *rows[k]
			day.Breakdown.Add(row.Tokens)
			day.Totals.Cost += row.Cost
			day.Totals.Messages += row.Messages
			day.Rows = append(day.Rows, row)
			sourceSet[row.Source] = struct{}{}
			modelSet[row.ModelID] = struct{}{}
		}
		day.Totals.Tokens = day.Breakdown.Total()
		if day.Totals.Cost > maxDayCost {
			maxDayCost = day.Totals.Cost
		}

		year := yearOf(date)
		ys := yearAgg[year]
		if ys == nil {
			ys = &report.YearSummary{Year: year, FirstDate: date, LastDate: date}
			yearAgg[year] = ys
		}
		ys.TotalTokens += day.Totals.Tokens
		ys.TotalCost += day.Totals.Cost
		if date < ys.FirstDate {
			ys.FirstDate = date
		}
		if date > ys.LastDate {
			ys.LastDate = date
		}

		out.Summary.TotalTokens += day.Totals.Tokens
		out.Summary.TotalCost += day.Totals.Cost
		out.Summary.TotalMessages += day.Totals.Messages
		out.Days = append(out.Days, day)
	}

	// Intensity needs the global maximum, so it is assigned last.
	for i := range out.Days {
		out.Days[i].Intensity = intensity(out.Days[i].Totals.Cost, maxDayCost)
	}

	out.Summary.ActiveDays = len(out.Days)
	out.Summary.TotalDays = len(out.Days)
	out.Summary.MaxCostInSingleDay = maxDayCost
	if out.Summary.ActiveDays > 0 {
		out.Summary.AveragePerDay = out.Summary.TotalCost / float64(out.Summary.ActiveDays)
	}
	out.Summary.Sources = sortedSet(sourceSet)
	out.Summary.Models = sortedSet(modelSet)

	years := make([]string, 0, len(yearAgg))
	for y := range yearAgg {
		years = append(years, y)
	}
	sort.Strings(years)
	for _, y := range years {
		out.Years = append(out.Years, *yearAgg[y])
	}

	return out, nil
}

// intensity buckets a day's cost relative to the maximum single-day cost.
func intensity(dayCost, maxCost float64) int {
	if dayCost <= 0 || maxCost <= 0 {
		return 0
	}
	switch ratio := dayCost / maxCost; {
	case ratio < 0.25:
		return 1
	case ratio < 0.50:
		return 2
	case ratio < 0.75:
		return 3
	default:
		return 4
	}
}

func yearOf(date string) string {
	if len(date) < 4 {
		return date
	}
	return date[:4]
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
