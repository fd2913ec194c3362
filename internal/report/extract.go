package report

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// ErrNoReport means the payload held nothing recognizable as a report.
var ErrNoReport = errors.New("payload does not contain a usage report")

// Wrapper fields probed, in order, when the payload is not a bare report.
// Different client versions wrap the report differently; parsedStdout is the
// raw envelope the local accounting CLI prints.
var wrapperFields = []string{"payload", "submitPayload", "parsedStdout"}

// Extract locates a canonical Report inside raw JSON. The input may be a
// bare Report or an object wrapping one under a known field (wrappers may
// nest). The located subtree is decoded strictly into the typed shape and
// normalized.
func Extract(raw []byte) (*Report, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%w: invalid JSON", ErrNoReport)
	}
	res := gjson.ParseBytes(raw)
	sub, ok := locate(res, 0)
	if !ok {
		return nil, ErrNoReport
	}
	var rep Report
	if err := json.Unmarshal([]byte(sub.Raw), &rep); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoReport, err)
	}
	if err := rep.Validate(); err != nil {
		return nil, err
	}
	rep.Normalize()
	return &rep, nil
}

func locate(res gjson.Result, depth int) (gjson.Result, bool) {
	if depth > 3 || !res.IsObject() {
		return gjson.Result{}, false
	}
	if looksLikeReport(res) {
		return res, true
	}
	for _, field := range wrapperFields {
		inner := res.Get(field)
		if !inner.Exists() {
			continue
		}
		if inner.Type == gjson.String {
			// Some clients double-encode the report as a JSON string.
			parsed := gjson.Parse(inner.String())
			if found, ok := locate(parsed, depth+1); ok {
				return found, true
			}
			continue
		}
		if found, ok := locate(inner, depth+1); ok {
			return found, true
		}
	}
	return gjson.Result{}, false
}

func looksLikeReport(res gjson.Result) bool {
	days := res.Get("days")
	if !days.Exists() {
		return false
	}
	// A report with no activity serializes days as null.
	if days.Type != gjson.Null && !days.IsArray() {
		return false
	}
	return res.Get("summary").Exists()
}

// Validate rejects structurally broken reports: contributions without a date
// or rows missing their identifying source.
func (r *Report) Validate() error {
	for i := range r.Days {
		if r.Days[i].Date == "" {
			return fmt.Errorf("%w: contribution %d has no date", ErrNoReport, i)
		}
		for j := range r.Days[i].Rows {
			if r.Days[i].Rows[j].Source == "" {
				return fmt.Errorf("%w: row %d on %s has no source", ErrNoReport, j, r.Days[i].Date)
			}
		}
	}
	return nil
}
