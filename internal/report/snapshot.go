package report

import "time"

// ClientSnapshot is the latest report uploaded by one client. The server
// keeps exactly one per client id; each accepted upload replaces it.
type ClientSnapshot struct {
	ClientID   string    `json:"clientId"`
	CapturedAt time.Time `json:"capturedAt"`
	ReceivedAt time.Time `json:"receivedAt"`
	SourceHost string    `json:"sourceHost,omitempty"`
	Report     *Report   `json:"report"`
}

// SubmissionState is the single persisted record gating daily submissions.
// lastSubmittedDate only advances on success (or a dry run), so a failed
// attempt is retried on the next timer tick.
type SubmissionState struct {
	LastSubmittedDate string     `json:"lastSubmittedDate,omitempty"`
	LastSubmittedAt   *time.Time `json:"lastSubmittedAt,omitempty"`
	LastSubmitError   string     `json:"lastSubmitError,omitempty"`
	LastSubmissionID  string     `json:"lastSubmissionId,omitempty"`
}

// SubmissionRecord documents one calendar date's submission attempt. A
// same-day re-trigger overwrites the previous record.
type SubmissionRecord struct {
	Date         string         `json:"date"`
	CreatedAt    time.Time      `json:"createdAt"`
	DryRun       bool           `json:"dryRun"`
	SubmissionID string         `json:"submissionId,omitempty"`
	Response     map[string]any `json:"response,omitempty"`
	Summary      *Summary       `json:"summary,omitempty"`
	Report       *Report        `json:"report,omitempty"`
}
