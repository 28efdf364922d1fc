package rank

import (
	"fmt"
	"time"
)

// Phrase is one search phrase tracked for a sheet. Index is its position in
// the ordered list returned by the PhraseSource.
type Phrase struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
}

// Entry is a single result revealed in a provider feed. It only lives for the
// duration of one crawl.
type Entry struct {
	Position    int
	DisplayName string
}

// Status is the coarse kind of an Outcome.
type Status string

// Outcome statuses.
const (
	StatusFound    Status = "found"
	StatusNotFound Status = "not_found"
	StatusFailed   Status = "failed"
)

// FailureReason is the coarse cause attached to a failed Outcome.
type FailureReason string

// Failure reasons produced by the feed crawler.
const (
	ReasonNavigation      FailureReason = "navigation"
	ReasonSelectorTimeout FailureReason = "selector_timeout"
	ReasonExtraction      FailureReason = "extraction"
	ReasonTimeout         FailureReason = "timeout"
	ReasonUnknown         FailureReason = "unknown"
)

// Outcome is the resolved rank of one phrase.
type Outcome struct {
	Status   Status        `json:"status"`
	Position int           `json:"position,omitempty"`
	Reason   FailureReason `json:"reason,omitempty"`
}

// Found returns an outcome for a match at the given 1-based position.
func Found(position int) Outcome {
	return Outcome{Status: StatusFound, Position: position}
}

// NotFound returns the outcome used when no entry matched within the examined depth.
func NotFound() Outcome {
	return Outcome{Status: StatusNotFound}
}

// Failed returns a failure outcome carrying the given reason.
func Failed(reason FailureReason) Outcome {
	if reason == "" {
		reason = ReasonUnknown
	}
	return Outcome{Status: StatusFailed, Reason: reason}
}

// Label is a short metric-friendly name for the outcome.
func (o Outcome) Label() string {
	if o.Status == StatusFailed {
		return string(o.Status) + "_" + string(o.Reason)
	}
	return string(o.Status)
}

func (o Outcome) String() string {
	switch o.Status {
	case StatusFound:
		return fmt.Sprintf("found(%d)", o.Position)
	case StatusFailed:
		return fmt.Sprintf("failed(%s)", o.Reason)
	default:
		return string(o.Status)
	}
}

// RunRequest is an accepted request to measure every phrase of one sheet.
type RunRequest struct {
	RunID     string    `json:"run_id"`
	SheetID   string    `json:"sheet_id"`
	Entity    string    `json:"entity"`
	Submitted time.Time `json:"submitted_at"`
}

// PhraseResult records what happened to one phrase during a run.
type PhraseResult struct {
	Phrase   Phrase  `json:"phrase"`
	Outcome  Outcome `json:"outcome"`
	Cell     string  `json:"cell,omitempty"`
	Value    any     `json:"value,omitempty"`
	WriteErr string  `json:"write_error,omitempty"`
}

// RunSummary is the record of a finished run.
type RunSummary struct {
	RunID     string         `json:"run_id"`
	SheetID   string         `json:"sheet_id"`
	Entity    string         `json:"entity"`
	TargetRow int            `json:"target_row"`
	Degraded  bool           `json:"degraded_placement,omitempty"`
	Started   time.Time      `json:"started_at"`
	Finished  time.Time      `json:"finished_at"`
	Results   []PhraseResult `json:"results"`
}

// Counts tallies the results of a summary by status.
func (s RunSummary) Counts() (found, notFound, failed int) {
	for _, r := range s.Results {
		switch r.Outcome.Status {
		case StatusFound:
			found++
		case StatusNotFound:
			notFound++
		case StatusFailed:
			failed++
		}
	}
	return found, notFound, failed
}
