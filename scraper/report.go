package scraper

import (
	"time"

	"github.com/hazyhaar/nfce/normalize"
)

// State is a scraper state. Final outcomes use StateSuccess, StateFailed,
// StateStoreError, StateSkipped and StateCancelled.
type State string

const (
	StateStart      State = "start"
	StateNavigate   State = "navigate"
	StateWaitFrame  State = "wait_frame"
	StateExtract    State = "extract_fields"
	StateRetry      State = "retry"
	StateSuccess    State = "success"
	StateFailed     State = "failed"
	StateStoreError State = "store_error" // scraped but not saved; stays pending
	StateSkipped    State = "skipped"     // detail appeared before this worker got to it
	StateCancelled  State = "cancelled"
)

// Outcome is the final result for one receipt.
type Outcome struct {
	AccessKey  string            `json:"access_key"`
	State      State             `json:"state"`
	Attempts   int               `json:"attempts"`
	ErrorClass ErrorClass        `json:"error_class,omitempty"`
	Error      string            `json:"error,omitempty"`
	Items      int               `json:"items"`
	Issues     []normalize.Issue `json:"issues,omitempty"`
	Duration   time.Duration     `json:"duration_ns"`
}

// Report summarises a batch.
type Report struct {
	Total       int           `json:"total"`
	Succeeded   int           `json:"succeeded"`
	Failed      int           `json:"failed"`
	StoreErrors int           `json:"store_errors"`
	Skipped     int           `json:"skipped"`
	Cancelled   int           `json:"cancelled"`
	Duration    time.Duration `json:"duration_ns"`
	Outcomes    []Outcome     `json:"outcomes"`
}

func (r *Report) tally() {
	r.Total = len(r.Outcomes)
	r.Succeeded, r.Failed, r.StoreErrors, r.Skipped, r.Cancelled = 0, 0, 0, 0, 0
	for _, o := range r.Outcomes {
		switch o.State {
		case StateSuccess:
			r.Succeeded++
		case StateFailed:
			r.Failed++
		case StateStoreError:
			r.StoreErrors++
		case StateSkipped:
			r.Skipped++
		case StateCancelled:
			r.Cancelled++
		}
	}
}
