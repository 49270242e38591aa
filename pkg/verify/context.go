// Package verify is the coupling layer between snapshots, interaction
// primitives, and post-condition checks: step lifecycle, assertion
// evaluation with retry, CAPTCHA interception, and failure-artifact
// triggering.
package verify

import (
	"github.com/sentienceapi/sentience-go/pkg/browser"
	"github.com/sentienceapi/sentience-go/pkg/snapshot"
)

// Outcome is a predicate's verdict.
type Outcome struct {
	Passed  bool
	Reason  string
	Details map[string]any
}

// Predicate is a pure check over an assertion context. Predicates must not
// perform I/O and must not mutate the context.
type Predicate func(ctx *AssertContext) Outcome

// AssertContext is the read-only world a predicate sees.
type AssertContext struct {
	Snapshot  *snapshot.Snapshot
	URL       string
	StepID    string
	Downloads []browser.DownloadEntry
}

// AssertionRecord is one evaluated assertion. Records are appended in
// evaluation order and never mutated; for an eventually loop only the
// terminal result is recorded.
type AssertionRecord struct {
	Label    string         `json:"label"`
	Passed   bool           `json:"passed"`
	Required bool           `json:"required"`
	Reason   string         `json:"reason,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
}

// StepState is the engine's per-step accumulator. The step lifecycle owns
// it exclusively.
type StepState struct {
	StepID        string
	StepIndex     int
	Goal          string
	PreSnapshot   *snapshot.Snapshot
	PreURL        string
	LastAction    string
	Assertions    []AssertionRecord
	TaskDone      bool
	TaskDoneLabel string
}
