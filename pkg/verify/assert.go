package verify

import (
	"math"
	"sort"

	"github.com/sentienceapi/sentience-go/pkg/snapshot"
	"github.com/sentienceapi/sentience-go/pkg/trace"
	"github.com/sentienceapi/sentience-go/pkg/util"
)

// Assert evaluates a predicate against the latest snapshot immediately.
// A failed required assertion triggers a best-effort artifact persist; the
// failure itself is recorded, not raised.
func (e *Engine) Assert(pred Predicate, label string, required bool) bool {
	ctx := e.Ctx()
	outcome := pred(ctx)
	details := e.decorateDetails(outcome, ctx)
	e.recordOutcome(label, outcome.Passed, required, outcome.Reason, details, true)
	if required && !outcome.Passed {
		e.PersistFailureArtifacts("assert_failed:" + label)
	}
	return outcome.Passed
}

// AssertDone is the required shorthand that additionally marks the step's
// task done on pass and emits a task_done verification event.
func (e *Engine) AssertDone(pred Predicate, label string) bool {
	passed := e.Assert(pred, label, true)
	if passed {
		e.step.TaskDone = true
		e.step.TaskDoneLabel = label
		e.tracer.Emit(trace.KindVerification, map[string]any{
			"kind":   "task_done",
			"label":  label,
			"passed": true,
		}, e.step.StepID)
	}
	return passed
}

// decorateDetails adds nearest-match diagnostics to a failed outcome whose
// details name a selector, so the planner sees what the page actually had.
func (e *Engine) decorateDetails(outcome Outcome, ctx *AssertContext) map[string]any {
	details := outcome.Details
	if outcome.Passed || ctx.Snapshot == nil {
		return details
	}
	selector, ok := details["selector"].(string)
	if !ok || selector == "" {
		return details
	}
	matches := nearestMatches(ctx.Snapshot, selector, 3)
	if len(matches) == 0 {
		return details
	}
	out := make(map[string]any, len(details)+1)
	for k, v := range details {
		out[k] = v
	}
	out["nearest_matches"] = matches
	return out
}

// nearestMatches ranks elements by bigram similarity between the selector
// and each element's name-or-text. Ordering is deterministic: score
// descending, element id ascending on ties.
func nearestMatches(snap *snapshot.Snapshot, selector string, limit int) []map[string]any {
	type scored struct {
		el    *snapshot.Element
		score float64
	}
	var candidates []scored
	for i := range snap.Elements {
		el := &snap.Elements[i]
		subject := el.Name
		if subject == "" {
			subject = el.Text
		}
		if subject == "" {
			continue
		}
		candidates = append(candidates, scored{el: el, score: bigramSimilarity(selector, subject)})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].el.ID < candidates[j].el.ID
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]map[string]any, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, map[string]any{
			"id":    c.el.ID,
			"role":  c.el.Role,
			"text":  util.Cap(c.el.Text, 80),
			"name":  util.Cap(c.el.Name, 80),
			"score": math.Round(c.score*1e4) / 1e4,
		})
	}
	return out
}

// bigramSimilarity is the Dice-style score 2·|common| / (|A|+|B|+ε) over
// character bigram multisets.
func bigramSimilarity(a, b string) float64 {
	const epsilon = 1e-9
	ab := bigrams(a)
	bb := bigrams(b)
	common := 0
	for gram, n := range ab {
		if m, ok := bb[gram]; ok {
			if m < n {
				common += m
			} else {
				common += n
			}
		}
	}
	totalA := 0
	for _, n := range ab {
		totalA += n
	}
	totalB := 0
	for _, n := range bb {
		totalB += n
	}
	return 2 * float64(common) / (float64(totalA) + float64(totalB) + epsilon)
}

func bigrams(s string) map[string]int {
	r := []rune(s)
	out := make(map[string]int)
	for i := 0; i+1 < len(r); i++ {
		out[string(r[i:i+2])]++
	}
	return out
}
