package verify

import (
	"context"
	"encoding/base64"
	"strings"
	"time"

	"github.com/sentienceapi/sentience-go/pkg/ai"
	"github.com/sentienceapi/sentience-go/pkg/snapshot"
)

// EventuallyOptions tune the retry loop. Zero values take the documented
// defaults; a nil MinConfidence disables the confidence gate.
type EventuallyOptions struct {
	TimeoutMs           int
	PollMs              int
	SnapshotOptions     *snapshot.Options
	MinConfidence       *float64
	MaxSnapshotAttempts int
	VisionProvider      ai.VisionProvider
	VisionSystemPrompt  string
	VisionUserPrompt    string
}

func (o EventuallyOptions) withDefaults() EventuallyOptions {
	if o.TimeoutMs <= 0 {
		o.TimeoutMs = 10_000
	}
	if o.PollMs <= 0 {
		o.PollMs = 250
	}
	if o.MaxSnapshotAttempts <= 0 {
		o.MaxSnapshotAttempts = 3
	}
	return o
}

// Check is a labelled predicate bound to the engine, awaiting either an
// immediate Assert or an Eventually loop. It holds a non-owning engine
// reference.
type Check struct {
	engine   *Engine
	pred     Predicate
	label    string
	required bool
}

// Check binds a predicate for later evaluation.
func (e *Engine) Check(pred Predicate, label string, required bool) *Check {
	return &Check{engine: e, pred: pred, label: label, required: required}
}

// Now evaluates the check immediately against the latest snapshot.
func (c *Check) Now() bool {
	return c.engine.Assert(c.pred, c.label, c.required)
}

// Eventually retakes snapshots until the predicate passes, the deadline
// expires, or low-confidence captures exhaust the snapshot budget (at which
// point a vision-model check is the last resort). Exactly one terminal
// outcome is recorded in the step's assertions. The returned error is only
// non-nil for CAPTCHA interception or driver failure raised by the
// snapshot path.
func (c *Check) Eventually(opts EventuallyOptions) (bool, error) {
	e := c.engine
	opts = opts.withDefaults()
	deadline := e.clock.Now().Add(time.Duration(opts.TimeoutMs) * time.Millisecond)
	poll := time.Duration(opts.PollMs) * time.Millisecond

	snapOpts := snapshot.Options{}
	if opts.SnapshotOptions != nil {
		snapOpts = *opts.SnapshotOptions
	}

	attempt := 0
	snapshotAttempt := 0
	for {
		attempt++
		snap, err := e.Snapshot(snapOpts)
		if err != nil {
			return false, err
		}
		// The attempt counter never resets on a passing confidence check;
		// the budget bounds total retakes for the whole call.
		snapshotAttempt++

		if opts.MinConfidence != nil && snap.Diagnostics.Confidence < *opts.MinConfidence {
			e.recordOutcome(c.label, false, c.required, "snapshot_low_confidence", map[string]any{
				"attempt":          attempt,
				"snapshot_attempt": snapshotAttempt,
				"confidence":       snap.Diagnostics.Confidence,
				"min_confidence":   *opts.MinConfidence,
			}, false)

			if snapshotAttempt >= opts.MaxSnapshotAttempts {
				return c.visionFallback(opts), nil
			}
			if !e.clock.Now().Before(deadline) {
				c.final(false, "timeout", map[string]any{"attempt": attempt})
				return false, nil
			}
			e.clock.Sleep(poll)
			continue
		}

		outcome := c.pred(e.Ctx())
		details := map[string]any{"attempt": attempt}
		for k, v := range outcome.Details {
			details[k] = v
		}
		e.recordOutcome(c.label, outcome.Passed, c.required, outcome.Reason, details, false)

		if outcome.Passed {
			c.final(true, outcome.Reason, details)
			return true, nil
		}
		if !e.clock.Now().Before(deadline) {
			c.final(false, "timeout", details)
			return false, nil
		}
		e.clock.Sleep(poll)
	}
}

// final records the terminal outcome in the step (exactly once per
// Eventually call) and persists artifacts when a required check failed.
func (c *Check) final(passed bool, reason string, details map[string]any) {
	e := c.engine
	e.recordOutcome(c.label, passed, c.required, reason, details, true)
	if c.required && !passed {
		e.PersistFailureArtifacts("assert_failed:" + c.label)
	}
}

// visionFallback escalates to a screenshot + vision-model check after
// snapshot exhaustion. A missing or unwilling provider, and any provider
// failure, degrade to the snapshot_exhausted terminal outcome.
func (c *Check) visionFallback(opts EventuallyOptions) bool {
	e := c.engine
	provider := opts.VisionProvider
	if provider == nil {
		provider = e.vision
	}
	if provider == nil || !provider.SupportsVision() {
		c.final(false, "snapshot_exhausted", nil)
		return false
	}

	shot, err := e.page.Screenshot("png", 0)
	if err != nil {
		e.logger.Warn().Err(err).Msg("vision fallback screenshot failed")
		c.final(false, "snapshot_exhausted", nil)
		return false
	}

	systemPrompt := opts.VisionSystemPrompt
	if systemPrompt == "" {
		systemPrompt = "You verify web page state for an automated test runner. Answer with yes or no first, then one short sentence."
	}
	userPrompt := opts.VisionUserPrompt
	if userPrompt == "" {
		userPrompt = "Looking at this screenshot, is the following true: " + c.label + "?"
	}

	resp, err := provider.GenerateWithImage(context.Background(), systemPrompt, userPrompt,
		base64.StdEncoding.EncodeToString(shot), ai.GenerateOptions{Temperature: 0})
	if err != nil {
		e.logger.Warn().Err(err).Msg("vision provider failed; falling back to snapshot_exhausted")
		c.final(false, "snapshot_exhausted", nil)
		return false
	}

	passed := strings.HasPrefix(strings.ToLower(strings.TrimSpace(resp.Content)), "yes")
	reason := "vision_fallback_fail"
	if passed {
		reason = "vision_fallback_pass"
	}
	c.final(passed, reason, map[string]any{"vision_response": resp.Content})
	return passed
}
