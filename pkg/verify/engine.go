package verify

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/sentienceapi/sentience-go/pkg/ai"
	"github.com/sentienceapi/sentience-go/pkg/artifacts"
	"github.com/sentienceapi/sentience-go/pkg/browser"
	"github.com/sentienceapi/sentience-go/pkg/snapshot"
	"github.com/sentienceapi/sentience-go/pkg/trace"
	"github.com/sentienceapi/sentience-go/pkg/util"
)

// SnapshotFunc produces a structured snapshot of the page. pkg/browser's
// Snapshotter provides the real one; tests substitute scripted fakes.
type SnapshotFunc func(page browser.Page, opts snapshot.Options) (*snapshot.Snapshot, error)

// Config wires an Engine. Page and Snapshot are required; a nil Tracer
// becomes a no-op tracer, a nil Clock the system clock, and Buffer and
// Vision are optional.
type Config struct {
	Page     browser.Page
	Snapshot SnapshotFunc
	Tracer   trace.Tracer
	Buffer   *artifacts.Buffer
	Vision   ai.VisionProvider
	Clock    util.Clock
	Logger   zerolog.Logger
}

// Engine owns step lifecycle and assertion accumulation. It is
// single-threaded cooperative: everything runs to completion between the
// explicit suspension points (snapshots, driver calls, sleeps).
type Engine struct {
	page         browser.Page
	takeSnapshot SnapshotFunc
	tracer       trace.Tracer
	buffer       *artifacts.Buffer
	vision       ai.VisionProvider
	clock        util.Clock
	logger       zerolog.Logger

	captcha      captchaState
	step         StepState
	stepActive   bool
	lastSnapshot *snapshot.Snapshot
}

// NewEngine builds an engine from cfg.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Page == nil {
		return nil, fmt.Errorf("engine requires a page")
	}
	if cfg.Snapshot == nil {
		return nil, fmt.Errorf("engine requires a snapshot function")
	}
	if cfg.Tracer == nil {
		cfg.Tracer = trace.Nop()
	}
	if cfg.Clock == nil {
		cfg.Clock = util.SystemClock{}
	}
	return &Engine{
		page:         cfg.Page,
		takeSnapshot: cfg.Snapshot,
		tracer:       cfg.Tracer,
		buffer:       cfg.Buffer,
		vision:       cfg.Vision,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		step:         StepState{StepIndex: -1},
	}, nil
}

// RunID returns the tracer's run identifier.
func (e *Engine) RunID() string { return e.tracer.RunID() }

// Step exposes a copy of the current step state.
func (e *Engine) Step() StepState { return e.step }

// LastSnapshot returns the most recent snapshot, or nil.
func (e *Engine) LastSnapshot() *snapshot.Snapshot { return e.lastSnapshot }

// BeginStep starts a new step and returns its id. The index advances by
// one unless an explicit stepIndex is supplied.
func (e *Engine) BeginStep(goal string, stepIndex ...int) string {
	index := e.step.StepIndex + 1
	if len(stepIndex) > 0 && stepIndex[0] >= 0 {
		index = stepIndex[0]
	}
	e.step = StepState{
		StepIndex: index,
		StepID:    fmt.Sprintf("step-%d", index),
		Goal:      goal,
	}
	e.stepActive = true
	e.logger.Debug().Str("step_id", e.step.StepID).Str("goal", util.Truncate(goal, 80)).Msg("step begin")
	return e.step.StepID
}

// Snapshot takes one snapshot through the CAPTCHA gateway. The first
// snapshot after BeginStep is captured as the step's pre-state.
func (e *Engine) Snapshot(opts snapshot.Options) (*snapshot.Snapshot, error) {
	if opts.Source == "" {
		opts.Source = "gateway"
	}
	snap, err := e.takeSnapshot(e.page, opts)
	if err != nil {
		return nil, err
	}
	if !opts.SkipCaptchaHandling {
		cleared, err := e.handleCaptchaIfNeeded(snap, opts)
		if err != nil {
			return nil, err
		}
		if cleared != nil {
			snap = cleared
		}
	}
	if e.stepActive && e.step.PreSnapshot == nil {
		e.step.PreSnapshot = snap
		e.step.PreURL = snap.URL
	}
	e.lastSnapshot = snap
	return snap, nil
}

// RecordAction notes the planner's last action, feeds the artifact buffer's
// step log, and captures one frame when capture-on-action is enabled.
func (e *Engine) RecordAction(action, url string) {
	e.step.LastAction = action
	if e.buffer == nil {
		return
	}
	e.buffer.RecordStep(action, e.step.StepID, e.step.StepIndex, url)
	if e.buffer.CaptureOnAction() {
		data, err := e.page.Screenshot("jpeg", 60)
		if err != nil {
			e.logger.Debug().Err(err).Msg("action frame capture failed")
			return
		}
		if err := e.buffer.AddFrame(data, "jpeg"); err != nil {
			e.logger.Warn().Err(err).Msg("action frame not buffered")
		}
	}
}

// Ctx builds the assertion context from the latest snapshot. URL falls back
// to the live page when the snapshot carries none.
func (e *Engine) Ctx() *AssertContext {
	url := ""
	if e.lastSnapshot != nil {
		url = e.lastSnapshot.URL
	}
	if url == "" {
		url = e.page.URL()
	}
	return &AssertContext{
		Snapshot:  e.lastSnapshot,
		URL:       url,
		StepID:    e.step.StepID,
		Downloads: e.page.Downloads(),
	}
}

// RequiredAssertionsPassed reports whether every required assertion in the
// current step passed.
func (e *Engine) RequiredAssertionsPassed() bool {
	for _, a := range e.step.Assertions {
		if a.Required && !a.Passed {
			return false
		}
	}
	return true
}

// PersistFailureArtifacts persists the buffer best-effort. It never fails a
// verification path: errors are logged and swallowed.
func (e *Engine) PersistFailureArtifacts(reason string) {
	if e.buffer == nil {
		return
	}
	var diagnostics map[string]any
	if e.lastSnapshot != nil {
		diagnostics = map[string]any{
			"confidence": e.lastSnapshot.Diagnostics.Confidence,
			"elapsed_ms": e.lastSnapshot.Diagnostics.ElapsedMs,
		}
	}
	if _, err := e.buffer.Persist(reason, "failure", e.lastSnapshot, diagnostics, map[string]any{
		"step_id": e.step.StepID,
		"goal":    e.step.Goal,
	}); err != nil {
		e.logger.Warn().Err(err).Str("reason", reason).Msg("failure artifact persist failed")
	}
}

// recordOutcome builds an assertion record, optionally appends it to the
// step, and emits its verification event. Eventually loops call it with
// recordInStep=false for attempts and true exactly once for the terminal
// result.
func (e *Engine) recordOutcome(label string, passed, required bool, reason string, details map[string]any, recordInStep bool) {
	record := AssertionRecord{
		Label:    label,
		Passed:   passed,
		Required: required,
		Reason:   reason,
		Details:  details,
	}
	if recordInStep {
		e.step.Assertions = append(e.step.Assertions, record)
	}
	e.tracer.Emit(trace.KindVerification, map[string]any{
		"kind":     "assert",
		"label":    label,
		"passed":   passed,
		"required": required,
		"reason":   reason,
		"details":  details,
		"final":    recordInStep,
	}, e.step.StepID)
}

// StepEndOptions carry the planner's view of the finished step. Nil
// pointers take engine defaults.
type StepEndOptions struct {
	Action             string
	Success            *bool
	Error              string
	Outcome            string
	DurationMs         int64
	Attempt            int
	VerifyPassed       *bool
	VerifySignals      map[string]any
	PostURL            string
	PostSnapshotDigest string
}

// EmitStepEnd emits the consolidated step_end event. It is emitted after
// every assertion record it references.
func (e *Engine) EmitStepEnd(opts StepEndOptions) {
	preURL := e.step.PreURL
	postURL := opts.PostURL
	if postURL == "" && e.lastSnapshot != nil {
		postURL = e.lastSnapshot.URL
	}
	if postURL == "" {
		postURL = e.page.URL()
	}
	postDigest := opts.PostSnapshotDigest
	if postDigest == "" {
		postDigest = e.lastSnapshot.Digest()
	}
	urlChanged := preURL != "" && postURL != "" && preURL != postURL

	signals := map[string]any{}
	for k, v := range opts.VerifySignals {
		signals[k] = v
	}
	signals["url_changed"] = urlChanged
	if opts.Error != "" {
		if _, present := signals["error"]; !present {
			signals["error"] = opts.Error
		}
	}
	if e.step.TaskDone {
		signals["task_done"] = true
		if e.step.TaskDoneLabel != "" {
			signals["task_done_label"] = e.step.TaskDoneLabel
		}
	}

	verifyPassed := e.RequiredAssertionsPassed()
	if opts.VerifyPassed != nil {
		verifyPassed = *opts.VerifyPassed
	}
	success := opts.Error == ""
	if opts.Success != nil {
		success = *opts.Success
	}
	action := opts.Action
	if action == "" {
		action = e.step.LastAction
	}

	assertions := e.step.Assertions
	if assertions == nil {
		assertions = []AssertionRecord{}
	}
	e.tracer.Emit(trace.KindStepEnd, map[string]any{
		"step_id":              e.step.StepID,
		"step_index":           e.step.StepIndex,
		"goal":                 e.step.Goal,
		"attempt":              opts.Attempt,
		"pre_url":              preURL,
		"post_url":             postURL,
		"url_changed":          urlChanged,
		"pre_snapshot_digest":  e.step.PreSnapshot.Digest(),
		"post_snapshot_digest": postDigest,
		"execution": map[string]any{
			"success":     success,
			"action":      action,
			"outcome":     opts.Outcome,
			"duration_ms": opts.DurationMs,
			"error":       opts.Error,
		},
		"verification": map[string]any{
			"passed":     verifyPassed,
			"signals":    signals,
			"assertions": assertions,
		},
		"task_done": e.step.TaskDone,
	}, e.step.StepID)
	e.stepActive = false
}
