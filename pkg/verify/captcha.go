package verify

import (
	"fmt"
	"time"

	"github.com/sentienceapi/sentience-go/pkg/snapshot"
	"github.com/sentienceapi/sentience-go/pkg/trace"
)

// CaptchaPolicy selects how a detection is handled.
type CaptchaPolicy string

const (
	CaptchaAbort    CaptchaPolicy = "abort"
	CaptchaCallback CaptchaPolicy = "callback"
)

// CaptchaAction is a handler's chosen resolution.
type CaptchaAction string

const (
	ActionAbort            CaptchaAction = "abort"
	ActionRetryNewSession  CaptchaAction = "retry_new_session"
	ActionWaitUntilCleared CaptchaAction = "wait_until_cleared"
)

// CaptchaDetection is handed to the handler callback.
type CaptchaDetection struct {
	RunID     string
	StepIndex int
	URL       string
	Source    string
	Captcha   snapshot.Captcha
}

// CaptchaResolution is the handler's answer. TimeoutMs/PollMs override the
// configured wait parameters when positive.
type CaptchaResolution struct {
	Action    CaptchaAction
	Message   string
	TimeoutMs int
	PollMs    int
}

// CaptchaOptions configure the interceptor. Zero values take the documented
// defaults; a nil options pointer disables interception entirely.
type CaptchaOptions struct {
	Policy               CaptchaPolicy
	MinConfidence        float64
	TimeoutMs            int
	PollMs               int
	MaxRetriesNewSession int
	Handler              func(CaptchaDetection) (CaptchaResolution, error)
	ResetSession         func() error
}

func (o CaptchaOptions) withDefaults() CaptchaOptions {
	if o.Policy == "" {
		o.Policy = CaptchaAbort
	}
	if o.MinConfidence <= 0 {
		o.MinConfidence = 0.7
	}
	if o.TimeoutMs <= 0 {
		o.TimeoutMs = 120_000
	}
	if o.PollMs <= 0 {
		o.PollMs = 1_000
	}
	if o.MaxRetriesNewSession <= 0 {
		o.MaxRetriesNewSession = 1
	}
	return o
}

// CaptchaError is raised through the caller of Snapshot when interception
// terminates the attempt.
type CaptchaError struct {
	ReasonCode string
	Message    string
}

func (e *CaptchaError) Error() string {
	if e.Message == "" {
		return e.ReasonCode
	}
	return fmt.Sprintf("%s: %s", e.ReasonCode, e.Message)
}

type captchaState struct {
	options    *CaptchaOptions
	retryCount int
}

// SetCaptchaOptions enables interception (nil disables) and resets the
// retry counter.
func (e *Engine) SetCaptchaOptions(opts *CaptchaOptions) {
	if opts == nil {
		e.captcha = captchaState{}
		return
	}
	withDefaults := opts.withDefaults()
	e.captcha = captchaState{options: &withDefaults}
}

// emitCaptcha emits one captcha verification event.
func (e *Engine) emitCaptcha(reasonCode string, extra map[string]any) {
	data := map[string]any{
		"kind":        "captcha",
		"passed":      false,
		"reason_code": reasonCode,
	}
	for k, v := range extra {
		data[k] = v
	}
	e.tracer.Emit(trace.KindVerification, data, e.step.StepID)
}

// handleCaptchaIfNeeded runs the interception state machine over one
// freshly taken snapshot. Polling snapshots are tagged to skip handling so
// the interceptor never re-enters itself. A non-nil returned snapshot
// replaces the intercepted one (the post-clear observation).
func (e *Engine) handleCaptchaIfNeeded(snap *snapshot.Snapshot, opts snapshot.Options) (*snapshot.Snapshot, error) {
	cfg := e.captcha.options
	if cfg == nil {
		return nil, nil
	}
	c := snap.Diagnostics.Captcha
	if c == nil || !c.Detected || c.Confidence < cfg.MinConfidence {
		return nil, nil
	}

	e.logger.Warn().
		Str("kind", c.Kind).
		Float64("confidence", c.Confidence).
		Str("url", snap.URL).
		Msg("captcha detected")
	e.emitCaptcha("captcha_detected", map[string]any{
		"confidence": c.Confidence,
		"url":        snap.URL,
	})

	if cfg.Policy == CaptchaAbort {
		e.emitCaptcha("captcha_policy_abort", nil)
		return nil, &CaptchaError{ReasonCode: "captcha_policy_abort"}
	}

	if cfg.Handler == nil {
		e.emitCaptcha("captcha_handler_error", map[string]any{"error": "no handler configured"})
		return nil, &CaptchaError{ReasonCode: "captcha_handler_error", Message: "policy is callback but no handler is configured"}
	}

	resolution, err := cfg.Handler(CaptchaDetection{
		RunID:     e.tracer.RunID(),
		StepIndex: e.step.StepIndex,
		URL:       snap.URL,
		Source:    opts.Source,
		Captcha:   *c,
	})
	if err != nil {
		e.emitCaptcha("captcha_handler_error", map[string]any{"error": err.Error()})
		return nil, &CaptchaError{ReasonCode: "captcha_handler_error", Message: err.Error()}
	}

	switch resolution.Action {
	case ActionAbort:
		e.emitCaptcha("captcha_policy_abort", map[string]any{"message": resolution.Message})
		return nil, &CaptchaError{ReasonCode: "captcha_policy_abort", Message: resolution.Message}

	case ActionRetryNewSession:
		e.captcha.retryCount++
		if e.captcha.retryCount > cfg.MaxRetriesNewSession {
			e.emitCaptcha("captcha_retry_exhausted", map[string]any{"retries": e.captcha.retryCount})
			return nil, &CaptchaError{ReasonCode: "captcha_retry_exhausted"}
		}
		if cfg.ResetSession == nil {
			e.emitCaptcha("captcha_handler_error", map[string]any{"error": "retry_new_session without resetSession callback"})
			return nil, &CaptchaError{ReasonCode: "captcha_handler_error", Message: "retry_new_session requires a resetSession callback"}
		}
		if err := cfg.ResetSession(); err != nil {
			e.emitCaptcha("captcha_handler_error", map[string]any{"error": err.Error()})
			return nil, &CaptchaError{ReasonCode: "captcha_handler_error", Message: err.Error()}
		}
		e.emitCaptcha("captcha_retry_new_session", map[string]any{"retries": e.captcha.retryCount})
		return nil, nil

	case ActionWaitUntilCleared:
		return e.waitUntilCleared(cfg, resolution)

	default:
		e.emitCaptcha("captcha_handler_error", map[string]any{"error": "unknown action " + string(resolution.Action)})
		return nil, &CaptchaError{ReasonCode: "captcha_handler_error", Message: fmt.Sprintf("unknown action %q", resolution.Action)}
	}
}

// waitUntilCleared polls with interception disabled until the CAPTCHA is
// gone or the deadline passes. The deadline is checked before every sleep.
// On clear it returns the post-clear snapshot.
func (e *Engine) waitUntilCleared(cfg *CaptchaOptions, resolution CaptchaResolution) (*snapshot.Snapshot, error) {
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if resolution.TimeoutMs > 0 {
		timeout = time.Duration(resolution.TimeoutMs) * time.Millisecond
	}
	poll := time.Duration(cfg.PollMs) * time.Millisecond
	if resolution.PollMs > 0 {
		poll = time.Duration(resolution.PollMs) * time.Millisecond
	}
	deadline := e.clock.Now().Add(timeout)

	for {
		if !e.clock.Now().Before(deadline) {
			e.emitCaptcha("captcha_wait_timeout", map[string]any{"timeout_ms": timeout.Milliseconds()})
			return nil, &CaptchaError{ReasonCode: "captcha_wait_timeout"}
		}
		e.clock.Sleep(poll)

		snap, err := e.takeSnapshot(e.page, snapshot.Options{SkipCaptchaHandling: true, Source: "captcha_poll"})
		if err != nil {
			e.logger.Debug().Err(err).Msg("captcha poll snapshot failed")
			continue
		}
		if !snap.CaptchaDetected(cfg.MinConfidence) {
			e.emitCaptcha("captcha_cleared", nil)
			e.emitCaptcha("captcha_resumed", nil)
			return snap, nil
		}
	}
}
