package verify

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/sentienceapi/sentience-go/pkg/ai"
	"github.com/sentienceapi/sentience-go/pkg/snapshot"
)

type fakeVision struct {
	supports bool
	answer   string
	err      error
	calls    int
}

func (v *fakeVision) SupportsVision() bool { return v.supports }

func (v *fakeVision) GenerateWithImage(ctx context.Context, sys, user, imageB64 string, opts ai.GenerateOptions) (*ai.Response, error) {
	v.calls++
	if v.err != nil {
		return nil, v.err
	}
	return &ai.Response{Content: v.answer}, nil
}

func floatPtr(v float64) *float64 { return &v }

func TestEventuallyPassesAfterRetries(t *testing.T) {
	f := newFixture(t, false,
		pageSnap("https://example.com", 0.9),
		pageSnap("https://example.com", 0.9),
		pageSnap("https://example.com", 0.9, snapshot.Element{ID: 1, Text: "Saved"}),
	)
	f.engine.BeginStep("save")

	passed, err := f.engine.Check(TextVisible("Saved"), "saved toast", true).
		Eventually(EventuallyOptions{TimeoutMs: 10_000, PollMs: 250})
	if err != nil {
		t.Fatal(err)
	}
	if !passed {
		t.Fatal("should pass on third snapshot")
	}
	if f.script.calls != 3 {
		t.Errorf("snapshot calls = %d, want 3", f.script.calls)
	}

	// Exactly one final outcome recorded in the step.
	st := f.engine.Step()
	if len(st.Assertions) != 1 {
		t.Fatalf("step assertions = %d, want 1", len(st.Assertions))
	}
	if !st.Assertions[0].Passed || st.Assertions[0].Label != "saved toast" {
		t.Errorf("final record = %+v", st.Assertions[0])
	}
}

func TestEventuallyTimeout(t *testing.T) {
	f := newFixture(t, true, pageSnap("https://example.com", 0.9))
	f.engine.BeginStep("wait for text")

	passed, err := f.engine.Check(TextVisible("never"), "ghost", true).
		Eventually(EventuallyOptions{TimeoutMs: 1_000, PollMs: 250})
	if err != nil {
		t.Fatal(err)
	}
	if passed {
		t.Fatal("should time out")
	}
	st := f.engine.Step()
	if len(st.Assertions) != 1 || st.Assertions[0].Reason != "timeout" {
		t.Errorf("final record = %+v", st.Assertions)
	}
	// Required timeout persisted artifacts.
	entries, err := os.ReadDir(f.bufferDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("persisted dirs = %d, want 1", len(entries))
	}
}

func TestEventuallyLowConfidenceExhausts(t *testing.T) {
	f := newFixture(t, false, pageSnap("https://example.com", 0.3))
	f.engine.BeginStep("flaky page")

	passed, err := f.engine.Check(TextVisible("anything"), "gated", false).
		Eventually(EventuallyOptions{MinConfidence: floatPtr(0.8), MaxSnapshotAttempts: 3})
	if err != nil {
		t.Fatal(err)
	}
	if passed {
		t.Fatal("should fail after snapshot exhaustion")
	}
	if f.script.calls != 3 {
		t.Errorf("snapshot calls = %d, want maxSnapshotAttempts", f.script.calls)
	}
	st := f.engine.Step()
	if len(st.Assertions) != 1 || st.Assertions[0].Reason != "snapshot_exhausted" {
		t.Errorf("final record = %+v", st.Assertions)
	}
}

func TestEventuallyVisionFallbackPass(t *testing.T) {
	f := newFixture(t, false, pageSnap("https://example.com", 0.3))
	f.engine.BeginStep("vision check")
	vision := &fakeVision{supports: true, answer: "Yes — the dialog is open."}

	passed, err := f.engine.Check(TextVisible("dialog"), "dialog open", false).
		Eventually(EventuallyOptions{
			MinConfidence:  floatPtr(0.8),
			VisionProvider: vision,
		})
	if err != nil {
		t.Fatal(err)
	}
	if !passed {
		t.Fatal("vision yes should pass")
	}
	if vision.calls != 1 {
		t.Errorf("vision calls = %d", vision.calls)
	}
	st := f.engine.Step()
	record := st.Assertions[0]
	if record.Reason != "vision_fallback_pass" {
		t.Errorf("reason = %q", record.Reason)
	}
	if record.Details["vision_response"] != "Yes — the dialog is open." {
		t.Errorf("details = %v", record.Details)
	}
}

func TestEventuallyVisionFallbackFail(t *testing.T) {
	f := newFixture(t, false, pageSnap("https://example.com", 0.3))
	f.engine.BeginStep("vision check")
	vision := &fakeVision{supports: true, answer: "No, the dialog is closed."}

	passed, err := f.engine.Check(TextVisible("dialog"), "dialog open", false).
		Eventually(EventuallyOptions{MinConfidence: floatPtr(0.8), VisionProvider: vision})
	if err != nil {
		t.Fatal(err)
	}
	if passed {
		t.Fatal("vision no should fail")
	}
	if reason := f.engine.Step().Assertions[0].Reason; reason != "vision_fallback_fail" {
		t.Errorf("reason = %q", reason)
	}
}

func TestEventuallyVisionProviderErrorDegrades(t *testing.T) {
	f := newFixture(t, false, pageSnap("https://example.com", 0.3))
	f.engine.BeginStep("vision check")
	vision := &fakeVision{supports: true, err: errors.New("model overloaded")}

	passed, err := f.engine.Check(TextVisible("dialog"), "dialog open", false).
		Eventually(EventuallyOptions{MinConfidence: floatPtr(0.8), VisionProvider: vision})
	if err != nil {
		t.Fatal(err)
	}
	if passed {
		t.Fatal("provider failure must not pass")
	}
	if reason := f.engine.Step().Assertions[0].Reason; reason != "snapshot_exhausted" {
		t.Errorf("reason = %q, want snapshot_exhausted", reason)
	}
}

func TestEventuallyNonVisionProviderSkipped(t *testing.T) {
	f := newFixture(t, false, pageSnap("https://example.com", 0.3))
	f.engine.BeginStep("vision check")
	vision := &fakeVision{supports: false, answer: "yes"}

	passed, _ := f.engine.Check(TextVisible("dialog"), "dialog open", false).
		Eventually(EventuallyOptions{MinConfidence: floatPtr(0.8), VisionProvider: vision})
	if passed || vision.calls != 0 {
		t.Errorf("non-vision provider must be a silent path: passed=%v calls=%d", passed, vision.calls)
	}
}

func TestEventuallySnapshotErrorPropagates(t *testing.T) {
	f := newFixture(t, false, pageSnap("https://example.com", 0.9))
	f.script.errs = []error{errors.New("target crashed")}
	f.engine.BeginStep("crash")

	_, err := f.engine.Check(TextVisible("x"), "x", false).Eventually(EventuallyOptions{})
	if err == nil {
		t.Fatal("driver failure should surface")
	}
}
