package verify

import (
	"os"
	"testing"

	"github.com/sentienceapi/sentience-go/pkg/snapshot"
	"github.com/sentienceapi/sentience-go/pkg/trace"
)

func TestAssertRecordsAndEmits(t *testing.T) {
	f := newFixture(t, false, pageSnap("https://example.com", 0.9,
		snapshot.Element{ID: 1, Role: "button", Text: "Submit"},
	))
	f.engine.BeginStep("submit form")
	if _, err := f.engine.Snapshot(snapshot.Options{}); err != nil {
		t.Fatal(err)
	}

	if !f.engine.Assert(TextVisible("Submit"), "submit visible", false) {
		t.Fatal("assertion should pass")
	}
	if f.engine.Assert(TextVisible("Cancel"), "cancel visible", false) {
		t.Fatal("assertion should fail")
	}

	st := f.engine.Step()
	if len(st.Assertions) != 2 {
		t.Fatalf("assertions = %d", len(st.Assertions))
	}
	if !st.Assertions[0].Passed || st.Assertions[1].Passed {
		t.Errorf("records = %+v", st.Assertions)
	}
	if got := len(f.finalAssertEvents()); got != 2 {
		t.Errorf("final assert events = %d", got)
	}
	if !f.engine.RequiredAssertionsPassed() {
		t.Error("optional failures must not gate the step")
	}
}

func TestRequiredFailureGatesAndPersists(t *testing.T) {
	f := newFixture(t, true, pageSnap("https://example.com", 0.9))
	f.engine.BeginStep("checkout")
	if _, err := f.engine.Snapshot(snapshot.Options{}); err != nil {
		t.Fatal(err)
	}

	if f.engine.Assert(TextVisible("Order confirmed"), "confirmation", true) {
		t.Fatal("assertion should fail")
	}
	if f.engine.RequiredAssertionsPassed() {
		t.Error("required failure must gate the step")
	}

	// Best-effort persist ran: exactly one run directory appeared.
	entries, err := os.ReadDir(f.bufferDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("persisted dirs = %d, want 1", len(entries))
	}
}

func TestAssertDoneMarksTaskDone(t *testing.T) {
	f := newFixture(t, false, pageSnap("https://example.com/done", 0.9))
	f.engine.BeginStep("finish")
	if _, err := f.engine.Snapshot(snapshot.Options{}); err != nil {
		t.Fatal(err)
	}

	if !f.engine.AssertDone(URLContains("/done"), "task complete") {
		t.Fatal("assertDone should pass")
	}
	st := f.engine.Step()
	if !st.TaskDone || st.TaskDoneLabel != "task complete" {
		t.Errorf("task done state = %+v", st)
	}
	var taskDoneEvents int
	for _, ev := range f.rec.ByKind(trace.KindVerification) {
		if ev.Data["kind"] == "task_done" {
			taskDoneEvents++
		}
	}
	if taskDoneEvents != 1 {
		t.Errorf("task_done events = %d", taskDoneEvents)
	}

	// Task done persists within the step until reset.
	f.engine.Assert(URLContains("nope"), "later optional", false)
	if !f.engine.Step().TaskDone {
		t.Error("taskDone must remain true for the rest of the step")
	}
	f.engine.BeginStep("new step")
	if f.engine.Step().TaskDone {
		t.Error("taskDone must reset on BeginStep")
	}
}

func TestAssertDoneFailureDoesNotMark(t *testing.T) {
	f := newFixture(t, false, pageSnap("https://example.com", 0.9))
	f.engine.BeginStep("finish")
	if _, err := f.engine.Snapshot(snapshot.Options{}); err != nil {
		t.Fatal(err)
	}
	if f.engine.AssertDone(URLContains("/missing"), "task complete") {
		t.Fatal("assertDone should fail")
	}
	if f.engine.Step().TaskDone {
		t.Error("failed assertDone must not mark task done")
	}
}

func TestNearestMatchDiagnostics(t *testing.T) {
	f := newFixture(t, false, pageSnap("https://example.com", 0.9,
		snapshot.Element{ID: 1, Role: "button", Text: "Checkout now"},
		snapshot.Element{ID: 2, Role: "button", Text: "Check order status"},
		snapshot.Element{ID: 3, Role: "link", Text: "About us"},
		snapshot.Element{ID: 4, Role: "button", Name: "Checkout"},
	))
	f.engine.BeginStep("diagnose")
	if _, err := f.engine.Snapshot(snapshot.Options{}); err != nil {
		t.Fatal(err)
	}
	f.engine.Assert(TextVisible("Chekout"), "typo selector", false)

	st := f.engine.Step()
	details := st.Assertions[0].Details
	matches, ok := details["nearest_matches"].([]map[string]any)
	if !ok {
		t.Fatalf("nearest_matches missing: %v", details)
	}
	if len(matches) > 3 {
		t.Errorf("nearest_matches length = %d, want <= 3", len(matches))
	}
	// Checkout variants must rank above "About us".
	top := matches[0]
	if top["id"] != 4 && top["id"] != 1 {
		t.Errorf("top match = %v", top)
	}
	for i, m := range matches {
		if m["id"] == 3 && i != len(matches)-1 {
			t.Errorf("weak match ranked too high: %v", matches)
		}
	}
}

func TestNearestMatchDeterminism(t *testing.T) {
	snap := pageSnap("https://example.com", 0.9,
		snapshot.Element{ID: 1, Text: "alpha beta"},
		snapshot.Element{ID: 2, Text: "alpha beta"},
		snapshot.Element{ID: 3, Text: "alpha"},
	)
	first := nearestMatches(snap, "alpha beta", 3)
	for i := 0; i < 10; i++ {
		again := nearestMatches(snap, "alpha beta", 3)
		for j := range first {
			if first[j]["id"] != again[j]["id"] || first[j]["score"] != again[j]["score"] {
				t.Fatalf("ordering not deterministic: %v vs %v", first, again)
			}
		}
	}
	// Equal scores break ties by ascending element id.
	if first[0]["id"] != 1 || first[1]["id"] != 2 {
		t.Errorf("tie-break order = %v", first)
	}
}

func TestBigramSimilarity(t *testing.T) {
	if got := bigramSimilarity("night", "night"); got < 0.99 {
		t.Errorf("identical strings = %v", got)
	}
	if got := bigramSimilarity("night", "nacht"); got <= 0 || got >= 1 {
		t.Errorf("related strings = %v", got)
	}
	if got := bigramSimilarity("ab", "xy"); got != 0 {
		t.Errorf("disjoint strings = %v", got)
	}
}
