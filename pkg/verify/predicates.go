package verify

import (
	"fmt"
	"strings"
)

// TextVisible passes when any element's text or accessible name contains
// the given text (case-insensitive). Failures carry the selector so the
// engine attaches nearest-match diagnostics.
func TextVisible(text string) Predicate {
	return func(ctx *AssertContext) Outcome {
		if ctx.Snapshot == nil {
			return Outcome{Reason: "no snapshot available", Details: map[string]any{"selector": text}}
		}
		if el := ctx.Snapshot.FindByText(text); el != nil {
			return Outcome{Passed: true, Details: map[string]any{"element_id": el.ID}}
		}
		return Outcome{
			Reason:  fmt.Sprintf("no element matching %q", text),
			Details: map[string]any{"selector": text},
		}
	}
}

// ElementVisible passes when an element with the given role carries the
// text or name (case-insensitive).
func ElementVisible(role, text string) Predicate {
	return func(ctx *AssertContext) Outcome {
		if ctx.Snapshot == nil {
			return Outcome{Reason: "no snapshot available", Details: map[string]any{"selector": text}}
		}
		needle := strings.ToLower(text)
		for _, el := range ctx.Snapshot.ByRole(role) {
			if strings.Contains(strings.ToLower(el.Text), needle) ||
				strings.Contains(strings.ToLower(el.Name), needle) {
				return Outcome{Passed: true, Details: map[string]any{"element_id": el.ID}}
			}
		}
		return Outcome{
			Reason:  fmt.Sprintf("no %s matching %q", role, text),
			Details: map[string]any{"selector": text, "role": role},
		}
	}
}

// URLContains passes when the context URL contains the fragment.
func URLContains(fragment string) Predicate {
	return func(ctx *AssertContext) Outcome {
		if strings.Contains(ctx.URL, fragment) {
			return Outcome{Passed: true}
		}
		return Outcome{
			Reason:  fmt.Sprintf("url %q does not contain %q", ctx.URL, fragment),
			Details: map[string]any{"url": ctx.URL, "fragment": fragment},
		}
	}
}

// DownloadCompleted passes when a download with the given suggested
// filename has completed.
func DownloadCompleted(filename string) Predicate {
	return func(ctx *AssertContext) Outcome {
		for _, d := range ctx.Downloads {
			if d.SuggestedFilename == filename && d.Status == "completed" {
				return Outcome{Passed: true, Details: map[string]any{"size_bytes": d.SizeBytes}}
			}
		}
		return Outcome{
			Reason:  fmt.Sprintf("no completed download named %q", filename),
			Details: map[string]any{"downloads": len(ctx.Downloads)},
		}
	}
}
