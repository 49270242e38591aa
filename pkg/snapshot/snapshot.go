// Package snapshot defines the structured page observation consumed by the
// verification engine: a URL, an ordered element list, and capture
// diagnostics. Snapshots are produced by a driver (see pkg/browser) and are
// treated as immutable once taken.
package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// BBox is an element bounding box in viewport pixels.
type BBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Element is a single observed page element. ID is stable and unique within
// one snapshot; it is not stable across snapshots.
type Element struct {
	ID            int     `json:"id"`
	Role          string  `json:"role,omitempty"`
	Text          string  `json:"text,omitempty"`
	Name          string  `json:"name,omitempty"`
	BBox          BBox    `json:"bbox"`
	InputType     string  `json:"input_type,omitempty"`
	Value         *string `json:"value,omitempty"`
	ValueRedacted bool    `json:"value_redacted,omitempty"`
	Diff          string  `json:"diff,omitempty"` // added, removed, changed, or empty
}

// Captcha carries the detector verdict for CAPTCHA-like widgets.
type Captcha struct {
	Detected   bool    `json:"detected"`
	Confidence float64 `json:"confidence"`
	Kind       string  `json:"kind,omitempty"` // recaptcha, hcaptcha, turnstile, ...
}

// Diagnostics describes capture quality for one snapshot.
type Diagnostics struct {
	Confidence float64  `json:"confidence"` // in [0,1]
	Captcha    *Captcha `json:"captcha,omitempty"`
	ElapsedMs  int64    `json:"elapsed_ms,omitempty"`
}

// Snapshot is one structured observation of the page.
type Snapshot struct {
	URL         string      `json:"url"`
	Elements    []Element   `json:"elements"`
	Diagnostics Diagnostics `json:"diagnostics"`
}

// Options control how a snapshot is taken. SkipCaptchaHandling marks
// snapshots taken from inside the CAPTCHA interceptor's own polling so they
// bypass interception instead of re-entering it.
type Options struct {
	SkipCaptchaHandling bool   `json:"_skipCaptchaHandling,omitempty"`
	Source              string `json:"source,omitempty"` // code site taking the snapshot, e.g. "gateway"
	MaxElements         int    `json:"max_elements,omitempty"`
}

// FindByID returns the element with the given id, or nil.
func (s *Snapshot) FindByID(id int) *Element {
	for i := range s.Elements {
		if s.Elements[i].ID == id {
			return &s.Elements[i]
		}
	}
	return nil
}

// FindByText returns the first element whose text or accessible name
// contains needle (case-insensitive), or nil.
func (s *Snapshot) FindByText(needle string) *Element {
	n := strings.ToLower(needle)
	for i := range s.Elements {
		if strings.Contains(strings.ToLower(s.Elements[i].Text), n) ||
			strings.Contains(strings.ToLower(s.Elements[i].Name), n) {
			return &s.Elements[i]
		}
	}
	return nil
}

// ByRole returns all elements with the given role.
func (s *Snapshot) ByRole(role string) []*Element {
	var out []*Element
	for i := range s.Elements {
		if s.Elements[i].Role == role {
			out = append(out, &s.Elements[i])
		}
	}
	return out
}

// CaptchaDetected reports whether diagnostics flag a CAPTCHA at or above
// minConfidence.
func (s *Snapshot) CaptchaDetected(minConfidence float64) bool {
	c := s.Diagnostics.Captcha
	return c != nil && c.Detected && c.Confidence >= minConfidence
}

// Digest returns a short opaque hash of the snapshot structure (URL plus
// element identity/geometry). Two snapshots of an unchanged page digest
// equal; any structural change produces a different digest.
func (s *Snapshot) Digest() string {
	if s == nil {
		return ""
	}
	h := sha256.New()
	fmt.Fprintf(h, "url=%s;n=%d;", s.URL, len(s.Elements))
	for i := range s.Elements {
		e := &s.Elements[i]
		fmt.Fprintf(h, "%d|%s|%s|%s|%.0f,%.0f,%.0f,%.0f;",
			e.ID, e.Role, e.Text, e.Name,
			e.BBox.X, e.BBox.Y, e.BBox.Width, e.BBox.Height)
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
