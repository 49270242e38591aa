package browser

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sentienceapi/sentience-go/pkg/snapshot"
)

// domSnapshotJS walks the rendered DOM and returns the visible interactive
// and text-bearing elements with stable ids in document order. Kept to one
// eval round-trip so a snapshot is a single suspension point.
const domSnapshotJS = `(maxElements) => {
	const out = { url: location.href, elements: [], captcha: null };
	const roleFor = (el) => {
		const explicit = el.getAttribute('role');
		if (explicit) return explicit;
		const tag = el.tagName.toLowerCase();
		if (tag === 'a' && el.href) return 'link';
		if (tag === 'button') return 'button';
		if (tag === 'select') return 'combobox';
		if (tag === 'textarea') return 'textbox';
		if (tag === 'input') {
			const t = (el.type || 'text').toLowerCase();
			if (t === 'checkbox') return 'checkbox';
			if (t === 'radio') return 'radio';
			if (t === 'submit' || t === 'button') return 'button';
			return 'textbox';
		}
		if (/^h[1-6]$/.test(tag)) return 'heading';
		if (tag === 'img') return 'img';
		return 'generic';
	};
	const nameFor = (el) => el.getAttribute('aria-label')
		|| el.getAttribute('name')
		|| el.getAttribute('placeholder')
		|| el.getAttribute('alt')
		|| el.getAttribute('title')
		|| '';
	let id = 0;
	const walker = document.createTreeWalker(document.body || document.documentElement, NodeFilter.SHOW_ELEMENT);
	for (let el = walker.currentNode; el; el = walker.nextNode()) {
		if (out.elements.length >= maxElements) break;
		if (!(el instanceof Element)) continue;
		const tag = el.tagName.toLowerCase();
		if (tag === 'script' || tag === 'style' || tag === 'noscript' || tag === 'meta' || tag === 'link') continue;
		const rect = el.getBoundingClientRect();
		if (rect.width <= 0 || rect.height <= 0) continue;
		const style = getComputedStyle(el);
		if (style.visibility === 'hidden' || style.display === 'none') continue;
		const interactive = ['a','button','input','select','textarea'].includes(tag)
			|| el.getAttribute('role') || el.onclick != null || el.tabIndex >= 0;
		let ownText = '';
		for (const child of el.childNodes) {
			if (child.nodeType === Node.TEXT_NODE) ownText += child.textContent;
		}
		ownText = ownText.trim().replace(/\s+/g, ' ').substring(0, 200);
		if (!interactive && !ownText) continue;
		const entry = {
			id: id++,
			role: roleFor(el),
			text: ownText,
			name: nameFor(el),
			bbox: { x: rect.x, y: rect.y, width: rect.width, height: rect.height }
		};
		if (tag === 'input' || tag === 'textarea') {
			entry.input_type = tag === 'textarea' ? 'textarea' : (el.type || 'text').toLowerCase();
			entry.value = el.value || '';
		}
		out.elements.push(entry);
	}
	// CAPTCHA widget markers: known provider frames and challenge containers.
	const markers = [
		['iframe[src*="recaptcha"]', 'recaptcha', 0.95],
		['iframe[src*="hcaptcha"]', 'hcaptcha', 0.95],
		['iframe[src*="turnstile"]', 'turnstile', 0.95],
		['.g-recaptcha', 'recaptcha', 0.85],
		['.h-captcha', 'hcaptcha', 0.85],
		['#challenge-form', 'cf-challenge', 0.8],
		['#cf-challenge-running', 'cf-challenge', 0.8]
	];
	for (const [sel, kind, conf] of markers) {
		const hit = document.querySelector(sel);
		if (hit) {
			const r = hit.getBoundingClientRect();
			if (r.width > 0 && r.height > 0) {
				out.captcha = { detected: true, confidence: conf, kind: kind };
				break;
			}
		}
	}
	return JSON.stringify(out);
}`

type rawSnapshot struct {
	URL      string             `json:"url"`
	Elements []snapshot.Element `json:"elements"`
	Captcha  *snapshot.Captcha  `json:"captcha"`
}

// Snapshotter builds structured snapshots from a live page.
type Snapshotter struct {
	MaxElements int
	logger      zerolog.Logger
}

// NewSnapshotter returns a snapshotter with a 400-element cap.
func NewSnapshotter(logger zerolog.Logger) *Snapshotter {
	return &Snapshotter{MaxElements: 400, logger: logger}
}

// Take captures one snapshot. Confidence reflects how complete the capture
// looks: a page with no visible elements or a truncated walk scores low so
// the eventually loop knows to retake.
func (s *Snapshotter) Take(page Page, opts snapshot.Options) (*snapshot.Snapshot, error) {
	max := opts.MaxElements
	if max <= 0 {
		max = s.MaxElements
	}
	start := time.Now()
	raw, err := page.Eval(domSnapshotJS, max)
	if err != nil {
		return nil, fmt.Errorf("dom snapshot: %w", err)
	}

	// Eval returns the JSON the walk produced, wrapped as a JSON string.
	var payload string
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		payload = raw
	}
	var parsed rawSnapshot
	if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
		return nil, fmt.Errorf("dom snapshot: decoding result: %w", err)
	}

	snap := &snapshot.Snapshot{
		URL:      parsed.URL,
		Elements: parsed.Elements,
		Diagnostics: snapshot.Diagnostics{
			Confidence: captureConfidence(len(parsed.Elements), max),
			Captcha:    parsed.Captcha,
			ElapsedMs:  time.Since(start).Milliseconds(),
		},
	}
	if snap.URL == "" {
		snap.URL = page.URL()
	}
	s.logger.Debug().
		Int("elements", len(snap.Elements)).
		Float64("confidence", snap.Diagnostics.Confidence).
		Msg("snapshot taken")
	return snap, nil
}

// captureConfidence scores a capture in [0,1]. An empty page usually means
// the app has not rendered yet; a walk that hit the element cap may have
// cut off the region under test.
func captureConfidence(count, max int) float64 {
	switch {
	case count == 0:
		return 0.1
	case count >= max:
		return 0.6
	case count < 3:
		return 0.5
	default:
		return 0.95
	}
}
