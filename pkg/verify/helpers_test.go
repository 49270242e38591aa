package verify

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sentienceapi/sentience-go/pkg/artifacts"
	"github.com/sentienceapi/sentience-go/pkg/browser"
	"github.com/sentienceapi/sentience-go/pkg/snapshot"
	"github.com/sentienceapi/sentience-go/pkg/trace"
	"github.com/sentienceapi/sentience-go/pkg/util"
)

// fakePage is a scripted browser.Page.
type fakePage struct {
	url           string
	screenshot    []byte
	screenshotErr error
	downloads     []browser.DownloadEntry
	clicks        int
}

func (p *fakePage) URL() string { return p.url }

func (p *fakePage) Screenshot(format string, quality int) ([]byte, error) {
	if p.screenshotErr != nil {
		return nil, p.screenshotErr
	}
	if p.screenshot == nil {
		return []byte("img"), nil
	}
	return p.screenshot, nil
}

func (p *fakePage) Click(x, y float64) error   { p.clicks++; return nil }
func (p *fakePage) Wheel(dx, dy float64) error { return nil }
func (p *fakePage) Press(key string) error     { return nil }
func (p *fakePage) Type(text string) error     { return nil }
func (p *fakePage) Eval(js string, args ...any) (string, error) {
	return "null", nil
}
func (p *fakePage) Navigate(url string) error          { p.url = url; return nil }
func (p *fakePage) WaitTimeout(d time.Duration)        {}
func (p *fakePage) Downloads() []browser.DownloadEntry { return p.downloads }

// snapshotScript returns each queued snapshot in turn, repeating the last
// one forever. Errors are queued as nil snapshots with errs set.
type snapshotScript struct {
	snaps []*snapshot.Snapshot
	errs  []error
	calls int
	opts  []snapshot.Options
}

func (s *snapshotScript) take(page browser.Page, opts snapshot.Options) (*snapshot.Snapshot, error) {
	i := s.calls
	s.calls++
	s.opts = append(s.opts, opts)
	if i >= len(s.snaps) {
		i = len(s.snaps) - 1
	}
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	if i < 0 {
		return nil, errors.New("no snapshots scripted")
	}
	return s.snaps[i], nil
}

func pageSnap(url string, confidence float64, elements ...snapshot.Element) *snapshot.Snapshot {
	return &snapshot.Snapshot{
		URL:         url,
		Elements:    elements,
		Diagnostics: snapshot.Diagnostics{Confidence: confidence},
	}
}

func captchaSnap(url string, confidence float64) *snapshot.Snapshot {
	s := pageSnap(url, 0.9)
	s.Diagnostics.Captcha = &snapshot.Captcha{Detected: true, Confidence: confidence, Kind: "recaptcha"}
	return s
}

type engineFixture struct {
	engine    *Engine
	page      *fakePage
	script    *snapshotScript
	rec       *trace.Recorder
	clock     *util.FakeClock
	buffer    *artifacts.Buffer
	bufferDir string
}

// newFixture builds an engine over scripted snapshots. withBuffer adds a
// real artifact buffer rooted in a temp dir.
func newFixture(t *testing.T, withBuffer bool, snaps ...*snapshot.Snapshot) *engineFixture {
	t.Helper()
	f := &engineFixture{
		page:   &fakePage{url: "https://example.com"},
		script: &snapshotScript{snaps: snaps},
		rec:    trace.NewRecorder("run-t"),
		clock:  util.NewFakeClock(0),
	}
	cfg := Config{
		Page:     f.page,
		Snapshot: f.script.take,
		Tracer:   f.rec,
		Clock:    f.clock,
		Logger:   zerolog.Nop(),
	}
	if withBuffer {
		f.bufferDir = t.TempDir()
		b, err := artifacts.NewBuffer("run-t", artifacts.Options{OutputDir: f.bufferDir}, f.clock, zerolog.Nop())
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(b.Cleanup)
		cfg.Buffer = b
		f.buffer = b
	}
	engine, err := NewEngine(cfg)
	if err != nil {
		t.Fatal(err)
	}
	f.engine = engine
	return f
}

// finalAssertEvents filters verification events that were recorded in the
// step (final=true) with kind assert.
func (f *engineFixture) finalAssertEvents() []trace.Recorded {
	var out []trace.Recorded
	for _, ev := range f.rec.ByKind(trace.KindVerification) {
		if ev.Data["kind"] == "assert" && ev.Data["final"] == true {
			out = append(out, ev)
		}
	}
	return out
}

func (f *engineFixture) captchaEvents() []string {
	var out []string
	for _, ev := range f.rec.ByKind(trace.KindVerification) {
		if ev.Data["kind"] == "captcha" {
			out = append(out, ev.Data["reason_code"].(string))
		}
	}
	return out
}
