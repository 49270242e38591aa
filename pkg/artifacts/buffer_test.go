package artifacts

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/sentienceapi/sentience-go/pkg/snapshot"
	"github.com/sentienceapi/sentience-go/pkg/util"
)

type fakeTranscoder struct {
	available bool
	fail      bool
	calls     int
}

func (f *fakeTranscoder) Available() bool { return f.available }

func (f *fakeTranscoder) Synthesize(framesDir, outPath string, fps int, frames []string) error {
	f.calls++
	if f.fail {
		return errors.New("transcode failed")
	}
	return os.WriteFile(outPath, []byte("mp4"), 0644)
}

func newTestBuffer(t *testing.T, runID string, opts Options, clock util.Clock) *Buffer {
	t.Helper()
	if opts.OutputDir == "" {
		opts.OutputDir = t.TempDir()
	}
	b, err := NewBuffer(runID, opts, clock, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewBuffer: %v", err)
	}
	t.Cleanup(b.Cleanup)
	b.SetTranscoder(&fakeTranscoder{})
	return b
}

func readManifestFile(t *testing.T, dir string) Manifest {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		t.Fatalf("reading manifest: %v", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("parsing manifest: %v", err)
	}
	return m
}

func TestPruneWithinWindow(t *testing.T) {
	clock := util.NewFakeClock(0)
	b := newTestBuffer(t, "run-1", Options{BufferSeconds: 1}, clock)

	if err := b.AddFrame([]byte("one"), "jpeg"); err != nil {
		t.Fatalf("AddFrame: %v", err)
	}
	if b.FrameCount() != 1 {
		t.Fatalf("frame count = %d, want 1", b.FrameCount())
	}

	clock.Advance(2000)
	if err := b.AddFrame([]byte("two"), "jpeg"); err != nil {
		t.Fatalf("AddFrame: %v", err)
	}
	if b.FrameCount() != 1 {
		t.Fatalf("after prune, frame count = %d, want 1", b.FrameCount())
	}
	if b.frames[0].TS != 2000 {
		t.Errorf("surviving frame ts = %d, want 2000", b.frames[0].TS)
	}
}

func TestPersistManifest(t *testing.T) {
	clock := util.NewFakeClock(1000)
	b := newTestBuffer(t, "run-2", Options{}, clock)

	b.RecordStep("CLICK", "s1", 1, "https://example.com")
	if err := b.AddFrame([]byte("frame"), "jpeg"); err != nil {
		t.Fatal(err)
	}

	snap := &snapshot.Snapshot{URL: "https://example.com"}
	dir, err := b.Persist("assert_failed", "failure", snap,
		map[string]any{"confidence": 0.8},
		map[string]any{"backend": "MockBackend"})
	if err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if dir == "" {
		t.Fatal("first Persist returned empty dir")
	}

	m := readManifestFile(t, dir)
	if m.RunID != "run-2" {
		t.Errorf("run_id = %q", m.RunID)
	}
	if m.FrameCount != 1 || len(m.Frames) != 1 {
		t.Errorf("frame_count = %d, frames = %d", m.FrameCount, len(m.Frames))
	}
	if m.Snapshot == nil || *m.Snapshot != "snapshot.json" {
		t.Errorf("snapshot ref = %v", m.Snapshot)
	}
	if m.Diagnostics == nil || *m.Diagnostics != "diagnostics.json" {
		t.Errorf("diagnostics ref = %v", m.Diagnostics)
	}
	if m.BufferSeconds != 15 {
		t.Errorf("buffer_seconds = %d, want default 15", m.BufferSeconds)
	}
	if m.Metadata["backend"] != "MockBackend" {
		t.Errorf("metadata = %v", m.Metadata)
	}

	var steps []StepRecord
	data, err := os.ReadFile(filepath.Join(dir, "steps.json"))
	if err != nil {
		t.Fatalf("reading steps.json: %v", err)
	}
	if err := json.Unmarshal(data, &steps); err != nil {
		t.Fatal(err)
	}
	if len(steps) != 1 || steps[0].Action != "CLICK" || steps[0].StepIndex != 1 {
		t.Errorf("steps = %+v", steps)
	}

	if _, err := os.Stat(filepath.Join(dir, "frames", b.frames[0].FileName)); err != nil {
		t.Errorf("persisted frame missing: %v", err)
	}
}

func TestPersistIdempotent(t *testing.T) {
	b := newTestBuffer(t, "run-3", Options{}, util.NewFakeClock(0))
	dir, err := b.Persist("done", "success", nil, nil, nil)
	if err != nil || dir == "" {
		t.Fatalf("first persist: dir=%q err=%v", dir, err)
	}
	again, err := b.Persist("done", "success", nil, nil, nil)
	if err != nil {
		t.Fatalf("second persist errored: %v", err)
	}
	if again != "" {
		t.Errorf("second persist returned %q, want empty", again)
	}
}

func TestRedactionDefaults(t *testing.T) {
	b := newTestBuffer(t, "run-4", Options{}, util.NewFakeClock(0))
	secret := "secret"
	email := "user@x.com"
	snap := &snapshot.Snapshot{
		URL: "https://example.com/login",
		Elements: []snapshot.Element{
			{ID: 1, InputType: "password", Value: &secret},
			{ID: 2, InputType: "email", Value: &email},
			{ID: 3, InputType: "text", Value: &email},
		},
	}
	dir, err := b.Persist("assert_failed", "failure", snap, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "snapshot.json"))
	if err != nil {
		t.Fatal(err)
	}
	var persisted snapshot.Snapshot
	if err := json.Unmarshal(data, &persisted); err != nil {
		t.Fatal(err)
	}
	for _, el := range persisted.Elements[:2] {
		if el.Value != nil || !el.ValueRedacted {
			t.Errorf("element %d not redacted: value=%v redacted=%v", el.ID, el.Value, el.ValueRedacted)
		}
	}
	if persisted.Elements[2].Value == nil || *persisted.Elements[2].Value != email {
		t.Error("text input value should be preserved")
	}
	// The in-memory snapshot must stay untouched.
	if snap.Elements[0].Value == nil {
		t.Error("redaction mutated the caller's snapshot")
	}
}

func TestDropFramesViaCallback(t *testing.T) {
	clock := util.NewFakeClock(0)
	b := newTestBuffer(t, "run-5", Options{
		Clip: ClipOptions{Mode: ClipOn},
		OnBeforePersist: func(in RedactionInput) (*RedactionResult, error) {
			return &RedactionResult{DropFrames: true}, nil
		},
	}, clock)
	b.SetTranscoder(&fakeTranscoder{available: true})

	if err := b.AddFrame([]byte("frame"), "jpeg"); err != nil {
		t.Fatal(err)
	}
	dir, err := b.Persist("assert_failed", "failure", nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	m := readManifestFile(t, dir)
	if m.FrameCount != 0 || len(m.Frames) != 0 {
		t.Errorf("frame_count = %d, frames = %d, want 0", m.FrameCount, len(m.Frames))
	}
	if !m.FramesDropped {
		t.Error("frames_dropped not set")
	}
	if m.Clip != nil {
		t.Errorf("clip = %v, want null even with clip.mode=on", *m.Clip)
	}
	entries, _ := os.ReadDir(filepath.Join(dir, "frames"))
	if len(entries) != 0 {
		t.Errorf("frames dir has %d entries, want 0", len(entries))
	}
}

func TestCallbackThrowDropsFramesButPersists(t *testing.T) {
	b := newTestBuffer(t, "run-6", Options{
		OnBeforePersist: func(in RedactionInput) (*RedactionResult, error) {
			return nil, errors.New("redaction backend down")
		},
	}, util.NewFakeClock(0))
	if err := b.AddFrame([]byte("frame"), "jpeg"); err != nil {
		t.Fatal(err)
	}
	dir, err := b.Persist("assert_failed", "failure", nil, nil, nil)
	if err != nil {
		t.Fatalf("persist should survive hook error: %v", err)
	}
	m := readManifestFile(t, dir)
	if !m.FramesDropped || m.FrameCount != 0 {
		t.Errorf("hook throw: frames_dropped=%v frame_count=%d", m.FramesDropped, m.FrameCount)
	}
}

func TestClipOff(t *testing.T) {
	tc := &fakeTranscoder{available: true}
	b := newTestBuffer(t, "run-7", Options{Clip: ClipOptions{Mode: ClipOff}}, util.NewFakeClock(0))
	b.SetTranscoder(tc)
	if err := b.AddFrame([]byte("frame"), "jpeg"); err != nil {
		t.Fatal(err)
	}
	dir, err := b.Persist("assert_failed", "failure", nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	m := readManifestFile(t, dir)
	if m.Clip != nil || m.ClipFPS != nil {
		t.Errorf("clip = %v, clip_fps = %v, want null", m.Clip, m.ClipFPS)
	}
	if tc.calls != 0 {
		t.Errorf("transcoder ran %d times with clip off", tc.calls)
	}
}

func TestClipSynthesized(t *testing.T) {
	tc := &fakeTranscoder{available: true}
	b := newTestBuffer(t, "run-8", Options{Clip: ClipOptions{Mode: ClipAuto, FPS: 4}}, util.NewFakeClock(0))
	b.SetTranscoder(tc)
	if err := b.AddFrame([]byte("frame"), "png"); err != nil {
		t.Fatal(err)
	}
	dir, err := b.Persist("assert_failed", "failure", nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	m := readManifestFile(t, dir)
	if m.Clip == nil || *m.Clip != "failure.mp4" {
		t.Fatalf("clip = %v", m.Clip)
	}
	if m.ClipFPS == nil || *m.ClipFPS != 4 {
		t.Errorf("clip_fps = %v", m.ClipFPS)
	}
	if tc.calls != 1 {
		t.Errorf("transcoder calls = %d", tc.calls)
	}
}

func TestClipTranscoderMissingAutoSkipsSilently(t *testing.T) {
	b := newTestBuffer(t, "run-9", Options{}, util.NewFakeClock(0))
	b.SetTranscoder(&fakeTranscoder{available: false})
	if err := b.AddFrame([]byte("frame"), "jpeg"); err != nil {
		t.Fatal(err)
	}
	dir, err := b.Persist("assert_failed", "failure", nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if m := readManifestFile(t, dir); m.Clip != nil {
		t.Errorf("clip = %v, want null without transcoder", m.Clip)
	}
}

func TestClipFailureLeavesNull(t *testing.T) {
	b := newTestBuffer(t, "run-10", Options{}, util.NewFakeClock(0))
	b.SetTranscoder(&fakeTranscoder{available: true, fail: true})
	if err := b.AddFrame([]byte("frame"), "jpeg"); err != nil {
		t.Fatal(err)
	}
	dir, err := b.Persist("assert_failed", "failure", nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if m := readManifestFile(t, dir); m.Clip != nil {
		t.Errorf("clip = %v, want null after transcoder failure", m.Clip)
	}
}

func TestCleanupRemovesScratch(t *testing.T) {
	b := newTestBuffer(t, "run-11", Options{}, util.NewFakeClock(0))
	if err := b.AddFrame([]byte("frame"), "jpeg"); err != nil {
		t.Fatal(err)
	}
	scratch := b.scratchDir
	b.Cleanup()
	if _, err := os.Stat(scratch); !os.IsNotExist(err) {
		t.Errorf("scratch dir still exists after cleanup")
	}
	b.Cleanup() // second call must be safe
}

func TestCleanupOldRuns(t *testing.T) {
	base := t.TempDir()
	old := filepath.Join(base, "run-old-1")
	if err := os.MkdirAll(old, 0755); err != nil {
		t.Fatal(err)
	}
	if err := CleanupOldRuns(base, 0); err != nil {
		t.Fatalf("CleanupOldRuns: %v", err)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("old run not removed")
	}
	if err := CleanupOldRuns(filepath.Join(base, "missing"), 0); err != nil {
		t.Errorf("missing base dir should be a no-op, got %v", err)
	}
}
