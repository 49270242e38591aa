// Package artifacts keeps a bounded pre-roll of screenshot frames and step
// records in a scratch directory, persists them as a run directory with an
// atomic manifest when a verification fails, and uploads persisted runs to
// the remote artifact store.
package artifacts

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sentienceapi/sentience-go/pkg/snapshot"
	"github.com/sentienceapi/sentience-go/pkg/util"
)

// PersistMode selects when the buffer persists.
type PersistMode string

const (
	PersistOnFail PersistMode = "onFail"
	PersistAlways PersistMode = "always"
)

// ClipMode selects whether a failure clip is synthesized from the frames.
type ClipMode string

const (
	ClipOff  ClipMode = "off"
	ClipAuto ClipMode = "auto" // synthesize when a transcoder is available
	ClipOn   ClipMode = "on"   // warn when no transcoder is available
)

// ClipOptions configure clip synthesis. Seconds is informational only and
// recorded in the manifest when set and a clip was synthesized.
type ClipOptions struct {
	Mode    ClipMode `yaml:"mode"`
	FPS     int      `yaml:"fps"`
	Seconds float64  `yaml:"seconds"`
}

// RedactionInput is handed to the OnBeforePersist hook.
type RedactionInput struct {
	RunID       string
	Reason      string
	Status      string
	Snapshot    *snapshot.Snapshot
	Diagnostics map[string]any
	FramePaths  []string
	Metadata    map[string]any
}

// RedactionResult overrides what gets persisted. Nil fields keep the
// original values. DropFrames removes every frame from the persisted run.
type RedactionResult struct {
	Snapshot    *snapshot.Snapshot
	Diagnostics map[string]any
	FramePaths  []string
	DropFrames  bool
}

// Options configure a Buffer. Zero values take the documented defaults.
type Options struct {
	BufferSeconds        int
	CaptureOnAction      *bool
	FPS                  int
	PersistMode          PersistMode
	OutputDir            string
	OnBeforePersist      func(RedactionInput) (*RedactionResult, error)
	RedactSnapshotValues *bool
	Clip                 ClipOptions
}

func (o Options) withDefaults() Options {
	if o.BufferSeconds <= 0 {
		o.BufferSeconds = 15
	}
	if o.CaptureOnAction == nil {
		v := true
		o.CaptureOnAction = &v
	}
	if o.PersistMode == "" {
		o.PersistMode = PersistOnFail
	}
	if o.OutputDir == "" {
		o.OutputDir = filepath.Join(".sentience", "artifacts")
	}
	if o.RedactSnapshotValues == nil {
		v := true
		o.RedactSnapshotValues = &v
	}
	if o.Clip.Mode == "" {
		o.Clip.Mode = ClipAuto
	}
	if o.Clip.FPS <= 0 {
		o.Clip.FPS = 8
	}
	return o
}

// FrameRecord is one buffered screenshot frame on disk.
type FrameRecord struct {
	TS       int64
	FileName string
	FilePath string
	Fmt      string // jpeg or png
}

// StepRecord is one recorded planner action.
type StepRecord struct {
	TS        int64  `json:"ts"`
	Action    string `json:"action"`
	StepID    string `json:"step_id"`
	StepIndex int    `json:"step_index"`
	URL       string `json:"url,omitempty"`
}

// ManifestFrame is one frame reference in the manifest.
type ManifestFrame struct {
	File string `json:"file"`
	TS   int64  `json:"ts"`
}

// Manifest is the persisted run descriptor, written last and atomically.
type Manifest struct {
	RunID          string          `json:"run_id"`
	CreatedAtMs    int64           `json:"created_at_ms"`
	Status         string          `json:"status"`
	Reason         string          `json:"reason,omitempty"`
	BufferSeconds  int             `json:"buffer_seconds"`
	FrameCount     int             `json:"frame_count"`
	Frames         []ManifestFrame `json:"frames"`
	Snapshot       *string         `json:"snapshot"`
	Diagnostics    *string         `json:"diagnostics"`
	Clip           *string         `json:"clip"`
	ClipFPS        *int            `json:"clip_fps,omitempty"`
	ClipSeconds    *float64        `json:"clip_seconds,omitempty"`
	Metadata       map[string]any  `json:"metadata"`
	FramesRedacted bool            `json:"frames_redacted"`
	FramesDropped  bool            `json:"frames_dropped"`
}

// redactedInputTypes are the element input types whose values never reach
// disk.
var redactedInputTypes = map[string]bool{
	"password": true,
	"email":    true,
	"tel":      true,
}

// Buffer is the failure-artifact ring. One instance owns one scratch
// directory; the output directory is shared across runs and disambiguated
// by the <runId>-<epochMs> prefix.
type Buffer struct {
	runID      string
	opts       Options
	clock      util.Clock
	transcoder Transcoder
	logger     zerolog.Logger

	mu         sync.Mutex
	scratchDir string
	frames     []FrameRecord
	steps      []StepRecord
	persisted  bool
	stopped    chan struct{}
}

// NewBuffer creates the scratch directory and returns a ready buffer.
func NewBuffer(runID string, opts Options, clock util.Clock, logger zerolog.Logger) (*Buffer, error) {
	if clock == nil {
		clock = util.SystemClock{}
	}
	scratch, err := os.MkdirTemp("", "sentience-frames-*")
	if err != nil {
		return nil, fmt.Errorf("creating scratch directory: %w", err)
	}
	return &Buffer{
		runID:      runID,
		opts:       opts.withDefaults(),
		clock:      clock,
		transcoder: &FFmpegTranscoder{},
		logger:     logger,
		scratchDir: scratch,
		stopped:    make(chan struct{}),
	}, nil
}

// SetTranscoder overrides the clip transcoder (tests).
func (b *Buffer) SetTranscoder(t Transcoder) { b.transcoder = t }

// RunID returns the buffer's run identifier.
func (b *Buffer) RunID() string { return b.runID }

// Mode returns the configured persist mode.
func (b *Buffer) Mode() PersistMode { return b.opts.PersistMode }

// CaptureOnAction reports whether the engine should capture one frame per
// recorded action.
func (b *Buffer) CaptureOnAction() bool { return *b.opts.CaptureOnAction }

// FrameCount returns the number of frames currently in the ring.
func (b *Buffer) FrameCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}

// RecordStep appends one planner action to the step log.
func (b *Buffer) RecordStep(action, stepID string, stepIndex int, url string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.steps = append(b.steps, StepRecord{
		TS:        b.clock.Now().UnixMilli(),
		Action:    action,
		StepID:    stepID,
		StepIndex: stepIndex,
		URL:       url,
	})
}

// AddFrame writes the frame to the scratch directory, appends it to the
// ring, and prunes frames older than the pre-roll window. Prune unlinks are
// best-effort; the scratch write itself is not.
func (b *Buffer) AddFrame(data []byte, format string) error {
	if format != "png" {
		format = "jpeg"
	}
	ts := b.clock.Now().UnixMilli()
	name := fmt.Sprintf("frame_%d.%s", ts, format)
	path := filepath.Join(b.scratchDir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames = append(b.frames, FrameRecord{TS: ts, FileName: name, FilePath: path, Fmt: format})
	b.prune(ts)
	return nil
}

// prune drops frames older than now - bufferSeconds.
func (b *Buffer) prune(nowMs int64) {
	cutoff := nowMs - int64(b.opts.BufferSeconds)*1000
	kept := b.frames[:0]
	for _, f := range b.frames {
		if f.TS < cutoff {
			if err := os.Remove(f.FilePath); err != nil && !os.IsNotExist(err) {
				b.logger.Debug().Err(err).Str("frame", f.FileName).Msg("prune unlink failed")
			}
			continue
		}
		kept = append(kept, f)
	}
	b.frames = kept
}

// StartTimedCapture begins fixed-rate frame capture when fps > 0. capture
// produces one encoded frame; failures are logged and skipped. The returned
// stop function is idempotent.
func (b *Buffer) StartTimedCapture(capture func() ([]byte, string, error)) func() {
	if b.opts.FPS <= 0 {
		return func() {}
	}
	interval := time.Second / time.Duration(b.opts.FPS)
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-b.stopped:
				return
			case <-ticker.C:
				data, format, err := capture()
				if err != nil {
					b.logger.Debug().Err(err).Msg("timed frame capture failed")
					continue
				}
				if err := b.AddFrame(data, format); err != nil {
					b.logger.Warn().Err(err).Msg("timed frame not buffered")
				}
			}
		}
	}()
	var stoppedOnce bool
	return func() {
		if !stoppedOnce {
			stoppedOnce = true
			close(done)
		}
	}
}

// Persist writes the current buffer as a run directory. It is one-shot:
// the second and later calls return "" and touch nothing. On success it
// returns the run directory path.
func (b *Buffer) Persist(reason, status string, snap *snapshot.Snapshot, diagnostics, metadata map[string]any) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.persisted {
		return "", nil
	}
	b.persisted = true

	nowMs := b.clock.Now().UnixMilli()
	runDir := filepath.Join(b.opts.OutputDir, fmt.Sprintf("%s-%d", util.SanitizeFilename(b.runID), nowMs))
	framesDir := filepath.Join(runDir, "frames")
	if err := os.MkdirAll(framesDir, 0755); err != nil {
		return "", fmt.Errorf("creating run directory: %w", err)
	}

	framePaths := make([]string, 0, len(b.frames))
	for _, f := range b.frames {
		framePaths = append(framePaths, f.FilePath)
	}
	copyFrames(framePaths, framesDir, b.logger)

	if snap != nil && *b.opts.RedactSnapshotValues {
		snap = redactSnapshot(snap)
	}

	framesDropped := false
	framesRedacted := false
	if b.opts.OnBeforePersist != nil {
		result, err := b.opts.OnBeforePersist(RedactionInput{
			RunID:       b.runID,
			Reason:      reason,
			Status:      status,
			Snapshot:    snap,
			Diagnostics: diagnostics,
			FramePaths:  framePaths,
			Metadata:    metadata,
		})
		if err != nil {
			// A hook that throws forfeits the frames but the manifest
			// still records the failure.
			b.logger.Warn().Err(err).Msg("persist hook failed; dropping frames")
			framesDropped = true
		} else if result != nil {
			framesRedacted = true
			if result.DropFrames {
				framesDropped = true
			}
			if result.Snapshot != nil {
				snap = result.Snapshot
			}
			if result.Diagnostics != nil {
				diagnostics = result.Diagnostics
			}
			if result.FramePaths != nil {
				framePaths = result.FramePaths
			}
		}
	}

	if framesDropped {
		framePaths = nil
		removeDirContents(framesDir, b.logger)
	} else {
		// Second copy pass after the hook; idempotent since basenames are
		// stable, and it picks up hook-substituted frame paths.
		copyFrames(framePaths, framesDir, b.logger)
	}

	steps := b.steps
	if steps == nil {
		steps = []StepRecord{}
	}
	if err := writeJSONAtomic(filepath.Join(runDir, "steps.json"), steps); err != nil {
		return "", err
	}
	var snapshotRef, diagnosticsRef *string
	if snap != nil {
		if err := writeJSONAtomic(filepath.Join(runDir, "snapshot.json"), snap); err != nil {
			return "", err
		}
		name := "snapshot.json"
		snapshotRef = &name
	}
	if diagnostics != nil {
		if err := writeJSONAtomic(filepath.Join(runDir, "diagnostics.json"), diagnostics); err != nil {
			return "", err
		}
		name := "diagnostics.json"
		diagnosticsRef = &name
	}

	var clipRef *string
	var clipFPS *int
	var clipSeconds *float64
	if len(framePaths) > 0 && b.opts.Clip.Mode != ClipOff {
		if b.synthesizeClip(runDir, framesDir, framePaths) {
			name := "failure.mp4"
			clipRef = &name
			fps := b.opts.Clip.FPS
			clipFPS = &fps
			if b.opts.Clip.Seconds > 0 {
				secs := b.opts.Clip.Seconds
				clipSeconds = &secs
			}
		}
	}

	manifest := Manifest{
		RunID:          b.runID,
		CreatedAtMs:    nowMs,
		Status:         status,
		Reason:         reason,
		BufferSeconds:  b.opts.BufferSeconds,
		Frames:         manifestFrames(framePaths, b.frames),
		Snapshot:       snapshotRef,
		Diagnostics:    diagnosticsRef,
		Clip:           clipRef,
		ClipFPS:        clipFPS,
		ClipSeconds:    clipSeconds,
		Metadata:       metadata,
		FramesRedacted: framesRedacted,
		FramesDropped:  framesDropped,
	}
	manifest.FrameCount = len(manifest.Frames)
	if err := writeJSONAtomic(filepath.Join(runDir, "manifest.json"), manifest); err != nil {
		return "", err
	}
	b.logger.Info().
		Str("dir", runDir).
		Str("reason", reason).
		Int("frames", manifest.FrameCount).
		Msg("artifacts persisted")
	return runDir, nil
}

// synthesizeClip runs the transcoder; returns true when failure.mp4 exists.
func (b *Buffer) synthesizeClip(runDir, framesDir string, framePaths []string) bool {
	if !b.transcoder.Available() {
		if b.opts.Clip.Mode == ClipOn {
			b.logger.Warn().Msg("clip requested but no transcoder found on PATH")
		}
		return false
	}
	names := make([]string, 0, len(framePaths))
	for _, p := range framePaths {
		names = append(names, filepath.Base(p))
	}
	out := filepath.Join(runDir, "failure.mp4")
	if err := b.transcoder.Synthesize(framesDir, out, b.opts.Clip.FPS, names); err != nil {
		b.logger.Warn().Err(err).Msg("clip synthesis failed")
		return false
	}
	return true
}

// Cleanup removes the scratch directory. Safe to call whether or not
// Persist ran, and more than once.
func (b *Buffer) Cleanup() {
	select {
	case <-b.stopped:
	default:
		close(b.stopped)
	}
	if err := os.RemoveAll(b.scratchDir); err != nil {
		b.logger.Debug().Err(err).Msg("scratch cleanup failed")
	}
}

// CleanupOldRuns removes run directories under baseDir older than maxAge.
func CleanupOldRuns(baseDir string, maxAge time.Duration) error {
	entries, err := os.ReadDir(baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading artifact directory: %w", err)
	}
	cutoff := time.Now().Add(-maxAge)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.RemoveAll(filepath.Join(baseDir, entry.Name())); err != nil {
				return fmt.Errorf("removing old run %s: %w", entry.Name(), err)
			}
		}
	}
	return nil
}

// redactSnapshot returns a copy of snap with sensitive input values
// cleared. Other attributes are preserved.
func redactSnapshot(snap *snapshot.Snapshot) *snapshot.Snapshot {
	out := *snap
	out.Elements = make([]snapshot.Element, len(snap.Elements))
	copy(out.Elements, snap.Elements)
	for i := range out.Elements {
		if redactedInputTypes[out.Elements[i].InputType] {
			out.Elements[i].Value = nil
			out.Elements[i].ValueRedacted = true
		}
	}
	return &out
}

// manifestFrames maps persisted frame paths back to their ring timestamps.
func manifestFrames(framePaths []string, ring []FrameRecord) []ManifestFrame {
	tsByName := make(map[string]int64, len(ring))
	for _, f := range ring {
		tsByName[f.FileName] = f.TS
	}
	out := make([]ManifestFrame, 0, len(framePaths))
	for _, p := range framePaths {
		name := filepath.Base(p)
		out = append(out, ManifestFrame{File: filepath.Join("frames", name), TS: tsByName[name]})
	}
	return out
}

func copyFrames(paths []string, dstDir string, logger zerolog.Logger) {
	for _, p := range paths {
		if err := copyFile(p, filepath.Join(dstDir, filepath.Base(p))); err != nil {
			logger.Warn().Err(err).Str("frame", p).Msg("frame copy failed")
		}
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

func removeDirContents(dir string, logger zerolog.Logger) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			logger.Debug().Err(err).Msg("dropped frame removal failed")
		}
	}
}

// writeJSONAtomic writes v as indented JSON via write-temp-then-rename.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("renaming %s: %w", filepath.Base(path), err)
	}
	return nil
}
