// Package trace defines the tracer contract consumed by the verification
// runtime and a JSONL file tracer for local runs. Trace storage and
// indexing live elsewhere; the runtime only needs Emit and a run id.
package trace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event kinds produced by the verification core.
const (
	KindVerification = "verification"
	KindToolCall     = "tool_call"
	KindStepEnd      = "step_end"
)

// Tracer receives structured events from the runtime. Implementations must
// tolerate being called from the single-threaded engine loop without
// blocking for long.
type Tracer interface {
	Emit(kind string, data map[string]any, stepID string)
	RunID() string
}

// Nop returns a tracer that discards everything.
func Nop() Tracer { return nopTracer{} }

type nopTracer struct{}

func (nopTracer) Emit(string, map[string]any, string) {}
func (nopTracer) RunID() string                       { return "run-nop" }

// FileTracer appends one JSON object per event to a trace file. It is the
// default tracer for CLI runs.
type FileTracer struct {
	runID  string
	path   string
	mu     sync.Mutex
	f      *os.File
	logger zerolog.Logger
}

// NewFileTracer creates the trace file under dir as trace-<runId>.jsonl.
func NewFileTracer(dir string, logger zerolog.Logger) (*FileTracer, error) {
	runID := "run-" + uuid.NewString()[:8]
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating trace directory: %w", err)
	}
	path := filepath.Join(dir, "trace-"+runID+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening trace file: %w", err)
	}
	return &FileTracer{runID: runID, path: path, f: f, logger: logger}, nil
}

// RunID returns the identifier minted for this trace.
func (t *FileTracer) RunID() string { return t.runID }

// Path returns the trace file location.
func (t *FileTracer) Path() string { return t.path }

// Emit writes the event as one JSON line. Write failures are logged, not
// raised — tracing must never break a verification run.
func (t *FileTracer) Emit(kind string, data map[string]any, stepID string) {
	event := map[string]any{
		"kind":   kind,
		"run_id": t.runID,
		"ts_ms":  time.Now().UnixMilli(),
		"data":   data,
	}
	if stepID != "" {
		event["step_id"] = stepID
	}
	line, err := json.Marshal(event)
	if err != nil {
		t.logger.Warn().Err(err).Str("kind", kind).Msg("trace event not serializable")
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.f.Write(append(line, '\n')); err != nil {
		t.logger.Warn().Err(err).Str("kind", kind).Msg("trace write failed")
	}
}

// Close flushes and closes the trace file.
func (t *FileTracer) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.f.Close()
}

// Recorder is an in-memory tracer for tests and programmatic inspection.
type Recorder struct {
	runID string
	mu    sync.Mutex
	Items []Recorded
}

// Recorded is one captured event.
type Recorded struct {
	Kind   string
	Data   map[string]any
	StepID string
}

// NewRecorder returns a Recorder with the given run id ("run-1" if empty).
func NewRecorder(runID string) *Recorder {
	if runID == "" {
		runID = "run-1"
	}
	return &Recorder{runID: runID}
}

func (r *Recorder) RunID() string { return r.runID }

func (r *Recorder) Emit(kind string, data map[string]any, stepID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Items = append(r.Items, Recorded{Kind: kind, Data: data, StepID: stepID})
}

// ByKind returns captured events of one kind, in emission order.
func (r *Recorder) ByKind(kind string) []Recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Recorded
	for _, it := range r.Items {
		if it.Kind == kind {
			out = append(out, it)
		}
	}
	return out
}
