// Package model owns the classifier lifecycle: loading the interpreter
// exactly once under concurrent callers, serializing inference against the
// single interpreter instance, and tearing it down deterministically.
package model

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mkulima/leafscan/catalog"
	"github.com/mkulima/leafscan/errs"
	"github.com/mkulima/leafscan/preprocess"
)

// State is the lifecycle state of the managed model.
type State int

const (
	StateUnloaded State = iota
	StateLoading
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unloaded"
	}
}

// Info describes the model's declared input shape [1,H,W,C] and output
// length N.
type Info struct {
	Height    int
	Width     int
	Channels  int
	OutputLen int
}

// Session is a loaded, ready-to-run interpreter. Run executes one forward
// pass over a flat NHWC input and returns a copy of the output vector.
// Implementations are not safe for concurrent Run calls; the Manager
// serializes access.
type Session interface {
	Run(input []float32) ([]float32, error)
	Close() error
}

// Loader opens the model artifact at path. The default is LoadONNX.
type Loader func(path string) (Session, Info, error)

// inferenceFailureLimit is how many consecutive forward-pass failures it
// takes before a Ready model is marked Failed. A single failure does not
// poison a working model.
const inferenceFailureLimit = 3

// handle bundles one loaded interpreter generation. The slot channel holds a
// single token; waiters queue FIFO, which gives inference calls arrival-order
// service against the one interpreter. done is closed on teardown.
type handle struct {
	sess Session
	info Info
	slot chan struct{}
	done chan struct{}
}

func newHandle(sess Session, info Info) *handle {
	h := &handle{
		sess: sess,
		info: info,
		slot: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	h.slot <- struct{}{}
	return h
}

// teardown waits out a running forward pass, then releases the interpreter.
func (h *handle) teardown() {
	close(h.done)
	<-h.slot
	if err := h.sess.Close(); err != nil {
		slog.Warn("closing model session", slog.String("error", err.Error()))
	}
}

// Manager is the single process-wide owner of the model. Construct one at
// startup, pass it by reference, Dispose on shutdown.
type Manager struct {
	modelPath  string
	labelsPath string
	loader     Loader

	mu         sync.Mutex
	state      State
	pending    chan struct{} // non-nil while Loading; closed when the load resolves
	lastErr    error
	handle     *handle
	cat        *catalog.Catalog
	failStreak int
}

// NewManager returns an unloaded manager. A nil loader means LoadONNX.
func NewManager(modelPath, labelsPath string, loader Loader) *Manager {
	if loader == nil {
		loader = LoadONNX
	}
	return &Manager{modelPath: modelPath, labelsPath: labelsPath, loader: loader}
}

// EnsureReady brings the model to Ready, loading it if necessary. Callers
// arriving while a load is in flight await that same load and observe its
// terminal state; exactly one load executes. A Failed state is sticky and
// returned as-is until Reload.
func (m *Manager) EnsureReady(ctx context.Context) error {
	for {
		m.mu.Lock()
		switch m.state {
		case StateReady:
			m.mu.Unlock()
			return nil
		case StateFailed:
			err := m.lastErr
			m.mu.Unlock()
			return err
		case StateLoading:
			ch := m.pending
			m.mu.Unlock()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ch:
			}
		default: // StateUnloaded
			ch := make(chan struct{})
			m.pending = ch
			m.state = StateLoading
			m.mu.Unlock()
			// The load runs to completion even if this caller's ctx is
			// canceled, so later callers observe a coherent terminal state.
			m.load(ch)
		}
	}
}

// Reload forces a fresh load from Ready, Failed or Unloaded. If a load is
// already in flight it is awaited first; only one may run at a time.
func (m *Manager) Reload(ctx context.Context) error {
	m.mu.Lock()
	for m.state == StateLoading {
		ch := m.pending
		m.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
		m.mu.Lock()
	}
	h := m.handle
	m.handle = nil
	m.cat = nil
	m.lastErr = nil
	m.failStreak = 0
	ch := make(chan struct{})
	m.pending = ch
	m.state = StateLoading
	m.mu.Unlock()

	if h != nil {
		h.teardown()
	}
	m.load(ch)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateFailed {
		return m.lastErr
	}
	return nil
}

// Dispose releases the model and returns to Unloaded. Safe from any state;
// an in-flight load or forward pass is waited out first.
func (m *Manager) Dispose() {
	m.mu.Lock()
	for m.state == StateLoading {
		ch := m.pending
		m.mu.Unlock()
		<-ch
		m.mu.Lock()
	}
	h := m.handle
	m.handle = nil
	m.cat = nil
	m.lastErr = nil
	m.failStreak = 0
	m.state = StateUnloaded
	m.mu.Unlock()

	if h != nil {
		h.teardown()
	}
}

// load performs one full load: label catalog, model artifact, shape
// verification, and a smoke inference on a zero tensor. done is closed once
// the terminal state is published.
func (m *Manager) load(done chan struct{}) {
	cat, err := catalog.Load(m.labelsPath)
	if err != nil {
		m.finishLoad(done, nil, nil, err)
		return
	}
	if cat.Degraded() {
		slog.Warn("label catalog degraded, using built-in defaults", slog.String("path", m.labelsPath))
	}

	sess, info, err := m.loader(m.modelPath)
	if err != nil {
		m.finishLoad(done, nil, nil, err)
		return
	}

	if info.Height <= 0 || info.Width <= 0 || info.Channels <= 0 || info.OutputLen <= 0 {
		sess.Close()
		m.finishLoad(done, nil, nil, errs.New(errs.KindModelUnavailable,
			fmt.Sprintf("model declares degenerate tensor shapes: input %dx%dx%d output %d",
				info.Height, info.Width, info.Channels, info.OutputLen)))
		return
	}
	if cat.Len() < info.OutputLen {
		slog.Warn("label catalog shorter than model output, padding with placeholders",
			slog.Int("labels", cat.Len()), slog.Int("outputs", info.OutputLen))
		cat.AlignTo(info.OutputLen)
	} else if cat.Len() > info.OutputLen {
		slog.Warn("label catalog longer than model output, extra labels unused",
			slog.Int("labels", cat.Len()), slog.Int("outputs", info.OutputLen))
	}

	// Smoke test: one pass over a zero-filled tensor before declaring Ready.
	if _, err := sess.Run(make([]float32, info.Height*info.Width*info.Channels)); err != nil {
		sess.Close()
		m.finishLoad(done, nil, nil, errs.Wrap(errs.KindModelUnavailable,
			"smoke-test inference failed", err))
		return
	}

	slog.Info("model loaded",
		slog.String("path", m.modelPath),
		slog.Int("input_height", info.Height),
		slog.Int("input_width", info.Width),
		slog.Int("input_channels", info.Channels),
		slog.Int("output_len", info.OutputLen),
		slog.Int("labels", cat.Len()),
		slog.Bool("degraded", cat.Degraded()))

	m.finishLoad(done, newHandle(sess, info), cat, nil)
}

func (m *Manager) finishLoad(done chan struct{}, h *handle, cat *catalog.Catalog, err error) {
	m.mu.Lock()
	if err != nil {
		m.state = StateFailed
		m.lastErr = err
		slog.Error("model load failed", slog.String("error", err.Error()))
	} else {
		m.state = StateReady
		m.handle = h
		m.cat = cat
		m.failStreak = 0
	}
	m.pending = nil
	m.mu.Unlock()
	close(done)
}

// IsReady reports whether the model is loaded and serving.
func (m *Manager) IsReady() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateReady
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastError returns the sticky load error, or nil.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Degraded reports whether the current catalog came from the built-in
// fallback label set.
func (m *Manager) Degraded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cat != nil && m.cat.Degraded()
}

// Catalog returns the loaded label catalog, or nil if the model is not Ready.
func (m *Manager) Catalog() *catalog.Catalog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cat
}

// InputInfo returns the model's declared shapes. ok is false unless Ready.
func (m *Manager) InputInfo() (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateReady || m.handle == nil {
		return Info{}, false
	}
	return m.handle.info, true
}

// Infer runs one forward pass over the prepared tensor. The tensor shape
// must match the model's declared input exactly; mismatches fail with
// ShapeMismatch rather than being coerced. Calls are served in FIFO arrival
// order against the single interpreter. A caller abandoning ctx while queued
// gives up its result; a pass already running completes either way.
func (m *Manager) Infer(ctx context.Context, t *preprocess.Tensor) ([]float32, error) {
	m.mu.Lock()
	if m.state != StateReady || m.handle == nil {
		err := m.lastErr
		m.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return nil, errs.New(errs.KindModelUnavailable, "model is not loaded")
	}
	h := m.handle
	m.mu.Unlock()

	if t == nil || t.Height != h.info.Height || t.Width != h.info.Width ||
		t.Channels != h.info.Channels || len(t.Data) != h.info.Height*h.info.Width*h.info.Channels {
		got := "nil"
		if t != nil {
			got = fmt.Sprintf("%dx%dx%d (%d values)", t.Height, t.Width, t.Channels, len(t.Data))
		}
		return nil, errs.New(errs.KindShapeMismatch, fmt.Sprintf(
			"input tensor %s does not match model input %dx%dx%d",
			got, h.info.Height, h.info.Width, h.info.Channels))
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
		return nil, errs.New(errs.KindModelUnavailable, "model was disposed")
	case <-h.slot:
	}
	select {
	case <-h.done:
		h.slot <- struct{}{}
		return nil, errs.New(errs.KindModelUnavailable, "model was disposed")
	default:
	}

	out, err := h.sess.Run(t.Data)
	h.slot <- struct{}{}
	if err != nil {
		m.noteInferenceFailure(h, err)
		return nil, errs.Wrap(errs.KindInferenceFailure, "forward pass failed", err)
	}
	m.noteInferenceSuccess(h)
	return out, nil
}

// noteInferenceFailure counts consecutive failures for the current handle
// generation and marks the model Failed once the limit recurs.
func (m *Manager) noteInferenceFailure(h *handle, cause error) {
	m.mu.Lock()
	if m.handle != h {
		m.mu.Unlock()
		return
	}
	m.failStreak++
	if m.failStreak < inferenceFailureLimit {
		m.mu.Unlock()
		return
	}
	m.handle = nil
	m.cat = nil
	m.state = StateFailed
	m.lastErr = errs.Wrap(errs.KindModelUnavailable,
		fmt.Sprintf("model failed after %d consecutive inference failures", m.failStreak), cause)
	m.mu.Unlock()

	slog.Error("model marked failed after repeated inference failures",
		slog.Int("failures", inferenceFailureLimit))
	h.teardown()
}

func (m *Manager) noteInferenceSuccess(h *handle) {
	m.mu.Lock()
	if m.handle == h {
		m.failStreak = 0
	}
	m.mu.Unlock()
}
