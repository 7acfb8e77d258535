package model

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mkulima/leafscan/errs"
	"github.com/mkulima/leafscan/preprocess"
)

type fakeSession struct {
	out     []float32
	failing atomic.Bool
	runs    atomic.Int32
	closed  atomic.Bool
}

func (s *fakeSession) Run(in []float32) ([]float32, error) {
	s.runs.Add(1)
	if s.failing.Load() {
		return nil, errors.New("interpreter exploded")
	}
	out := make([]float32, len(s.out))
	copy(out, s.out)
	return out, nil
}

func (s *fakeSession) Close() error {
	s.closed.Store(true)
	return nil
}

type fakeLoader struct {
	mu    sync.Mutex
	loads int
	sess  *fakeSession
	info  Info
	err   error
	delay time.Duration
}

func (l *fakeLoader) load(string) (Session, Info, error) {
	l.mu.Lock()
	l.loads++
	sess, info, err, delay := l.sess, l.info, l.err, l.delay
	l.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return nil, Info{}, err
	}
	return sess, info, nil
}

func (l *fakeLoader) loadCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loads
}

func writeLabels(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "labels.json")
	require.NoError(t, os.WriteFile(path,
		[]byte(`{"0":"Tomato_healthy","1":"Tomato_Early_blight","2":"Tomato_Late_blight"}`), 0o644))
	return path
}

func smallInfo() Info {
	return Info{Height: 4, Width: 4, Channels: 3, OutputLen: 3}
}

func tensorFor(info Info) *preprocess.Tensor {
	return &preprocess.Tensor{
		Data:     make([]float32, info.Height*info.Width*info.Channels),
		Height:   info.Height,
		Width:    info.Width,
		Channels: info.Channels,
	}
}

func TestEnsureReady_ConcurrentCallersShareOneLoad(t *testing.T) {
	loader := &fakeLoader{
		sess:  &fakeSession{out: []float32{0.1, 0.8, 0.1}},
		info:  smallInfo(),
		delay: 50 * time.Millisecond,
	}
	m := NewManager("model.onnx", writeLabels(t), loader.load)

	const callers = 16
	var wg sync.WaitGroup
	errsCh := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errsCh <- m.EnsureReady(context.Background())
		}()
	}
	wg.Wait()
	close(errsCh)

	for err := range errsCh {
		require.NoError(t, err)
	}
	require.Equal(t, 1, loader.loadCount())
	require.Equal(t, StateReady, m.State())
	require.True(t, m.IsReady())
}

func TestEnsureReady_FailureIsSticky(t *testing.T) {
	loader := &fakeLoader{err: errs.New(errs.KindResourceMissing, "model artifact not found")}
	m := NewManager("model.onnx", writeLabels(t), loader.load)

	err := m.EnsureReady(context.Background())
	require.Error(t, err)
	require.Equal(t, errs.KindResourceMissing, errs.KindOf(err))
	require.Equal(t, StateFailed, m.State())

	// A second call observes the sticky error without a fresh load.
	err = m.EnsureReady(context.Background())
	require.Error(t, err)
	require.Equal(t, 1, loader.loadCount())
	require.Equal(t, err, m.LastError())
}

func TestReload_RecoversFromFailed(t *testing.T) {
	loader := &fakeLoader{err: errors.New("flaky storage")}
	m := NewManager("model.onnx", writeLabels(t), loader.load)

	require.Error(t, m.EnsureReady(context.Background()))
	require.Equal(t, StateFailed, m.State())

	loader.mu.Lock()
	loader.err = nil
	loader.sess = &fakeSession{out: []float32{1, 0, 0}}
	loader.info = smallInfo()
	loader.mu.Unlock()

	require.NoError(t, m.Reload(context.Background()))
	require.Equal(t, StateReady, m.State())
	require.Equal(t, 2, loader.loadCount())
}

func TestDispose_ThenEnsureReadyLoadsFresh(t *testing.T) {
	first := &fakeSession{out: []float32{1, 0, 0}}
	loader := &fakeLoader{sess: first, info: smallInfo()}
	m := NewManager("model.onnx", writeLabels(t), loader.load)

	require.NoError(t, m.EnsureReady(context.Background()))
	m.Dispose()
	require.Equal(t, StateUnloaded, m.State())
	require.True(t, first.closed.Load())
	require.Nil(t, m.Catalog())

	loader.mu.Lock()
	loader.sess = &fakeSession{out: []float32{0, 1, 0}}
	loader.mu.Unlock()

	require.NoError(t, m.EnsureReady(context.Background()))
	require.Equal(t, 2, loader.loadCount())
	require.Equal(t, StateReady, m.State())
}

func TestLoad_SmokeTestFailure(t *testing.T) {
	sess := &fakeSession{out: []float32{1, 0, 0}}
	sess.failing.Store(true)
	loader := &fakeLoader{sess: sess, info: smallInfo()}
	m := NewManager("model.onnx", writeLabels(t), loader.load)

	err := m.EnsureReady(context.Background())
	require.Error(t, err)
	require.Equal(t, errs.KindModelUnavailable, errs.KindOf(err))
	require.Equal(t, StateFailed, m.State())
	require.True(t, sess.closed.Load())
}

func TestLoad_DegenerateShapes(t *testing.T) {
	sess := &fakeSession{out: []float32{1}}
	loader := &fakeLoader{sess: sess, info: Info{Height: 4, Width: 4, Channels: 3, OutputLen: 0}}
	m := NewManager("model.onnx", writeLabels(t), loader.load)

	err := m.EnsureReady(context.Background())
	require.Error(t, err)
	require.Equal(t, errs.KindModelUnavailable, errs.KindOf(err))
	require.True(t, sess.closed.Load())
}

func TestLoad_PadsShortCatalog(t *testing.T) {
	loader := &fakeLoader{
		sess: &fakeSession{out: []float32{0, 0, 0, 0, 1}},
		info: Info{Height: 4, Width: 4, Channels: 3, OutputLen: 5},
	}
	m := NewManager("model.onnx", writeLabels(t), loader.load)

	require.NoError(t, m.EnsureReady(context.Background()))
	cat := m.Catalog()
	require.NotNil(t, cat)
	require.Equal(t, 5, cat.Len())
	require.Equal(t, "Unknown_Disease_4", cat.Label(4))
}

func TestInfer_ReturnsProbabilities(t *testing.T) {
	loader := &fakeLoader{sess: &fakeSession{out: []float32{0.05, 0.9, 0.05}}, info: smallInfo()}
	m := NewManager("model.onnx", writeLabels(t), loader.load)
	require.NoError(t, m.EnsureReady(context.Background()))

	probs, err := m.Infer(context.Background(), tensorFor(smallInfo()))
	require.NoError(t, err)
	require.Equal(t, []float32{0.05, 0.9, 0.05}, probs)
}

func TestInfer_ShapeMismatch(t *testing.T) {
	sess := &fakeSession{out: []float32{1, 0, 0}}
	loader := &fakeLoader{sess: sess, info: smallInfo()}
	m := NewManager("model.onnx", writeLabels(t), loader.load)
	require.NoError(t, m.EnsureReady(context.Background()))
	runsAfterLoad := sess.runs.Load()

	bad := &preprocess.Tensor{Data: make([]float32, 5*4*3), Height: 5, Width: 4, Channels: 3}
	_, err := m.Infer(context.Background(), bad)
	require.Error(t, err)
	require.Equal(t, errs.KindShapeMismatch, errs.KindOf(err))
	require.Equal(t, runsAfterLoad, sess.runs.Load())
	require.Equal(t, StateReady, m.State())
}

func TestInfer_NotLoaded(t *testing.T) {
	loader := &fakeLoader{sess: &fakeSession{}, info: smallInfo()}
	m := NewManager("model.onnx", writeLabels(t), loader.load)

	_, err := m.Infer(context.Background(), tensorFor(smallInfo()))
	require.Error(t, err)
	require.Equal(t, errs.KindModelUnavailable, errs.KindOf(err))
}

func TestInfer_SingleFailureDoesNotPoisonModel(t *testing.T) {
	sess := &fakeSession{out: []float32{1, 0, 0}}
	loader := &fakeLoader{sess: sess, info: smallInfo()}
	m := NewManager("model.onnx", writeLabels(t), loader.load)
	require.NoError(t, m.EnsureReady(context.Background()))

	sess.failing.Store(true)
	_, err := m.Infer(context.Background(), tensorFor(smallInfo()))
	require.Equal(t, errs.KindInferenceFailure, errs.KindOf(err))
	require.Equal(t, StateReady, m.State())

	// A success resets the streak.
	sess.failing.Store(false)
	_, err = m.Infer(context.Background(), tensorFor(smallInfo()))
	require.NoError(t, err)
	require.Equal(t, StateReady, m.State())
}

func TestInfer_RepeatedFailuresMarkFailed(t *testing.T) {
	sess := &fakeSession{out: []float32{1, 0, 0}}
	loader := &fakeLoader{sess: sess, info: smallInfo()}
	m := NewManager("model.onnx", writeLabels(t), loader.load)
	require.NoError(t, m.EnsureReady(context.Background()))

	sess.failing.Store(true)
	for i := 0; i < inferenceFailureLimit; i++ {
		_, err := m.Infer(context.Background(), tensorFor(smallInfo()))
		require.Equal(t, errs.KindInferenceFailure, errs.KindOf(err))
	}

	require.Equal(t, StateFailed, m.State())
	require.Equal(t, errs.KindModelUnavailable, errs.KindOf(m.LastError()))
	require.True(t, sess.closed.Load())
}

// gatedSession blocks every forward pass on gate and records the first
// tensor value of each pass, so a test can pin the interpreter and observe
// the order queued callers are served in.
type gatedSession struct {
	mu    sync.Mutex
	order []float32
	gate  chan struct{}
	ready chan struct{}
}

func (s *gatedSession) Run(in []float32) ([]float32, error) {
	s.mu.Lock()
	s.order = append(s.order, in[0])
	s.mu.Unlock()
	select {
	case s.ready <- struct{}{}:
	default:
	}
	<-s.gate
	return []float32{1, 0, 0}, nil
}

func (s *gatedSession) Close() error { return nil }

func TestInfer_QueuedCallersServedInArrivalOrder(t *testing.T) {
	sess := &gatedSession{gate: make(chan struct{}, 1), ready: make(chan struct{}, 1)}
	sess.gate <- struct{}{} // lets the load-time smoke pass straight through
	m := NewManager("model.onnx", writeLabels(t),
		func(string) (Session, Info, error) { return sess, smallInfo(), nil })
	require.NoError(t, m.EnsureReady(context.Background()))

	var wg sync.WaitGroup
	errsCh := make(chan error, 5)
	launch := func(id int) {
		tsr := tensorFor(smallInfo())
		tsr.Data[0] = float32(id)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Infer(context.Background(), tsr)
			errsCh <- err
		}()
	}

	launch(1)
	<-sess.ready // caller 1 now holds the interpreter
	for id := 2; id <= 5; id++ {
		launch(id)
		time.Sleep(20 * time.Millisecond) // let the caller join the queue
	}

	close(sess.gate)
	wg.Wait()
	close(errsCh)
	for err := range errsCh {
		require.NoError(t, err)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	// The leading zero is the smoke pass; the rest is strict arrival order.
	require.Equal(t, []float32{0, 1, 2, 3, 4, 5}, sess.order)
}

func TestInfer_AbandonedWaiterLeavesStateCoherent(t *testing.T) {
	loader := &fakeLoader{sess: &fakeSession{out: []float32{1, 0, 0}}, info: smallInfo()}
	m := NewManager("model.onnx", writeLabels(t), loader.load)
	require.NoError(t, m.EnsureReady(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Infer(ctx, tensorFor(smallInfo()))
	require.ErrorIs(t, err, context.Canceled)

	// The model still serves later callers.
	probs, err := m.Infer(context.Background(), tensorFor(smallInfo()))
	require.NoError(t, err)
	require.Len(t, probs, 3)
}
