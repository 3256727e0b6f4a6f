package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/capture"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
	"github.com/loqalabs/loqa-dictate/internal/settings"
	"github.com/loqalabs/loqa-dictate/internal/stt"
)

func TestReconcile(t *testing.T) {
	cases := []struct {
		emitted, final, want string
	}{
		{"hello", "hello world", " world"},
		{"", "hi there", "hi there"},
		{"hello there", "hello", ""},
		{"hello", "hello", ""},
		{"", "", ""},
	}
	for _, c := range cases {
		if got := Reconcile(c.emitted, c.final); got != c.want {
			t.Fatalf("Reconcile(%q, %q) = %q, want %q", c.emitted, c.final, got, c.want)
		}
	}
}

type fakeCapture struct {
	mu       sync.Mutex
	final    audio.Buffer
	stopErr  error
	starts   int
	stops    int
	snapshot audio.Buffer
}

func (f *fakeCapture) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
}

func (f *fakeCapture) Snapshot(time.Duration) (audio.Buffer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snapshot.Len() == 0 {
		return audio.Buffer{}, capture.ErrTimeout
	}
	return f.snapshot, nil
}

func (f *fakeCapture) Stop(time.Duration) (audio.Buffer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return f.final, f.stopErr
}

type fixedEngine struct {
	text string
	err  error
}

func (e fixedEngine) Transcribe(_ context.Context, samples []float32, rate int) (stt.Result, error) {
	if e.err != nil {
		return stt.Result{}, e.err
	}
	return stt.Result{Text: e.text, DurationSeconds: float64(len(samples)) / float64(rate)}, nil
}

type sink struct {
	mu  sync.Mutex
	out []string
}

func (s *sink) Dispatch(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out = append(s.out, text)
}

type events struct {
	mu   sync.Mutex
	list []protocol.Event
}

func (e *events) Publish(evt protocol.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.list = append(e.list, evt)
}

func (e *events) kinds() []protocol.EventKind {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []protocol.EventKind
	for _, evt := range e.list {
		if evt.Kind != protocol.KindRecordingStatus {
			out = append(out, evt.Kind)
		}
	}
	return out
}

type staticSettings settings.Settings

func (s staticSettings) Load() settings.Settings { return settings.Settings(s) }

type memHistory struct {
	mu      sync.Mutex
	results []stt.Result
}

func (m *memHistory) Append(_ context.Context, _ string, r stt.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, r)
	return nil
}

func seconds(s float64, rate int) audio.Buffer {
	return audio.Buffer{Samples: make([]float32, int(s*float64(rate))), SampleRate: rate}
}

func emittedLen(c *Controller) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return 0
	}
	return c.current.state.Len()
}

func (e *events) partials(sessionID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, evt := range e.list {
		if evt.Kind == protocol.KindPartialResult && evt.SessionID == sessionID {
			n++
		}
	}
	return n
}

type harness struct {
	ctrl    *Controller
	capture *fakeCapture
	sink    *sink
	events  *events
	history *memHistory
}

func newHarness(t *testing.T, engine fixedEngine, final audio.Buffer, streaming bool) *harness {
	t.Helper()
	h := &harness{
		capture: &fakeCapture{final: final},
		sink:    &sink{},
		events:  &events{},
		history: &memHistory{},
	}
	opts := Options{StopTimeout: time.Second, MinFinalSeconds: 0.3}
	prefs := staticSettings(settings.Settings{StreamingEnabled: streaming})
	h.ctrl = NewController(context.Background(), h.capture, engine, h.sink, h.events, prefs, h.history, opts, true,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(h.ctrl.Close)
	return h
}

func TestPressReleaseDispatchesFullText(t *testing.T) {
	h := newHarness(t, fixedEngine{text: "hi there"}, seconds(2, 48000), false)
	if _, err := h.ctrl.Press(); err != nil {
		t.Fatalf("press: %v", err)
	}
	res, err := h.ctrl.Release(context.Background())
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if res == nil || res.Text != "hi there" {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(h.sink.out) != 1 || h.sink.out[0] != "hi there" {
		t.Fatalf("dispatched %q", h.sink.out)
	}
	if len(h.history.results) != 1 {
		t.Fatalf("history has %d entries", len(h.history.results))
	}
	kinds := h.events.kinds()
	want := []protocol.EventKind{protocol.KindTranscribingStarted, protocol.KindFinalResult, protocol.KindCompleted}
	if len(kinds) != len(want) {
		t.Fatalf("events %v", kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("events %v, want %v", kinds, want)
		}
	}
	if h.ctrl.Recording() {
		t.Fatal("controller should be idle after release")
	}
}

type revisingEngine struct {
	final atomic.Bool
}

func (e *revisingEngine) Transcribe(_ context.Context, samples []float32, rate int) (stt.Result, error) {
	text := "hello"
	if e.final.Load() {
		text = "hello world"
	}
	return stt.Result{Text: text, DurationSeconds: float64(len(samples)) / float64(rate)}, nil
}

func TestReleaseDispatchesRemainderAfterStreaming(t *testing.T) {
	h := newHarness(t, fixedEngine{}, seconds(2, 16000), true)
	engine := &revisingEngine{}
	h.ctrl.engine = engine
	h.ctrl.opts.Streaming.Interval = 5 * time.Millisecond
	h.ctrl.opts.Streaming.MinSeconds = 1
	h.capture.snapshot = seconds(1.5, 16000)

	if _, err := h.ctrl.Press(); err != nil {
		t.Fatalf("press: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for emittedLen(h.ctrl) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("streaming never emitted")
		}
		time.Sleep(5 * time.Millisecond)
	}
	engine.final.Store(true)
	if _, err := h.ctrl.Release(context.Background()); err != nil {
		t.Fatalf("release: %v", err)
	}
	h.ctrl.Wait()

	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	if len(h.sink.out) != 2 || h.sink.out[0] != "hello" || h.sink.out[1] != " world" {
		t.Fatalf("dispatched %q", h.sink.out)
	}
}

func TestStreamingThenFinal(t *testing.T) {
	h := newHarness(t, fixedEngine{text: "hello world"}, seconds(2, 16000), true)
	h.ctrl.opts.Streaming.Interval = 5 * time.Millisecond
	h.ctrl.opts.Streaming.MinSeconds = 1
	h.capture.snapshot = seconds(1.5, 16000)

	if _, err := h.ctrl.Press(); err != nil {
		t.Fatalf("press: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for emittedLen(h.ctrl) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("streaming never emitted")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := h.ctrl.Release(context.Background()); err != nil {
		t.Fatalf("release: %v", err)
	}
	h.ctrl.Wait()

	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	if len(h.sink.out) != 1 || h.sink.out[0] != "hello world" {
		t.Fatalf("final text must not be typed twice, got %q", h.sink.out)
	}
}

func TestConcurrentPressRejected(t *testing.T) {
	h := newHarness(t, fixedEngine{text: "x"}, seconds(1, 16000), false)
	if _, err := h.ctrl.Press(); err != nil {
		t.Fatalf("press: %v", err)
	}
	if _, err := h.ctrl.Press(); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if h.capture.starts != 1 {
		t.Fatalf("capture started %d times", h.capture.starts)
	}
}

func TestReleaseWithoutPress(t *testing.T) {
	h := newHarness(t, fixedEngine{text: "x"}, seconds(1, 16000), false)
	if _, err := h.ctrl.Release(context.Background()); !errors.Is(err, ErrNotRecording) {
		t.Fatalf("expected ErrNotRecording, got %v", err)
	}
}

func TestShortRecordingAbandoned(t *testing.T) {
	h := newHarness(t, fixedEngine{text: "ghost"}, seconds(0.2, 16000), false)
	_, _ = h.ctrl.Press()
	res, err := h.ctrl.Release(context.Background())
	if res != nil || err != nil {
		t.Fatalf("expected silent abandon, got %+v, %v", res, err)
	}
	if len(h.sink.out) != 0 || len(h.history.results) != 0 {
		t.Fatal("abandoned recording must not be dispatched or persisted")
	}
}

func TestStopTimeoutAbandons(t *testing.T) {
	h := newHarness(t, fixedEngine{text: "x"}, audio.Buffer{}, false)
	h.capture.stopErr = capture.ErrTimeout
	_, _ = h.ctrl.Press()
	if _, err := h.ctrl.Release(context.Background()); !errors.Is(err, ErrStopTimeout) {
		t.Fatalf("expected ErrStopTimeout, got %v", err)
	}
	kinds := h.events.kinds()
	if len(kinds) != 1 || kinds[0] != protocol.KindError {
		t.Fatalf("expected a single error event, got %v", kinds)
	}
	// A fresh press works after the failure.
	if _, err := h.ctrl.Press(); err != nil {
		t.Fatalf("press after failure: %v", err)
	}
}

func TestFinalEngineErrorSurfaces(t *testing.T) {
	boom := errors.New("model crashed")
	h := newHarness(t, fixedEngine{err: boom}, seconds(1, 16000), false)
	_, _ = h.ctrl.Press()
	if _, err := h.ctrl.Release(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected engine error, got %v", err)
	}
	if len(h.sink.out) != 0 {
		t.Fatal("nothing should be dispatched on failure")
	}
}

func TestReleasedSessionStaysQuietAfterNextPress(t *testing.T) {
	h := newHarness(t, fixedEngine{text: "hello"}, seconds(2, 16000), true)
	h.ctrl.opts.Streaming.Interval = 5 * time.Millisecond
	h.ctrl.opts.Streaming.MinSeconds = 1
	h.capture.snapshot = seconds(1.5, 16000)

	first, err := h.ctrl.Press()
	if err != nil {
		t.Fatalf("press: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for emittedLen(h.ctrl) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("streaming never emitted")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := h.ctrl.Release(context.Background()); err != nil {
		t.Fatalf("release: %v", err)
	}
	settled := h.events.partials(first)

	second, err := h.ctrl.Press()
	if err != nil {
		t.Fatalf("second press: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if got := h.events.partials(first); got != settled {
		t.Fatalf("released session %s published %d partials after release", first, got-settled)
	}
	if h.events.partials(second) == 0 {
		t.Fatal("live session never streamed")
	}
	if _, err := h.ctrl.Release(context.Background()); err != nil {
		t.Fatalf("second release: %v", err)
	}

	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	if len(h.sink.out) != 2 || h.sink.out[0] != "hello" || h.sink.out[1] != "hello" {
		t.Fatalf("each session should type its text once, got %q", h.sink.out)
	}
}

type gatedSettings struct {
	prefs   settings.Settings
	entered chan struct{}
	gate    chan struct{}
}

func (g *gatedSettings) Load() settings.Settings {
	close(g.entered)
	<-g.gate
	return g.prefs
}

func TestReleaseDuringPressSetupRefused(t *testing.T) {
	h := newHarness(t, fixedEngine{text: "hello"}, seconds(2, 16000), true)
	h.ctrl.opts.Streaming.Interval = 5 * time.Millisecond
	h.ctrl.opts.Streaming.MinSeconds = 1
	h.capture.snapshot = seconds(1.5, 16000)
	slow := &gatedSettings{
		prefs:   settings.Settings{StreamingEnabled: true},
		entered: make(chan struct{}),
		gate:    make(chan struct{}),
	}
	h.ctrl.settings = slow

	pressed := make(chan string, 1)
	go func() {
		id, err := h.ctrl.Press()
		if err != nil {
			t.Errorf("press: %v", err)
		}
		pressed <- id
	}()
	<-slow.entered

	if _, err := h.ctrl.Release(context.Background()); !errors.Is(err, ErrNotRecording) {
		t.Fatalf("release during setup: expected ErrNotRecording, got %v", err)
	}
	if _, err := h.ctrl.Press(); !errors.Is(err, ErrBusy) {
		t.Fatalf("press during setup: expected ErrBusy, got %v", err)
	}
	close(slow.gate)
	id := <-pressed

	if !h.ctrl.Recording() {
		t.Fatal("expected recording once press returned")
	}
	if _, err := h.ctrl.Release(context.Background()); err != nil {
		t.Fatalf("release: %v", err)
	}
	settled := h.events.partials(id)
	time.Sleep(50 * time.Millisecond)
	if got := h.events.partials(id); got != settled {
		t.Fatalf("partials published after release: %d", got-settled)
	}
	h.capture.mu.Lock()
	defer h.capture.mu.Unlock()
	if h.capture.starts != 1 || h.capture.stops != 1 {
		t.Fatalf("capture starts=%d stops=%d", h.capture.starts, h.capture.stops)
	}
}

func TestLanguageReadAtPress(t *testing.T) {
	cases := []struct {
		prefs settings.Settings
		want  string
	}{
		{settings.Settings{Language: "de"}, "de"},
		{settings.Settings{Language: "de", AutoDetectLanguage: true}, ""},
	}
	for _, c := range cases {
		h := newHarness(t, fixedEngine{}, seconds(1, 16000), false)
		h.ctrl.engine = stt.NewMockEngine("hallo")
		h.ctrl.settings = staticSettings(c.prefs)
		if _, err := h.ctrl.Press(); err != nil {
			t.Fatalf("press: %v", err)
		}
		res, err := h.ctrl.Release(context.Background())
		if err != nil {
			t.Fatalf("release: %v", err)
		}
		if res == nil || res.DetectedLanguage != c.want {
			t.Fatalf("prefs %+v: got %+v, want language %q", c.prefs, res, c.want)
		}
	}
}
