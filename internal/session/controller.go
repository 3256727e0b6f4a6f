// Package session ties a push-to-talk press and release to capture,
// streaming and the final transcription.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
	"github.com/loqalabs/loqa-dictate/internal/settings"
	"github.com/loqalabs/loqa-dictate/internal/streaming"
	"github.com/loqalabs/loqa-dictate/internal/stt"
)

var (
	// ErrBusy rejects a press while another session is recording or
	// finalizing.
	ErrBusy         = errors.New("session: another session is in progress")
	ErrNotRecording = errors.New("session: not recording")
	ErrStopTimeout  = errors.New("session: timed out waiting for final audio")
)

type phase int32

const (
	phaseIdle phase = iota
	// phaseStarting covers press setup; release is refused until it ends.
	phaseStarting
	phaseRecording
	phaseFinalizing
)

// Capture is the consumer side of the capture owner.
type Capture interface {
	Start()
	Snapshot(timeout time.Duration) (audio.Buffer, error)
	Stop(timeout time.Duration) (audio.Buffer, error)
}

// SettingsLoader is read once per press.
type SettingsLoader interface {
	Load() settings.Settings
}

// HistoryAppender persists finalized results.
type HistoryAppender interface {
	Append(ctx context.Context, sessionID string, result stt.Result) error
}

type Options struct {
	StopTimeout     time.Duration
	MinFinalSeconds float64
	Streaming       streaming.Options
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		StopTimeout:     time.Duration(cfg.Session.StopTimeoutMS) * time.Millisecond,
		MinFinalSeconds: cfg.Session.MinFinalSeconds,
		Streaming:       streaming.OptionsFromConfig(cfg.Streaming),
	}
}

// Controller owns the session lifecycle: idle, recording, finalizing, idle.
// Only one session runs at a time.
type Controller struct {
	capture  Capture
	engine   streaming.Recognizer
	sink     streaming.Dispatcher
	events   bus.Publisher
	settings SettingsLoader
	history  HistoryAppender
	opts     Options
	log      *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	phase   atomic.Int32
	mu      sync.Mutex
	current *run
	wg      sync.WaitGroup
	// streamingAllowed gates streaming globally, on top of the per-user setting.
	streamingAllowed bool
}

// run is one press-to-release session. Its streaming loop sees only its own
// state and is joined before the session finalizes.
type run struct {
	id       string
	language string
	state    *streaming.State
	cancel   context.CancelFunc
	done     chan struct{}
}

// finish stops the streaming loop and returns the text it emitted.
func (r *run) finish() string {
	emitted := r.state.Deactivate()
	r.cancel()
	return emitted
}

func NewController(parent context.Context, capture Capture, engine streaming.Recognizer, sink streaming.Dispatcher, events bus.Publisher, store SettingsLoader, history HistoryAppender, opts Options, streamingAllowed bool, log *slog.Logger) *Controller {
	if events == nil {
		events = bus.Discard
	}
	ctx, cancel := context.WithCancel(parent)
	return &Controller{
		ctx:              ctx,
		cancel:           cancel,
		capture:          capture,
		engine:           engine,
		sink:             sink,
		events:           events,
		settings:         store,
		history:          history,
		opts:             opts,
		streamingAllowed: streamingAllowed,
		log:              log.With(slog.String("component", "session")),
	}
}

// Press starts a recording session and, when enabled, the streaming loop.
// The returned session ID identifies events for this session.
func (c *Controller) Press() (string, error) {
	if !c.phase.CompareAndSwap(int32(phaseIdle), int32(phaseStarting)) {
		return "", ErrBusy
	}
	defer c.phase.Store(int32(phaseRecording))

	prefs := c.settings.Load()
	ctx, cancel := context.WithCancel(c.ctx)
	r := &run{
		id:       uuid.NewString(),
		language: prefs.EffectiveLanguage(),
		state:    &streaming.State{},
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	r.state.Reset()
	c.mu.Lock()
	c.current = r
	c.mu.Unlock()

	c.capture.Start()
	c.publishStatus(r.id, protocol.StatusRecording)
	streamingOn := prefs.StreamingEnabled && c.streamingAllowed
	c.log.Info("recording started",
		slog.String("session_id", r.id),
		slog.String("language", r.language),
		slog.Bool("streaming", streamingOn))

	if !streamingOn {
		close(r.done)
		return r.id, nil
	}
	tr := streaming.NewTranscriber(c.capture, c.engine, c.sink, c.events, r.state, c.opts.Streaming, c.log)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(r.done)
		tr.Run(stt.WithLanguage(ctx, r.language), r.id)
	}()
	return r.id, nil
}

// Release stops recording and finalizes. A nil result with a nil error means
// the recording was too short or silent and was abandoned.
func (c *Controller) Release(ctx context.Context) (*stt.Result, error) {
	if !c.phase.CompareAndSwap(int32(phaseRecording), int32(phaseFinalizing)) {
		return nil, ErrNotRecording
	}
	defer c.phase.Store(int32(phaseIdle))

	c.mu.Lock()
	r := c.current
	c.mu.Unlock()

	id := r.id
	log := c.log.With(slog.String("session_id", id))
	emitted := r.finish()
	c.publishStatus(id, protocol.StatusProcessing)
	defer c.publishStatus(id, protocol.StatusIdle)

	buf, err := c.capture.Stop(c.opts.StopTimeout)
	<-r.done
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrStopTimeout, err)
		log.Error("recording abandoned", slogError(err))
		c.publishError(id, err)
		return nil, err
	}
	if buf.Duration() < c.opts.MinFinalSeconds {
		log.Info("recording too short, abandoned", slog.Float64("seconds", buf.Duration()))
		return nil, nil
	}
	if buf.SampleRate != audio.TargetSampleRate {
		buf = audio.ResampleRealtime(buf, audio.TargetSampleRate)
	}

	c.events.Publish(protocol.Event{Kind: protocol.KindTranscribingStarted, SessionID: id, DurationSeconds: buf.Duration(), Timestamp: time.Now().UTC()})
	result, err := c.engine.Transcribe(stt.WithLanguage(stt.WithKind(ctx, "final"), r.language), buf.Samples, buf.SampleRate)
	if err != nil {
		err = fmt.Errorf("final transcription: %w", err)
		log.Error("final transcription failed", slogError(err))
		c.publishError(id, err)
		return nil, err
	}
	if result.Text == "" {
		log.Info("final transcription empty, abandoned")
		return nil, nil
	}

	if remainder := Reconcile(emitted, result.Text); remainder != "" {
		c.sink.Dispatch(remainder)
	}
	c.events.Publish(protocol.Event{
		Kind:            protocol.KindFinalResult,
		SessionID:       id,
		Text:            result.Text,
		IsFinal:         true,
		DurationSeconds: result.DurationSeconds,
		Timestamp:       time.Now().UTC(),
	})
	if c.history != nil {
		if err := c.history.Append(ctx, id, result); err != nil {
			log.Warn("failed to record history", slogError(err))
		}
	}
	c.events.Publish(protocol.Event{Kind: protocol.KindCompleted, SessionID: id, Timestamp: time.Now().UTC()})
	log.Info("recording finalized",
		slog.Float64("seconds", result.DurationSeconds),
		slog.Int64("processing_ms", result.ProcessingTimeMS))
	return &result, nil
}

// Recording reports whether a session is between press and release.
func (c *Controller) Recording() bool {
	return phase(c.phase.Load()) == phaseRecording
}

// Wait blocks until every streaming loop has returned.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// Close stops any running streaming loop. An in-progress recording is left
// to the capture owner's shutdown.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.current != nil {
		c.current.finish()
	}
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()
}

// Reconcile returns the part of the final transcript still to be typed after
// streaming emitted text. Lengths are counted in runes.
func Reconcile(emitted, final string) string {
	if emitted == "" {
		return final
	}
	n := utf8.RuneCountInString(emitted)
	if utf8.RuneCountInString(final) <= n {
		return ""
	}
	return string([]rune(final)[n:])
}

func (c *Controller) publishStatus(id, status string) {
	c.events.Publish(protocol.Event{Kind: protocol.KindRecordingStatus, SessionID: id, Status: status, Timestamp: time.Now().UTC()})
}

func (c *Controller) publishError(id string, err error) {
	c.events.Publish(protocol.Event{Kind: protocol.KindError, SessionID: id, Error: err.Error(), Timestamp: time.Now().UTC()})
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
