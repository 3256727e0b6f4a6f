package streaming

import (
	"context"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
	"github.com/loqalabs/loqa-dictate/internal/stt"
)

// Snapshotter reads the in-progress recording without stopping it.
type Snapshotter interface {
	Snapshot(timeout time.Duration) (audio.Buffer, error)
}

// Recognizer is satisfied by *stt.Holder.
type Recognizer interface {
	Transcribe(ctx context.Context, samples []float32, sampleRate int) (stt.Result, error)
}

// Dispatcher types text for the user.
type Dispatcher interface {
	Dispatch(text string)
}

type Options struct {
	Interval        time.Duration
	SnapshotTimeout time.Duration
	MinSeconds      float64
}

func OptionsFromConfig(cfg config.StreamingConfig) Options {
	return Options{
		Interval:        time.Duration(cfg.IntervalMS) * time.Millisecond,
		SnapshotTimeout: time.Duration(cfg.SnapshotTimeoutMS) * time.Millisecond,
		MinSeconds:      cfg.MinSnapshotSeconds,
	}
}

type Transcriber struct {
	capture Snapshotter
	engine  Recognizer
	sink    Dispatcher
	events  bus.Publisher
	state   *State
	opts    Options
	log     *slog.Logger
}

func NewTranscriber(capture Snapshotter, engine Recognizer, sink Dispatcher, events bus.Publisher, state *State, opts Options, log *slog.Logger) *Transcriber {
	if events == nil {
		events = bus.Discard
	}
	return &Transcriber{
		capture: capture,
		engine:  engine,
		sink:    sink,
		events:  events,
		state:   state,
		opts:    opts,
		log:     log.With(slog.String("component", "streaming")),
	}
}

// Run polls until the session state is deactivated or ctx ends. Nothing in an
// iteration is fatal; a failed step just skips to the next tick.
func (t *Transcriber) Run(ctx context.Context, sessionID string) {
	log := t.log.With(slog.String("session_id", sessionID))
	timer := time.NewTimer(t.opts.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if !t.state.Active() {
			log.Debug("streaming loop finished")
			return
		}
		t.step(ctx, sessionID, log)
		timer.Reset(t.opts.Interval)
	}
}

func (t *Transcriber) step(ctx context.Context, sessionID string, log *slog.Logger) {
	snap, err := t.capture.Snapshot(t.opts.SnapshotTimeout)
	if err != nil {
		log.Debug("no snapshot this tick", slogError(err))
		return
	}
	if snap.Duration() < t.opts.MinSeconds {
		return
	}
	if snap.SampleRate != audio.TargetSampleRate {
		snap = audio.ResampleRealtime(snap, audio.TargetSampleRate)
	}

	result, err := t.engine.Transcribe(stt.WithKind(ctx, "partial"), snap.Samples, snap.SampleRate)
	if err != nil {
		log.Warn("partial transcription failed", slogError(err))
		return
	}
	if result.Text == "" {
		return
	}

	fragment, active := t.state.advance(result.Text, func(fragment string) {
		if fragment != "" {
			t.sink.Dispatch(fragment)
		}
		t.events.Publish(protocol.Event{
			Kind:            protocol.KindPartialResult,
			SessionID:       sessionID,
			Text:            result.Text,
			IsFinal:         false,
			DurationSeconds: result.DurationSeconds,
			Timestamp:       time.Now().UTC(),
		})
	})
	if !active {
		log.Debug("session ended during inference, dropping partial")
		return
	}
	if fragment != "" {
		log.Debug("dispatched partial fragment", slog.Int("runes", len([]rune(fragment))))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
