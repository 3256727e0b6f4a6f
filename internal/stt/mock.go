package stt

import (
	"context"
	"time"
)

// mockEngine returns a fixed transcript. Confidence is a constant placeholder.
type mockEngine struct {
	text       string
	minSeconds float64
}

func NewMockEngine(text string) Engine {
	return &mockEngine{text: text, minSeconds: MinAudioSeconds}
}

func (m *mockEngine) Name() string { return "mock" }

func (m *mockEngine) Transcribe(ctx context.Context, samples []float32, sampleRate int) (Result, error) {
	started := time.Now()
	if err := checkInput(samples, sampleRate, RequiredSampleRate, m.minSeconds); err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	result := newResult(m.text, 1.0, samples, sampleRate, started)
	if lang := languageFrom(ctx, ""); lang != "auto" {
		result.DetectedLanguage = lang
	}
	return result, nil
}

func (m *mockEngine) Close() error { return nil }
