package stt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func silence(seconds float64) []float32 {
	return make([]float32, int(seconds*RequiredSampleRate))
}

func TestCheckInputRejectsWrongRate(t *testing.T) {
	err := checkInput(make([]float32, 44100), 44100, RequiredSampleRate, MinAudioSeconds)
	if !errors.Is(err, ErrInvalidSampleRate) {
		t.Fatalf("expected ErrInvalidSampleRate, got %v", err)
	}
	var rateErr *SampleRateError
	if !errors.As(err, &rateErr) || rateErr.Got != 44100 || rateErr.Want != RequiredSampleRate {
		t.Fatalf("unexpected error detail %#v", err)
	}
}

func TestCheckInputRejectsShortAudio(t *testing.T) {
	if err := checkInput(silence(0.4), RequiredSampleRate, RequiredSampleRate, MinAudioSeconds); !errors.Is(err, ErrAudioTooShort) {
		t.Fatalf("expected ErrAudioTooShort, got %v", err)
	}
	if err := checkInput(silence(0.5), RequiredSampleRate, RequiredSampleRate, MinAudioSeconds); err != nil {
		t.Fatalf("0.5s should be accepted: %v", err)
	}
}

func TestMockEngineEndToEnd(t *testing.T) {
	const rate = 44100
	in := make([]float32, 3*rate)
	for i := range in {
		in[i] = float32(0.5 * math.Sin(2*math.Pi*440*float64(i)/rate))
	}
	buf, err := audio.Resample(audio.Buffer{Samples: in, SampleRate: rate}, audio.TargetSampleRate)
	if err != nil {
		t.Fatalf("resample: %v", err)
	}

	engine, err := New(config.EngineConfig{Mode: "mock", MockText: "test", MinAudioSeconds: 0.5}, nil, discardLogger())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	result, err := engine.Transcribe(WithKind(context.Background(), "file"), buf.Samples, buf.SampleRate)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if result.Text != "test" {
		t.Fatalf("text %q, want %q", result.Text, "test")
	}
	if math.Abs(result.DurationSeconds-3.0) > 0.01 {
		t.Fatalf("duration %.3f, want 3.0", result.DurationSeconds)
	}
	if result.Timestamp.IsZero() {
		t.Fatal("timestamp not set")
	}
	if engine.Name() != "mock" {
		t.Fatalf("name %q", engine.Name())
	}
}

func TestMockEngineConcurrentCalls(t *testing.T) {
	engine := NewMockEngine("hello")
	samples := silence(1)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := engine.Transcribe(context.Background(), samples, RequiredSampleRate); err != nil {
				t.Errorf("transcribe: %v", err)
			}
		}()
	}
	wg.Wait()
}

func TestFactoryRejectsUnknownMode(t *testing.T) {
	if _, err := New(config.EngineConfig{Mode: "telepathy"}, nil, discardLogger()); !errors.Is(err, ErrModelLoadFailed) {
		t.Fatalf("expected ErrModelLoadFailed, got %v", err)
	}
}

func TestExecEngineParsesJSON(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "recognizer.sh")
	body := "#!/bin/sh\necho '{\"text\": \" hello there \", \"confidence\": 0.42, \"language\": \"en\"}'\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}

	engine, err := NewExecEngine(config.EngineConfig{Command: script, MinAudioSeconds: 0.5}, []string{"hello"})
	if err != nil {
		t.Fatalf("new exec engine: %v", err)
	}
	result, err := engine.Transcribe(context.Background(), silence(1), RequiredSampleRate)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if result.Text != "hello there" || result.Confidence != 0.42 || result.DetectedLanguage != "en" {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestExecEngineSurfacesFailures(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "broken.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\necho nope >&2\nexit 3\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	engine, err := NewExecEngine(config.EngineConfig{Command: script, MinAudioSeconds: 0.5}, nil)
	if err != nil {
		t.Fatalf("new exec engine: %v", err)
	}
	if _, err := engine.Transcribe(context.Background(), silence(1), RequiredSampleRate); !errors.Is(err, ErrInferenceFailed) {
		t.Fatalf("expected ErrInferenceFailed, got %v", err)
	}
}

func TestExecEngineRequiresCommand(t *testing.T) {
	if _, err := NewExecEngine(config.EngineConfig{}, nil); !errors.Is(err, ErrModelLoadFailed) {
		t.Fatalf("expected ErrModelLoadFailed, got %v", err)
	}
}

func TestExecEngineUsesCallLanguage(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "echo.sh")
	body := "#!/bin/sh\nlang=none\nwhile [ $# -gt 0 ]; do\n  if [ \"$1\" = --language ]; then lang=$2; fi\n  shift\ndone\necho \"{\\\"text\\\": \\\"$lang\\\"}\"\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	engine, err := NewExecEngine(config.EngineConfig{Command: script, Language: "en", MinAudioSeconds: 0.5}, nil)
	if err != nil {
		t.Fatalf("new exec engine: %v", err)
	}

	cases := []struct {
		ctx  context.Context
		want string
	}{
		{context.Background(), "en"},
		{WithLanguage(context.Background(), "fr"), "fr"},
		{WithLanguage(context.Background(), "auto"), "none"},
		{WithLanguage(context.Background(), ""), "en"},
	}
	for _, c := range cases {
		result, err := engine.Transcribe(c.ctx, silence(1), RequiredSampleRate)
		if err != nil {
			t.Fatalf("transcribe: %v", err)
		}
		if result.Text != c.want {
			t.Fatalf("language %q, want %q", result.Text, c.want)
		}
	}
}
