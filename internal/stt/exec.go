package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/mattn/go-shellwords"
)

// execEngine hands each buffer to an external recognizer as a 16-bit WAV
// file and reads a JSON transcript from its stdout. Calls are serialized.
type execEngine struct {
	cmd   []string
	cfg   config.EngineConfig
	words []string
	mu    sync.Mutex
}

type execResult struct {
	Text       string   `json:"text"`
	Confidence *float64 `json:"confidence"`
	Language   string   `json:"language"`
}

func NewExecEngine(cfg config.EngineConfig, words []string) (Engine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("%w: parse engine command: %v", ErrModelLoadFailed, err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: engine command is empty", ErrModelLoadFailed)
	}
	if _, err := exec.LookPath(args[0]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelLoadFailed, err)
	}
	return &execEngine{cmd: args, cfg: cfg, words: append([]string(nil), words...)}, nil
}

func (e *execEngine) Name() string { return "exec" }

func (e *execEngine) Close() error { return nil }

func (e *execEngine) Transcribe(ctx context.Context, samples []float32, sampleRate int) (Result, error) {
	started := time.Now()
	if err := checkInput(samples, sampleRate, RequiredSampleRate, e.cfg.MinAudioSeconds); err != nil {
		return Result{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	file, err := os.CreateTemp(os.TempDir(), "loqa_dictate_*.wav")
	if err != nil {
		return Result{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := writeSamplesToWav(file, samples, sampleRate); err != nil {
		return Result{}, err
	}

	cmdArgs := append([]string{}, e.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", file.Name())
	if e.cfg.ModelPath != "" {
		cmdArgs = append(cmdArgs, "--model", e.cfg.ModelPath)
	}
	if lang := languageFrom(ctx, e.cfg.Language); lang != "" && lang != "auto" {
		cmdArgs = append(cmdArgs, "--language", lang)
	}
	if len(e.words) > 0 {
		cmdArgs = append(cmdArgs, "--grammar", strings.Join(e.words, ","))
	}

	command := exec.CommandContext(ctx, e.cmd[0], cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return Result{}, fmt.Errorf("%w: engine command failed: %v: %s", ErrInferenceFailed, err, strings.TrimSpace(stderr.String()))
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return Result{}, fmt.Errorf("%w: decode engine response: %v", ErrInferenceFailed, err)
	}
	confidence := 1.0
	if resp.Confidence != nil {
		confidence = *resp.Confidence
	}
	result := newResult(strings.TrimSpace(resp.Text), confidence, samples, sampleRate, started)
	result.DetectedLanguage = resp.Language
	return result, nil
}

func writeSamplesToWav(file *os.File, samples []float32, sampleRate int) error {
	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           make([]int, len(samples)),
		SourceBitDepth: 16,
	}
	for i, s := range samples {
		v := math.Max(-1, math.Min(1, float64(s)))
		buffer.Data[i] = int(v * math.MaxInt16)
	}

	enc := wav.NewEncoder(file, sampleRate, 16, 1, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
