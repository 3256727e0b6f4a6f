//go:build vosk

package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	vosk "github.com/alphacep/vosk-api/go"
	"github.com/loqalabs/loqa-dictate/internal/config"
)

// voskConfidence is a placeholder; the final result carries no overall score.
const voskConfidence = 0.9

// voskEngine constrains recognition to the user dictionary. A Vosk
// recognizer holds mutable decoding state, so calls are serialized.
type voskEngine struct {
	model   *vosk.VoskModel
	grammar string
	cfg     config.EngineConfig
	mu      sync.Mutex
}

type voskFinal struct {
	Text string `json:"text"`
}

func NewVoskEngine(cfg config.EngineConfig, words []string, log *slog.Logger) (Engine, error) {
	vosk.SetLogLevel(-1)
	model, err := vosk.NewModel(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelLoadFailed, err)
	}
	grammar := ""
	if len(words) > 0 {
		list := make([]string, 0, len(words)+1)
		for _, w := range words {
			list = append(list, strings.ToLower(w))
		}
		list = append(list, "[unk]")
		data, err := json.Marshal(list)
		if err != nil {
			model.Free()
			return nil, fmt.Errorf("%w: encode grammar: %v", ErrModelLoadFailed, err)
		}
		grammar = string(data)
	}
	log.Info("vosk model loaded", slog.String("path", cfg.ModelPath), slog.Int("grammar_words", len(words)))
	return &voskEngine{model: model, grammar: grammar, cfg: cfg}, nil
}

func (v *voskEngine) Name() string { return "vosk" }

func (v *voskEngine) Transcribe(ctx context.Context, samples []float32, sampleRate int) (Result, error) {
	started := time.Now()
	if err := checkInput(samples, sampleRate, RequiredSampleRate, v.cfg.MinAudioSeconds); err != nil {
		return Result{}, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	var (
		rec *vosk.VoskRecognizer
		err error
	)
	if v.grammar != "" {
		rec, err = vosk.NewRecognizerGrm(v.model, float64(sampleRate), v.grammar)
	} else {
		rec, err = vosk.NewRecognizer(v.model, float64(sampleRate))
	}
	if err != nil {
		return Result{}, fmt.Errorf("%w: create recognizer: %v", ErrInferenceFailed, err)
	}
	defer rec.Free()

	if rec.AcceptWaveform(floatToPCM16(samples)) < 0 {
		return Result{}, fmt.Errorf("%w: waveform rejected", ErrInferenceFailed)
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	var final voskFinal
	if err := json.Unmarshal([]byte(rec.FinalResult()), &final); err != nil {
		return Result{}, fmt.Errorf("%w: decode result: %v", ErrInferenceFailed, err)
	}
	text := strings.TrimSpace(strings.ReplaceAll(final.Text, "[unk]", ""))
	return newResult(text, voskConfidence, samples, sampleRate, started), nil
}

func (v *voskEngine) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.model != nil {
		v.model.Free()
		v.model = nil
	}
	return nil
}

func floatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := int16(math.Max(-1, math.Min(1, float64(s))) * math.MaxInt16)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}
