package stt

import (
	"context"
	"errors"
	"sync"
)

var ErrNoEngine = errors.New("no speech engine loaded")

// Holder owns the active engine. Transcribe holds the read lock for the whole
// call so Swap waits for in-flight inference before closing the old engine.
type Holder struct {
	mu     sync.RWMutex
	engine Engine
}

func NewHolder(engine Engine) *Holder {
	return &Holder{engine: engine}
}

func (h *Holder) Transcribe(ctx context.Context, samples []float32, sampleRate int) (Result, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.engine == nil {
		return Result{}, ErrNoEngine
	}
	return h.engine.Transcribe(ctx, samples, sampleRate)
}

// Swap installs next and closes the engine it replaces.
func (h *Holder) Swap(next Engine) error {
	h.mu.Lock()
	prev := h.engine
	h.engine = next
	h.mu.Unlock()
	if prev != nil {
		return prev.Close()
	}
	return nil
}

func (h *Holder) Name() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.engine == nil {
		return ""
	}
	return h.engine.Name()
}

func (h *Holder) Close() error {
	return h.Swap(nil)
}
