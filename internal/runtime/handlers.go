package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/filetx"
	"github.com/loqalabs/loqa-dictate/internal/presence"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
	"github.com/loqalabs/loqa-dictate/internal/session"
	"github.com/loqalabs/loqa-dictate/internal/stt"
)

const maxRequestBody = 1 << 20

func (r *Runtime) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if r.metricsHandler != nil {
		mux.Handle("/metrics", r.metricsHandler)
	}

	mux.HandleFunc("POST /v1/session/press", r.handlePress)
	mux.HandleFunc("POST /v1/session/release", r.handleRelease)
	mux.HandleFunc("GET /v1/session", r.handleSessionStatus)
	mux.HandleFunc("POST /v1/transcribe", r.handleTranscribe)
	mux.HandleFunc("GET /v1/formats", r.handleFormats)
	mux.HandleFunc("GET /v1/history", r.handleHistory)
	mux.HandleFunc("DELETE /v1/history", r.handleClearHistory)
	mux.HandleFunc("GET /v1/engine", r.handleEngine)
	mux.HandleFunc("POST /v1/engine", r.handleSwapEngine)
	mux.HandleFunc("GET /v1/settings", r.handleSettings)
	mux.HandleFunc("PUT /v1/settings", r.handleSaveSettings)
	mux.HandleFunc("GET /v1/dictionary", r.handleDictionary)
	mux.HandleFunc("POST /v1/dictionary", r.handleAddWord)
	mux.HandleFunc("DELETE /v1/dictionary/{word}", r.handleRemoveWord)
	mux.HandleFunc("GET /v1/daemons", r.handleDaemons)
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (r.bus == nil || r.bus.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handlePress(w http.ResponseWriter, _ *http.Request) {
	id, err := r.session.Press()
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": id})
}

// handleRelease finalizes on its own deadline; a client hanging up must not
// cost the user the recording.
func (r *Runtime) handleRelease(w http.ResponseWriter, _ *http.Request) {
	res, err := r.release()
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if res == nil {
		writeJSON(w, http.StatusOK, map[string]any{"abandoned": true})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (r *Runtime) handleSessionStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"recording": r.session.Recording()})
}

func (r *Runtime) handleTranscribe(w http.ResponseWriter, req *http.Request) {
	var body protocol.TranscribeRequest
	if err := decodeBody(w, req, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(body.Paths) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("paths must not be empty"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": r.files.TranscribeFiles(req.Context(), body.Paths)})
}

func (r *Runtime) handleFormats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"formats": filetx.SupportedFormats()})
}

func (r *Runtime) handleHistory(w http.ResponseWriter, req *http.Request) {
	limit := 0
	if raw := req.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = n
	}
	entries, err := r.history.List(req.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (r *Runtime) handleClearHistory(w http.ResponseWriter, req *http.Request) {
	if err := r.history.Clear(req.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Runtime) handleEngine(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"engine": r.engine.Name()})
}

func (r *Runtime) handleSwapEngine(w http.ResponseWriter, req *http.Request) {
	var body protocol.EngineRequest
	if err := decodeBody(w, req, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := r.swapEngine(body.Mode, body.ModelPath); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"engine": r.engine.Name()})
}

func (r *Runtime) handleSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, r.settings.Load())
}

func (r *Runtime) handleSaveSettings(w http.ResponseWriter, req *http.Request) {
	prefs := r.settings.Load()
	if err := decodeBody(w, req, &prefs); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := r.settings.Save(prefs); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

func (r *Runtime) handleDictionary(w http.ResponseWriter, _ *http.Request) {
	words, err := r.dictionary.Words()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"words": words})
}

func (r *Runtime) handleAddWord(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Word string `json:"word"`
	}
	if err := decodeBody(w, req, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := r.dictionary.Add(body.Word); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	r.handleDictionary(w, req)
}

func (r *Runtime) handleRemoveWord(w http.ResponseWriter, req *http.Request) {
	if err := r.dictionary.Remove(req.PathValue("word")); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	r.handleDictionary(w, req)
}

func (r *Runtime) handleDaemons(w http.ResponseWriter, _ *http.Request) {
	if r.presence == nil {
		writeJSON(w, http.StatusOK, map[string]any{"daemons": []presence.DaemonInfo{{ID: r.cfg.Node.ID, Engine: r.engine.Name(), Healthy: true, Status: r.status()}}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"daemons": r.presence.Daemons()})
}

// subscribeControl exposes press, release and transcribe on the bus for
// hotkey helpers that speak NATS rather than HTTP.
func (r *Runtime) subscribeControl() error {
	handlers := map[string]func([]byte) (any, error){
		protocol.SubjectControlPress: func([]byte) (any, error) {
			id, err := r.session.Press()
			if err != nil {
				return nil, err
			}
			return map[string]string{"session_id": id}, nil
		},
		protocol.SubjectControlRelease: func([]byte) (any, error) {
			ctx, cancel := context.WithTimeout(context.Background(), r.inferenceTimeout())
			defer cancel()
			return r.session.Release(ctx)
		},
		protocol.SubjectControlTranscribe: func(data []byte) (any, error) {
			var body protocol.TranscribeRequest
			if err := json.Unmarshal(data, &body); err != nil {
				return nil, fmt.Errorf("decode transcribe request: %w", err)
			}
			ctx, cancel := context.WithTimeout(context.Background(), time.Duration(len(body.Paths))*r.inferenceTimeout())
			defer cancel()
			return r.files.TranscribeFiles(ctx, body.Paths), nil
		},
	}
	for subject, handler := range handlers {
		sub, err := r.bus.Handle(subject, handler)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		r.subs = append(r.subs, sub)
		r.logger.Debug("control subject ready", slog.String("subject", subject))
	}
	return nil
}

func (r *Runtime) release() (*stt.Result, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.inferenceTimeout())
	defer cancel()
	return r.session.Release(ctx)
}

func (r *Runtime) inferenceTimeout() time.Duration {
	if r.cfg.Engine.InferenceTimeoutS <= 0 {
		return 45 * time.Second
	}
	return time.Duration(r.cfg.Engine.InferenceTimeoutS) * time.Second
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrBusy), errors.Is(err, session.ErrNotRecording):
		return http.StatusConflict
	case errors.Is(err, session.ErrStopTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, stt.ErrModelLoadFailed):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, req *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
