package protocol

import "time"

type EventKind string

const (
	KindDecodingStarted     EventKind = "decoding_started"
	KindTranscribingStarted EventKind = "transcribing_started"
	KindPartialResult       EventKind = "partial_result"
	KindFinalResult         EventKind = "final_result"
	KindCompleted           EventKind = "completed"
	KindRecordingStatus     EventKind = "recording_status"
	KindError               EventKind = "error"
)

// Recording status values carried by KindRecordingStatus.
const (
	StatusRecording  = "recording"
	StatusProcessing = "processing"
	StatusIdle       = "idle"
)

// Event is a progress notification for UI observers.
type Event struct {
	Kind            EventKind `json:"kind"`
	SessionID       string    `json:"session_id,omitempty"`
	Text            string    `json:"text,omitempty"`
	IsFinal         bool      `json:"is_final"`
	DurationSeconds float64   `json:"duration_seconds,omitempty"`
	File            string    `json:"file,omitempty"`
	Current         int       `json:"current,omitempty"`
	Total           int       `json:"total,omitempty"`
	Status          string    `json:"status,omitempty"`
	Error           string    `json:"error,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// TranscribeRequest asks the runtime to transcribe files from disk.
type TranscribeRequest struct {
	Paths []string `json:"paths"`
}

// EngineRequest switches the active speech engine.
type EngineRequest struct {
	Mode      string `json:"mode"`
	ModelPath string `json:"model_path,omitempty"`
}

const (
	SubjectEventPrefix       = "dictation.event"
	SubjectControlPress      = "dictation.control.press"
	SubjectControlRelease    = "dictation.control.release"
	SubjectControlTranscribe = "dictation.control.transcribe"

	EventStream = "DICTATION_EVENTS"
)

// Subject returns the bus subject events of kind are published on.
func Subject(kind EventKind) string {
	return SubjectEventPrefix + "." + string(kind)
}
