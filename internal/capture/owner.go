// Package capture owns the microphone. A single goroutine holds the device
// handle and talks to the rest of the pipeline only through channels.
package capture

import (
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-dictate/internal/audio"
)

// Device is a live input. It is not safe for concurrent use; only the Owner
// goroutine touches it.
type Device interface {
	Start() error
	// Snapshot returns everything captured so far without stopping.
	Snapshot() (audio.Buffer, error)
	// Stop ends capture and returns the full recording.
	Stop() (audio.Buffer, error)
}

// Opener creates a device for one recording session.
type Opener func() (Device, error)

type CommandKind int

const (
	CommandStart CommandKind = iota
	CommandStop
	CommandSnapshot
)

func (k CommandKind) String() string {
	switch k {
	case CommandStart:
		return "start"
	case CommandStop:
		return "stop"
	case CommandSnapshot:
		return "snapshot"
	default:
		return "unknown"
	}
}

type ResultKind int

const (
	// ResultComplete answers CommandStop only.
	ResultComplete ResultKind = iota
	// ResultSnapshot answers CommandSnapshot only.
	ResultSnapshot
)

type Result struct {
	Kind   ResultKind
	Buffer audio.Buffer
}

// Owner processes commands strictly in arrival order. Commands that do not
// apply to the current state produce no result.
type Owner struct {
	open     Opener
	log      *slog.Logger
	commands chan CommandKind
	results  chan Result
	done     chan struct{}
	once     sync.Once
}

func NewOwner(open Opener, queueSize int, log *slog.Logger) *Owner {
	if queueSize <= 0 {
		queueSize = 16
	}
	o := &Owner{
		open:     open,
		log:      log.With(slog.String("component", "capture")),
		commands: make(chan CommandKind, queueSize),
		results:  make(chan Result, queueSize),
		done:     make(chan struct{}),
	}
	go o.run()
	return o
}

// Send enqueues a command. It must not be called after Close.
func (o *Owner) Send(cmd CommandKind) {
	o.commands <- cmd
}

func (o *Owner) Results() <-chan Result {
	return o.results
}

// Close shuts the command channel and waits for the worker to exit. An open
// device is stopped and its audio discarded.
func (o *Owner) Close() {
	o.once.Do(func() { close(o.commands) })
	<-o.done
}

func (o *Owner) run() {
	defer close(o.done)

	var device Device
	for cmd := range o.commands {
		switch cmd {
		case CommandStart:
			if device != nil {
				continue
			}
			dev, err := o.open()
			if err != nil {
				o.log.Error("failed to open capture device", slogError(err))
				continue
			}
			if err := dev.Start(); err != nil {
				o.log.Error("failed to start capture", slogError(err))
				continue
			}
			device = dev
			o.log.Debug("capture started")

		case CommandSnapshot:
			if device == nil {
				continue
			}
			buf, err := device.Snapshot()
			if err != nil {
				o.log.Warn("snapshot failed", slogError(err))
				continue
			}
			o.results <- Result{Kind: ResultSnapshot, Buffer: buf}

		case CommandStop:
			if device == nil {
				continue
			}
			buf, err := device.Stop()
			device = nil
			if err != nil {
				o.log.Error("failed to stop capture", slogError(err), slog.Int("samples", buf.Len()))
				// audio drained before the error is still delivered
				if buf.Len() == 0 {
					continue
				}
			}
			o.log.Debug("capture stopped", slog.Float64("seconds", buf.Duration()))
			o.results <- Result{Kind: ResultComplete, Buffer: buf}

		default:
			o.log.Warn("unknown capture command", slog.Int("command", int(cmd)))
		}
	}

	if device != nil {
		if _, err := device.Stop(); err != nil {
			o.log.Warn("failed to stop capture on shutdown", slogError(err))
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
