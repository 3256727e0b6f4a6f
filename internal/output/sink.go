// Package output delivers transcribed text to wherever the user is typing.
package output

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/mattn/go-shellwords"
)

// Sink receives text fragments in order. Dispatch never reports failure to
// the caller; problems are logged.
type Sink interface {
	Dispatch(text string)
}

// New builds the sink for cfg.Mode. paste only applies to clipboard mode.
func New(cfg config.OutputConfig, paste bool, log *slog.Logger) (Sink, error) {
	log = log.With(slog.String("component", "output"), slog.String("mode", cfg.Mode))
	switch cfg.Mode {
	case "none", "":
		return Discard{}, nil
	case "stdout":
		return NewWriterSink(os.Stdout), nil
	case "exec":
		return NewExecSink(cfg.Command, log)
	case "clipboard":
		return NewClipboardSink(time.Duration(cfg.PasteDelayMS)*time.Millisecond, paste, log)
	default:
		return nil, fmt.Errorf("unknown output mode %q", cfg.Mode)
	}
}

type Discard struct{}

func (Discard) Dispatch(string) {}

// WriterSink appends fragments to w without separators, so the stream reads
// as the user would see it typed.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

func (s *WriterSink) Dispatch(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = io.WriteString(s.w, text)
}

// ExecSink runs a command per fragment with the text on stdin, e.g.
// "xdotool type --file -" or "wtype -".
type ExecSink struct {
	args    []string
	log     *slog.Logger
	timeout time.Duration
	mu      sync.Mutex
}

func NewExecSink(command string, log *slog.Logger) (*ExecSink, error) {
	args, err := shellwords.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse output command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("output command is empty")
	}
	return &ExecSink{args: args, log: log, timeout: 10 * time.Second}, nil
}

func (s *ExecSink) Dispatch(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, s.args[0], s.args[1:]...)
	cmd.Stdin = strings.NewReader(text)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		s.log.Warn("output command failed",
			slog.String("error", err.Error()),
			slog.String("stderr", strings.TrimSpace(stderr.String())))
	}
}
