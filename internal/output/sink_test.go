package output

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-dictate/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWriterSinkConcatenates(t *testing.T) {
	var buf bytes.Buffer
	sink := NewWriterSink(&buf)
	sink.Dispatch("hello")
	sink.Dispatch(" world")
	if buf.String() != "hello world" {
		t.Fatalf("got %q", buf.String())
	}
}

func TestExecSinkPipesText(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "typed.txt")
	sink, err := NewExecSink("sh -c 'cat >> "+out+"'", newLogger())
	if err != nil {
		t.Fatalf("new exec sink: %v", err)
	}
	sink.Dispatch("hello")
	sink.Dispatch(" world")
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "hello world" {
		t.Fatalf("got %q", data)
	}
}

func TestExecSinkFailureIsLogged(t *testing.T) {
	var logs bytes.Buffer
	log := slog.New(slog.NewTextHandler(&logs, nil))
	sink, err := NewExecSink("sh -c 'exit 4'", log)
	if err != nil {
		t.Fatalf("new exec sink: %v", err)
	}
	sink.Dispatch("ignored")
	if !strings.Contains(logs.String(), "output command failed") {
		t.Fatalf("expected failure log, got %q", logs.String())
	}
}

func TestNewSinkModes(t *testing.T) {
	if s, err := New(config.OutputConfig{Mode: "none"}, false, newLogger()); err != nil {
		t.Fatalf("none: %v", err)
	} else if _, ok := s.(Discard); !ok {
		t.Fatalf("none mode returned %T", s)
	}
	if _, err := New(config.OutputConfig{Mode: "exec"}, false, newLogger()); err == nil {
		t.Fatal("exec mode without command should fail")
	}
	if _, err := New(config.OutputConfig{Mode: "carrier-pigeon"}, false, newLogger()); err == nil {
		t.Fatal("unknown mode should fail")
	}
}
