package output

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/atotto/clipboard"
	"github.com/micmonay/keybd_event"
)

// ClipboardSink places each fragment on the clipboard and, when paste is
// enabled, presses the paste shortcut. The previous clipboard content is
// restored afterwards.
type ClipboardSink struct {
	delay time.Duration
	paste bool
	kb    *keybd_event.KeyBonding
	log   *slog.Logger
	mu    sync.Mutex
}

func NewClipboardSink(delay time.Duration, paste bool, log *slog.Logger) (*ClipboardSink, error) {
	if clipboard.Unsupported {
		return nil, fmt.Errorf("clipboard is not supported on this system")
	}
	s := &ClipboardSink{delay: delay, paste: paste, log: log}
	if paste {
		kb, err := keybd_event.NewKeyBonding()
		if err != nil {
			return nil, fmt.Errorf("init keyboard: %w", err)
		}
		if runtime.GOOS == "linux" {
			// uinput needs a moment before the virtual keyboard accepts events.
			time.Sleep(2 * time.Second)
		}
		kb.SetKeys(keybd_event.VK_V)
		if runtime.GOOS == "darwin" {
			kb.HasSuper(true)
		} else {
			kb.HasCTRL(true)
		}
		s.kb = &kb
	}
	return s, nil
}

func (s *ClipboardSink) Dispatch(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous, _ := clipboard.ReadAll()
	if err := clipboard.WriteAll(text); err != nil {
		s.log.Warn("clipboard write failed", slog.String("error", err.Error()))
		return
	}
	if s.kb == nil {
		return
	}
	time.Sleep(s.delay)
	if err := s.kb.Launching(); err != nil {
		s.log.Warn("paste keystroke failed", slog.String("error", err.Error()))
		return
	}
	time.Sleep(4 * s.delay)
	if err := clipboard.WriteAll(previous); err != nil {
		s.log.Debug("clipboard restore failed", slog.String("error", err.Error()))
	}
}
