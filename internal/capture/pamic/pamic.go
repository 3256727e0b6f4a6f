// Package pamic captures from a PortAudio input device.
package pamic

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/capture"
	"github.com/loqalabs/loqa-dictate/internal/config"
)

// Init must be called once before Open; Terminate releases PortAudio.
func Init() error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("portaudio init: %w", err)
	}
	return nil
}

func Terminate() {
	_ = portaudio.Terminate()
}

type DeviceInfo struct {
	Name              string  `json:"name"`
	MaxInputChannels  int     `json:"max_input_channels"`
	DefaultSampleRate float64 `json:"default_sample_rate"`
	Default           bool    `json:"default"`
}

// ListDevices reports every device that can record.
func ListDevices() ([]DeviceInfo, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	def, _ := portaudio.DefaultInputDevice()
	var out []DeviceInfo
	for _, d := range devices {
		if d.MaxInputChannels == 0 {
			continue
		}
		out = append(out, DeviceInfo{
			Name:              d.Name,
			MaxInputChannels:  d.MaxInputChannels,
			DefaultSampleRate: d.DefaultSampleRate,
			Default:           def != nil && def.Name == d.Name,
		})
	}
	return out, nil
}

// A device that keeps failing reads (unplugged, revoked) ends capture after
// maxReadFailures consecutive errors, backing off between attempts.
var (
	maxReadFailures = 10
	readRetryDelay  = 50 * time.Millisecond
)

// Mic accumulates mono samples from a blocking PortAudio stream. A reader
// goroutine appends under mu; Snapshot copies, Stop hands over the slice.
type Mic struct {
	cfg    config.CaptureConfig
	log    *slog.Logger
	stream *portaudio.Stream
	frame  []float32

	mu      sync.Mutex
	samples []float32
	running bool
	readErr error

	wg sync.WaitGroup
}

// Opener returns a capture.Opener that builds a fresh Mic per session.
func Opener(cfg config.CaptureConfig, log *slog.Logger) capture.Opener {
	return func() (capture.Device, error) {
		return Open(cfg, log)
	}
}

func Open(cfg config.CaptureConfig, log *slog.Logger) (*Mic, error) {
	dev, err := findDevice(cfg.Device)
	if err != nil {
		return nil, err
	}
	channels := cfg.Channels
	if channels <= 0 {
		channels = 1
	}
	frames := cfg.FramesPerBuffer
	if frames <= 0 {
		frames = 1024
	}
	rate := float64(cfg.SampleRate)
	if rate <= 0 {
		rate = dev.DefaultSampleRate
	}

	params := portaudio.LowLatencyParameters(dev, nil)
	params.Input.Channels = channels
	params.SampleRate = rate
	params.FramesPerBuffer = frames

	m := &Mic{
		cfg:   cfg,
		log:   log.With(slog.String("component", "pamic"), slog.String("device", dev.Name)),
		frame: make([]float32, frames*channels),
	}
	m.cfg.SampleRate = int(rate)
	m.cfg.Channels = channels
	stream, err := portaudio.OpenStream(params, m.frame)
	if err != nil {
		return nil, fmt.Errorf("open input stream: %w", err)
	}
	m.stream = stream
	return m, nil
}

func findDevice(name string) (*portaudio.DeviceInfo, error) {
	if strings.TrimSpace(name) == "" || name == "default" {
		dev, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("default input device: %w", err)
		}
		return dev, nil
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	for _, d := range devices {
		if d.MaxInputChannels > 0 && d.Name == name {
			return d, nil
		}
	}
	return nil, fmt.Errorf("input device %q not found", name)
}

func (m *Mic) Start() error {
	if err := m.stream.Start(); err != nil {
		_ = m.stream.Close()
		return fmt.Errorf("start stream: %w", err)
	}
	m.mu.Lock()
	m.running = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.readLoop()
	m.log.Info("microphone capture started", slog.Int("sample_rate", m.cfg.SampleRate), slog.Int("channels", m.cfg.Channels))
	return nil
}

func (m *Mic) readLoop() {
	defer m.wg.Done()
	m.pump(m.stream.Read)
}

// pump reads frames until Stop or until the device has failed
// maxReadFailures times in a row. Samples read so far are kept either way.
func (m *Mic) pump(read func() error) {
	failures := 0
	for {
		m.mu.Lock()
		running := m.running
		m.mu.Unlock()
		if !running {
			return
		}
		if err := read(); err != nil {
			if errors.Is(err, portaudio.InputOverflowed) {
				m.log.Debug("input overflowed")
				continue
			}
			failures++
			if failures >= maxReadFailures {
				m.log.Error("input device failed, capture ended", slog.Int("attempts", failures), slog.String("error", err.Error()))
				m.mu.Lock()
				m.readErr = fmt.Errorf("read stream: %w", err)
				m.mu.Unlock()
				return
			}
			m.log.Warn("stream read error", slog.Int("attempt", failures), slog.String("error", err.Error()))
			time.Sleep(time.Duration(failures) * readRetryDelay)
			continue
		}
		failures = 0
		mono := audio.Downmix(m.frame, m.cfg.Channels)
		m.mu.Lock()
		m.samples = append(m.samples, mono...)
		m.mu.Unlock()
	}
}

func (m *Mic) Snapshot() (audio.Buffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return audio.Buffer{Samples: append([]float32(nil), m.samples...), SampleRate: m.cfg.SampleRate}, nil
}

func (m *Mic) Stop() (audio.Buffer, error) {
	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
	m.wg.Wait()

	var errs []error
	if err := m.stream.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop stream: %w", err))
	}
	if err := m.stream.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close stream: %w", err))
	}

	m.mu.Lock()
	samples := m.samples
	m.samples = nil
	if m.readErr != nil {
		errs = append(errs, m.readErr)
		m.readErr = nil
	}
	m.mu.Unlock()
	return audio.Buffer{Samples: samples, SampleRate: m.cfg.SampleRate}, errors.Join(errs...)
}
