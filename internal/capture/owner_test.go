package capture

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/audio"
)

type fakeDevice struct {
	mu      sync.Mutex
	samples []float32
	started bool
	stops   int
	stopErr error
}

func (d *fakeDevice) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.started = true
	return nil
}

func (d *fakeDevice) push(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.samples = append(d.samples, make([]float32, n)...)
}

func (d *fakeDevice) Snapshot() (audio.Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return audio.Buffer{Samples: append([]float32(nil), d.samples...), SampleRate: 16000}, nil
}

func (d *fakeDevice) Stop() (audio.Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stops++
	d.started = false
	return audio.Buffer{Samples: d.samples, SampleRate: 16000}, d.stopErr
}

func newTestOwner(t *testing.T, open Opener) *Owner {
	t.Helper()
	o := NewOwner(open, 8, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(o.Close)
	return o
}

func expectNoResult(t *testing.T, o *Owner) {
	t.Helper()
	select {
	case res := <-o.Results():
		t.Fatalf("unexpected result kind %d", res.Kind)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSnapshotBeforeStartIsIgnored(t *testing.T) {
	o := newTestOwner(t, func() (Device, error) { return &fakeDevice{}, nil })
	o.Send(CommandSnapshot)
	expectNoResult(t, o)

	client := NewClient(o)
	if _, err := client.Snapshot(50 * time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestStopTwiceYieldsOneComplete(t *testing.T) {
	dev := &fakeDevice{}
	o := newTestOwner(t, func() (Device, error) { return dev, nil })
	o.Send(CommandStart)
	dev.push(1600)
	o.Send(CommandStop)
	o.Send(CommandStop)

	select {
	case res := <-o.Results():
		if res.Kind != ResultComplete {
			t.Fatalf("expected complete, got %d", res.Kind)
		}
		if res.Buffer.Len() != 1600 {
			t.Fatalf("buffer length %d", res.Buffer.Len())
		}
	case <-time.After(time.Second):
		t.Fatal("no complete result")
	}
	expectNoResult(t, o)
	if dev.stops != 1 {
		t.Fatalf("device stopped %d times", dev.stops)
	}
}

func TestStartIsIdempotent(t *testing.T) {
	var opens int
	var mu sync.Mutex
	o := newTestOwner(t, func() (Device, error) {
		mu.Lock()
		defer mu.Unlock()
		opens++
		return &fakeDevice{}, nil
	})
	client := NewClient(o)
	client.Start()
	client.Start()
	if _, err := client.Stop(time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if opens != 1 {
		t.Fatalf("device opened %d times", opens)
	}
}

func TestFailedStartProducesNoResult(t *testing.T) {
	o := newTestOwner(t, func() (Device, error) { return nil, errors.New("no microphone") })
	client := NewClient(o)
	client.Start()
	if _, err := client.Snapshot(50 * time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout after failed start, got %v", err)
	}
	if _, err := client.Stop(50 * time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout stopping idle owner, got %v", err)
	}

	// The worker survives a failed start.
	o.Send(CommandSnapshot)
	expectNoResult(t, o)
}

func TestSnapshotLeavesCaptureRunning(t *testing.T) {
	dev := &fakeDevice{}
	o := newTestOwner(t, func() (Device, error) { return dev, nil })
	client := NewClient(o)
	client.Start()
	dev.push(100)

	snap, err := client.Snapshot(time.Second)
	if err != nil || snap.Len() != 100 {
		t.Fatalf("snapshot: %d samples, %v", snap.Len(), err)
	}
	dev.push(50)
	final, err := client.Stop(time.Second)
	if err != nil || final.Len() != 150 {
		t.Fatalf("stop: %d samples, %v", final.Len(), err)
	}
}

func TestStopDiscardsInterleavedSnapshots(t *testing.T) {
	dev := &fakeDevice{}
	o := newTestOwner(t, func() (Device, error) { return dev, nil })
	o.Send(CommandStart)
	dev.push(10)
	// Snapshots queued ahead of Stop whose replies nobody collected.
	o.Send(CommandSnapshot)
	o.Send(CommandSnapshot)

	client := NewClient(o)
	final, err := client.Stop(time.Second)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if final.Len() != 10 {
		t.Fatalf("final length %d", final.Len())
	}
}

func TestCloseStopsOpenDevice(t *testing.T) {
	dev := &fakeDevice{}
	o := NewOwner(func() (Device, error) { return dev, nil }, 4, slog.New(slog.NewTextHandler(io.Discard, nil)))
	o.Send(CommandStart)
	o.Close()
	if dev.stops != 1 {
		t.Fatalf("expected device stop on close, got %d", dev.stops)
	}
}

func TestStopErrorKeepsDrainedAudio(t *testing.T) {
	dev := &fakeDevice{stopErr: errors.New("close stream: device gone")}
	o := newTestOwner(t, func() (Device, error) { return dev, nil })
	client := NewClient(o)
	client.Start()
	dev.push(3200)

	buf, err := client.Stop(time.Second)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if buf.Len() != 3200 {
		t.Fatalf("buffer length %d", buf.Len())
	}
}

func TestStopErrorWithoutAudioYieldsNothing(t *testing.T) {
	dev := &fakeDevice{stopErr: errors.New("close stream: device gone")}
	o := newTestOwner(t, func() (Device, error) { return dev, nil })
	o.Send(CommandStart)
	o.Send(CommandStop)
	expectNoResult(t, o)
}
