package capture

import (
	"errors"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/audio"
)

// ErrTimeout is returned when the owner did not answer in time, which is
// also how a request against an idle owner presents.
var ErrTimeout = errors.New("capture: timed out waiting for audio")

// Client pairs each request with its reply. Requests are serialized so two
// callers never consume each other's results, and results are filtered by
// kind since a late reply to an earlier request may still be queued.
type Client struct {
	owner *Owner
	mu    sync.Mutex
}

func NewClient(owner *Owner) *Client {
	return &Client{owner: owner}
}

func (c *Client) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drain()
	c.owner.Send(CommandStart)
}

// Snapshot requests the audio captured so far. A stray ResultComplete seen
// while waiting belongs to an abandoned Stop and is discarded.
func (c *Client) Snapshot(timeout time.Duration) (audio.Buffer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drain()
	c.owner.Send(CommandSnapshot)
	return c.await(ResultSnapshot, timeout)
}

// Stop ends the session and waits for the final buffer, discarding any
// snapshots still in flight.
func (c *Client) Stop(timeout time.Duration) (audio.Buffer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.owner.Send(CommandStop)
	return c.await(ResultComplete, timeout)
}

func (c *Client) await(kind ResultKind, timeout time.Duration) (audio.Buffer, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case res := <-c.owner.Results():
			if res.Kind == kind {
				return res.Buffer, nil
			}
		case <-timer.C:
			return audio.Buffer{}, ErrTimeout
		}
	}
}

func (c *Client) drain() {
	for {
		select {
		case <-c.owner.Results():
		default:
			return
		}
	}
}
