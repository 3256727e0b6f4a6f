// Package presence announces this daemon on the bus and tracks the other
// dictation daemons it hears from, so observers can find one that is idle.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	SubjectAnnounce        = "dictation.presence.announce"
	SubjectHeartbeatPrefix = "dictation.presence.heartbeat"
)

// Status is what a daemon reports about itself on every heartbeat.
type Status struct {
	Engine    string `json:"engine"`
	Recording bool   `json:"recording"`
}

type DaemonInfo struct {
	ID       string    `json:"id"`
	Engine   string    `json:"engine"`
	Formats  []string  `json:"formats,omitempty"`
	LastSeen time.Time `json:"last_seen"`
	Healthy  bool      `json:"healthy"`
	Status   Status    `json:"status"`
}

type announceMessage struct {
	NodeID    string    `json:"node_id"`
	Formats   []string  `json:"formats"`
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type heartbeatMessage struct {
	NodeID    string    `json:"node_id"`
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type Registry struct {
	cfg     config.NodeConfig
	log     *slog.Logger
	conn    *nats.Conn
	status  func() Status
	formats []string

	mu      sync.RWMutex
	daemons map[string]*DaemonInfo
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	subs    []*nats.Subscription
	meter   metric.Meter
}

// NewRegistry subscribes to presence traffic, announces this daemon and
// starts heartbeating. status is polled on every heartbeat.
func NewRegistry(ctx context.Context, cfg config.NodeConfig, busClient *bus.Client, formats []string, status func() Status, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:     cfg,
		log:     log.With(slog.String("component", "presence")),
		conn:    busClient.Conn(),
		status:  status,
		formats: formats,
		daemons: make(map[string]*DaemonInfo),
		meter:   otel.Meter("github.com/loqalabs/loqa-dictate/internal/presence"),
		cancel:  cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.cancel()
		return nil, err
	}

	r.wg.Add(2)
	go r.runHeartbeat(ctx)
	go r.monitorHealth(ctx)

	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce daemon", slog.String("error", err.Error()))
	}

	return r, nil
}

func (r *Registry) Close() {
	r.cancel()
	r.wg.Wait()
	for _, sub := range r.subs {
		_ = sub.Unsubscribe()
	}
}

func (r *Registry) subscribe() error {
	announceSub, err := r.conn.Subscribe(SubjectAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := r.conn.Subscribe(SubjectHeartbeatPrefix+".*", r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)
	return nil
}

func (r *Registry) runHeartbeat(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Duration(r.cfg.HeartbeatInterval) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Registry) monitorHealth(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.evaluateHealth(now)
		}
	}
}

func (r *Registry) announce() error {
	msg := announceMessage{
		NodeID:    r.cfg.ID,
		Formats:   r.formats,
		Status:    r.status(),
		Timestamp: time.Now().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := r.conn.Publish(SubjectAnnounce, payload); err != nil {
		return err
	}
	r.updateDaemon(msg.NodeID, msg.Formats, msg.Status, msg.Timestamp)
	return nil
}

func (r *Registry) publishHeartbeat() error {
	msg := heartbeatMessage{
		NodeID:    r.cfg.ID,
		Status:    r.status(),
		Timestamp: time.Now().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.conn.Publish(SubjectHeartbeatPrefix+"."+r.cfg.ID, payload)
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement announceMessage
	if err := json.Unmarshal(msg.Data, &announcement); err != nil {
		r.log.Warn("invalid announce message", slog.String("error", err.Error()))
		return
	}
	if announcement.Timestamp.IsZero() {
		announcement.Timestamp = time.Now().UTC()
	}
	r.updateDaemon(announcement.NodeID, announcement.Formats, announcement.Status, announcement.Timestamp)
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = time.Now().UTC()
	}
	r.updateDaemon(hb.NodeID, nil, hb.Status, hb.Timestamp)
}

func (r *Registry) updateDaemon(id string, formats []string, status Status, timestamp time.Time) {
	if id == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.daemons[id]
	if !ok {
		d = &DaemonInfo{ID: id}
		r.daemons[id] = d
	}
	if len(formats) > 0 {
		d.Formats = formats
	}
	d.Status = status
	d.Engine = status.Engine
	d.LastSeen = timestamp
	d.Healthy = true
}

func (r *Registry) evaluateHealth(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	for _, d := range r.daemons {
		if now.Sub(d.LastSeen) > timeout {
			d.Healthy = false
		}
	}
}

// Daemons returns every known daemon, sorted by ID.
func (r *Registry) Daemons() []DaemonInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]DaemonInfo, 0, len(r.daemons))
	for _, d := range r.daemons {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) initMetrics() error {
	daemons, err := r.meter.Int64ObservableGauge("dictation.presence.daemons", metric.WithDescription("Healthy dictation daemons on the bus"))
	if err != nil {
		return err
	}
	recording, err := r.meter.Int64ObservableGauge("dictation.recording.active", metric.WithDescription("1 while this daemon is recording"))
	if err != nil {
		return err
	}
	_, err = r.meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		var healthy int64
		for _, d := range r.Daemons() {
			if d.Healthy {
				healthy++
			}
		}
		obs.ObserveInt64(daemons, healthy)
		var active int64
		if r.status().Recording {
			active = 1
		}
		obs.ObserveInt64(recording, active)
		return nil
	}, daemons, recording)
	return err
}
