package bus

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Publisher delivers progress events. Publishing never fails the caller;
// delivery problems are logged by the implementation.
type Publisher interface {
	Publish(evt protocol.Event)
}

type discard struct{}

func (discard) Publish(protocol.Event) {}

// Discard drops every event.
var Discard Publisher = discard{}

// Client wraps NATS connection and JetStream context with minimal helpers.
type Client struct {
	conn *nats.Conn
	js   nats.JetStreamContext
	log  *slog.Logger
}

func Connect(_ context.Context, cfg config.BusConfig, log *slog.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}
	log = log.With(slog.String("component", "bus"))

	options := []nats.Option{
		nats.Name("loqa-dictate"),
		nats.Timeout(time.Duration(cfg.ConnectTimeout) * time.Millisecond),
	}

	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}
	if cfg.TLSInsecure {
		options = append(options, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	log.Info("connected to NATS", slog.String("servers", url))

	c := &Client{
		conn: conn,
		js:   js,
		log:  log,
	}
	c.ensureEventStream()
	return c, nil
}

// ensureEventStream retains recent events so a UI that attaches late can
// replay them. Servers without JetStream still get plain publishes.
func (c *Client) ensureEventStream() {
	_, err := c.js.StreamInfo(protocol.EventStream)
	if err == nil {
		return
	}
	_, err = c.js.AddStream(&nats.StreamConfig{
		Name:     protocol.EventStream,
		Subjects: []string{protocol.SubjectEventPrefix + ".>"},
		Storage:  nats.MemoryStorage,
		MaxMsgs:  1000,
		MaxAge:   time.Hour,
	})
	if err != nil {
		c.log.Warn("event stream unavailable", slogError(err))
	}
}

func (c *Client) Publish(evt protocol.Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(evt)
	if err != nil {
		c.log.Warn("failed to marshal event", slogError(err))
		return
	}
	if err := c.conn.Publish(protocol.Subject(evt.Kind), data); err != nil {
		c.log.Warn("failed to publish event", slog.String("kind", string(evt.Kind)), slogError(err))
	}
}

// Handle subscribes handler to subject. Replies go back to the requester
// when the message carries a reply subject.
func (c *Client) Handle(subject string, handler func(data []byte) (any, error)) (*nats.Subscription, error) {
	return c.conn.Subscribe(subject, func(msg *nats.Msg) {
		resp, err := handler(msg.Data)
		if msg.Reply == "" {
			if err != nil {
				c.log.Warn("control request failed", slog.String("subject", subject), slogError(err))
			}
			return
		}
		payload := map[string]any{"ok": err == nil}
		if err != nil {
			payload["error"] = err.Error()
		} else if resp != nil {
			payload["result"] = resp
		}
		data, merr := json.Marshal(payload)
		if merr != nil {
			c.log.Warn("failed to marshal reply", slogError(merr))
			return
		}
		if err := msg.Respond(data); err != nil {
			c.log.Warn("failed to send reply", slogError(err))
		}
	})
}

func (c *Client) Close() {
	if c == nil {
		return
	}
	c.log.Info("closing NATS connection")
	_ = c.conn.Drain()
	c.conn.Close()
}

func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}

func (c *Client) JetStream() nats.JetStreamContext {
	return c.js
}

func (c *Client) Conn() *nats.Conn {
	return c.conn
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
