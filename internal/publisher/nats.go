package publisher

import (
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"departureboard/internal/snapshot"
)

type conn interface {
	Publish(subject string, data []byte) error
}

type NATSPublisher struct {
	nc      *nats.Conn
	pub     conn
	prefix  string
	metrics PublisherMetrics
}

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

func NewNATSPublisher(url, subjectPrefix string, m PublisherMetrics) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("departureboard"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			slog.Warn("nats.disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			slog.Info("nats.reconnected", "url", c.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			slog.Info("nats.closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	p := newPublisher(nc, subjectPrefix, m)
	p.nc = nc
	return p, nil
}

func newPublisher(c conn, subjectPrefix string, m PublisherMetrics) *NATSPublisher {
	return &NATSPublisher{pub: c, prefix: subjectPrefix, metrics: m}
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
		p.nc.Close()
	}
}

// Subject is where widget snapshots are published.
func (p *NATSPublisher) Subject() string {
	var parts []string
	for _, tok := range strings.Split(p.prefix, ".") {
		if strings.TrimSpace(tok) != "" {
			parts = append(parts, subjectToken(tok))
		}
	}
	parts = append(parts, "widget", "snapshot")
	return strings.Join(parts, ".")
}

func (p *NATSPublisher) PublishSnapshot(s snapshot.Snapshot) error {
	subject := p.Subject()
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	slog.Debug("nats.publish", "subject", subject, "entries", len(s.Entries), "bytes", len(b))
	start := time.Now()
	err = p.pub.Publish(subject, b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	return err
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
