package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/cryguy/edgeruntime/internal/core"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "edge_runtime.events"

// NATSSink publishes events as JSON on <prefix>.<kind>.
type NATSSink struct {
	nc     *nats.Conn
	prefix string
	log    *zap.Logger
}

// DialNATS connects to url. The connection reconnects forever; events
// published while disconnected are buffered by the client.
func DialNATS(url, prefix string, log *zap.Logger) (*NATSSink, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	nc, err := nats.Connect(url,
		nats.Name("edge-runtime"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", url, err)
	}
	return &NATSSink{nc: nc, prefix: prefix, log: log}, nil
}

// Subject returns the subject an event of kind is published on.
func Subject(prefix string, kind core.EventKind) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return prefix + "." + string(kind)
}

func (s *NATSSink) Publish(ev core.WorkerEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.log.Warn("encoding event", zap.String("kind", string(ev.Kind)), zap.Error(err))
		return
	}
	if err := s.nc.Publish(Subject(s.prefix, ev.Kind), data); err != nil {
		s.log.Warn("publishing event", zap.String("kind", string(ev.Kind)), zap.Error(err))
	}
}

// Close flushes buffered events and closes the connection.
func (s *NATSSink) Close() error {
	return s.nc.Drain()
}
