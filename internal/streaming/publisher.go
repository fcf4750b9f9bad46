package streaming

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/meridianhq/meridian/internal/logger"
)

// Publisher mirrors a run's event stream onto NATS so instances other than
// the one executing the run (e.g. a watchdog, or a client reconnecting
// through a different instance) can observe progress.
//
// Subjects are "<prefix>.<workflowID>"; subscribers filter per run.
type Publisher struct {
	nc     *nats.Conn
	prefix string
	logger *logger.Logger
}

// NewPublisher creates a publisher. A nil connection returns nil; a nil
// publisher is safe to call and publishes nothing.
func NewPublisher(nc *nats.Conn, prefix string, log *logger.Logger) *Publisher {
	if nc == nil {
		return nil
	}
	return &Publisher{
		nc:     nc,
		prefix: prefix,
		logger: log.WithComponent("event-publisher"),
	}
}

// Publish sends one event for the given run. Failures are logged, never
// propagated: NATS mirroring is best-effort and must not affect the run.
func (p *Publisher) Publish(workflowID string, ev Event) {
	if p == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("Failed to marshal event for publish", "error", err)
		return
	}
	subject := fmt.Sprintf("%s.%s", p.prefix, workflowID)
	if err := p.nc.Publish(subject, data); err != nil {
		p.logger.Error("Failed to publish event", "subject", subject, "error", err)
	}
}

// Drain flushes pending publishes during shutdown.
func (p *Publisher) Drain() {
	if p == nil {
		return
	}
	if err := p.nc.Drain(); err != nil {
		p.logger.Error("Failed to drain publisher connection", "error", err)
	}
}
