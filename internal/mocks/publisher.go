package mocks

import (
	"context"
	"sync"

	"chatsync/internal/rabbitmq"
	"chatsync/internal/telemetry"
)

var _ rabbitmq.Publisher = (*Publisher)(nil)

// Published is one recorded publish.
type Published struct {
	RoutingKey string
	Event      any
}

// Publisher records what is published instead of talking to a broker.
type Publisher struct {
	mu     sync.Mutex
	events []Published
	err    error
	closed bool
}

func (p *Publisher) Publish(_ context.Context, routingKey string, event any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, Published{RoutingKey: routingKey, Event: event})
	return nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

// FailWith makes every later Publish return err. Nil restores success.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func (p *Publisher) Published() []Published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Published(nil), p.events...)
}

// Audits returns the recorded audit envelopes in publish order.
func (p *Publisher) Audits() []telemetry.AuditEnvelope {
	var out []telemetry.AuditEnvelope
	for _, ev := range p.Published() {
		if env, ok := ev.Event.(telemetry.AuditEnvelope); ok {
			out = append(out, env)
		}
	}
	return out
}

// Actions lists "component.action" of every recorded audit.
func (p *Publisher) Actions() []string {
	var out []string
	for _, env := range p.Audits() {
		out = append(out, env.Payload.Component+"."+env.Payload.Action)
	}
	return out
}
