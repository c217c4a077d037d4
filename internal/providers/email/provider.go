// Package email delivers invoice notifications. Delivery is best effort and
// never participates in ledger transactions.
package email

import (
	"context"

	"go.uber.org/zap"
)

// Message is one outbound email.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Provider sends messages. Implementations must tolerate being called
// concurrently.
type Provider interface {
	Send(ctx context.Context, msg Message) error
}

// NoOpProvider logs instead of sending. Used when SMTP is not configured and
// in tests.
type NoOpProvider struct {
	log *zap.Logger
}

func NewNoOpProvider(log *zap.Logger) *NoOpProvider {
	return &NoOpProvider{log: log.Named("email.noop")}
}

func (p *NoOpProvider) Send(_ context.Context, msg Message) error {
	p.log.Info("email suppressed",
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
	)
	return nil
}
