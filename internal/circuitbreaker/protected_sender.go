package circuitbreaker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/dripmail/internal/mail"
)

// ProtectedSender wraps a mail.Sender with a CircuitBreaker.
type ProtectedSender struct {
	sender  mail.Sender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedSender wraps a sender with circuit breaker protection.
func NewProtectedSender(sender mail.Sender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		sender:  sender,
		breaker: breaker,
		logger:  logger,
	}
}

// Send passes msg to the wrapped transport unless the circuit is open.
// Messages the transport rejects as invalid say nothing about its health
// and are not counted against it.
func (p *ProtectedSender) Send(ctx context.Context, msg *mail.Message) error {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected send",
			zap.String("breaker", p.breaker.config.Name),
			zap.String("to", msg.To),
			zap.String("state", p.breaker.GetState().String()),
		)
		return fmt.Errorf("%w: %s transport unavailable", ErrCircuitOpen, p.breaker.config.Name)
	}

	err := p.sender.Send(ctx, msg)
	switch {
	case err == nil:
		p.breaker.RecordSuccess()
		return nil
	case errors.Is(err, mail.ErrInvalidMessage):
		p.breaker.releaseProbe()
		return err
	default:
		p.breaker.RecordFailure()
		p.logger.Debug("circuit breaker recorded failure",
			zap.String("breaker", p.breaker.config.Name),
			zap.Error(err),
		)
		return err
	}
}

// Name delegates to the underlying sender.
func (p *ProtectedSender) Name() string {
	return p.sender.Name()
}
