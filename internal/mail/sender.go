// Package mail hands rendered emails to a transport.
package mail

import (
	"context"
	"errors"
	"fmt"
	netmail "net/mail"
)

// ErrInvalidMessage is returned for messages a transport must not attempt.
var ErrInvalidMessage = errors.New("invalid message")

// Message is a rendered email ready for transport.
type Message struct {
	From    string
	To      string
	Subject string
	HTML    string
}

// Validate checks the fields every transport needs.
func (m *Message) Validate() error {
	if m.To == "" {
		return fmt.Errorf("%w: missing recipient", ErrInvalidMessage)
	}
	if _, err := netmail.ParseAddress(m.To); err != nil {
		return fmt.Errorf("%w: bad recipient %q", ErrInvalidMessage, m.To)
	}
	if m.From == "" {
		return fmt.Errorf("%w: missing sender", ErrInvalidMessage)
	}
	if m.Subject == "" {
		return fmt.Errorf("%w: missing subject", ErrInvalidMessage)
	}
	if m.HTML == "" {
		return fmt.Errorf("%w: missing body", ErrInvalidMessage)
	}
	return nil
}

// Sender delivers a message through one transport.
// Implementations: SES, SMTP, Log
type Sender interface {
	Send(ctx context.Context, msg *Message) error
	Name() string
}
