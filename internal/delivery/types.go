// Package delivery transmits relayed messages to their final destination.
package delivery

import (
	"context"
	"time"
)

// Request is one outbound transmission: an envelope and the signed message.
type Request struct {
	From string
	To   []string
	Data []byte
}

// Receipt describes an accepted transmission.
type Receipt struct {
	Host      string
	Accepted  []string
	TLS       bool
	MessageID string
	Duration  time.Duration
}

// Transport sends a message. Errors raised by a remote server carry the
// remote SMTP code as an smtperr.Error.
type Transport interface {
	Send(ctx context.Context, req *Request) (*Receipt, error)
}
