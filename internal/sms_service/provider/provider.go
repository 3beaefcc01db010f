// Package provider defines the outbound SMS provider contract and its
// implementations. Providers are pure transports: retries, suppression
// and state tracking all live in the sender.
package provider

import (
	"context"
	"errors"
)

// ErrRejected marks a permanent provider rejection (bad number, blocked
// content); the sender fails the delivery immediately instead of
// retrying.
var ErrRejected = errors.New("provider rejected message")

// SendRequest is one outbound message.
type SendRequest struct {
	To   string
	From string
	Body string
}

// SendResult is the provider's acknowledgment of an accepted message.
type SendResult struct {
	ProviderMessageID string
}

// Provider sends a single SMS. Implementations must be safe for
// concurrent use.
type Provider interface {
	Name() string
	Send(ctx context.Context, req SendRequest) (*SendResult, error)
}
