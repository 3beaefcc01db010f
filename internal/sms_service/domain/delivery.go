// Package domain holds the SMS delivery model: the per-message state
// machine and the repository contracts the sender and DLR processor
// depend on.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/dealerlink/leadrelay/internal/core_domain"
)

// ErrDeliveryNotFound is returned when no delivery matches a lookup. A
// DLR can legitimately reference a superseded provider message id.
var ErrDeliveryNotFound = errors.New("delivery record not found")

// validTransitions encodes the delivery state machine. delivered and
// undelivered accept no further transitions; failed re-enters sent when
// a retry is re-dispatched, and is only final once the retry budget is
// spent (see Exhausted).
var validTransitions = map[core_domain.DeliveryStatus][]core_domain.DeliveryStatus{
	core_domain.DeliveryStatusPending: {
		core_domain.DeliveryStatusSent,
		core_domain.DeliveryStatusFailed,
	},
	core_domain.DeliveryStatusSent: {
		core_domain.DeliveryStatusDelivered,
		core_domain.DeliveryStatusFailed,
		core_domain.DeliveryStatusUndelivered,
	},
	core_domain.DeliveryStatusFailed: {
		core_domain.DeliveryStatusSent,
	},
}

// CanTransition reports whether moving a delivery from one status to
// another is legal.
func CanTransition(from, to core_domain.DeliveryStatus) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a status accepts no further transitions
// under any circumstances. failed is not in this set: terminality of a
// failed delivery depends on its retry count, which only Exhausted can
// judge.
func IsTerminal(s core_domain.DeliveryStatus) bool {
	return len(validTransitions[s]) == 0
}

// Exhausted reports whether a failed delivery has spent its whole send
// budget. RetryCount counts attempts after the first, so a record has
// consumed RetryCount+1 attempts in total.
func Exhausted(r *core_domain.DeliveryRecord, maxRetries int) bool {
	return r.Status == core_domain.DeliveryStatusFailed && r.RetryCount+1 >= maxRetries
}

// DeliveryRepository owns delivery_records; mutated only by the SMS
// sender and the DLR processor.
type DeliveryRepository interface {
	Create(ctx context.Context, record *core_domain.DeliveryRecord) (*core_domain.DeliveryRecord, error)
	GetByID(ctx context.Context, id int64) (*core_domain.DeliveryRecord, error)
	// GetByProviderMessageID resolves a DLR callback to its delivery.
	GetByProviderMessageID(ctx context.Context, providerMessageID string) (*core_domain.DeliveryRecord, error)
	// ListSent returns deliveries still awaiting a report, oldest first.
	ListSent(ctx context.Context) ([]*core_domain.DeliveryRecord, error)
	// MarkSent records the provider's message id and the sent timestamp.
	MarkSent(ctx context.Context, id int64, providerMessageID string, sentAt time.Time) error
	UpdateStatus(ctx context.Context, id int64, status core_domain.DeliveryStatus, errorMessage *string, deliveredAt *time.Time) error
	IncrementRetry(ctx context.Context, id int64) error
	// MarkOptedOut finalizes a delivery abandoned because the recipient
	// opted out between attempts.
	MarkOptedOut(ctx context.Context, id int64) error
}

// OptOutCache is the fast suppression check consulted before every send.
// The lead store remains the source of truth; the cache only avoids a
// round trip on the hot path.
type OptOutCache interface {
	Add(ctx context.Context, phone string) error
	Contains(ctx context.Context, phone string) (bool, error)
}
