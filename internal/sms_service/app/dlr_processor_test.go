package app

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dealerlink/leadrelay/internal/core_domain"
	dlqdomain "github.com/dealerlink/leadrelay/internal/dlq_service/domain"
	"github.com/dealerlink/leadrelay/internal/pipeline"
	"github.com/dealerlink/leadrelay/internal/sms_service/domain"
)

func newDLRFixture(t *testing.T) (*DLRProcessor, *senderFixture) {
	t.Helper()
	f := newSenderFixture(t)
	return NewDLRProcessor(f.deliveryRepo, f.leadRepo, f.sender, slog.Default()), f
}

func TestDLRProcessor_DeliveredTransition(t *testing.T) {
	p, f := newDLRFixture(t)

	f.deliveryRepo.On("GetByProviderMessageID", mock.Anything, "SM42").
		Return(&core_domain.DeliveryRecord{ID: 7, Status: core_domain.DeliveryStatusSent}, nil)
	f.deliveryRepo.On("UpdateStatus", mock.Anything, int64(7), core_domain.DeliveryStatusDelivered,
		(*string)(nil), mock.MatchedBy(func(at *time.Time) bool { return at != nil })).Return(nil)

	err := p.HandleDLR(context.Background(), pipeline.ProviderDLRCallback{
		ProviderMessageID: "SM42", Status: "delivered",
	})

	require.NoError(t, err)
	f.deliveryRepo.AssertExpectations(t)
}

func TestDLRProcessor_FailedWithErrorCode(t *testing.T) {
	p, f := newDLRFixture(t)

	f.deliveryRepo.On("GetByProviderMessageID", mock.Anything, "SM43").
		Return(&core_domain.DeliveryRecord{ID: 8, Status: core_domain.DeliveryStatusSent}, nil)
	f.deliveryRepo.On("UpdateStatus", mock.Anything, int64(8), core_domain.DeliveryStatusFailed,
		mock.MatchedBy(func(msg *string) bool { return msg != nil && *msg == "provider error code 30003" }),
		(*time.Time)(nil)).Return(nil)
	// Failure with budget left arms a resend.
	f.deliveryRepo.On("IncrementRetry", mock.Anything, int64(8)).Return(nil)

	err := p.HandleDLR(context.Background(), pipeline.ProviderDLRCallback{
		ProviderMessageID: "SM43", Status: "failed", ErrorCode: "30003",
	})

	require.NoError(t, err)
	f.deliveryRepo.AssertExpectations(t)
}

func TestDLRProcessor_FailedReportResendsAfterDelay(t *testing.T) {
	p, f := newDLRFixture(t)
	// The armed resend re-checks suppression before sending.
	f.expectNotSuppressed()

	f.deliveryRepo.On("GetByProviderMessageID", mock.Anything, "SM50").
		Return(&core_domain.DeliveryRecord{
			ID: 15, LeadID: 42, PhoneNumber: "+15558675309",
			MessageText: "Hi Jordan! The Camry is available. Reply STOP to opt out.",
			Status:      core_domain.DeliveryStatusSent, RetryCount: 0,
		}, nil)
	f.deliveryRepo.On("UpdateStatus", mock.Anything, int64(15), core_domain.DeliveryStatusFailed,
		mock.Anything, mock.Anything).Return(nil)
	f.deliveryRepo.On("IncrementRetry", mock.Anything, int64(15)).Return(nil)
	f.deliveryRepo.On("MarkSent", mock.Anything, int64(15), "SM-scripted", mock.Anything).Return(nil)
	f.leadRepo.On("UpdateProcessingStatus", mock.Anything, int64(42), core_domain.ProcessingStatusReplySent).Return(nil)

	require.NoError(t, p.HandleDLR(context.Background(), pipeline.ProviderDLRCallback{
		ProviderMessageID: "SM50", Status: "failed",
	}))
	assert.Zero(t, f.prov.callCount(), "resend waits out its delay")

	f.clk.Advance(30 * time.Second)

	assert.Equal(t, 1, f.prov.callCount())
	f.deliveryRepo.AssertExpectations(t)
	f.leadRepo.AssertExpectations(t)
}

func TestDLRProcessor_FailedReportWithExhaustedBudgetDeadLetters(t *testing.T) {
	p, f := newDLRFixture(t)

	f.deliveryRepo.On("GetByProviderMessageID", mock.Anything, "SM51").
		Return(&core_domain.DeliveryRecord{
			ID: 16, LeadID: 42, PhoneNumber: "+15558675309",
			Status: core_domain.DeliveryStatusSent, RetryCount: 2,
		}, nil)
	f.deliveryRepo.On("UpdateStatus", mock.Anything, int64(16), core_domain.DeliveryStatusFailed,
		mock.Anything, mock.Anything).Return(nil)
	f.leadRepo.On("UpdateProcessingStatus", mock.Anything, int64(42), core_domain.ProcessingStatusReplyFailed).Return(nil)
	f.dlqRepo.On("Create", mock.Anything, mock.MatchedBy(func(entry *dlqdomain.DeadLetterEntry) bool {
		return entry.FailureType == dlqdomain.FailureTypeSMSSend
	})).Return(&dlqdomain.DeadLetterEntry{ID: 3}, nil)

	require.NoError(t, p.HandleDLR(context.Background(), pipeline.ProviderDLRCallback{
		ProviderMessageID: "SM51", Status: "failed", ErrorCode: "30008",
	}))

	f.clk.Advance(time.Hour)

	assert.Zero(t, f.prov.callCount())
	f.deliveryRepo.AssertNotCalled(t, "IncrementRetry", mock.Anything, mock.Anything)
	f.dlqRepo.AssertExpectations(t)
}

func TestDLRProcessor_UndeliveredReportMirrorsLead(t *testing.T) {
	p, f := newDLRFixture(t)

	f.deliveryRepo.On("GetByProviderMessageID", mock.Anything, "SM46").
		Return(&core_domain.DeliveryRecord{ID: 10, LeadID: 42, Status: core_domain.DeliveryStatusSent}, nil)
	f.deliveryRepo.On("UpdateStatus", mock.Anything, int64(10), core_domain.DeliveryStatusUndelivered,
		mock.Anything, mock.Anything).Return(nil)
	f.leadRepo.On("UpdateProcessingStatus", mock.Anything, int64(42), core_domain.ProcessingStatusReplyUndelivered).Return(nil)

	require.NoError(t, p.HandleDLR(context.Background(), pipeline.ProviderDLRCallback{
		ProviderMessageID: "SM46", Status: "expired",
	}))

	f.leadRepo.AssertExpectations(t)
}

func TestDLRProcessor_LateDLRAgainstTerminalRecordDropped(t *testing.T) {
	p, f := newDLRFixture(t)

	f.deliveryRepo.On("GetByProviderMessageID", mock.Anything, "SM44").
		Return(&core_domain.DeliveryRecord{ID: 9, Status: core_domain.DeliveryStatusUndelivered}, nil)

	err := p.HandleDLR(context.Background(), pipeline.ProviderDLRCallback{
		ProviderMessageID: "SM44", Status: "delivered",
	})

	require.NoError(t, err)
	f.deliveryRepo.AssertNotCalled(t, "UpdateStatus",
		mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestDLRProcessor_UnknownProviderMessageIDDropped(t *testing.T) {
	p, f := newDLRFixture(t)

	// A resend replaces the provider message id on the record, so the
	// superseded id no longer resolves.
	f.deliveryRepo.On("GetByProviderMessageID", mock.Anything, "SM-old").
		Return(nil, domain.ErrDeliveryNotFound)

	err := p.HandleDLR(context.Background(), pipeline.ProviderDLRCallback{
		ProviderMessageID: "SM-old", Status: "delivered",
	})

	require.NoError(t, err)
	f.deliveryRepo.AssertNotCalled(t, "UpdateStatus",
		mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestDLRProcessor_IntermediateStatusIgnored(t *testing.T) {
	p, f := newDLRFixture(t)

	err := p.HandleDLR(context.Background(), pipeline.ProviderDLRCallback{
		ProviderMessageID: "SM45", Status: "queued",
	})

	require.NoError(t, err)
	f.deliveryRepo.AssertNotCalled(t, "GetByProviderMessageID", mock.Anything, mock.Anything)
}

func TestMapProviderStatus(t *testing.T) {
	cases := map[string]core_domain.DeliveryStatus{
		"delivered":   core_domain.DeliveryStatusDelivered,
		"DELIVERED":   core_domain.DeliveryStatusDelivered,
		"failed":      core_domain.DeliveryStatusFailed,
		"rejected":    core_domain.DeliveryStatusFailed,
		"undelivered": core_domain.DeliveryStatusUndelivered,
		"expired":     core_domain.DeliveryStatusUndelivered,
		"queued":      "",
		"sending":     "",
		"sent":        "",
	}
	for in, want := range cases {
		assert.Equal(t, want, mapProviderStatus(in), "status %q", in)
	}
}
