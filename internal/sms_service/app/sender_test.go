package app

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dealerlink/leadrelay/internal/core_domain"
	dlqdomain "github.com/dealerlink/leadrelay/internal/dlq_service/domain"
	"github.com/dealerlink/leadrelay/internal/pipeline"
	"github.com/dealerlink/leadrelay/internal/platform/clock"
	"github.com/dealerlink/leadrelay/internal/sms_service/provider"
)

type senderFixture struct {
	deliveryRepo   *mockDeliveryRepo
	leadRepo       *mockLeadRepo
	dealershipRepo *mockDealershipRepo
	optOuts        *mockOptOutCache
	dlqRepo        *mockDLQRepo
	prov           *scriptedProvider
	broker         *mockBroker
	clk            *clock.FakeClock
	sender         *Sender
}

func newSenderFixture(t *testing.T, outcomes ...error) *senderFixture {
	t.Helper()

	f := &senderFixture{
		deliveryRepo:   new(mockDeliveryRepo),
		leadRepo:       new(mockLeadRepo),
		dealershipRepo: new(mockDealershipRepo),
		optOuts:        new(mockOptOutCache),
		dlqRepo:        new(mockDLQRepo),
		prov:           &scriptedProvider{outcomes: outcomes},
		broker:         new(mockBroker),
		clk:            clock.NewFake(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)),
	}

	f.sender = NewSender(
		f.deliveryRepo, f.leadRepo, f.dealershipRepo, f.optOuts, f.dlqRepo,
		f.prov, f.broker, f.clk,
		SenderConfig{
			FromNumber:      "+15550001111",
			SegmentLimit:    160,
			OptOutNotice:    " Reply STOP to opt out.",
			DeliveryTimeout: 10 * time.Minute,
			MaxRetries:      3,
			RetryBaseDelay:  30 * time.Second,
		},
		slog.Default(),
	)

	f.broker.On("Publish", mock.Anything, pipeline.SubjectStats, mock.Anything).Return(nil).Maybe()
	return f
}

func replyEvent() pipeline.ReplyGeneratedEvent {
	return pipeline.ReplyGeneratedEvent{
		LeadID:        42,
		CustomerName:  "Jordan Reyes",
		CustomerPhone: "+15558675309",
		ReplyText:     "Thanks for asking about the 2024 Camry!",
	}
}

func (f *senderFixture) expectNotSuppressed() {
	f.optOuts.On("Contains", mock.Anything, "+15558675309").Return(false, nil)
	f.leadRepo.On("GetByID", mock.Anything, int64(42)).
		Return(&core_domain.LeadRecord{ID: 42, Status: core_domain.LeadStatusNew}, nil)
}

func TestSender_SuccessfulSend(t *testing.T) {
	f := newSenderFixture(t)
	f.expectNotSuppressed()

	f.deliveryRepo.On("Create", mock.Anything, mock.MatchedBy(func(r *core_domain.DeliveryRecord) bool {
		return r.Status == core_domain.DeliveryStatusPending && r.LeadID == 42
	})).Return(&core_domain.DeliveryRecord{ID: 7, LeadID: 42, Status: core_domain.DeliveryStatusPending}, nil)
	f.deliveryRepo.On("MarkSent", mock.Anything, int64(7), "SM-scripted", mock.Anything).Return(nil)
	f.leadRepo.On("UpdateProcessingStatus", mock.Anything, int64(42), core_domain.ProcessingStatusReplySent).Return(nil)

	err := f.sender.SendReply(context.Background(), replyEvent())

	require.NoError(t, err)
	assert.Equal(t, 1, f.prov.callCount())
	f.deliveryRepo.AssertExpectations(t)
	f.leadRepo.AssertExpectations(t)
}

func TestSender_SkipsWhenNoPhone(t *testing.T) {
	f := newSenderFixture(t)

	ev := replyEvent()
	ev.CustomerPhone = ""
	err := f.sender.SendReply(context.Background(), ev)

	require.NoError(t, err)
	assert.Zero(t, f.prov.callCount())
	f.deliveryRepo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestSender_SuppressedByCache(t *testing.T) {
	f := newSenderFixture(t)

	f.optOuts.On("Contains", mock.Anything, "+15558675309").Return(true, nil)

	err := f.sender.SendReply(context.Background(), replyEvent())

	require.NoError(t, err)
	assert.Zero(t, f.prov.callCount())
	f.deliveryRepo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestSender_SuppressedByLeadStatusBackfillsCache(t *testing.T) {
	f := newSenderFixture(t)

	f.optOuts.On("Contains", mock.Anything, "+15558675309").Return(false, nil)
	f.leadRepo.On("GetByID", mock.Anything, int64(42)).
		Return(&core_domain.LeadRecord{ID: 42, Status: core_domain.LeadStatusOptedOut}, nil)
	f.optOuts.On("Add", mock.Anything, "+15558675309").Return(nil)

	err := f.sender.SendReply(context.Background(), replyEvent())

	require.NoError(t, err)
	assert.Zero(t, f.prov.callCount())
	f.optOuts.AssertExpectations(t)
}

func TestSender_RetriesThenSucceeds(t *testing.T) {
	f := newSenderFixture(t, errors.New("timeout"), nil)
	f.expectNotSuppressed()

	f.deliveryRepo.On("Create", mock.Anything, mock.Anything).
		Return(&core_domain.DeliveryRecord{ID: 8, LeadID: 42, Status: core_domain.DeliveryStatusPending}, nil)
	f.deliveryRepo.On("IncrementRetry", mock.Anything, int64(8)).Return(nil)
	f.deliveryRepo.On("MarkSent", mock.Anything, int64(8), "SM-scripted", mock.Anything).Return(nil)
	f.leadRepo.On("UpdateProcessingStatus", mock.Anything, int64(42), core_domain.ProcessingStatusReplySent).Return(nil)

	err := f.sender.SendReply(context.Background(), replyEvent())
	require.NoError(t, err)
	assert.Equal(t, 1, f.prov.callCount())

	// First retry is armed at base delay.
	f.clk.Advance(30 * time.Second)

	assert.Equal(t, 2, f.prov.callCount())
	f.deliveryRepo.AssertExpectations(t)
}

func TestSender_ExhaustedRetriesFailAndDeadLetter(t *testing.T) {
	sendErr := errors.New("provider unreachable")
	f := newSenderFixture(t, sendErr, sendErr, sendErr)
	f.expectNotSuppressed()

	f.deliveryRepo.On("Create", mock.Anything, mock.Anything).
		Return(&core_domain.DeliveryRecord{ID: 9, LeadID: 42, Status: core_domain.DeliveryStatusPending}, nil)
	f.deliveryRepo.On("IncrementRetry", mock.Anything, int64(9)).Return(nil).Twice()
	f.deliveryRepo.On("UpdateStatus", mock.Anything, int64(9), core_domain.DeliveryStatusFailed, mock.Anything, mock.Anything).Return(nil)
	f.leadRepo.On("UpdateProcessingStatus", mock.Anything, int64(42), core_domain.ProcessingStatusReplyFailed).Return(nil)
	f.dlqRepo.On("Create", mock.Anything, mock.MatchedBy(func(entry *dlqdomain.DeadLetterEntry) bool {
		return entry.FailureType == dlqdomain.FailureTypeSMSSend &&
			entry.Priority == dlqdomain.PriorityMedium
	})).Return(&dlqdomain.DeadLetterEntry{ID: 1}, nil)

	err := f.sender.SendReply(context.Background(), replyEvent())
	require.NoError(t, err)

	f.clk.Advance(30 * time.Second) // attempt 2
	f.clk.Advance(time.Minute)      // attempt 3, exhausts

	assert.Equal(t, 3, f.prov.callCount())
	f.deliveryRepo.AssertExpectations(t)
	f.dlqRepo.AssertExpectations(t)
}

func TestSender_PermanentRejectionDoesNotRetry(t *testing.T) {
	f := newSenderFixture(t, provider.ErrRejected)
	f.expectNotSuppressed()

	f.deliveryRepo.On("Create", mock.Anything, mock.Anything).
		Return(&core_domain.DeliveryRecord{ID: 10, LeadID: 42, Status: core_domain.DeliveryStatusPending}, nil)
	f.deliveryRepo.On("UpdateStatus", mock.Anything, int64(10), core_domain.DeliveryStatusFailed, mock.Anything, mock.Anything).Return(nil)
	f.leadRepo.On("UpdateProcessingStatus", mock.Anything, int64(42), core_domain.ProcessingStatusReplyFailed).Return(nil)
	f.dlqRepo.On("Create", mock.Anything, mock.Anything).Return(&dlqdomain.DeadLetterEntry{ID: 2}, nil)

	err := f.sender.SendReply(context.Background(), replyEvent())
	require.NoError(t, err)

	f.clk.Advance(time.Hour)

	assert.Equal(t, 1, f.prov.callCount())
	f.deliveryRepo.AssertNotCalled(t, "IncrementRetry", mock.Anything, mock.Anything)
}

func TestSender_DeliveryTimeoutMarksUndelivered(t *testing.T) {
	f := newSenderFixture(t)
	f.expectNotSuppressed()

	f.deliveryRepo.On("Create", mock.Anything, mock.Anything).
		Return(&core_domain.DeliveryRecord{ID: 11, LeadID: 42, Status: core_domain.DeliveryStatusPending}, nil)
	f.deliveryRepo.On("MarkSent", mock.Anything, int64(11), "SM-scripted", mock.Anything).Return(nil)
	f.leadRepo.On("UpdateProcessingStatus", mock.Anything, int64(42), core_domain.ProcessingStatusReplySent).Return(nil)
	f.deliveryRepo.On("GetByID", mock.Anything, int64(11)).
		Return(&core_domain.DeliveryRecord{ID: 11, LeadID: 42, Status: core_domain.DeliveryStatusSent}, nil)
	f.deliveryRepo.On("UpdateStatus", mock.Anything, int64(11), core_domain.DeliveryStatusUndelivered, mock.Anything, mock.Anything).Return(nil)
	// The lead mirrors the timed-out delivery.
	f.leadRepo.On("UpdateProcessingStatus", mock.Anything, int64(42), core_domain.ProcessingStatusReplyUndelivered).Return(nil)

	require.NoError(t, f.sender.SendReply(context.Background(), replyEvent()))

	f.clk.Advance(10 * time.Minute)

	f.deliveryRepo.AssertExpectations(t)
	f.leadRepo.AssertExpectations(t)
}

func TestSender_ShutdownClearsArmedTimers(t *testing.T) {
	f := newSenderFixture(t)
	f.expectNotSuppressed()

	f.deliveryRepo.On("Create", mock.Anything, mock.Anything).
		Return(&core_domain.DeliveryRecord{ID: 14, LeadID: 42, Status: core_domain.DeliveryStatusPending}, nil)
	f.deliveryRepo.On("MarkSent", mock.Anything, int64(14), "SM-scripted", mock.Anything).Return(nil)
	f.leadRepo.On("UpdateProcessingStatus", mock.Anything, int64(42), core_domain.ProcessingStatusReplySent).Return(nil)

	require.NoError(t, f.sender.SendReply(context.Background(), replyEvent()))

	f.sender.Shutdown()
	f.clk.Advance(time.Hour)

	f.deliveryRepo.AssertNotCalled(t, "GetByID", mock.Anything, mock.Anything)
	f.deliveryRepo.AssertNotCalled(t, "UpdateStatus",
		mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSender_ShutdownCancelsPendingRetry(t *testing.T) {
	f := newSenderFixture(t, errors.New("timeout"), nil)
	f.expectNotSuppressed()

	f.deliveryRepo.On("Create", mock.Anything, mock.Anything).
		Return(&core_domain.DeliveryRecord{ID: 15, LeadID: 42, Status: core_domain.DeliveryStatusPending}, nil)
	f.deliveryRepo.On("IncrementRetry", mock.Anything, int64(15)).Return(nil)

	require.NoError(t, f.sender.SendReply(context.Background(), replyEvent()))
	assert.Equal(t, 1, f.prov.callCount())

	f.sender.Shutdown()
	f.clk.Advance(time.Hour)

	assert.Equal(t, 1, f.prov.callCount())
	f.deliveryRepo.AssertNotCalled(t, "MarkSent",
		mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSender_OptOutDuringRetryAbandonsDelivery(t *testing.T) {
	f := newSenderFixture(t, errors.New("timeout"), nil)

	// The first check passes; the re-check before the retry hits the
	// freshly populated opt-out cache.
	f.optOuts.On("Contains", mock.Anything, "+15558675309").Return(false, nil).Once()
	f.leadRepo.On("GetByID", mock.Anything, int64(42)).
		Return(&core_domain.LeadRecord{ID: 42, Status: core_domain.LeadStatusNew}, nil)
	f.optOuts.On("Contains", mock.Anything, "+15558675309").Return(true, nil)

	f.deliveryRepo.On("Create", mock.Anything, mock.Anything).
		Return(&core_domain.DeliveryRecord{ID: 16, LeadID: 42, Status: core_domain.DeliveryStatusPending}, nil)
	f.deliveryRepo.On("IncrementRetry", mock.Anything, int64(16)).Return(nil)
	f.deliveryRepo.On("MarkOptedOut", mock.Anything, int64(16)).Return(nil)

	require.NoError(t, f.sender.SendReply(context.Background(), replyEvent()))
	assert.Equal(t, 1, f.prov.callCount())

	f.clk.Advance(30 * time.Second)

	assert.Equal(t, 1, f.prov.callCount())
	f.deliveryRepo.AssertExpectations(t)
	f.optOuts.AssertExpectations(t)
}

func TestSender_ResumeTimeoutsRearmsWindow(t *testing.T) {
	f := newSenderFixture(t)

	sentAt := f.clk.Now().Add(-4 * time.Minute) // 6 minutes of the window left
	f.deliveryRepo.On("ListSent", mock.Anything).Return([]*core_domain.DeliveryRecord{
		{ID: 21, LeadID: 42, Status: core_domain.DeliveryStatusSent, SentAt: &sentAt},
	}, nil)
	f.deliveryRepo.On("GetByID", mock.Anything, int64(21)).
		Return(&core_domain.DeliveryRecord{ID: 21, LeadID: 42, Status: core_domain.DeliveryStatusSent}, nil)
	f.deliveryRepo.On("UpdateStatus", mock.Anything, int64(21), core_domain.DeliveryStatusUndelivered, mock.Anything, mock.Anything).Return(nil)
	f.leadRepo.On("UpdateProcessingStatus", mock.Anything, int64(42), core_domain.ProcessingStatusReplyUndelivered).Return(nil)

	require.NoError(t, f.sender.ResumeTimeouts(context.Background()))

	// Not yet: the remaining window is still open.
	f.clk.Advance(5 * time.Minute)
	f.deliveryRepo.AssertNotCalled(t, "UpdateStatus",
		mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	f.clk.Advance(time.Minute)
	f.deliveryRepo.AssertExpectations(t)
}

func TestSender_ResumeTimeoutsFinalizesElapsedWindow(t *testing.T) {
	f := newSenderFixture(t)

	sentAt := f.clk.Now().Add(-time.Hour) // window elapsed while no process ran
	f.deliveryRepo.On("ListSent", mock.Anything).Return([]*core_domain.DeliveryRecord{
		{ID: 22, LeadID: 42, Status: core_domain.DeliveryStatusSent, SentAt: &sentAt},
	}, nil)
	f.deliveryRepo.On("GetByID", mock.Anything, int64(22)).
		Return(&core_domain.DeliveryRecord{ID: 22, LeadID: 42, Status: core_domain.DeliveryStatusSent}, nil)
	f.deliveryRepo.On("UpdateStatus", mock.Anything, int64(22), core_domain.DeliveryStatusUndelivered, mock.Anything, mock.Anything).Return(nil)
	f.leadRepo.On("UpdateProcessingStatus", mock.Anything, int64(42), core_domain.ProcessingStatusReplyUndelivered).Return(nil)

	require.NoError(t, f.sender.ResumeTimeouts(context.Background()))

	f.deliveryRepo.AssertExpectations(t)
	f.leadRepo.AssertExpectations(t)
}

func TestSender_CancelTimeoutPreventsUndelivered(t *testing.T) {
	f := newSenderFixture(t)
	f.expectNotSuppressed()

	f.deliveryRepo.On("Create", mock.Anything, mock.Anything).
		Return(&core_domain.DeliveryRecord{ID: 12, LeadID: 42, Status: core_domain.DeliveryStatusPending}, nil)
	f.deliveryRepo.On("MarkSent", mock.Anything, int64(12), "SM-scripted", mock.Anything).Return(nil)
	f.leadRepo.On("UpdateProcessingStatus", mock.Anything, int64(42), core_domain.ProcessingStatusReplySent).Return(nil)

	require.NoError(t, f.sender.SendReply(context.Background(), replyEvent()))

	// A DLR lands before the timeout fires.
	f.sender.CancelTimeout(12)
	f.clk.Advance(time.Hour)

	f.deliveryRepo.AssertNotCalled(t, "UpdateStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	f.deliveryRepo.AssertNotCalled(t, "GetByID", mock.Anything, mock.Anything)
}

func TestSender_DealershipFromNumberPreferred(t *testing.T) {
	f := newSenderFixture(t)
	f.expectNotSuppressed()

	dealershipID := int64(3)
	f.dealershipRepo.On("GetByID", mock.Anything, dealershipID).
		Return(&core_domain.Dealership{ID: 3, SMSFromNumber: "+15559998888"}, nil)
	f.deliveryRepo.On("Create", mock.Anything, mock.Anything).
		Return(&core_domain.DeliveryRecord{ID: 13, LeadID: 42, Status: core_domain.DeliveryStatusPending}, nil)
	f.deliveryRepo.On("MarkSent", mock.Anything, int64(13), "SM-scripted", mock.Anything).Return(nil)
	f.leadRepo.On("UpdateProcessingStatus", mock.Anything, int64(42), core_domain.ProcessingStatusReplySent).Return(nil)

	ev := replyEvent()
	ev.DealershipID = &dealershipID
	require.NoError(t, f.sender.SendReply(context.Background(), ev))

	f.dealershipRepo.AssertExpectations(t)
}
