package app

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/mock"

	"github.com/dealerlink/leadrelay/internal/core_domain"
	dlqdomain "github.com/dealerlink/leadrelay/internal/dlq_service/domain"
	leaddomain "github.com/dealerlink/leadrelay/internal/lead_service/domain"
	"github.com/dealerlink/leadrelay/internal/platform/messagebroker"
	"github.com/dealerlink/leadrelay/internal/sms_service/provider"
)

type mockDeliveryRepo struct {
	mock.Mock
}

func (m *mockDeliveryRepo) Create(ctx context.Context, record *core_domain.DeliveryRecord) (*core_domain.DeliveryRecord, error) {
	args := m.Called(ctx, record)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*core_domain.DeliveryRecord), args.Error(1)
}

func (m *mockDeliveryRepo) GetByID(ctx context.Context, id int64) (*core_domain.DeliveryRecord, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*core_domain.DeliveryRecord), args.Error(1)
}

func (m *mockDeliveryRepo) GetByProviderMessageID(ctx context.Context, providerMessageID string) (*core_domain.DeliveryRecord, error) {
	args := m.Called(ctx, providerMessageID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*core_domain.DeliveryRecord), args.Error(1)
}

func (m *mockDeliveryRepo) ListSent(ctx context.Context) ([]*core_domain.DeliveryRecord, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*core_domain.DeliveryRecord), args.Error(1)
}

func (m *mockDeliveryRepo) MarkSent(ctx context.Context, id int64, providerMessageID string, sentAt time.Time) error {
	return m.Called(ctx, id, providerMessageID, sentAt).Error(0)
}

func (m *mockDeliveryRepo) UpdateStatus(ctx context.Context, id int64, status core_domain.DeliveryStatus, errorMessage *string, deliveredAt *time.Time) error {
	return m.Called(ctx, id, status, errorMessage, deliveredAt).Error(0)
}

func (m *mockDeliveryRepo) IncrementRetry(ctx context.Context, id int64) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockDeliveryRepo) MarkOptedOut(ctx context.Context, id int64) error {
	return m.Called(ctx, id).Error(0)
}

type mockLeadRepo struct {
	mock.Mock
}

func (m *mockLeadRepo) WithFingerprintLock(ctx context.Context, fingerprint string, fn func(ctx context.Context, tx pgx.Tx) error) error {
	args := m.Called(ctx, fingerprint)
	if args.Error(0) != nil {
		return args.Error(0)
	}
	return fn(ctx, nil)
}

func (m *mockLeadRepo) GetByFingerprintTx(ctx context.Context, tx pgx.Tx, fingerprint string) (*core_domain.LeadRecord, error) {
	args := m.Called(ctx, fingerprint)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*core_domain.LeadRecord), args.Error(1)
}

func (m *mockLeadRepo) UpsertTx(ctx context.Context, tx pgx.Tx, lead *core_domain.LeadRecord) (*leaddomain.UpsertResult, error) {
	args := m.Called(ctx, lead)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*leaddomain.UpsertResult), args.Error(1)
}

func (m *mockLeadRepo) GetByID(ctx context.Context, id int64) (*core_domain.LeadRecord, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*core_domain.LeadRecord), args.Error(1)
}

func (m *mockLeadRepo) ListRecent(ctx context.Context, limit int) ([]*core_domain.LeadRecord, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*core_domain.LeadRecord), args.Error(1)
}

func (m *mockLeadRepo) UpdateProcessingStatus(ctx context.Context, id int64, status core_domain.ProcessingStatus) error {
	return m.Called(ctx, id, status).Error(0)
}

func (m *mockLeadRepo) MarkOptedOutByPhone(ctx context.Context, phone string) ([]int64, error) {
	args := m.Called(ctx, phone)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]int64), args.Error(1)
}

type mockDealershipRepo struct {
	mock.Mock
}

func (m *mockDealershipRepo) ListActive(ctx context.Context) ([]*core_domain.Dealership, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*core_domain.Dealership), args.Error(1)
}

func (m *mockDealershipRepo) GetByID(ctx context.Context, id int64) (*core_domain.Dealership, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*core_domain.Dealership), args.Error(1)
}

type mockOptOutCache struct {
	mock.Mock
}

func (m *mockOptOutCache) Add(ctx context.Context, phone string) error {
	return m.Called(ctx, phone).Error(0)
}

func (m *mockOptOutCache) Contains(ctx context.Context, phone string) (bool, error) {
	args := m.Called(ctx, phone)
	return args.Bool(0), args.Error(1)
}

type mockDLQRepo struct {
	mock.Mock
}

func (m *mockDLQRepo) Create(ctx context.Context, entry *dlqdomain.DeadLetterEntry) (*dlqdomain.DeadLetterEntry, error) {
	args := m.Called(ctx, entry)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*dlqdomain.DeadLetterEntry), args.Error(1)
}

func (m *mockDLQRepo) ListPending(ctx context.Context, limit int) ([]*dlqdomain.DeadLetterEntry, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*dlqdomain.DeadLetterEntry), args.Error(1)
}

func (m *mockDLQRepo) Delete(ctx context.Context, id int64) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockDLQRepo) IncrementAttempts(ctx context.Context, id int64, lastError string) error {
	return m.Called(ctx, id, lastError).Error(0)
}

type mockBroker struct {
	mock.Mock
}

func (m *mockBroker) Publish(ctx context.Context, subject string, data []byte) error {
	return m.Called(ctx, subject, data).Error(0)
}

func (m *mockBroker) Subscribe(ctx context.Context, subject, queueGroup string, handler messagebroker.MessageHandler) (messagebroker.Subscription, error) {
	args := m.Called(ctx, subject, queueGroup)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(messagebroker.Subscription), args.Error(1)
}

func (m *mockBroker) Close() {
	m.Called()
}

// scriptedProvider returns canned outcomes per attempt; nil error means
// success with an auto-generated message id.
type scriptedProvider struct {
	mu       sync.Mutex
	outcomes []error
	calls    int
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Send(ctx context.Context, req provider.SendRequest) (*provider.SendResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var outcome error
	if p.calls < len(p.outcomes) {
		outcome = p.outcomes[p.calls]
	}
	p.calls++
	if outcome != nil {
		return nil, outcome
	}
	return &provider.SendResult{ProviderMessageID: "SM-scripted"}, nil
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}
