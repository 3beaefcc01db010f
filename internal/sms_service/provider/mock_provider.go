package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// MockProvider accepts every message and fabricates message ids. Used in
// development environments without provider credentials.
type MockProvider struct {
	logger  *slog.Logger
	counter atomic.Int64

	mu       sync.Mutex
	sendErr  error
	sent     []SendRequest
}

func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{logger: logger.With("component", "mock_provider")}
}

func (p *MockProvider) Name() string { return "mock" }

func (p *MockProvider) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	sendErr := p.sendErr
	if sendErr == nil {
		p.sent = append(p.sent, req)
	}
	p.mu.Unlock()

	if sendErr != nil {
		return nil, sendErr
	}

	id := fmt.Sprintf("mock-%d", p.counter.Add(1))
	p.logger.InfoContext(ctx, "mock send", "to", req.To, "provider_message_id", id)
	return &SendResult{ProviderMessageID: id}, nil
}

// FailWith makes subsequent sends return err; nil restores success.
func (p *MockProvider) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sendErr = err
}

// Sent returns a copy of every accepted request.
func (p *MockProvider) Sent() []SendRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SendRequest, len(p.sent))
	copy(out, p.sent)
	return out
}
