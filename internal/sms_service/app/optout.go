package app

import (
	"context"
	"log/slog"
	"strings"

	leaddomain "github.com/dealerlink/leadrelay/internal/lead_service/domain"
	"github.com/dealerlink/leadrelay/internal/pipeline"
	"github.com/dealerlink/leadrelay/internal/platform/messagebroker"
	"github.com/dealerlink/leadrelay/internal/sms_service/domain"
)

// Standard carrier opt-out keywords. Matching is case-insensitive on
// the trimmed message body.
var stopKeywords = map[string]struct{}{
	"stop":        {},
	"stopall":     {},
	"stop all":    {},
	"unsubscribe": {},
	"cancel":      {},
	"end":         {},
	"quit":        {},
}

// OptOutService processes inbound SMS and honors opt-out requests by
// flagging every lead for the sender's number and priming the
// suppression cache.
type OptOutService struct {
	leadRepo leaddomain.LeadRepository
	cache    domain.OptOutCache
	broker   messagebroker.Client
	logger   *slog.Logger
}

func NewOptOutService(leadRepo leaddomain.LeadRepository, cache domain.OptOutCache, broker messagebroker.Client, logger *slog.Logger) *OptOutService {
	return &OptOutService{
		leadRepo: leadRepo,
		cache:    cache,
		broker:   broker,
		logger:   logger.With("component", "optout_service"),
	}
}

// IsStopKeyword reports whether an inbound message body is an opt-out
// request.
func IsStopKeyword(body string) bool {
	normalized := strings.ToLower(strings.TrimSpace(body))
	_, ok := stopKeywords[normalized]
	return ok
}

// HandleIncoming inspects one inbound SMS. Non-keyword messages are
// logged and dropped; replying to them is out of scope here.
func (s *OptOutService) HandleIncoming(ctx context.Context, msg pipeline.ProviderIncomingSMS) error {
	if !IsStopKeyword(msg.Body) {
		s.logger.InfoContext(ctx, "inbound message is not an opt-out; ignoring", "from", msg.From)
		return nil
	}

	ids, err := s.leadRepo.MarkOptedOutByPhone(ctx, msg.From)
	if err != nil {
		return err
	}
	if err := s.cache.Add(ctx, msg.From); err != nil {
		// The lead store is already updated; the next suppression check
		// falls through to it.
		s.logger.WarnContext(ctx, "failed to cache opt-out", "from", msg.From, "error", err)
	}

	optOutsCounter.Inc()
	s.logger.InfoContext(ctx, "opt-out honored", "from", msg.From, "leads_flagged", len(ids))
	pipeline.Report(ctx, s.broker, s.logger, pipeline.StatEvent{
		Outcome: pipeline.StatOutcomeOptOut, Step: "opt_out",
	})
	return nil
}
