package app

import (
	"context"
	"log/slog"
	"strings"

	"github.com/dealerlink/leadrelay/internal/core_domain"
	"github.com/dealerlink/leadrelay/internal/lead_service/domain"
)

// Attribution match methods, recorded in the processing log so operators
// can audit why a lead landed at a dealership.
const (
	MatchMethodExact       = "exact"
	MatchMethodFuzzy       = "fuzzy"
	MatchMethodEmailDomain = "email_domain"
	MatchMethodFallback    = "fallback"
	MatchMethodNone        = "none"
)

// Words too generic to count as evidence of a name match.
var insignificantWords = map[string]struct{}{
	"of": {}, "the": {}, "and": {}, "a": {},
	"inc": {}, "llc": {}, "co": {}, "corp": {},
	"auto": {}, "autos": {}, "motors": {}, "motor": {},
	"group": {}, "dealership": {}, "dealer": {}, "sales": {},
}

// Attributor resolves which dealership an incoming lead belongs to.
type Attributor struct {
	dealershipRepo domain.DealershipRepository
	fallbackID     int64
	logger         *slog.Logger
}

func NewAttributor(dealershipRepo domain.DealershipRepository, fallbackID int64, logger *slog.Logger) *Attributor {
	return &Attributor{
		dealershipRepo: dealershipRepo,
		fallbackID:     fallbackID,
		logger:         logger.With("component", "attributor"),
	}
}

// Attribute matches vendor identity against active dealerships, trying
// exact normalized name, then fuzzy name, then vendor email domain, then
// the configured fallback. Returns (nil, "none", nil) when nothing
// matches; attribution failure is a warning upstream, never an error.
func (a *Attributor) Attribute(ctx context.Context, vendorName, vendorEmail string) (*int64, string, error) {
	dealerships, err := a.dealershipRepo.ListActive(ctx)
	if err != nil {
		return nil, MatchMethodNone, err
	}

	normVendor := normalizeName(vendorName)

	if normVendor != "" {
		for _, d := range dealerships {
			if d.NormalizedName == normVendor {
				return &d.ID, MatchMethodExact, nil
			}
		}
		if id := a.fuzzyMatch(normVendor, dealerships); id != nil {
			return id, MatchMethodFuzzy, nil
		}
	}

	if domainPart := emailDomain(vendorEmail); domainPart != "" {
		for _, d := range dealerships {
			if d.VendorEmailDomain != "" && strings.EqualFold(d.VendorEmailDomain, domainPart) {
				return &d.ID, MatchMethodEmailDomain, nil
			}
		}
	}

	if a.fallbackID > 0 {
		id := a.fallbackID
		return &id, MatchMethodFallback, nil
	}

	a.logger.WarnContext(ctx, "could not attribute lead to a dealership",
		"vendor_name", vendorName, "vendor_email", vendorEmail)
	return nil, MatchMethodNone, nil
}

// fuzzyMatch accepts a dealership when one name contains the other, when
// the names share two or more significant words, or when they share a
// single significant word longer than five characters.
func (a *Attributor) fuzzyMatch(normVendor string, dealerships []*core_domain.Dealership) *int64 {
	vendorWords := significantWords(normVendor)

	for _, d := range dealerships {
		normDealer := d.NormalizedName
		if normDealer == "" {
			continue
		}
		if strings.Contains(normVendor, normDealer) || strings.Contains(normDealer, normVendor) {
			return &d.ID
		}

		shared := 0
		longShared := false
		dealerWords := significantWords(normDealer)
		for w := range vendorWords {
			if _, ok := dealerWords[w]; ok {
				shared++
				if len(w) > 5 {
					longShared = true
				}
			}
		}
		if shared >= 2 || longShared {
			return &d.ID
		}
	}
	return nil
}

func normalizeName(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == ' ':
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func significantWords(normalized string) map[string]struct{} {
	words := make(map[string]struct{})
	for _, w := range strings.Fields(normalized) {
		if _, skip := insignificantWords[w]; skip {
			continue
		}
		if len(w) < 3 {
			continue
		}
		words[w] = struct{}{}
	}
	return words
}

func emailDomain(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 || at == len(email)-1 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(email[at+1:]))
}
