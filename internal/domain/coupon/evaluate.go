package coupon

import (
	"slices"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Evaluate decides whether the coupon applies to the given usage context and
// computes the discount. It is pure: no I/O, no clock reads, no mutation.
//
// Checks run in order and short-circuit on the first failure so the most
// user-actionable rejection is reported: active flag, validity window, global
// cap, per-user cap, minimum purchase, purchase domain, audience, then the
// restriction rules. priorUserUses is the count of the user's past
// redemptions of this coupon.
func Evaluate(c *Coupon, rules []Rule, uc Context, priorUserUses int, now time.Time) (*Discount, error) {
	if !c.Active {
		return nil, Reject(ReasonInactive)
	}
	if c.StartsAt != nil && now.Before(*c.StartsAt) {
		return nil, Reject(ReasonNotYetStarted)
	}
	if c.EndsAt != nil && now.After(*c.EndsAt) {
		return nil, Reject(ReasonExpired)
	}
	if c.MaxTotalUses > 0 && c.CurrentUses >= c.MaxTotalUses {
		return nil, Reject(ReasonUsageLimitReached)
	}
	if priorUserUses >= c.MaxUsesPerUser {
		return nil, Reject(ReasonPerUserLimitReached)
	}
	if c.MinPurchase.IsPositive() && uc.Amount.LessThan(c.MinPurchase) {
		return nil, Reject(ReasonBelowMinimum)
	}
	if !domainMatches(c.AppliesTo, uc) {
		return nil, Reject(ReasonDomainMismatch)
	}
	if !audienceMatches(c.Audience, uc.Role) {
		return nil, Reject(ReasonAudienceMismatch)
	}
	if !rulesMatch(rules, uc) {
		return nil, Reject(ReasonRuleMismatch)
	}

	amount, err := discountAmount(c, uc.Amount)
	if err != nil {
		return nil, err
	}

	return &Discount{
		CouponID: c.ID,
		Title:    c.Title,
		Type:     c.Type,
		Amount:   amount,
	}, nil
}

// domainMatches reports whether the coupon's applies-to domain covers the
// context. The service-flavored values additionally require a matching
// ServiceKind on the context.
func domainMatches(a AppliesTo, uc Context) bool {
	switch a {
	case AppliesToAll:
		return true
	case AppliesToProducts:
		return uc.Domain == DomainProduct
	case AppliesToEvents:
		return uc.Domain == DomainEvent
	case AppliesToPremiumAccess, AppliesToDelivery, AppliesToRideShare:
		return uc.Domain == DomainService && uc.ServiceKind == a
	default:
		return false
	}
}

// audienceMatches reports whether the caller role satisfies the coupon's
// target audience. Specific-user coupons are gated at distribution time.
func audienceMatches(a Audience, role Role) bool {
	switch a {
	case AudienceStudents:
		return role == RoleStudent
	case AudienceMerchants:
		return role == RoleMerchant
	default:
		return true
	}
}

// rulesMatch applies the AND/OR semantics: for every rule kind present among
// the coupon's rules, at least one rule of that kind must match the context.
// A kind with no rules imposes no constraint.
func rulesMatch(rules []Rule, uc Context) bool {
	seen := make(map[RuleKind]bool, len(rules))
	matched := make(map[RuleKind]bool, len(rules))
	for _, r := range rules {
		seen[r.Kind] = true
		if matched[r.Kind] {
			continue
		}
		if ruleMatches(r, uc) {
			matched[r.Kind] = true
		}
	}
	for kind := range seen {
		if !matched[kind] {
			return false
		}
	}
	return true
}

func ruleMatches(r Rule, uc Context) bool {
	switch r.Kind {
	case RuleCategory:
		return uc.CategoryID != "" && slices.Contains(r.TargetIDs, uc.CategoryID)
	case RuleSpecificProducts:
		return uc.Domain == DomainProduct && slices.Contains(r.TargetIDs, uc.TargetID)
	case RuleSpecificEvents:
		return uc.Domain == DomainEvent && slices.Contains(r.TargetIDs, uc.TargetID)
	case RuleWilaya:
		return slices.Contains(r.Wilayas, uc.Wilaya)
	case RuleMerchant:
		return uc.MerchantID != "" && slices.Contains(r.TargetIDs, uc.MerchantID)
	default:
		return false
	}
}

// discountAmount computes the monetary discount for the coupon type.
func discountAmount(c *Coupon, amount decimal.Decimal) (decimal.Decimal, error) {
	switch c.Type {
	case DiscountPercentage:
		d := amount.Mul(c.Value).Div(hundred).Round(2)
		return clamp(d, amount), nil
	case DiscountFixedAmount:
		return clamp(decimal.Min(c.Value, amount).Round(2), amount), nil
	case DiscountFreeShipping, DiscountAccessUnlock:
		// Non-monetary: the caller acts on the discount type.
		return decimal.Zero, nil
	default:
		return decimal.Zero, errors.Errorf("unsupported discount type: %q", c.Type)
	}
}

// clamp bounds d to [0, max].
func clamp(d, max decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	if d.GreaterThan(max) {
		return max
	}
	return d
}
