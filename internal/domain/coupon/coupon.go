package coupon

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// DiscountType enumerates the supported coupon discount strategies.
type DiscountType string

const (
	// DiscountPercentage applies a percentage-based discount to the amount.
	DiscountPercentage DiscountType = "percentage"
	// DiscountFixedAmount applies a fixed monetary discount capped at the amount.
	DiscountFixedAmount DiscountType = "fixed_amount"
	// DiscountFreeShipping waives the delivery fee. The monetary amount is
	// zero; the caller applies the waiver from the discount type.
	DiscountFreeShipping DiscountType = "free_shipping"
	// DiscountAccessUnlock unlocks gated content; no monetary reduction.
	DiscountAccessUnlock DiscountType = "access_unlock"
)

// AppliesTo narrows a coupon to one purchase domain.
type AppliesTo string

const (
	AppliesToAll           AppliesTo = "all"
	AppliesToProducts      AppliesTo = "products"
	AppliesToEvents        AppliesTo = "events"
	AppliesToPremiumAccess AppliesTo = "premium_access"
	AppliesToDelivery      AppliesTo = "delivery"
	AppliesToRideShare     AppliesTo = "ride_share"
)

// Audience narrows a coupon to one caller population.
type Audience string

const (
	AudienceAll       Audience = "all"
	AudienceStudents  Audience = "students"
	AudienceMerchants Audience = "merchants"
	// AudienceSpecificUsers marks coupons distributed to chosen users out of
	// band; the evaluator does not re-check membership.
	AudienceSpecificUsers Audience = "specific_users"
)

// Domain is the kind of purchase a usage context describes.
type Domain string

const (
	DomainProduct Domain = "product"
	DomainEvent   Domain = "event"
	DomainService Domain = "service"
)

// Role is the caller population a usage context belongs to.
type Role string

const (
	RoleStudent  Role = "student"
	RoleMerchant Role = "merchant"
)

// Coupon is a promotional rule definition.
type Coupon struct {
	ID string
	// MerchantID is empty for platform-wide coupons.
	MerchantID string
	// Code is empty for auto-applied coupons that need no code.
	Code      string
	Title     string
	Type      DiscountType
	Value     decimal.Decimal
	AppliesTo AppliesTo
	Audience  Audience
	StartsAt  *time.Time
	EndsAt    *time.Time
	// MaxTotalUses of zero means unlimited.
	MaxTotalUses int
	// MaxUsesPerUser is at least 1.
	MaxUsesPerUser int
	CurrentUses    int
	// MinPurchase of zero means no minimum.
	MinPurchase decimal.Decimal
	Active      bool
	// Public coupons are listed; private ones are still redeemable if known.
	Public    bool
	CreatedAt time.Time
}

// RuleKind tags a restriction rule.
type RuleKind string

const (
	RuleCategory         RuleKind = "category"
	RuleSpecificProducts RuleKind = "specific_products"
	RuleSpecificEvents   RuleKind = "specific_events"
	RuleWilaya           RuleKind = "wilaya"
	RuleMerchant         RuleKind = "merchant"
)

// Rule narrows coupon eligibility on one dimension. Rules of different kinds
// are ANDed; rules of the same kind are ORed within that kind.
type Rule struct {
	ID       string
	CouponID string
	Kind     RuleKind
	// TargetIDs holds category/product/event/merchant ids depending on Kind.
	TargetIDs []string
	// Wilayas holds region codes for RuleWilaya rules.
	Wilayas []int32
}

// Context carries the caller-supplied facts about the transaction being
// evaluated. It is never persisted.
type Context struct {
	Domain     Domain
	TargetID   string
	Amount     decimal.Decimal
	Wilaya     int32
	CategoryID string
	MerchantID string
	// ServiceKind narrows service contexts to one of the service-flavored
	// AppliesTo values (premium_access, delivery, ride_share).
	ServiceKind AppliesTo
	Role        Role
}

// Discount is the successful outcome of an evaluation.
type Discount struct {
	CouponID string
	Title    string
	Type     DiscountType
	Amount   decimal.Decimal
}

// ErrNotOwned is returned by management operations when the coupon does not
// exist or belongs to a different merchant.
var ErrNotOwned = errors.New("coupon not found or not owned")

// ErrHasRedemptions is returned by Delete when usage records reference the
// coupon. The audit trail must survive, so a used coupon can only be
// deactivated.
var ErrHasRedemptions = errors.New("coupon has recorded redemptions")

// Repository defines the management operations for coupon records. Coupons
// are immutable post-creation apart from the active toggle and deletion, and
// every mutation is scoped to the owning merchant.
type Repository interface {
	Create(ctx context.Context, c *Coupon, rules []Rule) error
	Toggle(ctx context.Context, id, merchantID string) (active bool, err error)
	Delete(ctx context.Context, id, merchantID string) error
	ListPublic(ctx context.Context) ([]Coupon, error)
	ListByMerchant(ctx context.Context, merchantID string) ([]Coupon, error)
}
