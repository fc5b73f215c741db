package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/aitkaci/souq-coupons/internal/domain/catalog"
	"github.com/aitkaci/souq-coupons/internal/domain/coupon"
)

// usageRequest is the wire form of a usage context, shared by the validate,
// auto-apply, and redeem endpoints.
type usageRequest struct {
	Code        string
	OrderID     string
	Domain      string
	TargetID    string
	Amount      decimal.Decimal
	HasAmount   bool
	Wilaya      int32
	CategoryID  string
	MerchantID  string
	ServiceKind string
}

func decodeUsageRequest(body []byte) (*usageRequest, error) {
	var req usageRequest
	d := jx.DecodeBytes(body)
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "code":
			req.Code, err = d.Str()
		case "order_id":
			req.OrderID, err = d.Str()
		case "domain":
			req.Domain, err = d.Str()
		case "target_id":
			req.TargetID, err = d.Str()
		case "amount":
			var f float64
			f, err = d.Float64()
			req.Amount = decimal.NewFromFloat(f)
			req.HasAmount = true
		case "wilaya":
			req.Wilaya, err = d.Int32()
		case "category_id":
			req.CategoryID, err = d.Str()
		case "merchant_id":
			req.MerchantID, err = d.Str()
		case "service_kind":
			req.ServiceKind, err = d.Str()
		default:
			return d.Skip()
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &req, nil
}

// resolveContext builds the evaluator's usage context. When the request
// carries no amount, the target listing supplies the price at display time
// (offer-wallet previews); listing facts also backfill missing dimensions.
func (h *Handler) resolveContext(ctx context.Context, req *usageRequest, role coupon.Role) (coupon.Context, error) {
	uc := coupon.Context{
		Domain:      coupon.Domain(req.Domain),
		TargetID:    req.TargetID,
		Amount:      req.Amount,
		Wilaya:      req.Wilaya,
		CategoryID:  req.CategoryID,
		MerchantID:  req.MerchantID,
		ServiceKind: coupon.AppliesTo(req.ServiceKind),
		Role:        role,
	}

	if !req.HasAmount && req.TargetID != "" {
		listing, err := h.catalog.GetByID(ctx, req.TargetID)
		if err != nil {
			return uc, err
		}
		uc.Amount = listing.Price
		if uc.Domain == "" {
			uc.Domain = listing.Kind
		}
		if uc.CategoryID == "" {
			uc.CategoryID = listing.CategoryID
		}
		if uc.Wilaya == 0 {
			uc.Wilaya = listing.Wilaya
		}
		if uc.MerchantID == "" {
			uc.MerchantID = listing.MerchantID
		}
	}
	return uc, nil
}

func validDomain(d coupon.Domain) bool {
	switch d {
	case coupon.DomainProduct, coupon.DomainEvent, coupon.DomainService:
		return true
	}
	return false
}

func (h *Handler) handleValidate(w http.ResponseWriter, r *http.Request) {
	identity := IdentityFromContext(r.Context())

	body, err := readBody(r)
	if err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	req, err := decodeUsageRequest(body)
	if err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	if req.Code == "" {
		writeBadRequest(w, "code is required")
		return
	}

	uc, err := h.resolveContext(r.Context(), req, identity.Role)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			writeBadRequest(w, "unknown target")
			return
		}
		h.writeDomainError(w, r, err)
		return
	}
	if !validDomain(uc.Domain) {
		writeBadRequest(w, "domain must be product, event, or service")
		return
	}

	discount, err := h.coordinator.Validate(r.Context(), req.Code, uc, identity.UserID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.metrics.recordValidation(r.Context())

	e := &jx.Encoder{}
	encodeDiscount(e, discount)
	writeJSON(w, http.StatusOK, e)
}

func (h *Handler) handleAutoApply(w http.ResponseWriter, r *http.Request) {
	identity := IdentityFromContext(r.Context())

	body, err := readBody(r)
	if err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	req, err := decodeUsageRequest(body)
	if err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}

	uc, err := h.resolveContext(r.Context(), req, identity.Role)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			writeBadRequest(w, "unknown target")
			return
		}
		h.writeDomainError(w, r, err)
		return
	}
	if !validDomain(uc.Domain) {
		writeBadRequest(w, "domain must be product, event, or service")
		return
	}

	discount, err := h.coordinator.AutoApply(r.Context(), uc, identity.UserID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if discount == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	e := &jx.Encoder{}
	encodeDiscount(e, discount)
	writeJSON(w, http.StatusOK, e)
}

// handleRedeem is called by the checkout flow after the order is durably
// created: it re-validates the code and commits the redemption atomically.
// Retries with the same order id replay the original result.
func (h *Handler) handleRedeem(w http.ResponseWriter, r *http.Request) {
	identity := IdentityFromContext(r.Context())

	body, err := readBody(r)
	if err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	req, err := decodeUsageRequest(body)
	if err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	if req.Code == "" {
		writeBadRequest(w, "code is required")
		return
	}
	if req.OrderID == "" {
		writeBadRequest(w, "order_id is required")
		return
	}

	uc, err := h.resolveContext(r.Context(), req, identity.Role)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			writeBadRequest(w, "unknown target")
			return
		}
		h.writeDomainError(w, r, err)
		return
	}
	if !validDomain(uc.Domain) {
		writeBadRequest(w, "domain must be product, event, or service")
		return
	}

	discount, result, err := h.coordinator.Redeem(r.Context(), req.Code, uc, identity.UserID, req.OrderID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.metrics.recordRedemption(r.Context(), result.Replayed)

	e := &jx.Encoder{}
	e.ObjStart()
	e.FieldStart("usage_id")
	e.Str(result.UsageID)
	e.FieldStart("coupon_id")
	e.Str(discount.CouponID)
	e.FieldStart("discount_type")
	e.Str(string(discount.Type))
	e.FieldStart("discount_amount")
	e.Float64(result.Amount.InexactFloat64())
	e.FieldStart("replayed")
	e.Bool(result.Replayed)
	e.ObjEnd()
	writeJSON(w, http.StatusOK, e)
}

func (h *Handler) handleListCoupons(w http.ResponseWriter, r *http.Request) {
	identity := IdentityFromContext(r.Context())

	var (
		coupons []coupon.Coupon
		err     error
	)
	if r.URL.Query().Get("mine") != "" && identity.Role == coupon.RoleMerchant {
		coupons, err = h.coupons.ListByMerchant(r.Context(), identity.UserID)
	} else {
		coupons, err = h.coupons.ListPublic(r.Context())
	}
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	e := &jx.Encoder{}
	e.ArrStart()
	for i := range coupons {
		encodeCoupon(e, &coupons[i])
	}
	e.ArrEnd()
	writeJSON(w, http.StatusOK, e)
}

// createCouponRequest is the wire form of a new coupon definition.
type createCouponRequest struct {
	Code           string
	Title          string
	DiscountType   string
	DiscountValue  decimal.Decimal
	AppliesTo      string
	Audience       string
	StartsAt       *time.Time
	EndsAt         *time.Time
	MaxTotalUses   int
	MaxUsesPerUser int
	MinPurchase    decimal.Decimal
	Public         bool
	hasPublic      bool
	Rules          []coupon.Rule
}

func decodeCreateCoupon(body []byte) (*createCouponRequest, error) {
	req := createCouponRequest{MaxUsesPerUser: 1}
	d := jx.DecodeBytes(body)
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "code":
			req.Code, err = d.Str()
		case "title":
			req.Title, err = d.Str()
		case "discount_type":
			req.DiscountType, err = d.Str()
		case "discount_value":
			var f float64
			f, err = d.Float64()
			req.DiscountValue = decimal.NewFromFloat(f)
		case "applies_to":
			req.AppliesTo, err = d.Str()
		case "audience":
			req.Audience, err = d.Str()
		case "starts_at":
			req.StartsAt, err = decodeTime(d)
		case "ends_at":
			req.EndsAt, err = decodeTime(d)
		case "max_total_uses":
			req.MaxTotalUses, err = d.Int()
		case "max_uses_per_user":
			req.MaxUsesPerUser, err = d.Int()
		case "min_purchase":
			var f float64
			f, err = d.Float64()
			req.MinPurchase = decimal.NewFromFloat(f)
		case "is_public":
			req.Public, err = d.Bool()
			req.hasPublic = true
		case "rules":
			return d.Arr(func(d *jx.Decoder) error {
				rule, err := decodeRule(d)
				if err != nil {
					return err
				}
				req.Rules = append(req.Rules, rule)
				return nil
			})
		default:
			return d.Skip()
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &req, nil
}

func decodeTime(d *jx.Decoder) (*time.Time, error) {
	s, err := d.Str()
	if err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func decodeRule(d *jx.Decoder) (coupon.Rule, error) {
	var rule coupon.Rule
	err := d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "kind":
			s, err := d.Str()
			rule.Kind = coupon.RuleKind(s)
			return err
		case "target_ids":
			return d.Arr(func(d *jx.Decoder) error {
				s, err := d.Str()
				rule.TargetIDs = append(rule.TargetIDs, s)
				return err
			})
		case "wilayas":
			return d.Arr(func(d *jx.Decoder) error {
				n, err := d.Int32()
				rule.Wilayas = append(rule.Wilayas, n)
				return err
			})
		default:
			return d.Skip()
		}
	})
	return rule, err
}

func validDiscountType(t coupon.DiscountType) bool {
	switch t {
	case coupon.DiscountPercentage, coupon.DiscountFixedAmount,
		coupon.DiscountFreeShipping, coupon.DiscountAccessUnlock:
		return true
	}
	return false
}

func validRuleKind(k coupon.RuleKind) bool {
	switch k {
	case coupon.RuleCategory, coupon.RuleSpecificProducts,
		coupon.RuleSpecificEvents, coupon.RuleWilaya, coupon.RuleMerchant:
		return true
	}
	return false
}

func (h *Handler) handleCreateCoupon(w http.ResponseWriter, r *http.Request) {
	identity := IdentityFromContext(r.Context())
	if identity.Role != coupon.RoleMerchant {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	body, err := readBody(r)
	if err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	req, err := decodeCreateCoupon(body)
	if err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}

	if msg := validateCreateCoupon(req); msg != "" {
		writeBadRequest(w, msg)
		return
	}

	c := &coupon.Coupon{
		ID:             uuid.New().String(),
		MerchantID:     identity.UserID,
		Code:           req.Code,
		Title:          req.Title,
		Type:           coupon.DiscountType(req.DiscountType),
		Value:          req.DiscountValue,
		AppliesTo:      coupon.AppliesTo(req.AppliesTo),
		Audience:       coupon.Audience(req.Audience),
		StartsAt:       req.StartsAt,
		EndsAt:         req.EndsAt,
		MaxTotalUses:   req.MaxTotalUses,
		MaxUsesPerUser: req.MaxUsesPerUser,
		MinPurchase:    req.MinPurchase,
		Active:         true,
		Public:         !req.hasPublic || req.Public,
	}
	if c.AppliesTo == "" {
		c.AppliesTo = coupon.AppliesToAll
	}
	if c.Audience == "" {
		c.Audience = coupon.AudienceAll
	}

	rules := make([]coupon.Rule, len(req.Rules))
	for i, rule := range req.Rules {
		rule.ID = uuid.New().String()
		rule.CouponID = c.ID
		rules[i] = rule
	}

	if err := h.coupons.Create(r.Context(), c, rules); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	e := &jx.Encoder{}
	encodeCoupon(e, c)
	writeJSON(w, http.StatusCreated, e)
}

func validateCreateCoupon(req *createCouponRequest) string {
	if req.Title == "" {
		return "title is required"
	}
	dt := coupon.DiscountType(req.DiscountType)
	if !validDiscountType(dt) {
		return "unknown discount_type"
	}
	if dt == coupon.DiscountPercentage &&
		(req.DiscountValue.IsNegative() || req.DiscountValue.GreaterThan(decimal.NewFromInt(100))) {
		return "percentage value must be between 0 and 100"
	}
	if req.StartsAt != nil && req.EndsAt != nil && !req.EndsAt.After(*req.StartsAt) {
		return "ends_at must be after starts_at"
	}
	if req.MaxUsesPerUser < 1 {
		return "max_uses_per_user must be at least 1"
	}
	if req.MaxTotalUses < 0 {
		return "max_total_uses must not be negative"
	}
	for _, rule := range req.Rules {
		if !validRuleKind(rule.Kind) {
			return "unknown rule kind"
		}
	}
	return ""
}

func (h *Handler) handleToggleCoupon(w http.ResponseWriter, r *http.Request) {
	identity := IdentityFromContext(r.Context())
	if identity.Role != coupon.RoleMerchant {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	active, err := h.coupons.Toggle(r.Context(), r.PathValue("id"), identity.UserID)
	if err != nil {
		if errors.Is(err, coupon.ErrNotOwned) {
			http.Error(w, "Not Found", http.StatusNotFound)
			return
		}
		h.writeDomainError(w, r, err)
		return
	}

	e := &jx.Encoder{}
	e.ObjStart()
	e.FieldStart("is_active")
	e.Bool(active)
	e.ObjEnd()
	writeJSON(w, http.StatusOK, e)
}

func (h *Handler) handleDeleteCoupon(w http.ResponseWriter, r *http.Request) {
	identity := IdentityFromContext(r.Context())
	if identity.Role != coupon.RoleMerchant {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	err := h.coupons.Delete(r.Context(), r.PathValue("id"), identity.UserID)
	if err != nil {
		if errors.Is(err, coupon.ErrNotOwned) {
			http.Error(w, "Not Found", http.StatusNotFound)
			return
		}
		if errors.Is(err, coupon.ErrHasRedemptions) {
			writeReason(w, http.StatusConflict, "COUPON_IN_USE",
				"Ce coupon a déjà été utilisé, désactivez-le plutôt")
			return
		}
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func encodeCoupon(e *jx.Encoder, c *coupon.Coupon) {
	e.ObjStart()
	e.FieldStart("id")
	e.Str(c.ID)
	e.FieldStart("code")
	if c.Code == "" {
		e.Null()
	} else {
		e.Str(c.Code)
	}
	e.FieldStart("title")
	e.Str(c.Title)
	e.FieldStart("discount_type")
	e.Str(string(c.Type))
	e.FieldStart("discount_value")
	e.Float64(c.Value.InexactFloat64())
	e.FieldStart("applies_to")
	e.Str(string(c.AppliesTo))
	e.FieldStart("audience")
	e.Str(string(c.Audience))
	e.FieldStart("starts_at")
	encodeTime(e, c.StartsAt)
	e.FieldStart("ends_at")
	encodeTime(e, c.EndsAt)
	e.FieldStart("max_total_uses")
	e.Int(c.MaxTotalUses)
	e.FieldStart("max_uses_per_user")
	e.Int(c.MaxUsesPerUser)
	e.FieldStart("current_uses")
	e.Int(c.CurrentUses)
	e.FieldStart("min_purchase")
	e.Float64(c.MinPurchase.InexactFloat64())
	e.FieldStart("is_active")
	e.Bool(c.Active)
	e.FieldStart("is_public")
	e.Bool(c.Public)
	e.ObjEnd()
}

func encodeTime(e *jx.Encoder, t *time.Time) {
	if t == nil {
		e.Null()
		return
	}
	e.Str(t.Format(time.RFC3339))
}
