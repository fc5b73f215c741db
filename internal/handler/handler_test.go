package handler

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aitkaci/souq-coupons/internal/domain/auth"
	"github.com/aitkaci/souq-coupons/internal/domain/catalog"
	"github.com/aitkaci/souq-coupons/internal/domain/coupon"
	"github.com/aitkaci/souq-coupons/internal/domain/redemption"
	"github.com/aitkaci/souq-coupons/internal/domain/wallet"
)

type fakeStore struct {
	mu      sync.Mutex
	coupons map[string]*coupon.Coupon
	rules   map[string][]coupon.Rule
	usages  []redemption.Usage
}

func newFakeStore(coupons ...*coupon.Coupon) *fakeStore {
	s := &fakeStore{
		coupons: make(map[string]*coupon.Coupon),
		rules:   make(map[string][]coupon.Rule),
	}
	for _, c := range coupons {
		s.coupons[c.ID] = c
	}
	return s
}

func (s *fakeStore) FindByCode(_ context.Context, code string) (*coupon.Coupon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.coupons {
		if c.Code != "" && strings.EqualFold(c.Code, code) {
			cp := *c
			return &cp, nil
		}
	}
	return nil, redemption.ErrNotFound
}

func (s *fakeStore) ListAutoApply(_ context.Context) ([]coupon.Coupon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []coupon.Coupon
	for _, c := range s.coupons {
		if c.Code == "" && c.Active {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (s *fakeStore) RulesFor(_ context.Context, couponID string) ([]coupon.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rules[couponID], nil
}

func (s *fakeStore) CountUsages(_ context.Context, couponID, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countLocked(couponID, userID), nil
}

func (s *fakeStore) countLocked(couponID, userID string) int {
	n := 0
	for _, u := range s.usages {
		if u.CouponID == couponID && u.UserID == userID {
			n++
		}
	}
	return n
}

func (s *fakeStore) FindUsageByOrder(_ context.Context, couponID, userID, orderID string) (*redemption.Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.usages {
		if u.CouponID == couponID && u.UserID == userID && u.OrderID == orderID {
			uu := u
			return &uu, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) CommitUsage(_ context.Context, u *redemption.Usage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.coupons[u.CouponID]
	if !ok {
		return redemption.ErrNotFound
	}
	if u.OrderID != "" {
		for _, prev := range s.usages {
			if prev.CouponID == u.CouponID && prev.UserID == u.UserID && prev.OrderID == u.OrderID {
				return redemption.ErrDuplicateOrder
			}
		}
	}
	if c.MaxTotalUses > 0 && c.CurrentUses >= c.MaxTotalUses {
		return coupon.Reject(coupon.ReasonUsageLimitReached)
	}
	if s.countLocked(u.CouponID, u.UserID) >= c.MaxUsesPerUser {
		return coupon.Reject(coupon.ReasonPerUserLimitReached)
	}
	s.usages = append(s.usages, *u)
	c.CurrentUses++
	return nil
}

type fakeCouponRepo struct {
	mu       sync.Mutex
	coupons  map[string]*coupon.Coupon
	rules    map[string][]coupon.Rule
	redeemed map[string]bool
}

func newFakeCouponRepo() *fakeCouponRepo {
	return &fakeCouponRepo{
		coupons:  make(map[string]*coupon.Coupon),
		rules:    make(map[string][]coupon.Rule),
		redeemed: make(map[string]bool),
	}
}

func (r *fakeCouponRepo) Create(_ context.Context, c *coupon.Coupon, rules []coupon.Rule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *c
	r.coupons[c.ID] = &cp
	r.rules[c.ID] = rules
	return nil
}

func (r *fakeCouponRepo) Toggle(_ context.Context, id, merchantID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.coupons[id]
	if !ok || c.MerchantID != merchantID {
		return false, coupon.ErrNotOwned
	}
	c.Active = !c.Active
	return c.Active, nil
}

func (r *fakeCouponRepo) Delete(_ context.Context, id, merchantID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.coupons[id]
	if !ok || c.MerchantID != merchantID {
		return coupon.ErrNotOwned
	}
	if r.redeemed[id] {
		return coupon.ErrHasRedemptions
	}
	delete(r.coupons, id)
	return nil
}

func (r *fakeCouponRepo) ListPublic(_ context.Context) ([]coupon.Coupon, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []coupon.Coupon
	for _, c := range r.coupons {
		if c.Public && c.Active {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (r *fakeCouponRepo) ListByMerchant(_ context.Context, merchantID string) ([]coupon.Coupon, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []coupon.Coupon
	for _, c := range r.coupons {
		if c.MerchantID == merchantID {
			out = append(out, *c)
		}
	}
	return out, nil
}

type fakeCatalog struct {
	listings map[string]*catalog.Listing
}

func (c *fakeCatalog) GetByID(_ context.Context, id string) (*catalog.Listing, error) {
	l, ok := c.listings[id]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return l, nil
}

type fakeWallet struct {
	mu      sync.Mutex
	known   map[string]coupon.Coupon
	entries []wallet.Entry
}

func (w *fakeWallet) Save(_ context.Context, userID, couponID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	c, ok := w.known[couponID]
	if !ok {
		return wallet.ErrUnknownCoupon
	}
	for _, e := range w.entries {
		if e.UserID == userID && e.Coupon.ID == couponID {
			return nil
		}
	}
	w.entries = append(w.entries, wallet.Entry{UserID: userID, Coupon: c, SavedAt: time.Now()})
	return nil
}

func (w *fakeWallet) ListByUser(_ context.Context, userID string) ([]wallet.Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []wallet.Entry
	for _, e := range w.entries {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out, nil
}

type fakeKeys struct {
	byHash map[string]*auth.Identity
}

func (k *fakeKeys) FindByHash(_ context.Context, hash string) (*auth.Identity, error) {
	id, ok := k.byHash[hash]
	if !ok {
		return nil, errors.New("api key not found")
	}
	return id, nil
}

var testPepper = []byte("test-pepper")

func keyHash(key string) string {
	mac := hmac.New(sha256.New, testPepper)
	mac.Write([]byte(key))
	return hex.EncodeToString(mac.Sum(nil))
}

type fixture struct {
	handler http.Handler
	store   *fakeStore
	coupons *fakeCouponRepo
	wallet  *fakeWallet
}

func newFixture(t *testing.T, coupons ...*coupon.Coupon) *fixture {
	t.Helper()

	store := newFakeStore(coupons...)
	repo := newFakeCouponRepo()
	known := make(map[string]coupon.Coupon)
	for _, c := range coupons {
		known[c.ID] = *c
	}
	w := &fakeWallet{known: known}
	cat := &fakeCatalog{listings: map[string]*catalog.Listing{
		"listing-1": {
			ID:         "listing-1",
			Kind:       coupon.DomainProduct,
			Title:      "Clavier mécanique",
			Price:      decimal.NewFromInt(4500),
			CategoryID: "electronics",
			Wilaya:     16,
			MerchantID: "merchant-1",
		},
	}}
	keys := &fakeKeys{byHash: map[string]*auth.Identity{
		keyHash("student-key"): {
			KeyHash: keyHash("student-key"),
			UserID:  "user-1",
			Role:    coupon.RoleStudent,
		},
		keyHash("merchant-key"): {
			KeyHash: keyHash("merchant-key"),
			UserID:  "merchant-1",
			Role:    coupon.RoleMerchant,
		},
	}}

	h := NewHandler(redemption.NewCoordinator(store), repo, cat, w, nil)
	mux := http.NewServeMux()
	h.Routes(mux)

	return &fixture{
		handler: SecurityMiddleware(keys, testPepper)(mux),
		store:   store,
		coupons: repo,
		wallet:  w,
	}
}

func (f *fixture) do(t *testing.T, method, path, apiKey string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if apiKey != "" {
		req.Header.Set("api_key", apiKey)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func percentCoupon() *coupon.Coupon {
	ends := time.Now().Add(24 * time.Hour)
	return &coupon.Coupon{
		ID:             "c-percent",
		Code:           "ETUD20",
		Title:          "Rentrée -20%",
		Type:           coupon.DiscountPercentage,
		Value:          decimal.NewFromInt(20),
		AppliesTo:      coupon.AppliesToAll,
		Audience:       coupon.AudienceAll,
		EndsAt:         &ends,
		MaxUsesPerUser: 1,
		Active:         true,
		Public:         true,
	}
}

func TestValidateEndpoint(t *testing.T) {
	t.Parallel()

	expired := percentCoupon()
	expired.ID = "c-expired"
	expired.Code = "VIEUX"
	past := time.Now().Add(-time.Hour)
	expired.EndsAt = &past

	f := newFixture(t, percentCoupon(), expired)

	tests := []struct {
		name       string
		body       map[string]any
		wantStatus int
		wantReason string
	}{
		{
			name:       "applicable code",
			body:       map[string]any{"code": "ETUD20", "domain": "product", "amount": 1000},
			wantStatus: http.StatusOK,
		},
		{
			name:       "case insensitive lookup",
			body:       map[string]any{"code": "etud20", "domain": "product", "amount": 1000},
			wantStatus: http.StatusOK,
		},
		{
			name:       "unknown code",
			body:       map[string]any{"code": "NOPE", "domain": "product", "amount": 1000},
			wantStatus: http.StatusNotFound,
			wantReason: "NOT_FOUND",
		},
		{
			name:       "expired code",
			body:       map[string]any{"code": "VIEUX", "domain": "product", "amount": 1000},
			wantStatus: http.StatusUnprocessableEntity,
			wantReason: "EXPIRED",
		},
		{
			name:       "missing code",
			body:       map[string]any{"domain": "product", "amount": 1000},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "invalid domain",
			body:       map[string]any{"code": "ETUD20", "domain": "vehicle", "amount": 1000},
			wantStatus: http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/coupons/validate", "student-key", tt.body)
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if tt.wantReason != "" {
				resp := decodeJSON(t, rec)
				assert.Equal(t, tt.wantReason, resp["reason"])
				assert.NotEmpty(t, resp["message"])
			}
		})
	}
}

func TestValidateResolvesAmountFromListing(t *testing.T) {
	t.Parallel()

	f := newFixture(t, percentCoupon())

	rec := f.do(t, http.MethodPost, "/api/coupons/validate", "student-key", map[string]any{
		"code":      "ETUD20",
		"target_id": "listing-1",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decodeJSON(t, rec)
	assert.Equal(t, "c-percent", resp["coupon_id"])
	// 20% of the listing price of 4500.
	assert.InDelta(t, 900.0, resp["discount_amount"], 0.001)
}

func TestAutoApplyEndpoint(t *testing.T) {
	t.Parallel()

	small := percentCoupon()
	small.ID = "c-small"
	small.Code = ""
	small.Value = decimal.NewFromInt(5)

	big := percentCoupon()
	big.ID = "c-big"
	big.Code = ""
	big.Value = decimal.NewFromInt(15)

	f := newFixture(t, small, big)

	rec := f.do(t, http.MethodPost, "/api/coupons/auto-apply", "student-key", map[string]any{
		"domain": "product", "amount": 1000,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decodeJSON(t, rec)
	assert.Equal(t, "c-big", resp["coupon_id"])
	assert.InDelta(t, 150.0, resp["discount_amount"], 0.001)
}

func TestAutoApplyNoCandidates(t *testing.T) {
	t.Parallel()

	f := newFixture(t, percentCoupon())

	rec := f.do(t, http.MethodPost, "/api/coupons/auto-apply", "student-key", map[string]any{
		"domain": "product", "amount": 1000,
	})
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRedeemEndpoint(t *testing.T) {
	t.Parallel()

	f := newFixture(t, percentCoupon())

	body := map[string]any{
		"code": "ETUD20", "domain": "product", "amount": 1000, "order_id": "order-1",
	}

	rec := f.do(t, http.MethodPost, "/api/coupons/redeem", "student-key", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	first := decodeJSON(t, rec)
	assert.Equal(t, false, first["replayed"])
	assert.NotEmpty(t, first["usage_id"])
	assert.InDelta(t, 200.0, first["discount_amount"], 0.001)

	// Same order id again: replays the original usage without double-counting.
	rec = f.do(t, http.MethodPost, "/api/coupons/redeem", "student-key", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	second := decodeJSON(t, rec)
	assert.Equal(t, true, second["replayed"])
	assert.Equal(t, first["usage_id"], second["usage_id"])
	assert.Equal(t, 1, f.store.coupons["c-percent"].CurrentUses)

	// A fresh order after the allowance is spent is a genuine rejection.
	body["order_id"] = "order-2"
	rec = f.do(t, http.MethodPost, "/api/coupons/redeem", "student-key", body)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	assert.Equal(t, "PER_USER_LIMIT_REACHED", decodeJSON(t, rec)["reason"])
}

func TestRedeemRequiresOrderID(t *testing.T) {
	t.Parallel()

	f := newFixture(t, percentCoupon())

	rec := f.do(t, http.MethodPost, "/api/coupons/redeem", "student-key", map[string]any{
		"code": "ETUD20", "domain": "product", "amount": 1000,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateCoupon(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	body := map[string]any{
		"code":           "SOLDE10",
		"title":          "Soldes -10%",
		"discount_type":  "percentage",
		"discount_value": 10,
		"rules": []map[string]any{
			{"kind": "wilaya", "wilayas": []int{16, 31}},
		},
	}

	rec := f.do(t, http.MethodPost, "/api/coupons", "merchant-key", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	resp := decodeJSON(t, rec)
	id, _ := resp["id"].(string)
	require.NotEmpty(t, id)

	created := f.coupons.coupons[id]
	require.NotNil(t, created)
	assert.Equal(t, "merchant-1", created.MerchantID)
	assert.True(t, created.Active)
	assert.Equal(t, 1, created.MaxUsesPerUser)

	rules := f.coupons.rules[id]
	require.Len(t, rules, 1)
	assert.Equal(t, coupon.RuleWilaya, rules[0].Kind)
	assert.Equal(t, []int32{16, 31}, rules[0].Wilayas)
}

func TestCreateCouponValidation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	tests := []struct {
		name string
		body map[string]any
	}{
		{
			name: "missing title",
			body: map[string]any{"discount_type": "percentage", "discount_value": 10},
		},
		{
			name: "unknown discount type",
			body: map[string]any{"title": "x", "discount_type": "cashback", "discount_value": 10},
		},
		{
			name: "percentage out of range",
			body: map[string]any{"title": "x", "discount_type": "percentage", "discount_value": 150},
		},
		{
			name: "inverted window",
			body: map[string]any{
				"title": "x", "discount_type": "percentage", "discount_value": 10,
				"starts_at": "2026-09-01T00:00:00Z", "ends_at": "2026-08-01T00:00:00Z",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/coupons", "merchant-key", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestCreateCouponRequiresMerchant(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/coupons", "student-key", map[string]any{
		"title": "x", "discount_type": "percentage", "discount_value": 10,
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestToggleAndDeleteOwnership(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	c := percentCoupon()
	c.MerchantID = "someone-else"
	require.NoError(t, f.coupons.Create(context.Background(), c, nil))

	rec := f.do(t, http.MethodPost, "/api/coupons/"+c.ID+"/toggle", "merchant-key", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodDelete, "/api/coupons/"+c.ID, "merchant-key", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// The owner can toggle and delete.
	mine := percentCoupon()
	mine.ID = "c-mine"
	mine.MerchantID = "merchant-1"
	require.NoError(t, f.coupons.Create(context.Background(), mine, nil))

	rec = f.do(t, http.MethodPost, "/api/coupons/c-mine/toggle", "merchant-key", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeJSON(t, rec)["is_active"])

	rec = f.do(t, http.MethodDelete, "/api/coupons/c-mine", "merchant-key", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestDeleteRedeemedCouponConflicts(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	c := percentCoupon()
	c.MerchantID = "merchant-1"
	require.NoError(t, f.coupons.Create(context.Background(), c, nil))
	f.coupons.redeemed[c.ID] = true

	rec := f.do(t, http.MethodDelete, "/api/coupons/"+c.ID, "merchant-key", nil)
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	resp := decodeJSON(t, rec)
	assert.Equal(t, "COUPON_IN_USE", resp["reason"])
	assert.NotEmpty(t, resp["message"])
	assert.NotNil(t, f.coupons.coupons[c.ID], "coupon must survive the attempt")
}

func TestWalletEndpoints(t *testing.T) {
	t.Parallel()

	f := newFixture(t, percentCoupon())

	rec := f.do(t, http.MethodPut, "/api/wallet/unknown-coupon", "student-key", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPut, "/api/wallet/c-percent", "student-key", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/wallet", "student-key", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var entries []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	cp, _ := entries[0]["coupon"].(map[string]any)
	require.NotNil(t, cp)
	assert.Equal(t, "c-percent", cp["id"])
}

func TestSecurityMiddleware(t *testing.T) {
	t.Parallel()

	f := newFixture(t, percentCoupon())

	rec := f.do(t, http.MethodGet, "/api/coupons", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/coupons", "wrong-key", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/coupons", "student-key", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
