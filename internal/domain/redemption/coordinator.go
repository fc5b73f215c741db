package redemption

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/aitkaci/souq-coupons/internal/domain/coupon"
)

// Coordinator orchestrates lookup, evaluation, and atomic persistence of
// coupon redemptions.
type Coordinator struct {
	store Store
	now   func() time.Time

	newID func() string
}

// NewCoordinator creates a Coordinator backed by the given Store.
func NewCoordinator(store Store) *Coordinator {
	return &Coordinator{
		store: store,
		now:   time.Now,
		newID: func() string { return uuid.New().String() },
	}
}

// Validate looks up the coupon by code (case-insensitive), loads its rules
// and the user's prior usage count, and delegates to the evaluator. It is
// read-only and safe to call repeatedly; a later Commit re-checks the caps
// authoritatively.
func (c *Coordinator) Validate(ctx context.Context, code string, uc coupon.Context, userID string) (*coupon.Discount, error) {
	cp, err := c.store.FindByCode(ctx, code)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, coupon.Reject(coupon.ReasonNotFound)
		}
		return nil, errors.Wrap(err, "lookup coupon")
	}

	return c.evaluate(ctx, cp, uc, userID)
}

// AutoApply scans active codeless coupons and returns the best applicable
// discount, or (nil, nil) when none applies. Rejections of individual
// candidates are expected and skipped.
func (c *Coordinator) AutoApply(ctx context.Context, uc coupon.Context, userID string) (*coupon.Discount, error) {
	candidates, err := c.store.ListAutoApply(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list auto-apply coupons")
	}

	var best *coupon.Discount
	for i := range candidates {
		d, err := c.evaluate(ctx, &candidates[i], uc, userID)
		if err != nil {
			var rej *coupon.RejectionError
			if errors.As(err, &rej) {
				continue
			}
			return nil, err
		}
		if best == nil || d.Amount.GreaterThan(best.Amount) {
			best = d
		}
	}
	return best, nil
}

func (c *Coordinator) evaluate(ctx context.Context, cp *coupon.Coupon, uc coupon.Context, userID string) (*coupon.Discount, error) {
	rules, err := c.store.RulesFor(ctx, cp.ID)
	if err != nil {
		return nil, errors.Wrap(err, "load rules")
	}

	prior, err := c.store.CountUsages(ctx, cp.ID, userID)
	if err != nil {
		return nil, errors.Wrap(err, "count prior usage")
	}

	return coupon.Evaluate(cp, rules, uc, prior, c.now())
}

// Commit records a redemption. The store's CommitUsage re-checks the caps
// under a lock, so two checkouts racing for the last remaining use cannot
// both succeed; the loser receives a typed rejection. When the request
// carries an order id, an identical earlier commit is replayed instead of
// counted twice.
func (c *Coordinator) Commit(ctx context.Context, req CommitRequest) (*CommitResult, error) {
	if req.OrderID != "" {
		prev, err := c.store.FindUsageByOrder(ctx, req.CouponID, req.UserID, req.OrderID)
		if err != nil {
			return nil, errors.Wrap(err, "check prior commit")
		}
		if prev != nil {
			return &CommitResult{UsageID: prev.ID, Amount: prev.Amount, Replayed: true}, nil
		}
	}

	u := &Usage{
		ID:       c.newID(),
		CouponID: req.CouponID,
		UserID:   req.UserID,
		Domain:   req.Context.Domain,
		TargetID: req.Context.TargetID,
		OrderID:  req.OrderID,
		Amount:   req.Amount,
		UsedAt:   c.now(),
	}

	err := c.store.CommitUsage(ctx, u)
	if err == nil {
		return &CommitResult{UsageID: u.ID, Amount: u.Amount}, nil
	}

	// A racing duplicate commit for the same order key: return its result.
	if errors.Is(err, ErrDuplicateOrder) && req.OrderID != "" {
		prev, ferr := c.store.FindUsageByOrder(ctx, req.CouponID, req.UserID, req.OrderID)
		if ferr != nil {
			return nil, errors.Wrap(ferr, "resolve duplicate commit")
		}
		if prev != nil {
			return &CommitResult{UsageID: prev.ID, Amount: prev.Amount, Replayed: true}, nil
		}
	}

	// The coupon vanished between evaluation and commit.
	if errors.Is(err, ErrNotFound) {
		return nil, coupon.Reject(coupon.ReasonNotFound)
	}

	var rej *coupon.RejectionError
	if errors.As(err, &rej) {
		return nil, rej
	}
	return nil, errors.Wrap(err, "commit usage")
}

// Redeem looks up the coupon, resolves an order-key replay, and otherwise
// evaluates and commits in one call. The replay check must run before the
// evaluation: a successful commit consumes the user's allowance, so a retry
// with the same order id would trip the cap checks at validate time and
// never reach Commit's own replay path.
func (c *Coordinator) Redeem(ctx context.Context, code string, uc coupon.Context, userID, orderID string) (*coupon.Discount, *CommitResult, error) {
	cp, err := c.store.FindByCode(ctx, code)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil, coupon.Reject(coupon.ReasonNotFound)
		}
		return nil, nil, errors.Wrap(err, "lookup coupon")
	}

	if orderID != "" {
		prev, err := c.store.FindUsageByOrder(ctx, cp.ID, userID, orderID)
		if err != nil {
			return nil, nil, errors.Wrap(err, "check prior commit")
		}
		if prev != nil {
			d := &coupon.Discount{CouponID: cp.ID, Title: cp.Title, Type: cp.Type, Amount: prev.Amount}
			return d, &CommitResult{UsageID: prev.ID, Amount: prev.Amount, Replayed: true}, nil
		}
	}

	d, err := c.evaluate(ctx, cp, uc, userID)
	if err != nil {
		return nil, nil, err
	}

	result, err := c.Commit(ctx, CommitRequest{
		CouponID: cp.ID,
		UserID:   userID,
		Context:  uc,
		Amount:   d.Amount,
		OrderID:  orderID,
	})
	if err != nil {
		return nil, nil, err
	}
	return d, result, nil
}
