// Command seed-db loads demo listings, coupons, and API keys into the
// database so the API can be exercised locally right after a fresh start.
package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/aitkaci/souq-coupons/internal/domain/coupon"
	"github.com/aitkaci/souq-coupons/internal/storage/postgres"
)

type listingJSON struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Title      string          `json:"title"`
	Price      decimal.Decimal `json:"price"`
	CategoryID string          `json:"category_id"`
	Wilaya     int32           `json:"wilaya"`
	MerchantID string          `json:"merchant_id"`
}

func main() {
	var (
		databaseURL  string
		listingsFile string
		studentKey   string
		merchantKey  string
		pepper       string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&listingsFile, "listings-file", "db/seed/listings.json", "path to listings JSON file")
	flag.StringVar(&studentKey, "student-key", "", "student API key to seed (or SOUQ_SEED_STUDENT_KEY env)")
	flag.StringVar(&merchantKey, "merchant-key", "", "merchant API key to seed (or SOUQ_SEED_MERCHANT_KEY env)")
	flag.StringVar(&pepper, "api-key-pepper", "", "HMAC pepper for API key hashing (or SOUQ_API_KEY_PEPPER env)")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	if studentKey == "" {
		studentKey = os.Getenv("SOUQ_SEED_STUDENT_KEY")
	}
	if merchantKey == "" {
		merchantKey = os.Getenv("SOUQ_SEED_MERCHANT_KEY")
	}
	if studentKey == "" || merchantKey == "" {
		slog.Error("API keys are required: set --student-key/--merchant-key or the SOUQ_SEED_*_KEY envs")
		os.Exit(1)
	}
	if pepper == "" {
		pepper = os.Getenv("SOUQ_API_KEY_PEPPER")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, listingsFile, studentKey, merchantKey, pepper); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL, listingsFile, studentKey, merchantKey, pepper string) error {
	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	if err := seedListings(ctx, pool, listingsFile); err != nil {
		return errors.Wrap(err, "seed listings")
	}
	if err := seedCoupons(ctx, pool); err != nil {
		return errors.Wrap(err, "seed coupons")
	}
	if err := seedAPIKeys(ctx, pool, studentKey, merchantKey, pepper); err != nil {
		return errors.Wrap(err, "seed api keys")
	}
	return nil
}

const upsertListingSQL = `INSERT INTO listings (id, kind, title, price, category_id, wilaya, merchant_id)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (id) DO UPDATE SET
		kind = EXCLUDED.kind, title = EXCLUDED.title, price = EXCLUDED.price,
		category_id = EXCLUDED.category_id, wilaya = EXCLUDED.wilaya,
		merchant_id = EXCLUDED.merchant_id`

func seedListings(ctx context.Context, pool *pgxpool.Pool, path string) error {
	slog.Info("reading listings file", slog.String("path", path))

	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read listings file")
	}

	var listings []listingJSON
	if err := json.Unmarshal(data, &listings); err != nil {
		return errors.Wrap(err, "parse listings JSON")
	}

	slog.Info("upserting listings", slog.Int("count", len(listings)))

	for _, l := range listings {
		_, err := pool.Exec(ctx, upsertListingSQL,
			l.ID, l.Kind, l.Title, l.Price, l.CategoryID, l.Wilaya, l.MerchantID)
		if err != nil {
			return errors.Wrapf(err, "upsert listing %s", l.ID)
		}
		slog.Info("upserted listing", slog.String("id", l.ID), slog.String("title", l.Title))
	}
	return nil
}

const upsertCouponSQL = `INSERT INTO coupons (id, merchant_id, code, title, discount_type,
		discount_value, applies_to, audience, starts_at, ends_at,
		max_total_uses, max_uses_per_user, min_purchase, is_active, is_public)
	VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	ON CONFLICT (id) DO UPDATE SET
		title = EXCLUDED.title, discount_value = EXCLUDED.discount_value,
		starts_at = EXCLUDED.starts_at, ends_at = EXCLUDED.ends_at,
		is_active = EXCLUDED.is_active`

func seedCoupons(ctx context.Context, pool *pgxpool.Pool) error {
	slog.Info("seeding demo coupons")

	endOfTerm := time.Date(2026, time.December, 31, 23, 59, 59, 0, time.UTC)

	demos := []coupon.Coupon{
		{
			ID:             "seed-promo20",
			Code:           "PROMO20",
			Title:          "Rentrée: -20% sur tout",
			Type:           coupon.DiscountPercentage,
			Value:          decimal.NewFromInt(20),
			AppliesTo:      coupon.AppliesToAll,
			Audience:       coupon.AudienceStudents,
			EndsAt:         &endOfTerm,
			MaxTotalUses:   100,
			MaxUsesPerUser: 1,
			Active:         true,
			Public:         true,
		},
		{
			ID:             "seed-bienvenue",
			Code:           "BIENVENUE500",
			Title:          "500 DA offerts sur ta première commande",
			Type:           coupon.DiscountFixedAmount,
			Value:          decimal.NewFromInt(500),
			AppliesTo:      coupon.AppliesToProducts,
			Audience:       coupon.AudienceStudents,
			MinPurchase:    decimal.NewFromInt(2000),
			MaxUsesPerUser: 1,
			Active:         true,
			Public:         true,
		},
		{
			ID:             "seed-livraison",
			Title:          "Livraison offerte sur le campus",
			Type:           coupon.DiscountFreeShipping,
			AppliesTo:      coupon.AppliesToDelivery,
			Audience:       coupon.AudienceAll,
			MaxUsesPerUser: 5,
			Active:         true,
			Public:         true,
		},
	}

	for _, c := range demos {
		_, err := pool.Exec(ctx, upsertCouponSQL,
			c.ID, c.MerchantID, c.Code, c.Title, string(c.Type),
			c.Value, string(c.AppliesTo), string(c.Audience), c.StartsAt, c.EndsAt,
			c.MaxTotalUses, c.MaxUsesPerUser, c.MinPurchase, c.Active, c.Public)
		if err != nil {
			return errors.Wrapf(err, "upsert coupon %s", c.ID)
		}
		slog.Info("upserted coupon", slog.String("id", c.ID), slog.String("title", c.Title))
	}
	return nil
}

const upsertAPIKeySQL = `INSERT INTO api_keys (id, key_hash, user_id, role, name)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (id) DO UPDATE SET
		key_hash = EXCLUDED.key_hash, user_id = EXCLUDED.user_id,
		role = EXCLUDED.role, name = EXCLUDED.name`

func seedAPIKeys(ctx context.Context, pool *pgxpool.Pool, studentKey, merchantKey, pepper string) error {
	slog.Info("seeding API keys")

	keys := []struct {
		id, key, userID, role, name string
	}{
		{"seed-student", studentKey, "student-demo", "student", "Demo student key"},
		{"seed-merchant", merchantKey, "merchant-techdz", "merchant", "Demo merchant key"},
	}

	for _, k := range keys {
		mac := hmac.New(sha256.New, []byte(pepper))
		mac.Write([]byte(k.key))
		hash := hex.EncodeToString(mac.Sum(nil))

		_, err := pool.Exec(ctx, upsertAPIKeySQL, k.id, hash, k.userID, k.role, k.name)
		if err != nil {
			return errors.Wrapf(err, "upsert api key %s", k.id)
		}
		slog.Info("upserted API key", slog.String("id", k.id), slog.String("role", k.role))
	}
	return nil
}
