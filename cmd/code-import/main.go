// Command code-import ingests bulk promo code dumps distributed by campaign
// partners. Each campaign ships several gzipped files of candidate codes; a
// code is trusted only when it appears in at least two files, which filters
// out corrupted or fabricated entries. Trusted codes are registered as
// single-use campaign coupons.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/bits"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	pgzip "github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/aitkaci/souq-coupons/internal/storage/postgres"
)

const (
	bloomCapacity = 120_000_000
	bloomFPR      = 0.001
	numFiles      = 3
	progressEvery = 10_000_000
	minCodeLen    = 8
	maxCodeLen    = 10
)

// fileResult holds candidate codes found in a single file during pass 2.
type fileResult struct {
	candidates map[string]uint
}

func main() {
	var (
		dataDir      string
		databaseURL  string
		campaign     string
		percentValue int
	)

	flag.StringVar(&dataDir, "data-dir", "data", "directory containing codebaseN.gz files")
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&campaign, "campaign", "Campagne partenaire", "title for imported campaign coupons")
	flag.IntVar(&percentValue, "percent", 10, "percentage discount for imported codes")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	if percentValue < 0 || percentValue > 100 {
		slog.Error("percentage must be between 0 and 100")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, dataDir, databaseURL, campaign, percentValue); err != nil {
		slog.Error("code import failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("code import completed successfully")
}

func run(ctx context.Context, dataDir, databaseURL, campaign string, percent int) error {
	files := make([]string, numFiles)
	for i := range files {
		files[i] = filepath.Join(dataDir, fmt.Sprintf("codebase%d.gz", i+1))
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			return errors.Wrapf(err, "check file %s", f)
		}
	}

	// Pass 1: build one bloom filter per file, concurrently.
	slog.Info("pass 1: building bloom filters", slog.Int("files", numFiles))

	filters, err := buildBloomFilters(ctx, files)
	if err != nil {
		return errors.Wrap(err, "build bloom filters")
	}

	// Pass 2: keep codes appearing in 2+ files.
	slog.Info("pass 2: finding trusted codes")

	trusted, err := findTrustedCodes(ctx, files, filters)
	if err != nil {
		return errors.Wrap(err, "find trusted codes")
	}

	slog.Info("trusted codes found", slog.Int("count", len(trusted)))

	if len(trusted) == 0 {
		slog.Info("no trusted codes to import")
		return nil
	}

	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := importCoupons(ctx, pool, trusted, campaign, percent); err != nil {
		return errors.Wrap(err, "import coupons")
	}
	return nil
}

func buildBloomFilters(ctx context.Context, files []string) ([]*bloom.BloomFilter, error) {
	filters := make([]*bloom.BloomFilter, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, f := range files {
		g.Go(buildFilterForFile(ctx, i, f, filters))
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return filters, nil
}

func buildFilterForFile(ctx context.Context, idx int, path string, filters []*bloom.BloomFilter) func() error {
	return func() error {
		filter := bloom.NewWithEstimates(bloomCapacity, bloomFPR)
		var count uint64

		if err := streamGzFile(ctx, path, func(code string) {
			if len(code) >= minCodeLen && len(code) <= maxCodeLen {
				filter.AddString(code)
				count++
				if count%progressEvery == 0 {
					slog.Info("pass 1 progress",
						slog.Int("file", idx+1),
						slog.Uint64("codes", count),
					)
				}
			}
		}); err != nil {
			return errors.Wrapf(err, "build filter for file %d", idx+1)
		}

		slog.Info("pass 1 complete",
			slog.Int("file", idx+1),
			slog.Uint64("total_codes", count),
		)

		filters[idx] = filter
		return nil
	}
}

// findTrustedCodes re-streams each file and checks codes against the OTHER
// files' bloom filters. A code is trusted when it appears in 2+ files.
func findTrustedCodes(ctx context.Context, files []string, filters []*bloom.BloomFilter) ([]string, error) {
	results := make([]fileResult, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, f := range files {
		g.Go(findCandidatesInFile(ctx, i, f, filters, results))
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := make(map[string]uint)
	for _, r := range results {
		for code, mask := range r.candidates {
			merged[code] |= mask
		}
	}

	var trusted []string
	for code, mask := range merged {
		if bits.OnesCount(mask) >= 2 {
			trusted = append(trusted, code)
		}
	}
	return trusted, nil
}

func findCandidatesInFile(
	ctx context.Context,
	idx int,
	path string,
	filters []*bloom.BloomFilter,
	results []fileResult,
) func() error {
	return func() error {
		candidates := make(map[string]uint)
		fileBit := uint(1) << uint(idx)
		var count uint64

		if err := streamGzFile(ctx, path, func(code string) {
			if len(code) < minCodeLen || len(code) > maxCodeLen {
				return
			}

			count++
			if count%progressEvery == 0 {
				slog.Info("pass 2 progress",
					slog.Int("file", idx+1),
					slog.Uint64("codes", count),
				)
			}

			for j, f := range filters {
				if j == idx {
					continue
				}
				if f.TestString(code) {
					candidates[code] |= fileBit
					break
				}
			}
		}); err != nil {
			return errors.Wrapf(err, "scan file %d for candidates", idx+1)
		}

		slog.Info("pass 2 complete",
			slog.Int("file", idx+1),
			slog.Uint64("total_codes", count),
			slog.Int("candidates", len(candidates)),
		)

		results[idx] = fileResult{candidates: candidates}
		return nil
	}
}

// streamGzFile opens a gzip-compressed file and calls fn for each line.
func streamGzFile(ctx context.Context, path string, fn func(code string)) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	scanner := bufio.NewScanner(gz)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		fn(scanner.Text())
	}

	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "scan %s", path)
	}
	return nil
}

const importCouponSQL = `INSERT INTO coupons (id, code, title, discount_type,
		discount_value, applies_to, audience, max_uses_per_user, is_active, is_public)
	VALUES ($1, $2, $3, 'percentage', $4, 'all', 'all', 1, TRUE, FALSE)
	ON CONFLICT ((UPPER(code))) WHERE code IS NOT NULL DO NOTHING`

// importCoupons registers every trusted code as a private single-use
// percentage coupon. Codes already present keep their existing definition.
func importCoupons(ctx context.Context, pool *pgxpool.Pool, codes []string, campaign string, percent int) error {
	slog.Info("importing coupons", slog.Int("count", len(codes)))

	value := decimal.NewFromInt(int64(percent))
	for i, code := range codes {
		_, err := pool.Exec(ctx, importCouponSQL, uuid.New().String(), code, campaign, value)
		if err != nil {
			return errors.Wrapf(err, "import coupon %s", code)
		}
		if (i+1)%100 == 0 || i+1 == len(codes) {
			slog.Info("import progress", slog.Int("written", i+1), slog.Int("total", len(codes)))
		}
	}
	return nil
}
