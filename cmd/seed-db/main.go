package main

import (
	"context"
	"flag"
	"io/fs"
	"os"
	"os/signal"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/oolio-pos/internal/domain/auth"
	"github.com/xenking/oolio-pos/internal/domain/discount"
	"github.com/xenking/oolio-pos/internal/domain/product"
	"github.com/xenking/oolio-pos/internal/handler"
	"github.com/xenking/oolio-pos/internal/storage/postgres"
)

type options struct {
	databaseURL  string
	productsFile string
	apiKey       string
	apiKeyPepper string
	operatorID   string
}

func main() {
	var opts options

	flag.StringVar(&opts.databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&opts.productsFile, "products-file", "db/seed/menu.json", "path to menu JSON file")
	flag.StringVar(&opts.apiKey, "api-key", "", "operator API key to seed (or POS_SEED_API_KEY env)")
	flag.StringVar(&opts.apiKeyPepper, "api-key-pepper", "", "HMAC pepper for API key hashing (or POS_API_KEY_PEPPER env)")
	flag.StringVar(&opts.operatorID, "operator", "cashier-1", "operator id bound to the seeded key")
	flag.Parse()

	lg, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer func() { _ = lg.Sync() }()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		lg.Fatal("Load .env", zap.Error(err))
	}
	opts.databaseURL = firstNonEmpty(opts.databaseURL, os.Getenv("POS_DATABASE_URL"), os.Getenv("DATABASE_URL"))
	opts.apiKey = firstNonEmpty(opts.apiKey, os.Getenv("POS_SEED_API_KEY"))
	opts.apiKeyPepper = firstNonEmpty(opts.apiKeyPepper, os.Getenv("POS_API_KEY_PEPPER"))

	if opts.databaseURL == "" {
		lg.Fatal("Database URL is required: set --database-url or DATABASE_URL")
	}
	if opts.apiKey == "" {
		lg.Fatal("API key is required: set --api-key or POS_SEED_API_KEY")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, lg, opts); err != nil {
		lg.Fatal("Seed failed", zap.Error(err))
	}
	lg.Info("Seed completed")
}

func run(ctx context.Context, lg *zap.Logger, opts options) error {
	pool, err := postgres.NewPool(ctx, opts.databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	lg.Info("Running migrations")
	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	data, err := os.ReadFile(opts.productsFile)
	if err != nil {
		return errors.Wrap(err, "read menu file")
	}
	products, err := parseMenu(data)
	if err != nil {
		return errors.Wrap(err, "parse menu")
	}
	if err := postgres.NewProductRepository(pool).Upsert(ctx, products); err != nil {
		return errors.Wrap(err, "upsert products")
	}
	lg.Info("Upserted products", zap.Int("count", len(products)))

	presets := postgres.NewPresetRepository(pool)
	for _, p := range defaultPresets(time.Now()) {
		if err := presets.Upsert(ctx, p); err != nil {
			return errors.Wrapf(err, "upsert preset %s", p.Code)
		}
		lg.Info("Upserted preset", zap.String("code", p.Code), zap.String("description", p.Description))
	}

	key := auth.APIKeyInfo{
		ID:         "seed-" + opts.operatorID,
		KeyHash:    handler.HashKey([]byte(opts.apiKeyPepper), opts.apiKey),
		OperatorID: opts.operatorID,
		Name:       "Seeded operator key",
		Scopes:     []string{"session"},
	}
	if err := postgres.NewAPIKeyRepository(pool).Upsert(ctx, key); err != nil {
		return errors.Wrap(err, "upsert api key")
	}
	lg.Info("Upserted API key", zap.String("id", key.ID), zap.String("operator_id", key.OperatorID))

	return nil
}

// parseMenu reads a JSON array of products. Prices may be strings or
// numbers; "available" defaults to true.
func parseMenu(data []byte) ([]product.Product, error) {
	var products []product.Product
	err := jx.DecodeBytes(data).Arr(func(d *jx.Decoder) error {
		p := product.Product{Available: true}
		if err := d.ObjBytes(func(d *jx.Decoder, key []byte) (err error) {
			switch string(key) {
			case "id":
				p.ID, err = d.Str()
			case "name":
				p.Name, err = d.Str()
			case "category":
				p.Category, err = d.Str()
			case "station":
				p.Station, err = d.Str()
			case "available":
				p.Available, err = d.Bool()
			case "price":
				p.Price, err = decodePrice(d)
			default:
				err = d.Skip()
			}
			return err
		}); err != nil {
			return err
		}
		if p.ID == "" || p.Name == "" {
			return errors.Errorf("product #%d: id and name are required", len(products))
		}
		if p.Price.IsNegative() {
			return errors.Errorf("product %s: negative price", p.ID)
		}
		products = append(products, p)
		return nil
	})
	return products, err
}

func decodePrice(d *jx.Decoder) (decimal.Decimal, error) {
	if d.Next() == jx.String {
		s, err := d.Str()
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromString(s)
	}
	n, err := d.Num()
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(n.String())
}

func defaultPresets(now time.Time) []discount.Preset {
	return []discount.Preset{
		{
			Code:        "HAPPY10",
			Kind:        discount.KindPercentage,
			Value:       decimal.NewFromInt(10),
			Description: "Happy hour: 10% off",
		},
		{
			Code:        "STAFF25",
			Kind:        discount.KindPercentage,
			Value:       decimal.NewFromInt(25),
			Description: "Staff meal: 25% off",
		},
		{
			Code:        "SORRY5",
			Kind:        discount.KindFixed,
			Value:       decimal.NewFromInt(5),
			Description: "Service recovery: 5 off",
		},
		{
			Code:        "OPENING50",
			Kind:        discount.KindPercentage,
			Value:       decimal.NewFromInt(50),
			Description: "Opening week: 50% off, first 100 orders",
			ValidUntil:  ptr(now.AddDate(0, 0, 7)),
			MaxUses:     100,
		},
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func ptr[T any](v T) *T { return &v }
