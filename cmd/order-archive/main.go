package main

import (
	"context"
	"flag"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/xenking/oolio-pos/internal/archive"
	"github.com/xenking/oolio-pos/internal/domain/session"
	"github.com/xenking/oolio-pos/internal/storage/postgres"
)

type options struct {
	databaseURL string
	outDir      string
	since       time.Duration
	operatorID  string
	limit       uint64
	index       archive.IndexConfig
}

func main() {
	var opts options

	flag.StringVar(&opts.databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&opts.outDir, "out-dir", "archive", "directory holding archive files")
	flag.DurationVar(&opts.since, "since", 24*time.Hour, "export orders completed within this window")
	flag.StringVar(&opts.operatorID, "operator", "", "only export orders of this operator")
	flag.Uint64Var(&opts.limit, "limit", 0, "maximum orders to export (0 = all)")
	flag.UintVar(&opts.index.Capacity, "bloom-capacity", 1_000_000, "expected orders per archive file")
	flag.Float64Var(&opts.index.FalsePositiveRate, "bloom-fpr", 0.001, "bloom filter false positive rate")
	flag.Parse()

	lg, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer func() { _ = lg.Sync() }()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		lg.Fatal("Load .env", zap.Error(err))
	}
	if opts.databaseURL == "" {
		opts.databaseURL = os.Getenv("POS_DATABASE_URL")
	}
	if opts.databaseURL == "" {
		opts.databaseURL = os.Getenv("DATABASE_URL")
	}
	if opts.databaseURL == "" {
		lg.Fatal("Database URL is required: set --database-url or DATABASE_URL")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	ctx = zctx.Base(ctx, lg)

	if err := run(ctx, lg, opts, time.Now()); err != nil {
		lg.Fatal("Archive failed", zap.Error(err))
	}
}

func run(ctx context.Context, lg *zap.Logger, opts options, now time.Time) error {
	if err := os.MkdirAll(opts.outDir, 0o750); err != nil {
		return errors.Wrap(err, "create archive dir")
	}

	paths, err := archive.Files(opts.outDir)
	if err != nil {
		return err
	}
	lg.Info("Indexing existing archives", zap.Int("files", len(paths)))
	idx, err := archive.BuildIndex(ctx, paths, opts.index)
	if err != nil {
		return errors.Wrap(err, "build index")
	}

	pool, err := postgres.NewPool(ctx, opts.databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	completed, err := postgres.NewOrderRepository(pool).CompletedOrders(ctx, postgres.ArchiveFilter{
		Since:      now.Add(-opts.since),
		Until:      now,
		OperatorID: opts.operatorID,
		Limit:      opts.limit,
	})
	if err != nil {
		return errors.Wrap(err, "list completed orders")
	}

	fresh, err := unarchived(ctx, idx, completed)
	if err != nil {
		return err
	}
	lg.Info("Orders selected",
		zap.Int("completed", len(completed)),
		zap.Int("already_archived", len(completed)-len(fresh)),
	)
	if len(fresh) == 0 {
		lg.Info("Nothing to archive")
		return nil
	}

	path := filepath.Join(opts.outDir, "orders-"+now.UTC().Format("20060102T150405Z")+archive.FileSuffix)
	if err := archive.WriteFile(path, fresh); err != nil {
		return errors.Wrapf(err, "write %s", path)
	}
	lg.Info("Archive written", zap.String("path", path), zap.Int("orders", len(fresh)))
	return nil
}

// unarchived drops orders already present in earlier archives.
func unarchived(ctx context.Context, idx *archive.Index, orders []session.FinalizedOrder) ([]session.FinalizedOrder, error) {
	ids := make([]string, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
	}
	seen, err := idx.Archived(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := orders[:0:0]
	for _, o := range orders {
		if !seen[o.ID] {
			out = append(out, o)
		}
	}
	return out, nil
}
