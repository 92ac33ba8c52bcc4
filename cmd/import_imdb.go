package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/deadonfilm/enrich/internal/fetcher"
	"github.com/deadonfilm/enrich/internal/model"
	"github.com/deadonfilm/enrich/pkg/imdb"
)

var (
	importURL  string
	importFile string
)

var importIMDbCmd = &cobra.Command{
	Use:   "import-imdb",
	Short: "Load the IMDb name.basics dataset into the local name index",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if importURL != "" {
			cfg.IMDb.DatasetURL = importURL
		}
		if err := cfg.Validate("import"); err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		var body io.ReadCloser
		src := cfg.IMDb.DatasetURL
		if importFile != "" {
			src = importFile
			body, err = os.Open(importFile)
			if err != nil {
				return eris.Wrap(err, "import-imdb: open file")
			}
		} else {
			// The dump is hundreds of MB; only the context bounds the download.
			f := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
				UserAgent: cfg.Fetch.UserAgent,
				Retry:     retryConfig(cfg),
				Client:    &http.Client{},
			})
			body, err = f.Download(ctx, cfg.IMDb.DatasetURL)
			if err != nil {
				return eris.Wrap(err, "import-imdb: download")
			}
		}
		defer body.Close() //nolint:errcheck

		start := time.Now()
		zap.L().Info("imdb import starting", zap.String("source", src), zap.Int("batch_size", cfg.IMDb.ImportBatch))

		n, err := importNames(ctx, body, st, cfg.IMDb.ImportBatch)
		if err != nil {
			return err
		}

		zap.L().Info("imdb import complete",
			zap.Int64("rows", n),
			zap.Duration("elapsed", time.Since(start)),
		)
		return nil
	},
}

// nameImporter is the store's bulk-load half of the IMDb index.
type nameImporter interface {
	ImportIMDbNames(ctx context.Context, names []model.IMDbName) (int64, error)
}

// importNames parses r and loads it in batches: one goroutine parses while
// another writes, so the database never waits on decompression.
func importNames(ctx context.Context, r io.Reader, dst nameImporter, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 5000
	}

	g, gctx := errgroup.WithContext(ctx)
	names, parseErrs := imdb.StreamNames(gctx, r)
	batches := make(chan []model.IMDbName, 2)

	g.Go(func() error {
		defer close(batches)
		buf := make([]model.IMDbName, 0, batchSize)
		for n := range names {
			buf = append(buf, model.IMDbName{
				NConst:    n.NConst,
				Name:      n.Name,
				NameNorm:  imdb.NormalizeName(n.Name),
				BirthYear: n.BirthYear,
				DeathYear: n.DeathYear,
			})
			if len(buf) == batchSize {
				select {
				case batches <- buf:
				case <-gctx.Done():
					return gctx.Err()
				}
				buf = make([]model.IMDbName, 0, batchSize)
			}
		}
		if err := <-parseErrs; err != nil {
			return err
		}
		if len(buf) > 0 {
			select {
			case batches <- buf:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	var total int64
	g.Go(func() error {
		for b := range batches {
			n, err := dst.ImportIMDbNames(gctx, b)
			if err != nil {
				return eris.Wrap(err, "import-imdb: load batch")
			}
			total += n
			zap.L().Debug("imdb batch loaded", zap.Int("rows", len(b)), zap.Int64("total", total))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return total, err
	}
	return total, nil
}

func init() {
	importIMDbCmd.Flags().StringVar(&importURL, "url", "", "dataset URL (default from config)")
	importIMDbCmd.Flags().StringVar(&importFile, "file", "", "read a local name.basics.tsv[.gz] instead of downloading")
	rootCmd.AddCommand(importIMDbCmd)
}
