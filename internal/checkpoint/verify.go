package checkpoint

import (
	"context"
	"runtime"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/born-ml/savepoint/internal/persist"
	"github.com/born-ml/savepoint/internal/serialization"
)

// Verify checks that the files of rec exist and still match the fingerprint
// recorded at save time.
func Verify(rec Record) error {
	var sum string
	switch rec.Kind {
	case KindWeights:
		if _, err := serialization.VerifyBundle(rec.Path); err != nil {
			return errors.WithMessagef(err, "verify %s", rec.Path)
		}
		s, _, err := serialization.FileChecksum(serialization.IndexPath(rec.Path))
		if err != nil {
			return errors.Wrapf(err, "verify %s", rec.Path)
		}
		sum = s
	case KindFull:
		fp, err := persist.Digest(rec.Path)
		if err != nil {
			return err
		}
		sum = fp.SHA256
	default:
		return errors.Errorf("verify %s: unknown checkpoint kind %q", rec.Path, rec.Kind)
	}
	if sum != rec.SHA256 {
		return errors.Wrapf(serialization.ErrChecksumMismatch, "verify %s: fingerprint changed since save", rec.Path)
	}
	return nil
}

// VerifyResult pairs a record with the outcome of verifying it.
type VerifyResult struct {
	Record Record
	Err    error
}

// VerifyAll verifies every checkpoint in dir using up to workers goroutines
// (GOMAXPROCS when workers <= 0). Results follow the order of List.
func VerifyAll(ctx context.Context, dir string, workers int) ([]VerifyResult, error) {
	records, err := List(dir)
	if err != nil {
		return nil, err
	}
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	results := make([]VerifyResult, len(records))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, rec := range records {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			results[i] = VerifyResult{Record: rec, Err: Verify(rec)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}
