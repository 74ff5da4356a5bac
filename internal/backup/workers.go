package backup

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// forEachChunk calls fn for every index in [0, n), splitting the range into
// contiguous chunks processed by at most workers goroutines.
func forEachChunk(ctx context.Context, n, workers int, fn func(i int)) error {
	if n == 0 {
		return nil
	}
	if workers < 1 {
		workers = 1
	}
	if workers > n {
		workers = n
	}
	size := (n + workers - 1) / workers

	eg, egCtx := errgroup.WithContext(ctx)
	for start := 0; start < n; start += size {
		end := min(start+size, n)
		eg.Go(func() error {
			for i := start; i < end; i++ {
				if i%256 == 0 {
					if err := egCtx.Err(); err != nil {
						return err
					}
				}
				fn(i)
			}
			return nil
		})
	}
	return eg.Wait()
}
