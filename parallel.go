package vaultfs

import (
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// ParallelConfig controls parallel chunk decryption
type ParallelConfig struct {
	// Enabled enables parallel chunk processing
	Enabled bool

	// MaxWorkers is the maximum number of worker goroutines
	// If 0, defaults to runtime.NumCPU()
	MaxWorkers int

	// MinChunksForParallel is the minimum number of chunks to use parallel processing
	// Below this threshold, sequential processing is used
	MinChunksForParallel int
}

// Validate checks if the parallel configuration is valid
func (p *ParallelConfig) Validate() error {
	if !p.Enabled {
		return nil
	}

	if p.MaxWorkers < 0 || p.MaxWorkers > 1024 {
		return NewValidationError("parallel.max_workers", p.MaxWorkers, "must be between 0 and 1024")
	}
	if p.MinChunksForParallel < 0 || p.MinChunksForParallel > 1000 {
		return NewValidationError("parallel.min_chunks", p.MinChunksForParallel, "must be between 0 and 1000")
	}
	return nil
}

// DefaultParallelConfig returns the default parallel processing configuration
func DefaultParallelConfig() ParallelConfig {
	return ParallelConfig{
		Enabled:              true,
		MaxWorkers:           runtime.NumCPU(),
		MinChunksForParallel: 4,
	}
}

// loadChunks fetches and decrypts the chunks at idxs, in parallel when
// there are enough of them. out[i] receives the plaintext of idxs[i].
func (b *BlockIO) loadChunks(idxs []uint64, load func(uint64) ([]byte, error)) ([][]byte, error) {
	out := make([][]byte, len(idxs))

	if !b.parallel.Enabled || len(idxs) < b.parallel.MinChunksForParallel || len(idxs) < 2 {
		for i, idx := range idxs {
			data, err := load(idx)
			if err != nil {
				return nil, err
			}
			out[i] = data
		}
		return out, nil
	}

	workers := b.parallel.MaxWorkers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	var g errgroup.Group
	g.SetLimit(workers)
	for i, idx := range idxs {
		i, idx := i, idx
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic in decryption worker: %v", r)
				}
			}()
			data, err := load(idx)
			if err != nil {
				return err
			}
			out[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
