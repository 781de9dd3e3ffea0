// Package parallel splits row-wise numeric loops across goroutines.
package parallel

import (
	"runtime"
	"sync"
)

// Config controls how loops are split.
type Config struct {
	Workers int // Maximum goroutines; <= 1 runs inline
	MinWork int // Minimum work units (e.g. multiply-adds) per goroutine
}

// DefaultConfig uses every available CPU and keeps chunks large enough that
// goroutine startup stays negligible.
func DefaultConfig() Config {
	return Config{Workers: runtime.GOMAXPROCS(0), MinWork: 1 << 14}
}

// Range calls f(lo, hi) over disjoint chunks covering [0, n), using
// DefaultConfig. cost is the work per index.
func Range(n, cost int, f func(lo, hi int)) {
	DefaultConfig().Range(n, cost, f)
}

// Range calls f(lo, hi) over disjoint chunks covering [0, n) and waits for
// all of them. cost is the approximate work per index; loops too small to
// split run inline. f must only write state owned by indices in [lo, hi).
func (c Config) Range(n, cost int, f func(lo, hi int)) {
	if n <= 0 {
		return
	}
	chunks := c.chunks(n, cost)
	if chunks <= 1 {
		f(0, n)
		return
	}

	size := (n + chunks - 1) / chunks
	var wg sync.WaitGroup
	for lo := 0; lo < n; lo += size {
		hi := min(lo+size, n)
		wg.Add(1)
		go func() {
			defer wg.Done()
			f(lo, hi)
		}()
	}
	wg.Wait()
}

// chunks returns how many pieces to split n items of cost into.
func (c Config) chunks(n, cost int) int {
	if c.Workers <= 1 {
		return 1
	}
	total := n * max(cost, 1)
	byWork := n
	if c.MinWork > 0 {
		byWork = total / c.MinWork
	}
	return max(1, min(c.Workers, byWork, n))
}
