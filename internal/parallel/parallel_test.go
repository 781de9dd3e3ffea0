package parallel

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRangeCoversEveryIndexOnce(t *testing.T) {
	configs := map[string]Config{
		"inline":   {Workers: 1},
		"parallel": {Workers: 4, MinWork: 1},
		"uneven":   {Workers: 3, MinWork: 1},
		"default":  DefaultConfig(),
	}
	for name, cfg := range configs {
		t.Run(name, func(t *testing.T) {
			const n = 1001
			var mu sync.Mutex
			seen := make([]int, n)
			cfg.Range(n, 1, func(lo, hi int) {
				mu.Lock()
				defer mu.Unlock()
				for i := lo; i < hi; i++ {
					seen[i]++
				}
			})
			for i, count := range seen {
				assert.Equal(t, 1, count, "index %d", i)
			}
		})
	}
}

func TestChunks(t *testing.T) {
	cfg := Config{Workers: 8, MinWork: 100}
	assert.Equal(t, 1, cfg.chunks(10, 1))   // Too little work
	assert.Equal(t, 5, cfg.chunks(10, 50))  // 500 units, 100 per chunk
	assert.Equal(t, 8, cfg.chunks(100, 50)) // Capped by workers
	assert.Equal(t, 3, cfg.chunks(3, 1000)) // Capped by items
	assert.Equal(t, 1, Config{Workers: 0}.chunks(1000, 1000))
}

func TestRangeEmpty(t *testing.T) {
	called := false
	Range(0, 10, func(int, int) { called = true })
	assert.False(t, called)
}
