package parallel

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFor(t *testing.T) {
	for _, cfg := range []Config{DefaultConfig(), Sequential(), {Enabled: true, NumWorkers: 3, MinChunkSize: 1}} {
		var counter atomic.Int64
		For(1000, cfg, func(_ int) {
			counter.Add(1)
		})
		assert.Equal(t, int64(1000), counter.Load())
	}
}

func TestForRange_CoversEveryIndexOnce(t *testing.T) {
	cfg := Config{Enabled: true, NumWorkers: 4, MinChunkSize: 1}
	seen := make([]int32, 37)
	ForRange(len(seen), cfg, func(start, end int) {
		for i := start; i < end; i++ {
			atomic.AddInt32(&seen[i], 1)
		}
	})
	for i, v := range seen {
		assert.Equal(t, int32(1), v, "index %d", i)
	}
}

func TestForRange_Empty(t *testing.T) {
	called := false
	ForRange(0, DefaultConfig(), func(_, _ int) { called = true })
	assert.False(t, called)
}

func TestForBatch(t *testing.T) {
	batch, channels := 4, 8
	var results [4][8]atomic.Bool

	ForBatch(batch, channels, DefaultConfig(), func(b, c int) {
		results[b][c].Store(true)
	})

	for b := 0; b < batch; b++ {
		for c := 0; c < channels; c++ {
			assert.True(t, results[b][c].Load(), "missing [%d][%d]", b, c)
		}
	}
}
