package stat

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDisabled(t *testing.T) {
	var c Disabled
	c.Inc()
	c.Inc()
	c.Dec()
	assert.Equal(t, int64(0), c.Value())
}

func TestExact(t *testing.T) {
	var c Exact
	c.Inc()
	c.Inc()
	c.Dec()
	assert.Equal(t, int64(1), c.Value())
	c.Reset()
	assert.Equal(t, int64(0), c.Value())
}

func TestApproximateConcurrent(t *testing.T) {
	var c Approximate
	var wg sync.WaitGroup
	const goroutines = 32
	const perGoroutine = 500
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				c.Inc()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(goroutines*perGoroutine), c.Value())

	c.Reset()
	assert.Equal(t, int64(0), c.Value())
}
