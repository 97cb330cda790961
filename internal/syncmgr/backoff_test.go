package syncmgr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelay(t *testing.T) {
	p := BackoffPolicy{Initial: 100 * time.Millisecond, Max: time.Second, Multiplier: 2}

	assert.Equal(t, 100*time.Millisecond, p.Delay(1))
	assert.Equal(t, 200*time.Millisecond, p.Delay(2))
	assert.Equal(t, 800*time.Millisecond, p.Delay(4))
	assert.Equal(t, time.Second, p.Delay(5), "capped at max")
	assert.Equal(t, time.Second, p.Delay(500), "overflow is capped")
	assert.Equal(t, 100*time.Millisecond, p.Delay(0))
}

func TestBackoffJitterBounds(t *testing.T) {
	p := BackoffPolicy{Initial: time.Second, Max: time.Minute, Multiplier: 2, Jitter: 0.25}
	for i := 0; i < 100; i++ {
		d := p.Delay(1)
		assert.GreaterOrEqual(t, d, 750*time.Millisecond)
		assert.LessOrEqual(t, d, 1250*time.Millisecond)
	}
}
