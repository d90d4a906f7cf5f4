package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_GrowsAndCaps(t *testing.T) {
	b := &Backoff{Min: 100 * time.Millisecond, Max: time.Second, Factor: 2}

	assert.Equal(t, 100*time.Millisecond, b.Duration(0))
	assert.Equal(t, 200*time.Millisecond, b.Duration(1))
	assert.Equal(t, 800*time.Millisecond, b.Duration(3))
	assert.Equal(t, time.Second, b.Duration(4))
	assert.Equal(t, time.Second, b.Duration(5000))
}

func TestBackoff_JitterStaysInRange(t *testing.T) {
	b := DefaultBackoff()
	for attempt := 0; attempt < 20; attempt++ {
		for i := 0; i < 50; i++ {
			d := b.Duration(attempt)
			assert.LessOrEqual(t, d, b.Max)
			assert.GreaterOrEqual(t, d, b.Min/2)
		}
	}
}
