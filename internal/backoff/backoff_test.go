package backoff

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponentialWithoutJitter(t *testing.T) {
	e := &Exponential{Initial: 100 * time.Millisecond, Max: time.Second, NoJitter: true}

	assert.Equal(t, 100*time.Millisecond, e.Delay(0))
	assert.Equal(t, 100*time.Millisecond, e.Delay(1))
	assert.Equal(t, 200*time.Millisecond, e.Delay(2))
	assert.Equal(t, 400*time.Millisecond, e.Delay(3))
	assert.Equal(t, time.Second, e.Delay(5))
	assert.Equal(t, time.Second, e.Delay(60))
}

func TestExponentialJitterStaysInRange(t *testing.T) {
	e := NewExponential(50*time.Millisecond, 400*time.Millisecond)
	for attempt := 1; attempt <= 8; attempt++ {
		ceiling := (&Exponential{Initial: e.Initial, Max: e.Max, NoJitter: true}).Delay(attempt)
		for i := 0; i < 50; i++ {
			d := e.Delay(attempt)
			assert.GreaterOrEqual(t, d, time.Duration(0))
			assert.LessOrEqual(t, d, ceiling)
		}
	}
}

func TestSleepHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := Sleep(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)

	assert.NoError(t, Sleep(context.Background(), time.Millisecond))
	assert.NoError(t, Sleep(context.Background(), 0))
}
