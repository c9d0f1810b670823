package cleanup

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type countingStore struct {
	sweeps atomic.Int64
}

func (s *countingStore) SweepExpired(context.Context) (int64, int64, error) {
	s.sweeps.Add(1)
	return 1, 0, nil
}

func TestRunStopsOnCancel(t *testing.T) {
	st := &countingStore{}
	s := NewSweeper(st, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	// Cancel during the initial delay; no sweep should have run.
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop on cancel")
	}
	assert.Equal(t, int64(0), st.sweeps.Load())
}

func TestSweepTicks(t *testing.T) {
	st := &countingStore{}
	s := &Sweeper{store: st, interval: 10 * time.Millisecond}

	s.sweep(context.Background())
	s.sweep(context.Background())
	assert.Equal(t, int64(2), st.sweeps.Load())
}

func TestJitterBounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		j := Jitter()
		assert.GreaterOrEqual(t, j, time.Duration(0))
		assert.Less(t, j, jitterWindow)
	}
}
