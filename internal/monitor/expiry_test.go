package monitor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type fakeExpirer struct {
	calls   int32
	toReturn int
}

func (f *fakeExpirer) ExpireSessions(ctx context.Context) (int, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.toReturn, nil
}

func TestExpirySweeper_TicksAndReportsCount(t *testing.T) {
	exp := &fakeExpirer{toReturn: 3}
	sweeper := NewExpirySweeper(exp, nil).WithInterval(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 35*time.Millisecond)
	defer cancel()
	sweeper.Run(ctx)

	if atomic.LoadInt32(&exp.calls) < 1 {
		t.Fatal("expected at least one tick")
	}
}

func TestExpirySweeper_DefaultIntervalIsFiveMinutes(t *testing.T) {
	sweeper := NewExpirySweeper(&fakeExpirer{}, nil)
	if sweeper.interval != defaultExpiryInterval {
		t.Errorf("expected default interval %v, got %v", defaultExpiryInterval, sweeper.interval)
	}
}
