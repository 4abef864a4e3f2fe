package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu       sync.Mutex
	got      []Notification
	failures int // fail this many calls before succeeding
	block    chan struct{}
}

func (r *recordingNotifier) Notify(ctx context.Context, n Notification) error {
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failures > 0 {
		r.failures--
		return errors.New("smtp unavailable")
	}
	r.got = append(r.got, n)
	return nil
}

func (r *recordingNotifier) delivered() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.got...)
}

func Test_Emitter_DeliversAll(t *testing.T) {
	// setup
	rec := &recordingNotifier{}
	e := NewEmitter(rec, WithWorkers(3), WithRateLimit(0, 0))
	e.Start()

	// act
	for i := 0; i < 20; i++ {
		require.True(t, e.Emit(Notification{UserID: "u", Kind: KindGeneral}))
	}
	require.NoError(t, e.Close(context.Background()))

	// assert
	assert.Len(t, rec.delivered(), 20)
	assert.Equal(t, EmitterStats{Delivered: 20}, e.Stats())
}

func Test_Emitter_RetriesFailedDelivery(t *testing.T) {
	rec := &recordingNotifier{failures: 2}
	e := NewEmitter(rec, WithWorkers(1), WithRateLimit(0, 0), WithRetry(2, time.Millisecond))
	e.Start()

	e.Emit(Notification{UserID: "u", Kind: KindBorrowApproved})
	require.NoError(t, e.Close(context.Background()))

	assert.Len(t, rec.delivered(), 1)
	assert.Equal(t, int64(0), e.Stats().Failed)
}

func Test_Emitter_GivesUpAfterRetries(t *testing.T) {
	rec := &recordingNotifier{failures: 10}
	e := NewEmitter(rec, WithWorkers(1), WithRateLimit(0, 0), WithRetry(1, time.Millisecond))
	e.Start()

	e.Emit(Notification{UserID: "u", Kind: KindBorrowRejected})
	require.NoError(t, e.Close(context.Background()))

	assert.Empty(t, rec.delivered())
	assert.Equal(t, int64(1), e.Stats().Failed)
}

func Test_Emitter_DropsWhenQueueFull(t *testing.T) {
	// not started: nothing drains the queue
	e := NewEmitter(&recordingNotifier{}, WithQueueSize(2))

	assert.True(t, e.Emit(Notification{UserID: "a"}))
	assert.True(t, e.Emit(Notification{UserID: "b"}))
	assert.False(t, e.Emit(Notification{UserID: "c"}), "Should drop instead of blocking")
	assert.Equal(t, int64(1), e.Stats().Dropped)
}

func Test_Emitter_EmitAfterCloseIsDropped(t *testing.T) {
	e := NewEmitter(&recordingNotifier{})
	e.Start()
	require.NoError(t, e.Close(context.Background()))

	assert.False(t, e.Emit(Notification{UserID: "a"}))
	assert.NoError(t, e.Close(context.Background()), "Close should be idempotent")
}

func Test_Emitter_CloseHonoursContext(t *testing.T) {
	rec := &recordingNotifier{block: make(chan struct{})}
	e := NewEmitter(rec, WithWorkers(1), WithRateLimit(0, 0), WithDeliveryTimeout(time.Second))
	e.Start()
	e.Emit(Notification{UserID: "a"})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := e.Close(ctx)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(rec.block)
}

func Test_Emitter_RateLimited(t *testing.T) {
	rec := &recordingNotifier{}
	e := NewEmitter(rec, WithWorkers(4), WithRateLimit(50, 1))
	e.Start()

	start := time.Now()
	for i := 0; i < 6; i++ {
		e.Emit(Notification{UserID: "u"})
	}
	require.NoError(t, e.Close(context.Background()))

	// burst 1 then 5 more at 50/s: at least ~100ms
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
	assert.Len(t, rec.delivered(), 6)
}
