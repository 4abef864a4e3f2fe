package notify

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Emitter delivers notifications on a small worker pool, behind a rate
// limiter. Emit never blocks the caller; when the queue is full the
// notification is dropped and logged.
type Emitter struct {
	next    Notifier
	queue   chan Notification
	limiter *rate.Limiter
	workers int
	timeout time.Duration
	retries int
	backoff time.Duration

	mu      sync.RWMutex
	closed  bool
	started bool
	wg      sync.WaitGroup

	dropped   atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
}

type EmitterOption func(*Emitter)

func WithQueueSize(n int) EmitterOption {
	return func(e *Emitter) {
		if n > 0 {
			e.queue = make(chan Notification, n)
		}
	}
}

func WithWorkers(n int) EmitterOption {
	return func(e *Emitter) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithRateLimit caps deliveries per second. perSecond <= 0 disables the limit.
func WithRateLimit(perSecond float64, burst int) EmitterOption {
	return func(e *Emitter) {
		if perSecond <= 0 {
			e.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

func WithDeliveryTimeout(d time.Duration) EmitterOption {
	return func(e *Emitter) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithRetry sets how many extra attempts a failed delivery gets; the wait
// between attempts grows linearly from backoff.
func WithRetry(retries int, backoff time.Duration) EmitterOption {
	return func(e *Emitter) {
		if retries >= 0 {
			e.retries = retries
		}
		e.backoff = backoff
	}
}

func NewEmitter(next Notifier, opts ...EmitterOption) *Emitter {
	e := &Emitter{
		next:    next,
		queue:   make(chan Notification, 256),
		limiter: rate.NewLimiter(rate.Limit(20), 10),
		workers: 2,
		timeout: 5 * time.Second,
		retries: 2,
		backoff: 200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Emitter) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started || e.closed {
		return
	}
	e.started = true
	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.work()
	}
}

// Emit enqueues n for delivery and reports whether it was accepted.
func (e *Emitter) Emit(n Notification) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		e.dropped.Add(1)
		log.Printf("[WARN] notify: emitter closed, dropping kind=%s user=%s", n.Kind, n.UserID)
		return false
	}
	select {
	case e.queue <- n:
		return true
	default:
		e.dropped.Add(1)
		log.Printf("[WARN] notify: queue full, dropping kind=%s user=%s", n.Kind, n.UserID)
		return false
	}
}

// Close stops accepting notifications and waits for the queue to drain or
// ctx to expire, whichever comes first.
func (e *Emitter) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.queue)
	started := e.started
	e.mu.Unlock()

	if !started {
		return nil
	}
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type EmitterStats struct {
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
}

func (e *Emitter) Stats() EmitterStats {
	return EmitterStats{
		Delivered: e.delivered.Load(),
		Failed:    e.failed.Load(),
		Dropped:   e.dropped.Load(),
	}
}

func (e *Emitter) work() {
	defer e.wg.Done()
	for n := range e.queue {
		e.deliver(n)
	}
}

func (e *Emitter) deliver(n Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()

	err := e.attempt(ctx, n)
	for i := 1; err != nil && i <= e.retries && ctx.Err() == nil; i++ {
		select {
		case <-time.After(time.Duration(i) * e.backoff):
			err = e.attempt(ctx, n)
		case <-ctx.Done():
		}
	}
	if err == nil {
		e.delivered.Add(1)
		return
	}
	e.failed.Add(1)
	log.Printf("[ERROR] notify: delivery failed kind=%s user=%s: %v", n.Kind, n.UserID, err)
}

func (e *Emitter) attempt(ctx context.Context, n Notification) error {
	if err := e.limiter.Wait(ctx); err != nil {
		return err
	}
	return e.next.Notify(ctx, n)
}
