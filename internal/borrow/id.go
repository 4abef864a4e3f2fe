package borrow

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	ulid "github.com/oklog/ulid/v2"
)

// -------------- Clock & ID --------------

type Clock interface{ Now() time.Time }
type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

type IDGen interface{ NewID(t time.Time) string }

// requestIDGen は BRW-<unix millis>-<ランダム10文字> を作る。
// ランダム部は ULID のエントロピー部の末尾（Crockford base32）
type requestIDGen struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func newRequestIDGen() *requestIDGen {
	return &requestIDGen{entropy: ulid.Monotonic(rand.Reader, 0)}
}

func (g *requestIDGen) NewID(t time.Time) string {
	g.mu.Lock()
	id := ulid.MustNew(ulid.Timestamp(t), g.entropy).String()
	g.mu.Unlock()
	return fmt.Sprintf("BRW-%d-%s", t.UnixMilli(), id[len(id)-10:])
}
