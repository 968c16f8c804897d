package usecase

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Throttle decides whether an otherwise eligible placement goes ahead.
type Throttle interface {
	Allow() bool
}

type ThrottleKind string

const (
	ThrottleRandom        ThrottleKind = "random"
	ThrottleDeterministic ThrottleKind = "deterministic"
	ThrottleOff           ThrottleKind = "off"
)

// deterministicWindow is the evaluation window used when a win rate is
// converted into an allowed/window pair (0.65 -> 13 of 20).
const deterministicWindow = 20

// AllowAll never throttles.
type AllowAll struct{}

func (AllowAll) Allow() bool { return true }

// DeterministicThrottle allows evaluation n (0-based) iff n mod Window < Allowed.
// Every call counts, so a trigger skipped now can be retried on a later cycle.
type DeterministicThrottle struct {
	Window  int
	Allowed int

	mu sync.Mutex
	n  int
}

func NewDeterministicThrottle(window, allowed int) *DeterministicThrottle {
	if window <= 0 {
		window = 1
	}
	return &DeterministicThrottle{Window: window, Allowed: allowed}
}

func (t *DeterministicThrottle) Allow() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	ok := t.n%t.Window < t.Allowed
	t.n++
	return ok
}

// Evaluations returns how many times Allow has been called.
func (t *DeterministicThrottle) Evaluations() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.n
}

// RandomThrottle allows with probability P. The source is seedable for tests.
type RandomThrottle struct {
	P float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomThrottle builds a throttle; seed 0 seeds from the wall clock.
func NewRandomThrottle(p float64, seed int64) *RandomThrottle {
	return &RandomThrottle{P: p, rng: newRand(seed)}
}

func (t *RandomThrottle) Allow() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rng.Float64() < t.P
}

// NewThrottle builds the throttle configured for an engine.
func NewThrottle(kind ThrottleKind, winRate float64, seed int64) (Throttle, error) {
	if winRate < 0 || winRate > 1 {
		return nil, fmt.Errorf("win rate %.2f out of range [0,1]", winRate)
	}
	switch kind {
	case ThrottleOff:
		return AllowAll{}, nil
	case ThrottleDeterministic:
		allowed := int(math.Round(winRate * deterministicWindow))
		return NewDeterministicThrottle(deterministicWindow, allowed), nil
	case ThrottleRandom, "":
		return NewRandomThrottle(winRate, seed), nil
	default:
		return nil, fmt.Errorf("unknown throttle kind %q", kind)
	}
}

// OffsetPolicy yields the profit offset, as a fraction of price, for an
// opposite order placed after a fill.
type OffsetPolicy interface {
	Offset() decimal.Decimal
}

type FixedOffset struct {
	Fraction decimal.Decimal
}

func (f FixedOffset) Offset() decimal.Decimal { return f.Fraction }

// UniformOffset draws uniformly from [Min, Max].
type UniformOffset struct {
	Min decimal.Decimal
	Max decimal.Decimal

	mu  sync.Mutex
	rng *rand.Rand
}

func NewUniformOffset(minFrac, maxFrac decimal.Decimal, seed int64) *UniformOffset {
	if maxFrac.LessThan(minFrac) {
		minFrac, maxFrac = maxFrac, minFrac
	}
	return &UniformOffset{Min: minFrac, Max: maxFrac, rng: newRand(seed)}
}

func (u *UniformOffset) Offset() decimal.Decimal {
	u.mu.Lock()
	r := u.rng.Float64()
	u.mu.Unlock()
	return u.Min.Add(u.Max.Sub(u.Min).Mul(decimal.NewFromFloat(r)))
}

func newRand(seed int64) *rand.Rand {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return rand.New(rand.NewSource(seed))
}
