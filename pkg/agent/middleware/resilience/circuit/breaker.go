// Package circuit stops calling a provider that keeps failing and lets a
// trial request through after a cool-down.
package circuit

import (
	"fmt"
	"sync"
	"time"
)

// State of a breaker.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config controls when a breaker trips and recovers.
type Config struct {
	FailureThreshold int           `json:"failure_threshold"`
	SuccessThreshold int           `json:"success_threshold"`
	Cooldown         time.Duration `json:"cooldown"`
}

// DefaultConfig trips after five consecutive failures.
//
//nolint:gochecknoglobals // package defaults
var DefaultConfig = Config{
	FailureThreshold: 5,
	SuccessThreshold: 2,
	Cooldown:         30 * time.Second,
}

// Error is returned instead of calling the provider while the breaker is open.
type Error struct {
	Provider string
	State    State
}

func (e *Error) Error() string {
	return fmt.Sprintf("circuit breaker for %s is %s", e.Provider, e.State)
}

// Breaker tracks provider health.
type Breaker struct {
	lastFailure  time.Time
	now          func() time.Time
	config       Config
	mu           sync.Mutex
	state        State
	failureCount int
	successCount int
}

// New creates a closed breaker.
func New(config Config) *Breaker {
	return &Breaker{config: config, state: Closed, now: time.Now}
}

// Allow reports whether a call may proceed, moving Open to HalfOpen once the
// cool-down has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed, HalfOpen:
		return true
	case Open:
		if b.now().Sub(b.lastFailure) >= b.config.Cooldown {
			b.state = HalfOpen
			b.successCount = 0
			return true
		}
		return false
	default:
		return false
	}
}

// Record notes the outcome of a call.
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		switch b.state {
		case Closed:
			b.failureCount = 0
		case HalfOpen:
			b.successCount++
			if b.successCount >= b.config.SuccessThreshold {
				b.state = Closed
				b.failureCount = 0
				b.successCount = 0
			}
		}
		return
	}

	b.failureCount++
	b.lastFailure = b.now()
	switch b.state {
	case Closed:
		if b.failureCount >= b.config.FailureThreshold {
			b.state = Open
		}
	case HalfOpen:
		b.state = Open
		b.successCount = 0
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset closes the breaker.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failureCount = 0
	b.successCount = 0
}
