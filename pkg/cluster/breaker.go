package cluster

import (
	"sync"
	"time"

	"github.com/grocermate/fanout/internal/eventbus"
	"github.com/grocermate/fanout/internal/logging"
	"github.com/grocermate/fanout/pkg/domain"
)

// BreakerState is the circuit breaker state
type BreakerState string

// Breaker states
const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// BreakerOptions represents circuit breaker options
type BreakerOptions struct {
	// Threshold is the consecutive-failure count that opens the breaker
	Threshold int

	// ResetTimeout is how long the breaker stays open before allowing
	// one trial call
	ResetTimeout time.Duration
}

// DefaultBreakerOptions returns default breaker options
func DefaultBreakerOptions() BreakerOptions {
	return BreakerOptions{
		Threshold:    5,
		ResetTimeout: 30 * time.Second,
	}
}

// Breaker wraps the cross-node publish call. After Threshold consecutive
// failures it opens and fails fast for ResetTimeout, then allows exactly
// one trial call. Local delivery is never routed through the breaker, so
// a broker outage degrades to single-node delivery.
type Breaker struct {
	logger   *logging.Logger
	eventBus eventbus.Bus
	options  BreakerOptions

	mu                  sync.Mutex
	state               BreakerState
	consecutiveFailures int
	lastFailureAt       time.Time
	openedAt            time.Time
	trialInFlight       bool
}

// NewBreaker creates a new circuit breaker
func NewBreaker(logger *logging.Logger, eventBus eventbus.Bus, options BreakerOptions) *Breaker {
	def := DefaultBreakerOptions()
	if options.Threshold <= 0 {
		options.Threshold = def.Threshold
	}
	if options.ResetTimeout <= 0 {
		options.ResetTimeout = def.ResetTimeout
	}

	return &Breaker{
		logger:   logger,
		eventBus: eventBus,
		options:  options,
		state:    BreakerClosed,
	}
}

// Execute runs fn under the breaker. When the breaker is open the call
// fails fast with domain.ErrBreakerOpen and fn is never invoked.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}

	err := fn()
	b.record(err)
	return err
}

// State returns the current breaker state
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked(time.Now())
}

// ConsecutiveFailures returns the current failure streak
func (b *Breaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveFailures
}

// allow decides whether a call may proceed, claiming the half-open trial
// slot when the reset timeout has elapsed
func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.stateLocked(time.Now()) {
	case BreakerClosed:
		return nil
	case BreakerHalfOpen:
		if b.trialInFlight {
			return domain.ErrBreakerOpen
		}
		b.state = BreakerHalfOpen
		b.trialInFlight = true
		return nil
	default:
		return domain.ErrBreakerOpen
	}
}

// record applies the call outcome to the breaker state
func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	trial := b.trialInFlight
	b.trialInFlight = false

	if err == nil {
		if b.state != BreakerClosed {
			b.logger.Info("circuit breaker closed")
			b.publishState(eventbus.EventBreakerClosed)
		}
		b.state = BreakerClosed
		b.consecutiveFailures = 0
		return
	}

	b.consecutiveFailures++
	b.lastFailureAt = time.Now()

	if trial || b.consecutiveFailures >= b.options.Threshold {
		if b.state != BreakerOpen {
			b.logger.Warn("circuit breaker opened",
				"consecutive_failures", b.consecutiveFailures,
				"reset_timeout", b.options.ResetTimeout,
			)
			b.publishState(eventbus.EventBreakerOpened)
		}
		b.state = BreakerOpen
		b.openedAt = time.Now()
	}
}

// stateLocked resolves open-to-half-open once the reset timeout elapses.
// Caller holds b.mu.
func (b *Breaker) stateLocked(now time.Time) BreakerState {
	if b.state == BreakerOpen && now.Sub(b.openedAt) >= b.options.ResetTimeout {
		return BreakerHalfOpen
	}
	return b.state
}

func (b *Breaker) publishState(eventType eventbus.EventType) {
	if b.eventBus != nil {
		b.eventBus.PublishAsync(eventbus.NewEvent(eventType, "circuit-breaker", nil))
	}
}
