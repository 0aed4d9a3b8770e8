package resource

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quenlab/qce/errors"
	"github.com/quenlab/qce/sym"
)

// BreakerState is the circuit position.
type BreakerState int

const (
	CircuitClosed BreakerState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

const (
	defaultFailureThreshold = 5
	defaultRecoveryTimeout  = 5 * time.Minute
)

// Breaker short-circuits bridge downloads after repeated failures. One
// instance per handler; transitions are closed -> open -> half-open and
// back.
type Breaker struct {
	mu                  sync.Mutex
	state               BreakerState
	consecutiveFailures int
	openedAt            time.Time

	failureThreshold int
	recoveryTimeout  time.Duration
	logger           *zap.SugaredLogger
}

// NewBreaker creates a breaker with the default thresholds.
func NewBreaker(logger *zap.SugaredLogger) *Breaker {
	return &Breaker{
		failureThreshold: defaultFailureThreshold,
		recoveryTimeout:  defaultRecoveryTimeout,
		logger:           logger,
	}
}

// Allow reports whether a call may proceed, moving open to half-open once
// the recovery timeout has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case CircuitOpen:
		if time.Since(b.openedAt) >= b.recoveryTimeout {
			b.state = CircuitHalfOpen
			b.logger.Infow("Circuit half-open, probing", "symbol", sym.Resource)
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess closes the circuit and resets the failure counter.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != CircuitClosed {
		b.logger.Infow("Circuit closed", "symbol", sym.Resource)
	}
	b.state = CircuitClosed
	b.consecutiveFailures = 0
}

// RecordFailure counts a failure, tripping the circuit at the threshold.
// A half-open failure reopens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == CircuitHalfOpen {
		b.state = CircuitOpen
		b.openedAt = time.Now()
		b.logger.Warnw("Circuit reopened after failed probe", "symbol", sym.Resource)
		return
	}
	b.consecutiveFailures++
	if b.state == CircuitClosed && b.consecutiveFailures >= b.failureThreshold {
		b.state = CircuitOpen
		b.openedAt = time.Now()
		b.logger.Warnw("Circuit opened",
			"symbol", sym.Resource,
			"consecutive_failures", b.consecutiveFailures,
		)
	}
}

// Execute runs fn under the breaker, failing fast with ErrCircuitOpen when
// tripped.
func (b *Breaker) Execute(fn func() error) error {
	if !b.Allow() {
		return errors.ErrCircuitOpen
	}
	if err := fn(); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// State returns the current circuit position.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
