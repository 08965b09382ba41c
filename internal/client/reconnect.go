package client

import (
	"context"
	crand "crypto/rand"
	"errors"
	"fmt"
	"log"
	"math/big"
	"sync"
	"time"
)

var (
	// ErrCircuitOpen refuses a reconnection sequence started before the
	// cooldown window from the previous sequence has elapsed. No transport
	// attempt is made; the caller must wait or retry manually.
	ErrCircuitOpen = errors.New("bridge client: reconnect circuit open")
	// ErrReconnectInProgress rejects overlapping sequences.
	ErrReconnectInProgress = errors.New("bridge client: reconnect already running")
)

// ExhaustedError reports a whole abandoned reconnection sequence, distinct
// from any single connection failure.
type ExhaustedError struct {
	Attempts int
	LastErr  error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("bridge client: reconnect abandoned after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *ExhaustedError) Unwrap() error { return e.LastErr }

// BackoffSchedule computes retry delays. It is pure so the backoff sequence
// is testable without a socket.
type BackoffSchedule struct {
	Initial        time.Duration
	Max            time.Duration
	JitterFraction float64
}

// Delay returns the base delay before retry attempt n (1-based):
// min(Initial * 2^(n-1), Max).
func (s BackoffSchedule) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := s.Initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= s.Max {
			return s.Max
		}
	}
	if d > s.Max {
		return s.Max
	}
	return d
}

// Jittered adds up to JitterFraction of the base delay so simultaneous
// clients don't retry in lockstep.
func (s BackoffSchedule) Jittered(attempt int) time.Duration {
	base := s.Delay(attempt)
	frac := s.JitterFraction
	if frac <= 0 {
		return base
	}
	span := time.Duration(float64(base) * frac)
	if span <= 0 {
		return base
	}
	n, err := crand.Int(crand.Reader, big.NewInt(int64(span)))
	if err != nil {
		return base
	}
	return base + time.Duration(n.Int64())
}

// Dialer is the slice of Manager the reconnector drives.
type Dialer interface {
	Connect(ctx context.Context) error
}

// Reconnector runs bounded reconnection sequences with a cooldown circuit
// breaker between them.
type Reconnector struct {
	dialer      Dialer
	schedule    BackoffSchedule
	maxAttempts int
	cooldown    time.Duration

	mu            sync.Mutex
	running       bool
	sequenceStart time.Time
}

// NewReconnector builds a policy layer over dialer.
func NewReconnector(dialer Dialer, schedule BackoffSchedule, maxAttempts int, cooldown time.Duration) *Reconnector {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Reconnector{
		dialer:      dialer,
		schedule:    schedule,
		maxAttempts: maxAttempts,
		cooldown:    cooldown,
	}
}

// Run performs one reconnection sequence: up to maxAttempts connect calls
// with capped exponential backoff between failures, stopping early on the
// first success. Success resets the attempt counter and the cooldown
// anchor; exhaustion returns *ExhaustedError.
func (r *Reconnector) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return ErrReconnectInProgress
	}
	if !r.sequenceStart.IsZero() && time.Since(r.sequenceStart) < r.cooldown {
		r.mu.Unlock()
		return ErrCircuitOpen
	}
	r.running = true
	r.sequenceStart = time.Now()
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		err := r.dialer.Connect(ctx)
		if err == nil {
			r.mu.Lock()
			r.sequenceStart = time.Time{}
			r.mu.Unlock()
			log.Printf("INFO: Bridge reconnected on attempt %d", attempt)
			return nil
		}
		lastErr = err
		if errors.Is(err, ErrAuthFailed) {
			// Retrying with the same token cannot succeed.
			return err
		}
		if attempt == r.maxAttempts {
			break
		}

		delay := r.schedule.Jittered(attempt)
		log.Printf("WARN: Reconnect attempt %d failed: %v (next in %s)", attempt, err, delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return &ExhaustedError{Attempts: r.maxAttempts, LastErr: lastErr}
}
