// Package breaker implements a three-state circuit breaker, one instance
// per upstream partition, with lazy time-based transitions.
package breaker

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	breakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetglass_breaker_transitions_total",
		Help: "Total breaker state transitions by partition and target state",
	}, []string{"partition", "to"})

	breakerRejects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetglass_breaker_rejects_total",
		Help: "Total calls rejected while the breaker was open",
	}, []string{"partition"})
)

// State is a breaker state.
type State string

const (
	// StateClosed allows all calls through.
	StateClosed State = "closed"

	// StateOpen rejects calls without invoking the wrapped function.
	StateOpen State = "open"

	// StateHalfOpen lets probe calls through to test recovery.
	StateHalfOpen State = "half_open"
)

// quietAfterProbeFailures drops probe-failure logging to debug level after
// this many consecutive failed probes, purely to avoid log flooding.
const quietAfterProbeFailures = 3

// Config holds breaker tuning.
type Config struct {
	// FailureThreshold is the number of consecutive failures (since the last
	// success) that opens the breaker while closed.
	FailureThreshold int

	// ResetTimeout is the cool-down before an open breaker allows a probe.
	ResetTimeout time.Duration

	// IsFailure decides whether an error counts toward tripping the breaker.
	// Nil counts every error.
	IsFailure func(error) bool
}

// DefaultConfig returns safe breaker defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
	}
}

// OpenError is returned for calls rejected while the breaker is open. It is
// raised locally without contacting the upstream.
type OpenError struct {
	// Partition identifies the isolated upstream partition.
	Partition string

	// RetryAfter hints when the breaker will next allow a probe.
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for partition %q (retry after %s)", e.Partition, e.RetryAfter)
}

// machine is the breaker state as a value. Transitions that depend only on
// elapsed time happen in observe; transitions driven by call outcomes happen
// in onSuccess/onFailure. Keeping the machine a value keeps every transition
// explicit at its call site.
type machine struct {
	state                    State
	failures                 int
	successes                int
	lastFailureAt            time.Time
	openedAt                 time.Time
	consecutiveProbeFailures int
}

// observe advances lazy transitions: OPEN becomes HALF_OPEN once the
// cool-down has elapsed. Returns the new state and whether a transition
// occurred.
func (m machine) observe(now time.Time, resetTimeout time.Duration) (machine, bool) {
	if m.state == StateOpen && now.Sub(m.openedAt) >= resetTimeout {
		m.state = StateHalfOpen
		return m, true
	}
	return m, false
}

// onSuccess records a successful call. A probe success fully closes the
// breaker; a success while closed resets the consecutive-failure count.
func (m machine) onSuccess() machine {
	m.successes++
	switch m.state {
	case StateHalfOpen:
		m.state = StateClosed
		m.failures = 0
		m.consecutiveProbeFailures = 0
	case StateClosed:
		m.failures = 0
	}
	return m
}

// onFailure records a breaker-relevant failure. A probe failure re-opens the
// breaker and restarts the cool-down.
func (m machine) onFailure(now time.Time, threshold int) machine {
	m.failures++
	m.lastFailureAt = now
	switch m.state {
	case StateClosed:
		if m.failures >= threshold {
			m.state = StateOpen
			m.openedAt = now
		}
	case StateHalfOpen:
		m.consecutiveProbeFailures++
		m.state = StateOpen
		m.openedAt = now
	}
	return m
}

// Breaker wraps calls to one upstream partition. Go callers run on OS
// threads, so a mutex preserves the check-then-transition atomicity.
type Breaker struct {
	partition string
	cfg       Config
	logger    zerolog.Logger

	mu sync.Mutex
	m  machine
}

// New creates a closed breaker for a partition.
func New(partition string, cfg Config, logger zerolog.Logger) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultConfig().ResetTimeout
	}
	return &Breaker{
		partition: partition,
		cfg:       cfg,
		logger:    logger.With().Str("component", "breaker").Str("partition", partition).Logger(),
		m:         machine{state: StateClosed},
	}
}

// Execute runs fn through the breaker. While open (cool-down not elapsed)
// fn is not invoked and an *OpenError carrying the retry-after hint is
// returned. Errors excluded by IsFailure pass through without affecting the
// machine's failure count.
func (b *Breaker) Execute(fn func() error) error {
	b.mu.Lock()
	now := time.Now()
	m, transitioned := b.m.observe(now, b.cfg.ResetTimeout)
	b.m = m
	if transitioned {
		breakerTransitions.WithLabelValues(b.partition, string(StateHalfOpen)).Inc()
		b.logger.Info().Msg("Breaker half-open, probing")
	}

	if b.m.state == StateOpen {
		retryAfter := b.cfg.ResetTimeout - now.Sub(b.m.openedAt)
		b.mu.Unlock()
		breakerRejects.WithLabelValues(b.partition).Inc()
		return &OpenError{Partition: b.partition, RetryAfter: retryAfter}
	}
	b.mu.Unlock()

	err := fn()

	switch {
	case err == nil:
		b.recordSuccess()
	case b.isFailure(err):
		b.recordFailure(err)
	default:
		// Excluded errors (e.g. auth) leave the machine untouched.
	}
	return err
}

func (b *Breaker) isFailure(err error) bool {
	if b.cfg.IsFailure == nil {
		return true
	}
	return b.cfg.IsFailure(err)
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	wasHalfOpen := b.m.state == StateHalfOpen
	b.m = b.m.onSuccess()
	b.mu.Unlock()

	if wasHalfOpen {
		breakerTransitions.WithLabelValues(b.partition, string(StateClosed)).Inc()
		b.logger.Info().Msg("Breaker closed after successful probe")
	}
}

func (b *Breaker) recordFailure(err error) {
	b.mu.Lock()
	now := time.Now()
	before := b.m.state
	b.m = b.m.onFailure(now, b.cfg.FailureThreshold)
	opened := before != StateOpen && b.m.state == StateOpen
	probeFailures := b.m.consecutiveProbeFailures
	failures := b.m.failures
	b.mu.Unlock()

	if !opened {
		return
	}

	breakerTransitions.WithLabelValues(b.partition, string(StateOpen)).Inc()

	event := b.logger.Warn()
	if probeFailures > quietAfterProbeFailures {
		// Sustained failure; keep the log quiet.
		event = b.logger.Debug()
	}
	event.
		Err(err).
		Int("failures", failures).
		Int("probe_failures", probeFailures).
		Dur("reset_timeout", b.cfg.ResetTimeout).
		Msg("Breaker opened")
}

// Reset returns the breaker to a pristine closed state.
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.m = machine{state: StateClosed}
	b.mu.Unlock()
}

// Snapshot describes breaker state for the administrative surface.
type Snapshot struct {
	Partition                string     `json:"partition"`
	State                    State      `json:"state"`
	Failures                 int        `json:"failures"`
	Successes                int        `json:"successes"`
	LastFailureAt            *time.Time `json:"last_failure_at,omitempty"`
	OpenedAt                 *time.Time `json:"opened_at,omitempty"`
	ConsecutiveProbeFailures int        `json:"consecutive_probe_failures"`
}

// Snapshot returns the current state. Querying applies the same lazy
// transition as a call would.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	m, transitioned := b.m.observe(time.Now(), b.cfg.ResetTimeout)
	b.m = m
	if transitioned {
		breakerTransitions.WithLabelValues(b.partition, string(StateHalfOpen)).Inc()
	}

	snap := Snapshot{
		Partition:                b.partition,
		State:                    b.m.state,
		Failures:                 b.m.failures,
		Successes:                b.m.successes,
		ConsecutiveProbeFailures: b.m.consecutiveProbeFailures,
	}
	if !b.m.lastFailureAt.IsZero() {
		t := b.m.lastFailureAt
		snap.LastFailureAt = &t
	}
	if !b.m.openedAt.IsZero() {
		t := b.m.openedAt
		snap.OpenedAt = &t
	}
	return snap
}
