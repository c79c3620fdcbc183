package resilience

import (
	"errors"
	"time"
)

// ErrBudgetExhausted is returned when an operation keeps failing past the
// configured retry budget.
var ErrBudgetExhausted = errors.New("retry budget exhausted")

// Settings configures retry behavior.
type Settings struct {
	// MaxRetries is the number of retries after the initial attempt fails.
	MaxRetries int
	// Backoff maps the consecutive-failure count (starting at 1) to the wait
	// before the next retry.
	Backoff func(failures int) time.Duration
	// Sleep is the wait primitive. Defaults to time.Sleep.
	Sleep func(time.Duration)
	// OnRetry is called before each retry with the consecutive-failure count
	// and the wait that was applied.
	OnRetry func(failures int, wait time.Duration)
}

// Retrier retries a synchronous operation with configurable backoff.
type Retrier struct {
	name     string
	settings Settings
}

// New creates a new retrier with the given settings.
func New(name string, settings Settings) *Retrier {
	if settings.MaxRetries <= 0 {
		settings.MaxRetries = 3
	}
	if settings.Backoff == nil {
		settings.Backoff = LinearBackoff(time.Second)
	}
	if settings.Sleep == nil {
		settings.Sleep = time.Sleep
	}
	return &Retrier{name: name, settings: settings}
}

// LinearBackoff returns a backoff of unit multiplied by the failure count.
func LinearBackoff(unit time.Duration) func(int) time.Duration {
	return func(failures int) time.Duration {
		return time.Duration(failures) * unit
	}
}

// Name returns the retrier name.
func (r *Retrier) Name() string { return r.name }

// Execute runs the operation, retrying on failure until it succeeds or the
// budget is exhausted. The budget is fresh for every call. On exhaustion the
// last error is joined with ErrBudgetExhausted.
func (r *Retrier) Execute(op func() (interface{}, error)) (interface{}, error) {
	var lastErr error
	for failures := 0; failures <= r.settings.MaxRetries; {
		result, err := op()
		if err == nil {
			return result, nil
		}
		lastErr = err
		failures++
		if failures > r.settings.MaxRetries {
			break
		}
		wait := r.settings.Backoff(failures)
		if r.settings.OnRetry != nil {
			r.settings.OnRetry(failures, wait)
		}
		r.settings.Sleep(wait)
	}
	return nil, errors.Join(ErrBudgetExhausted, lastErr)
}
