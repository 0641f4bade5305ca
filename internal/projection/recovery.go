package projection

import (
	"fmt"
	"strings"
	"time"

	"github.com/SteelMorgan/projector/internal/retry"
)

// Strategy names what happens once a handler failure is final.
type Strategy string

const (
	StrategyFail         Strategy = "fail"
	StrategySkip         Strategy = "skip"
	StrategyRetryAndFail Strategy = "retry_and_fail"
	StrategyRetryAndSkip Strategy = "retry_and_skip"
)

// ParseStrategy parses a configured strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(strings.ToLower(strings.TrimSpace(s))); st {
	case StrategyFail, StrategySkip, StrategyRetryAndFail, StrategyRetryAndSkip:
		return st, nil
	case "":
		return StrategyFail, nil
	default:
		return "", fmt.Errorf("unknown recovery strategy %q", s)
	}
}

// Decision is the outcome of a recovery check.
type Decision int

const (
	DecisionFail Decision = iota
	DecisionRetry
	DecisionSkip
)

func (d Decision) String() string {
	switch d {
	case DecisionRetry:
		return "retry"
	case DecisionSkip:
		return "skip"
	default:
		return "fail"
	}
}

// Recovery decides how a failing envelope is handled.
type Recovery struct {
	Strategy Strategy
	Retries  int          // extra attempts for the retry strategies
	Backoff  retry.Config // delay schedule between attempts
}

// Fail stops the projection on the first failure.
func Fail() Recovery {
	return Recovery{Strategy: StrategyFail}
}

// Skip drops the envelope on the first failure and moves on.
func Skip() Recovery {
	return Recovery{Strategy: StrategySkip}
}

// RetryAndFail retries retries times with a fixed delay, then fails.
func RetryAndFail(retries int, delay time.Duration) Recovery {
	return Recovery{Strategy: StrategyRetryAndFail, Retries: retries, Backoff: retry.Constant(retries+1, delay)}
}

// RetryAndSkip retries retries times with a fixed delay, then skips.
func RetryAndSkip(retries int, delay time.Duration) Recovery {
	return Recovery{Strategy: StrategyRetryAndSkip, Retries: retries, Backoff: retry.Constant(retries+1, delay)}
}

// WithBackoff replaces the delay schedule, typically with an exponential one.
func (r Recovery) WithBackoff(cfg retry.Config) Recovery {
	r.Backoff = cfg
	return r
}

// Validate checks the policy.
func (r Recovery) Validate() error {
	if _, err := ParseStrategy(string(r.Strategy)); err != nil {
		return err
	}
	if r.Retries < 0 {
		return fmt.Errorf("recovery retries must not be negative, got %d", r.Retries)
	}
	return nil
}

// Decide returns what to do after the given number of failed attempts.
func (r Recovery) Decide(failures int) Decision {
	switch r.Strategy {
	case StrategySkip:
		return DecisionSkip
	case StrategyRetryAndFail:
		if failures <= r.Retries {
			return DecisionRetry
		}
		return DecisionFail
	case StrategyRetryAndSkip:
		if failures <= r.Retries {
			return DecisionRetry
		}
		return DecisionSkip
	default:
		return DecisionFail
	}
}

// RestartSettings controls restarts of the whole runner after a failure.
// The zero value never restarts.
type RestartSettings struct {
	MaxRestarts  int
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
	RandomFactor float64
}

func (s RestartSettings) backoff() retry.Config {
	return retry.Config{
		InitialDelay:        s.MinBackoff,
		MaxDelay:            s.MaxBackoff,
		Multiplier:          2,
		RandomizationFactor: s.RandomFactor,
	}
}

// Delivery selects how offsets are committed.
type Delivery struct {
	// AtLeastOnce saves offsets outside the handler transaction, after
	// AfterEnvelopes envelopes or AfterDuration of idleness, whichever
	// comes first. Envelopes handled since the last save are replayed
	// after a crash.
	AtLeastOnce    bool
	AfterEnvelopes int
	AfterDuration  time.Duration
}

// ExactlyOnce commits the offset in the same transaction as the handler.
func ExactlyOnce() Delivery {
	return Delivery{}
}

// AtLeastOnce batches offset saves.
func AtLeastOnce(afterEnvelopes int, afterDuration time.Duration) Delivery {
	return Delivery{AtLeastOnce: true, AfterEnvelopes: afterEnvelopes, AfterDuration: afterDuration}
}

// Validate checks the delivery settings.
func (d Delivery) Validate() error {
	if !d.AtLeastOnce {
		return nil
	}
	if d.AfterEnvelopes < 1 {
		return fmt.Errorf("at-least-once delivery needs a positive envelope threshold, got %d", d.AfterEnvelopes)
	}
	if d.AfterDuration < 0 {
		return fmt.Errorf("at-least-once save interval must not be negative")
	}
	return nil
}
