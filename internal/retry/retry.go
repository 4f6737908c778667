// Package retry classifies failures and drives reconnection backoff. The
// per-file retry budget is tracked separately from the per-connection
// attempt budget: a file may exhaust its own budget while each reconnection
// attempt still gets the full connection budget.
package retry

import (
	"context"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// Defaults, matching the appliance's observed recovery behavior.
const (
	DefaultMaxFileRetries       = 2
	DefaultMaxAttempts          = 3
	NetworkAffectingMaxAttempts = 10
	DefaultBaseDelay            = 2 * time.Second
	DefaultMaxDelay             = 30 * time.Second
)

// retryableVocabulary is the fixed set of message fragments that mark a
// failure as transient. Anything else is terminal for the file.
var retryableVocabulary = []string{
	"timeout",
	"connection lost",
	"network",
	"broken pipe",
	"connection refused",
	"no route to host",
}

// Retryable reports whether err matches the retryable vocabulary.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, v := range retryableVocabulary {
		if strings.Contains(msg, v) {
			return true
		}
	}
	return false
}

// Policy describes connection retry behavior: up to MaxAttempts attempts
// with a delay starting at BaseDelay and doubling up to MaxDelay.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy returns the policy used for ordinary tests.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
	}
}

// NetworkAffectingPolicy returns the policy used when the test itself is
// expected to sever the connection: the appliance goes briefly unreachable
// by design, so many more attempts are allowed.
func NetworkAffectingPolicy() Policy {
	p := DefaultPolicy()
	p.MaxAttempts = NetworkAffectingMaxAttempts
	return p
}

// Delay returns the backoff delay before the given 1-based attempt.
// The first attempt has no delay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	d := p.BaseDelay
	for i := 2; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Run invokes op up to MaxAttempts times with exponential backoff, stopping
// early on success, on a non-retryable error, or when ctx is cancelled.
func (p Policy) Run(ctx context.Context, what string, op func() error) error {
	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if delay := p.Delay(attempt); delay > 0 {
			log.Debug("backing off", "op", what, "attempt", attempt, "delay", delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		if err = op(); err == nil {
			return nil
		}
		log.Warn("attempt failed", "op", what, "attempt", attempt,
			"max", p.MaxAttempts, "error", err)
		if !Retryable(err) {
			return err
		}
	}
	return err
}

// FileBudget tracks per-file retry counters for one batch run. It is reset
// only between independent batch runs and never shared across files.
type FileBudget struct {
	max    int
	counts map[string]int
}

// NewFileBudget returns a budget allowing max retries per file name.
func NewFileBudget(max int) *FileBudget {
	return &FileBudget{max: max, counts: map[string]int{}}
}

// ShouldRetry decides whether the given file's failure warrants another
// attempt and, if so, consumes one unit of the file's budget. Once the
// budget is exhausted, every subsequent failure is non-retryable regardless
// of the error message.
func (b *FileBudget) ShouldRetry(fileName string, err error) bool {
	if b.counts[fileName] >= b.max {
		return false
	}
	if !Retryable(err) {
		return false
	}
	b.counts[fileName]++
	return true
}

// Used returns how much of the file's budget has been consumed.
func (b *FileBudget) Used(fileName string) int {
	return b.counts[fileName]
}

// Reset clears all counters for a new batch run.
func (b *FileBudget) Reset() {
	b.counts = map[string]int{}
}
