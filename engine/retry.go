package engine

import (
	"context"
	"math/rand"
	"strings"
	"time"
)

// RetryPolicy controls how a stage is re-attempted. MaxAttempts counts
// the first attempt: a policy with MaxAttempts 1 never retries.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool

	// ShouldRetry classifies an error thrown by a handler. Nil defaults
	// to ClassifyError.
	ShouldRetry func(error) bool

	// Sleep is the delay function; tests replace it with a no-op. Nil
	// uses a context-aware sleep.
	Sleep func(ctx context.Context, d time.Duration)

	// Rand is the jitter source; nil uses the global source.
	Rand *rand.Rand
}

// Preset retry policies.
var (
	// RetryNone performs a single attempt.
	RetryNone = RetryPolicy{MaxAttempts: 1}

	// RetryStandard is the default: 5 attempts, 200ms doubling.
	RetryStandard = RetryPolicy{MaxAttempts: 5, InitialDelay: 200 * time.Millisecond, Multiplier: 2, MaxDelay: 30 * time.Second}

	// RetryAggressive waits longer between its 5 attempts.
	RetryAggressive = RetryPolicy{MaxAttempts: 5, InitialDelay: 500 * time.Millisecond, Multiplier: 2, MaxDelay: 60 * time.Second}

	// RetryLinear keeps a constant 500ms delay across 3 attempts.
	RetryLinear = RetryPolicy{MaxAttempts: 3, InitialDelay: 500 * time.Millisecond, Multiplier: 1, MaxDelay: 30 * time.Second}

	// RetryPatient backs off steeply: 3 attempts, 2s tripling.
	RetryPatient = RetryPolicy{MaxAttempts: 3, InitialDelay: 2 * time.Second, Multiplier: 3, MaxDelay: 5 * time.Minute}
)

// PresetPolicy returns a named preset policy. Unknown names return
// RetryNone with ok=false.
func PresetPolicy(name string) (RetryPolicy, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "none":
		return RetryNone, true
	case "standard":
		return RetryStandard, true
	case "aggressive":
		return RetryAggressive, true
	case "linear":
		return RetryLinear, true
	case "patient":
		return RetryPatient, true
	}
	return RetryNone, false
}

// DelayForAttempt computes the backoff before attempt n+1 (n is the
// 1-based attempt that just failed): min(cap, initial × multiplier^(n-1)),
// scaled by (0.5 + rand()) when jitter is on, floored at zero.
func (p RetryPolicy) DelayForAttempt(attempt int) time.Duration {
	if attempt < 1 || p.InitialDelay <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult <= 0 {
		mult = 1
	}
	d := float64(p.InitialDelay)
	for i := 1; i < attempt; i++ {
		d *= mult
		if p.MaxDelay > 0 && d >= float64(p.MaxDelay) {
			d = float64(p.MaxDelay)
			break
		}
	}
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter {
		r := p.Rand
		var f float64
		if r != nil {
			f = r.Float64()
		} else {
			f = rand.Float64()
		}
		d *= 0.5 + f
	}
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}

func (p RetryPolicy) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	if p.Sleep != nil {
		p.Sleep(ctx, d)
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (p RetryPolicy) shouldRetry(err error) bool {
	if p.ShouldRetry != nil {
		return p.ShouldRetry(err)
	}
	return ClassifyError(err)
}

// retryablePatterns are message fragments marking transient failures.
var retryablePatterns = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
	"connection reset",
	"connection refused",
	"econnreset",
	"broken pipe",
	"network",
	"temporarily unavailable",
	"rate limit",
	"too many requests",
	"429",
	"500",
	"502",
	"503",
	"504",
	"overloaded",
	"stream interrupted",
	"unexpected eof",
}

// permanentPatterns mark deterministic failures that retrying cannot fix.
var permanentPatterns = []string{
	"unauthorized",
	"authentication",
	"invalid api key",
	"forbidden",
	"403",
	"400",
	"401",
	"404",
	"not found",
	"invalid request",
	"validation",
	"bad request",
	"config",
	"unsupported",
}

// ClassifyError is the default retry predicate: transient network, rate
// limit, and server errors retry; auth, validation, and configuration
// errors do not; unknown errors do not.
func ClassifyError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, p := range permanentPatterns {
		if strings.Contains(msg, p) {
			return false
		}
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
