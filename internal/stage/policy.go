package stage

import (
	"time"

	"ArticleRelay/internal/config"
	"ArticleRelay/internal/domain"
	"ArticleRelay/pkg/resilience"
)

const defaultTimeout = time.Minute

// Policy configures the retry envelope of a stage.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	// Jitter is a fraction of the computed delay, e.g. 0.1 for ±10%.
	Jitter  float64
	Timeout time.Duration
	// Retryable lists the error kinds worth another attempt; nil means
	// DefaultRetryable.
	Retryable map[domain.ErrorKind]bool
	// KindDelayFactor stretches the backoff of specific kinds.
	KindDelayFactor map[domain.ErrorKind]float64
	// KindMaxAttempts caps attempts of a kind; reaching it is terminal.
	KindMaxAttempts map[domain.ErrorKind]int
}

// DefaultRetryable returns the kinds retried when a policy names none.
func DefaultRetryable() map[domain.ErrorKind]bool {
	return map[domain.ErrorKind]bool{
		domain.KindTransient:         true,
		domain.KindRateLimited:       true,
		domain.KindQuotaExhausted:    true,
		domain.KindMalformedResponse: true,
	}
}

// PolicyFromConfig translates a configured policy.
func PolicyFromConfig(cfg config.PolicyConfig) Policy {
	p := Policy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.BaseDelay,
		Multiplier:  cfg.Multiplier,
		MaxDelay:    cfg.MaxDelay,
		Jitter:      cfg.Jitter,
		Timeout:     cfg.Timeout,
	}
	if len(cfg.Retryable) > 0 {
		p.Retryable = map[domain.ErrorKind]bool{}
		for _, kind := range cfg.Retryable {
			p.Retryable[domain.ErrorKind(kind)] = true
		}
	}
	if cfg.RateLimitFactor > 0 {
		p.KindDelayFactor = map[domain.ErrorKind]float64{
			domain.KindRateLimited:    cfg.RateLimitFactor,
			domain.KindQuotaExhausted: cfg.RateLimitFactor,
		}
	}
	if cfg.MalformedAttempts > 0 {
		p.KindMaxAttempts = map[domain.ErrorKind]int{
			domain.KindMalformedResponse: cfg.MalformedAttempts,
		}
	}
	return p
}

func (p Policy) maxAttempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

func (p Policy) timeout() time.Duration {
	if p.Timeout <= 0 {
		return defaultTimeout
	}
	return p.Timeout
}

func (p Policy) retryable(kind domain.ErrorKind) bool {
	if kind == domain.KindFatalInfrastructure {
		return false
	}
	if p.Retryable == nil {
		return DefaultRetryable()[kind]
	}
	return p.Retryable[kind]
}

func (p Policy) factor(kind domain.ErrorKind) float64 {
	if f, ok := p.KindDelayFactor[kind]; ok && f > 0 {
		return f
	}
	return 1
}

// tracker folds consecutive failures into continue/stop decisions.
type tracker struct {
	policy    Policy
	backoff   resilience.Backoff
	attempts  int
	perKind   map[domain.ErrorKind]int
	lastDelay time.Duration
}

func newTracker(policy Policy, random func() float64) *tracker {
	return &tracker{
		policy: policy,
		backoff: resilience.Backoff{
			InitialDelay:   policy.BaseDelay,
			MaxDelay:       policy.MaxDelay,
			Multiplier:     policy.Multiplier,
			JitterFraction: policy.Jitter,
			Rand:           random,
		},
		perKind: map[domain.ErrorKind]int{},
	}
}

// fail records one consumed attempt failing with kind. A non-empty status
// means stop; otherwise wait for the returned delay and try again.
func (t *tracker) fail(kind domain.ErrorKind) (domain.StageStatus, time.Duration) {
	t.attempts++
	t.perKind[kind]++

	if !t.policy.retryable(kind) {
		return domain.StatusTerminal, 0
	}
	if limit, ok := t.policy.KindMaxAttempts[kind]; ok && t.perKind[kind] >= limit {
		return domain.StatusTerminal, 0
	}
	if t.attempts >= t.policy.maxAttempts() {
		return domain.StatusRetryable, 0
	}

	delay := t.backoff.Delay(t.attempts, t.policy.factor(kind))
	if delay < t.lastDelay {
		delay = t.lastDelay
	}
	if t.policy.MaxDelay > 0 && delay > t.policy.MaxDelay {
		delay = t.policy.MaxDelay
	}
	t.lastDelay = delay
	return "", delay
}
