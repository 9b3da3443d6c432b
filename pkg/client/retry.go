package client

import (
	"context"
	"errors"
	"time"

	"github.com/cuemby/burrow/pkg/protocol"
)

const (
	DefaultRetryInitialDelay = 500 * time.Millisecond
	DefaultRetryFactor       = 2.0
	DefaultRetryMaxDelay     = 10 * time.Second
	DefaultRetryMaxAttempts  = 4
)

// RetryPolicy is exponential backoff gated by the wire error-code table.
// Only codes the protocol marks retryable are retried; everything else
// fails on the first attempt.
type RetryPolicy struct {
	InitialDelay time.Duration
	Factor       float64
	MaxDelay     time.Duration
	MaxAttempts  int
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.InitialDelay <= 0 {
		p.InitialDelay = DefaultRetryInitialDelay
	}
	if p.Factor <= 1 {
		p.Factor = DefaultRetryFactor
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultRetryMaxDelay
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultRetryMaxAttempts
	}
	return p
}

// delay returns the backoff before the given retry (1-based).
func (p RetryPolicy) delay(retry int) time.Duration {
	d := p.InitialDelay
	for i := 1; i < retry; i++ {
		d = time.Duration(float64(d) * p.Factor)
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Retry runs op up to MaxAttempts times. An error is retried only when
// it is a wire error whose code the table marks retryable; foreign
// errors never retry, however transient they look.
func Retry(ctx context.Context, policy RetryPolicy, op func(context.Context) error) error {
	policy = policy.withDefaults()

	var err error
	for attempt := 1; ; attempt++ {
		if err = op(ctx); err == nil {
			return nil
		}

		var wireErr *protocol.Error
		if !errors.As(err, &wireErr) || !wireErr.Retryable() {
			return err
		}
		if attempt >= policy.MaxAttempts {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(policy.delay(attempt)):
		}
	}
}
