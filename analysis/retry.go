package analysis

import (
	"context"
	"fmt"
	"time"
)

// Analyzer performs one remote analysis of a chunk. Implementations make a single
// attempt and classify failures with ErrTimeout, ErrTransient, ErrMalformedResponse or ErrRemote.
type Analyzer interface {
	Analyze(ctx context.Context, chunk string) (Result, error)
}

// AnalyzerFunc adapts a function to Analyzer.
type AnalyzerFunc func(ctx context.Context, chunk string) (Result, error)

func (f AnalyzerFunc) Analyze(ctx context.Context, chunk string) (Result, error) { return f(ctx, chunk) }

// RetryPolicy controls CallWithRetry.
type RetryPolicy struct {
	// MaxAttempts is the total number of Analyze calls allowed (values < 1 mean 1).
	MaxAttempts int
	// BaseDelay scales the linear backoff: the wait before attempt n+1 is BaseDelay*(n+1).
	BaseDelay time.Duration
	// OnRetry, if set, is called before each backoff wait.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// CallWithRetry runs a.Analyze until it succeeds, fails with a non-retryable error,
// or MaxAttempts is reached. Only ErrTimeout and ErrTransient are retried.
//
// Canceling ctx does not interrupt an attempt already in flight; the attempt ends on its
// own or through the analyzer's timeout. Cancellation stops the backoff wait and no
// further attempt starts.
func CallWithRetry(ctx context.Context, a Analyzer, chunk string, p RetryPolicy) (Result, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	callCtx := context.WithoutCancel(ctx)

	var lastErr error
	for n := 0; n < attempts; n++ {
		if n > 0 {
			wait := p.BaseDelay * time.Duration(n)
			if p.OnRetry != nil {
				p.OnRetry(n, lastErr, wait)
			}
			if err := sleep(ctx, wait); err != nil {
				return Result{}, fmt.Errorf("retry wait: %w", err)
			}
		}

		res, err := a.Analyze(callCtx, chunk)
		if err == nil {
			return res, nil
		}
		if !Retryable(err) {
			return Result{}, err
		}
		lastErr = err
	}
	return Result{}, &exhaustedError{attempts: attempts, last: lastErr}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
