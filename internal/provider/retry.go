package provider

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"github.com/kaix-agent/kaix-core/internal/kerrors"
	"github.com/kaix-agent/kaix-core/internal/plan"
)

// RetryPolicy configures the backoff decorator (§4.2): three attempts, base
// delay one second, exponential with factor two, capped at ~4 minutes.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Factor      float64
}

// DefaultRetryPolicy matches the spec's stated defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   1 * time.Second,
		MaxDelay:    4 * time.Minute,
		Factor:      2,
	}
}

// retryable decorates an Interface with the shared retry policy. It retries
// on RateLimit, Network, and RequestFailed-with-5xx errors; gives up
// immediately on everything else (Authentication, InvalidModel, 4xx-other)
// by wrapping the error in backoff.Permanent so backoff.Retry stops at once.
// A token-bucket limiter throttles outbound calls so RateLimit responses are
// pre-empted where possible.
type retryable struct {
	inner   Interface
	policy  RetryPolicy
	limiter *rate.Limiter
}

// WithRetry wraps p with the default retry policy and a generous limiter
// (10 requests/sec, burst 10) — callers needing a tighter budget should
// construct retryable directly via NewWithPolicy.
func WithRetry(p Interface) Interface {
	return NewWithPolicy(p, DefaultRetryPolicy(), rate.NewLimiter(rate.Limit(10), 10))
}

// NewWithPolicy wraps p with an explicit policy and limiter.
func NewWithPolicy(p Interface, policy RetryPolicy, limiter *rate.Limiter) Interface {
	return &retryable{inner: p, policy: policy, limiter: limiter}
}

// classify decides whether err should stop the retry loop (wrapped in
// backoff.Permanent), retry on the policy's own exponential schedule, or
// retry after a provider-supplied delay. spec.md:69 requires RateLimit
// errors to wait the provider's retry-after hint when one is present,
// falling back to exponential backoff only when it isn't.
func classify(err error) error {
	var ke *kerrors.Error
	if !errors.As(err, &ke) {
		return backoff.Permanent(err)
	}
	switch ke.Kind {
	case kerrors.KindRateLimit:
		if ke.RetryAfter > 0 {
			// backoff.RetryAfter overrides the next wait with an explicit
			// duration instead of the policy's computed exponential delay;
			// errors.Join keeps err itself reachable so a caller who gives up
			// still sees the original rate-limit message.
			secs := int(ke.RetryAfter / time.Second)
			if ke.RetryAfter%time.Second != 0 {
				secs++
			}
			if secs < 1 {
				secs = 1
			}
			return errors.Join(err, backoff.RetryAfter(secs))
		}
		return err // no hint: retryable on the policy's own schedule
	case kerrors.KindNetwork:
		return err // retryable as-is
	case kerrors.KindRequestFailed:
		if ke.IsRecoverable() {
			return err
		}
		return backoff.Permanent(err)
	default:
		return backoff.Permanent(err)
	}
}

// run executes fn under the shared retry/backoff/rate-limit policy.
func run[T any](ctx context.Context, r *retryable, fn func(ctx context.Context) (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.policy.BaseDelay
	b.Multiplier = r.policy.Factor
	b.MaxInterval = r.policy.MaxDelay

	return backoff.Retry(ctx, func() (T, error) {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				var zero T
				return zero, backoff.Permanent(kerrors.NewCancelled("provider call"))
			}
		}
		result, err := fn(ctx)
		if err != nil {
			return result, classify(err)
		}
		return result, nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(r.policy.MaxAttempts)))
}

func (r *retryable) ListModels(ctx context.Context) ([]ModelInfo, error) {
	return run(ctx, r, func(ctx context.Context) ([]ModelInfo, error) {
		return r.inner.ListModels(ctx)
	})
}

func (r *retryable) Generate(ctx context.Context, messages []Message, model string, tools []ToolDefinition, cfg GenConfig) (LlmResponse, error) {
	return run(ctx, r, func(ctx context.Context) (LlmResponse, error) {
		return r.inner.Generate(ctx, messages, model, tools, cfg)
	})
}

func (r *retryable) GeneratePlan(ctx context.Context, userRequest, projectContext, model string) (*plan.Plan, error) {
	return run(ctx, r, func(ctx context.Context) (*plan.Plan, error) {
		return r.inner.GeneratePlan(ctx, userRequest, projectContext, model)
	})
}

func (r *retryable) GenerateContent(ctx context.Context, prompt, context_ string, model string, cfg GenConfig) (string, error) {
	return run(ctx, r, func(ctx context.Context) (string, error) {
		return r.inner.GenerateContent(ctx, prompt, context_, model, cfg)
	})
}

func (r *retryable) RefineTask(ctx context.Context, task *plan.Task, rc RefinementContext, model string) (string, error) {
	return run(ctx, r, func(ctx context.Context) (string, error) {
		return r.inner.RefineTask(ctx, task, rc, model)
	})
}

func (r *retryable) AnalyzeResult(ctx context.Context, task *plan.Task, raw RawResult, expectedOutcome string, model string) (TaskAnalysis, error) {
	return run(ctx, r, func(ctx context.Context) (TaskAnalysis, error) {
		return r.inner.AnalyzeResult(ctx, task, raw, expectedOutcome, model)
	})
}
