package dispatch

import (
	"context"
	"time"

	"github.com/perceptra-ai/metering-backend/internal/credentials"
	"github.com/perceptra-ai/metering-backend/internal/meter"
	pkgerrors "github.com/perceptra-ai/metering-backend/pkg/errors"
	"github.com/perceptra-ai/metering-backend/pkg/logger"
	"github.com/perceptra-ai/metering-backend/pkg/metrics"
)

// Invoker performs one provider call with one credential. The returned
// details feed the billing step's cost computation.
type Invoker interface {
	Invoke(ctx context.Context, variant meter.Capability, credential credentials.Credential, params map[string]any) (response any, details map[string]any, err error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, variant meter.Capability, credential credentials.Credential, params map[string]any) (any, map[string]any, error)

func (f InvokerFunc) Invoke(ctx context.Context, variant meter.Capability, credential credentials.Credential, params map[string]any) (any, map[string]any, error) {
	return f(ctx, variant, credential, params)
}

type affordabilityChecker interface {
	CanAfford(ctx context.Context, requester meter.Requester, capability meter.Capability, params map[string]any, byok bool) error
	ScheduleBill(ctx context.Context, requester meter.Requester, capability meter.Capability, byok bool, details map[string]any) error
}

type credentialRouter interface {
	Resolve(ctx context.Context, caller credentials.ScopeRef, provider string) ([]credentials.Credential, error)
	RecordOutcome(credential *credentials.Credential, outcome credentials.Outcome)
	Persist(ctx context.Context, creds []credentials.Credential)
}

// Loop runs the variant-by-credential failover for one request.
type Loop struct {
	router  credentialRouter
	meter   affordabilityChecker
	invoker Invoker
	logger  *logger.Logger
	metrics *metrics.BillingMetrics
}

// LoopParams groups dispatch loop dependencies.
type LoopParams struct {
	Router  credentialRouter
	Meter   affordabilityChecker
	Invoker Invoker
	Logger  *logger.Logger
	Metrics *metrics.BillingMetrics
}

// NewLoop wires the dispatch loop.
func NewLoop(params LoopParams) (*Loop, error) {
	if params.Router == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "credential router required")
	}
	if params.Meter == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "expense meter required")
	}
	if params.Invoker == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "invoker required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "logger required")
	}
	return &Loop{
		router:  params.Router,
		meter:   params.Meter,
		invoker: params.Invoker,
		logger:  params.Logger,
		metrics: params.Metrics,
	}, nil
}

// Request is one dispatchable unit of work: equivalent capability variants
// in preference order plus the caller's identity and credential scope.
type Request struct {
	Requester meter.Requester
	Scope     credentials.ScopeRef
	Variants  []meter.Capability
	Params    map[string]any
}

// Result carries the successful response together with what produced it.
type Result struct {
	Variant    meter.Capability
	Credential credentials.Credential
	Response   any
}

// Dispatch walks variants outer and credentials inner until one attempt
// succeeds. Affordability rejections and non-retryable invocation errors end
// the loop immediately; retryable failures move on to the next credential,
// then the next variant. No (variant, credential) pair is attempted twice.
func (l *Loop) Dispatch(ctx context.Context, req Request) (*Result, error) {
	if len(req.Variants) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "no capability variants to dispatch")
	}

	touched := make([]credentials.Credential, 0, 4)
	defer func() {
		if len(touched) > 0 {
			l.router.Persist(ctx, touched)
		}
	}()

	var lastErr error
	for _, variant := range req.Variants {
		creds, err := l.router.Resolve(ctx, req.Scope, variant.Provider)
		if err != nil {
			return nil, err
		}

		for i := range creds {
			cred := creds[i]
			if ctx.Err() != nil {
				return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, ctx.Err(), "dispatch aborted")
			}

			if err := l.meter.CanAfford(ctx, req.Requester, variant, req.Params, cred.BYOK); err != nil {
				return nil, err
			}

			started := time.Now()
			response, details, err := l.invoker.Invoke(ctx, variant, cred, req.Params)
			latency := time.Since(started)

			if err == nil {
				l.router.RecordOutcome(&cred, credentials.Outcome{Success: true, Latency: latency})
				touched = append(touched, cred)
				l.metrics.IncDispatchAttempt(variant.Provider, "success")
				// Billing survives request cancellation; the call already
				// returned a chargeable result.
				if billErr := l.meter.ScheduleBill(ctx, req.Requester, variant, cred.BYOK, details); billErr != nil {
					l.logger.Error(ctx, "failed to schedule billing for "+variant.Model, billErr)
				}
				return &Result{Variant: variant, Credential: cred, Response: response}, nil
			}

			l.router.RecordOutcome(&cred, credentials.Outcome{Success: false, Latency: latency, RetryAfter: retryAfterHint(err)})
			touched = append(touched, cred)

			if !retryable(err) {
				l.metrics.IncDispatchAttempt(variant.Provider, "fatal")
				return nil, err
			}
			l.metrics.IncDispatchAttempt(variant.Provider, "retryable")
			l.logger.Warn(ctx, "provider attempt failed, trying next candidate: "+err.Error())
			lastErr = err
		}
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, pkgerrors.New(pkgerrors.CodeDependency, "no usable credential for any capability variant")
}
