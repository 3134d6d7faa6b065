package credentials

import (
	"context"
	"time"

	"github.com/perceptra-ai/metering-backend/pkg/enums"
	pkgerrors "github.com/perceptra-ai/metering-backend/pkg/errors"
	"github.com/perceptra-ai/metering-backend/pkg/logger"
)

// Router selects and health-tracks usable credentials per capability scope.
type Router struct {
	store  Store
	logger *logger.Logger
}

// RouterParams groups router dependencies.
type RouterParams struct {
	Store  Store
	Logger *logger.Logger
}

// NewRouter wires the credential router.
func NewRouter(params RouterParams) (*Router, error) {
	if params.Store == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "credential store required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "logger required")
	}
	return &Router{store: params.Store, logger: params.Logger}, nil
}

// Resolve returns the usable credentials for the provider: system-scope
// credentials first, then the caller's scope, each tier in creation order.
// Disabled credentials never appear. Caller scope is the organization when
// the request acts on behalf of one, the user otherwise, never both.
func (r *Router) Resolve(ctx context.Context, caller ScopeRef, provider string) ([]Credential, error) {
	system, err := r.store.Load(ctx, SystemScope())
	if err != nil {
		return nil, err
	}
	resolved := filterUsable(system, provider)

	if caller.Scope != enums.CredentialScopeSystem && caller.OwnerID != nil {
		scoped, err := r.store.Load(ctx, caller)
		if err != nil {
			return nil, err
		}
		resolved = append(resolved, filterUsable(scoped, provider)...)
	}
	return resolved, nil
}

func filterUsable(creds []Credential, provider string) []Credential {
	usable := make([]Credential, 0, len(creds))
	for _, cred := range creds {
		if !cred.Usable() {
			continue
		}
		if provider != "" && cred.Provider != provider {
			continue
		}
		usable = append(usable, cred)
	}
	return usable
}

// RecordOutcome folds one invocation attempt into the credential's health
// state. The change is in-memory until Persist flushes it.
func (r *Router) RecordOutcome(credential *Credential, outcome Outcome) {
	now := time.Now().UTC()
	if outcome.Success {
		credential.Health.ErrorCount = 0
		credential.Health.LastUsedAt = &now
		return
	}
	credential.Health.ErrorCount++
	credential.Health.LastErrorAt = &now
	if outcome.RetryAfter != nil {
		reset := now.Add(*outcome.RetryAfter)
		credential.Health.RateLimitResetRequestsAt = &reset
		zero := int64(0)
		credential.Health.RateLimitRemainingRequests = &zero
	}
}

// Persist flushes health state to the cache. Health tracking is best-effort:
// failures are logged and never fail the request path.
func (r *Router) Persist(ctx context.Context, creds []Credential) {
	byScope := map[string][]Credential{}
	scopes := map[string]ScopeRef{}
	for _, cred := range creds {
		key := cred.ScopeRef.CacheKey()
		byScope[key] = append(byScope[key], cred)
		scopes[key] = cred.ScopeRef
	}
	for key, group := range byScope {
		if err := r.store.Flush(ctx, scopes[key], group); err != nil {
			r.logger.Warn(ctx, "failed to persist credential health for "+key+": "+err.Error())
		}
	}
}
