package credentials

import (
	"time"

	"github.com/google/uuid"

	"github.com/perceptra-ai/metering-backend/pkg/enums"
)

// ScopeRef names one credential scope: the system pool, one user, or one
// organization.
type ScopeRef struct {
	Scope   enums.CredentialScope
	OwnerID *uuid.UUID
}

// SystemScope is the shared platform credential pool.
func SystemScope() ScopeRef {
	return ScopeRef{Scope: enums.CredentialScopeSystem}
}

// UserScope references one user's credentials.
func UserScope(userID uuid.UUID) ScopeRef {
	return ScopeRef{Scope: enums.CredentialScopeUser, OwnerID: &userID}
}

// OrgScope references one organization's credentials.
func OrgScope(orgID uuid.UUID) ScopeRef {
	return ScopeRef{Scope: enums.CredentialScopeOrganization, OwnerID: &orgID}
}

// CacheKey is the scope's cache partition name.
func (s ScopeRef) CacheKey() string {
	if s.OwnerID == nil {
		return string(s.Scope)
	}
	return string(s.Scope) + ":" + s.OwnerID.String()
}

// HealthState is the best-effort, cache-resident health record of one
// credential. It is never a source of financial truth; a stale value costs a
// slightly worse routing decision at most.
type HealthState struct {
	Disabled                   bool       `json:"disabled"`
	ErrorCount                 int        `json:"error_count"`
	LastErrorAt                *time.Time `json:"last_error_at,omitempty"`
	RateLimitRemainingRequests *int64     `json:"rate_limit_remaining_requests,omitempty"`
	RateLimitRemainingTokens   *int64     `json:"rate_limit_remaining_tokens,omitempty"`
	RateLimitResetRequestsAt   *time.Time `json:"rate_limit_reset_requests_at,omitempty"`
	RateLimitResetTokensAt     *time.Time `json:"rate_limit_reset_tokens_at,omitempty"`
	LastUsedAt                 *time.Time `json:"last_used_at,omitempty"`
}

// Credential is a decrypted, usable credential with its live health state.
type Credential struct {
	ID        uuid.UUID
	Provider  string
	ScopeRef  ScopeRef
	Secret    string
	BYOK      bool
	Disabled  bool
	CreatedAt time.Time
	Health    HealthState
}

// Usable reports whether the credential may be handed to the dispatch loop.
func (c Credential) Usable() bool {
	return !c.Disabled && !c.Health.Disabled
}

// Outcome is what one invocation attempt tells us about a credential.
type Outcome struct {
	Success    bool
	Latency    time.Duration
	RetryAfter *time.Duration
}
