package credentials

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	pkgerrors "github.com/perceptra-ai/metering-backend/pkg/errors"
	"github.com/perceptra-ai/metering-backend/pkg/security"
)

type cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	CredentialHealthKey(scope string) string
}

// Store is the two-tier credential store: a cache over the durable
// repository. The cache holds decrypted secrets with health state; on miss
// it is lazily populated from durable rows. The tiers are not expected to be
// consistent with each other.
type Store interface {
	Load(ctx context.Context, scope ScopeRef) ([]Credential, error)
	// Flush merges the given credentials' health back into the scope's cache
	// entry.
	Flush(ctx context.Context, scope ScopeRef, creds []Credential) error
}

type cachedCredential struct {
	ID        uuid.UUID   `json:"id"`
	Provider  string      `json:"provider"`
	Secret    string      `json:"secret"`
	BYOK      bool        `json:"byok"`
	Disabled  bool        `json:"disabled"`
	CreatedAt time.Time   `json:"created_at"`
	Health    HealthState `json:"health"`
}

type store struct {
	cache  cache
	repo   Repository
	cipher *security.Cipher
	ttl    time.Duration
}

// NewStore wires the two-tier store.
func NewStore(c cache, repo Repository, cipher *security.Cipher, ttl time.Duration) (Store, error) {
	if c == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "cache required")
	}
	if repo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "credential repo required")
	}
	if cipher == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "cipher required")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &store{cache: c, repo: repo, cipher: cipher, ttl: ttl}, nil
}

func (s *store) Load(ctx context.Context, scope ScopeRef) ([]Credential, error) {
	key := s.cache.CredentialHealthKey(scope.CacheKey())

	// Misses, outages, and corrupt entries all fall through to the durable
	// tier; the cache is never load-bearing.
	if raw, err := s.cache.Get(ctx, key); err == nil {
		var cached []cachedCredential
		if unmarshalErr := json.Unmarshal([]byte(raw), &cached); unmarshalErr == nil {
			return fromCached(scope, cached), nil
		}
	}

	rows, err := s.repo.ListByScope(ctx, scope)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load credentials")
	}

	creds := make([]Credential, 0, len(rows))
	for _, row := range rows {
		secret, err := s.cipher.Open(row.EncryptedSecret)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "decrypt credential "+row.ID.String())
		}
		creds = append(creds, Credential{
			ID:        row.ID,
			Provider:  row.Provider,
			ScopeRef:  scope,
			Secret:    string(secret),
			BYOK:      row.BYOK,
			Disabled:  row.Disabled,
			CreatedAt: row.CreatedAt,
			Health:    HealthState{Disabled: row.Disabled},
		})
	}

	// Populate the cache; failures here only cost the next reader a reload.
	_ = s.writeScope(ctx, key, creds)
	return creds, nil
}

func (s *store) Flush(ctx context.Context, scope ScopeRef, creds []Credential) error {
	key := s.cache.CredentialHealthKey(scope.CacheKey())

	existing := map[uuid.UUID]*Credential{}
	for i := range creds {
		existing[creds[i].ID] = &creds[i]
	}

	merged := creds
	if raw, err := s.cache.Get(ctx, key); err == nil {
		var cached []cachedCredential
		if unmarshalErr := json.Unmarshal([]byte(raw), &cached); unmarshalErr == nil {
			merged = merged[:0:0]
			for _, entry := range fromCached(scope, cached) {
				if updated, ok := existing[entry.ID]; ok {
					entry = *updated
					delete(existing, entry.ID)
				}
				merged = append(merged, entry)
			}
			for i := range creds {
				if _, pending := existing[creds[i].ID]; pending {
					merged = append(merged, creds[i])
				}
			}
		}
	}
	return s.writeScope(ctx, key, merged)
}

func (s *store) writeScope(ctx context.Context, key string, creds []Credential) error {
	cached := make([]cachedCredential, 0, len(creds))
	for _, cred := range creds {
		cached = append(cached, cachedCredential{
			ID:        cred.ID,
			Provider:  cred.Provider,
			Secret:    cred.Secret,
			BYOK:      cred.BYOK,
			Disabled:  cred.Disabled,
			CreatedAt: cred.CreatedAt,
			Health:    cred.Health,
		})
	}
	payload, err := json.Marshal(cached)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode credential cache entry")
	}
	if err := s.cache.Set(ctx, key, payload, s.ttl); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "write credential cache entry")
	}
	return nil
}

func fromCached(scope ScopeRef, cached []cachedCredential) []Credential {
	creds := make([]Credential, 0, len(cached))
	for _, entry := range cached {
		creds = append(creds, Credential{
			ID:        entry.ID,
			Provider:  entry.Provider,
			ScopeRef:  scope,
			Secret:    entry.Secret,
			BYOK:      entry.BYOK,
			Disabled:  entry.Disabled,
			CreatedAt: entry.CreatedAt,
			Health:    entry.Health,
		})
	}
	return creds
}
