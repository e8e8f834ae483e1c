// Package keystore implements the cache-aside API key lookup from spec §4.2:
// four cache states (valid, revoked, not_found, error) distinguished by a
// side-channel tag so a mapped-null negative entry is never confused with a
// genuine cache miss.
package keystore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/authority"
	"github.com/nulpointcorp/llm-gateway/internal/cache"
)

// APIKeyRecord is the authority's view of an API key.
type APIKeyRecord struct {
	UserID  int64  `json:"userId"`
	Active  bool   `json:"active"`
	Purpose string `json:"purpose"`
}

const (
	tagRevoked  = "revoked"
	tagNotFound = "not_found"
	tagError    = "error"
)

const (
	ttlValid    = 600 * time.Second
	ttlRevoked  = 3600 * time.Second
	ttlNotFound = 3600 * time.Second
	ttlError    = 60 * time.Second
)

// envelope is the JSON value stored under apikey:<key> in edge KV. tag == ""
// means "present and valid"; any other tag is a negative cache entry.
type envelope struct {
	Tag    string        `json:"tag"`
	Record *APIKeyRecord `json:"record,omitempty"`
}

// Store looks up API keys via edge KV, falling back to the authority.
type Store struct {
	cache     cache.Cache
	authority *authority.Client
}

func New(c cache.Cache, a *authority.Client) *Store {
	return &Store{cache: c, authority: a}
}

func cacheKey(key string) string { return "apikey:" + key }

// GetAPIKey returns the key's record, or nil if the key is absent, revoked,
// or the authority could not be reached (all three authorize as "no").
func (s *Store) GetAPIKey(ctx context.Context, key string) (*APIKeyRecord, error) {
	if raw, ok := s.cache.Get(ctx, cacheKey(key)); ok {
		var env envelope
		if err := json.Unmarshal(raw, &env); err == nil {
			if env.Tag != "" {
				return nil, nil
			}
			return env.Record, nil
		}
	}

	outcome, result := s.authority.VerifyKey(ctx, key)
	switch outcome {
	case authority.OutcomeOK:
		rec := &APIKeyRecord{UserID: result.UserID, Active: result.Active, Purpose: result.Purpose}
		if !rec.Active {
			s.store(ctx, key, tagRevoked, rec, ttlRevoked)
			return nil, nil
		}
		s.store(ctx, key, "", rec, ttlValid)
		return rec, nil
	case authority.OutcomeRevoked:
		s.store(ctx, key, tagRevoked, nil, ttlRevoked)
		return nil, nil
	case authority.OutcomeNotFound:
		s.store(ctx, key, tagNotFound, nil, ttlNotFound)
		return nil, nil
	default:
		s.store(ctx, key, tagError, nil, ttlError)
		return nil, nil
	}
}

func (s *Store) store(ctx context.Context, key, tag string, rec *APIKeyRecord, ttl time.Duration) {
	b, err := json.Marshal(envelope{Tag: tag, Record: rec})
	if err != nil {
		return
	}
	_ = s.cache.Set(ctx, cacheKey(key), b, ttl)
}

// InvalidateCache deletes the cached entry for key, for immediate
// propagation of a revoke (spec §3 invariant).
func (s *Store) InvalidateCache(ctx context.Context, key string) error {
	return s.cache.Delete(ctx, cacheKey(key))
}
