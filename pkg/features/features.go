// Package features answers entitlement questions for flow actions.
//
// Entitlements are granted per account. Keys are matched case-insensitively.
package features

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
)

// Entitlement keys flows branch on.
const (
	FeatureHA                     = "CDP_FREEIPA_HA"
	FeatureRuntimeUpgrade         = "CDP_RUNTIME_UPGRADE"
	FeatureCloudStorageValidation = "CDP_CLOUD_STORAGE_VALIDATION"
	FeatureClusterProxy           = "CDP_FMS_CLUSTER_PROXY"
)

// Lookup reports whether a feature is enabled for an actor in an account.
type Lookup interface {
	IsEnabled(ctx context.Context, actorID, accountID, featureKey string) (bool, error)
}

// Source lists the entitlements of an account.
type Source interface {
	Entitlements(ctx context.Context, actorID, accountID string) ([]string, error)
}

// Static is a fixed account to entitlements mapping. The "*" account applies
// to every account.
type Static map[string][]string

// Entitlements returns the account's entitlements plus the shared ones.
func (s Static) Entitlements(_ context.Context, _, accountID string) ([]string, error) {
	out := append([]string(nil), s["*"]...)
	return append(out, s[accountID]...), nil
}

// Registered reports whether key is in the list, ignoring case.
func Registered(entitlements []string, key string) bool {
	for _, e := range entitlements {
		if strings.EqualFold(e, key) {
			return true
		}
	}
	return false
}

// SourceLookup answers lookups directly from a source.
type SourceLookup struct {
	source Source
}

// NewLookup creates an uncached lookup.
func NewLookup(source Source) *SourceLookup {
	return &SourceLookup{source: source}
}

// IsEnabled implements Lookup.
func (l *SourceLookup) IsEnabled(ctx context.Context, actorID, accountID, key string) (bool, error) {
	entitlements, err := l.source.Entitlements(ctx, actorID, accountID)
	if err != nil {
		return false, fmt.Errorf("failed to load entitlements of account %s: %w", accountID, err)
	}
	return Registered(entitlements, key), nil
}

// CachedLookup caches the entitlements of each actor and account pair.
type CachedLookup struct {
	source Source
	cache  *cache.Cache
}

// NewCachedLookup creates a lookup caching entitlements for ttl.
func NewCachedLookup(source Source, ttl time.Duration) *CachedLookup {
	return &CachedLookup{
		source: source,
		cache:  cache.New(ttl, 2*ttl),
	}
}

// IsEnabled implements Lookup.
func (l *CachedLookup) IsEnabled(ctx context.Context, actorID, accountID, key string) (bool, error) {
	cacheKey := actorID + "|" + accountID
	if v, ok := l.cache.Get(cacheKey); ok {
		return Registered(v.([]string), key), nil
	}

	entitlements, err := l.source.Entitlements(ctx, actorID, accountID)
	if err != nil {
		return false, fmt.Errorf("failed to load entitlements of account %s: %w", accountID, err)
	}
	l.cache.Set(cacheKey, entitlements, cache.DefaultExpiration)
	return Registered(entitlements, key), nil
}

// Flush drops every cached entry.
func (l *CachedLookup) Flush() {
	l.cache.Flush()
}
