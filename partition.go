package keel

import (
	"context"
	"sync"

	"github.com/keelhq/keel/adapters"
)

// Partition selects the storage a repository reads and writes.
// It is chosen once, when a repository or log is constructed.
type Partition = adapters.Partition

// NewPartition returns the partition of a domain that is not multi-tenant.
func NewPartition(domain string) Partition {
	return Partition{Domain: domain}
}

// TenantPartition returns the partition of one tenant within a domain.
func TenantPartition(tenantID, domain string) Partition {
	return Partition{TenantID: tenantID, Domain: domain}
}

type tenantIDKey struct{}

// TenantIDFromContext returns the tenant ID from context.
func TenantIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(tenantIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithTenantID returns a context with the tenant ID set.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey{}, tenantID)
}

// TenantRegistry lazily builds one value per tenant of a domain, typically a
// repository or a service wrapping one. The partition handed to build is the
// only place the tenant is turned into storage, so callers that go through the
// registry cannot reach another tenant's streams.
type TenantRegistry[T any] struct {
	domain string
	build  func(Partition) (T, error)

	mu      sync.Mutex
	tenants map[string]T
}

// NewTenantRegistry creates a registry for domain.
func NewTenantRegistry[T any](domain string, build func(Partition) (T, error)) *TenantRegistry[T] {
	return &TenantRegistry[T]{
		domain:  domain,
		build:   build,
		tenants: make(map[string]T),
	}
}

// Get returns the value for tenantID, building it on first use.
func (r *TenantRegistry[T]) Get(tenantID string) (T, error) {
	var zero T
	if tenantID == "" {
		return zero, ErrTenantRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if v, ok := r.tenants[tenantID]; ok {
		return v, nil
	}

	p := TenantPartition(tenantID, r.domain)
	if err := p.Validate(); err != nil {
		return zero, err
	}
	v, err := r.build(p)
	if err != nil {
		return zero, err
	}
	r.tenants[tenantID] = v
	return v, nil
}

// FromContext returns the value for the tenant stored in ctx.
func (r *TenantRegistry[T]) FromContext(ctx context.Context) (T, error) {
	return r.Get(TenantIDFromContext(ctx))
}

// Len returns the number of tenants built so far.
func (r *TenantRegistry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tenants)
}
