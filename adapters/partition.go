package adapters

import (
	"fmt"
	"regexp"
	"strings"
)

// maxSuffixLength keeps derived table names (e.g. "snapshots_<suffix>") within
// the 63 byte identifier limit of PostgreSQL.
const maxSuffixLength = 50

var identPattern = regexp.MustCompile(`^[a-z0-9]+(_[a-z0-9]+)*$`)

// Partition selects the physical storage a stream lives in.
// Streams are addressed by (TenantID, Domain, streamID); TenantID is empty for
// domains that are not multi-tenant.
type Partition struct {
	TenantID string
	Domain   string
}

// Validate checks that both components can be mapped to an unambiguous storage
// identifier: lowercase letters, digits and single underscores.
func (p Partition) Validate() error {
	if p.Domain == "" {
		return fmt.Errorf("%w: domain is required", ErrInvalidPartition)
	}
	if !identPattern.MatchString(p.Domain) {
		return fmt.Errorf("%w: domain %q must match %s", ErrInvalidPartition, p.Domain, identPattern)
	}
	if p.TenantID != "" && !identPattern.MatchString(p.TenantID) {
		return fmt.Errorf("%w: tenant %q must match %s", ErrInvalidPartition, p.TenantID, identPattern)
	}
	if len(p.TableSuffix()) > maxSuffixLength {
		return fmt.Errorf("%w: %q is longer than %d characters", ErrInvalidPartition, p.TableSuffix(), maxSuffixLength)
	}
	return nil
}

// IsTenantScoped reports whether the partition belongs to a tenant.
func (p Partition) IsTenantScoped() bool {
	return p.TenantID != ""
}

// Key returns a human readable identifier, "tenant/domain" or "domain".
func (p Partition) Key() string {
	if p.TenantID == "" {
		return p.Domain
	}
	return p.TenantID + "/" + p.Domain
}

// TableSuffix returns the identifier used to derive storage names.
// Components never contain "__", so "tenant__domain" cannot collide with
// another partition's suffix.
func (p Partition) TableSuffix() string {
	if p.TenantID == "" {
		return p.Domain
	}
	return p.TenantID + "__" + p.Domain
}

// String implements fmt.Stringer.
func (p Partition) String() string {
	return p.Key()
}

// ParsePartitionKey parses the output of Partition.Key.
func ParsePartitionKey(key string) (Partition, error) {
	var p Partition
	if tenant, domain, ok := strings.Cut(key, "/"); ok {
		p = Partition{TenantID: tenant, Domain: domain}
	} else {
		p = Partition{Domain: key}
	}
	if err := p.Validate(); err != nil {
		return Partition{}, err
	}
	return p, nil
}
