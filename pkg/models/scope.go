// Package models defines the data shared by the cache, layer managers and
// resolver: privacy scopes, layer records, typed field values and the
// resolved context projection.
package models

import (
	"fmt"
	"strings"
)

// OwnerKind identifies who owns a piece of data
type OwnerKind string

const (
	OwnerIndividual OwnerKind = "individual"
	OwnerGroup      OwnerKind = "group"
	OwnerWorkspace  OwnerKind = "workspace"
	OwnerPublic     OwnerKind = "public"
)

// IsValid checks if the owner kind is one of the known kinds
func (k OwnerKind) IsValid() bool {
	switch k {
	case OwnerIndividual, OwnerGroup, OwnerWorkspace, OwnerPublic:
		return true
	default:
		return false
	}
}

// SystemOwnerID is the fixed owner of the single system-default record
const SystemOwnerID = "system"

// PrivacyScope is the (ownerKind, ownerId) pair that gates access to a record
type PrivacyScope struct {
	Kind OwnerKind `json:"owner_kind" yaml:"owner_kind"`
	ID   string    `json:"owner_id" yaml:"owner_id"`
}

// Scope builds a PrivacyScope
func Scope(kind OwnerKind, id string) PrivacyScope {
	return PrivacyScope{Kind: kind, ID: id}
}

// PublicScope is readable by every requester
func PublicScope() PrivacyScope {
	return PrivacyScope{Kind: OwnerPublic}
}

// SystemScope is the scope of the system-default record and the requester
// allowed to write it
func SystemScope() PrivacyScope {
	return PrivacyScope{Kind: OwnerPublic, ID: SystemOwnerID}
}

// IsPublic reports whether the scope is readable by all
func (s PrivacyScope) IsPublic() bool {
	return s.Kind == OwnerPublic
}

// Equal compares kind and id
func (s PrivacyScope) Equal(other PrivacyScope) bool {
	return s.Kind == other.Kind && s.ID == other.ID
}

// Validate checks that the scope is well formed. Every non-public scope needs an owner id.
func (s PrivacyScope) Validate() error {
	if !s.Kind.IsValid() {
		return fmt.Errorf("%w: unknown owner kind %q", ErrInvalidScope, s.Kind)
	}
	if !s.IsPublic() && strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("%w: %s scope requires an owner id", ErrInvalidScope, s.Kind)
	}
	if strings.ContainsAny(s.ID, ":\n") {
		return fmt.Errorf("%w: owner id contains reserved characters", ErrInvalidScope)
	}
	return nil
}

// String renders the scope as kind:id
func (s PrivacyScope) String() string {
	return string(s.Kind) + ":" + s.ID
}
