package models

import "time"

// LayerKind is one of the four precedence layers
type LayerKind string

const (
	LayerIndividual    LayerKind = "individual"
	LayerGroup         LayerKind = "group"
	LayerWorkspace     LayerKind = "workspace"
	LayerSystemDefault LayerKind = "system-default"
)

// ApplyOrder lists the layers lowest precedence first. Later layers overwrite earlier ones.
var ApplyOrder = []LayerKind{LayerSystemDefault, LayerWorkspace, LayerGroup, LayerIndividual}

// IsValid checks if the layer kind is valid
func (k LayerKind) IsValid() bool {
	switch k {
	case LayerIndividual, LayerGroup, LayerWorkspace, LayerSystemDefault:
		return true
	default:
		return false
	}
}

// Precedence returns a rank where a higher number wins
func (k LayerKind) Precedence() int {
	for i, kind := range ApplyOrder {
		if kind == k {
			return i
		}
	}
	return -1
}

// OwnerKind maps the layer onto the scope kind of its records
func (k LayerKind) OwnerKind() OwnerKind {
	switch k {
	case LayerIndividual:
		return OwnerIndividual
	case LayerGroup:
		return OwnerGroup
	case LayerWorkspace:
		return OwnerWorkspace
	default:
		return OwnerPublic
	}
}

// LayerForOwner maps a scope kind back onto its layer
func LayerForOwner(kind OwnerKind) (LayerKind, bool) {
	switch kind {
	case OwnerIndividual:
		return LayerIndividual, true
	case OwnerGroup:
		return LayerGroup, true
	case OwnerWorkspace:
		return LayerWorkspace, true
	case OwnerPublic:
		return LayerSystemDefault, true
	default:
		return "", false
	}
}

// ScopeFor returns the privacy scope of the record owned by ownerID in layer k
func (k LayerKind) ScopeFor(ownerID string) PrivacyScope {
	if k == LayerSystemDefault {
		return SystemScope()
	}
	return Scope(k.OwnerKind(), ownerID)
}

// LayerRecord holds one owner's fields in one layer
type LayerRecord struct {
	Layer     LayerKind `json:"layer"`
	OwnerID   string    `json:"owner_id"`
	Fields    Fields    `json:"fields"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
	UpdatedBy string    `json:"updated_by"`
}

// Scope returns the record's privacy scope
func (r *LayerRecord) Scope() PrivacyScope {
	return r.Layer.ScopeFor(r.OwnerID)
}

// LayerEvent is one entry of a layer's append-only history
type LayerEvent struct {
	ID            string    `json:"id"`
	Layer         LayerKind `json:"layer"`
	OwnerID       string    `json:"owner_id"`
	Version       int64     `json:"version"`
	Actor         string    `json:"actor"`
	Action        string    `json:"action"`
	ChangedFields []string  `json:"changed_fields,omitempty"`
	At            time.Time `json:"at"`
}
