// Package layers implements the four precedence layer managers. All four are
// instances of one generic Manager parameterized by LayerKind and persisted
// through storage.VersionedStore, so backends are swappable.
package layers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/developer-mesh/context-engine/pkg/models"
	"github.com/developer-mesh/context-engine/pkg/observability"
	"github.com/developer-mesh/context-engine/pkg/privacy"
	"github.com/developer-mesh/context-engine/pkg/storage"
)

// ChangeHook is called after a successful write or delete
type ChangeHook func(kind models.LayerKind, ownerID string)

// Options configures a Manager
type Options struct {
	Store   storage.VersionedStore
	History storage.AppendLog
	Guard   *privacy.Guard
	Schema  *models.Schema
	Logger  observability.Logger
	Clock   func() time.Time
}

// Manager owns CRUD for one layer
type Manager struct {
	kind    models.LayerKind
	store   storage.VersionedStore
	history storage.AppendLog
	guard   *privacy.Guard
	schema  *models.Schema
	logger  observability.Logger
	now     func() time.Time

	hooksMu sync.RWMutex
	hooks   []ChangeHook
}

// recordBody is the stored blob. Version and audit columns live on the storage record.
type recordBody struct {
	Fields models.Fields `json:"fields"`
}

// NewManager creates a manager for kind
func NewManager(kind models.LayerKind, opts Options) (*Manager, error) {
	if !kind.IsValid() {
		return nil, fmt.Errorf("unknown layer kind %q", kind)
	}
	if opts.Store == nil {
		return nil, errors.New("layer manager requires a store")
	}
	if opts.Guard == nil {
		return nil, errors.New("layer manager requires a privacy guard")
	}
	if opts.History == nil {
		opts.History = storage.NewMemoryLog()
	}
	if opts.Logger == nil {
		opts.Logger = observability.NewNoopLogger()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Manager{
		kind:    kind,
		store:   opts.Store,
		history: opts.History,
		guard:   opts.Guard,
		schema:  opts.Schema,
		logger:  opts.Logger.WithPrefix("layers").With(map[string]interface{}{"layer": string(kind)}),
		now:     opts.Clock,
	}, nil
}

// Kind returns the layer this manager owns
func (m *Manager) Kind() models.LayerKind {
	return m.kind
}

// OnChange registers a hook run after each successful write or delete
func (m *Manager) OnChange(hook ChangeHook) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.hooks = append(m.hooks, hook)
}

func (m *Manager) ownerID(ownerID string) string {
	if m.kind == models.LayerSystemDefault {
		return models.SystemOwnerID
	}
	return ownerID
}

func (m *Manager) key(ownerID string) storage.Key {
	return storage.Key{Namespace: string(m.kind), ID: ownerID}
}

// Read returns the owner's record. A record the requester may not see is
// reported as models.ErrNotFound, indistinguishable from an absent one.
func (m *Manager) Read(ctx context.Context, requester models.PrivacyScope, ownerID string) (*models.LayerRecord, error) {
	ownerID = m.ownerID(ownerID)
	scope := m.kind.ScopeFor(ownerID)
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if !m.guard.CanRead(ctx, requester, scope) {
		m.logger.Debug("Layer read denied", map[string]interface{}{
			"requester_kind": string(requester.Kind),
			"owner_kind":     string(scope.Kind),
		})
		return nil, models.ErrNotFound
	}
	return m.load(ctx, ownerID)
}

func (m *Manager) load(ctx context.Context, ownerID string) (*models.LayerRecord, error) {
	rec, err := m.store.Get(ctx, m.key(ownerID))
	if err != nil {
		return nil, err
	}

	var body recordBody
	if err := json.Unmarshal(rec.Data, &body); err != nil {
		m.logger.Error("Corrupt layer record evicted", map[string]interface{}{
			"owner_id": ownerID,
			"version":  rec.Version,
			"error":    err.Error(),
		})
		if delErr := m.store.Delete(ctx, rec.Key); delErr != nil && !errors.Is(delErr, models.ErrNotFound) {
			m.logger.Warn("Failed to evict corrupt layer record", map[string]interface{}{
				"owner_id": ownerID,
				"error":    delErr.Error(),
			})
		}
		return nil, models.ErrNotFound
	}
	if body.Fields == nil {
		body.Fields = models.Fields{}
	}

	return &models.LayerRecord{
		Layer:     m.kind,
		OwnerID:   ownerID,
		Fields:    body.Fields,
		Version:   rec.Version,
		UpdatedAt: rec.UpdatedAt,
		UpdatedBy: rec.UpdatedBy,
	}, nil
}

// Write applies fields as a patch over the owner's current record. A null
// value removes the field. expectedVersion 0 creates the record. Validation
// and authorization happen before storage is touched, so a rejected write
// never changes the stored version.
func (m *Manager) Write(ctx context.Context, requester models.PrivacyScope, ownerID string, fields models.Fields, expectedVersion int64) (*models.LayerRecord, error) {
	ownerID = m.ownerID(ownerID)
	scope := m.kind.ScopeFor(ownerID)
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if err := m.validate(fields); err != nil {
		return nil, err
	}
	if err := m.guard.AuthorizeWrite(ctx, "write", requester, scope); err != nil {
		m.logger.Warn("Layer write rejected", map[string]interface{}{
			"requester_kind": string(requester.Kind),
			"owner_kind":     string(scope.Kind),
		})
		return nil, err
	}
	if expectedVersion < 0 {
		return nil, fmt.Errorf("%w: negative expected version", models.ErrInvalidField)
	}

	base := models.Fields{}
	if expectedVersion > 0 {
		current, err := m.load(ctx, ownerID)
		switch {
		case errors.Is(err, models.ErrNotFound):
			return nil, &models.VersionConflictError{Key: m.key(ownerID).String(), Expected: expectedVersion, Actual: 0}
		case err != nil:
			return nil, err
		case current.Version != expectedVersion:
			return nil, &models.VersionConflictError{Key: m.key(ownerID).String(), Expected: expectedVersion, Actual: current.Version}
		}
		base = current.Fields
	}

	merged := base.Apply(fields)
	data, err := json.Marshal(recordBody{Fields: merged})
	if err != nil {
		return nil, fmt.Errorf("encode layer record: %w", err)
	}

	stored, err := m.store.Put(ctx, storage.Record{
		Key:       m.key(ownerID),
		Data:      data,
		UpdatedAt: m.now().UTC(),
		UpdatedBy: requester.String(),
	}, expectedVersion)
	if err != nil {
		return nil, err
	}

	record := &models.LayerRecord{
		Layer:     m.kind,
		OwnerID:   ownerID,
		Fields:    merged,
		Version:   stored.Version,
		UpdatedAt: stored.UpdatedAt,
		UpdatedBy: stored.UpdatedBy,
	}
	m.appendHistory(ctx, record.Version, requester, "write", fields.Names(), ownerID)
	m.notify(ownerID)
	return record, nil
}

// Delete removes the owner's record. Deleting an absent record is a no-op.
func (m *Manager) Delete(ctx context.Context, requester models.PrivacyScope, ownerID string) error {
	ownerID = m.ownerID(ownerID)
	scope := m.kind.ScopeFor(ownerID)
	if err := scope.Validate(); err != nil {
		return err
	}
	if err := m.guard.AuthorizeWrite(ctx, "delete", requester, scope); err != nil {
		return err
	}

	var version int64
	if current, err := m.store.Get(ctx, m.key(ownerID)); err == nil {
		version = current.Version
	}
	err := m.store.Delete(ctx, m.key(ownerID))
	if errors.Is(err, models.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	m.appendHistory(ctx, version, requester, "delete", nil, ownerID)
	m.notify(ownerID)
	return nil
}

// History returns up to limit events for the owner, newest first. A
// requester without read access gets an empty history.
func (m *Manager) History(ctx context.Context, requester models.PrivacyScope, ownerID string, limit int) ([]models.LayerEvent, error) {
	ownerID = m.ownerID(ownerID)
	scope := m.kind.ScopeFor(ownerID)
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if !m.guard.CanRead(ctx, requester, scope) {
		return []models.LayerEvent{}, nil
	}

	entries, err := m.history.Read(ctx, m.stream(ownerID), limit)
	if err != nil {
		return nil, err
	}
	events := make([]models.LayerEvent, 0, len(entries))
	for _, entry := range entries {
		var event models.LayerEvent
		if err := json.Unmarshal(entry.Data, &event); err != nil {
			m.logger.Warn("Skipping unreadable history entry", map[string]interface{}{
				"owner_id": ownerID,
				"seq":      entry.Seq,
			})
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

func (m *Manager) validate(fields models.Fields) error {
	if len(fields) == 0 {
		return fmt.Errorf("%w: empty write", models.ErrInvalidField)
	}
	if m.schema != nil {
		return m.schema.Validate(fields)
	}
	for name := range fields {
		if !models.ValidFieldName(name) {
			return fmt.Errorf("%w: malformed field name %q", models.ErrInvalidField, name)
		}
	}
	return nil
}

func (m *Manager) stream(ownerID string) string {
	return fmt.Sprintf("layer:%s:%s", m.kind, ownerID)
}

// appendHistory records the event. The write already succeeded, so a log
// failure is logged rather than returned.
func (m *Manager) appendHistory(ctx context.Context, version int64, actor models.PrivacyScope, action string, changed []string, ownerID string) {
	sort.Strings(changed)
	event := models.LayerEvent{
		ID:            uuid.NewString(),
		Layer:         m.kind,
		OwnerID:       ownerID,
		Version:       version,
		Actor:         actor.String(),
		Action:        action,
		ChangedFields: changed,
		At:            m.now().UTC(),
	}
	data, err := json.Marshal(event)
	if err == nil {
		_, err = m.history.Append(ctx, m.stream(ownerID), data)
	}
	if err != nil {
		m.logger.Error("Failed to append layer history", map[string]interface{}{
			"owner_id": ownerID,
			"version":  version,
			"error":    err.Error(),
		})
	}
}

func (m *Manager) notify(ownerID string) {
	m.hooksMu.RLock()
	hooks := append([]ChangeHook(nil), m.hooks...)
	m.hooksMu.RUnlock()
	for _, hook := range hooks {
		hook(m.kind, ownerID)
	}
}
