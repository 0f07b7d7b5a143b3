package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/context-engine/pkg/engine"
	"github.com/developer-mesh/context-engine/pkg/models"
	"github.com/developer-mesh/context-engine/pkg/observability"
	"github.com/developer-mesh/context-engine/pkg/privacy"
	"github.com/developer-mesh/context-engine/pkg/storage"
)

const testSecret = "test-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	server      *Server
	memberships *privacy.MemoryMemberships
	metrics     *observability.PrometheusMetricsClient
}

func setupTestServer(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	memberships := privacy.NewMemoryMemberships()
	eng, err := engine.New(engine.Options{
		Store:       storage.NewMemoryStore(),
		History:     storage.NewMemoryLog(),
		Memberships: memberships,
	})
	require.NoError(t, err)
	require.NoError(t, eng.Init(context.Background()))
	t.Cleanup(func() { _ = eng.Shutdown(context.Background()) })

	metrics := observability.NewPrometheusMetricsClient("ctxengine_test")
	server := NewServer(eng, cfg, observability.NewNoopLogger(), metrics, metrics.Registry())
	return &testEnv{server: server, memberships: memberships, metrics: metrics}
}

func token(t *testing.T, kind models.OwnerKind, id string) string {
	t.Helper()
	signed, err := GenerateToken(testSecret, models.Scope(kind, id), time.Hour)
	require.NoError(t, err)
	return signed
}

func (env *testEnv) do(t *testing.T, method, path string, body interface{}, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	env := setupTestServer(t, Config{JWTSecret: testSecret})

	w := env.do(t, http.MethodGet, "/healthz", nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Status     string            `json:"status"`
		Components map[string]string `json:"components"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "disabled", body.Components["cold_tier"])
	assert.Equal(t, "disabled", body.Components["retrieval"])
	assert.NotEmpty(t, w.Header().Get(requestIDHeader))
}

func TestAuthMiddleware(t *testing.T) {
	env := setupTestServer(t, Config{JWTSecret: testSecret})
	body := map[string]interface{}{"individual_id": "u-1"}

	foreign, err := GenerateToken("other-secret", models.Scope(models.OwnerIndividual, "u-1"), time.Hour)
	require.NoError(t, err)
	expired, err := GenerateToken(testSecret, models.Scope(models.OwnerIndividual, "u-1"), -time.Minute)
	require.NoError(t, err)
	badScope, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: ""},
		Kind:             models.OwnerIndividual,
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	tests := []struct {
		name   string
		bearer string
		status int
	}{
		{name: "missing token", bearer: "", status: http.StatusUnauthorized},
		{name: "wrong secret", bearer: foreign, status: http.StatusUnauthorized},
		{name: "expired", bearer: expired, status: http.StatusUnauthorized},
		{name: "scope without owner", bearer: badScope, status: http.StatusUnauthorized},
		{name: "valid", bearer: token(t, models.OwnerIndividual, "u-1"), status: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/v1/context/resolve", body, tt.bearer)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}
}

func TestValidateToken_RejectsOtherAlgorithms(t *testing.T) {
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u-1"},
		Kind:             models.OwnerIndividual,
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = ValidateToken(unsigned, testSecret)
	assert.ErrorIs(t, err, ErrInvalidToken)

	scope, err := ValidateToken(token(t, models.OwnerGroup, "g-1"), testSecret)
	require.NoError(t, err)
	assert.Equal(t, models.Scope(models.OwnerGroup, "g-1"), scope)
}

func TestLayerEndpoints(t *testing.T) {
	env := setupTestServer(t, Config{JWTSecret: testSecret})
	alice := token(t, models.OwnerIndividual, "alice")

	w := env.do(t, http.MethodPut, "/v1/layers/individual/alice", map[string]interface{}{
		"fields": map[string]interface{}{"indent": "tab", "coverageTarget": 85},
	}, alice)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var record models.LayerRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &record))
	assert.Equal(t, int64(1), record.Version)
	assert.Equal(t, models.Int(85), record.Fields["coverageTarget"])

	w = env.do(t, http.MethodGet, "/v1/layers/individual/alice", nil, alice)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &record))
	assert.Equal(t, models.String("tab"), record.Fields["indent"])

	t.Run("stale version conflicts", func(t *testing.T) {
		w := env.do(t, http.MethodPut, "/v1/layers/individual/alice", map[string]interface{}{
			"fields":           map[string]interface{}{"indent": "space"},
			"expected_version": 7,
		}, alice)
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Contains(t, w.Body.String(), `"current_version":1`)
	})

	t.Run("null removes a field", func(t *testing.T) {
		w := env.do(t, http.MethodPut, "/v1/layers/individual/alice", map[string]interface{}{
			"fields":           map[string]interface{}{"coverageTarget": nil},
			"expected_version": 1,
		}, alice)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var updated models.LayerRecord
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &updated))
		assert.Equal(t, int64(2), updated.Version)
		assert.NotContains(t, updated.Fields, "coverageTarget")
		assert.Equal(t, models.String("tab"), updated.Fields["indent"])
	})

	t.Run("other individuals see nothing", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/v1/layers/individual/alice", nil, token(t, models.OwnerIndividual, "bob"))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("writes to another owner are forbidden", func(t *testing.T) {
		w := env.do(t, http.MethodPut, "/v1/layers/individual/alice", map[string]interface{}{
			"fields": map[string]interface{}{"indent": "space"},
		}, token(t, models.OwnerIndividual, "bob"))
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("history", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/v1/layers/individual/alice/history?limit=10", nil, alice)
		require.Equal(t, http.StatusOK, w.Code)
		var body struct {
			Events []models.LayerEvent `json:"events"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		require.Len(t, body.Events, 2)
		assert.Equal(t, int64(2), body.Events[0].Version)

		w = env.do(t, http.MethodGet, "/v1/layers/individual/alice/history?limit=abc", nil, alice)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("delete", func(t *testing.T) {
		w := env.do(t, http.MethodDelete, "/v1/layers/individual/alice", nil, alice)
		assert.Equal(t, http.StatusNoContent, w.Code)
		w = env.do(t, http.MethodGet, "/v1/layers/individual/alice", nil, alice)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestLayerEndpoints_InvalidInput(t *testing.T) {
	env := setupTestServer(t, Config{JWTSecret: testSecret})
	alice := token(t, models.OwnerIndividual, "alice")

	tests := []struct {
		name string
		path string
		body interface{}
	}{
		{name: "unknown layer", path: "/v1/layers/team/alice", body: map[string]interface{}{"fields": map[string]interface{}{"indent": "tab"}}},
		{name: "unknown field", path: "/v1/layers/individual/alice", body: map[string]interface{}{"fields": map[string]interface{}{"tabs": true}}},
		{name: "wrong type", path: "/v1/layers/individual/alice", body: map[string]interface{}{"fields": map[string]interface{}{"coverageTarget": "high"}}},
		{name: "missing fields", path: "/v1/layers/individual/alice", body: map[string]interface{}{"expected_version": 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPut, tt.path, tt.body, alice)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
}

func TestGroupViewerCannotWrite(t *testing.T) {
	env := setupTestServer(t, Config{JWTSecret: testSecret})
	env.memberships.Add("g-1", "owner", models.RoleOwner)
	env.memberships.Add("g-1", "viewer", models.RoleViewer)
	body := map[string]interface{}{"fields": map[string]interface{}{"coverageTarget": 90}}

	w := env.do(t, http.MethodPut, "/v1/layers/group/g-1", body, token(t, models.OwnerIndividual, "owner"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.do(t, http.MethodPut, "/v1/layers/group/g-1", map[string]interface{}{
		"fields":           map[string]interface{}{"coverageTarget": 10},
		"expected_version": 1,
	}, token(t, models.OwnerIndividual, "viewer"))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodGet, "/v1/layers/group/g-1", nil, token(t, models.OwnerIndividual, "viewer"))
	require.Equal(t, http.StatusOK, w.Code)
	var record models.LayerRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &record))
	assert.Equal(t, int64(1), record.Version)
	assert.Equal(t, models.Int(90), record.Fields["coverageTarget"])
}

func TestResolveEndpoint(t *testing.T) {
	env := setupTestServer(t, Config{JWTSecret: testSecret})
	env.memberships.Add("g-1", "u-1", models.RoleAdmin)
	u1 := token(t, models.OwnerIndividual, "u-1")

	w := env.do(t, http.MethodPut, "/v1/layers/individual/u-1", map[string]interface{}{
		"fields": map[string]interface{}{"indent": "tab"},
	}, u1)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = env.do(t, http.MethodPut, "/v1/layers/group/g-1", map[string]interface{}{
		"fields": map[string]interface{}{"indent": "space", "coverageTarget": 90},
	}, u1)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.do(t, http.MethodPost, "/v1/context/resolve", map[string]interface{}{
		"individual_id": "u-1",
		"group_id":      "g-1",
		"workspace_id":  "w-1",
	}, u1)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resolved models.ResolvedContext
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resolved))
	assert.Equal(t, models.String("tab"), resolved.Fields["indent"])
	assert.Equal(t, models.LayerIndividual, resolved.Provenance["indent"])
	assert.Equal(t, models.Int(90), resolved.Fields["coverageTarget"])
	assert.Equal(t, models.LayerGroup, resolved.Provenance["coverageTarget"])
	assert.Equal(t, models.LayerAbsent, resolved.Layers[models.LayerWorkspace])

	t.Run("another individual cannot read through the request", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/v1/context/resolve", map[string]interface{}{
			"individual_id": "u-1",
		}, token(t, models.OwnerIndividual, "u-2"))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var other models.ResolvedContext
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &other))
		assert.NotEqual(t, models.LayerIndividual, other.Provenance["indent"])
	})

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/context/resolve", bytes.NewBufferString("{"))
		req.Header.Set("Authorization", "Bearer "+u1)
		w := httptest.NewRecorder()
		env.server.Handler().ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestCacheEndpoints(t *testing.T) {
	env := setupTestServer(t, Config{JWTSecret: testSecret})
	alice := token(t, models.OwnerIndividual, "alice")
	bob := token(t, models.OwnerIndividual, "bob")

	w := env.do(t, http.MethodPut, "/v1/cache", map[string]interface{}{
		"query":   "How do I   write table tests",
		"payload": map[string]interface{}{"answer": 42},
	}, alice)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var stored struct {
		Key string `json:"key"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stored))
	require.NotEmpty(t, stored.Key)

	lookup := func(bearer string) (bool, json.RawMessage) {
		w := env.do(t, http.MethodPost, "/v1/cache/lookup", map[string]interface{}{
			"query": "how do i write table tests",
		}, bearer)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var body struct {
			Hit   bool `json:"hit"`
			Entry struct {
				Payload json.RawMessage `json:"payload"`
			} `json:"entry"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		return body.Hit, body.Entry.Payload
	}

	hit, payload := lookup(alice)
	require.True(t, hit)
	assert.JSONEq(t, `{"answer":42}`, string(payload))

	hit, _ = lookup(bob)
	assert.False(t, hit)

	t.Run("writing into another scope is forbidden", func(t *testing.T) {
		w := env.do(t, http.MethodPut, "/v1/cache", map[string]interface{}{
			"key":     "k-1",
			"payload": "x",
			"scope":   map[string]string{"owner_kind": "individual", "owner_id": "alice"},
		}, bob)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("key or query required", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/v1/cache/lookup", map[string]interface{}{}, alice)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("stats", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/v1/cache/stats", nil, alice)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"hits"`)
	})

	t.Run("invalidate", func(t *testing.T) {
		w := env.do(t, http.MethodDelete, "/v1/cache/"+stored.Key, nil, bob)
		assert.Equal(t, http.StatusNotFound, w.Code)

		w = env.do(t, http.MethodDelete, "/v1/cache/"+stored.Key, nil, alice)
		assert.Equal(t, http.StatusNoContent, w.Code)

		hit, _ := lookup(alice)
		assert.False(t, hit)
	})
}

func TestUnauthenticatedServer(t *testing.T) {
	env := setupTestServer(t, Config{})

	_, err := env.server.engine.WriteLayerField(context.Background(), models.Scope(models.OwnerIndividual, "u-1"),
		models.OwnerIndividual, "u-1", models.Fields{"testFramework": models.String("u1-private")}, 0)
	require.NoError(t, err)

	// Naming an individual does not grant their scope
	w := env.do(t, http.MethodPost, "/v1/context/resolve", map[string]interface{}{"individual_id": "u-1"}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resolved models.ResolvedContext
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resolved))
	assert.NotContains(t, resolved.Fields, "testFramework")
	assert.NotContains(t, w.Body.String(), "u1-private")
	assert.NotEqual(t, models.LayerApplied, resolved.Layers[models.LayerIndividual])
	assert.Equal(t, models.String("space"), resolved.Fields["indent"])

	// Public requesters cannot write layers
	w = env.do(t, http.MethodPut, "/v1/layers/individual/u-1", map[string]interface{}{
		"fields": map[string]interface{}{"indent": "tab"},
	}, "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodGet, "/v1/layers/system-default/system", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	env := setupTestServer(t, Config{JWTSecret: testSecret})

	env.do(t, http.MethodGet, "/healthz", nil, "")
	w := env.do(t, http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ctxengine_test_api_requests")
}

func TestRateLimiter(t *testing.T) {
	env := setupTestServer(t, Config{
		JWTSecret: testSecret,
		RateLimit: RateLimiterConfig{RequestsPerSecond: 0.001, Burst: 2},
	})

	codes := make([]int, 3)
	for i := range codes {
		codes[i] = env.do(t, http.MethodGet, "/healthz", nil, "").Code
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{err: &models.PrivacyViolationError{Op: "write"}, status: http.StatusForbidden},
		{err: &models.VersionConflictError{Expected: 1, Actual: 2}, status: http.StatusConflict},
		{err: models.ErrNotFound, status: http.StatusNotFound},
		{err: fmt.Errorf("wrap: %w", models.ErrInvalidField), status: http.StatusBadRequest},
		{err: models.ErrInvalidScope, status: http.StatusBadRequest},
		{err: models.ErrStoreUnavailable, status: http.StatusServiceUnavailable},
		{err: models.ErrTimeout, status: http.StatusGatewayTimeout},
		{err: context.DeadlineExceeded, status: http.StatusGatewayTimeout},
		{err: errors.New("boom"), status: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.status, statusFor(tt.err), tt.err.Error())
	}
}
