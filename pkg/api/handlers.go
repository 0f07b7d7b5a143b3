package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/developer-mesh/context-engine/pkg/models"
	"github.com/developer-mesh/context-engine/pkg/resolver"
	"github.com/developer-mesh/context-engine/pkg/tiered"
)

const defaultHistoryLimit = 50

func (s *Server) resolveHandler(c *gin.Context) {
	var req resolver.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}

	requester := requesterFrom(c, models.PublicScope())
	resolved, err := s.engine.ResolveContext(c.Request.Context(), requester, req)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resolved)
}

type cacheLookupRequest struct {
	Key       string    `json:"key"`
	Query     string    `json:"query"`
	Embedding []float32 `json:"embedding"`
}

type cacheStoreRequest struct {
	Key       string               `json:"key"`
	Query     string               `json:"query"`
	Payload   json.RawMessage      `json:"payload" binding:"required"`
	Embedding []float32            `json:"embedding"`
	Scope     *models.PrivacyScope `json:"scope"`
}

type cacheEntryResponse struct {
	Key          string              `json:"key"`
	Payload      json.RawMessage     `json:"payload"`
	Scope        models.PrivacyScope `json:"scope"`
	Tier         tiered.Tier         `json:"tier"`
	CreatedAt    time.Time           `json:"created_at"`
	ExpiresAt    time.Time           `json:"expires_at"`
	AccessCount  int                 `json:"access_count"`
	HasEmbedding bool                `json:"has_embedding"`
}

// payloadJSON returns stored payloads verbatim when they are JSON and as a
// JSON string otherwise
func payloadJSON(payload []byte) json.RawMessage {
	if json.Valid(payload) {
		return payload
	}
	encoded, _ := json.Marshal(string(payload))
	return encoded
}

func (s *Server) cacheLookupHandler(c *gin.Context) {
	var req cacheLookupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	if req.Key == "" && req.Query == "" {
		badRequest(c, "key or query is required")
		return
	}

	requester := requesterFrom(c, models.PublicScope())
	key := req.Key
	if key == "" {
		key = tiered.Key(req.Query, requester)
	}

	entry, err := s.engine.CacheLookup(c.Request.Context(), requester, key, req.Embedding)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if entry == nil {
		c.JSON(http.StatusOK, gin.H{"hit": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"hit": true,
		"entry": cacheEntryResponse{
			Key:          entry.Key,
			Payload:      payloadJSON(entry.Payload),
			Scope:        entry.Scope,
			Tier:         entry.Tier,
			CreatedAt:    entry.CreatedAt,
			ExpiresAt:    entry.ExpiresAt,
			AccessCount:  entry.AccessCount,
			HasEmbedding: len(entry.Embedding) > 0,
		},
	})
}

func (s *Server) cacheStoreHandler(c *gin.Context) {
	var req cacheStoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	if req.Key == "" && req.Query == "" {
		badRequest(c, "key or query is required")
		return
	}

	requester := requesterFrom(c, models.PublicScope())
	scope := requester
	if req.Scope != nil {
		scope = *req.Scope
	}
	key := req.Key
	if key == "" {
		key = tiered.Key(req.Query, scope)
	}

	if err := s.engine.CacheStore(c.Request.Context(), requester, key, req.Payload, req.Embedding, scope); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"key": key, "scope": scope})
}

func (s *Server) cacheInvalidateHandler(c *gin.Context) {
	requester := requesterFrom(c, models.PublicScope())
	if err := s.engine.CacheInvalidate(c.Request.Context(), requester, c.Param("key")); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) cacheStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.CacheStats(c.Request.Context()))
}

type layerWriteRequest struct {
	// Fields holds plain JSON values typed by the schema; null removes a field
	Fields          map[string]interface{} `json:"fields" binding:"required"`
	ExpectedVersion int64                  `json:"expected_version"`
}

func layerParams(c *gin.Context) (models.LayerKind, string, error) {
	kind := models.LayerKind(c.Param("kind"))
	if !kind.IsValid() {
		return "", "", fmt.Errorf("%w: unknown layer %q", models.ErrInvalidScope, kind)
	}
	return kind, c.Param("owner"), nil
}

// decodeFields converts plain JSON values into typed field values using
// the declared kind of each field
func decodeFields(schema *models.Schema, raw map[string]interface{}) (models.Fields, error) {
	fields := make(models.Fields, len(raw))
	for name, value := range raw {
		spec, ok := schema.Spec(name)
		if !ok {
			return nil, fmt.Errorf("%w: unknown field %q", models.ErrInvalidField, name)
		}
		if value == nil {
			fields[name] = models.Null()
			continue
		}
		typed, err := models.ValueOf(spec.Kind, value)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
		fields[name] = typed
	}
	return fields, nil
}

func (s *Server) readLayerHandler(c *gin.Context) {
	kind, owner, err := layerParams(c)
	if err != nil {
		s.respondError(c, err)
		return
	}

	requester := requesterFrom(c, models.PublicScope())
	record, err := s.engine.ReadLayer(c.Request.Context(), requester, kind, owner)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (s *Server) writeLayerHandler(c *gin.Context) {
	kind, owner, err := layerParams(c)
	if err != nil {
		s.respondError(c, err)
		return
	}
	var req layerWriteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	fields, err := decodeFields(s.engine.Schema(), req.Fields)
	if err != nil {
		s.respondError(c, err)
		return
	}

	requester := requesterFrom(c, models.PublicScope())
	record, err := s.engine.WriteLayerField(c.Request.Context(), requester, kind.OwnerKind(), owner, fields, req.ExpectedVersion)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (s *Server) deleteLayerHandler(c *gin.Context) {
	kind, owner, err := layerParams(c)
	if err != nil {
		s.respondError(c, err)
		return
	}

	requester := requesterFrom(c, models.PublicScope())
	if err := s.engine.DeleteLayer(c.Request.Context(), requester, kind, owner); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) layerHistoryHandler(c *gin.Context) {
	kind, owner, err := layerParams(c)
	if err != nil {
		s.respondError(c, err)
		return
	}
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 {
			badRequest(c, "limit must be a positive integer")
			return
		}
	}

	requester := requesterFrom(c, models.PublicScope())
	events, err := s.engine.LayerHistory(c.Request.Context(), requester, kind, owner, limit)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}
