package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/recallstack/recall/pkg/dedup"
	"github.com/recallstack/recall/pkg/memory"
	"github.com/recallstack/recall/pkg/memory/unified"
)

type storeRequest struct {
	Content        string                 `json:"content" binding:"required"`
	Metadata       map[string]interface{} `json:"metadata"`
	Importance     *float64               `json:"importance_score"`
	UserID         string                 `json:"user_id"`
	ConversationID string                 `json:"conversation_id"`
}

type queryRequest struct {
	Query          *string                `json:"query"`
	Limit          *int                   `json:"limit"`
	MinSimilarity  *float64               `json:"min_similarity"`
	Filters        map[string]interface{} `json:"filters"`
	Providers      []string               `json:"providers"`
	RelaxThreshold bool                   `json:"relax_threshold"`
}

type importanceRequest struct {
	ImportanceScore float64 `json:"importance_score"`
}

type dedupModeRequest struct {
	Mode string `json:"mode" binding:"required"`
}

type falsePositiveRequest struct {
	ReportedID string `json:"reported_id" binding:"required"`
	ActualID   string `json:"actual_id" binding:"required"`
}

func (s *Server) handleStore(c *gin.Context) {
	var req storeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	mem, err := s.store.Store(c.Request.Context(), unified.StoreRequest{
		Content:        req.Content,
		Metadata:       req.Metadata,
		Importance:     req.Importance,
		UserID:         req.UserID,
		ConversationID: req.ConversationID,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}

	// A dedup collapse answers 200 with the canonical memory; a fresh
	// write answers 201
	status := http.StatusCreated
	if _, ok := mem.Metadata[unified.MetaDuplicateOf]; ok {
		status = http.StatusOK
	}
	c.JSON(status, mem)
}

func (s *Server) handleQuery(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	unifiedReq := unified.QueryRequest{
		Query:          req.Query,
		Limit:          unified.DefaultQueryLimit,
		MinSimilarity:  req.MinSimilarity,
		Filters:        req.Filters,
		Providers:      req.Providers,
		RelaxThreshold: req.RelaxThreshold,
	}
	if req.Limit != nil {
		unifiedReq.Limit = *req.Limit
	}

	result, err := s.store.Query(c.Request.Context(), unifiedReq)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleRecent(c *gin.Context) {
	limit := unified.DefaultQueryLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer"})
			return
		}
		limit = parsed
	}

	var filters map[string]interface{}
	if raw := c.Query("filters"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &filters); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "filters must be a JSON object"})
			return
		}
	}

	result, err := s.store.Query(c.Request.Context(), unified.QueryRequest{
		Query:   nil,
		Limit:   limit,
		Filters: filters,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleGet(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be a UUID"})
		return
	}
	mem, err := s.store.Get(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, mem)
}

func (s *Server) handleDelete(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be a UUID"})
		return
	}
	existed, err := s.store.Delete(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if !existed {
		c.JSON(http.StatusNotFound, gin.H{"error": "memory not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleUpdateImportance(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be a UUID"})
		return
	}
	var req importanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if err := s.store.UpdateImportance(c.Request.Context(), id, req.ImportanceScore); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleHealthz(c *gin.Context) {
	statuses := s.store.ProviderHealth(c.Request.Context())
	healthy := true
	for _, st := range statuses {
		if st.Role == "primary" && st.Health.Status == memory.HealthStatusUnhealthy {
			healthy = false
		}
	}
	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"healthy": healthy, "providers": statuses})
}

func (s *Server) handleProviders(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"providers": s.store.ProviderHealth(c.Request.Context())})
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.store.LiveStats(c.Request.Context()))
}

func (s *Server) handleSetDedupMode(c *gin.Context) {
	var req dedupModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if err := s.store.SetDedupMode(req.Mode); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"mode": s.store.DedupMode()})
}

func (s *Server) handleDedupReviews(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer"})
			return
		}
		limit = parsed
	}
	reviews, err := s.store.RecentDedupReviews(c.Request.Context(), limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if reviews == nil {
		reviews = []*dedup.Review{}
	}
	c.JSON(http.StatusOK, gin.H{"reviews": reviews})
}

func (s *Server) handleFalsePositive(c *gin.Context) {
	var req falsePositiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	reported, err := uuid.Parse(req.ReportedID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reported_id must be a UUID"})
		return
	}
	actual, err := uuid.Parse(req.ActualID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "actual_id must be a UUID"})
		return
	}
	if err := s.store.MarkFalsePositive(c.Request.Context(), reported, actual); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleRebuildHashes(c *gin.Context) {
	batch := 0
	if raw := c.Query("batch"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "batch must be an integer"})
			return
		}
		batch = parsed
	}
	rows, err := s.store.RebuildHashes(c.Request.Context(), batch)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rows": rows})
}

func (s *Server) handleResync(c *gin.Context) {
	rows, err := s.store.ResyncSecondary(c.Request.Context(), c.Param("name"), 0)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rows": rows})
}

// writeError maps the error taxonomy onto HTTP status codes. Internal
// details are logged, not returned.
func (s *Server) writeError(c *gin.Context, err error) {
	kind := memory.Classify(err)
	var code int
	msg := err.Error()
	switch kind {
	case memory.KindInvalidInput:
		code = http.StatusBadRequest
	case memory.KindOutOfRange:
		code = http.StatusBadRequest
	case memory.KindNotFound:
		code = http.StatusNotFound
	case memory.KindConflict:
		code = http.StatusConflict
	case memory.KindDeadlineExceeded:
		code = http.StatusGatewayTimeout
	case memory.KindEmbeddingFailed:
		code = http.StatusBadGateway
	case memory.KindUnavailable:
		code = http.StatusServiceUnavailable
	default:
		code = http.StatusInternalServerError
		s.logger.Error("internal error", map[string]interface{}{
			"path":  c.FullPath(),
			"error": err.Error(),
		})
		msg = "internal error"
	}
	c.JSON(code, gin.H{"error": msg, "kind": string(kind)})
}
