package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/privacytap/dpquery/internal/domain"
	"github.com/privacytap/dpquery/internal/engine"
	"github.com/privacytap/dpquery/internal/transport/http/middleware"
)

// QueryHandler serves the estimate/execute/dummy-query triplet for every
// library tag — one handler, dispatched by the tag in the route's path,
// rather than four near-identical handler types.
type QueryHandler struct {
	engine *engine.Engine
}

func NewQueryHandler(e *engine.Engine) *QueryHandler {
	return &QueryHandler{engine: e}
}

type queryRequest struct {
	DatasetName string  `json:"dataset_name" binding:"required"`
	Statement   string  `json:"statement,omitempty"`
	Pipeline    []byte  `json:"pipeline,omitempty"`
	Statistic   string  `json:"statistic,omitempty"`
	Columns     []string `json:"columns,omitempty"`
	FixedDelta  *float64 `json:"fixed_delta,omitempty"`
}

func (r queryRequest) toPayload(tag domain.LibraryTag) domain.QueryPayload {
	return domain.QueryPayload{
		Tag:          tag,
		Statement:    r.Statement,
		PipelineBlob: r.Pipeline,
		Statistic:    r.Statistic,
		Columns:      r.Columns,
		FixedDelta:   r.FixedDelta,
	}
}

// tagFromParam reads the library tag from the route's path parameter. gin
// names a parameter up to the next '/', so the routes' parameters are
// "tag_cost" and "tag_query" and carry the literal suffix with them.
func tagFromParam(c *gin.Context) (domain.LibraryTag, bool) {
	raw := strings.TrimSuffix(c.Param("tag_cost"), "_cost")
	if raw == "" {
		raw = strings.TrimSuffix(c.Param("tag_query"), "_query")
	}
	tag := domain.LibraryTag(raw)
	if !tag.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown library tag", "code": string(domain.KindInvalidQuery)})
		return "", false
	}
	return tag, true
}

// EstimateCost handles POST /estimate_:tag_cost.
func (h *QueryHandler) EstimateCost(c *gin.Context) {
	tag, ok := tagFromParam(c)
	if !ok {
		return
	}
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": string(domain.KindInvalidQuery)})
		return
	}

	epsilon, delta, err := h.engine.EstimateCost(c.Request.Context(), middleware.UserID(c), req.DatasetName, req.toPayload(tag))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"epsilon": epsilon, "delta": delta})
}

// ExecuteQuery handles POST /:tag_query.
func (h *QueryHandler) ExecuteQuery(c *gin.Context) {
	tag, ok := tagFromParam(c)
	if !ok {
		return
	}
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": string(domain.KindInvalidQuery)})
		return
	}

	result, err := h.engine.ExecuteQuery(c.Request.Context(), middleware.UserID(c), req.DatasetName, req.toPayload(tag))
	if err != nil {
		writeError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", result)
}

type dummyQueryRequest struct {
	DatasetName string   `json:"dataset_name" binding:"required"`
	NbRows      int      `json:"nb_rows" binding:"required"`
	Seed        int64    `json:"seed"`
	Statement   string   `json:"statement,omitempty"`
	Pipeline    []byte   `json:"pipeline,omitempty"`
	Statistic   string   `json:"statistic,omitempty"`
	Columns     []string `json:"columns,omitempty"`
	FixedDelta  *float64 `json:"fixed_delta,omitempty"`
}

func (r dummyQueryRequest) toPayload(tag domain.LibraryTag) domain.QueryPayload {
	return domain.QueryPayload{
		Tag:          tag,
		Statement:    r.Statement,
		PipelineBlob: r.Pipeline,
		Statistic:    r.Statistic,
		Columns:      r.Columns,
		FixedDelta:   r.FixedDelta,
	}
}

// ExecuteDummyQuery handles POST /dummy_:tag_query. The tag selects the
// same backend the real query endpoint would use; the backend runs the
// submitted query against data the Dummy Generator produces instead of
// the live dataset.
func (h *QueryHandler) ExecuteDummyQuery(c *gin.Context) {
	tag, ok := tagFromParam(c)
	if !ok {
		return
	}
	var req dummyQueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": string(domain.KindInvalidQuery)})
		return
	}

	result, err := h.engine.ExecuteDummyQuery(c.Request.Context(), middleware.UserID(c), req.DatasetName, req.toPayload(tag), req.NbRows, req.Seed)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", result)
}

type dummyDatasetRequest struct {
	DatasetName string `form:"dataset_name" binding:"required"`
	NbRows      int    `form:"nb_rows" binding:"required"`
	Seed        int64  `form:"seed"`
}

// GetDummyDataset handles GET /get_dummy_dataset: it hands back synthetic
// rows directly, with no backend involved at all.
func (h *QueryHandler) GetDummyDataset(c *gin.Context) {
	var req dummyDatasetRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": string(domain.KindInvalidQuery)})
		return
	}

	result, err := h.engine.GetDummyDataset(c.Request.Context(), middleware.UserID(c), req.DatasetName, req.NbRows, req.Seed)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", result)
}
