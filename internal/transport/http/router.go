package httptransport

import (
	"log/slog"

	"github.com/gin-gonic/gin"
	sloggin "github.com/samber/slog-gin"

	"github.com/privacytap/dpquery/internal/transport/http/handler"
	"github.com/privacytap/dpquery/internal/transport/http/middleware"
)

// Handlers bundles every handler NewRouter wires into the gin engine.
type Handlers struct {
	Query   *handler.QueryHandler
	Dataset *handler.DatasetHandler
	Budget  *handler.BudgetHandler
	State   *handler.StateHandler
}

func NewRouter(logger *slog.Logger, h Handlers, developMode bool) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(sloggin.New(logger))
	r.Use(middleware.Security())
	r.Use(middleware.Metrics())

	r.GET("/state", h.State.Liveness)
	r.GET("/state/ready", h.State.Readiness)

	api := r.Group("", middleware.Identity(developMode))

	api.GET("/get_dataset_metadata/:name", h.Dataset.GetMetadata)
	api.GET("/datasets", h.Dataset.ListDatasets)

	api.POST("/estimate_:tag_cost", h.Query.EstimateCost)
	api.POST("/:tag_query", h.Query.ExecuteQuery)
	api.POST("/dummy_:tag_query", h.Query.ExecuteDummyQuery)
	api.GET("/get_dummy_dataset", h.Query.GetDummyDataset)

	api.GET("/get_budget", h.Budget.GetBudget)
	api.GET("/get_previous_queries", h.Budget.GetPreviousQueries)

	return r
}
