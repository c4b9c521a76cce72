package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/privacytap/dpquery/internal/engine"
	"github.com/privacytap/dpquery/internal/transport/http/middleware"
)

// BudgetHandler serves the get_budget endpoint, which returns the initial,
// spent and remaining budget together in one response, and the
// get_previous_queries endpoint. There are no separate initial, spent or
// remaining budget endpoints.
type BudgetHandler struct {
	engine *engine.Engine
}

func NewBudgetHandler(e *engine.Engine) *BudgetHandler {
	return &BudgetHandler{engine: e}
}

type budgetView struct {
	DatasetName    string  `json:"dataset_name"`
	InitialEpsilon float64 `json:"initial_epsilon"`
	InitialDelta   float64 `json:"initial_delta"`
	SpentEpsilon   float64 `json:"spent_epsilon"`
	SpentDelta     float64 `json:"spent_delta"`
	RemainingEpsilon float64 `json:"remaining_epsilon"`
	RemainingDelta   float64 `json:"remaining_delta"`
}

// GetBudget handles GET /get_budget?dataset_name=. An omitted
// dataset_name returns every dataset's budget for the caller.
func (h *BudgetHandler) GetBudget(c *gin.Context) {
	entries, err := h.engine.GetBudget(c.Request.Context(), middleware.UserID(c), c.Query("dataset_name"))
	if err != nil {
		writeError(c, err)
		return
	}

	views := make([]budgetView, 0, len(entries))
	for _, e := range entries {
		remEpsilon, remDelta := e.Remaining()
		views = append(views, budgetView{
			DatasetName:      e.DatasetName,
			InitialEpsilon:   e.InitialEpsilon,
			InitialDelta:     e.InitialDelta,
			SpentEpsilon:     e.SpentEpsilon,
			SpentDelta:       e.SpentDelta,
			RemainingEpsilon: remEpsilon,
			RemainingDelta:   remDelta,
		})
	}
	c.JSON(http.StatusOK, gin.H{"budgets": views})
}

// GetPreviousQueries handles GET /get_previous_queries?dataset_name=.
func (h *BudgetHandler) GetPreviousQueries(c *gin.Context) {
	archives, err := h.engine.GetArchives(c.Request.Context(), middleware.UserID(c), c.Query("dataset_name"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"archives": archives})
}
