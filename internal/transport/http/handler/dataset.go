package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/privacytap/dpquery/internal/repository"
)

// DatasetHandler serves the dataset-metadata lookup endpoint — the
// catalog entry's shape, never live data.
type DatasetHandler struct {
	catalog repository.CatalogStore
}

func NewDatasetHandler(catalog repository.CatalogStore) *DatasetHandler {
	return &DatasetHandler{catalog: catalog}
}

// GetMetadata handles GET /get_dataset_metadata/:name.
func (h *DatasetHandler) GetMetadata(c *gin.Context) {
	name := c.Param("name")
	dataset, err := h.catalog.GetDataset(c.Request.Context(), name)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, dataset.Metadata)
}

// ListDatasets handles GET /datasets — a thin administrative convenience
// over the catalog, distinct from the admin CLI's mutating operations.
func (h *DatasetHandler) ListDatasets(c *gin.Context) {
	datasets, err := h.catalog.ListDatasets(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	names := make([]string, 0, len(datasets))
	for _, d := range datasets {
		names = append(names, d.Name)
	}
	c.JSON(http.StatusOK, gin.H{"datasets": names})
}
