package catalog_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/privacytap/dpquery/internal/catalog"
	"github.com/privacytap/dpquery/internal/domain"
)

const sampleYAML = `
datasets:
  - name: clinic_visits
    connector_kind: PATH
    location: /data/clinic_visits.csv
    columns:
      - name: age
        kind: numeric
        min: 0
        max: 120
      - name: department
        kind: categorical
        categories: ["cardiology", "oncology"]
`

func writeCatalogFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write catalog file: %v", err)
	}
	return path
}

func TestLoad_ParsesDatasetsAndColumns(t *testing.T) {
	c := catalog.New(writeCatalogFile(t, sampleYAML))
	if err := c.Load(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	d, err := c.GetDataset(context.Background(), "clinic_visits")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.ConnectorKind != domain.ConnectorPath {
		t.Errorf("connector kind = %v, want PATH", d.ConnectorKind)
	}
	if len(d.Metadata.Columns) != 2 {
		t.Fatalf("got %d columns, want 2", len(d.Metadata.Columns))
	}
}

func TestGetDataset_Unknown_ReturnsErrDatasetNotFound(t *testing.T) {
	c := catalog.New(writeCatalogFile(t, sampleYAML))
	if err := c.Load(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := c.GetDataset(context.Background(), "nope"); !errors.Is(err, domain.ErrDatasetNotFound) {
		t.Errorf("want ErrDatasetNotFound, got %v", err)
	}
}

func TestCreateDataset_PersistsAcrossReload(t *testing.T) {
	path := writeCatalogFile(t, sampleYAML)
	c := catalog.New(path)
	if err := c.Load(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	newDataset := domain.Dataset{
		Name: "billing", ConnectorKind: domain.ConnectorInMemory,
		Metadata: domain.Metadata{DatasetName: "billing"},
	}
	if err := c.CreateDataset(context.Background(), newDataset); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reloaded := catalog.New(path)
	if err := reloaded.Load(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := reloaded.GetDataset(context.Background(), "billing"); err != nil {
		t.Errorf("expected created dataset to survive reload, got %v", err)
	}
	if _, err := reloaded.GetDataset(context.Background(), "clinic_visits"); err != nil {
		t.Errorf("expected pre-existing dataset to survive reload, got %v", err)
	}
}

func TestDropDataset_RemovesEntry(t *testing.T) {
	c := catalog.New(writeCatalogFile(t, sampleYAML))
	if err := c.Load(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := c.DropDataset(context.Background(), "clinic_visits"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := c.GetDataset(context.Background(), "clinic_visits"); !errors.Is(err, domain.ErrDatasetNotFound) {
		t.Errorf("want ErrDatasetNotFound after drop, got %v", err)
	}
}

func TestBulkLoad_AddsAndOverwritesEntries(t *testing.T) {
	c := catalog.New(writeCatalogFile(t, sampleYAML))
	if err := c.Load(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	bulk := `
datasets:
  - name: clinic_visits
    connector_kind: S3
    location: bucket/key
    columns: []
  - name: new_dataset
    connector_kind: IN_MEMORY
    columns: []
`
	n, err := c.BulkLoad(context.Background(), []byte(bulk))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Errorf("loaded = %d, want 2", n)
	}

	updated, err := c.GetDataset(context.Background(), "clinic_visits")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.ConnectorKind != domain.ConnectorS3 {
		t.Errorf("expected bulk-load to overwrite connector kind, got %v", updated.ConnectorKind)
	}
	if _, err := c.GetDataset(context.Background(), "new_dataset"); err != nil {
		t.Errorf("expected new_dataset to be added, got %v", err)
	}
}

func TestListDatasets_ReturnsAllEntries(t *testing.T) {
	c := catalog.New(writeCatalogFile(t, sampleYAML))
	if err := c.Load(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	list, err := c.ListDatasets(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("got %d datasets, want 1", len(list))
	}
}
