// Package catalog implements the Metadata & Credentials Store (MCS) as a
// YAML-file-backed dataset catalog. The catalog is loaded fully into
// memory; mutations are written back to disk so the file stays the
// source of truth across restarts.
package catalog

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/privacytap/dpquery/internal/domain"
)

// fileColumn/fileDataset mirror domain types in a YAML-friendly shape.
type fileColumn struct {
	Name       string   `yaml:"name"`
	Kind       string   `yaml:"kind"`
	Nullable   bool     `yaml:"nullable"`
	Min        float64  `yaml:"min,omitempty"`
	Max        float64  `yaml:"max,omitempty"`
	Categories []string `yaml:"categories,omitempty"`
	MinTime    string   `yaml:"min_time,omitempty"`
	MaxTime    string   `yaml:"max_time,omitempty"`
}

type fileDataset struct {
	Name            string       `yaml:"name"`
	ConnectorKind   string       `yaml:"connector_kind"`
	Location        string       `yaml:"location"`
	CredentialsName string       `yaml:"credentials_name,omitempty"`
	Columns         []fileColumn `yaml:"columns"`
}

type fileRoot struct {
	Datasets []fileDataset `yaml:"datasets"`
}

// Catalog is a repository.CatalogStore implementation backed by a single
// YAML file, held in memory behind a mutex — explicit, simple state over
// a generic cache abstraction, since the data volume is administrative
// rather than hot-path (dataset catalogs number in the dozens to
// hundreds, not millions).
type Catalog struct {
	path string

	mu       sync.RWMutex
	datasets map[string]domain.Dataset
}

func New(path string) *Catalog {
	return &Catalog{path: path, datasets: make(map[string]domain.Dataset)}
}

// Load reads the backing YAML file into memory. Call once at startup and
// again after Invalidate.
func (c *Catalog) Load(_ context.Context) error {
	raw, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("read catalog file: %w", err)
	}

	var root fileRoot
	if err := yaml.Unmarshal(raw, &root); err != nil {
		return fmt.Errorf("parse catalog yaml: %w", err)
	}

	datasets := make(map[string]domain.Dataset, len(root.Datasets))
	for _, fd := range root.Datasets {
		datasets[fd.Name] = toDomainDataset(fd)
	}

	c.mu.Lock()
	c.datasets = datasets
	c.mu.Unlock()
	return nil
}

func (c *Catalog) GetDataset(_ context.Context, name string) (domain.Dataset, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.datasets[name]
	if !ok {
		return domain.Dataset{}, domain.ErrDatasetNotFound
	}
	return d, nil
}

func (c *Catalog) ListDatasets(_ context.Context) ([]domain.Dataset, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.Dataset, 0, len(c.datasets))
	for _, d := range c.datasets {
		out = append(out, d)
	}
	return out, nil
}

func (c *Catalog) CreateDataset(_ context.Context, d domain.Dataset) error {
	c.mu.Lock()
	c.datasets[d.Name] = d
	c.mu.Unlock()
	return c.flush()
}

func (c *Catalog) DropDataset(_ context.Context, name string) error {
	c.mu.Lock()
	delete(c.datasets, name)
	c.mu.Unlock()
	return c.flush()
}

// BulkLoad merges every dataset in yamlDoc into the catalog, overwriting
// any existing entry of the same name — the admin "bulk-load from YAML"
// operation.
func (c *Catalog) BulkLoad(_ context.Context, yamlDoc []byte) (int, error) {
	var root fileRoot
	if err := yaml.Unmarshal(yamlDoc, &root); err != nil {
		return 0, fmt.Errorf("parse bulk-load yaml: %w", err)
	}

	c.mu.Lock()
	for _, fd := range root.Datasets {
		c.datasets[fd.Name] = toDomainDataset(fd)
	}
	c.mu.Unlock()

	return len(root.Datasets), c.flush()
}

func (c *Catalog) Invalidate(ctx context.Context) error {
	return c.Load(ctx)
}

// flush serializes the in-memory catalog back to the backing file. Callers
// hold no lock across flush; it takes its own read lock.
func (c *Catalog) flush() error {
	c.mu.RLock()
	root := fileRoot{Datasets: make([]fileDataset, 0, len(c.datasets))}
	for _, d := range c.datasets {
		root.Datasets = append(root.Datasets, toFileDataset(d))
	}
	c.mu.RUnlock()

	raw, err := yaml.Marshal(root)
	if err != nil {
		return fmt.Errorf("marshal catalog yaml: %w", err)
	}
	if err := os.WriteFile(c.path, raw, 0o644); err != nil {
		return fmt.Errorf("write catalog file: %w", err)
	}
	return nil
}

func toDomainDataset(fd fileDataset) domain.Dataset {
	cols := make([]domain.ColumnSpec, 0, len(fd.Columns))
	for _, fc := range fd.Columns {
		cols = append(cols, domain.ColumnSpec{
			Name:       fc.Name,
			Kind:       domain.ColumnKind(fc.Kind),
			Nullable:   fc.Nullable,
			Min:        fc.Min,
			Max:        fc.Max,
			Categories: fc.Categories,
			MinTime:    fc.MinTime,
			MaxTime:    fc.MaxTime,
		})
	}
	return domain.Dataset{
		Name:            fd.Name,
		ConnectorKind:   domain.ConnectorKind(fd.ConnectorKind),
		Location:        fd.Location,
		CredentialsName: fd.CredentialsName,
		Metadata:        domain.Metadata{DatasetName: fd.Name, Columns: cols},
	}
}

func toFileDataset(d domain.Dataset) fileDataset {
	cols := make([]fileColumn, 0, len(d.Metadata.Columns))
	for _, c := range d.Metadata.Columns {
		cols = append(cols, fileColumn{
			Name:       c.Name,
			Kind:       string(c.Kind),
			Nullable:   c.Nullable,
			Min:        c.Min,
			Max:        c.Max,
			Categories: c.Categories,
			MinTime:    c.MinTime,
			MaxTime:    c.MaxTime,
		})
	}
	return fileDataset{
		Name:            d.Name,
		ConnectorKind:   string(d.ConnectorKind),
		Location:        d.Location,
		CredentialsName: d.CredentialsName,
		Columns:         cols,
	}
}
