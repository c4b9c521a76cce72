package connector_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/privacytap/dpquery/internal/connector"
	"github.com/privacytap/dpquery/internal/domain"
)

func TestPathFactory_Materialize_ParsesHeaderAndRows(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "patients.csv")
	writeFile(t, path, "age,department\n30,cardiology\n45,oncology\n")

	conn, err := connector.PathFactory{}.Materialize(context.Background(), domain.Dataset{Location: path})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer conn.Close()

	rows, err := conn.AsTabular(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	if rows[0]["age"] != "30" || rows[0]["department"] != "cardiology" {
		t.Errorf("unexpected first row: %+v", rows[0])
	}
}

func TestPathFactory_Materialize_MissingFile_Errors(t *testing.T) {
	_, err := connector.PathFactory{}.Materialize(context.Background(), domain.Dataset{Location: "/does/not/exist.csv"})
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestPathFactory_Materialize_EmptyFile_NoRows(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.csv")
	writeFile(t, path, "age,department\n")

	conn, err := connector.PathFactory{}.Materialize(context.Background(), domain.Dataset{Location: path})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rows, err := conn.AsTabular(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("got %d rows, want 0", len(rows))
	}
}

func TestMemoryFactory_Materialize_ServesConfiguredRows(t *testing.T) {
	rows := []connector.Row{{"age": 30.0}}
	f := connector.MemoryFactory{Rows: map[string][]connector.Row{"ds": rows}}

	conn, err := f.Materialize(context.Background(), domain.Dataset{Name: "ds"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := conn.AsTabular(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d rows, want 1", len(got))
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
