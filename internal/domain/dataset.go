package domain

// ConnectorKind is the closed set of physical dataset storage kinds the
// Data Connector Cache knows how to materialize.
type ConnectorKind string

const (
	ConnectorPath     ConnectorKind = "PATH"
	ConnectorS3       ConnectorKind = "S3"
	ConnectorInMemory ConnectorKind = "IN_MEMORY"
)

// ColumnKind is the closed set of column types a Dummy Generator and backend
// Querier need to agree on.
type ColumnKind string

const (
	ColumnNumeric     ColumnKind = "numeric"
	ColumnCategorical ColumnKind = "categorical"
	ColumnDatetime    ColumnKind = "datetime"
)

// ColumnSpec describes one column's generation and validation policy.
type ColumnSpec struct {
	Name     string
	Kind     ColumnKind
	Nullable bool

	// Numeric
	Min, Max float64

	// Categorical
	Categories []string

	// Datetime, RFC3339 bounds
	MinTime, MaxTime string
}

// Metadata is a Dataset's column catalog, used by the Dummy Generator and
// by backends to validate and cost a query without touching live data.
type Metadata struct {
	DatasetName string
	Columns     []ColumnSpec
}

// Dataset is an MCS-owned catalog entry: where the data physically lives
// and which credential pair unlocks it. It never carries live data.
type Dataset struct {
	Name             string
	ConnectorKind    ConnectorKind
	Location         string // path, bucket/key, or empty for IN_MEMORY
	CredentialsName  string // references a named Secrets credential pair, or ""
	Metadata         Metadata
}
