package domain

import "time"

// LibraryTag is the closed set of DP backend capabilities the registry can
// dispatch to.
type LibraryTag string

const (
	LibrarySQL       LibraryTag = "SQL"
	LibraryPipeline  LibraryTag = "PIPELINE"
	LibrarySynth     LibraryTag = "SYNTH"
	LibraryClassical LibraryTag = "CLASSICAL"
)

func (t LibraryTag) Valid() bool {
	switch t {
	case LibrarySQL, LibraryPipeline, LibrarySynth, LibraryClassical:
		return true
	}
	return false
}

// Status is a QueryJob's position in the TB/worker state machine:
// NEW -> QUEUED -> RUNNING -> (OK|LIB_FAIL|INTERNAL_FAIL).
type Status string

const (
	StatusNew          Status = "NEW"
	StatusQueued       Status = "QUEUED"
	StatusRunning      Status = "RUNNING"
	StatusOK           Status = "OK"
	StatusLibFail      Status = "LIB_FAIL"
	StatusInternalFail Status = "INTERNAL_FAIL"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusOK, StatusLibFail, StatusInternalFail:
		return true
	}
	return false
}

// QueryPayload is the normalized, backend-agnostic request body. Exactly
// one of the typed payload fields is populated, selected by LibraryTag —
// a tagged union rather than an interface, so admission can validate the
// discriminator before any backend is invoked.
type QueryPayload struct {
	Tag LibraryTag

	// SQL
	Statement string

	// PIPELINE — opaque to the Engine, interpreted only by the backend.
	PipelineBlob []byte

	// SYNTH / CLASSICAL share a statistic request shape.
	Statistic string
	Columns   []string

	FixedDelta *float64
}

// QueryJob is a single admitted request's live lifecycle record, owned by
// the ABE while in flight and archived on terminal disposition.
type QueryJob struct {
	JobID       string
	UserID      string
	DatasetName string
	Payload     QueryPayload

	EstimatedEpsilon float64
	EstimatedDelta   float64

	Status      Status
	SubmittedAt time.Time
	CompletedAt time.Time

	// Result carries the backend's answer on StatusOK. Nil otherwise.
	Result []byte

	// FailureDetail is set on LIB_FAIL/INTERNAL_FAIL for logging; never
	// returned verbatim to the caller beyond the ErrorKind.
	FailureDetail string
}

// Archive is the durable, append-only projection of a completed QueryJob.
// It stores a payload hash, never the payload body.
type Archive struct {
	JobID          string
	UserID         string
	DatasetName    string
	LibraryTag     LibraryTag
	PayloadHash    string
	MeasuredEpsilon float64
	MeasuredDelta   float64
	Status         Status
	SubmittedAt    time.Time
	CompletedAt    time.Time
}
