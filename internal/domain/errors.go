package domain

import "errors"

// ErrorKind is the closed taxonomy returned to callers for any admission or
// execution failure. It never names an internal component.
type ErrorKind string

const (
	KindInvalidQuery   ErrorKind = "INVALID_QUERY"
	KindExternalLib    ErrorKind = "EXTERNAL_LIB"
	KindUnauthorized   ErrorKind = "UNAUTHORIZED"
	KindInternalError  ErrorKind = "INTERNAL_ERROR"
)

var (
	ErrInvalidQuery  = errors.New("invalid query")
	ErrExternalLib   = errors.New("backend library failure")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrInternal      = errors.New("internal error")

	ErrDatasetNotFound    = errors.New("dataset not found")
	ErrUserNotFound       = errors.New("user not found")
	ErrBudgetExceeded     = errors.New("budget exceeded")
	ErrMayNotQuery        = errors.New("user may not query")
	ErrUnknownLibraryTag  = errors.New("unknown library tag")
	ErrAdmissionSaturated = errors.New("submit limit reached")
	ErrArchiveNotFound    = errors.New("archive not found")
	ErrCASConflict        = errors.New("compare-and-swap conflict")
)

// KindOf classifies err into the closed error taxonomy. Unrecognized errors
// default to INTERNAL_ERROR, matching the "everything else" rule.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidQuery), errors.Is(err, ErrDatasetNotFound),
		errors.Is(err, ErrUnknownLibraryTag), errors.Is(err, ErrBudgetExceeded):
		return KindInvalidQuery
	case errors.Is(err, ErrExternalLib):
		return KindExternalLib
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrMayNotQuery):
		return KindUnauthorized
	default:
		return KindInternalError
	}
}
