package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/privacytap/dpquery/internal/domain"
)

// writeError maps the closed ErrorKind taxonomy onto an HTTP status and a
// stable error code, with a fixed message per kind; the underlying
// error's text is never sent to the caller.
func writeError(c *gin.Context, err error) {
	kind := domain.KindOf(err)
	status := http.StatusInternalServerError

	switch kind {
	case domain.KindInvalidQuery:
		status = http.StatusBadRequest
	case domain.KindUnauthorized:
		status = http.StatusForbidden
	case domain.KindExternalLib:
		status = http.StatusBadGateway
	case domain.KindInternalError:
		status = http.StatusInternalServerError
	}

	c.JSON(status, gin.H{
		"error": errMessage(kind),
		"code":  string(kind),
	})
}

func errMessage(kind domain.ErrorKind) string {
	switch kind {
	case domain.KindInvalidQuery:
		return "the request was rejected: invalid query"
	case domain.KindUnauthorized:
		return "the request was rejected: unauthorized"
	case domain.KindExternalLib:
		return "the backend library reported a failure"
	default:
		return "internal server error"
	}
}
