package controlplane

import (
	"errors"
	"net/http"

	"github.com/fentz26/leash/internal/executor"
)

// httpStatus maps the executor's sentinel errors onto transport codes.
// Anything unrecognized is a 500.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, executor.ErrEmptyCommand):
		return http.StatusBadRequest
	case errors.Is(err, executor.ErrUnknownTask):
		return http.StatusNotFound
	case errors.Is(err, executor.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, executor.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
