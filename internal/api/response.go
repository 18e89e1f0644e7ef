package api

import (
	"errors"
	"net/http"

	"geonotify/internal/model"
	"geonotify/internal/notifier"

	"github.com/gin-gonic/gin"
)

// Response is the envelope every endpoint answers with.
type Response struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Response{Code: 0, Message: "success", Data: data})
}

func fail(c *gin.Context, code int, message string) {
	c.AbortWithStatusJSON(code, Response{Code: code, Message: message})
}

func badRequest(c *gin.Context, message string) { fail(c, http.StatusBadRequest, message) }

// failWith maps a domain error onto a status code. Data is still attached so
// callers see per-event outcomes next to the error.
func failWith(c *gin.Context, err error, data any) {
	code := statusOf(err)
	c.AbortWithStatusJSON(code, Response{Code: code, Message: err.Error(), Data: data})
}

func statusOf(err error) int {
	switch {
	case model.IsValidation(err):
		return http.StatusBadRequest
	case model.IsCapacity(err), errors.Is(err, notifier.ErrInFlight):
		return http.StatusConflict
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case model.IsTransient(err):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
