package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/bartek5186/stockimport/internal/engine"
	"github.com/bartek5186/stockimport/internal/ledger"
	"github.com/bartek5186/stockimport/internal/lock"
)

// statusFor mapuje sentinele domeny na kody HTTP.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, lock.ErrBusy),
		errors.Is(err, engine.ErrStopped),
		errors.Is(err, engine.ErrJobDisabled):
		return http.StatusConflict
	case errors.Is(err, engine.ErrQueueFull),
		errors.Is(err, engine.ErrShuttingDown):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// errCode – krótki, stabilny identyfikator dla UI (tekst błędu może się zmieniać).
func errCode(err error) string {
	switch {
	case errors.Is(err, ledger.ErrValidation):
		return "validation"
	case errors.Is(err, ledger.ErrNotFound):
		return "not_found"
	case errors.Is(err, lock.ErrBusy):
		return "busy"
	case errors.Is(err, engine.ErrStopped):
		return "stopped"
	case errors.Is(err, engine.ErrJobDisabled):
		return "job_disabled"
	case errors.Is(err, engine.ErrQueueFull):
		return "queue_full"
	case errors.Is(err, engine.ErrShuttingDown):
		return "shutting_down"
	}
	return "internal"
}

func (h *Handler) fail(c *gin.Context, err error, extra gin.H) {
	status := statusFor(err)
	body := gin.H{"error": err.Error(), "code": errCode(err)}
	var ve *ledger.ValidationError
	if errors.As(err, &ve) {
		body["field"] = ve.Field
	}
	for k, v := range extra {
		body[k] = v
	}
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(status, body)
}

func badRequest(c *gin.Context, field, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": field + ": " + msg, "code": "validation", "field": field})
}

// idParam – :id ze ścieżki; false = odpowiedź 400 już wysłana.
func idParam(c *gin.Context) (uint, bool) {
	n, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || n == 0 {
		badRequest(c, "id", "must be a positive integer")
		return 0, false
	}
	return uint(n), true
}

// queryID – opcjonalny identyfikator z query; brak = 0.
func queryID(c *gin.Context, name string) (uint, bool) {
	raw := c.Query(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		badRequest(c, name, "must be a non-negative integer")
		return 0, false
	}
	return uint(n), true
}
