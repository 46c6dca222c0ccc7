package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-cave-backend/internal/blob"
)

// Blob serves a stored media file by name. Names are reused after an id is
// recycled, so responses are revalidated rather than cached forever.
func (h *Handlers) Blob(c *gin.Context) {
	if h.blobs == nil {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "blob not found")
		return
	}
	data, err := blob.Read(c.Request.Context(), h.blobs, c.Param("name"))
	switch {
	case errors.Is(err, blob.ErrInvalidName):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid blob name")
		return
	case errors.Is(err, blob.ErrNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "blob not found")
		return
	case err != nil:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	c.Header("Cache-Control", "no-cache")
	c.Data(http.StatusOK, blob.MIME(data), data)
}
