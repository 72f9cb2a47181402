package middleware

import (
	"fmt"
	"net/http"

	"github.com/erp/backoffice/internal/interfaces/http/dto"
	"github.com/gin-gonic/gin"
)

// TooLargeMessage is the error message for a body above limit bytes.
func TooLargeMessage(limit int64) string {
	return fmt.Sprintf("Request body exceeds the limit of %d bytes", limit)
}

// BodyLimit rejects bodies above maxBytes. Declared lengths are checked up
// front; chunked bodies fail with *http.MaxBytesError once the handler reads
// past the limit.
func BodyLimit(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, dto.NewErrorResponse(
				dto.ErrCodeRequestTooLarge,
				TooLargeMessage(maxBytes),
			))
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}
