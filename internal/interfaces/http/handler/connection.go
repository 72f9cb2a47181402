package handler

import (
	"context"

	"github.com/erp/backoffice/internal/domain/settings"
	"github.com/erp/backoffice/internal/interfaces/http/dto"
	"github.com/gin-gonic/gin"
)

// ConnectionTester runs connection tests against the integrations.
type ConnectionTester interface {
	Start(ctx context.Context, integration settings.Integration) (string, error)
	Cancel(ctx context.Context, integration settings.Integration) error
	Status(integration settings.Integration) settings.ConnectionStatus
}

// ConnectionHandler starts, cancels and reports connection tests.
type ConnectionHandler struct {
	BaseHandler
	tester ConnectionTester
}

// NewConnectionHandler creates a ConnectionHandler.
func NewConnectionHandler(tester ConnectionTester) *ConnectionHandler {
	return &ConnectionHandler{tester: tester}
}

// ListStatus returns the status record of every integration.
//
//	GET /connections
func (h *ConnectionHandler) ListStatus(c *gin.Context) {
	out := make([]dto.ConnectionStatusResponse, 0, len(settings.Integrations))
	for _, i := range settings.Integrations {
		out = append(out, dto.NewConnectionStatusResponse(i, h.tester.Status(i)))
	}
	h.Success(c, out)
}

// GetStatus returns the status record of one integration.
//
//	GET /connections/:integration
func (h *ConnectionHandler) GetStatus(c *gin.Context) {
	integration, ok := h.integration(c)
	if !ok {
		return
	}
	h.Success(c, dto.NewConnectionStatusResponse(integration, h.tester.Status(integration)))
}

// StartTest starts a connection test. The outcome is recorded on the
// integration's status record.
//
//	POST /connections/:integration/test
func (h *ConnectionHandler) StartTest(c *gin.Context) {
	integration, ok := h.integration(c)
	if !ok {
		return
	}
	id, err := h.tester.Start(c.Request.Context(), integration)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Accepted(c, dto.StartTestResponse{Integration: string(integration), AttemptID: id})
}

// CancelTest stops a running connection test.
//
//	DELETE /connections/:integration/test
func (h *ConnectionHandler) CancelTest(c *gin.Context) {
	integration, ok := h.integration(c)
	if !ok {
		return
	}
	if err := h.tester.Cancel(c.Request.Context(), integration); err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, dto.NewConnectionStatusResponse(integration, h.tester.Status(integration)))
}

func (h *ConnectionHandler) integration(c *gin.Context) (settings.Integration, bool) {
	var uri dto.IntegrationURI
	if err := c.ShouldBindUri(&uri); err != nil {
		h.ErrorWithCode(c, dto.ErrCodeUnknownIntegration, "Unknown integration: "+c.Param("integration"))
		return "", false
	}
	return settings.Integration(uri.Integration), true
}
