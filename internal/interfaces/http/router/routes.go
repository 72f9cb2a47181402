package router

import (
	"github.com/erp/backoffice/internal/interfaces/http/handler"
	"github.com/erp/backoffice/internal/interfaces/http/middleware"
)

// DefaultBodyLimit bounds JSON request bodies outside of imports.
const DefaultBodyLimit = 1 << 20

// SettingsRoutes groups the settings endpoints under /settings.
func SettingsRoutes(h *handler.SettingsHandler, events *handler.EventsHandler) *DomainGroup {
	g := NewDomainGroup("settings", "/settings")
	g.GET("", h.GetSettings).
		GET("/source", h.GetSource).
		GET("/dirty", h.GetDirty).
		GET("/export", h.Export).
		PUT("/value", middleware.BodyLimit(DefaultBodyLimit), h.UpdateValue).
		DELETE("/value", h.RemoveValue).
		POST("/batch", middleware.BodyLimit(DefaultBodyLimit), h.Batch).
		POST("/reset", middleware.BodyLimit(DefaultBodyLimit), h.Reset).
		POST("/save", h.Save).
		GET("/profile", h.GetProfileSync).
		POST("/profile/retry", h.RetryProfileSync).
		POST("/export/archive", middleware.BodyLimit(DefaultBodyLimit), h.ExportToArchive).
		POST("/import", middleware.BodyLimit(handler.MaxImportBytes), h.Import)
	if events != nil {
		g.GET("/events", events.Stream)
	}
	return g
}

// ConnectionRoutes groups the connection test endpoints under /connections.
func ConnectionRoutes(h *handler.ConnectionHandler) *DomainGroup {
	g := NewDomainGroup("connections", "/connections")
	g.GET("", h.ListStatus).
		GET("/:integration", h.GetStatus).
		POST("/:integration/test", h.StartTest).
		DELETE("/:integration/test", h.CancelTest)
	return g
}

// HealthRoutes groups the health endpoints under /health.
func HealthRoutes(h *handler.HealthHandler) *DomainGroup {
	g := NewDomainGroup("health", "/health")
	g.GET("", h.Health).
		GET("/ready", h.Ready)
	return g
}
