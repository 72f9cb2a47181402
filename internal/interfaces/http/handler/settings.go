package handler

import (
	"context"
	"fmt"
	"io"
	"net/http"

	appsettings "github.com/erp/backoffice/internal/application/settings"
	"github.com/erp/backoffice/internal/domain/settings"
	"github.com/erp/backoffice/internal/interfaces/http/dto"
	"github.com/gin-gonic/gin"
)

// MaxImportBytes bounds the body of an import request.
const MaxImportBytes = 5 << 20

// SettingsStore is the part of the settings store the HTTP layer uses.
type SettingsStore interface {
	Snapshot() settings.Snapshot
	Source(path settings.Path) settings.Resolution
	Update(ctx context.Context, path settings.Path, value any) (uint64, error)
	Remove(ctx context.Context, path settings.Path) (uint64, error)
	UpdateBatch(ctx context.Context, fn func(ctx context.Context, d *appsettings.Draft) error) (uint64, error)
	Reset(ctx context.Context, scope settings.Scope) (uint64, error)
	Dirty() bool
	PersistedVersion() uint64
}

// Saver flushes the working tree to storage and drives the profile sync.
type Saver interface {
	SaveNow(ctx context.Context) error
	RemoteEnabled() bool
	OutstandingRemote() []string
	RetryRemote() []string
}

// Transfer exports and imports the persisted settings.
type Transfer interface {
	Export(ctx context.Context) ([]byte, error)
	Import(ctx context.Context, blob []byte) (uint64, error)
	ExportToArchive(ctx context.Context, prefix string) (string, error)
	ImportFromArchive(ctx context.Context, key string) (uint64, error)
}

// SettingsHandler serves reads and writes of the settings tree.
type SettingsHandler struct {
	BaseHandler
	store    SettingsStore
	saver    Saver
	transfer Transfer
}

// NewSettingsHandler creates a SettingsHandler.
func NewSettingsHandler(store SettingsStore, saver Saver, transfer Transfer) *SettingsHandler {
	return &SettingsHandler{store: store, saver: saver, transfer: transfer}
}

// GetSettings returns the current snapshot.
//
//	GET /settings
func (h *SettingsHandler) GetSettings(c *gin.Context) {
	snap := h.store.Snapshot()
	h.Success(c, dto.SnapshotResponse{
		Version:     snap.Version,
		CommittedAt: snap.CommittedAt.UTC(),
		Dirty:       h.store.Dirty(),
		Tree:        snap.Tree,
	})
}

// GetSource reports which layer a value comes from.
//
//	GET /settings/source?path=preferences.theme
func (h *SettingsHandler) GetSource(c *gin.Context) {
	var q dto.PathQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		h.BindError(c, err)
		return
	}
	res := h.store.Source(settings.ParsePath(q.Path))
	h.Success(c, dto.SourceResponse{
		Path:  q.Path,
		Value: res.Value,
		Layer: string(res.Layer),
		Found: res.Found,
	})
}

// UpdateValue writes one value.
//
//	PUT /settings/value
func (h *SettingsHandler) UpdateValue(c *gin.Context) {
	var req dto.UpdateValueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.BindError(c, err)
		return
	}
	version, err := h.store.Update(c.Request.Context(), settings.ParsePath(req.Path), req.Value)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, dto.VersionResponse{Version: version})
}

// RemoveValue deletes one value, falling back to lower layers.
//
//	DELETE /settings/value?path=gridViews.orders
func (h *SettingsHandler) RemoveValue(c *gin.Context) {
	var q dto.PathQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		h.BindError(c, err)
		return
	}
	version, err := h.store.Remove(c.Request.Context(), settings.ParsePath(q.Path))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, dto.VersionResponse{Version: version})
}

// Batch applies all operations as one version. The first failing operation
// rejects the whole batch.
//
//	POST /settings/batch
func (h *SettingsHandler) Batch(c *gin.Context) {
	var req dto.BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.BindError(c, err)
		return
	}
	version, err := h.store.UpdateBatch(c.Request.Context(), func(_ context.Context, d *appsettings.Draft) error {
		for i, op := range req.Operations {
			path := settings.ParsePath(op.Path)
			var err error
			if op.Op == "remove" {
				err = d.Remove(path)
			} else {
				err = d.Set(path, op.Value)
			}
			if err != nil {
				return fmt.Errorf("operation %d: %w", i, err)
			}
		}
		return nil
	})
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, dto.VersionResponse{Version: version})
}

// Reset restores a scope to its seed values.
//
//	POST /settings/reset
func (h *SettingsHandler) Reset(c *gin.Context) {
	var req dto.ResetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.BindError(c, err)
		return
	}
	version, err := h.store.Reset(c.Request.Context(), settings.Scope(req.Scope))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, dto.VersionResponse{Version: version})
}

// Save flushes the working tree immediately.
//
//	POST /settings/save
func (h *SettingsHandler) Save(c *gin.Context) {
	if err := h.saver.SaveNow(c.Request.Context()); err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, h.dirty())
}

// GetProfileSync lists the sections waiting for a profile sync retry.
//
//	GET /settings/profile
func (h *SettingsHandler) GetProfileSync(c *gin.Context) {
	h.Success(c, dto.ProfileSyncResponse{
		Enabled:     h.saver.RemoteEnabled(),
		Outstanding: nonNil(h.saver.OutstandingRemote()),
	})
}

// RetryProfileSync sends the outstanding sections to the profile service
// again. The outcome is reported on connectionStatus.profile.
//
//	POST /settings/profile/retry
func (h *SettingsHandler) RetryProfileSync(c *gin.Context) {
	if !h.saver.RemoteEnabled() {
		h.ErrorWithCode(c, dto.ErrCodeProfileDisabled, "Profile sync is not configured")
		return
	}
	h.Accepted(c, dto.ProfileSyncResponse{
		Enabled:     true,
		Outstanding: nonNil(h.saver.RetryRemote()),
	})
}

func nonNil(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}

// GetDirty reports whether there are unsaved edits.
//
//	GET /settings/dirty
func (h *SettingsHandler) GetDirty(c *gin.Context) {
	h.Success(c, h.dirty())
}

func (h *SettingsHandler) dirty() dto.DirtyResponse {
	return dto.DirtyResponse{
		Dirty:            h.store.Dirty(),
		Version:          h.store.Snapshot().Version,
		PersistedVersion: h.store.PersistedVersion(),
	}
}

// Export downloads the persisted settings as an export envelope.
//
//	GET /settings/export
func (h *SettingsHandler) Export(c *gin.Context) {
	blob, err := h.transfer.Export(c.Request.Context())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="settings.json"`)
	c.Data(http.StatusOK, "application/json", blob)
}

// ExportToArchive uploads an export to the archive bucket.
//
//	POST /settings/export/archive
func (h *SettingsHandler) ExportToArchive(c *gin.Context) {
	var req dto.ArchiveRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.BindError(c, err)
			return
		}
	}
	key, err := h.transfer.ExportToArchive(c.Request.Context(), req.Prefix)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, dto.ArchiveResponse{Key: key})
}

// Import replaces the persisted settings with an export, read from the body
// or, with ?archiveKey=, from the archive bucket.
//
//	POST /settings/import
func (h *SettingsHandler) Import(c *gin.Context) {
	var q dto.ImportQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		h.BindError(c, err)
		return
	}

	var (
		version uint64
		err     error
	)
	if q.ArchiveKey != "" {
		version, err = h.transfer.ImportFromArchive(c.Request.Context(), q.ArchiveKey)
	} else {
		var blob []byte
		blob, err = io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, MaxImportBytes))
		if err != nil {
			h.BindError(c, err)
			return
		}
		version, err = h.transfer.Import(c.Request.Context(), blob)
	}
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, dto.ImportResponse{Version: version, Dirty: h.store.Dirty()})
}
