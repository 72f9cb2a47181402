package dto

import (
	"time"

	"github.com/erp/backoffice/internal/domain/settings"
)

// UpdateValueRequest writes one leaf or sub-tree.
type UpdateValueRequest struct {
	Path  string `json:"path" binding:"required,max=512"`
	Value any    `json:"value"`
}

// PathQuery addresses a path in the query string.
type PathQuery struct {
	Path string `form:"path" binding:"required,max=512"`
}

// BatchOperation is one step of a batch update.
type BatchOperation struct {
	Op    string `json:"op" binding:"required,oneof=set remove"`
	Path  string `json:"path" binding:"required,max=512"`
	Value any    `json:"value"`
}

// BatchRequest commits all operations as one version, or none of them.
type BatchRequest struct {
	Operations []BatchOperation `json:"operations" binding:"required,min=1,max=500,dive"`
}

// ResetRequest restores sub-trees to their seed values.
type ResetRequest struct {
	Scope string `json:"scope" binding:"required,oneof=all preferences apiSettings gridViews"`
}

// ArchiveRequest uploads an export under an optional key prefix.
type ArchiveRequest struct {
	Prefix string `json:"prefix" binding:"omitempty,max=128,excludesall=\\"`
}

// ImportQuery selects an archived export instead of the request body.
type ImportQuery struct {
	ArchiveKey string `form:"archiveKey" binding:"omitempty,max=1024"`
}

// IntegrationURI names an integration in the route.
type IntegrationURI struct {
	Integration string `uri:"integration" binding:"required,oneof=mdm magento cegid"`
}

// SnapshotResponse is the full settings tree at a version.
type SnapshotResponse struct {
	Version     uint64        `json:"version"`
	CommittedAt time.Time     `json:"committedAt"`
	Dirty       bool          `json:"dirty"`
	Tree        settings.Tree `json:"tree"`
}

// VersionResponse reports the version a write committed.
type VersionResponse struct {
	Version uint64 `json:"version"`
}

// SourceResponse explains where a value comes from.
type SourceResponse struct {
	Path  string `json:"path"`
	Value any    `json:"value"`
	Layer string `json:"layer"`
	Found bool   `json:"found"`
}

// DirtyResponse reports whether the working tree has unsaved edits.
type DirtyResponse struct {
	Dirty            bool   `json:"dirty"`
	Version          uint64 `json:"version"`
	PersistedVersion uint64 `json:"persistedVersion"`
}

// ProfileSyncResponse reports the sections that have not reached the
// profile service.
type ProfileSyncResponse struct {
	Enabled     bool     `json:"enabled"`
	Outstanding []string `json:"outstanding"`
}

// ImportResponse reports the version created by an import.
type ImportResponse struct {
	Version uint64 `json:"version"`
	Dirty   bool   `json:"dirty"`
}

// ArchiveResponse names an uploaded export.
type ArchiveResponse struct {
	Key string `json:"key"`
}

// ConnectionStatusResponse is the status record of one integration.
type ConnectionStatusResponse struct {
	Integration   string            `json:"integration"`
	Phase         string            `json:"phase"`
	LastAttemptAt *time.Time        `json:"lastAttemptAt,omitempty"`
	LastOutcome   string            `json:"lastOutcome,omitempty"`
	AttemptID     string            `json:"attemptId,omitempty"`
	Details       map[string]any    `json:"details,omitempty"`
	Error         *StatusErrorValue `json:"error,omitempty"`
}

// StatusErrorValue is the error part of a status record.
type StatusErrorValue struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// NewConnectionStatusResponse converts a status record.
func NewConnectionStatusResponse(integration settings.Integration, s settings.ConnectionStatus) ConnectionStatusResponse {
	resp := ConnectionStatusResponse{
		Integration: string(integration),
		Phase:       string(s.Phase),
		LastOutcome: string(s.LastOutcome),
		AttemptID:   s.AttemptID,
		Details:     s.Details,
	}
	if !s.LastAttemptAt.IsZero() {
		at := s.LastAttemptAt.UTC()
		resp.LastAttemptAt = &at
	}
	if s.Error != nil {
		resp.Error = &StatusErrorValue{Kind: s.Error.Kind, Message: s.Error.Message}
	}
	return resp
}

// StartTestResponse identifies a started connection test.
type StartTestResponse struct {
	Integration string `json:"integration"`
	AttemptID   string `json:"attemptId"`
}

// ChangeEvent is streamed to event subscribers for every committed version.
type ChangeEvent struct {
	Version     uint64        `json:"version"`
	CommittedAt time.Time     `json:"committedAt"`
	Paths       []string      `json:"paths"`
	Tree        settings.Tree `json:"tree"`
}

// NewChangeEvent converts a store change.
func NewChangeEvent(c settings.Change) ChangeEvent {
	paths := make([]string, len(c.Paths))
	for i, p := range c.Paths {
		paths[i] = p.String()
	}
	return ChangeEvent{
		Version:     c.Current.Version,
		CommittedAt: c.Current.CommittedAt.UTC(),
		Paths:       paths,
		Tree:        c.Current.Tree,
	}
}
