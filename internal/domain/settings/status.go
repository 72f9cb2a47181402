package settings

import (
	"fmt"
	"net/http"
	"time"
)

// Phase is the lifecycle position of a connection status record.
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseTesting Phase = "testing"
	PhaseSuccess Phase = "success"
	PhaseError   Phase = "error"
)

// ProbeKind classifies a failed probe.
type ProbeKind string

const (
	ProbeKindAuth       ProbeKind = "auth"
	ProbeKindNetwork    ProbeKind = "network"
	ProbeKindTimeout    ProbeKind = "timeout"
	ProbeKindProtocol   ProbeKind = "protocol"
	ProbeKindValidation ProbeKind = "validation"
	ProbeKindServer     ProbeKind = "server"
)

// Retryable reports whether failures of this kind are worth another attempt.
func (k ProbeKind) Retryable() bool {
	switch k {
	case ProbeKindNetwork, ProbeKindTimeout, ProbeKindServer:
		return true
	}
	return false
}

// ClassifyHTTPStatus maps a failed HTTP status code to a probe kind.
func ClassifyHTTPStatus(code int) ProbeKind {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ProbeKindAuth
	case code == http.StatusRequestTimeout:
		return ProbeKindTimeout
	case code == http.StatusTooManyRequests || code >= http.StatusInternalServerError:
		return ProbeKindServer
	default:
		return ProbeKindProtocol
	}
}

// ProbeError is a classified probe failure.
type ProbeError struct {
	Kind       ProbeKind
	Message    string
	StatusCode int
	Err        error
}

// Error implements the error interface
func (e *ProbeError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s error (HTTP %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause, if any
func (e *ProbeError) Unwrap() error {
	return e.Err
}

// ProbeResult is a successful credential validation.
type ProbeResult struct {
	ResponseTime time.Duration
	Version      string
	Details      map[string]any
}

// StatusError is the error part of a connection status record.
type StatusError struct {
	Kind    string
	Message string
}

// ConnectionStatus is the derived record stored at connectionStatus.<channel>.
type ConnectionStatus struct {
	Phase         Phase
	LastAttemptAt time.Time
	LastOutcome   Phase
	AttemptID     string
	Details       map[string]any
	Error         *StatusError
}

// ToValue converts the record to its tree form.
func (s ConnectionStatus) ToValue() map[string]any {
	out := map[string]any{
		"phase": string(s.Phase),
	}
	if !s.LastAttemptAt.IsZero() {
		out["lastAttemptAt"] = NormalizeTime(s.LastAttemptAt)
	}
	if s.LastOutcome != "" {
		out["lastOutcome"] = string(s.LastOutcome)
	}
	if s.AttemptID != "" {
		out["attemptId"] = s.AttemptID
	}
	if len(s.Details) > 0 {
		out["details"] = cloneMap(s.Details)
	}
	if s.Error != nil {
		out["error"] = map[string]any{
			"kind":    s.Error.Kind,
			"message": s.Error.Message,
		}
	}
	return out
}

// StatusFrom reads connectionStatus.<channel>. A missing record is idle.
func StatusFrom(t Tree, channel string) ConnectionStatus {
	v, ok := t.Lookup(Path{RootConnectionStatus, channel})
	m, isMap := asMap(v)
	if !ok || !isMap {
		return ConnectionStatus{Phase: PhaseIdle}
	}
	s := ConnectionStatus{Phase: PhaseIdle}
	if p, ok := m["phase"].(string); ok {
		s.Phase = Phase(p)
	}
	if at, ok := m["lastAttemptAt"].(time.Time); ok {
		s.LastAttemptAt = at
	}
	if o, ok := m["lastOutcome"].(string); ok {
		s.LastOutcome = Phase(o)
	}
	if id, ok := m["attemptId"].(string); ok {
		s.AttemptID = id
	}
	if d, ok := asMap(m["details"]); ok {
		s.Details = cloneMap(d)
	}
	if e, ok := asMap(m["error"]); ok {
		kind, _ := e["kind"].(string)
		msg, _ := e["message"].(string)
		s.Error = &StatusError{Kind: kind, Message: msg}
	}
	return s
}

// StatusPath returns the tree path of a status channel.
func StatusPath(channel string) Path {
	return Path{RootConnectionStatus, channel}
}
