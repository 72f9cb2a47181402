package connector

import (
	"context"
	"strings"

	"github.com/erp/backoffice/internal/domain/settings"
	"github.com/go-resty/resty/v2"
)

const mdmHealthPath = "/api/health"

type mdmHealth struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// probeMDM calls the MDM health endpoint with the active credentials.
func (p *Pool) probeMDM(ctx context.Context, client *resty.Client, cfg settings.IntegrationConfig) (settings.ProbeResult, error) {
	req := client.R().SetContext(ctx)
	creds := cfg.Credentials
	switch cfg.AuthMode {
	case settings.AuthAPIKey:
		req.SetHeader("X-API-Key", creds.APIKey)
	case settings.AuthBearer:
		if perr := checkBearerExpiry(creds.Token, p.clock.Now()); perr != nil {
			return settings.ProbeResult{}, perr
		}
		req.SetAuthToken(creds.Token)
	case settings.AuthBasic:
		req.SetBasicAuth(creds.Username, creds.Password)
	}

	var health mdmHealth
	resp, err := req.SetResult(&health).Get(mdmHealthPath)
	if err != nil {
		return settings.ProbeResult{}, transportError(ctx, cfg.Integration, err)
	}
	if resp.IsError() {
		return settings.ProbeResult{}, statusError(cfg.Integration, resp)
	}
	switch strings.ToLower(health.Status) {
	case "ok", "up", "healthy", "":
	default:
		return settings.ProbeResult{}, &settings.ProbeError{
			Kind:       settings.ProbeKindServer,
			Message:    "mdm reports status " + health.Status,
			StatusCode: resp.StatusCode(),
		}
	}

	details := map[string]any{"status": "ok"}
	if len(cfg.Endpoints) > 0 {
		endpoints := make([]any, len(cfg.Endpoints))
		for i, e := range cfg.Endpoints {
			endpoints[i] = e
		}
		details["endpoints"] = endpoints
	}
	version := health.Version
	if version == "" {
		version = cfg.Version
	}
	return settings.ProbeResult{Version: version, Details: details}, nil
}
