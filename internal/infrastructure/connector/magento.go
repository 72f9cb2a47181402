package connector

import (
	"context"
	"strings"

	"github.com/erp/backoffice/internal/domain/settings"
	"github.com/go-resty/resty/v2"
)

const (
	magentoTokenPath  = "/rest/V1/integration/admin/token"
	magentoConfigPath = "/rest/V1/store/storeConfigs"
)

type magentoStoreConfig struct {
	Code             string `json:"code"`
	BaseURL          string `json:"base_url"`
	BaseCurrencyCode string `json:"base_currency_code"`
	Locale           string `json:"locale"`
}

// probeMagento authenticates and reads the store configurations.
func (p *Pool) probeMagento(ctx context.Context, client *resty.Client, cfg settings.IntegrationConfig) (settings.ProbeResult, error) {
	req := client.R().SetContext(ctx)
	creds := cfg.Credentials

	switch cfg.AuthMode {
	case settings.AuthBasic:
		token, perr := p.magentoAdminToken(ctx, client, cfg)
		if perr != nil {
			return settings.ProbeResult{}, perr
		}
		req.SetAuthToken(token)
	case settings.AuthOAuth1:
		signer := oauth1Signer{
			consumerKey:    creds.ConsumerKey,
			consumerSecret: creds.ConsumerSecret,
			token:          creds.AccessToken,
			tokenSecret:    creds.AccessTokenSecret,
			now:            p.clock.Now,
			nonce:          p.nonce,
		}
		header, err := signer.header("GET", strings.TrimRight(client.BaseURL, "/")+magentoConfigPath)
		if err != nil {
			return settings.ProbeResult{}, &settings.ProbeError{Kind: settings.ProbeKindValidation, Message: err.Error(), Err: err}
		}
		req.SetHeader("Authorization", header)
	}

	var stores []magentoStoreConfig
	resp, err := req.SetResult(&stores).Get(magentoConfigPath)
	if err != nil {
		return settings.ProbeResult{}, transportError(ctx, cfg.Integration, err)
	}
	if resp.IsError() {
		return settings.ProbeResult{}, statusError(cfg.Integration, resp)
	}
	if len(stores) == 0 {
		return settings.ProbeResult{}, protocolError(cfg.Integration, "no store configuration returned")
	}

	details := map[string]any{"stores": float64(len(stores))}
	for _, s := range stores {
		if s.Code == cfg.StoreCode || cfg.StoreCode == "" {
			details["storeCode"] = s.Code
			details["baseUrl"] = s.BaseURL
			details["currency"] = s.BaseCurrencyCode
			break
		}
	}
	return settings.ProbeResult{Version: cfg.Version, Details: details}, nil
}

func (p *Pool) magentoAdminToken(ctx context.Context, client *resty.Client, cfg settings.IntegrationConfig) (string, *settings.ProbeError) {
	var token string
	resp, err := client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]string{
			"username": cfg.Credentials.Username,
			"password": cfg.Credentials.Password,
		}).
		SetResult(&token).
		Post(magentoTokenPath)
	if err != nil {
		return "", transportError(ctx, cfg.Integration, err)
	}
	if resp.IsError() {
		return "", statusError(cfg.Integration, resp)
	}
	if token == "" {
		return "", protocolError(cfg.Integration, "empty admin token")
	}
	return token, nil
}
