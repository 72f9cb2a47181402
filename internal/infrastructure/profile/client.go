// Package profile talks to the remote user profile service over HTTP.
package profile

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/erp/backoffice/internal/domain/settings"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Config configures the profile client
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

type profileResponse struct {
	UserID   string         `json:"userId"`
	Settings map[string]any `json:"settings"`
}

type updateRequest struct {
	Section string         `json:"section"`
	Patch   map[string]any `json:"patch"`
}

// Client implements persistence.ProfileClient. Writes for the same user are
// serialized; reads are not.
type Client struct {
	client *resty.Client
	logger *zap.Logger

	mu      sync.Mutex
	writers map[string]*sync.Mutex
}

// NewClient creates a profile client
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")
	if cfg.Token != "" {
		c.SetAuthToken(cfg.Token)
	}
	return &Client{
		client:  c,
		logger:  logger.Named("profile"),
		writers: make(map[string]*sync.Mutex),
	}
}

// GetProfile fetches the settings stored in the user's profile. A profile
// that does not exist yet is an empty tree.
func (c *Client) GetProfile(ctx context.Context, userID string) (settings.Tree, error) {
	var body profileResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetResult(&body).
		Get(profilePath(userID))
	if err != nil {
		return nil, transportError(ctx, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return settings.NewTree(), nil
	}
	if resp.IsError() {
		return nil, statusError(resp)
	}
	if body.Settings == nil {
		return settings.NewTree(), nil
	}
	return settings.Tree(body.Settings), nil
}

// UpdateProfile replaces one section of the user's profile settings.
func (c *Client) UpdateProfile(ctx context.Context, userID string, patch map[string]any, section string) error {
	w := c.writer(userID)
	w.Lock()
	defer w.Unlock()

	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(updateRequest{Section: section, Patch: patch}).
		Patch(profilePath(userID) + "/settings/" + url.PathEscape(section))
	if err != nil {
		return transportError(ctx, err)
	}
	if resp.IsError() {
		return statusError(resp)
	}
	c.logger.Debug("profile section updated",
		zap.String("section", section),
		zap.Int("status", resp.StatusCode()),
	)
	return nil
}

func (c *Client) writer(userID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.writers[userID]
	if !ok {
		w = &sync.Mutex{}
		c.writers[userID] = w
	}
	return w
}

func profilePath(userID string) string {
	return "/api/v1/users/" + url.PathEscape(userID) + "/profile"
}

func transportError(ctx context.Context, err error) *settings.ProbeError {
	kind := settings.ProbeKindNetwork
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		kind = settings.ProbeKindTimeout
	}
	return &settings.ProbeError{Kind: kind, Message: "profile service unreachable", Err: err}
}

func statusError(resp *resty.Response) *settings.ProbeError {
	return &settings.ProbeError{
		Kind:       settings.ClassifyHTTPStatus(resp.StatusCode()),
		Message:    fmt.Sprintf("profile service returned %s", resp.Status()),
		StatusCode: resp.StatusCode(),
	}
}
