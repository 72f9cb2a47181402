package settings

import (
	"strings"
	"time"
)

// Integration names an external system the dashboard connects to.
type Integration string

const (
	IntegrationMDM     Integration = "mdm"
	IntegrationMagento Integration = "magento"
	IntegrationCegid   Integration = "cegid"
)

// ChannelProfile is the synthetic connection status channel used for remote
// profile synchronization.
const ChannelProfile = "profile"

// Integrations lists every supported integration.
var Integrations = []Integration{IntegrationMDM, IntegrationMagento, IntegrationCegid}

// IsValid reports whether i is a supported integration.
func (i Integration) IsValid() bool {
	for _, known := range Integrations {
		if i == known {
			return true
		}
	}
	return false
}

// AuthMode is the credential variant selected for an integration.
type AuthMode string

const (
	AuthAPIKey AuthMode = "apikey"
	AuthBearer AuthMode = "bearer"
	AuthBasic  AuthMode = "basic"
	AuthOAuth1 AuthMode = "oauth1"
)

// requiredFields is the per-mode field table. The set of required fields is a
// function of the (integration, mode) pair alone.
var requiredFields = map[Integration]map[AuthMode][]string{
	IntegrationMDM: {
		AuthAPIKey: {"url", "apiKey"},
		AuthBearer: {"url", "token"},
		AuthBasic:  {"url", "username", "password"},
	},
	IntegrationMagento: {
		AuthBasic:  {"url", "username", "password"},
		AuthOAuth1: {"url", "consumerKey", "consumerSecret", "accessToken", "accessTokenSecret"},
	},
	IntegrationCegid: {
		AuthBasic: {"url", "username", "password", "database"},
	},
}

var fieldLabels = map[string]string{
	"url":               "URL",
	"apiKey":            "API Key",
	"token":             "Token",
	"username":          "Username",
	"password":          "Password",
	"consumerKey":       "Consumer Key",
	"consumerSecret":    "Consumer Secret",
	"accessToken":       "Access Token",
	"accessTokenSecret": "Access Token Secret",
	"database":          "Database",
}

// credentialFields are the latent credential leaves shared by every integration.
var credentialFields = []string{
	"apiKey", "token", "username", "password",
	"consumerKey", "consumerSecret", "accessToken", "accessTokenSecret",
}

// AuthModes returns the modes an integration supports.
func AuthModes(i Integration) []AuthMode {
	switch i {
	case IntegrationMDM:
		return []AuthMode{AuthAPIKey, AuthBearer, AuthBasic}
	case IntegrationMagento:
		return []AuthMode{AuthBasic, AuthOAuth1}
	case IntegrationCegid:
		return []AuthMode{AuthBasic}
	}
	return nil
}

// RequiredFields returns the fields the Tester checks before probing.
func RequiredFields(i Integration, mode AuthMode) ([]string, bool) {
	modes, ok := requiredFields[i]
	if !ok {
		return nil, false
	}
	fields, ok := modes[mode]
	if !ok {
		return nil, false
	}
	out := make([]string, len(fields))
	copy(out, fields)
	return out, true
}

// FieldLabel returns the human-readable name of a credential field.
func FieldLabel(field string) string {
	if l, ok := fieldLabels[field]; ok {
		return l
	}
	return field
}

// LatentFieldPolicy decides what happens to credentials of inactive modes
// when authMode changes.
type LatentFieldPolicy int

const (
	// PreserveLatentFields keeps every credential field on a mode switch.
	PreserveLatentFields LatentFieldPolicy = iota
	// ClearLatentFieldsOnSwitch empties the fields not required by the new mode.
	ClearLatentFieldsOnSwitch
)

// LatentFieldsToClear returns the credential fields the policy clears when
// the integration switches to mode.
func (p LatentFieldPolicy) LatentFieldsToClear(i Integration, mode AuthMode) []string {
	if p != ClearLatentFieldsOnSwitch {
		return nil
	}
	keep := map[string]bool{}
	fields, _ := RequiredFields(i, mode)
	for _, f := range fields {
		keep[f] = true
	}
	var out []string
	for _, f := range credentialFields {
		if !keep[f] {
			out = append(out, f)
		}
	}
	return out
}

// Credentials holds every credential field of an integration, active or latent.
type Credentials struct {
	APIKey            string
	Token             string
	ObtainedAt        time.Time
	Username          string
	Password          string
	ConsumerKey       string
	ConsumerSecret    string
	AccessToken       string
	AccessTokenSecret string
}

// IntegrationConfig is the typed view of apiSettings.<integration>.
type IntegrationConfig struct {
	Integration   Integration
	Enabled       bool
	Name          string
	Description   string
	URL           string
	Timeout       time.Duration
	RetryAttempts int
	Version       string
	AuthMode      AuthMode
	Credentials   Credentials
	Database      string
	Company       string
	StoreCode     string
	Endpoints     []string
}

// DefaultProbeTimeout applies when an integration has no positive timeout.
const DefaultProbeTimeout = 30 * time.Second

// IntegrationConfigFrom reads apiSettings.<integration> from a tree.
func IntegrationConfigFrom(t Tree, i Integration) IntegrationConfig {
	base := Path{RootAPISettings, string(i)}
	str := func(key string) string {
		v, _ := t.Lookup(base.Child(key))
		s, _ := v.(string)
		return s
	}
	num := func(key string) float64 {
		v, _ := t.Lookup(base.Child(key))
		n, _ := toFloat(v)
		return n
	}
	cfg := IntegrationConfig{
		Integration:   i,
		Name:          str("name"),
		Description:   str("description"),
		URL:           strings.TrimSpace(str("url")),
		RetryAttempts: int(num("retryAttempts")),
		Version:       str("version"),
		AuthMode:      AuthMode(str("authMode")),
		Database:      str("database"),
		Company:       str("company"),
		StoreCode:     str("storeCode"),
		Credentials: Credentials{
			APIKey:            str("apiKey"),
			Token:             str("token"),
			Username:          str("username"),
			Password:          str("password"),
			ConsumerKey:       str("consumerKey"),
			ConsumerSecret:    str("consumerSecret"),
			AccessToken:       str("accessToken"),
			AccessTokenSecret: str("accessTokenSecret"),
		},
	}
	if v, ok := t.Lookup(base.Child("enabled")); ok {
		cfg.Enabled, _ = v.(bool)
	}
	if v, ok := t.Lookup(base.Child("obtainedAt")); ok {
		cfg.Credentials.ObtainedAt, _ = v.(time.Time)
	}
	if v, ok := t.Lookup(base.Child("endpoints")); ok {
		if list, ok := v.([]any); ok {
			for _, item := range list {
				if s, ok := item.(string); ok {
					cfg.Endpoints = append(cfg.Endpoints, s)
				}
			}
		}
	}
	if secs := num("timeout"); secs > 0 {
		cfg.Timeout = time.Duration(secs * float64(time.Second))
	} else {
		cfg.Timeout = DefaultProbeTimeout
	}
	if cfg.AuthMode == "" {
		if modes := AuthModes(i); len(modes) == 1 {
			cfg.AuthMode = modes[0]
		}
	}
	return cfg
}

// Field returns a credential or connection field by its tree key.
func (c IntegrationConfig) Field(name string) string {
	switch name {
	case "url":
		return c.URL
	case "apiKey":
		return c.Credentials.APIKey
	case "token":
		return c.Credentials.Token
	case "username":
		return c.Credentials.Username
	case "password":
		return c.Credentials.Password
	case "consumerKey":
		return c.Credentials.ConsumerKey
	case "consumerSecret":
		return c.Credentials.ConsumerSecret
	case "accessToken":
		return c.Credentials.AccessToken
	case "accessTokenSecret":
		return c.Credentials.AccessTokenSecret
	case "database":
		return c.Database
	}
	return ""
}

// MissingFields returns the required fields of the active mode that are blank,
// in table order.
func (c IntegrationConfig) MissingFields() ([]string, error) {
	fields, ok := RequiredFields(c.Integration, c.AuthMode)
	if !ok {
		return nil, ErrUnsupportedAuthMode
	}
	var missing []string
	for _, f := range fields {
		if strings.TrimSpace(c.Field(f)) == "" {
			missing = append(missing, f)
		}
	}
	return missing, nil
}

// CheckRequired validates the active mode's fields and returns a validation
// ProbeError aggregating every missing field, or nil.
func (c IntegrationConfig) CheckRequired() *ProbeError {
	missing, err := c.MissingFields()
	if err != nil {
		return &ProbeError{
			Kind:    ProbeKindValidation,
			Message: "Authentication mode " + string(c.AuthMode) + " is not supported for " + string(c.Integration),
		}
	}
	if len(missing) == 0 {
		return nil
	}
	msgs := make([]string, len(missing))
	for i, f := range missing {
		msgs[i] = FieldLabel(f) + " is required"
	}
	return &ProbeError{Kind: ProbeKindValidation, Message: strings.Join(msgs, ", ")}
}
