package connector

import (
	"context"
	"encoding/xml"
	"strings"

	"github.com/erp/backoffice/internal/domain/settings"
	"github.com/go-resty/resty/v2"
)

const (
	soapEnvelopeNS = "http://schemas.xmlsoap.org/soap/envelope/"
	cegidNS        = "http://www.cegid.fr/Retail/1.0"
	cegidAction    = cegidNS + "/GetVersion"
)

type soapRequest struct {
	XMLName xml.Name `xml:"soap:Envelope"`
	SoapNS  string   `xml:"xmlns:soap,attr"`
	Body    struct {
		GetVersion cegidGetVersion `xml:"GetVersion"`
	} `xml:"soap:Body"`
}

type cegidGetVersion struct {
	XMLNS    string `xml:"xmlns,attr"`
	Database string `xml:"database"`
}

type soapResponse struct {
	XMLName xml.Name `xml:"Envelope"`
	Body    struct {
		Fault    *soapFault `xml:"Fault"`
		Response *struct {
			Result string `xml:"GetVersionResult"`
		} `xml:"GetVersionResponse"`
	} `xml:"Body"`
}

type soapFault struct {
	Code   string `xml:"faultcode"`
	String string `xml:"faultstring"`
}

var authFaultMarkers = []string{"auth", "login", "credential", "password", "access denied"}

func (f *soapFault) kind() settings.ProbeKind {
	text := strings.ToLower(f.Code + " " + f.String)
	for _, marker := range authFaultMarkers {
		if strings.Contains(text, marker) {
			return settings.ProbeKindAuth
		}
	}
	return settings.ProbeKindProtocol
}

// probeCegid sends a SOAP GetVersion call against the configured database.
func (p *Pool) probeCegid(ctx context.Context, client *resty.Client, cfg settings.IntegrationConfig) (settings.ProbeResult, error) {
	var env soapRequest
	env.SoapNS = soapEnvelopeNS
	env.Body.GetVersion = cegidGetVersion{XMLNS: cegidNS, Database: cfg.Database}
	body, err := xml.Marshal(env)
	if err != nil {
		return settings.ProbeResult{}, protocolError(cfg.Integration, "encode envelope: %v", err)
	}

	resp, err := client.R().
		SetContext(ctx).
		SetBasicAuth(cfg.Credentials.Username, cfg.Credentials.Password).
		SetHeader("Content-Type", "text/xml; charset=utf-8").
		SetHeader("SOAPAction", `"`+cegidAction+`"`).
		SetBody(append([]byte(xml.Header), body...)).
		Post(client.BaseURL)
	if err != nil {
		return settings.ProbeResult{}, transportError(ctx, cfg.Integration, err)
	}

	var parsed soapResponse
	decodeErr := xml.Unmarshal(resp.Body(), &parsed)
	if decodeErr == nil && parsed.Body.Fault != nil {
		fault := parsed.Body.Fault
		return settings.ProbeResult{}, &settings.ProbeError{
			Kind:       fault.kind(),
			Message:    "cegid fault: " + strings.TrimSpace(fault.String),
			StatusCode: resp.StatusCode(),
		}
	}
	if resp.IsError() {
		return settings.ProbeResult{}, statusError(cfg.Integration, resp)
	}
	if decodeErr != nil || parsed.Body.Response == nil {
		return settings.ProbeResult{}, protocolError(cfg.Integration, "unexpected SOAP response")
	}

	return settings.ProbeResult{
		Version: strings.TrimSpace(parsed.Body.Response.Result),
		Details: map[string]any{
			"database": cfg.Database,
			"company":  cfg.Company,
		},
	}, nil
}
