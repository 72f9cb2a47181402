package connector

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/erp/backoffice/internal/domain/settings"
	"github.com/go-resty/resty/v2"
)

// transportError classifies a request that produced no HTTP response.
func transportError(ctx context.Context, integration settings.Integration, err error) *settings.ProbeError {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return &settings.ProbeError{
			Kind:    settings.ProbeKindTimeout,
			Message: fmt.Sprintf("%s did not answer in time", integration),
			Err:     err,
		}
	}
	if errors.Is(err, context.Canceled) {
		return &settings.ProbeError{Kind: settings.ProbeKindNetwork, Message: "probe cancelled", Err: err}
	}
	return &settings.ProbeError{
		Kind:    settings.ProbeKindNetwork,
		Message: fmt.Sprintf("cannot reach %s", integration),
		Err:     err,
	}
}

// statusError classifies a non-2xx response.
func statusError(integration settings.Integration, resp *resty.Response) *settings.ProbeError {
	kind := settings.ClassifyHTTPStatus(resp.StatusCode())
	msg := fmt.Sprintf("%s returned %s", integration, resp.Status())
	if kind == settings.ProbeKindAuth {
		msg = fmt.Sprintf("%s rejected the credentials", integration)
	}
	return &settings.ProbeError{Kind: kind, Message: msg, StatusCode: resp.StatusCode()}
}

func protocolError(integration settings.Integration, format string, args ...any) *settings.ProbeError {
	return &settings.ProbeError{
		Kind:    settings.ProbeKindProtocol,
		Message: fmt.Sprintf("%s: ", integration) + fmt.Sprintf(format, args...),
	}
}
