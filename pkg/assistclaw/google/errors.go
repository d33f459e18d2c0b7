package google

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"

	"github.com/jholhewres/assistclaw/pkg/assistclaw/dispatch"
)

// rateLimitReasons are the googleapi error reasons that mean "slow down",
// even when Google answers 403.
var rateLimitReasons = map[string]bool{
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
	"quotaExceeded":         true,
}

// wrap converts an API error into a *dispatch.Error for service.
func wrap(service string, err error) error {
	if err == nil {
		return nil
	}
	return dispatch.NewError(service, kindOf(err), err)
}

func kindOf(err error) dispatch.ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return dispatch.KindTimeout
	}
	if errors.Is(err, ErrNoToken) {
		return dispatch.KindAuth
	}

	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		return dispatch.KindAuth
	}

	var ge *googleapi.Error
	if errors.As(err, &ge) {
		for _, item := range ge.Errors {
			if rateLimitReasons[item.Reason] {
				return dispatch.KindRateLimit
			}
		}
		switch {
		case ge.Code == http.StatusTooManyRequests:
			return dispatch.KindRateLimit
		case ge.Code == http.StatusUnauthorized, ge.Code == http.StatusForbidden:
			return dispatch.KindAuth
		case ge.Code == http.StatusNotFound, ge.Code == http.StatusGone:
			return dispatch.KindNotFound
		case ge.Code == http.StatusBadRequest:
			return dispatch.KindInvalid
		case ge.Code >= 500:
			return dispatch.KindTransport
		}
		return dispatch.KindUnknown
	}

	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return dispatch.KindTimeout
		}
		return dispatch.KindTransport
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		return dispatch.KindTransport
	}
	return dispatch.KindUnknown
}
