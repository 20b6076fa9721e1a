package server

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"metered-gateway/internal/metering"
	"metered-gateway/internal/provider"
)

// requestError is a user-facing failure. Key selects the localised message;
// Detail is appended for client mistakes and never carries internal state.
type requestError struct {
	Status     int
	Key        messageKey
	Detail     string
	Type       string
	Code       string
	Retryable  *bool
	RetryAfter time.Duration
}

func (e requestError) Error() string {
	if e.Detail != "" {
		return string(e.Key) + ": " + e.Detail
	}
	return string(e.Key)
}

type paymentRequired struct {
	Available  int
	Required   int
	IsFreeTier bool
}

func (e paymentRequired) Error() string {
	return string(msgInsufficientCredits)
}

type errorBody struct {
	Error struct {
		Message   string `json:"message"`
		Type      string `json:"type"`
		Code      string `json:"code,omitempty"`
		Retryable *bool  `json:"retryable,omitempty"`
	} `json:"error"`
}

type paymentRequiredBody struct {
	Error            string `json:"error"`
	Code             string `json:"code"`
	CreditsAvailable int    `json:"credits_available"`
	CreditsRequired  int    `json:"credits_required"`
	IsFreeUser       bool   `json:"is_free_user"`
	UpgradeURL       string `json:"upgrade_url,omitempty"`
}

func boolPtr(v bool) *bool {
	return &v
}

func errorHandler(upgradeURL string) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		lang := preferredLanguage(c.Request().Header.Get("Accept-Language"))

		var payErr paymentRequired
		if errors.As(err, &payErr) {
			_ = c.JSON(http.StatusPaymentRequired, paymentRequiredBody{
				Error:            localize(lang, msgInsufficientCredits),
				Code:             "INSUFFICIENT_CREDITS",
				CreditsAvailable: payErr.Available,
				CreditsRequired:  payErr.Required,
				IsFreeUser:       payErr.IsFreeTier,
				UpgradeURL:       upgradeURL,
			})
			return
		}

		var reqErr requestError
		if errors.As(err, &reqErr) {
			_ = writeError(c, lang, reqErr)
			return
		}

		var he *echo.HTTPError
		if errors.As(err, &he) {
			key := msgInvalidRequest
			switch he.Code {
			case http.StatusNotFound, http.StatusMethodNotAllowed:
				key = msgNotFound
			default:
				if he.Code >= 500 {
					key = msgInternal
				}
			}
			_ = writeError(c, lang, requestError{Status: he.Code, Key: key, Type: "invalid_request_error"})
			return
		}

		slog.Error("unhandled error", "err", err)
		_ = writeError(c, lang, requestError{Status: http.StatusInternalServerError, Key: msgInternal, Type: "server_error"})
	}
}

func writeError(c echo.Context, lang string, e requestError) error {
	message := localize(lang, e.Key)
	if e.Detail != "" {
		message += ": " + e.Detail
	}

	var payload errorBody
	payload.Error.Message = message
	payload.Error.Type = e.Type
	payload.Error.Code = e.Code
	payload.Error.Retryable = e.Retryable

	if e.RetryAfter > 0 {
		secs := int(math.Ceil(e.RetryAfter.Seconds()))
		c.Response().Header().Set("Retry-After", strconv.Itoa(secs))
	}
	return c.JSON(e.Status, payload)
}

// toHTTPError maps domain failures to user-facing errors and logs the
// internal detail that the response omits.
func toHTTPError(err error) error {
	var reqErr requestError
	if errors.As(err, &reqErr) {
		return reqErr
	}

	var payErr *metering.PaymentRequiredError
	if errors.As(err, &payErr) {
		return paymentRequired{
			Available:  payErr.Available,
			Required:   payErr.Required,
			IsFreeTier: payErr.IsFreeTier,
		}
	}

	if errors.Is(err, metering.ErrLedgerUnavailable) {
		slog.Error("credit ledger unavailable", "err", err)
		return requestError{
			Status:    http.StatusServiceUnavailable,
			Key:       msgLedgerUnavailable,
			Type:      "server_error",
			Code:      "LEDGER_UNAVAILABLE",
			Retryable: boolPtr(true),
		}
	}

	if errors.Is(err, provider.ErrUnknownModel) {
		return requestError{
			Status: http.StatusBadRequest,
			Key:    msgUnknownModel,
			Type:   "invalid_request_error",
			Code:   "model_not_found",
		}
	}

	if errors.Is(err, errInvalidJSONOutput) {
		slog.Warn("model returned invalid JSON", "err", err)
		return requestError{
			Status:    http.StatusBadGateway,
			Key:       msgInvalidJSONOutput,
			Type:      "upstream_error",
			Code:      "invalid_json_output",
			Retryable: boolPtr(true),
		}
	}

	var perr *provider.Error
	if errors.As(err, &perr) {
		return providerHTTPError(perr, err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		slog.Warn("request deadline exceeded", "err", err)
		return requestError{
			Status:    http.StatusServiceUnavailable,
			Key:       msgServiceUnavailable,
			Type:      "upstream_error",
			Code:      "timeout",
			Retryable: boolPtr(true),
		}
	}

	slog.Error("request failed", "err", err)
	return requestError{
		Status: http.StatusInternalServerError,
		Key:    msgInternal,
		Type:   "server_error",
	}
}

func providerHTTPError(perr *provider.Error, err error) requestError {
	switch perr.Kind {
	case provider.KindRateLimited:
		slog.Warn("provider rate limited", "provider", perr.Provider, "err", err)
		return requestError{
			Status:     http.StatusTooManyRequests,
			Key:        msgRateLimited,
			Type:       "rate_limit_error",
			Code:       "rate_limited",
			Retryable:  boolPtr(true),
			RetryAfter: perr.RetryAfter,
		}
	case provider.KindTransient, provider.KindTimeout, provider.KindCircuitOpen:
		slog.Warn("provider unavailable", "provider", perr.Provider, "kind", perr.Kind, "err", err)
		return requestError{
			Status:    http.StatusServiceUnavailable,
			Key:       msgServiceUnavailable,
			Type:      "upstream_error",
			Code:      string(perr.Kind),
			Retryable: boolPtr(true),
		}
	case provider.KindConfig:
		slog.Error("provider misconfigured", "provider", perr.Provider, "err", err)
		return requestError{
			Status: http.StatusInternalServerError,
			Key:    msgConfiguration,
			Type:   "server_error",
			Code:   "configuration_error",
		}
	default:
		slog.Error("provider rejected request", "provider", perr.Provider, "status", perr.Status, "err", err)
		return requestError{
			Status:    http.StatusBadGateway,
			Key:       msgUpstreamError,
			Type:      "upstream_error",
			Code:      "upstream_error",
			Retryable: boolPtr(false),
		}
	}
}
