package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"metered-gateway/internal/ledger"
	"metered-gateway/internal/metering"
	"metered-gateway/internal/models"
	"metered-gateway/internal/resilience"
	"metered-gateway/internal/translator"
)

const idempotencyHeader = "Idempotency-Key"

var errInvalidJSONOutput = errors.New("model output is not valid JSON")

type healthResponse struct {
	Status    string                       `json:"status"`
	Providers []resilience.BreakerSnapshot `json:"providers"`
}

func (s *Server) handleHealth(c echo.Context) error {
	resp := healthResponse{Status: "ok", Providers: []resilience.BreakerSnapshot{}}
	for _, name := range s.router.Providers() {
		snap := s.breakers.Snapshot(name)
		if snap.State != resilience.StateClosed {
			resp.Status = "degraded"
		}
		resp.Providers = append(resp.Providers, snap)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleCredits(c echo.Context) error {
	bal, err := s.credits.Balance(c.Request().Context(), userID(c))
	if err != nil {
		return toHTTPError(fmt.Errorf("%w: %v", metering.ErrLedgerUnavailable, err))
	}
	return c.JSON(http.StatusOK, bal)
}

func (s *Server) handleChatCompletions(c echo.Context) error {
	var req translator.ChatCompletionRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	// A named operation must be priced; otherwise any caller could pick a
	// name that falls through to the default cost.
	if req.Operation != "" {
		known, err := s.credits.KnownOperation(c.Request().Context(), req.Operation)
		if err != nil {
			return toHTTPError(fmt.Errorf("%w: %v", metering.ErrLedgerUnavailable, err))
		}
		if !known {
			return requestError{
				Status: http.StatusBadRequest,
				Key:    msgUnknownOperation,
				Detail: req.Operation,
				Type:   "invalid_request_error",
				Code:   "unknown_operation",
			}
		}
	}

	opID := req.OperationID
	if opID == "" {
		opID = strings.TrimSpace(c.Request().Header.Get(idempotencyHeader))
		if err := translator.ValidateOperationID(opID); err != nil {
			return requestError{
				Status: http.StatusBadRequest,
				Key:    msgInvalidRequest,
				Detail: idempotencyHeader + ": " + err.Error(),
				Type:   "invalid_request_error",
			}
		}
	}
	charge := metering.Charge{
		UserID:      userID(c),
		Operation:   req.OperationName(),
		OperationID: ledger.NewOperationID(opID),
	}

	resp, err := metering.Protect(c.Request().Context(), s.credits, charge,
		func(ctx context.Context, tracker *metering.Tracker) (translator.ChatCompletionResponse, error) {
			// Charge only once the provider has answered; anything that
			// fails after this point is refunded by Protect.
			result, modelInfo, err := s.router.Generate(ctx, req.ToUnified())
			if err != nil {
				return translator.ChatCompletionResponse{}, err
			}
			credit, err := tracker.Consume(ctx)
			if err != nil {
				return translator.ChatCompletionResponse{}, err
			}
			if req.JSONMode {
				if err := normaliseJSONOutput(result); err != nil {
					return translator.ChatCompletionResponse{}, err
				}
			}

			out := translator.FromUnifiedChat(modelInfo.ID, time.Now().Unix(), result)
			out.Credits = &translator.Credits{
				Cost:      credit.Cost,
				Available: credit.Available,
				Replayed:  credit.Replayed,
			}
			return out, nil
		})
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, resp)
}

// normaliseJSONOutput checks that every text answer is a JSON value and
// rewrites it without surrounding prose or markdown fences. Candidates that
// only call tools are left alone.
func normaliseJSONOutput(resp *models.ChatResponse) error {
	if resp.Empty() {
		return errInvalidJSONOutput
	}
	for i := range resp.Candidates {
		cand := &resp.Candidates[i]
		var text strings.Builder
		hasCall := false
		for _, p := range cand.Parts {
			if p.FunctionCall != nil {
				hasCall = true
				continue
			}
			text.WriteString(p.Text)
		}
		if hasCall && strings.TrimSpace(text.String()) == "" {
			continue
		}

		cleaned, ok := extractJSON(text.String())
		if !ok {
			return errInvalidJSONOutput
		}
		parts := []models.ResponsePart{{Text: cleaned}}
		for _, p := range cand.Parts {
			if p.FunctionCall != nil {
				parts = append(parts, p)
			}
		}
		cand.Parts = parts
	}
	return nil
}

func extractJSON(text string) (string, bool) {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			s = s[nl+1:]
		}
		s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
	}
	if s != "" && json.Valid([]byte(s)) {
		return s, true
	}

	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return "", false
	}
	closer := "}"
	if s[start] == '[' {
		closer = "]"
	}
	end := strings.LastIndex(s, closer)
	if end <= start {
		return "", false
	}
	candidate := s[start : end+1]
	if !json.Valid([]byte(candidate)) {
		return "", false
	}
	return candidate, true
}

func decodeRequestBody[T any](c echo.Context, target *T) error {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes)

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return requestError{
				Status: http.StatusBadRequest,
				Key:    msgBodyRequired,
				Type:   "invalid_request_error",
			}
		}
		return requestError{
			Status: http.StatusBadRequest,
			Key:    msgInvalidRequest,
			Detail: err.Error(),
			Type:   "invalid_request_error",
		}
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return requestError{
			Status: http.StatusBadRequest,
			Key:    msgSingleObject,
			Type:   "invalid_request_error",
		}
	}
	return nil
}
