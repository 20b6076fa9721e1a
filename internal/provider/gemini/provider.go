package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"google.golang.org/genai"

	"metered-gateway/internal/config"
	"metered-gateway/internal/models"
	"metered-gateway/internal/provider"
	"metered-gateway/internal/resilience"
)

const (
	contentTypeJSON = "application/json"
	userAgent       = "metered-gateway/0.1"
	maxErrorBody    = 64 * 1024
)

// Provider implements provider.Provider for the Gemini generateContent API.
type Provider struct {
	name     string
	apiKey   string
	baseURL  string
	headers  map[string]string
	client   *http.Client
	executor *resilience.Executor
	models   []models.Model
}

// New creates a Gemini provider. Every call goes through executor, keyed by
// the provider name.
func New(name string, cfg config.ProviderConfig, client *http.Client, executor *resilience.Executor) (*Provider, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}
	if executor == nil {
		return nil, errors.New("executor must not be nil")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}

	modelsList := make([]models.Model, 0, len(cfg.Models))
	for _, model := range cfg.Models {
		modelsList = append(modelsList, models.Model{ID: model.ID, Provider: name})
	}

	return &Provider{
		name:     name,
		apiKey:   cfg.ResolveAPIKey(),
		baseURL:  baseURL,
		headers:  cfg.Headers,
		client:   client,
		executor: executor,
		models:   modelsList,
	}, nil
}

func (p *Provider) Name() string {
	return p.name
}

func (p *Provider) ListModels(ctx context.Context) ([]models.Model, error) {
	result := make([]models.Model, len(p.models))
	copy(result, p.models)
	return result, nil
}

// Generate converts req to the native shape and executes it under the
// retry policy and circuit breaker.
func (p *Provider) Generate(ctx context.Context, req models.ChatRequest) (*models.ChatResponse, error) {
	if p.apiKey == "" {
		return nil, &provider.Error{
			Provider: p.name,
			Kind:     provider.KindConfig,
			Message:  "api key is not configured",
		}
	}

	body, err := json.Marshal(buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal gemini payload: %w", err)
	}

	resp, err := resilience.Execute(ctx, p.executor, p.name, func(ctx context.Context) (*genai.GenerateContentResponse, error) {
		return p.send(ctx, req.Model, body)
	})
	if err != nil {
		return nil, err
	}
	return parseResponse(req.Model, resp), nil
}

func (p *Provider) send(ctx context.Context, model string, body []byte) (*genai.GenerateContentResponse, error) {
	endpoint := fmt.Sprintf("%s/models/%s:generateContent", p.baseURL, url.PathEscape(model))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &provider.Error{Provider: p.name, Kind: provider.KindConfig, Message: "construct request", Err: err}
	}

	httpReq.Header.Set("Content-Type", contentTypeJSON)
	httpReq.Header.Set("Accept", contentTypeJSON)
	httpReq.Header.Set("User-Agent", userAgent)
	httpReq.Header.Set("x-goog-api-key", p.apiKey)
	for k, v := range p.headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &provider.Error{Provider: p.name, Kind: provider.KindTransient, Message: "request failed", Err: err}
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, p.parseAPIError(httpResp)
	}

	var out genai.GenerateContentResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&out); err != nil {
		return nil, &provider.Error{Provider: p.name, Kind: provider.KindDecode, Status: httpResp.StatusCode, Err: err}
	}
	return &out, nil
}

type apiErrorEnvelope struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func (p *Provider) parseAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	message := strings.TrimSpace(string(body))

	var parsed apiErrorEnvelope
	if err := json.Unmarshal(body, &parsed); err == nil && strings.TrimSpace(parsed.Error.Message) != "" {
		message = parsed.Error.Message
	}
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}

	perr := &provider.Error{
		Provider: p.name,
		Kind:     provider.ClassifyStatus(resp.StatusCode),
		Status:   resp.StatusCode,
		Message:  message,
	}
	if perr.Kind == provider.KindRateLimited {
		perr.RetryAfter = provider.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
	}
	return perr
}
