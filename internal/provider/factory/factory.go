package factory

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"metered-gateway/internal/config"
	"metered-gateway/internal/provider"
	geminiProvider "metered-gateway/internal/provider/gemini"
	"metered-gateway/internal/resilience"
)

const (
	defaultDialTimeout     = 10 * time.Second
	defaultKeepAlive       = 30 * time.Second
	defaultIdleConnTimeout = 90 * time.Second
	// The executor owns the per-attempt deadline; the client timeout is a
	// backstop slightly beyond it.
	clientTimeoutSlack = 5 * time.Second
)

// NewExecutor builds the shared resilient executor from configuration.
func NewExecutor(cfg config.ResilienceConfig) *resilience.Executor {
	policy := resilience.Config{
		MaxRetries:     resilience.DefaultConfig().MaxRetries,
		Timeout:        cfg.Timeout,
		BackoffBase:    cfg.BackoffBase,
		BackoffMax:     cfg.BackoffMax,
		TransientDelay: cfg.TransientDelay,
	}
	if cfg.MaxRetries != nil {
		policy.MaxRetries = *cfg.MaxRetries
	}

	breakers := resilience.NewBreakerRegistry(resilience.BreakerConfig{
		FailureThreshold: cfg.FailureThreshold,
		ResetTimeout:     cfg.ResetTimeout,
		FailureWindow:    cfg.FailureWindow,
	})
	return resilience.NewExecutor(policy, breakers)
}

// RegisterConfiguredProviders constructs providers from configuration and stores them in the registry.
func RegisterConfiguredProviders(ctx context.Context, cfg config.Config, registry *provider.Registry, executor *resilience.Executor) error {
	if registry == nil {
		return errors.New("registry must not be nil")
	}
	if executor == nil {
		return errors.New("executor must not be nil")
	}

	timeout := cfg.Resilience.Timeout
	if timeout <= 0 {
		timeout = resilience.DefaultConfig().Timeout
	}

	geminiClient := newHTTPClient(timeout + clientTimeoutSlack)
	gemini, err := geminiProvider.New("gemini", cfg.Providers.Gemini, geminiClient, executor)
	if err != nil {
		return fmt.Errorf("initialise gemini provider: %w", err)
	}
	if err := registry.RegisterProvider(ctx, gemini, cfg.Providers.Gemini.Aliases); err != nil {
		return fmt.Errorf("register gemini provider: %w", err)
	}

	return nil
}

func newHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}
