package factory

import (
	"context"
	"testing"

	"metered-gateway/internal/config"
	"metered-gateway/internal/provider"
)

func TestRegisterConfiguredProvidersWiresAliases(t *testing.T) {
	cfg, err := config.Parse([]byte(`
server:
  port: 8080
default_model: fast
providers:
  gemini:
    models:
      - id: gemini-2.5-flash
    aliases:
      fast: gemini-2.5-flash
resilience:
  max_retries: 0
  failure_threshold: 2
`))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}

	registry := provider.NewRegistry()
	executor := NewExecutor(cfg.Resilience)
	if err := RegisterConfiguredProviders(context.Background(), cfg, registry, executor); err != nil {
		t.Fatalf("register providers: %v", err)
	}

	info, p, err := registry.LookupModel("fast")
	if err != nil {
		t.Fatalf("lookup alias: %v", err)
	}
	if info.ID != "gemini-2.5-flash" || p.Name() != "gemini" {
		t.Errorf("alias resolved to %+v via %s", info, p.Name())
	}

	for i := 0; i < 2; i++ {
		executor.Breakers().RecordFailure("gemini")
	}
	if err := executor.Breakers().Allow("gemini"); err == nil {
		t.Errorf("configured failure threshold not applied")
	}
}

func TestRegisterConfiguredProvidersRequiresDependencies(t *testing.T) {
	if err := RegisterConfiguredProviders(context.Background(), config.Config{}, nil, nil); err == nil {
		t.Errorf("expected error for nil registry")
	}
	if err := RegisterConfiguredProviders(context.Background(), config.Config{}, provider.NewRegistry(), nil); err == nil {
		t.Errorf("expected error for nil executor")
	}
}
