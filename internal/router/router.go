package router

import (
	"context"
	"fmt"
	"strings"

	"metered-gateway/internal/models"
	"metered-gateway/internal/provider"
)

// Router dispatches unified requests to the appropriate provider.
type Router struct {
	registry     *provider.Registry
	defaultModel string
}

// New constructs a router backed by the provided registry. Requests that
// name no model are sent to defaultModel.
func New(registry *provider.Registry, defaultModel string) *Router {
	return &Router{
		registry:     registry,
		defaultModel: defaultModel,
	}
}

// Generate routes a chat request to the configured provider.
func (r *Router) Generate(ctx context.Context, req models.ChatRequest) (*models.ChatResponse, models.Model, error) {
	modelID := strings.TrimSpace(req.Model)
	if modelID == "" {
		modelID = r.defaultModel
	}

	modelInfo, providerImpl, err := r.registry.LookupModel(modelID)
	if err != nil {
		return nil, models.Model{}, err
	}

	sanitisedReq := req
	sanitisedReq.Model = modelInfo.ID
	sanitisedReq.Messages = cloneMessages(req.Messages)

	resp, err := providerImpl.Generate(ctx, sanitisedReq)
	if err != nil {
		return nil, models.Model{}, fmt.Errorf("provider %s generate: %w", providerImpl.Name(), err)
	}
	return resp, modelInfo, nil
}

// Providers lists the names of registered providers.
func (r *Router) Providers() []string {
	return r.registry.ProviderNames()
}

func cloneMessages(messages []models.Message) []models.Message {
	if len(messages) == 0 {
		return nil
	}
	out := make([]models.Message, len(messages))
	for i, m := range messages {
		out[i] = models.Message{Role: m.Role, Parts: append([]models.Part(nil), m.Parts...)}
	}
	return out
}
