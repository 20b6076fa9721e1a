package translator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"metered-gateway/internal/models"
)

var (
	errEmptyMessages      = errors.New("at least one message is required")
	errStreamUnsupported  = errors.New("streaming is not supported")
	errInvalidRole        = errors.New("invalid role")
	errInvalidContent     = errors.New("invalid message content")
	errInvalidTools       = errors.New("invalid tools")
	errInvalidToolChoice  = errors.New("invalid tool_choice")
	errInvalidReasoning   = errors.New("invalid reasoning_effort")
	errInvalidRespFormat  = errors.New("invalid response_format")
	errInvalidOperationID = errors.New("operation_id must not exceed 191 characters")
)

// MaxOperationIDLength matches the indexed operation_id column.
const MaxOperationIDLength = 191

// DefaultOperation is charged when a request names no operation.
const DefaultOperation = "chat"

var allowedRoles = map[string]models.Role{
	"system":    models.RoleSystem,
	"developer": models.RoleSystem,
	"user":      models.RoleUser,
	"assistant": models.RoleAssistant,
}

var reasoningLevels = map[string]models.ThinkingLevel{
	"none":    models.ThinkingNone,
	"minimal": models.ThinkingLow,
	"low":     models.ThinkingLow,
	"medium":  models.ThinkingMedium,
	"high":    models.ThinkingHigh,
}

// ChatCompletionRequest models the OpenAI chat/completions request payload
// plus the metering fields operation and operation_id.
type ChatCompletionRequest struct {
	Model       string
	Messages    []ChatMessage
	MaxTokens   *int
	Temperature *float64
	Seed        *int
	Tools       []models.Tool
	ToolChoice  *models.ToolChoice
	Reasoning   models.ThinkingLevel
	JSONMode    bool
	Operation   string
	OperationID string
}

// UnmarshalJSON implements custom parsing to enforce validation.
func (r *ChatCompletionRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		Model               string          `json:"model"`
		Messages            []ChatMessage   `json:"messages"`
		Stream              bool            `json:"stream"`
		MaxTokens           *int            `json:"max_tokens"`
		MaxCompletionTokens *int            `json:"max_completion_tokens"`
		Temperature         *float64        `json:"temperature"`
		Seed                *int            `json:"seed"`
		Tools               json.RawMessage `json:"tools"`
		ToolChoice          json.RawMessage `json:"tool_choice"`
		ReasoningEffort     string          `json:"reasoning_effort"`
		ResponseFormat      json.RawMessage `json:"response_format"`
		Operation           string          `json:"operation"`
		OperationID         string          `json:"operation_id"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode chat request: %w", err)
	}
	if raw.Stream {
		return errStreamUnsupported
	}

	tools, err := parseTools(raw.Tools)
	if err != nil {
		return err
	}
	choice, err := parseToolChoice(raw.ToolChoice)
	if err != nil {
		return err
	}
	jsonMode, err := parseResponseFormat(raw.ResponseFormat)
	if err != nil {
		return err
	}

	r.Model = strings.TrimSpace(raw.Model)
	r.Messages = raw.Messages
	r.MaxTokens = raw.MaxTokens
	if raw.MaxCompletionTokens != nil {
		r.MaxTokens = raw.MaxCompletionTokens
	}
	r.Temperature = raw.Temperature
	r.Seed = raw.Seed
	r.Tools = tools
	r.ToolChoice = choice
	r.JSONMode = jsonMode
	r.Operation = strings.TrimSpace(raw.Operation)
	r.OperationID = strings.TrimSpace(raw.OperationID)

	if effort := strings.ToLower(strings.TrimSpace(raw.ReasoningEffort)); effort != "" {
		level, ok := reasoningLevels[effort]
		if !ok {
			return fmt.Errorf("%w: %s", errInvalidReasoning, raw.ReasoningEffort)
		}
		r.Reasoning = level
	}

	return r.validate()
}

func (r *ChatCompletionRequest) validate() error {
	if len(r.Messages) == 0 {
		return errEmptyMessages
	}
	return ValidateOperationID(r.OperationID)
}

// ValidateOperationID checks an idempotency key from any source against the
// length the ledger can store.
func ValidateOperationID(id string) error {
	if len(id) > MaxOperationIDLength {
		return errInvalidOperationID
	}
	return nil
}

// ToUnified converts the OpenAI request into the canonical format.
func (r ChatCompletionRequest) ToUnified() models.ChatRequest {
	msgs := make([]models.Message, 0, len(r.Messages))
	for _, m := range r.Messages {
		msgs = append(msgs, models.Message{
			Role:  m.Role,
			Parts: append([]models.Part(nil), m.Parts...),
		})
	}

	return models.ChatRequest{
		Model:           r.Model,
		Messages:        msgs,
		Tools:           r.Tools,
		ToolChoice:      r.ToolChoice,
		Temperature:     r.Temperature,
		MaxOutputTokens: r.MaxTokens,
		Seed:            r.Seed,
		Thinking:        r.Reasoning,
		JSONOutput:      r.JSONMode,
	}
}

// OperationName returns the operation to charge, defaulting to chat.
func (r ChatCompletionRequest) OperationName() string {
	if r.Operation == "" {
		return DefaultOperation
	}
	return r.Operation
}

// ChatMessage captures a single message within the chat request.
type ChatMessage struct {
	Role  models.Role
	Parts []models.Part
}

// UnmarshalJSON supports string content and arrays of text and image_url
// segments.
func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}

	role, ok := allowedRoles[strings.TrimSpace(raw.Role)]
	if !ok {
		return fmt.Errorf("%w: %s", errInvalidRole, raw.Role)
	}
	parts, err := extractMessageParts(raw.Content)
	if err != nil {
		return err
	}

	m.Role = role
	m.Parts = parts
	return nil
}

func extractMessageParts(raw json.RawMessage) ([]models.Part, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("%w: missing content", errInvalidContent)
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		if strings.TrimSpace(text) == "" {
			return nil, fmt.Errorf("%w: message content must not be empty", errInvalidContent)
		}
		return []models.Part{models.TextPart(text)}, nil
	}

	var segments []struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		ImageURL *struct {
			URL string `json:"url"`
		} `json:"image_url"`
	}
	if err := json.Unmarshal(raw, &segments); err != nil {
		return nil, fmt.Errorf("%w: unsupported content structure", errInvalidContent)
	}

	parts := make([]models.Part, 0, len(segments))
	for _, segment := range segments {
		switch segment.Type {
		case "text":
			parts = append(parts, models.TextPart(segment.Text))
		case "image_url":
			if segment.ImageURL == nil || strings.TrimSpace(segment.ImageURL.URL) == "" {
				return nil, fmt.Errorf("%w: image_url segment without url", errInvalidContent)
			}
			parts = append(parts, models.ImagePart(strings.TrimSpace(segment.ImageURL.URL)))
		default:
			return nil, fmt.Errorf("%w: segment type %q not supported", errInvalidContent, segment.Type)
		}
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: message content must not be empty", errInvalidContent)
	}
	return parts, nil
}

func parseTools(raw json.RawMessage) ([]models.Tool, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var items []struct {
		Type     string `json:"type"`
		Function struct {
			Name        string         `json:"name"`
			Description string         `json:"description"`
			Parameters  map[string]any `json:"parameters"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidTools, err)
	}

	tools := make([]models.Tool, 0, len(items))
	for i, item := range items {
		if item.Type != "" && item.Type != "function" {
			return nil, fmt.Errorf("%w: tool[%d] type %q not supported", errInvalidTools, i, item.Type)
		}
		name := strings.TrimSpace(item.Function.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: tool[%d] name is required", errInvalidTools, i)
		}
		tools = append(tools, models.Tool{
			Name:        name,
			Description: item.Function.Description,
			Parameters:  item.Function.Parameters,
		})
	}
	return tools, nil
}

// parseToolChoice accepts "auto", "none", "required" or
// {"type":"function","function":{"name":...}}.
func parseToolChoice(raw json.RawMessage) (*models.ToolChoice, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var mode string
	if err := json.Unmarshal(raw, &mode); err == nil {
		switch mode {
		case "auto":
			return &models.ToolChoice{Mode: models.ToolModeAuto}, nil
		case "none":
			return &models.ToolChoice{Mode: models.ToolModeNone}, nil
		case "required", "any":
			return &models.ToolChoice{Mode: models.ToolModeAny}, nil
		default:
			return nil, fmt.Errorf("%w: %s", errInvalidToolChoice, mode)
		}
	}

	var named struct {
		Type     string `json:"type"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &named); err != nil || strings.TrimSpace(named.Function.Name) == "" {
		return nil, errInvalidToolChoice
	}
	return &models.ToolChoice{
		Mode:    models.ToolModeAny,
		Allowed: []string{strings.TrimSpace(named.Function.Name)},
	}, nil
}

func parseResponseFormat(raw json.RawMessage) (bool, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return false, nil
	}
	var format struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &format); err != nil {
		return false, fmt.Errorf("%w: %v", errInvalidRespFormat, err)
	}
	switch format.Type {
	case "", "text":
		return false, nil
	case "json_object":
		return true, nil
	default:
		return false, fmt.Errorf("%w: type %q not supported", errInvalidRespFormat, format.Type)
	}
}

// ChatCompletionResponse models the OpenAI-compatible chat response.
type ChatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   *OpenAIUsage `json:"usage,omitempty"`
	Credits *Credits     `json:"credits,omitempty"`
}

// ChatChoice represents a single choice in the response payload.
type ChatChoice struct {
	Index        int             `json:"index"`
	Message      ResponseMessage `json:"message"`
	FinishReason string          `json:"finish_reason,omitempty"`
}

// ResponseMessage is the assistant message of a choice. Content is null when
// the model only called tools.
type ResponseMessage struct {
	Role      string     `json:"role"`
	Content   *string    `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall is an OpenAI-style function call. Arguments is a JSON string.
type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ToolCallFunction `json:"function"`
}

type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// OpenAIUsage mirrors the token usage block in OpenAI responses.
type OpenAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	ReasoningTokens  int `json:"reasoning_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens"`
}

// Credits reports what the call cost and what is left.
type Credits struct {
	Cost      int  `json:"cost"`
	Available int  `json:"credits_available"`
	Replayed  bool `json:"replayed,omitempty"`
}

// FromUnifiedChat constructs the OpenAI response shape from the unified data.
// Every candidate becomes a choice; a response without candidates yields a
// single empty assistant message.
func FromUnifiedChat(modelID string, createdUnix int64, resp *models.ChatResponse) ChatCompletionResponse {
	candidates := resp.Candidates
	if len(candidates) == 0 {
		candidates = []models.Candidate{{}}
	}

	choices := make([]ChatChoice, 0, len(candidates))
	for i, cand := range candidates {
		choices = append(choices, ChatChoice{
			Index:        i,
			Message:      responseMessage(cand),
			FinishReason: finishReason(cand),
		})
	}

	var usage *OpenAIUsage
	if resp.Usage.TotalTokens != 0 || resp.Usage.PromptTokens != 0 || resp.Usage.CompletionTokens != 0 {
		usage = &OpenAIUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			ReasoningTokens:  resp.Usage.ThinkingTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}

	id := resp.ID
	if id == "" {
		id = "chatcmpl-" + uuid.NewString()
	}

	return ChatCompletionResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: createdUnix,
		Model:   modelID,
		Choices: choices,
		Usage:   usage,
	}
}

func responseMessage(cand models.Candidate) ResponseMessage {
	msg := ResponseMessage{Role: string(models.RoleAssistant)}

	var text strings.Builder
	hasText := false
	for _, part := range cand.Parts {
		if part.FunctionCall != nil {
			args, err := json.Marshal(part.FunctionCall.Args)
			if err != nil || part.FunctionCall.Args == nil {
				args = []byte("{}")
			}
			msg.ToolCalls = append(msg.ToolCalls, ToolCall{
				ID:   "call_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
				Type: "function",
				Function: ToolCallFunction{
					Name:      part.FunctionCall.Name,
					Arguments: string(args),
				},
			})
			continue
		}
		text.WriteString(part.Text)
		hasText = true
	}

	if hasText || len(msg.ToolCalls) == 0 {
		content := text.String()
		msg.Content = &content
	}
	return msg
}

func finishReason(cand models.Candidate) string {
	for _, part := range cand.Parts {
		if part.FunctionCall != nil {
			return "tool_calls"
		}
	}
	switch strings.ToUpper(cand.FinishReason) {
	case "", "STOP", "FINISH_REASON_UNSPECIFIED":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII", "IMAGE_SAFETY":
		return "content_filter"
	default:
		return strings.ToLower(cand.FinishReason)
	}
}
