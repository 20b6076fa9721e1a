package gemini

import (
	"encoding/base64"
	"mime"
	"net/url"
	"path"
	"strings"

	"google.golang.org/genai"

	"metered-gateway/internal/models"
)

const defaultImageMIMEType = "image/jpeg"

type nativeRequest struct {
	Contents          []*genai.Content  `json:"contents"`
	SystemInstruction *genai.Content    `json:"systemInstruction,omitempty"`
	Tools             []nativeTool      `json:"tools,omitempty"`
	ToolConfig        *genai.ToolConfig `json:"toolConfig,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type nativeTool struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations"`
}

type functionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type generationConfig struct {
	Temperature      *float64        `json:"temperature,omitempty"`
	MaxOutputTokens  *int            `json:"maxOutputTokens,omitempty"`
	Seed             *int            `json:"seed,omitempty"`
	ResponseMIMEType string          `json:"responseMimeType,omitempty"`
	ThinkingConfig   *thinkingConfig `json:"thinkingConfig,omitempty"`
}

type thinkingConfig struct {
	ThinkingBudget *int `json:"thinkingBudget,omitempty"`
}

// Token budgets per effort level.
var thinkingBudgets = map[models.ThinkingLevel]int{
	models.ThinkingNone:   0,
	models.ThinkingLow:    1024,
	models.ThinkingMedium: 8192,
	models.ThinkingHigh:   24576,
}

func buildRequest(req models.ChatRequest) nativeRequest {
	system, contents := convertMessages(req.Messages)

	out := nativeRequest{
		Contents:   contents,
		Tools:      convertTools(req.Tools),
		ToolConfig: convertToolChoice(req.ToolChoice),
	}
	if system != "" {
		out.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: system}},
		}
	}

	gen := generationConfig{
		Temperature:     req.Temperature,
		MaxOutputTokens: req.MaxOutputTokens,
		Seed:            req.Seed,
	}
	if req.JSONOutput {
		gen.ResponseMIMEType = "application/json"
	}
	if budget, ok := thinkingBudgets[req.Thinking]; ok {
		b := budget
		gen.ThinkingConfig = &thinkingConfig{ThinkingBudget: &b}
	}
	if gen != (generationConfig{}) {
		out.GenerationConfig = &gen
	}
	return out
}

// convertMessages splits system text from conversational turns. System
// messages are joined with newlines; turns that end up with no parts are
// dropped.
func convertMessages(messages []models.Message) (string, []*genai.Content) {
	var systemLines []string
	contents := make([]*genai.Content, 0, len(messages))

	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			if text := msg.Text(); strings.TrimSpace(text) != "" {
				systemLines = append(systemLines, text)
			}
			continue
		}

		parts := make([]*genai.Part, 0, len(msg.Parts))
		for _, p := range msg.Parts {
			if part, ok := convertPart(p); ok {
				parts = append(parts, part)
			}
		}
		if len(parts) == 0 {
			continue
		}

		role := string(genai.RoleUser)
		if msg.Role == models.RoleAssistant {
			role = string(genai.RoleModel)
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}

	return strings.Join(systemLines, "\n"), contents
}

func convertPart(p models.Part) (*genai.Part, bool) {
	switch p.Type {
	case models.PartText:
		if p.Text == "" {
			return nil, false
		}
		return &genai.Part{Text: p.Text}, true
	case models.PartImage:
		if strings.HasPrefix(strings.ToLower(p.ImageURL), "data:") {
			mimeType, data, ok := parseDataURI(p.ImageURL)
			if !ok {
				return nil, false
			}
			return &genai.Part{InlineData: &genai.Blob{MIMEType: mimeType, Data: data}}, true
		}
		if !isRemoteURL(p.ImageURL) {
			return nil, false
		}
		return &genai.Part{FileData: &genai.FileData{
			FileURI:  p.ImageURL,
			MIMEType: guessMIMEType(p.ImageURL),
		}}, true
	default:
		return nil, false
	}
}

// parseDataURI accepts data:<mime>[;params];base64,<payload>.
func parseDataURI(uri string) (string, []byte, bool) {
	if len(uri) < 5 || !strings.EqualFold(uri[:5], "data:") {
		return "", nil, false
	}
	meta, payload, found := strings.Cut(uri[5:], ",")
	if !found || payload == "" {
		return "", nil, false
	}

	params := strings.Split(meta, ";")
	if len(params) < 2 || !strings.EqualFold(strings.TrimSpace(params[len(params)-1]), "base64") {
		return "", nil, false
	}
	mimeType := strings.TrimSpace(params[0])
	if mimeType == "" || !strings.Contains(mimeType, "/") {
		return "", nil, false
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(payload)
		if err != nil {
			return "", nil, false
		}
	}
	if len(data) == 0 {
		return "", nil, false
	}
	return strings.ToLower(mimeType), data, true
}

func isRemoteURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "https" || u.Scheme == "http" || u.Scheme == "gs") && u.Host != ""
}

func guessMIMEType(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return defaultImageMIMEType
	}
	if t := mime.TypeByExtension(strings.ToLower(path.Ext(u.Path))); strings.HasPrefix(t, "image/") {
		if i := strings.Index(t, ";"); i >= 0 {
			t = t[:i]
		}
		return t
	}
	return defaultImageMIMEType
}

func convertTools(tools []models.Tool) []nativeTool {
	if len(tools) == 0 {
		return nil
	}
	decls := make([]functionDeclaration, 0, len(tools))
	for _, t := range tools {
		decls = append(decls, functionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  CleanSchema(t.Parameters),
		})
	}
	return []nativeTool{{FunctionDeclarations: decls}}
}

func convertToolChoice(choice *models.ToolChoice) *genai.ToolConfig {
	if choice == nil {
		return nil
	}
	cfg := &genai.FunctionCallingConfig{}
	switch choice.Mode {
	case models.ToolModeAny:
		cfg.Mode = genai.FunctionCallingConfigModeAny
		if len(choice.Allowed) > 0 {
			cfg.AllowedFunctionNames = append([]string(nil), choice.Allowed...)
		}
	case models.ToolModeNone:
		cfg.Mode = genai.FunctionCallingConfigModeNone
	default:
		cfg.Mode = genai.FunctionCallingConfigModeAuto
	}
	return &genai.ToolConfig{FunctionCallingConfig: cfg}
}

// parseResponse converts the native envelope. A response without candidates
// yields an empty ChatResponse rather than an error.
func parseResponse(modelID string, resp *genai.GenerateContentResponse) *models.ChatResponse {
	out := &models.ChatResponse{Model: modelID}
	if resp == nil {
		return out
	}
	out.ID = resp.ResponseID
	if resp.ModelVersion != "" {
		out.Model = resp.ModelVersion
	}

	for _, cand := range resp.Candidates {
		if cand == nil {
			continue
		}
		c := models.Candidate{FinishReason: string(cand.FinishReason)}
		if cand.Content != nil {
			for _, part := range cand.Content.Parts {
				if part == nil || part.Thought {
					continue
				}
				switch {
				case part.FunctionCall != nil:
					c.Parts = append(c.Parts, models.ResponsePart{FunctionCall: &models.FunctionCall{
						Name: part.FunctionCall.Name,
						Args: part.FunctionCall.Args,
					}})
				case part.Text != "":
					c.Parts = append(c.Parts, models.ResponsePart{Text: part.Text})
				}
			}
		}
		out.Candidates = append(out.Candidates, c)
	}

	if u := resp.UsageMetadata; u != nil {
		out.Usage = models.Usage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			ThinkingTokens:   int(u.ThoughtsTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}
	return out
}
