package models

import "strings"

// Role identifies the author of a message in the unified schema.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// PartType distinguishes the kinds of content a message part can carry.
type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image"
)

// Part is a single piece of message content. Image parts carry either a
// data URI (data:<mime>;base64,<payload>) or an external URL in ImageURL.
type Part struct {
	Type     PartType
	Text     string
	ImageURL string
}

// TextPart builds a text part.
func TextPart(text string) Part {
	return Part{Type: PartText, Text: text}
}

// ImagePart builds an image part from a data URI or URL.
func ImagePart(url string) Part {
	return Part{Type: PartImage, ImageURL: url}
}

// Message represents a single conversational message in the unified schema.
type Message struct {
	Role  Role
	Parts []Part
}

// TextMessage builds a message holding a single text part.
func TextMessage(role Role, text string) Message {
	return Message{Role: role, Parts: []Part{TextPart(text)}}
}

// Text concatenates the message's text parts.
func (m Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// Tool declares a function the model may call.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolMode controls whether and how the model may invoke tools.
type ToolMode string

const (
	ToolModeAuto ToolMode = "auto"
	ToolModeAny  ToolMode = "any"
	ToolModeNone ToolMode = "none"
)

// ToolChoice pairs a tool mode with an optional allow-list of tool names.
type ToolChoice struct {
	Mode    ToolMode
	Allowed []string
}

// ThinkingLevel is a provider-neutral reasoning effort hint.
type ThinkingLevel string

const (
	ThinkingDefault ThinkingLevel = ""
	ThinkingNone    ThinkingLevel = "none"
	ThinkingLow     ThinkingLevel = "low"
	ThinkingMedium  ThinkingLevel = "medium"
	ThinkingHigh    ThinkingLevel = "high"
)

// ChatRequest is the canonical representation of a chat/vision/tool call.
type ChatRequest struct {
	Model           string
	Messages        []Message
	Tools           []Tool
	ToolChoice      *ToolChoice
	Temperature     *float64
	MaxOutputTokens *int
	Seed            *int
	Thinking        ThinkingLevel
	// JSONOutput asks the model to answer with a single JSON value.
	JSONOutput bool
}

// FunctionCall is a tool invocation requested by the model.
type FunctionCall struct {
	Name string
	Args map[string]any
}

// ResponsePart is either text or a function call.
type ResponsePart struct {
	Text         string
	FunctionCall *FunctionCall
}

// Candidate is one alternative produced by the model.
type Candidate struct {
	Parts        []ResponsePart
	FinishReason string
}

// ChatResponse captures a provider response in the unified schema.
type ChatResponse struct {
	ID         string
	Model      string
	Candidates []Candidate
	Usage      Usage
}

// Empty reports whether the provider produced no usable output. An empty
// response is a valid outcome, not an error.
func (r *ChatResponse) Empty() bool {
	if r == nil {
		return true
	}
	for _, c := range r.Candidates {
		if len(c.Parts) > 0 {
			return false
		}
	}
	return true
}

// Text joins the text parts of the first candidate.
func (r *ChatResponse) Text() string {
	if r == nil || len(r.Candidates) == 0 {
		return ""
	}
	var b strings.Builder
	for _, p := range r.Candidates[0].Parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

// FunctionCalls returns the function calls of the first candidate.
func (r *ChatResponse) FunctionCalls() []FunctionCall {
	if r == nil || len(r.Candidates) == 0 {
		return nil
	}
	var calls []FunctionCall
	for _, p := range r.Candidates[0].Parts {
		if p.FunctionCall != nil {
			calls = append(calls, *p.FunctionCall)
		}
	}
	return calls
}

// FinishReason returns the first candidate's finish reason.
func (r *ChatResponse) FinishReason() string {
	if r == nil || len(r.Candidates) == 0 {
		return ""
	}
	return r.Candidates[0].FinishReason
}

// Usage records token accounting information.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	ThinkingTokens   int
	TotalTokens      int
}

// Model identifies a known model with provider metadata.
type Model struct {
	ID       string
	Provider string
}
