package processor

import (
	"encoding/json"
	"strings"
)

type AnthropicRequest struct {
	Model         string          `json:"model"`
	Messages      []ReqMessage    `json:"messages"`
	System        json.RawMessage `json:"system"`        // string OR []SystemBlock
	MaxTokens     int             `json:"max_tokens"`
	Temperature   *float64        `json:"temperature"`
	TopP          *float64        `json:"top_p"`
	TopK          *int            `json:"top_k"`
	Stream        bool            `json:"stream"`
	Tools         []Tool          `json:"tools"`
	ToolChoice    json.RawMessage `json:"tool_choice"` // "auto" | "any" | {"type":"tool","name":"..."}
	StopSequences []string        `json:"stop_sequences"`
	Thinking      *ThinkingConfig `json:"thinking"`
	Metadata      *Metadata       `json:"metadata"`
	MCPServers    []MCPServer     `json:"mcp_servers"`
}

type Metadata struct {
	UserID string `json:"user_id"`
}

type MCPServer struct {
	Type string `json:"type"` // "url"
	Name string `json:"name"`
	URL  string `json:"url"`
}

type ReqMessage struct {
	Role    string          `json:"role"`    // "user" | "assistant"
	Content json.RawMessage `json:"content"` // string OR []ContentBlock
}

type SystemBlock struct {
	Type         string        `json:"type"` // "text"
	Text         string        `json:"text"`
	CacheControl *CacheControl `json:"cache_control"`
}

type CacheControl struct {
	Type string `json:"type"` // "ephemeral"
}

// Tool is either a client tool with an input_schema or a server tool such as
// web_search, identified by Type.
type Tool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type ThinkingConfig struct {
	Type         string `json:"type"`          // "enabled"
	BudgetTokens int    `json:"budget_tokens"`
}

type ParsedRequest struct {
	SystemPrompt         string
	MaxTokens            int
	Temperature          *float64
	TopP                 *float64
	MessageCount         int
	ToolCount            int
	ToolNames            []string
	ServerToolCount      int
	ToolChoice           string
	MCPServerCount       int
	ThinkingBudgetTokens int
	StopSequences        []string
	MetadataUserID       string
	Stream               bool
}

// Returns zero-value ParsedRequest on parse failure.
func ParseRequest(body []byte) ParsedRequest {
	var req AnthropicRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return ParsedRequest{}
	}

	var budget int
	if req.Thinking != nil && req.Thinking.Type == "enabled" {
		budget = req.Thinking.BudgetTokens
	}

	var userID string
	if req.Metadata != nil {
		userID = req.Metadata.UserID
	}

	names := make([]string, 0, len(req.Tools))
	var serverTools int
	for _, t := range req.Tools {
		names = append(names, t.Name)
		if len(t.InputSchema) == 0 && t.Type != "" && t.Type != "custom" {
			serverTools++
		}
	}

	return ParsedRequest{
		SystemPrompt:         extractSystemPrompt(req.System),
		MaxTokens:            req.MaxTokens,
		Temperature:          req.Temperature,
		TopP:                 req.TopP,
		MessageCount:         len(req.Messages),
		ToolCount:            len(req.Tools),
		ToolNames:            names,
		ServerToolCount:      serverTools,
		ToolChoice:           extractToolChoice(req.ToolChoice),
		MCPServerCount:       len(req.MCPServers),
		ThinkingBudgetTokens: budget,
		StopSequences:        req.StopSequences,
		MetadataUserID:       userID,
		Stream:               req.Stream,
	}
}

// extractToolChoice flattens tool_choice to "auto", "any", "none" or
// "tool:<name>".
func extractToolChoice(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var obj struct {
		Type string `json:"type"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ""
	}
	if obj.Type == "tool" && obj.Name != "" {
		return "tool:" + obj.Name
	}
	return obj.Type
}

// extractSystemPrompt handles both string and []SystemBlock forms.
func extractSystemPrompt(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var blocks []SystemBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}

	texts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b.Text != "" {
			texts = append(texts, b.Text)
		}
	}
	return strings.Join(texts, "\n")
}
