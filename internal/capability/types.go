package capability

import "encoding/json"

type Parameter struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

type Tool struct {
	ID          string               `json:"id"`
	Name        string               `json:"name" validate:"required"`
	Description string               `json:"description"`
	Parameters  map[string]Parameter `json:"parameters,omitempty"`
}

type Resource struct {
	URI         string `json:"uri" validate:"required"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

type Prompt struct {
	Name        string           `json:"name" validate:"required"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// Set is the capability map a server exposes, fetched once per connect.
type Set struct {
	Tools     map[string]Tool     `json:"tools,omitempty"`
	Resources map[string]Resource `json:"resources,omitempty"`
	Prompts   map[string]Prompt   `json:"prompts,omitempty"`
}

func (s Set) HasTool(name string) bool {
	_, ok := s.Tools[name]
	return ok
}

func (s Set) HasResource(uri string) bool {
	_, ok := s.Resources[uri]
	return ok
}

func (s Set) HasPrompt(name string) bool {
	_, ok := s.Prompts[name]
	return ok
}

type ToolCall struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

type ContentType string

const (
	ContentText     ContentType = "text"
	ContentImage    ContentType = "image"
	ContentResource ContentType = "resource"
)

// Content is one item of a tool result. Type selects which fields are set:
// Text for text, Data+MimeType for image, Resource+MimeType for resource.
type Content struct {
	Type     ContentType `json:"type"`
	Text     string      `json:"text,omitempty"`
	Data     string      `json:"data,omitempty"`
	Resource string      `json:"resource,omitempty"`
	MimeType string      `json:"mimeType,omitempty"`
}

func TextContent(text string) Content {
	return Content{Type: ContentText, Text: text}
}

func ImageContent(data, mimeType string) Content {
	return Content{Type: ContentImage, Data: data, MimeType: mimeType}
}

func ResourceContent(uri, mimeType string) Content {
	return Content{Type: ContentResource, Resource: uri, MimeType: mimeType}
}

type ToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

type ResourceContents struct {
	URI      string          `json:"uri"`
	MimeType string          `json:"mimeType,omitempty"`
	Text     string          `json:"text,omitempty"`
	Blob     json.RawMessage `json:"blob,omitempty"`
}

type PromptMessage struct {
	Role    string  `json:"role"`
	Content Content `json:"content"`
}

type PromptResult struct {
	Description string          `json:"description,omitempty"`
	Messages    []PromptMessage `json:"messages"`
}
