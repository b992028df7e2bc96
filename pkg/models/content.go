package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ContentPart is one element of structured message content.
type ContentPart struct {
	Type         string        `json:"type"`
	Text         string        `json:"text,omitempty"`
	ImageURL     *ImageURL     `json:"image_url,omitempty"`
	CacheControl *CacheControl `json:"cache_control,omitempty"`
}

// ImageURL references an image by URL or data URI.
type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// CacheControl is the prompt-cache marker attached to the last message when
// the provider advertises cache support.
type CacheControl struct {
	Type string `json:"type"`
}

// EphemeralCache returns the standard ephemeral cache marker.
func EphemeralCache() *CacheControl {
	return &CacheControl{Type: "ephemeral"}
}

// MessageContent holds message content that is either a plain text payload or
// an ordered sequence of typed parts. The zero value is empty plain text.
type MessageContent struct {
	Text  string
	Parts []ContentPart
}

// Text returns plain text content.
func TextContent(s string) MessageContent {
	return MessageContent{Text: s}
}

// PartsContent returns structured content.
func PartsContent(parts ...ContentPart) MessageContent {
	return MessageContent{Parts: parts}
}

// IsEmpty reports whether the content carries no text and no parts.
func (c MessageContent) IsEmpty() bool {
	return c.Parts == nil && strings.TrimSpace(c.Text) == ""
}

// Plain flattens the content to a single string, concatenating text parts.
func (c MessageContent) Plain() string {
	if c.Parts == nil {
		return c.Text
	}
	var b strings.Builder
	for _, p := range c.Parts {
		if p.Type == "text" {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// MarshalJSON encodes plain content as a JSON string and structured content
// as a part array, matching the OpenAI message content contract.
func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.Parts != nil {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

// UnmarshalJSON accepts a string, a part array, or null.
func (c *MessageContent) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		*c = MessageContent{}
		return nil
	}
	if strings.HasPrefix(trimmed, "\"") {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = MessageContent{Text: s}
		return nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var parts []ContentPart
		if err := json.Unmarshal(data, &parts); err != nil {
			return err
		}
		*c = MessageContent{Parts: parts}
		return nil
	}
	return fmt.Errorf("message content must be a string or an array of parts")
}
