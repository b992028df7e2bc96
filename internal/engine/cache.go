package engine

import (
	"github.com/haasonsaas/relay/pkg/models"
)

// AnnotatePromptCache attaches an ephemeral cache marker to the last message
// of the outgoing list when the provider honours prompt caching for the
// model. String content is converted to a single-part structured content so
// the marker has a part to live on. The input slice is not mutated; the
// annotated message replaces the last element of a shallow copy.
//
// Annotation never fails a turn; callers forward the original list if they
// choose not to annotate.
func AnnotatePromptCache(messages []models.ChatMessage) []models.ChatMessage {
	if len(messages) == 0 {
		return messages
	}

	out := make([]models.ChatMessage, len(messages))
	copy(out, messages)

	last := out[len(out)-1]
	marker := models.EphemeralCache()

	if last.Content.Parts == nil {
		part := models.ContentPart{Type: "text", Text: last.Content.Text, CacheControl: marker}
		last.Content = models.PartsContent(part)
	} else {
		parts := make([]models.ContentPart, len(last.Content.Parts))
		copy(parts, last.Content.Parts)
		if len(parts) > 0 {
			parts[len(parts)-1].CacheControl = marker
		} else {
			parts = append(parts, models.ContentPart{Type: "text", CacheControl: marker})
		}
		last.Content = models.PartsContent(parts...)
	}

	out[len(out)-1] = last
	return out
}
