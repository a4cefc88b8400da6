package llm

import (
	"github.com/osail-liaso/relay/internal/models"
	"github.com/tmc/langchaingo/llms"
)

// RemapSystemRoles extracts the first system entry as a standalone instruction and
// rewrites every later system entry as an assistant turn. Providers that accept a
// single leading system declaration need this shape.
func RemapSystemRoles(messages []models.ChatMessage) (system string, rest []models.ChatMessage) {
	rest = make([]models.ChatMessage, 0, len(messages))
	seen := false
	for _, m := range messages {
		if m.Role != models.RoleSystem {
			rest = append(rest, m)
			continue
		}
		if !seen {
			system = m.Content
			seen = true
			continue
		}
		rest = append(rest, models.ChatMessage{Role: models.RoleAssistant, Content: m.Content})
	}
	return system, rest
}

// toMessageContent converts wire messages to langchaingo messages.
// Unknown roles are sent as human turns.
func toMessageContent(messages []models.ChatMessage) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(messages))
	for _, m := range messages {
		out = append(out, llms.TextParts(chatMessageType(m.Role), m.Content))
	}
	return out
}

func chatMessageType(role string) llms.ChatMessageType {
	switch role {
	case models.RoleSystem:
		return llms.ChatMessageTypeSystem
	case models.RoleAssistant, "ai":
		return llms.ChatMessageTypeAI
	default:
		return llms.ChatMessageTypeHuman
	}
}
