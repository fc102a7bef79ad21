package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"mentorchat/internal/conversation"
	"mentorchat/internal/gemini"
	"mentorchat/internal/service/chat"
)

const (
	DefaultTitle  = "New Conversation"
	maxTitleRunes = 60

	titlePrompt = "You are a conversation title generator. " +
		"Based on the user's opening message, generate a concise and accurate title for the conversation. " +
		"The title should be at most six words and summarize the main topic. " +
		"Output only the title; do not include any additional content."
)

// Titler names a conversation after its opening message.
type Titler struct {
	generator   chat.Generator
	credentials func(clientID int64) chat.CredentialStore
}

// NewTitler asks generator for titles using the client's own credential.
func NewTitler(generator chat.Generator, credentials func(clientID int64) chat.CredentialStore) *Titler {
	return &Titler{generator: generator, credentials: credentials}
}

// GenerateTitle returns a short title for message. Callers fall back to
// FallbackTitle on error.
func (t *Titler) GenerateTitle(ctx context.Context, clientID int64, message string) (string, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return DefaultTitle, nil
	}
	if t == nil || t.generator == nil || t.credentials == nil {
		return "", errors.New("title generator unavailable")
	}
	apiKey, err := t.credentials(clientID).Lookup(ctx, chat.KeyName)
	if err != nil {
		return "", fmt.Errorf("lookup credential: %w", err)
	}
	if strings.TrimSpace(apiKey) == "" {
		return "", conversation.ErrMissingCredential
	}

	req := &gemini.Request{
		SystemInstruction: &gemini.Content{Parts: []gemini.Part{{Text: titlePrompt}}},
		Contents: []gemini.Content{{
			Role:  gemini.RoleUser,
			Parts: []gemini.Part{{Text: "Please generate a clean title for this opening message:\n\n" + message}},
		}},
	}
	res, err := t.generator.Generate(ctx, apiKey, req)
	if err != nil {
		return "", fmt.Errorf("generate title failed: %w", err)
	}
	title, err := conversation.HandleBody(nil, message, res.StatusCode, res.Body)
	if err != nil {
		return "", fmt.Errorf("generate title failed: %w", err)
	}
	title = cleanTitle(title)
	if title == "" {
		return DefaultTitle, nil
	}
	return title, nil
}

// FallbackTitle derives a title from the message text itself.
func FallbackTitle(message string) string {
	title := cleanTitle(strings.Join(strings.Fields(message), " "))
	if title == "" {
		return DefaultTitle
	}
	return title
}

func cleanTitle(s string) string {
	s = strings.TrimSpace(strings.SplitN(strings.TrimSpace(s), "\n", 2)[0])
	s = strings.Trim(s, "\"'`*# ")
	if utf8.RuneCountInString(s) > maxTitleRunes {
		runes := []rune(s)
		s = strings.TrimSpace(string(runes[:maxTitleRunes])) + "..."
	}
	return s
}
