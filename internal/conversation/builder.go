package conversation

import (
	"fmt"
	"strings"

	"mentorchat/internal/gemini"
	"mentorchat/internal/models"
)

// DefaultHistoryLimit is how many prior turns are sent when no limit is configured.
const DefaultHistoryLimit = 10

// PreambleMode selects where the preamble travels in the request.
type PreambleMode string

const (
	// PreambleSystem sends the preamble in the systemInstruction field.
	PreambleSystem PreambleMode = "system"
	// PreambleInline prepends the preamble as its own part of the first user entry.
	PreambleInline PreambleMode = "inline"
)

// BuilderConfig holds the fixed inputs of the Builder.
type BuilderConfig struct {
	HistoryLimit     int
	Preamble         string
	PreambleMode     PreambleMode
	FirstRole        models.Role
	GenerationConfig *gemini.GenerationConfig
}

// Builder turns (log, new message) into a generateContent request.
//
// Alternation policy:
//   - the window is the last HistoryLimit turns of the log;
//   - leading window turns whose role is not FirstRole are skipped;
//   - adjacent turns with the same role collapse into one entry, each turn kept
//     as its own part so no text is rewritten;
//   - the new message is appended as a user turn under the same rule.
type Builder struct {
	cfg BuilderConfig
}

// NewBuilder creates a Builder, filling in defaults.
func NewBuilder(cfg BuilderConfig) *Builder {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.PreambleMode == "" {
		cfg.PreambleMode = PreambleSystem
	}
	if !cfg.FirstRole.Valid() {
		cfg.FirstRole = models.RoleUser
	}
	return &Builder{cfg: cfg}
}

// Config returns the effective configuration.
func (b *Builder) Config() BuilderConfig {
	return b.cfg
}

// Build produces the request body. It never modifies log.
func (b *Builder) Build(log *Log, message string) (*gemini.Request, error) {
	if strings.TrimSpace(message) == "" {
		return nil, ErrEmptyMessage
	}
	var window []models.Turn
	if log != nil {
		window = log.Recent(b.cfg.HistoryLimit)
	}
	for len(window) > 0 && window[0].Role != b.cfg.FirstRole {
		window = window[1:]
	}

	contents := make([]gemini.Content, 0, len(window)+1)
	for _, turn := range window {
		role, err := wireRole(turn.Role)
		if err != nil {
			return nil, err
		}
		contents = appendPart(contents, role, turn.Text)
	}
	contents = appendPart(contents, gemini.RoleUser, message)

	req := &gemini.Request{
		Contents:         contents,
		GenerationConfig: b.cfg.GenerationConfig,
	}
	if b.cfg.Preamble != "" {
		switch b.cfg.PreambleMode {
		case PreambleInline:
			b.foldPreamble(req)
		default:
			req.SystemInstruction = &gemini.Content{
				Parts: []gemini.Part{{Text: b.cfg.Preamble}},
			}
		}
	}
	return req, nil
}

// foldPreamble puts the preamble in front of the first user entry. When the
// conversation starts with a model entry a dedicated user entry is added.
func (b *Builder) foldPreamble(req *gemini.Request) {
	part := gemini.Part{Text: b.cfg.Preamble}
	if len(req.Contents) > 0 && req.Contents[0].Role == gemini.RoleUser {
		parts := make([]gemini.Part, 0, len(req.Contents[0].Parts)+1)
		parts = append(parts, part)
		req.Contents[0].Parts = append(parts, req.Contents[0].Parts...)
		return
	}
	req.Contents = append([]gemini.Content{{Role: gemini.RoleUser, Parts: []gemini.Part{part}}}, req.Contents...)
}

func appendPart(contents []gemini.Content, role, text string) []gemini.Content {
	if n := len(contents); n > 0 && contents[n-1].Role == role {
		contents[n-1].Parts = append(contents[n-1].Parts, gemini.Part{Text: text})
		return contents
	}
	return append(contents, gemini.Content{Role: role, Parts: []gemini.Part{{Text: text}}})
}

func wireRole(role models.Role) (string, error) {
	switch role {
	case models.RoleUser:
		return gemini.RoleUser, nil
	case models.RoleAssistant:
		return gemini.RoleModel, nil
	default:
		return "", fmt.Errorf("unknown turn role %q", role)
	}
}
