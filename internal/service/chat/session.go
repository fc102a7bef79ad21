package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"mentorchat/internal/conversation"
	"mentorchat/internal/gemini"
	"mentorchat/internal/models"
)

// KeyName is the credential looked up for every send.
const KeyName = "gemini_api_key"

// CredentialStore returns a stored secret, or "" when none is set.
type CredentialStore interface {
	Lookup(ctx context.Context, name string) (string, error)
}

// TextSource yields user text (keyboard, speech transcript). io.EOF ends a Run.
type TextSource interface {
	ReadText(ctx context.Context) (string, error)
}

// TextSink shows a line of the conversation (screen, speech synthesis).
type TextSink interface {
	Display(role models.Role, text string) error
}

// Generator performs one generateContent call.
type Generator interface {
	Generate(ctx context.Context, apiKey string, req *gemini.Request) (*gemini.Result, error)
}

// Options configures a Session.
type Options struct {
	Builder     *conversation.Builder
	Generator   Generator
	Credentials CredentialStore
	KeyName     string
	Log         *conversation.Log
}

// Session owns one conversation log and serializes sends against it.
type Session struct {
	mu          sync.Mutex
	log         *conversation.Log
	builder     *conversation.Builder
	generator   Generator
	credentials CredentialStore
	keyName     string
}

// NewSession creates a session. A nil Log starts an empty conversation.
func NewSession(opts Options) *Session {
	if opts.Builder == nil {
		opts.Builder = conversation.NewBuilder(conversation.BuilderConfig{Preamble: conversation.DefaultPreamble})
	}
	if opts.Log == nil {
		opts.Log = conversation.NewLog()
	}
	if opts.KeyName == "" {
		opts.KeyName = KeyName
	}
	return &Session{
		log:         opts.Log,
		builder:     opts.Builder,
		generator:   opts.Generator,
		credentials: opts.Credentials,
		keyName:     opts.KeyName,
	}
}

// Log exposes the session's conversation log for read access.
func (s *Session) Log() *conversation.Log {
	return s.log
}

// Send forwards text to the provider and returns the reply. On success the
// user turn and the reply are appended to the log; on failure the log is
// unchanged.
func (s *Session) Send(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", conversation.ErrEmptyMessage
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	apiKey, err := s.lookupKey(ctx)
	if err != nil {
		return "", err
	}
	req, err := s.builder.Build(s.log, text)
	if err != nil {
		return "", err
	}
	if s.generator == nil {
		return "", errors.New("no generator configured")
	}
	res, err := s.generator.Generate(ctx, apiKey, req)
	if err != nil {
		if conversation.IsTransportFailure(err) {
			return "", &conversation.TransportError{Err: err}
		}
		return "", fmt.Errorf("generate: %w", err)
	}
	return conversation.HandleBody(s.log, text, res.StatusCode, res.Body)
}

func (s *Session) lookupKey(ctx context.Context) (string, error) {
	if s.credentials == nil {
		return "", conversation.ErrMissingCredential
	}
	key, err := s.credentials.Lookup(ctx, s.keyName)
	if err != nil {
		return "", fmt.Errorf("lookup credential: %w", err)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", conversation.ErrMissingCredential
	}
	return key, nil
}

// Reset clears the conversation.
func (s *Session) Reset() {
	s.mu.Lock()
	s.log.Reset()
	s.mu.Unlock()
}

// Run reads from src until io.EOF or ctx is done. Each input is echoed to sink
// as a user line, followed by the reply or a one-line error as an assistant line.
func (s *Session) Run(ctx context.Context, src TextSource, sink TextSink) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		text, err := src.ReadText(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		if err := sink.Display(models.RoleUser, text); err != nil {
			return err
		}
		reply, err := s.Send(ctx, text)
		if err != nil {
			reply = conversation.UserMessage(err)
		}
		if err := sink.Display(models.RoleAssistant, reply); err != nil {
			return err
		}
	}
}
