package ai

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"mentorchat/internal/config"
	"mentorchat/internal/conversation"
	"mentorchat/internal/gemini"

	"github.com/cloudwego/eino-ext/components/model/claude"
	einogemini "github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"
)

// Generator sends one generateContent request. A non-nil error means the
// request did not complete; provider-side failures come back in the Result.
type Generator interface {
	Generate(ctx context.Context, apiKey string, req *gemini.Request) (*gemini.Result, error)
}

// NewGenerator picks the backend named by basic_config.backend.
func NewGenerator(cfg *config.Config) (Generator, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}
	name, provCfg := cfg.Provider()
	timeout := time.Duration(cfg.BasicConfig.RequestTimeout) * time.Second

	switch cfg.BasicConfig.Backend {
	case config.BackendREST, "":
		return NewRESTGenerator(gemini.NewClient(gemini.Config{
			BaseURL: provCfg.BaseURL,
			Model:   provCfg.Model,
			Timeout: timeout,
		})), nil
	case config.BackendGenAI:
		return NewGenAIGenerator(provCfg.Model, timeout), nil
	case config.BackendEino:
		return NewEinoGenerator(name, provCfg, timeout)
	default:
		return nil, fmt.Errorf("invalid backend: %s", cfg.BasicConfig.Backend)
	}
}

// cacheKey identifies a cached SDK client without keeping the raw key as a map key.
func cacheKey(provider, modelName, apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return provider + "|" + modelName + "|" + hex.EncodeToString(sum[:8])
}

type einoGenerator struct {
	provider string
	provCfg  config.ProviderConfig
	timeout  time.Duration

	mu     sync.Mutex
	models map[string]model.ToolCallingChatModel
}

// NewEinoGenerator serves requests through eino chat models so providers other
// than gemini (openai, claude) can back the same conversation.
func NewEinoGenerator(provider string, provCfg config.ProviderConfig, timeout time.Duration) (Generator, error) {
	switch provider {
	case "openai", "gemini", "claude":
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &einoGenerator{
		provider: provider,
		provCfg:  provCfg,
		timeout:  timeout,
		models:   make(map[string]model.ToolCallingChatModel),
	}, nil
}

func (g *einoGenerator) Generate(ctx context.Context, apiKey string, req *gemini.Request) (*gemini.Result, error) {
	if req == nil {
		return nil, errors.New("request cannot be nil")
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	chatModel, err := g.chatModel(ctx, apiKey)
	if err != nil {
		return nil, err
	}
	resp, err := chatModel.Generate(ctx, toSchemaMessages(req))
	if err != nil {
		if conversation.IsTransportFailure(err) {
			return nil, fmt.Errorf("generate failed: %w", err)
		}
		return errorResult(http.StatusBadGateway, 0, "", err.Error())
	}
	return textResult(resp.Content)
}

// chatModel builds the provider model once per (provider, model, key).
func (g *einoGenerator) chatModel(ctx context.Context, apiKey string) (model.ToolCallingChatModel, error) {
	key := cacheKey(g.provider, g.provCfg.Model, apiKey)
	g.mu.Lock()
	defer g.mu.Unlock()
	if m, ok := g.models[key]; ok {
		return m, nil
	}

	var (
		chatModel model.ToolCallingChatModel
		err       error
	)
	switch g.provider {
	case "openai":
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: g.provCfg.BaseURL,
			Model:   g.provCfg.Model,
			APIKey:  apiKey,
			Timeout: g.timeout,
		})
	case "gemini":
		var client *genai.Client
		client, err = genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:     apiKey,
			Backend:    genai.BackendGeminiAPI,
			HTTPClient: &http.Client{Timeout: g.timeout},
		})
		if err != nil {
			return nil, fmt.Errorf("new genai client: %w", err)
		}
		chatModel, err = einogemini.NewChatModel(ctx, &einogemini.Config{
			Client: client,
			Model:  g.provCfg.Model,
		})
	case "claude":
		var baseURLPtr *string
		if g.provCfg.BaseURL != "" {
			baseURLPtr = &g.provCfg.BaseURL
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    apiKey,
			Model:     g.provCfg.Model,
			BaseURL:   baseURLPtr,
			MaxTokens: 3000,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", g.provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", g.provider, err)
	}
	log.Printf("[ai] eino %s model %s ready", g.provider, g.provCfg.Model)
	g.models[key] = chatModel
	return chatModel, nil
}

// toSchemaMessages flattens each content entry into one eino message. Parts of
// a merged entry are joined with a blank line.
func toSchemaMessages(req *gemini.Request) []*schema.Message {
	messages := make([]*schema.Message, 0, len(req.Contents)+1)
	if req.SystemInstruction != nil {
		messages = append(messages, &schema.Message{
			Role:    schema.System,
			Content: joinParts(req.SystemInstruction.Parts),
		})
	}
	for _, c := range req.Contents {
		role := schema.User
		if c.Role == gemini.RoleModel {
			role = schema.Assistant
		}
		messages = append(messages, &schema.Message{
			Role:    role,
			Content: joinParts(c.Parts),
		})
	}
	return messages
}

func joinParts(parts []gemini.Part) string {
	texts := make([]string, 0, len(parts))
	for _, p := range parts {
		texts = append(texts, p.Text)
	}
	return strings.Join(texts, "\n\n")
}

func textResult(text string) (*gemini.Result, error) {
	return encodeResult(gemini.TextResponse(text))
}

func encodeResult(resp *gemini.Response) (*gemini.Result, error) {
	body, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("encode reply: %w", err)
	}
	return &gemini.Result{StatusCode: http.StatusOK, Body: body}, nil
}

func errorResult(status, code int, statusText, message string) (*gemini.Result, error) {
	body, err := json.Marshal(gemini.Response{Error: &gemini.ErrorBody{
		Code:    code,
		Message: message,
		Status:  statusText,
	}})
	if err != nil {
		return nil, fmt.Errorf("encode provider error: %w", err)
	}
	return &gemini.Result{StatusCode: status, Body: body}, nil
}
