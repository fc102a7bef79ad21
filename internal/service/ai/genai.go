package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"mentorchat/internal/gemini"

	"google.golang.org/genai"
)

type genaiGenerator struct {
	model   string
	timeout time.Duration

	// newClient is swapped in tests.
	newClient func(ctx context.Context, apiKey string) (*genai.Client, error)

	mu      sync.Mutex
	clients map[string]*genai.Client
}

// NewGenAIGenerator sends requests through the google.golang.org/genai SDK.
func NewGenAIGenerator(modelName string, timeout time.Duration) Generator {
	if modelName == "" {
		modelName = gemini.DefaultModel
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	g := &genaiGenerator{
		model:   modelName,
		timeout: timeout,
		clients: make(map[string]*genai.Client),
	}
	g.newClient = func(ctx context.Context, apiKey string) (*genai.Client, error) {
		return genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:     apiKey,
			Backend:    genai.BackendGeminiAPI,
			HTTPClient: &http.Client{Timeout: g.timeout},
		})
	}
	return g
}

func (g *genaiGenerator) Generate(ctx context.Context, apiKey string, req *gemini.Request) (*gemini.Result, error) {
	if req == nil {
		return nil, errors.New("request cannot be nil")
	}
	client, err := g.client(ctx, apiKey)
	if err != nil {
		return nil, err
	}
	resp, err := client.Models.GenerateContent(ctx, g.model, toGenaiContents(req.Contents), toGenaiConfig(req))
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			status := apiErr.Code
			if status == 0 {
				status = http.StatusInternalServerError
			}
			return errorResult(status, apiErr.Code, apiErr.Status, apiErr.Message)
		}
		return nil, fmt.Errorf("generate content: %w", err)
	}
	return encodeResult(fromGenaiResponse(resp))
}

func (g *genaiGenerator) client(ctx context.Context, apiKey string) (*genai.Client, error) {
	key := cacheKey("gemini", g.model, apiKey)
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.clients[key]; ok {
		return c, nil
	}
	c, err := g.newClient(ctx, apiKey)
	if err != nil {
		return nil, fmt.Errorf("new genai client: %w", err)
	}
	g.clients[key] = c
	return c, nil
}

func toGenaiContents(contents []gemini.Content) []*genai.Content {
	out := make([]*genai.Content, 0, len(contents))
	for _, c := range contents {
		out = append(out, toGenaiContent(c))
	}
	return out
}

func toGenaiContent(c gemini.Content) *genai.Content {
	parts := make([]*genai.Part, 0, len(c.Parts))
	for _, p := range c.Parts {
		parts = append(parts, genai.NewPartFromText(p.Text))
	}
	return &genai.Content{Role: c.Role, Parts: parts}
}

func toGenaiConfig(req *gemini.Request) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if req.SystemInstruction != nil {
		cfg.SystemInstruction = toGenaiContent(*req.SystemInstruction)
	}
	if gc := req.GenerationConfig; gc != nil {
		if gc.Temperature != nil {
			t := float32(*gc.Temperature)
			cfg.Temperature = &t
		}
		cfg.MaxOutputTokens = int32(gc.MaxOutputTokens)
	}
	return cfg
}

// fromGenaiResponse maps the SDK response back onto the wire shape. Thought
// parts are dropped; parts carrying no text keep Text nil.
func fromGenaiResponse(resp *genai.GenerateContentResponse) *gemini.Response {
	out := &gemini.Response{}
	if resp == nil {
		return out
	}
	for _, cand := range resp.Candidates {
		if cand == nil {
			continue
		}
		c := gemini.Candidate{FinishReason: string(cand.FinishReason)}
		if cand.Content != nil {
			rc := &gemini.ResponseContent{Role: cand.Content.Role}
			for _, p := range cand.Content.Parts {
				if p == nil || p.Thought {
					continue
				}
				rp := gemini.ResponsePart{}
				if p.Text != "" || (p.FunctionCall == nil && p.InlineData == nil) {
					text := p.Text
					rp.Text = &text
				}
				rc.Parts = append(rc.Parts, rp)
			}
			c.Content = rc
		}
		out.Candidates = append(out.Candidates, c)
	}
	if pf := resp.PromptFeedback; pf != nil && pf.BlockReason != "" {
		out.PromptFeedback = &gemini.PromptFeedback{BlockReason: string(pf.BlockReason)}
	}
	if um := resp.UsageMetadata; um != nil {
		out.UsageMetadata = &gemini.UsageMetadata{
			PromptTokenCount:     int(um.PromptTokenCount),
			CandidatesTokenCount: int(um.CandidatesTokenCount),
			TotalTokenCount:      int(um.TotalTokenCount),
		}
	}
	return out
}
