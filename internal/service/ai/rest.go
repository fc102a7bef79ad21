package ai

import (
	"context"

	"mentorchat/internal/gemini"
)

type restGenerator struct {
	client *gemini.Client
}

// NewRESTGenerator posts requests straight to the generateContent endpoint.
func NewRESTGenerator(client *gemini.Client) Generator {
	return &restGenerator{client: client}
}

func (g *restGenerator) Generate(ctx context.Context, apiKey string, req *gemini.Request) (*gemini.Result, error) {
	return g.client.GenerateContent(ctx, apiKey, req)
}
