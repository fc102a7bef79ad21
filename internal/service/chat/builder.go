package chat

import (
	"strings"

	"mentorchat/internal/config"
	"mentorchat/internal/conversation"
)

// NewBuilder creates the request builder configured by cfg. Without a
// preamble file the built-in mentor preamble is used.
func NewBuilder(cfg *config.Config) (*conversation.Builder, error) {
	preamble, err := cfg.LoadPreamble()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(preamble) == "" {
		preamble = conversation.DefaultPreamble
	}
	return conversation.NewBuilder(conversation.BuilderConfig{
		HistoryLimit: cfg.BasicConfig.HistoryLimit,
		Preamble:     preamble,
		PreambleMode: conversation.PreambleMode(cfg.BasicConfig.PreambleMode),
	}), nil
}

// ConfigStore serves the api_key configured for the active provider.
func ConfigStore(cfg *config.Config) CredentialStore {
	_, provider := cfg.Provider()
	return StaticStore{KeyName: provider.APIKey}
}
