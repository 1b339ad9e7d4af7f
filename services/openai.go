package services

import (
	"github.com/sashabaranov/go-openai"
)

// NewOpenAIClient returns an OpenAI client, pointed at baseURL when one is
// given for compatible gateways.
func NewOpenAIClient(apiKey, baseURL string) *openai.Client {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return openai.NewClientWithConfig(config)
}
