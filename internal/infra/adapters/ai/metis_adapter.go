package ai

import "errors"

const metisBaseURL = "https://api.metisai.ir/openai/v1"

// NewMetisOpenAIAdapter streams from Metis's OpenAI-compatible gateway.
// Base URL defaults to https://api.metisai.ir/openai/v1 (configurable).
// Docs: https://docs.metisai.ir/api/openai
// Authorization: Bearer <METIS_API_KEY>
func NewMetisOpenAIAdapter(apiKey, base string, maxOut int) (*OpenAIAdapter, error) {
	if apiKey == "" {
		return nil, errors.New("metis api key empty")
	}
	if base == "" {
		base = metisBaseURL
	}
	return newOpenAICompatible("metis", apiKey, base, maxOut), nil
}
