// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package classifier

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/bcem/quarantine/internal/verdict"
)

const systemPrompt = "You are an AI email threat classifier. Respond only with JSON."

const promptFormat = `You MUST respond ONLY in valid JSON with this exact structure:

{
  "risk_score": 0-100,
  "classification": "safe" | "spam" | "phishing" | "malicious",
  "reasons": ["reason1", "reason2", "..."]
}

Guidelines:
- "phishing": attempts to steal credentials, payments, or impersonate trusted parties.
- "malicious": malware delivery, clearly harmful payloads or exploit attempts.
- "spam": unsolicited marketing/junk that is not clearly dangerous.
- "safe": legitimate, expected messages with no obvious malicious intent.

Consider sender address patterns and domain, urgency and pressure language,
requests for credentials or payments, every link in the message, and
consistency between sender and content.

Email Metadata:
From: %s
Subject: %s

System Detected Warnings (heuristic analysis):
%s

Body:
%s

Links found in the email body:
%s

Assign risk_score where 0-20 is very low risk, 21-49 low/medium, 50-79
elevated and 80-100 high/critical. Give 1-5 short, concrete reasons.

Return ONLY the JSON object. No markdown, no comments, no extra text.`

// OpenAISource asks a chat-completion model for a verdict. Any
// OpenAI-compatible endpoint works, including a local Ollama server.
type OpenAISource struct {
	client    *openai.Client
	model     string
	maxTokens int
}

// OpenAIConfig holds model endpoint settings.
type OpenAIConfig struct {
	BaseURL   string
	APIKey    string
	Model     string
	MaxTokens int
}

// NewOpenAISource creates a model-backed source.
func NewOpenAISource(cfg OpenAIConfig) *OpenAISource {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 220
	}
	return &OpenAISource{
		client:    openai.NewClientWithConfig(clientCfg),
		model:     cfg.Model,
		maxTokens: maxTokens,
	}
}

// Classify implements Source.
func (s *OpenAISource) Classify(ctx context.Context, req Request) (verdict.Raw, error) {
	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: buildPrompt(req)},
		},
		MaxTokens:   s.maxTokens,
		Temperature: 0,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return verdict.Raw{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return verdict.Raw{}, errors.New("empty response from model")
	}

	return verdict.Parse([]byte(resp.Choices[0].Message.Content))
}

func buildPrompt(req Request) string {
	warnings := "None."
	if len(req.Warnings) > 0 {
		lines := make([]string, len(req.Warnings))
		for i, w := range req.Warnings {
			lines[i] = "CRITICAL: " + w
		}
		warnings = strings.Join(lines, "\n")
	}

	links := "No links detected."
	if len(req.URLs) > 0 {
		lines := make([]string, len(req.URLs))
		for i, u := range req.URLs {
			lines[i] = "- " + u
		}
		links = strings.Join(lines, "\n")
	}

	return fmt.Sprintf(promptFormat, req.Sender, req.Subject, warnings, req.Body, links)
}
