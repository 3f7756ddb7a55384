// Copyright (c) 2026 Sequana. All rights reserved.
// Author: anh.phamtuan.vn@gmail.com

/*
Package llm wraps the OpenAI-compatible chat completions client used for
SQL generation.

It centralizes provider configuration (base URL, model, token), enforces a
per-call timeout, and provides tolerant JSON extraction for model output
that arrives wrapped in markdown fences or prose.
*/
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// jsonOnlyInstruction is appended to every structured-output prompt.
const jsonOnlyInstruction = "\n\nYou MUST respond with valid JSON only. No explanations, no markdown, just the raw JSON object."

// ErrEmptyCompletion is returned when the provider responds with no content.
var ErrEmptyCompletion = errors.New("llm: empty completion")

// Options configures a Client.
type Options struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// Client is a thin, timeout-enforcing wrapper around a chat completion model.
type Client struct {
	model llms.Model
	opts  Options
}

// New constructs a Client against any OpenAI-compatible endpoint.
func New(opts Options) (*Client, error) {
	model, err := openai.New(
		openai.WithToken(opts.APIKey),
		openai.WithModel(opts.Model),
		openai.WithBaseURL(opts.BaseURL),
	)
	if err != nil {
		return nil, fmt.Errorf("llm: init client: %w", err)
	}

	return &Client{model: model, opts: opts}, nil
}

// Complete sends a single-prompt completion request and returns the raw text.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	out, err := llms.GenerateFromSinglePrompt(callCtx, c.model, prompt,
		llms.WithTemperature(c.opts.Temperature),
		llms.WithMaxTokens(c.opts.MaxTokens),
	)
	if err != nil {
		return "", fmt.Errorf("llm: completion failed: %w", err)
	}
	if strings.TrimSpace(out) == "" {
		return "", ErrEmptyCompletion
	}

	return out, nil
}

// CompleteJSON requests a structured completion and decodes it into target.
//
// The JSON-only instruction is appended to the prompt; the response is run
// through [ExtractJSON] before unmarshalling.
func (c *Client) CompleteJSON(ctx context.Context, prompt string, target any) error {
	raw, err := c.Complete(ctx, prompt+jsonOnlyInstruction)
	if err != nil {
		return err
	}
	return DecodeJSON(raw, target)
}

// # JSON Extraction

// ExtractJSON pulls the first JSON object or array out of a raw completion.
//
// Models frequently wrap output in ```json fences or surround it with prose.
// The extraction is lexical: strip fences, then slice from the first opening
// brace/bracket to the last matching close.
func ExtractJSON(raw string) string {
	text := strings.TrimSpace(raw)

	// Strip markdown code fences.
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}

	objStart := strings.IndexByte(text, '{')
	arrStart := strings.IndexByte(text, '[')

	start, closer := objStart, byte('}')
	if objStart < 0 || (arrStart >= 0 && arrStart < objStart) {
		start, closer = arrStart, ']'
	}
	if start < 0 {
		return text
	}

	end := strings.LastIndexByte(text, closer)
	if end <= start {
		return text[start:]
	}

	return text[start : end+1]
}

// DecodeJSON extracts and unmarshals a JSON payload from raw model output.
//
// If the first unmarshal fails, control characters that models sometimes
// emit unescaped inside string values are replaced with spaces and the
// decode is retried once.
func DecodeJSON(raw string, target any) error {
	payload := ExtractJSON(raw)

	if err := json.Unmarshal([]byte(payload), target); err == nil {
		return nil
	}

	sanitized := strings.NewReplacer("\r", " ", "\n", " ", "\t", " ").Replace(payload)
	if err := json.Unmarshal([]byte(sanitized), target); err != nil {
		return fmt.Errorf("llm: malformed JSON in completion: %w", err)
	}

	return nil
}
