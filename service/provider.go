package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/AnTengye/pagelens/backend/config"
	"github.com/AnTengye/pagelens/backend/model"
	"github.com/go-playground/validator/v10"
	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

var validate = validator.New()

// AnalysisProvider turns a prompt into model output, trying models in order
type AnalysisProvider interface {
	Analyze(ctx context.Context, prompt string, models []string) (*ProviderResponse, error)
}

// ProviderResponse is the raw text answer and the model that produced it
type ProviderResponse struct {
	Text  string
	Model string
}

type GeminiProvider struct {
	config     *config.ProviderConfig
	httpClient *http.Client
}

// geminiRequest is the generateContent request body
type geminiRequest struct {
	Contents         []geminiContent        `json:"contents"`
	GenerationConfig geminiGenerationConfig `json:"generationConfig"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenerationConfig struct {
	Temperature      float64 `json:"temperature"`
	ResponseMimeType string  `json:"responseMimeType,omitempty"`
}

// geminiResponse is the generateContent response body
type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error,omitempty"`
}

func NewGeminiProvider(cfg *config.ProviderConfig) *GeminiProvider {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &GeminiProvider{
		config: cfg,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Analyze tries each model in order and returns the first success.
// Earlier failures are logged and discarded.
func (p *GeminiProvider) Analyze(ctx context.Context, prompt string, models []string) (*ProviderResponse, error) {
	if len(models) == 0 {
		models = p.config.Models
	}
	if len(models) == 0 {
		return nil, newError(KindProviderFailure, "provider.analyze", "", errors.New("no models configured"))
	}

	var errs []error
	for i, m := range models {
		text, err := p.generate(ctx, m, prompt)
		if err == nil {
			if i > 0 {
				slog.Info("fallback model answered", "model", m, "failed_attempts", i)
			}
			return &ProviderResponse{Text: text, Model: m}, nil
		}
		slog.Warn("model attempt failed", "model", m, "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", m, err))
		if ctx.Err() != nil {
			break
		}
	}

	return nil, newError(KindProviderFailure, "provider.analyze", "", errors.Join(errs...))
}

// generate calls generateContent for a single model
func (p *GeminiProvider) generate(ctx context.Context, modelName, prompt string) (string, error) {
	reqBody := geminiRequest{
		Contents: []geminiContent{{
			Role:  "user",
			Parts: []geminiPart{{Text: prompt}},
		}},
		GenerationConfig: geminiGenerationConfig{
			Temperature:      0.2,
			ResponseMimeType: "application/json",
		},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", strings.TrimRight(p.config.APIURL, "/"), modelName)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("x-goog-api-key", p.config.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	var result geminiResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("failed to parse response (status %d): %w", resp.StatusCode, err)
	}

	if result.Error != nil {
		return "", fmt.Errorf("gemini API error %d %s: %s", result.Error.Code, result.Error.Status, result.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("gemini API returned status %d", resp.StatusCode)
	}

	for _, c := range result.Candidates {
		var sb strings.Builder
		for _, part := range c.Content.Parts {
			sb.WriteString(part.Text)
		}
		if text := strings.TrimSpace(sb.String()); text != "" {
			return text, nil
		}
	}
	return "", errors.New("empty response from model")
}

// LanguageName returns the English display name of a language code, or the
// code itself when it cannot be parsed
func LanguageName(code string) string {
	tag, err := language.Parse(code)
	if err != nil {
		return code
	}
	if name := display.English.Languages().Name(tag); name != "" {
		return name
	}
	return code
}

// truncateRunes cuts s to at most limit runes without splitting a character
func truncateRunes(s string, limit int) (string, bool) {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s, false
	}
	runes := []rune(s)
	return string(runes[:limit]), true
}

// BuildPrompt renders the analysis instructions for one document
func BuildPrompt(subjectRef, content, lang string, maxChars int) string {
	body, truncated := truncateRunes(content, maxChars)

	var sb strings.Builder
	sb.WriteString("You are an analyst reviewing a web page. ")
	fmt.Fprintf(&sb, "Write every field of your answer in %s.\n\n", LanguageName(lang))
	sb.WriteString("Respond with a single JSON object and nothing else, using exactly these fields:\n")
	sb.WriteString(`{
  "title": "short title for the page",
  "summary": "three to five sentence summary",
  "sentiment": "positive | neutral | negative | mixed",
  "key_points": ["main point", "..."],
  "claims": [{"statement": "checkable claim", "assessment": "supported | disputed | unverified", "note": "why"}],
  "credibility_score": 0,
  "topics": ["topic", "..."]
}`)
	sb.WriteString("\ncredibility_score is an integer from 0 to 100.\n\n")
	fmt.Fprintf(&sb, "Page: %s\n", subjectRef)
	if truncated {
		sb.WriteString("The content below was truncated.\n")
	}
	sb.WriteString("Content:\n")
	sb.WriteString(body)
	return sb.String()
}

// ParseReport extracts and validates the JSON artifact from model output.
// It tolerates markdown fences and prose around the object.
func ParseReport(text string) (*model.Report, error) {
	const op = "provider.parse"

	raw := extractJSONObject(text)
	if raw == "" {
		return nil, newError(KindProviderFailure, op, "", errors.New("no JSON object in response"))
	}

	var report model.Report
	if err := json.Unmarshal([]byte(raw), &report); err != nil {
		return nil, newError(KindProviderFailure, op, "", fmt.Errorf("failed to parse report: %w", err))
	}
	// Metadata is ours to attach
	report.Metadata = nil

	if err := validate.Struct(&report); err != nil {
		return nil, newError(KindProviderFailure, op, "", fmt.Errorf("invalid report shape: %w", err))
	}
	return &report, nil
}

// extractJSONObject returns the outermost {...} span of text, after
// stripping a markdown code fence if present
func extractJSONObject(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.Index(text, "```"); i >= 0 {
		rest := text[i+3:]
		// Drop the info string (e.g. "json")
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:]
		}
		if end := strings.Index(rest, "```"); end >= 0 {
			rest = rest[:end]
		}
		text = rest
	}

	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}
