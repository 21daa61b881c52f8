package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"ArticleRelay/internal/config"
	"ArticleRelay/internal/domain"
	"ArticleRelay/internal/ports"
	"ArticleRelay/pkg/logger"
)

const quotaCode = "insufficient_quota"

// Rewriter implements ports.Rewriter backed by OpenAI-compatible APIs. The
// key is chosen per call by the credential pool.
type Rewriter struct {
	baseURL      string
	model        string
	systemPrompt string
	temperature  float32
	maxTokens    int
	httpClient   *http.Client
	logger       *slog.Logger
}

var _ ports.Rewriter = (*Rewriter)(nil)

// NewRewriter builds a rewriter from configuration.
func NewRewriter(cfg config.OpenAIConfig, log *slog.Logger) *Rewriter {
	if log == nil {
		log = logger.Discard()
	}
	return &Rewriter{
		baseURL:      cfg.BaseURL,
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		temperature:  cfg.Temperature,
		maxTokens:    cfg.MaxTokens,
		httpClient:   &http.Client{Timeout: 2 * time.Minute},
		logger:       log,
	}
}

type promptPayload struct {
	Title      string   `json:"title"`
	Text       string   `json:"text"`
	SourceURL  string   `json:"source_url"`
	SourceName string   `json:"source_name,omitempty"`
	Category   string   `json:"category,omitempty"`
	Images     []string `json:"images,omitempty"`
}

type rewriteResponse struct {
	domain.RewrittenContent
	Error string `json:"error,omitempty"`
}

// Rewrite sends the article to the model and validates the JSON answer.
func (r *Rewriter) Rewrite(ctx context.Context, req domain.RewriteRequest, key string) (domain.RewrittenContent, error) {
	if key == "" {
		return domain.RewrittenContent{}, domain.NewStageError(domain.KindPermanentCredential, "rewrite", errors.New("empty api key"))
	}

	payload := promptPayload{
		Title:      req.Title,
		Text:       req.Text,
		SourceURL:  req.SourceURL,
		SourceName: req.SourceName,
		Category:   req.Category,
	}
	for _, m := range req.Media {
		if m.Kind == domain.MediaImage {
			payload.Images = append(payload.Images, m.URL)
		}
	}
	userContent, err := json.Marshal(payload)
	if err != nil {
		return domain.RewrittenContent{}, fmt.Errorf("marshal prompt: %w", err)
	}

	clientCfg := openai.DefaultConfig(key)
	if r.baseURL != "" {
		clientCfg.BaseURL = r.baseURL
	}
	clientCfg.HTTPClient = r.httpClient
	client := openai.NewClientWithConfig(clientCfg)

	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       r.model,
		Temperature: r.temperature,
		MaxTokens:   r.maxTokens,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: safePrompt(r.systemPrompt)},
			{Role: openai.ChatMessageRoleUser, Content: string(userContent)},
		},
	})
	if err != nil {
		return domain.RewrittenContent{}, classify(err)
	}
	if len(resp.Choices) == 0 {
		return domain.RewrittenContent{}, domain.NewStageError(domain.KindMalformedResponse, "rewrite", errors.New("no choices returned"))
	}

	content, err := parseContent(resp.Choices[0].Message.Content)
	if err != nil {
		return domain.RewrittenContent{}, err
	}

	r.logger.Debug("article rewritten", "model", r.model, "title", content.Title, "tokens", resp.Usage.TotalTokens)
	return content, nil
}

// parseContent validates the model answer. An explicit refusal is
// permanent_content; anything unparsable or incomplete is malformed.
func parseContent(raw string) (domain.RewrittenContent, error) {
	text := strings.TrimSpace(raw)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	var parsed rewriteResponse
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return domain.RewrittenContent{}, domain.NewStageError(domain.KindMalformedResponse, "rewrite", fmt.Errorf("decode answer: %w", err))
	}
	if parsed.Error != "" {
		return domain.RewrittenContent{}, domain.NewStageError(domain.KindPermanentContent, "rewrite", fmt.Errorf("model refused: %s", parsed.Error))
	}

	content := parsed.RewrittenContent
	content.Title = strings.TrimSpace(content.Title)
	if content.Title == "" || strings.TrimSpace(content.Body) == "" {
		return domain.RewrittenContent{}, domain.NewStageError(domain.KindMalformedResponse, "rewrite", errors.New("answer lacks title or body"))
	}
	return content, nil
}

// classify maps provider errors onto error kinds.
func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return domain.NewStageError(kindForStatus(apiErr.HTTPStatusCode, apiErr.Type, fmt.Sprint(apiErr.Code)), "rewrite", err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return domain.NewStageError(kindForStatus(reqErr.HTTPStatusCode, "", ""), "rewrite", err)
	}
	return domain.NewStageError(domain.KindTransient, "rewrite", err)
}

func kindForStatus(status int, errType, code string) domain.ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return domain.KindPermanentCredential
	case status == http.StatusTooManyRequests:
		if errType == quotaCode || code == quotaCode {
			return domain.KindQuotaExhausted
		}
		return domain.KindRateLimited
	case status == http.StatusPaymentRequired:
		return domain.KindQuotaExhausted
	case status >= http.StatusInternalServerError:
		return domain.KindTransient
	case status == http.StatusBadRequest || status == http.StatusRequestEntityTooLarge:
		return domain.KindPermanentContent
	}
	return domain.KindTransient
}

func safePrompt(prompt string) string {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "You rewrite news articles. Answer with a JSON object with keys title, body, excerpt, slug, tags, focus_keyphrase, image_alt_texts and suggested_categories, or {\"error\": reason} when the text cannot be rewritten."
	}
	return prompt
}
