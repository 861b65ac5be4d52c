package openai_provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/Zarichney-Development/cookbook-factory-sub000/config"
	"github.com/Zarichney-Development/cookbook-factory-sub000/internal/helpers"
	"github.com/Zarichney-Development/cookbook-factory-sub000/internal/oracle"
	"github.com/Zarichney-Development/cookbook-factory-sub000/internal/session"
	"github.com/Zarichney-Development/cookbook-factory-sub000/internal/telemetry"
)

const defaultBaseURL = "https://api.openai.com/v1"

const sessionTTL = 2 * time.Hour

// Client implements the reasoning oracle against OpenAI's chat completions
// API. Conversational state lives in a session.Store so sessions can be
// shared across processes when Redis backs the store.
type Client struct {
	cfg       config.LLMProvider
	routing   config.LLMRoutingConfig
	sessions  session.Store
	telemetry *telemetry.Telemetry
	logger    *log.Logger
	client    *http.Client

	mu           sync.Mutex
	sessionTasks map[string]string
}

func NewClient(cfg config.LLMProvider, routing config.LLMRoutingConfig, sessions session.Store, tel *telemetry.Telemetry) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		cfg:          cfg,
		routing:      routing,
		sessions:     sessions,
		telemetry:    tel,
		logger:       log.New(log.Writer(), "[ORACLE] ", log.LstdFlags),
		client:       &http.Client{Timeout: timeout},
		sessionTasks: make(map[string]string),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	MaxTokens      int               `json:"max_tokens,omitempty"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// Submit performs a one-shot structured request and deserializes the reply
// into out.
func (c *Client) Submit(ctx context.Context, task, systemPrompt, userPrompt string, out any) error {
	msgs := []chatMessage{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: userPrompt},
	}
	content, err := c.send(ctx, task, msgs)
	if err != nil {
		return err
	}
	return decodeInto(task, content, out)
}

// CreateSession opens a conversational session seeded with systemPrompt.
func (c *Client) CreateSession(ctx context.Context, task, systemPrompt string) (string, error) {
	id, err := c.sessions.Create(ctx, systemPrompt, sessionTTL)
	if err != nil {
		return "", fmt.Errorf("creating oracle session: %w", err)
	}
	c.mu.Lock()
	c.sessionTasks[id] = task
	c.mu.Unlock()
	return id, nil
}

// AddTurn appends a user turn without requesting a completion.
func (c *Client) AddTurn(ctx context.Context, sessionID, content string) error {
	return c.sessions.Append(ctx, sessionID, session.Message{Role: "user", Content: content})
}

// ReadStructured requests a completion for the session's pending turns,
// records the assistant reply in the session, and deserializes it into out.
func (c *Client) ReadStructured(ctx context.Context, sessionID string, out any) error {
	history, err := c.sessions.History(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("reading oracle session %s: %w", sessionID, err)
	}
	msgs := make([]chatMessage, 0, len(history))
	for _, m := range history {
		msgs = append(msgs, chatMessage{Role: m.Role, Content: m.Content})
	}

	c.mu.Lock()
	task := c.sessionTasks[sessionID]
	c.mu.Unlock()

	content, err := c.send(ctx, task, msgs)
	if err != nil {
		return err
	}
	if err := c.sessions.Append(ctx, sessionID, session.Message{Role: "assistant", Content: content}); err != nil {
		return fmt.Errorf("recording oracle reply: %w", err)
	}
	return decodeInto(task, content, out)
}

// EndSession deletes the session's conversational state.
func (c *Client) EndSession(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	delete(c.sessionTasks, sessionID)
	c.mu.Unlock()
	return c.sessions.Delete(ctx, sessionID)
}

// send performs the chat completion with retry/backoff around transient
// failures. Content-policy refusals are surfaced as oracle.ErrContentPolicy
// and never retried.
func (c *Client) send(ctx context.Context, task string, msgs []chatMessage) (string, error) {
	modelKey := c.routing.ModelFor(task)
	model, ok := c.cfg.Models[modelKey]
	if !ok {
		return "", fmt.Errorf("no model configured for task %q (routing key %q)", task, modelKey)
	}

	apiKey := c.cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return "", fmt.Errorf("no OpenAI API key configured")
	}

	baseURL := c.cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	reqBody := chatRequest{
		Model:          model.APIName,
		Messages:       msgs,
		Temperature:    model.Temperature,
		MaxTokens:      model.MaxTokens,
		ResponseFormat: map[string]string{"type": "json_object"},
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshalling oracle request: %w", err)
	}

	start := time.Now()
	tries := c.cfg.MaxRetries + 1
	if tries < 1 {
		tries = 1
	}
	var lastErr error
	for attempt := 0; attempt < tries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/chat/completions", bytes.NewReader(payload))
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+apiKey)

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
		} else {
			content, tokens, sendErr := c.readResponse(resp)
			if sendErr == nil {
				c.record(task, model, time.Since(start), tokens, true)
				return content, nil
			}
			if errors.Is(sendErr, oracle.ErrContentPolicy) {
				c.record(task, model, time.Since(start), tokens, false)
				return "", sendErr
			}
			lastErr = sendErr
		}

		if attempt < tries-1 {
			c.logger.Printf("%s request attempt %d/%d failed: %v", task, attempt+1, tries, lastErr)
			select {
			case <-time.After(300 * time.Millisecond * time.Duration(1<<attempt)):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}
	c.record(task, model, time.Since(start), tokenUsage{}, false)
	return "", fmt.Errorf("oracle request failed after %d attempts: %w", tries, lastErr)
}

func (c *Client) readResponse(resp *http.Response) (string, tokenUsage, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", tokenUsage{}, fmt.Errorf("reading oracle response: %w", err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", tokenUsage{}, fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body[:min(len(body), 512)])))
	}
	if parsed.Error != nil {
		if isPolicyCode(parsed.Error.Code) || isPolicyCode(parsed.Error.Type) {
			return "", tokenUsage{}, fmt.Errorf("%w: %s", oracle.ErrContentPolicy, parsed.Error.Message)
		}
		return "", tokenUsage{}, fmt.Errorf("oracle API error: %s", parsed.Error.Message)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", tokenUsage{}, fmt.Errorf("oracle API returned %s", resp.Status)
	}
	if len(parsed.Choices) == 0 {
		return "", tokenUsage{}, fmt.Errorf("oracle response had no choices")
	}
	usage := tokenUsage{prompt: parsed.Usage.PromptTokens, completion: parsed.Usage.CompletionTokens}
	if parsed.Choices[0].FinishReason == "content_filter" {
		return "", usage, fmt.Errorf("%w: completion truncated by content filter", oracle.ErrContentPolicy)
	}
	return parsed.Choices[0].Message.Content, usage, nil
}

type tokenUsage struct {
	prompt     int64
	completion int64
}

func (u tokenUsage) total() int64 { return u.prompt + u.completion }

func (c *Client) record(task string, model config.LLMModel, d time.Duration, usage tokenUsage, success bool) {
	if c.telemetry == nil {
		return
	}
	cost := model.CostPer1K*float64(usage.prompt)/1000 + model.CostPer1KOutput*float64(usage.completion)/1000
	c.telemetry.RecordOracleEvent(telemetry.OracleEvent{
		Task:     task,
		Model:    model.Name,
		Duration: d,
		Tokens:   usage.total(),
		Cost:     cost,
		Success:  success,
	})
}

func decodeInto(task, content string, out any) error {
	raw, err := helpers.ExtractJSON(content)
	if err != nil {
		return &oracle.SchemaError{Task: task, Raw: content, Err: err}
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return &oracle.SchemaError{Task: task, Raw: content, Err: err}
	}
	return nil
}

func isPolicyCode(s string) bool {
	s = strings.ToLower(s)
	return strings.Contains(s, "content_policy") || strings.Contains(s, "content_filter")
}
