// Package completion calls the OpenAI-compatible chat completion endpoint.
package completion

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	openai "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/sony/gobreaker/v2"

	"telegram-plan-bot/internal/logging"
)

var (
	// ErrUnavailable means the breaker is open after repeated failures.
	ErrUnavailable = errors.New("completion: service unavailable")
	// ErrEmptyResponse means the API answered without any choice.
	ErrEmptyResponse = errors.New("completion: empty response")
)

// Request is a single-turn prompt. Image, when set, is sent as a JPEG data URI
// next to Text.
type Request struct {
	Model string
	Text  string
	Image []byte
}

// chatCompletion is swapped in tests.
var chatCompletion = func(ctx context.Context, client *openai.Client, params openai.ChatCompletionNewParams) (string, error) {
	resp, err := client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	return resp.Choices[0].Message.Content, nil
}

// Client sends requests through a circuit breaker.
type Client struct {
	api     *openai.Client
	breaker *gobreaker.CircuitBreaker[string]
	timeout time.Duration
}

// New builds a client for baseURL. A zero timeout leaves calls bounded only by
// the caller's context.
func New(baseURL, apiKey string, timeout time.Duration) *Client {
	api := openai.NewClient(option.WithAPIKey(apiKey), option.WithBaseURL(baseURL))
	return &Client{
		api:     &api,
		timeout: timeout,
		breaker: gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
			Name:        "completion",
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 5
			},
			IsSuccessful: func(err error) bool {
				// Caller cancellation is not a service failure.
				return err == nil || errors.Is(err, context.Canceled)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logging.Log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
			},
		}),
	}
}

// Complete returns the first choice's content for req.
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{userMessage(req)},
	}

	start := time.Now()
	out, err := c.breaker.Execute(func() (string, error) {
		return chatCompletion(ctx, c.api, params)
	})
	log := logging.Ctx(ctx)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		log.Warn().Str("event", "completion_request").Str("model", req.Model).Msg("breaker open")
		return "", ErrUnavailable
	}
	if err != nil {
		log.Error().Err(err).Str("event", "completion_request").Str("model", req.Model).Dur("latency", time.Since(start)).Msg("completion failed")
		return "", fmt.Errorf("completion: %w", err)
	}
	log.Info().Str("event", "completion_request").Str("model", req.Model).Bool("image", len(req.Image) > 0).
		Dur("latency", time.Since(start)).Str("reply", logging.Snippet(out, 80)).Msg("completion ok")
	return out, nil
}

func userMessage(req Request) openai.ChatCompletionMessageParamUnion {
	if len(req.Image) == 0 {
		return openai.UserMessage(req.Text)
	}
	return openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
		openai.TextContentPart(req.Text),
		openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: DataURI(req.Image)}),
	})
}

// DataURI encodes a JPEG image for the image_url content part.
func DataURI(img []byte) string {
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(img)
}
