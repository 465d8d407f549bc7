package transcribe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// KeySource supplies the OpenAI API key. *openai.Client from the sibling
// integration package satisfies this interface.
type KeySource interface {
	APIKey(ctx context.Context) (string, error)
}

// MediaFetcher downloads an attachment. *twilio.Client satisfies this
// interface for Twilio-hosted media, which requires account credentials.
type MediaFetcher interface {
	FetchMedia(ctx context.Context, mediaURL string) ([]byte, string, error)
}

// Client transcribes voice notes with Whisper.
type Client struct {
	keys       KeySource
	media      MediaFetcher
	baseURL    string
	httpClient *http.Client
	model      string

	mu     sync.Mutex
	client *openai.Client
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithModel(model string) Option {
	return func(c *Client) {
		if m := strings.TrimSpace(model); m != "" {
			c.model = m
		}
	}
}

func New(keys KeySource, media MediaFetcher, opts ...Option) (*Client, error) {
	if keys == nil {
		return nil, errors.New("transcribe: key source must not be nil")
	}
	if media == nil {
		return nil, errors.New("transcribe: media fetcher must not be nil")
	}
	c := &Client{
		keys:       keys,
		media:      media,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		model:      openai.Whisper1,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Transcribe downloads the audio at mediaURL and returns its transcript.
func (c *Client) Transcribe(ctx context.Context, mediaURL string) (string, error) {
	client, err := c.resolveClient(ctx)
	if err != nil {
		return "", err
	}

	audio, contentType, err := c.media.FetchMedia(ctx, mediaURL)
	if err != nil {
		return "", fmt.Errorf("transcribe: fetch media: %w", err)
	}
	if len(audio) == 0 {
		return "", errors.New("transcribe: media is empty")
	}

	resp, err := client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    c.model,
		FilePath: "voice" + extensionFor(contentType),
		Reader:   bytes.NewReader(audio),
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		return "", fmt.Errorf("transcribe: create transcription: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}

// resolveClient builds the go-openai client on first use so the API key is
// only read from SSM when a voice note actually arrives. A failed key lookup
// is retried on the next voice note.
func (c *Client) resolveClient(ctx context.Context) (*openai.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client, nil
	}
	key, err := c.keys.APIKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("transcribe: resolve api key: %w", err)
	}
	cfg := openai.DefaultConfig(key)
	if c.baseURL != "" {
		cfg.BaseURL = c.baseURL
	}
	if c.httpClient != nil {
		cfg.HTTPClient = c.httpClient
	}
	c.client = openai.NewClientWithConfig(cfg)
	return c.client, nil
}

// extensionFor maps a media content type onto a file extension Whisper
// recognises. WhatsApp voice notes are Opus in an Ogg container.
func extensionFor(contentType string) string {
	ct := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	switch ct {
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/mp4", "audio/x-m4a", "audio/aac":
		return ".m4a"
	case "audio/wav", "audio/x-wav", "audio/wave":
		return ".wav"
	case "audio/webm":
		return ".webm"
	case "audio/flac":
		return ".flac"
	default:
		return ".ogg"
	}
}
