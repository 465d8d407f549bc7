package twilio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	twclient "github.com/twilio/twilio-go/client"
	twapi "github.com/twilio/twilio-go/rest/api/v2010"
	"golang.org/x/time/rate"
)

const (
	// maxBodyRunes is the WhatsApp message length limit enforced by Twilio.
	maxBodyRunes = 1600
	// maxMediaBytes matches the largest file Whisper accepts.
	maxMediaBytes = 25 << 20
	// defaultSendRate stays under the per-sender WhatsApp throughput limit.
	defaultSendRate = 10
	// tokenFetchTimeout bounds the SSM read, which runs detached from the
	// caller's cancellation.
	tokenFetchTimeout = 10 * time.Second
)

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// tokenPayload is the expected JSON shape stored in SSM for the auth token.
type tokenPayload struct {
	Token string `json:"token"`
}

// HTTPStatusError captures non-2xx responses from the Twilio API.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("twilio: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client sends WhatsApp messages through the Twilio REST API and downloads
// inbound media. The auth token is read from SSM on first use.
type Client struct {
	accountSID  string
	from        string
	httpClient  *http.Client
	getter      Getter
	paramPrefix string
	limiter     *rate.Limiter

	mu        sync.Mutex
	authToken string
	requests  *twclient.RequestHandler
	api       *twapi.ApiService
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithSendRate sets the outbound message rate in messages per second.
func WithSendRate(perSecond float64) Option {
	return func(c *Client) {
		if perSecond > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

// NewClient creates a Client. from is the sender address, for example
// "whatsapp:+14155238886".
func NewClient(ps Getter, paramPrefix, accountSID, from string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("twilio: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("twilio: parameter prefix must not be empty")
	}
	if strings.TrimSpace(accountSID) == "" {
		return nil, errors.New("twilio: account sid must not be empty")
	}
	c := &Client{
		accountSID:  strings.TrimSpace(accountSID),
		from:        strings.TrimSpace(from),
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		getter:      ps,
		paramPrefix: paramPrefix,
		limiter:     rate.NewLimiter(defaultSendRate, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// AuthToken returns the account auth token. A successful read is cached for
// the process lifetime; failures are retried on the next call.
func (c *Client) AuthToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authTokenLocked(ctx)
}

func (c *Client) authTokenLocked(ctx context.Context) (string, error) {
	if c.authToken != "" {
		return c.authToken, nil
	}
	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), tokenFetchTimeout)
	defer cancel()

	raw, err := c.getter.GetParameter(fetchCtx, c.paramPrefix+"/twilio-auth-token")
	if err != nil {
		return "", fmt.Errorf("twilio: fetch auth token from paramstore: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("twilio: unmarshal paramstore token value as JSON: %w", err)
	}
	if tp.Token == "" {
		return "", errors.New("twilio: auth token is empty")
	}
	c.authToken = tp.Token
	return c.authToken, nil
}

// rest returns the SDK request handler and API service, built once the auth
// token is known.
func (c *Client) rest(ctx context.Context) (*twclient.RequestHandler, *twapi.ApiService, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.api != nil {
		return c.requests, c.api, nil
	}
	token, err := c.authTokenLocked(ctx)
	if err != nil {
		return nil, nil, err
	}
	base := &twclient.Client{
		Credentials: twclient.NewCredentials(c.accountSID, token),
		HTTPClient:  c.httpClient,
	}
	base.SetAccountSid(c.accountSID)
	c.requests = twclient.NewRequestHandler(base)
	c.api = twapi.NewApiService(c.requests)
	return c.requests, c.api, nil
}

// SendMessage delivers body to the given WhatsApp address, split into as
// many messages as the length limit requires.
func (c *Client) SendMessage(ctx context.Context, to, body string) error {
	to = strings.TrimSpace(to)
	if to == "" {
		return errors.New("twilio: recipient must not be empty")
	}
	if c.from == "" {
		return errors.New("twilio: sender is not configured")
	}
	_, api, err := c.rest(ctx)
	if err != nil {
		return err
	}

	for _, part := range SplitBody(body) {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("twilio: send message: %w", err)
		}
		params := &twapi.CreateMessageParams{}
		params.SetPathAccountSid(c.accountSID)
		params.SetTo(to)
		params.SetFrom(c.from)
		params.SetBody(part)
		if _, err := api.CreateMessage(params); err != nil {
			return fmt.Errorf("twilio: send message: %w", statusError(err, "Messages.json"))
		}
	}
	return nil
}

// FetchMedia downloads an inbound media item with account credentials and
// returns its bytes and content type.
func (c *Client) FetchMedia(ctx context.Context, mediaURL string) ([]byte, string, error) {
	requests, _, err := c.rest(ctx)
	if err != nil {
		return nil, "", err
	}
	if err := ctx.Err(); err != nil {
		return nil, "", fmt.Errorf("twilio: fetch media: %w", err)
	}

	res, err := requests.Get(mediaURL, nil, nil, "")
	if err != nil {
		return nil, "", fmt.Errorf("twilio: fetch media: %w", statusError(err, mediaURL))
	}
	defer func() { _ = res.Body.Close() }()

	buf, err := io.ReadAll(io.LimitReader(res.Body, maxMediaBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("twilio: read media body: %w", err)
	}
	if len(buf) > maxMediaBytes {
		return nil, "", fmt.Errorf("twilio: media exceeds %d bytes", maxMediaBytes)
	}
	return buf, res.Header.Get("Content-Type"), nil
}

// statusError lifts the SDK's REST error into HTTPStatusError so callers can
// classify it by status code.
func statusError(err error, url string) error {
	var restErr *twclient.TwilioRestError
	if errors.As(err, &restErr) && restErr.Status != 0 {
		return &HTTPStatusError{
			StatusCode: restErr.Status,
			URL:        url,
			Body:       fmt.Sprintf("code %d: %s", restErr.Code, restErr.Message),
		}
	}
	return err
}

// SplitBody cuts text into chunks of at most maxBodyRunes runes, preferring
// to break on a newline or space.
func SplitBody(text string) []string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) == 0 {
		return nil
	}
	var parts []string
	for len(runes) > maxBodyRunes {
		cut := maxBodyRunes
		for i := maxBodyRunes; i > maxBodyRunes/2; i-- {
			if runes[i] == '\n' || runes[i] == ' ' {
				cut = i
				break
			}
		}
		parts = append(parts, strings.TrimSpace(string(runes[:cut])))
		runes = []rune(strings.TrimSpace(string(runes[cut:])))
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}
