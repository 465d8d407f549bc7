package twilio

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeGetter struct {
	val   string
	err   error
	calls int
}

func (f *fakeGetter) GetParameter(_ context.Context, _ string) (string, error) {
	f.calls++
	return f.val, f.err
}

// redirectTransport sends every request to the test server, keeping path
// and query, so the SDK's fixed api.twilio.com host can be exercised.
type redirectTransport struct {
	target *url.URL
}

func (rt redirectTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	out.URL.Scheme = rt.target.Scheme
	out.URL.Host = rt.target.Host
	out.Host = rt.target.Host
	return http.DefaultTransport.RoundTrip(out)
}

func testHTTPClient(t *testing.T, srv *httptest.Server) *http.Client {
	t.Helper()
	target, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return &http.Client{Transport: redirectTransport{target: target}, Timeout: 2 * time.Second}
}

func newTestClient(t *testing.T, srv *httptest.Server, opts ...Option) (*Client, *fakeGetter) {
	t.Helper()
	g := &fakeGetter{val: `{"token":"tok"}`}
	opts = append([]Option{WithHTTPClient(testHTTPClient(t, srv))}, opts...)
	c, err := NewClient(g, "/medic-agent", "AC123", "whatsapp:+14155238886", opts...)
	require.NoError(t, err)
	return c, g
}

const messageCreated = `{"sid":"SM1","status":"queued"}`

func TestNewClient_Validates(t *testing.T) {
	_, err := NewClient(nil, "/p", "AC1", "whatsapp:+1")
	require.Error(t, err)
	_, err = NewClient(&fakeGetter{}, " ", "AC1", "whatsapp:+1")
	require.Error(t, err)
	_, err = NewClient(&fakeGetter{}, "/p", "", "whatsapp:+1")
	require.Error(t, err)

	c, err := NewClient(&fakeGetter{}, "/p/", "AC1", "whatsapp:+1")
	require.NoError(t, err)
	require.Equal(t, "/p", c.paramPrefix)
}

func TestAuthToken_FetchedOnce(t *testing.T) {
	g := &fakeGetter{val: `{"token":"tok"}`}
	c, err := NewClient(g, "/p", "AC1", "whatsapp:+1")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		tok, err := c.AuthToken(context.Background())
		require.NoError(t, err)
		require.Equal(t, "tok", tok)
	}
	require.Equal(t, 1, g.calls)
}

// flakyGetter fails its first failures calls and records the context error
// seen on each call.
type flakyGetter struct {
	failures int
	calls    int
	ctxErrs  []error
}

func (f *flakyGetter) GetParameter(ctx context.Context, _ string) (string, error) {
	f.calls++
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	if f.calls <= f.failures {
		return "", errors.New("ssm throttled")
	}
	return `{"token":"tok"}`, nil
}

func TestAuthToken_RetriesAfterFailure(t *testing.T) {
	g := &flakyGetter{failures: 1}
	c, err := NewClient(g, "/p", "AC1", "whatsapp:+1")
	require.NoError(t, err)

	_, err = c.AuthToken(context.Background())
	require.ErrorContains(t, err, "ssm throttled")

	tok, err := c.AuthToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, "tok", tok)

	_, _ = c.AuthToken(context.Background())
	require.Equal(t, 2, g.calls)
}

func TestAuthToken_IgnoresCallerCancellation(t *testing.T) {
	g := &flakyGetter{}
	c, err := NewClient(g, "/p", "AC1", "whatsapp:+1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tok, err := c.AuthToken(ctx)
	require.NoError(t, err)
	require.Equal(t, "tok", tok)
	require.NoError(t, g.ctxErrs[0])
}

func TestSendMessage_RecoversAfterTokenFailure(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, messageCreated)
	}))
	defer srv.Close()

	g := &flakyGetter{failures: 1}
	c, err := NewClient(g, "/p", "AC1", "whatsapp:+1", WithHTTPClient(testHTTPClient(t, srv)))
	require.NoError(t, err)

	require.ErrorContains(t, c.SendMessage(context.Background(), "whatsapp:+2", "hi"), "ssm throttled")
	require.NoError(t, c.SendMessage(context.Background(), "whatsapp:+2", "hi"))
	require.Equal(t, 1, calls)
}

func TestAuthToken_Errors(t *testing.T) {
	cases := []struct {
		name string
		g    *fakeGetter
	}{
		{"ssm error", &fakeGetter{err: errors.New("denied")}},
		{"not json", &fakeGetter{val: "plain"}},
		{"empty token", &fakeGetter{val: `{"token":""}`}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, err := NewClient(tc.g, "/p", "AC1", "whatsapp:+1")
			require.NoError(t, err)
			_, err = c.AuthToken(context.Background())
			require.Error(t, err)
		})
	}
}

func TestSendMessage_PostsForm(t *testing.T) {
	var (
		mu    sync.Mutex
		forms []url.Values
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/2010-04-01/Accounts/AC123/Messages.json", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "AC123", user)
		require.Equal(t, "tok", pass)
		require.NoError(t, r.ParseForm())
		mu.Lock()
		forms = append(forms, r.PostForm)
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, messageCreated)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv)
	require.NoError(t, c.SendMessage(context.Background(), "whatsapp:+491701234567", "Your appointment is booked."))

	require.Len(t, forms, 1)
	require.Equal(t, "whatsapp:+491701234567", forms[0].Get("To"))
	require.Equal(t, "whatsapp:+14155238886", forms[0].Get("From"))
	require.Equal(t, "Your appointment is booked.", forms[0].Get("Body"))
}

func TestSendMessage_SplitsLongBody(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, messageCreated)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv)
	require.NoError(t, c.SendMessage(context.Background(), "whatsapp:+1", strings.Repeat("word ", 500)))
	require.Equal(t, 2, calls)
}

func TestSendMessage_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"code":21211,"message":"Invalid 'To' Phone Number","status":400}`)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv)
	err := c.SendMessage(context.Background(), "whatsapp:+1", "hi")
	require.Error(t, err)

	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusBadRequest, statusErr.HTTPStatusCode())
	require.Contains(t, statusErr.Body, "21211")
}

func TestSendMessage_RequiresRecipientAndSender(t *testing.T) {
	c, err := NewClient(&fakeGetter{val: `{"token":"tok"}`}, "/p", "AC1", "")
	require.NoError(t, err)
	require.Error(t, c.SendMessage(context.Background(), "whatsapp:+1", "hi"))

	c, err = NewClient(&fakeGetter{val: `{"token":"tok"}`}, "/p", "AC1", "whatsapp:+2")
	require.NoError(t, err)
	require.Error(t, c.SendMessage(context.Background(), " ", "hi"))
}

func TestFetchMedia(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, pass, ok := r.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "tok", pass)
		if r.URL.Path == "/missing" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"code":20404,"message":"not found","status":404}`)
			return
		}
		w.Header().Set("Content-Type", "audio/ogg")
		_, _ = w.Write([]byte("OggS"))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv)
	data, ct, err := c.FetchMedia(context.Background(), "https://api.twilio.com/voice")
	require.NoError(t, err)
	require.Equal(t, []byte("OggS"), data)
	require.Equal(t, "audio/ogg", ct)

	_, _, err = c.FetchMedia(context.Background(), "https://api.twilio.com/missing")
	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusNotFound, statusErr.StatusCode)
}

func TestSplitBody(t *testing.T) {
	require.Nil(t, SplitBody("  "))
	require.Equal(t, []string{"short"}, SplitBody(" short "))

	long := strings.Repeat("x", maxBodyRunes-5) + " tailend"
	parts := SplitBody(long)
	require.Len(t, parts, 2)
	require.Equal(t, strings.Repeat("x", maxBodyRunes-5), parts[0])
	require.Equal(t, "tailend", parts[1])

	// no whitespace: hard cut at the limit
	parts = SplitBody(strings.Repeat("ü", maxBodyRunes*2+1))
	require.Len(t, parts, 3)
	require.Len(t, []rune(parts[0]), maxBodyRunes)
	require.Len(t, []rune(parts[2]), 1)
}

func TestSendMessage_RateLimitHonoursContext(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, messageCreated)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv, WithSendRate(0.001))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.SendMessage(ctx, "whatsapp:+2", strings.Repeat("word ", 500))
	require.Error(t, err)
	require.Equal(t, 1, calls, "second chunk must wait for the limiter")
}
