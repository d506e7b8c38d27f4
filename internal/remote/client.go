package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/njoerd114/leafsync/internal/auth"
	"github.com/njoerd114/leafsync/internal/model"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultUserAgent = "leafsync"

	// maxBodySize bounds how much of a response body is read.
	maxBodySize = 8 << 20

	loginPath    = "account/api/token/"
	registerPath = "account/api/register/"
	logoutPath   = "account/api/logout/"
)

type idempotencyKey struct{}

// WithIdempotencyKey attaches key to ctx. Create requests made with the
// returned context carry it in the Idempotency-Key header so the server can
// recognise a retried create.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKey{}, key)
}

// IdempotencyKeyFrom returns the key set with [WithIdempotencyKey], or "".
func IdempotencyKeyFrom(ctx context.Context) string {
	k, _ := ctx.Value(idempotencyKey{}).(string)
	return k
}

// rateLimitedTransport wraps an http.RoundTripper with rate limiting.
type rateLimitedTransport struct {
	transport http.RoundTripper
	limiter   *rate.Limiter
}

func (t *rateLimitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return t.transport.RoundTrip(req)
}

// Client talks to the GreenLeaf REST API. It is safe for concurrent use.
type Client struct {
	base      *url.URL
	tokens    auth.TokenSource
	hc        *http.Client
	userAgent string
	logger    *slog.Logger
}

// Option configures a [Client].
type Option func(*Client)

// WithHTTPClient replaces the HTTP client. Timeout and rate limit options
// applied after it modify the supplied client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}

// WithTimeout bounds each request, including reading the response.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.hc.Timeout = d
		}
	}
}

// WithRateLimit caps the request rate. A non-positive perSecond disables
// limiting.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) {
		if perSecond <= 0 {
			return
		}
		if burst < 1 {
			burst = 1
		}
		next := c.hc.Transport
		if next == nil {
			next = http.DefaultTransport
		}
		c.hc.Transport = &rateLimitedTransport{
			transport: next,
			limiter:   rate.NewLimiter(rate.Limit(perSecond), burst),
		}
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// NewClient creates a client for the API rooted at baseURL. tokens signs
// every request except login.
func NewClient(baseURL string, tokens auth.TokenSource, logger *slog.Logger, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing API URL %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("API URL %q must start with http:// or https://", baseURL)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}

	c := &Client{
		base:      u,
		tokens:    tokens,
		hc:        &http.Client{Timeout: defaultTimeout},
		userAgent: defaultUserAgent,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Gateway returns the gateway for kind.
func (c *Client) Gateway(kind model.Kind) *Gateway {
	return &Gateway{c: c, schema: model.SchemaFor(kind)}
}

// Tokens holds the credentials returned by a successful login.
type Tokens struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// Login exchanges email and password for an access/refresh token pair. Wrong
// credentials yield an Unauthorized failure.
func (c *Client) Login(ctx context.Context, email, password string) (Tokens, error) {
	body, err := json.Marshal(map[string]string{"email": email, "password": password})
	if err != nil {
		return Tokens{}, fmt.Errorf("encoding login request: %w", err)
	}

	var tok Tokens
	err = c.do(ctx, request{
		method:      http.MethodPost,
		path:        loginPath,
		body:        body,
		contentType: "application/json",
		anonymous:   true,
	}, &tok)
	if err != nil {
		return Tokens{}, err
	}
	if tok.Access == "" {
		return Tokens{}, &Failure{Kind: Server, StatusCode: http.StatusOK, Message: "login response has no access token"}
	}
	return tok, nil
}

// Register creates an account and returns the tokens of its first session.
// An address that is taken or a password the server refuses yields a
// Validation failure.
func (c *Client) Register(ctx context.Context, email, password string) (Tokens, error) {
	body, err := json.Marshal(map[string]string{
		"email":            email,
		"password":         password,
		"confirm_password": password,
	})
	if err != nil {
		return Tokens{}, fmt.Errorf("encoding register request: %w", err)
	}

	var tok Tokens
	err = c.do(ctx, request{
		method:      http.MethodPost,
		path:        registerPath,
		body:        body,
		contentType: "application/json",
		anonymous:   true,
	}, &tok)
	if err != nil {
		return Tokens{}, err
	}
	if tok.Access == "" {
		return Tokens{}, &Failure{Kind: Server, StatusCode: http.StatusCreated, Message: "register response has no access token"}
	}
	return tok, nil
}

// Logout revokes the refresh token on the server. The caller discards the
// access token afterwards.
func (c *Client) Logout(ctx context.Context, refresh string) error {
	body, err := json.Marshal(map[string]string{"refresh": refresh})
	if err != nil {
		return fmt.Errorf("encoding logout request: %w", err)
	}
	return c.do(ctx, request{
		method:      http.MethodPost,
		path:        logoutPath,
		body:        body,
		contentType: "application/json",
	}, nil)
}

type request struct {
	method      string
	path        string // relative to the base URL, or absolute
	body        []byte
	contentType string
	anonymous   bool
}

// do performs req and decodes a JSON response into out (if non-nil). Every
// error it returns is a [*Failure].
func (c *Client) do(ctx context.Context, req request, out any) error {
	var token string
	if !req.anonymous {
		t, err := c.tokens.Token(ctx)
		if err != nil {
			return &Failure{Kind: Unauthorized, Message: "no access token", Err: err}
		}
		token = t
	}

	ref, err := url.Parse(req.path)
	if err != nil {
		return &Failure{Kind: Validation, Message: "bad request path " + req.path, Err: err}
	}
	endpoint := c.base.ResolveReference(ref).String()

	var body io.Reader
	if req.body != nil {
		body = bytes.NewReader(req.body)
	}
	hreq, err := http.NewRequestWithContext(ctx, req.method, endpoint, body)
	if err != nil {
		return &Failure{Kind: Validation, Message: "building request", Err: err}
	}
	hreq.Header.Set("Accept", "application/json")
	hreq.Header.Set("User-Agent", c.userAgent)
	hreq.Header.Set("X-Request-ID", uuid.NewString())
	if req.contentType != "" {
		hreq.Header.Set("Content-Type", req.contentType)
	}
	if token != "" {
		hreq.Header.Set("Authorization", "Bearer "+token)
	}
	if key := IdempotencyKeyFrom(ctx); key != "" && req.method == http.MethodPost {
		hreq.Header.Set("Idempotency-Key", key)
	}

	start := time.Now()
	resp, err := c.hc.Do(hreq)
	if err != nil {
		c.logger.Debug("HTTP request failed", "method", req.method, "url", endpoint, "error", err)
		f := &Failure{Kind: Network, Err: err}
		if isTimeout(err) {
			f.Message = "request timed out"
		}
		return f
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return &Failure{Kind: Network, StatusCode: resp.StatusCode, Message: "reading response body", Err: err}
	}
	c.logger.Debug("HTTP request",
		"method", req.method,
		"url", endpoint,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		f := classify(resp.StatusCode, data)
		if resp.StatusCode == http.StatusUnauthorized && !req.anonymous {
			c.tokens.Invalidate()
		}
		return f
	}

	if out == nil || resp.StatusCode == http.StatusNoContent || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return &Failure{Kind: Server, StatusCode: resp.StatusCode, Message: "malformed response body", Err: err}
	}
	return nil
}

// isTimeout reports whether err was caused by a request timeout.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
