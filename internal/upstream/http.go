package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const (
	tokenRefreshLeeway = 30 * time.Second
	defaultTokenTTL    = 5 * time.Minute
	defaultTimeout     = 15 * time.Second
)

// HTTPConfig configures the REST adapter.
type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// RequestsPerSecond throttles outbound calls. Zero disables throttling.
	RequestsPerSecond float64
	Burst             int
	HTTPClient        *http.Client
}

// HTTPClient is the REST implementation of Client. The access token is cached
// per instance and refreshed shortly before it expires or after a 401.
type HTTPClient struct {
	baseURL *url.URL
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter

	tokenMu sync.RWMutex
	token   Token
}

// NewHTTPClient validates cfg and builds a client.
func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("upstream: base URL is required")
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("upstream: parse base URL: %w", err)
	}
	if cfg.APIKey == "" {
		return nil, errors.New("upstream: API key is required")
	}

	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}

	c := &HTTPClient{baseURL: u, apiKey: cfg.APIKey, http: hc}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return c, nil
}

type authRequest struct {
	APIKey string `json:"api_key"`
}

type authResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type cancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

type balanceResponse struct {
	Balance decimal.Decimal `json:"balance"`
}

// Authenticate exchanges the API key for a fresh access token and caches it.
func (c *HTTPClient) Authenticate(ctx context.Context) (Token, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	return c.authenticateLocked(ctx)
}

func (c *HTTPClient) authenticateLocked(ctx context.Context) (Token, error) {
	const op = "authenticate"
	status, body, err := c.send(ctx, op, http.MethodPost, "/auth", authRequest{APIKey: c.apiKey}, "")
	if err != nil {
		return Token{}, err
	}
	if err := classifyStatus(op, status, body); err != nil {
		return Token{}, err
	}

	var resp authResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Token{}, Transient(op, fmt.Errorf("decode auth response: %w", err))
	}
	if resp.AccessToken == "" {
		return Token{}, Transient(op, errors.New("auth response missing access_token"))
	}

	ttl := defaultTokenTTL
	if resp.ExpiresIn > 0 {
		ttl = time.Duration(resp.ExpiresIn) * time.Second
	}
	c.token = Token{Value: resp.AccessToken, ExpiresAt: time.Now().Add(ttl)}
	return c.token, nil
}

func (c *HTTPClient) cachedToken() (string, bool) {
	c.tokenMu.RLock()
	defer c.tokenMu.RUnlock()
	return c.currentTokenLocked()
}

func (c *HTTPClient) currentTokenLocked() (string, bool) {
	if c.token.Value == "" {
		return "", false
	}
	if time.Now().Add(tokenRefreshLeeway).After(c.token.ExpiresAt) {
		return "", false
	}
	return c.token.Value, true
}

func (c *HTTPClient) accessToken(ctx context.Context, force bool) (string, error) {
	if !force {
		if tok, ok := c.cachedToken(); ok {
			return tok, nil
		}
	}

	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	// Another goroutine may have refreshed while we waited.
	if !force {
		if tok, ok := c.currentTokenLocked(); ok {
			return tok, nil
		}
	}
	tok, err := c.authenticateLocked(ctx)
	if err != nil {
		return "", err
	}
	return tok.Value, nil
}

// do performs an authorized call and decodes a 2xx JSON body into out,
// refreshing the token and retrying once on 401.
func (c *HTTPClient) do(ctx context.Context, op, method, path string, in, out any) error {
	token, err := c.accessToken(ctx, false)
	if err != nil {
		return err
	}

	status, body, err := c.send(ctx, op, method, path, in, token)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized {
		if token, err = c.accessToken(ctx, true); err != nil {
			return err
		}
		if status, body, err = c.send(ctx, op, method, path, in, token); err != nil {
			return err
		}
	}
	if err := classifyStatus(op, status, body); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return Transient(op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func (c *HTTPClient) send(ctx context.Context, op, method, path string, in any, token string) (int, []byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return 0, nil, Transient(op, fmt.Errorf("rate limiter: %w", err))
		}
	}

	var bodyReader io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return 0, nil, Rejected(op, "invalid_request", err.Error())
		}
		bodyReader = bytes.NewReader(payload)
	}

	target := c.baseURL.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, method, target.String(), bodyReader)
	if err != nil {
		return 0, nil, Rejected(op, "invalid_request", err.Error())
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, Transient(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, Transient(op, fmt.Errorf("read response: %w", err))
	}
	return resp.StatusCode, body, nil
}

// classifyStatus maps non-2xx responses: 429 and 5xx are transient, every
// other 4xx is a rejection carrying the provider's code.
func classifyStatus(op string, status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}

	var eb errorBody
	_ = json.Unmarshal(body, &eb)
	e := &Error{
		Op:         op,
		StatusCode: status,
		Code:       eb.Error.Code,
		Message:    eb.Error.Message,
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	if status == http.StatusTooManyRequests || status >= 500 {
		e.Kind = KindTransient
	} else {
		e.Kind = KindRejected
	}
	return e
}

// CreateSession rents a number for a service.
func (c *HTTPClient) CreateSession(ctx context.Context, req CreateRequest) (*Session, error) {
	var s Session
	if err := c.do(ctx, "createSession", http.MethodPost, "/sessions", req, &s); err != nil {
		return nil, err
	}
	if s.ID == "" {
		return nil, Transient("createSession", errors.New("response missing session id"))
	}
	return &s, nil
}

// PollMessage fetches delivered messages for a session.
func (c *HTTPClient) PollMessage(ctx context.Context, sessionID string) (*PollResult, error) {
	var r PollResult
	path := "/sessions/" + url.PathEscape(sessionID) + "/messages"
	if err := c.do(ctx, "pollMessage", http.MethodGet, path, nil, &r); err != nil {
		return nil, err
	}
	if r.Status == "" {
		r.Status = StatusPending
		if len(r.Messages) > 0 {
			r.Status = StatusReceived
		}
	}
	return &r, nil
}

// CancelSession releases a number. It reports whether the provider accepted.
func (c *HTTPClient) CancelSession(ctx context.Context, sessionID string) (bool, error) {
	var r cancelResponse
	path := "/sessions/" + url.PathEscape(sessionID) + "/cancel"
	if err := c.do(ctx, "cancelSession", http.MethodPost, path, struct{}{}, &r); err != nil {
		return false, err
	}
	return r.Cancelled, nil
}

// GetBalance returns the operator's balance at the provider.
func (c *HTTPClient) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	var r balanceResponse
	if err := c.do(ctx, "getBalance", http.MethodGet, "/account/balance", nil, &r); err != nil {
		return decimal.Zero, err
	}
	return r.Balance, nil
}
