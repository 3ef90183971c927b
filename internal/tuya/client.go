package tuya

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// ErrAuthFailed is returned when no access token could be obtained.
var ErrAuthFailed = errors.New("tuya authentication failed")

const (
	tokenPath = "/v1.0/token"

	// Tokens are refreshed this long before the reported expiry.
	tokenExpiryMargin = 60 * time.Second

	// Vendor code for an expired or revoked access token.
	codeTokenInvalid = 1010

	headerClientID    = "client_id"
	headerSign        = "sign"
	headerT           = "t"
	headerSignMethod  = "sign_method"
	headerAccessToken = "access_token"
)

// Config holds client settings
type Config struct {
	BaseURL          string
	ClientID         string
	ClientSecret     string
	PageSize         int
	PageDelay        time.Duration
	Timeout          time.Duration
	RetryCount       int
	RetryWaitTime    time.Duration
	RetryMaxWaitTime time.Duration
}

type tokenState struct {
	accessToken string
	expiresAt   time.Time
}

func (s tokenState) valid(now time.Time) bool {
	return s.accessToken != "" && now.Before(s.expiresAt)
}

// Client talks to the Tuya OpenAPI. Every request is signed; the access
// token is cached on the instance and refreshed on demand.
type Client struct {
	httpClient   *resty.Client
	clientID     string
	clientSecret string
	pageSize     int
	pageDelay    time.Duration
	logger       *zap.Logger
	now          func() time.Time

	mu    sync.Mutex
	token tokenState
}

// NewClient creates a Tuya client
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.PageSize <= 0 || cfg.PageSize > 100 {
		cfg.PageSize = 100
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryWaitTime <= 0 {
		cfg.RetryWaitTime = 1 * time.Second
	}
	if cfg.RetryMaxWaitTime <= 0 {
		cfg.RetryMaxWaitTime = 5 * time.Second
	}

	c := &Client{
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		pageSize:     cfg.PageSize,
		pageDelay:    cfg.PageDelay,
		logger:       logger,
		now:          time.Now,
	}

	c.httpClient = resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(cfg.RetryWaitTime).
		SetRetryMaxWaitTime(cfg.RetryMaxWaitTime).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= http.StatusInternalServerError
		}).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		OnBeforeRequest(c.signRequest)

	return c
}

// signRequest runs before every attempt, retries included, so each attempt
// carries a fresh timestamp.
func (c *Client) signRequest(_ *resty.Client, r *resty.Request) error {
	body, err := requestBody(r)
	if err != nil {
		return fmt.Errorf("failed to read request body for signing: %w", err)
	}

	path := r.URL
	if u, err := url.Parse(r.URL); err == nil {
		path = u.Path
	}

	t := c.now().UnixMilli()
	accessToken := r.Header.Get(headerAccessToken)
	stringToSign := StringToSign(r.Method, body, CanonicalPath(path, r.QueryParam))

	r.SetHeader(headerClientID, c.clientID)
	r.SetHeader(headerT, strconv.FormatInt(t, 10))
	r.SetHeader(headerSignMethod, signMethod)
	r.SetHeader(headerSign, Sign(c.clientID, c.clientSecret, accessToken, t, stringToSign))
	return nil
}

func requestBody(r *resty.Request) ([]byte, error) {
	switch b := r.Body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, err
		}
		// Send exactly the bytes that were hashed.
		r.SetBody(data)
		return data, nil
	}
}

// accessToken returns the cached token or requests a new one.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token.valid(c.now()) {
		return c.token.accessToken, nil
	}

	var result tokenResult
	if err := c.call(ctx, tokenPath, map[string]string{"grant_type": "1"}, "", &result); err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	if result.AccessToken == "" {
		return "", fmt.Errorf("%w: token response has no access_token", ErrAuthFailed)
	}

	c.token = tokenState{
		accessToken: result.AccessToken,
		expiresAt:   c.now().Add(time.Duration(result.ExpireTime)*time.Second - tokenExpiryMargin),
	}

	c.logger.Info("obtained tuya access token", zap.Int64("expires_in_seconds", result.ExpireTime))
	return c.token.accessToken, nil
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.token = tokenState{}
	c.mu.Unlock()
}

// get performs an authenticated GET. An invalid-token response clears the
// cache and the request is retried once with a new token.
func (c *Client) get(ctx context.Context, path string, params map[string]string, out interface{}) error {
	for attempt := 0; ; attempt++ {
		token, err := c.accessToken(ctx)
		if err != nil {
			return err
		}

		err = c.call(ctx, path, params, token, out)
		var apiErr *APIError
		if attempt == 0 && errors.As(err, &apiErr) && apiErr.Code == codeTokenInvalid {
			c.logger.Warn("tuya access token rejected, re-authenticating")
			c.invalidateToken()
			continue
		}
		return err
	}
}

func (c *Client) call(ctx context.Context, path string, params map[string]string, accessToken string, out interface{}) error {
	req := c.httpClient.R().
		SetContext(ctx).
		SetQueryParams(params)
	if accessToken != "" {
		req.SetHeader(headerAccessToken, accessToken)
	}

	resp, err := req.Get(path)
	if err != nil {
		return fmt.Errorf("[TUYA] request to %s failed: %w", path, err)
	}
	if resp.IsError() {
		return fmt.Errorf("[TUYA] %s returned HTTP %d", path, resp.StatusCode())
	}

	var envelope apiResponse
	if err := json.Unmarshal(resp.Body(), &envelope); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	if !envelope.Success {
		return &APIError{Path: path, Code: envelope.Code, Msg: envelope.Msg}
	}

	if out != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("failed to decode %s result: %w", path, err)
		}
	}
	return nil
}
