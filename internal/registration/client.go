package registration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/verigate/backend/pkg/utils"
)

// Client wraps HTTP calls to the registration authority. Every call is
// bounded by the configured timeout and authenticated with a freshly
// minted service token.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	timeout    time.Duration
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{},
		timeout:    timeout,
	}
}

// errorDocument is the authority's wire form for non-2xx responses.
type errorDocument struct {
	Error               string           `json:"error"`
	RetryAfter          *int64           `json:"retryAfter,omitempty"`
	Session             *sessionDocument `json:"session,omitempty"`
	TransportNotAllowed bool             `json:"transportNotAllowed,omitempty"`
}

// AccountExists reports whether the authority already knows an account
// for the identifier. The answer feeds session allocation policy.
func (c *Client) AccountExists(ctx context.Context, number string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodGet, "/v1/accounts/"+url.PathEscape(number), nil)
	if err != nil {
		return false, err
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("registration: account lookup status %d", resp.StatusCode)
	}

	var out struct {
		Exists bool `json:"exists"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return false, fmt.Errorf("decoding response: %w", err)
	}
	return out.Exists, nil
}

// CreateSession allocates a new authority session for the account
// identifier, carrying the existence flag so the authority can apply
// different policy to known accounts.
func (c *Client) CreateSession(ctx context.Context, number string, accountExists bool) (*Session, error) {
	body := map[string]interface{}{
		"number":        number,
		"accountExists": accountExists,
	}
	return c.doSession(ctx, http.MethodPost, "/v1/sessions", body, nil)
}

// GetSession fetches the authority's current view of a session.
func (c *Client) GetSession(ctx context.Context, id []byte) (*Session, error) {
	path := "/v1/sessions/" + EncodeSessionID(id)
	return c.doSession(ctx, http.MethodGet, path, nil, nil)
}

// SendVerificationCode asks the authority to dispatch a code over the
// given transport. The Accept-Language value, when present, is forwarded
// so the authority can localize the message.
func (c *Client) SendVerificationCode(ctx context.Context, id []byte, transport Transport, clientType ClientType, acceptLanguage string) (*Session, error) {
	body := map[string]interface{}{
		"transport": transport,
		"client":    clientType,
	}
	headers := map[string]string{}
	if acceptLanguage != "" {
		headers["Accept-Language"] = acceptLanguage
	}
	path := "/v1/sessions/" + EncodeSessionID(id) + "/code"
	return c.doSession(ctx, http.MethodPost, path, body, headers)
}

// CheckVerificationCode submits a client-provided code for the authority
// to judge. The returned session carries the authoritative verified flag.
func (c *Client) CheckVerificationCode(ctx context.Context, id []byte, code string) (*Session, error) {
	body := map[string]interface{}{
		"code": code,
	}
	path := "/v1/sessions/" + EncodeSessionID(id) + "/code"
	return c.doSession(ctx, http.MethodPut, path, body, nil)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, err
	}

	token, err := utils.MintServiceToken("registration")
	if err != nil {
		return nil, fmt.Errorf("minting service token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) doSession(ctx context.Context, method, path string, body interface{}, headers map[string]string) (*Session, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := c.newRequest(ctx, method, path, reader)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var doc sessionDocument
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("decoding response: %w", err)
		}
		return doc.toSession()
	}

	return nil, c.errorFromResponse(resp.StatusCode, data)
}

func (c *Client) errorFromResponse(status int, data []byte) error {
	var doc errorDocument
	_ = json.Unmarshal(data, &doc)

	var session *Session
	if doc.Session != nil {
		if s, err := doc.Session.toSession(); err == nil {
			session = s
		}
	}

	switch status {
	case http.StatusNotFound:
		return ErrSessionNotFound
	case http.StatusBadRequest:
		return ErrInvalidArgument
	case http.StatusTooManyRequests:
		var retryAfter time.Duration
		if doc.RetryAfter != nil {
			retryAfter = time.Duration(*doc.RetryAfter) * time.Second
		}
		return &RateLimitError{RetryAfter: retryAfter, Session: session}
	case http.StatusConflict:
		return &AttemptError{Session: session, TransportNotAllowed: doc.TransportNotAllowed}
	default:
		message := doc.Error
		if message == "" {
			message = strings.TrimSpace(string(data))
		}
		return fmt.Errorf("registration: unexpected status %d: %s", status, message)
	}
}
