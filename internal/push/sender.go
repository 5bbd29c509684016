// Package push delivers challenge nonces to devices through an HTTP
// push gateway. Delivery is best-effort: callers log failures and move
// on, since an undelivered challenge only leaves the requirement
// outstanding.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"
)

// TokenType selects the delivery network for a device token.
type TokenType string

const (
	TokenTypeAPN TokenType = "apn"
	TokenTypeFCM TokenType = "fcm"
)

// ParseTokenType validates a client-supplied token type value.
func ParseTokenType(value string) (TokenType, error) {
	switch TokenType(value) {
	case TokenTypeAPN:
		return TokenTypeAPN, nil
	case TokenTypeFCM:
		return TokenTypeFCM, nil
	default:
		return "", fmt.Errorf("unknown push token type %q", value)
	}
}

// Sender delivers a challenge nonce to the device holding the token.
type Sender interface {
	SendChallenge(ctx context.Context, token string, tokenType TokenType, challenge string) error
}

// Config holds gateway connection settings. ClientID empty means the
// gateway is called without authentication (local setups).
type Config struct {
	GatewayURL   string
	Timeout      time.Duration
	ClientID     string
	ClientSecret string
	TokenURL     string
}

// GatewaySender posts challenges to an HTTP push gateway, optionally
// authenticating with the client-credentials grant.
type GatewaySender struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
}

func NewGatewaySender(cfg Config) *GatewaySender {
	httpClient := &http.Client{}
	if cfg.ClientID != "" {
		cc := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
		}
		httpClient = cc.Client(context.Background())
	}
	return &GatewaySender{
		baseURL:    strings.TrimRight(cfg.GatewayURL, "/"),
		httpClient: httpClient,
		timeout:    cfg.Timeout,
	}
}

func (s *GatewaySender) SendChallenge(ctx context.Context, token string, tokenType TokenType, challenge string) error {
	if s.baseURL == "" {
		return fmt.Errorf("push gateway not configured")
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	body, err := json.Marshal(map[string]string{
		"token":     token,
		"tokenType": string(tokenType),
		"challenge": challenge,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/notifications", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("push gateway status %d", resp.StatusCode)
	}
	return nil
}
