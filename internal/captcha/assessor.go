// Package captcha scores human-presence tokens through an external
// assessment provider. The whole capability sits behind a configuration
// gate; when disabled nothing in this package is called.
package captcha

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrUnavailable marks transport failures and provider outages.
	ErrUnavailable = errors.New("captcha provider unavailable")
	// ErrNoAssessment marks a provider answer that carries no verdict.
	ErrNoAssessment = errors.New("captcha provider returned no assessment")
)

// Assessment is the provider's verdict on one token.
type Assessment struct {
	Valid bool    `json:"valid"`
	Score float32 `json:"score"`
}

// Satisfies applies the configured score threshold when one is set, and
// falls back to the provider's own verdict otherwise.
func (a *Assessment) Satisfies(threshold float32) bool {
	if threshold > 0 {
		return a.Score >= threshold
	}
	return a.Valid
}

// Assessor judges captcha tokens.
type Assessor interface {
	Assess(ctx context.Context, token, clientIP, userAgent string) (*Assessment, error)
}

// Config holds provider connection settings.
type Config struct {
	URL     string
	Timeout time.Duration
}

// HTTPAssessor calls an HTTP assessment provider.
type HTTPAssessor struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
}

func NewHTTPAssessor(cfg Config) *HTTPAssessor {
	return &HTTPAssessor{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		httpClient: &http.Client{},
		timeout:    cfg.Timeout,
	}
}

func (a *HTTPAssessor) Assess(ctx context.Context, token, clientIP, userAgent string) (*Assessment, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	body, err := json.Marshal(map[string]string{
		"token":     token,
		"clientIp":  clientIP,
		"userAgent": userAgent,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/assessments", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var doc struct {
		Assessment *Assessment `json:"assessment"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoAssessment, err)
	}
	if doc.Assessment == nil {
		return nil, ErrNoAssessment
	}
	return doc.Assessment, nil
}
