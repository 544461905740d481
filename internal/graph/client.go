// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package graph is the remote mailbox gateway for Microsoft Graph: mailbox
// discovery, delta change retrieval, quarantine folder provisioning, and
// message moves. One Client serves one tenant.
package graph

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
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/bcem/quarantine/internal/logging"
)

// DefaultBaseURL is the Graph v1.0 endpoint.
const DefaultBaseURL = "https://graph.microsoft.com/v1.0"

// DefaultTimeout bounds every Graph call.
const DefaultTimeout = 30 * time.Second

// Client talks to Graph on behalf of one tenant.
type Client struct {
	baseURL     string
	tenantAlias string
	tokens      oauth2.TokenSource
	httpClient  *http.Client
	fallback    []string
	exclude     map[string]bool
	pageSize    int
	logger      *slog.Logger
}

// Config holds the settings for a tenant's Graph client.
type Config struct {
	BaseURL     string
	TenantAlias string
	// Tokens produces bearer credentials; see NewTokenSource.
	Tokens     oauth2.TokenSource
	HTTPClient *http.Client
	Timeout    time.Duration
	// FallbackMailboxes is used when the directory listing is forbidden
	// or returns no mail-enabled users.
	FallbackMailboxes []string
	ExcludeMailboxes  []string
	PageSize          int
	Logger            *slog.Logger
}

// NewClient creates a Graph client.
func NewClient(cfg Config) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}

	exclude := make(map[string]bool, len(cfg.ExcludeMailboxes))
	for _, u := range cfg.ExcludeMailboxes {
		exclude[normalizeAddress(u)] = true
	}

	return &Client{
		baseURL:     baseURL,
		tenantAlias: cfg.TenantAlias,
		tokens:      cfg.Tokens,
		httpClient:  httpClient,
		fallback:    cfg.FallbackMailboxes,
		exclude:     exclude,
		pageSize:    pageSize,
		logger:      logging.OrDiscard(cfg.Logger).With("tenant", cfg.TenantAlias),
	}
}

// TenantAlias returns the alias of the tenant this client serves.
func (c *Client) TenantAlias() string { return c.tenantAlias }

// DefaultTokenTimeout bounds a single token request.
const DefaultTokenTimeout = 30 * time.Second

// Credentials identify a tenant's app registration.
type Credentials struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	// TokenURL overrides the Entra ID endpoint derived from TenantID.
	TokenURL string
	Timeout  time.Duration
}

// NewTokenSource returns a caching client-credentials token source for a
// tenant. Tokens are refreshed shortly before expiry, and every token
// request is bounded by creds.Timeout.
func NewTokenSource(ctx context.Context, creds Credentials) oauth2.TokenSource {
	tokenURL := creds.TokenURL
	if tokenURL == "" {
		tokenURL = fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", creds.TenantID)
	}
	timeout := creds.Timeout
	if timeout <= 0 {
		timeout = DefaultTokenTimeout
	}

	cfg := &clientcredentials.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		TokenURL:     tokenURL,
		Scopes:       []string{"https://graph.microsoft.com/.default"},
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Timeout: timeout})
	return cfg.TokenSource(ctx)
}

// APIError is a non-success Graph response.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("graph API returned HTTP %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("graph API returned HTTP %d", e.Status)
}

func statusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

// IsForbidden reports an authorization-denied response.
func IsForbidden(err error) bool { return statusOf(err) == http.StatusForbidden }

// IsConflict reports a conflict response (e.g. folder already exists).
func IsConflict(err error) bool { return statusOf(err) == http.StatusConflict }

// IsNotFound reports a 404 response.
func IsNotFound(err error) bool { return statusOf(err) == http.StatusNotFound }

// IsGone reports an expired delta cursor.
func IsGone(err error) bool { return statusOf(err) == http.StatusGone }

// graphErrorBody is the standard Graph error envelope.
type graphErrorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// do sends an authenticated request and decodes a JSON response into out
// when the status is one of want.
func (c *Client) do(ctx context.Context, method, rawURL string, body any, out any, want ...int) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Add("Prefer", fmt.Sprintf("odata.maxpagesize=%d", c.pageSize))
	req.Header.Add("Prefer", `outlook.body-content-type="text"`)

	if c.tokens == nil {
		return errors.New("no token source configured")
	}
	tok, err := c.tokens.Token()
	if err != nil {
		return fmt.Errorf("acquire token: %w", err)
	}
	tok.SetAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, redact(rawURL), err)
	}
	defer resp.Body.Close()

	ok := false
	for _, code := range want {
		if resp.StatusCode == code {
			ok = true
			break
		}
	}
	if !ok {
		apiErr := &APIError{Status: resp.StatusCode}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		var envelope graphErrorBody
		if json.Unmarshal(data, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// userURL builds "{base}/users/{address}{suffix}".
func (c *Client) userURL(address, suffix string) string {
	return fmt.Sprintf("%s/users/%s%s", c.baseURL, url.PathEscape(address), suffix)
}

// redact drops the query string, which carries delta tokens.
func redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "<invalid url>"
	}
	u.RawQuery = ""
	return u.String()
}
