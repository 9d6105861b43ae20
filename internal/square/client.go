package square

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"backend/internal/apperror"
	"backend/internal/config"
)

// Square-Version header pinned for all calls.
const apiVersion = "2024-01-18"

// remote calls either resolve within this window or fail as remote_api.
const callTimeout = 30 * time.Second

// Client talks to the Square connect API for one deployment (one app id /
// secret pair, sandbox or production host).
type Client struct {
	baseURL   string
	appID     string
	appSecret string
	http      *http.Client
}

func NewClient(cfg *config.Square) *Client {
	return &Client{
		baseURL:   cfg.BaseURL(),
		appID:     cfg.AppID,
		appSecret: cfg.AppSecret,
		http:      &http.Client{Timeout: callTimeout},
	}
}

// apiErr is one entry of Square's error envelope.
type apiErr struct {
	Category string `json:"category"`
	Code     string `json:"code"`
	Detail   string `json:"detail"`
}

type errEnvelope struct {
	Errors []apiErr `json:"errors"`
}

func (e errEnvelope) message(status int) string {
	if len(e.Errors) > 0 {
		first := e.Errors[0]
		if first.Detail != "" {
			return fmt.Sprintf("square: %s (%s)", first.Detail, first.Code)
		}
		return fmt.Sprintf("square: %s", first.Code)
	}
	return fmt.Sprintf("square: http %d", status)
}

// bearerAuth / clientAuth build Authorization header values. The OAuth revoke
// endpoint authenticates with the application secret, everything else with a
// merchant access token.
func bearerAuth(accessToken string) string { return "Bearer " + accessToken }
func clientAuth(appSecret string) string   { return "Client " + appSecret }

// call issues one JSON round-trip and decodes a typed payload. Non-2xx
// responses come back as a remote_api error carrying Square's first error
// detail; callers re-wrap where a more specific code applies.
func call[T any](ctx context.Context, c *Client, method, path, auth string, body any) (*T, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, apperror.Wrap(apperror.CodeRemoteAPI, "encode square request", err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, apperror.Wrap(apperror.CodeRemoteAPI, "build square request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Square-Version", apiVersion)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nil, apperror.Wrap(apperror.CodeRemoteAPI, "square request failed", err)
	}
	defer res.Body.Close()

	raw, _ := io.ReadAll(res.Body)

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		var env errEnvelope
		_ = json.Unmarshal(raw, &env)
		return nil, apperror.New(apperror.CodeRemoteAPI, env.message(res.StatusCode))
	}

	var out T
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, apperror.Wrap(apperror.CodeRemoteAPI, "decode square response", err)
		}
	}
	return &out, nil
}
