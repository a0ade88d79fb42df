// Package cloudbase talks to the messaging platform's cloud document store:
// access-token management plus the query, update and add endpoints.
package cloudbase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/deskbridge/deskbridge/pkg/protocol"
)

// DefaultAPIBase is the platform's public API host.
const DefaultAPIBase = "https://api.weixin.qq.com"

// errcodes the platform uses for rejected credentials or tokens.
var invalidCredentialCodes = map[int]bool{
	40001: true, // invalid credential / access_token
	40013: true, // invalid appid
	40014: true, // invalid access_token
	40125: true, // invalid appsecret
	42001: true, // access_token expired
}

// APIError is a non-zero errcode returned by the platform.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("cloudbase error %d: %s", e.Code, e.Message)
}

// Unwrap lets callers match credential failures with errors.Is.
func (e *APIError) Unwrap() error {
	if invalidCredentialCodes[e.Code] {
		return ErrInvalidCredential
	}
	return nil
}

func apiError(code int, msg string) error {
	return &APIError{Code: code, Message: msg}
}

// StoreClient abstracts the document-store calls used by the command loop
// and the capture pipeline.
type StoreClient interface {
	QueryLatest(ctx context.Context, collection string) ([]protocol.Record, error)
	MarkCompleted(ctx context.Context, collection, id string) error
	AddRecord(ctx context.Context, collection string, fields map[string]string) (string, error)
}

// TokenProvider hands out access tokens and accepts invalidation.
type TokenProvider interface {
	Get(ctx context.Context) (string, error)
	Invalidate()
}

// Config holds connection settings for the document store.
type Config struct {
	APIBase        string
	EnvID          string
	AppID          string
	Secret         string
	RequestTimeout time.Duration
	TokenMargin    time.Duration
}

// Client implements StoreClient over the platform's HTTP API.
type Client struct {
	baseURL string
	envID   string
	tokens  TokenProvider
	http    *http.Client
	logger  zerolog.Logger
}

// New creates a Client and its TokenManager from cfg.
func New(cfg Config, logger zerolog.Logger) (*Client, *TokenManager) {
	base := cfg.APIBase
	if base == "" {
		base = DefaultAPIBase
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	httpClient := &http.Client{Timeout: timeout}
	tm := NewTokenManager(base, cfg.AppID, cfg.Secret, cfg.TokenMargin, httpClient, logger)
	return NewClient(base, cfg.EnvID, tm, httpClient, logger), tm
}

// NewClient creates a Client with an explicit token provider.
func NewClient(baseURL, envID string, tokens TokenProvider, httpClient *http.Client, logger zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL: baseURL,
		envID:   envID,
		tokens:  tokens,
		http:    httpClient,
		logger:  logger.With().Str("component", "cloudbase").Logger(),
	}
}

type storeResponse struct {
	ErrCode int               `json:"errcode"`
	ErrMsg  string            `json:"errmsg"`
	Data    []json.RawMessage `json:"data"`
	IDList  []string          `json:"id_list"`
	Matched int               `json:"matched"`
}

// call POSTs {env, query} to the given store endpoint with a fresh token.
func (c *Client) call(ctx context.Context, endpoint, query string) (*storeResponse, error) {
	token, err := c.tokens.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}

	body, _ := json.Marshal(map[string]string{
		"env":   c.envID,
		"query": query,
	})

	u := c.baseURL + "/tcb/" + endpoint + "?access_token=" + url.QueryEscape(token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req) // #nosec G704 -- URL is the configured API base
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%s status %d: %s", endpoint, resp.StatusCode, string(respBody))
	}

	var sr storeResponse
	if err := json.Unmarshal(respBody, &sr); err != nil {
		return nil, fmt.Errorf("unmarshal %s response: %w", endpoint, err)
	}
	if sr.ErrCode != 0 {
		err := apiError(sr.ErrCode, sr.ErrMsg)
		if errors.Is(err, ErrInvalidCredential) {
			c.tokens.Invalidate()
		}
		return nil, err
	}
	return &sr, nil
}

// QueryLatest fetches the newest record of collection ordered by timestamp.
func (c *Client) QueryLatest(ctx context.Context, collection string) ([]protocol.Record, error) {
	sr, err := c.call(ctx, "databasequery", LatestQuery(collection))
	if err != nil {
		return nil, fmt.Errorf("query latest: %w", err)
	}
	if len(sr.Data) == 0 {
		return nil, nil
	}
	rec, err := protocol.DecodeRecord(sr.Data[0])
	if err != nil {
		return nil, err
	}
	return []protocol.Record{rec}, nil
}

// MarkCompleted sets status 'completed' on the record with id.
func (c *Client) MarkCompleted(ctx context.Context, collection, id string) error {
	if _, err := c.call(ctx, "databaseupdate", CompleteQuery(collection, id)); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return nil
}

// AddRecord inserts a document with the given string fields and returns its id.
func (c *Client) AddRecord(ctx context.Context, collection string, fields map[string]string) (string, error) {
	sr, err := c.call(ctx, "databaseadd", AddQuery(collection, fields))
	if err != nil {
		return "", fmt.Errorf("add record: %w", err)
	}
	if len(sr.IDList) == 0 {
		return "", nil
	}
	return sr.IDList[0], nil
}
