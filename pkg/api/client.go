// Package api talks to the pup backend over HTTP: the snapshot and catalog
// fetches and the mutating requests that answer with a transaction id.
package api

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

	"github.com/go-go-golems/pupdash/pkg/protocol"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	SnapshotPath = "/system/bootstrap"
	SourcesPath  = "/sources/store"
	StreamPath   = "/ws/state/"
)

var ErrNoTransaction = errors.New("response carries no transaction id")

// StatusError is returned for non 2xx responses.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Code)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// Is matches another StatusError by code, or any StatusError when the
// target code is 0.
func (e *StatusError) Is(target error) bool {
	t, ok := target.(*StatusError)
	if !ok {
		return false
	}
	return t.Code == 0 || t.Code == e.Code
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) BaseURL() string { return c.baseURL }

// StreamURL derives the websocket URL of the state stream from the base URL.
func (c *Client) StreamURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", errors.Wrap(err, "parse server url")
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + StreamPath
	return u.String(), nil
}

func (c *Client) FetchSnapshot(ctx context.Context) (protocol.Snapshot, error) {
	b, err := c.do(ctx, http.MethodGet, SnapshotPath, nil)
	if err != nil {
		return protocol.Snapshot{}, err
	}
	return protocol.DecodeSnapshot(b)
}

func (c *Client) FetchSources(ctx context.Context) (map[string]protocol.SourceListing, error) {
	b, err := c.do(ctx, http.MethodGet, SourcesPath, nil)
	if err != nil {
		return nil, err
	}
	var out map[string]protocol.SourceListing
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, errors.Wrap(err, "decode sources")
	}
	return out, nil
}

// PostPupConfig submits a config map. The answer carries the transaction id
// the stream later resolves.
func (c *Client) PostPupConfig(ctx context.Context, pupID string, cfg map[string]any) (protocol.TransactionResponse, error) {
	return c.transaction(ctx, "/pup/"+url.PathEscape(pupID)+"/config", cfg)
}

func (c *Client) PostPupAction(ctx context.Context, pupID, action string, body any) (protocol.TransactionResponse, error) {
	if body == nil {
		body = map[string]any{}
	}
	return c.transaction(ctx, "/pup/"+url.PathEscape(pupID)+"/"+url.PathEscape(action), body)
}

func (c *Client) transaction(ctx context.Context, path string, body any) (protocol.TransactionResponse, error) {
	var out protocol.TransactionResponse
	b, err := c.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, errors.Wrap(err, "decode transaction response")
	}
	if out.Error != "" {
		return out, errors.Errorf("%s: %s", path, out.Error)
	}
	if out.ID == "" {
		return out, errors.Wrap(ErrNoTransaction, path)
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "encode request body")
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, path)
	}
	defer func() { _ = resp.Body.Close() }()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	log.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).Int("bytes", len(b)).Msg("backend request")
	return b, nil
}
