package authority

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

	"github.com/fieldsync/fieldsync/internal/schema"
	"github.com/fieldsync/fieldsync/internal/syncerr"
)

// ClientConfig configures the authority client.
type ClientConfig struct {
	// BaseURL is the authority root, e.g. http://localhost:8080.
	BaseURL string

	// Token returns the bearer token for each request.
	Token func() string

	// Timeout bounds every call. A timeout is a transient failure.
	Timeout time.Duration

	HTTPClient *http.Client
}

// Client speaks the authority HTTP contract and maps failures onto the
// syncerr taxonomy.
type Client struct {
	base    string
	token   func() string
	timeout time.Duration
	http    *http.Client
}

// NewClient creates a client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Token == nil {
		cfg.Token = func() string { return "" }
	}
	return &Client{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		timeout: cfg.Timeout,
		http:    cfg.HTTPClient,
	}
}

// Patch sends op and returns the full committed record.
func (c *Client) Patch(ctx context.Context, op *schema.MutationOp) (*schema.Record, error) {
	body, err := json.Marshal(op.WireBody())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal patch: %w", err)
	}
	headers := http.Header{}
	headers.Set("Idempotency-Key", op.OpID)
	headers.Set("Content-Type", "application/json")

	var rec schema.Record
	path := "/resource/" + url.PathEscape(op.TargetID)
	if err := c.do(ctx, http.MethodPatch, path, headers, body, op.TargetID, op.ExpectedVersion, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Get fetches the canonical record.
func (c *Client) Get(ctx context.Context, id string) (*schema.Record, error) {
	var rec schema.Record
	if err := c.do(ctx, http.MethodGet, "/resource/"+url.PathEscape(id), nil, nil, id, 0, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// List fetches every record of branch (all records when empty).
func (c *Client) List(ctx context.Context, branch string) ([]*schema.Record, error) {
	path := "/resource"
	if branch != "" {
		path += "?branch=" + url.QueryEscape(branch)
	}
	var out []*schema.Record
	if err := c.do(ctx, http.MethodGet, path, nil, nil, "", 0, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ForceRefresh asks the authority to broadcast refresh.force to scopes.
func (c *Client) ForceRefresh(ctx context.Context, scopes []string) error {
	body, _ := json.Marshal(refreshRequest{Scopes: scopes})
	return c.do(ctx, http.MethodPost, "/admin/refresh", jsonHeader(), body, "", 0, nil)
}

// Notify asks the authority to send a notification to subject.
func (c *Client) Notify(ctx context.Context, subject, category, message string) error {
	body, _ := json.Marshal(notifyRequest{Subject: subject, Category: category, Message: message})
	return c.do(ctx, http.MethodPost, "/admin/notify", jsonHeader(), body, "", 0, nil)
}

func jsonHeader() http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	return h
}

func (c *Client) do(ctx context.Context, method, path string, headers http.Header, body []byte,
	recordID string, expectedVersion int64, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	for k, v := range headers {
		req.Header[k] = v
	}
	if tok := c.token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &syncerr.NetworkError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return &syncerr.NetworkError{Op: method + " " + path, StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode == http.StatusNotFound && method == http.MethodGet {
		return syncerr.ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var eb errorBody
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &eb) == nil && eb.Error != "" {
			msg = eb.Error
		}
		return syncerr.FromStatus(recordID, expectedVersion, resp.StatusCode, msg)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &syncerr.NetworkError{Op: method + " " + path, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("failed to parse response: %w", err)}
	}
	return nil
}
