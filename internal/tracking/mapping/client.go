package mapping

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// ClientConfig configures the remote mapping lookup.
type ClientConfig struct {
	// BaseURL of the service exposing /api/tracking/get/{id} and
	// /api/tracking/latest.
	BaseURL string

	Client *http.Client
	Logger *slog.Logger
}

// Client reads mappings from a remote tracking service. It only reads:
// Put is rejected because ids are minted by the owning service.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient constructs a remote lookup client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("mapping client: base_url is required")
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{baseURL: u, httpClient: client, logger: logger}, nil
}

type lookupResponse struct {
	Success   bool   `json:"success"`
	MappingID string `json:"mapping_id"`
	SafeID    string `json:"safe_id"`
	Original  any    `json:"original"`
	Created   string `json:"created"`
}

// Put is not supported remotely.
func (c *Client) Put(ctx context.Context, opaqueID, payload string) error {
	return fmt.Errorf("mapping client: put is not supported")
}

// Get fetches a mapping by opaque id.
func (c *Client) Get(ctx context.Context, opaqueID string) (Entry, bool) {
	e, ok := c.fetch(ctx, "/api/tracking/get/"+url.PathEscape(opaqueID))
	if ok && e.OpaqueID == "" {
		e.OpaqueID = opaqueID
	}
	return e, ok
}

// Latest fetches the most recently created mapping.
func (c *Client) Latest(ctx context.Context) (Entry, bool) {
	return c.fetch(ctx, "/api/tracking/latest")
}

func (c *Client) fetch(ctx context.Context, p string) (Entry, bool) {
	logger := c.logger.With("op", "mapping.fetch", "path", p)
	endpoint := *c.baseURL
	endpoint.Path = path.Join(endpoint.Path, p)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		logger.Error("build request", "err", err)
		return Entry{}, false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.Error("request failed", "err", err)
		return Entry{}, false
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		logger.Info("lookup miss", "status", resp.Status)
		return Entry{}, false
	}

	var out lookupResponse
	if err := json.Unmarshal(b, &out); err != nil {
		logger.Error("decode response", "err", err)
		return Entry{}, false
	}
	if !out.Success || out.Original == nil {
		return Entry{}, false
	}

	e := Entry{OpaqueID: out.MappingID}
	if e.OpaqueID == "" {
		e.OpaqueID = out.SafeID
	}
	// original may arrive either as a JSON string or as an embedded object
	switch v := out.Original.(type) {
	case string:
		e.Original = v
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return Entry{}, false
		}
		e.Original = string(raw)
	}
	if t, err := time.Parse(time.RFC3339Nano, out.Created); err == nil {
		e.CreatedAt = t
	}
	return e, true
}
