package rowstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/readcircle/readcircle/internal/clubs"
)

const (
	clubsTable = "clubs"

	headerAPIKey = "apikey"
	headerPrefer = "Prefer"

	preferMergeDuplicates = "resolution=merge-duplicates"
)

var (
	ErrInvalidClientConfig = errors.New("rowstore: invalid client config")

	errMissingBaseURL     = errors.New("base url required")
	errMissingAPIKey      = errors.New("api key required")
	errMissingAccessToken = errors.New("access token required")
)

// ClientConfig bundles what the client needs to reach the hosted row API.
type ClientConfig struct {
	BaseURL     string
	APIKey      string
	AccessToken string
	HTTPClient  *http.Client
	Logger      *zap.Logger
}

// Client talks to the hosted backend's row API. It performs no retries;
// recovery belongs to the callers.
type Client struct {
	baseURL     *url.URL
	apiKey      string
	accessToken string
	httpClient  *http.Client
	logger      *zap.Logger
}

func NewClient(cfg ClientConfig) (*Client, error) {
	rawBase := strings.TrimSpace(cfg.BaseURL)
	if rawBase == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientConfig, errMissingBaseURL)
	}
	baseURL, err := url.Parse(rawBase)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientConfig, err)
	}

	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientConfig, errMissingAPIKey)
	}

	accessToken := strings.TrimSpace(cfg.AccessToken)
	if accessToken == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientConfig, errMissingAccessToken)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		baseURL:     baseURL,
		apiKey:      apiKey,
		accessToken: accessToken,
		httpClient:  httpClient,
		logger:      logger,
	}, nil
}

// ListRows fetches every club row the access token may read. Rows that fail
// validation are skipped rather than failing the whole listing.
func (c *Client) ListRows(ctx context.Context) ([]clubs.Row, error) {
	target := c.tableURL()
	query := target.Query()
	query.Set("select", "*")
	target.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)

	response, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("row list returned status %d", response.StatusCode)
	}

	var rawRows []json.RawMessage
	if err := json.NewDecoder(response.Body).Decode(&rawRows); err != nil {
		return nil, err
	}

	rows := make([]clubs.Row, 0, len(rawRows))
	for _, rawRow := range rawRows {
		row, err := clubs.DecodeRow(rawRow)
		if err != nil {
			c.logger.Debug("skipping row", zap.Error(err))
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// UpsertRow creates or merges a single club row.
func (c *Client) UpsertRow(ctx context.Context, row clubs.Row) error {
	payload, err := json.Marshal([]clubs.Row{row})
	if err != nil {
		return err
	}

	target := c.tableURL()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	c.authorize(req)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerPrefer, preferMergeDuplicates)

	response, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	switch response.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return nil
	default:
		return fmt.Errorf("row upsert returned status %d", response.StatusCode)
	}
}

// DeleteRow removes a club row by identifier.
func (c *Client) DeleteRow(ctx context.Context, clubID string) error {
	if strings.TrimSpace(clubID) == "" {
		return clubs.ErrInvalidClubID
	}

	target := c.tableURL()
	query := target.Query()
	query.Set("id", "eq."+clubID)
	target.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, target.String(), nil)
	if err != nil {
		return err
	}
	c.authorize(req)

	response, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	switch response.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return nil
	default:
		return fmt.Errorf("row delete returned status %d", response.StatusCode)
	}
}

// Probe performs the cheapest possible authenticated read to check whether
// the row API is reachable.
func (c *Client) Probe(ctx context.Context) error {
	target := c.tableURL()
	query := target.Query()
	query.Set("select", "id")
	query.Set("limit", "1")
	target.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return err
	}
	c.authorize(req)

	response, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	switch response.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
		return nil
	default:
		return fmt.Errorf("row probe returned status %d", response.StatusCode)
	}
}

func (c *Client) tableURL() *url.URL {
	return c.baseURL.JoinPath(clubsTable)
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set(headerAPIKey, c.apiKey)
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
}
