// Package earthengine talks to the Earth Engine REST API: the Sentinel-2
// catalog listing and per-patch pixel fetches.
package earthengine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/rs/zerolog"

	"imagery-mosaic/internal/common"
	"imagery-mosaic/internal/ratelimit"
)

const (
	// DefaultBaseURL is the public REST endpoint
	DefaultBaseURL = "https://earthengine.googleapis.com"

	// APIVersion prefixes every resource path
	APIVersion = "v1alpha"

	// pingAsset is a public asset every authorized session can read
	pingAsset = "LANDSAT"

	// UserAgent identifies the client
	UserAgent = "imagery-mosaic/1.0"
)

// Config configures a Client
type Config struct {
	BaseURL     string
	Project     string
	Collection  string
	CloudFilter string
	Timeout     time.Duration
	PageSize    int
}

// TokenSource supplies OAuth2 bearer tokens
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed bearer token
type StaticToken string

// Token implements TokenSource
func (t StaticToken) Token(context.Context) (string, error) {
	if t == "" {
		return "", errors.New("no Earth Engine access token configured")
	}
	return string(t), nil
}

// StatusError is a non-success HTTP response
type StatusError struct {
	StatusCode  int
	Message     string
	RateLimited bool
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("earth engine request failed with status: %d", e.StatusCode)
	}
	return fmt.Sprintf("earth engine request failed with status %d: %s", e.StatusCode, e.Message)
}

// Unwrap reports client errors other than throttling and timeouts as
// common.ErrRequestRejected
func (e *StatusError) Unwrap() error {
	if e.Permanent() {
		return common.ErrRequestRejected
	}
	return nil
}

// Permanent reports whether repeating the request cannot succeed
func (e *StatusError) Permanent() bool {
	return !e.RateLimited && e.StatusCode >= 400 && e.StatusCode < 500 &&
		e.StatusCode != http.StatusRequestTimeout && e.StatusCode != http.StatusTooManyRequests
}

// Client handles communication with the Earth Engine REST API
type Client struct {
	httpClient *http.Client
	baseURL    string
	project    string
	collection string
	filter     string
	pageSize   int
	tokens     TokenSource
	limiter    *ratelimit.Handler
	logger     zerolog.Logger
}

// NewClient creates a new Earth Engine client with system proxy support
func NewClient(cfg Config, tokens TokenSource, limiter *ratelimit.Handler, logger zerolog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Project == "" {
		cfg.Project = common.DefaultProject
	}
	if cfg.Collection == "" {
		cfg.Collection = common.DefaultCollection
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if limiter == nil {
		limiter = ratelimit.NewHandler(nil, logger)
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
	}

	return &Client{
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		project:    strings.Trim(cfg.Project, "/"),
		collection: strings.Trim(cfg.Collection, "/"),
		filter:     cfg.CloudFilter,
		pageSize:   cfg.PageSize,
		tokens:     tokens,
		limiter:    limiter,
		logger:     logger.With().Str("component", "earthengine").Logger(),
	}
}

// assetURL returns {base}/v1alpha/{project}/assets/{asset}{suffix}
func (c *Client) assetURL(asset, suffix string) string {
	return fmt.Sprintf("%s/%s/%s/assets/%s%s", c.baseURL, APIVersion, c.project, asset, suffix)
}

// Ping verifies the session by reading a public asset
func (c *Client) Ping(ctx context.Context) error {
	body, err := c.do(ctx, http.MethodGet, c.assetURL(pingAsset, ""), nil)
	if err != nil {
		return fmt.Errorf("session check failed: %w", err)
	}
	var asset struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &asset); err != nil {
		return fmt.Errorf("session check failed: %w", err)
	}
	if asset.ID != pingAsset {
		return fmt.Errorf("session check failed: unexpected asset %q", asset.ID)
	}
	return nil
}

type listImagesResponse struct {
	Images []struct {
		ID        string `json:"id"`
		StartTime string `json:"startTime"`
	} `json:"images"`
	NextPageToken string `json:"nextPageToken"`
}

// ListImages returns the ids of the collection's images acquired in
// [start, end) that intersect aoi, in catalog order
func (c *Client) ListImages(ctx context.Context, start, end time.Time, aoi orb.Polygon) ([]string, error) {
	region, err := geojson.NewGeometry(aoi).MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to encode region: %w", err)
	}

	params := url.Values{}
	params.Set("startTime", common.FormatCatalogTimestamp(start))
	params.Set("endTime", common.FormatCatalogTimestamp(end))
	params.Set("region", string(region))
	if c.filter != "" {
		params.Set("filter", c.filter)
	}
	if c.pageSize > 0 {
		params.Set("pageSize", fmt.Sprint(c.pageSize))
	}

	var ids []string
	for {
		body, err := c.do(ctx, http.MethodGet, c.assetURL(c.collection, ":listImages")+"?"+params.Encode(), nil)
		if err != nil {
			return nil, fmt.Errorf("failed to list images: %w", err)
		}
		var page listImagesResponse
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("failed to parse image listing: %w", err)
		}
		for _, img := range page.Images {
			ids = append(ids, img.ID)
		}
		if page.NextPageToken == "" {
			break
		}
		params.Set("pageToken", page.NextPageToken)
	}

	c.logger.Info().Int("images", len(ids)).Str("collection", c.collection).
		Str("start", common.FormatISO8601(start)).Str("end", common.FormatISO8601(end)).Msg("catalog listed")
	return ids, nil
}

type pixelsRequest struct {
	FileFormat string     `json:"fileFormat"`
	BandIDs    []string   `json:"bandIds"`
	Grid       pixelsGrid `json:"grid"`
}

type pixelsGrid struct {
	AffineTransform affineTransform `json:"affineTransform"`
	Dimensions      dimensions      `json:"dimensions"`
	CRSCode         string          `json:"crsCode"`
}

type affineTransform struct {
	ScaleX     float64 `json:"scaleX"`
	ScaleY     float64 `json:"scaleY"`
	TranslateX float64 `json:"translateX"`
	TranslateY float64 `json:"translateY"`
}

type dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// FetchPatch downloads one north-up patch of a scene as float32 samples
func (c *Client) FetchPatch(ctx context.Context, req common.PatchRequest) (*common.Patch, error) {
	payload, err := json.Marshal(pixelsRequest{
		FileFormat: "NPY",
		BandIDs:    req.Bands,
		Grid: pixelsGrid{
			AffineTransform: affineTransform{
				ScaleX:     req.Scale,
				ScaleY:     -req.Scale,
				TranslateX: req.OriginX,
				TranslateY: req.OriginY,
			},
			Dimensions: dimensions{Width: req.Size, Height: req.Size},
			CRSCode:    req.CRSCode,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode pixel request: %w", err)
	}

	body, err := c.do(ctx, http.MethodPost, c.assetURL(req.SceneID, ":getPixels"), payload)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pixels for %s: %w", req.SceneID, err)
	}

	patch, names, err := DecodeNPY(body)
	if err != nil {
		return nil, fmt.Errorf("failed to decode pixels for %s: %w", req.SceneID, err)
	}
	if len(names) > 0 && names[0] != "" {
		for i, band := range req.Bands {
			if i < len(names) && names[i] != band {
				return nil, fmt.Errorf("pixels for %s returned band %q at position %d, requested %q", req.SceneID, names[i], i, band)
			}
		}
	}
	return patch, nil
}

// do issues an authorized request, honoring the provider's rate limit state
func (c *Client) do(ctx context.Context, method, rawURL string, payload []byte) ([]byte, error) {
	if err := c.limiter.WaitClear(ctx, common.ProviderEarthEngine); err != nil {
		return nil, err
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", UserAgent)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	limited := c.limiter.CheckResponse(common.ProviderEarthEngine, resp.StatusCode, body)
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode, Message: errorMessage(body), RateLimited: limited}
	}
	return body, nil
}

// errorMessage extracts the message of a Google API error body
func errorMessage(body []byte) string {
	var apiErr struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
		return apiErr.Error.Message
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
